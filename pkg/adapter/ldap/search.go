package ldap

import (
	"context"
	"time"

	"github.com/ldaptoid/ldaptoid/internal/logger"
	wire "github.com/ldaptoid/ldaptoid/internal/protocol/ldap"
	"github.com/ldaptoid/ldaptoid/pkg/directory"
)

// searchTarget identifies the entry a base DN names inside the tree.
type searchTarget int

const (
	targetOutside searchTarget = iota // not under the suffix
	targetMissing                     // under the suffix, names nothing
	targetRoot                        // the suffix entry itself
	targetUsersOU
	targetGroupsOU
	targetUser
	targetGroup
)

// searchRun carries the per-request state of one search: the snapshot
// reference is taken once at request start and held for the whole
// response, so a concurrent publish never interleaves partial results.
type searchRun struct {
	conn  *Connection
	msgID int
	req   *wire.SearchRequest
	snap  *directory.Snapshot

	paged     *wire.PagedResults
	deadline  time.Time
	sizeLimit int
	sent      int
}

// handleSearch executes one SearchRequest and streams the response.
func (c *Connection) handleSearch(ctx context.Context, msg *wire.Message, req *wire.SearchRequest) {
	run := &searchRun{
		conn:  c,
		msgID: msg.ID,
		req:   req,
		paged: wire.FindPagedResults(msg.Controls),
	}

	if wire.HasUnknownCriticalControl(msg.Controls) {
		run.done(wire.ResultUnavailableCriticalExtension, "critical control not supported")
		return
	}
	if !c.searchAuthorized() {
		run.done(wire.ResultInsufficientAccessRights, "bind required")
		return
	}
	if containsExtensible(req.Filter) {
		run.done(wire.ResultUnwillingToPerform, "extensible match filters are not supported")
		return
	}

	// Limits: the server cap is hard; a smaller client limit lowers it.
	run.sizeLimit = c.server.config.SizeLimit
	if req.SizeLimit > 0 && req.SizeLimit < run.sizeLimit {
		run.sizeLimit = req.SizeLimit
	}
	timeLimit := DefaultTimeLimit
	if req.TimeLimit > 0 {
		timeLimit = time.Duration(req.TimeLimit) * time.Second
	}
	run.deadline = time.Now().Add(timeLimit)

	logger.Debug("search",
		logger.KeyClientIP, c.conn.RemoteAddr().String(),
		logger.KeyMessageID, msg.ID,
		logger.KeyBaseDN, req.BaseDN,
		logger.KeyScope, wire.ScopeName(req.Scope),
		logger.KeyFilter, req.Filter.String())

	// RootDSE: empty base with base scope needs no snapshot. The filter
	// is evaluated like everywhere else.
	if req.BaseDN == "" && req.Scope == wire.ScopeBaseObject {
		attrs := directory.RootDSEAttrs(
			c.server.suffix,
			c.server.config.VendorName,
			c.server.config.VendorVersion,
			[]string{wire.PagedResultsOID},
		)
		if wire.Matches(req.Filter, directory.AttrMap(attrs)) {
			run.emit("", attrs)
		}
		run.done(wire.ResultSuccess, "")
		return
	}
	if req.BaseDN == "" {
		// Broader scopes on the empty DN fall outside the projected tree.
		run.done(wire.ResultSuccess, "")
		return
	}

	run.snap = c.server.snapshots.Current()
	if run.snap == nil {
		run.done(wire.ResultUnavailable, "no snapshot published yet")
		return
	}

	target, user, group := c.resolveBase(run.snap, req.BaseDN)
	switch target {
	case targetOutside:
		run.done(wire.ResultSuccess, "")
		return
	case targetMissing:
		run.done(wire.ResultNoSuchObject, "no such entry")
		return
	}

	code := run.walk(ctx, target, user, group)
	run.done(code, "")
}

// resolveBase maps a base DN onto the projected tree.
func (c *Connection) resolveBase(snap *directory.Snapshot, baseDN string) (searchTarget, *directory.User, *directory.Group) {
	suffix := c.server.suffix
	norm := directory.NormalizeDN(baseDN)

	switch norm {
	case suffix.Normalized():
		return targetRoot, nil, nil
	case directory.NormalizeDN(suffix.UsersDN()):
		return targetUsersOU, nil, nil
	case directory.NormalizeDN(suffix.GroupsDN()):
		return targetGroupsOU, nil, nil
	}
	if !directory.IsWithin(norm, suffix.Normalized()) {
		return targetOutside, nil, nil
	}

	attr, value, ok := directory.FirstRDN(norm)
	if !ok {
		return targetMissing, nil, nil
	}
	value = directory.UnescapeRDNValue(value)
	parent := directory.ParentDN(norm)

	switch {
	case attr == "uid" && parent == directory.NormalizeDN(suffix.UsersDN()):
		if u := snap.UserByUsername(value); u != nil {
			return targetUser, u, nil
		}
	case attr == "cn" && parent == directory.NormalizeDN(suffix.GroupsDN()):
		if g := snap.GroupByName(value); g != nil {
			return targetGroup, nil, g
		}
	}
	return targetMissing, nil, nil
}

// walk enumerates candidates for the resolved base and scope, evaluates
// the filter and streams matches. OUs come first, then users in
// ascending uid, then groups in ascending cn; clients observe this
// order.
func (r *searchRun) walk(ctx context.Context, target searchTarget, user *directory.User, group *directory.Group) int {
	suffix := r.conn.server.suffix
	scope := r.req.Scope

	emitRoot := false
	emitUsersOU := false
	emitGroupsOU := false
	emitUsers := false
	emitGroups := false

	switch target {
	case targetRoot:
		switch scope {
		case wire.ScopeBaseObject:
			emitRoot = true
		case wire.ScopeSingleLevel:
			emitUsersOU, emitGroupsOU = true, true
		case wire.ScopeWholeSubtree:
			emitRoot, emitUsersOU, emitGroupsOU, emitUsers, emitGroups = true, true, true, true, true
		}
	case targetUsersOU:
		switch scope {
		case wire.ScopeBaseObject:
			emitUsersOU = true
		case wire.ScopeSingleLevel:
			emitUsers = true
		case wire.ScopeWholeSubtree:
			emitUsersOU, emitUsers = true, true
		}
	case targetGroupsOU:
		switch scope {
		case wire.ScopeBaseObject:
			emitGroupsOU = true
		case wire.ScopeSingleLevel:
			emitGroups = true
		case wire.ScopeWholeSubtree:
			emitGroupsOU, emitGroups = true, true
		}
	case targetUser:
		if scope != wire.ScopeSingleLevel {
			if code, stop := r.candidate(ctx, suffix.UserDN(user.Username), directory.UserAttrs(user, r.snap, suffix)); stop {
				return code
			}
		}
		return wire.ResultSuccess
	case targetGroup:
		if scope != wire.ScopeSingleLevel {
			if code, stop := r.candidate(ctx, suffix.GroupDN(group.Name), directory.GroupAttrs(group, r.snap, suffix)); stop {
				return code
			}
		}
		return wire.ResultSuccess
	}

	if emitRoot {
		if code, stop := r.candidate(ctx, suffix.String(), directory.BaseAttrs(suffix)); stop {
			return code
		}
	}
	if emitUsersOU {
		if code, stop := r.candidate(ctx, suffix.UsersDN(), directory.OUAttrs(directory.UsersOU)); stop {
			return code
		}
	}
	if emitGroupsOU {
		if code, stop := r.candidate(ctx, suffix.GroupsDN(), directory.OUAttrs(directory.GroupsOU)); stop {
			return code
		}
	}
	if emitUsers {
		for i := range r.snap.Users {
			u := &r.snap.Users[i]
			if code, stop := r.candidate(ctx, suffix.UserDN(u.Username), directory.UserAttrs(u, r.snap, suffix)); stop {
				return code
			}
		}
	}
	if emitGroups {
		for i := range r.snap.Groups {
			g := &r.snap.Groups[i]
			if code, stop := r.candidate(ctx, suffix.GroupDN(g.Name), directory.GroupAttrs(g, r.snap, suffix)); stop {
				return code
			}
		}
	}
	return wire.ResultSuccess
}

// candidate evaluates one entry against the filter and limits, emitting
// it on match. stop reports that traversal must end with the returned
// code.
func (r *searchRun) candidate(ctx context.Context, dn string, attrs []directory.Attr) (int, bool) {
	select {
	case <-ctx.Done():
		return wire.ResultUnavailable, true
	default:
	}
	if time.Now().After(r.deadline) {
		return wire.ResultTimeLimitExceeded, true
	}
	if !wire.Matches(r.req.Filter, directory.AttrMap(attrs)) {
		return 0, false
	}
	if r.sent >= r.sizeLimit {
		return wire.ResultSizeLimitExceeded, true
	}
	r.emit(dn, attrs)
	return 0, false
}

// emit writes one SearchResultEntry with the requested attribute
// selection applied.
func (r *searchRun) emit(dn string, attrs []directory.Attr) {
	selected := directory.Project(attrs, r.req.Attributes)
	wireAttrs := make([]wire.Attribute, 0, len(selected))
	for _, a := range selected {
		wireAttrs = append(wireAttrs, wire.Attribute{Name: a.Name, Values: a.Values})
	}
	r.conn.write(wire.EncodeSearchEntry(r.msgID, dn, wireAttrs, r.req.TypesOnly))
	r.sent++
}

// done finishes the response with exactly one SearchResultDone,
// acknowledging the paged-results control when the client sent one.
func (r *searchRun) done(code int, diag string) {
	var controls []byte
	if r.paged != nil {
		controls = wire.EncodePagedResultsControl(0, nil)
	}
	r.conn.write(wire.EncodeResultWithControls(r.msgID, wire.AppSearchResultDone, code, "", diag, controls))
	r.conn.record("search", code)
	if r.conn.server.metrics != nil && r.sent > 0 {
		r.conn.server.metrics.RecordSearchEntries(r.sent)
	}
}

// containsExtensible walks the filter for extensibleMatch nodes.
func containsExtensible(f *wire.Filter) bool {
	if f == nil {
		return false
	}
	if f.Kind == wire.FilterExtensible {
		return true
	}
	for _, s := range f.Subs {
		if containsExtensible(s) {
			return true
		}
	}
	return false
}
