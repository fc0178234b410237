// Package snapshot builds and publishes immutable directory snapshots
// from IdP adapter output, and drives the periodic refresh cycle that
// keeps them current.
package snapshot

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ldaptoid/ldaptoid/pkg/allocator"
	"github.com/ldaptoid/ldaptoid/pkg/directory"
	"github.com/ldaptoid/ldaptoid/pkg/idp"
)

// Feature flags accepted in configuration.
const (
	FeatureSyntheticPrimaryGroup = "synthetic_primary_group"
	FeatureMirrorNestedGroups    = "mirror_nested_groups"
)

// DefaultMaxGroupMembers clips group membership lists.
const DefaultMaxGroupMembers = 5000

// Allocator key namespaces. These are observable through the mapping
// store and must stay stable.
const (
	KeyPrefixUser      = "user:"
	KeyPrefixGroup     = "group:"
	KeyPrefixSynthetic = "synthetic:"
)

// sentinelGroupID backs every user's primary group when the
// synthetic_primary_group feature is off.
const sentinelGroupID = directory.PrimaryGroupSentinel

// BuilderMetrics receives build observability events. Nil disables
// collection.
type BuilderMetrics interface {
	RecordGroupTruncated()
	RecordSnapshot(sequence uint64, users, groups int)
}

// Builder assembles snapshots. It owns the sequence counter and shares
// the two allocators with the mapping store seeding path; the refresh
// scheduler serializes calls under its build lock.
type Builder struct {
	UID *allocator.Allocator
	GID *allocator.Allocator

	// MaxGroupMembers clips membership lists; zero means the default.
	MaxGroupMembers int

	// Features holds the enabled feature flags.
	Features []string

	// MirrorMinMembers emits nested-group mirrors only for groups with at
	// least this many user members. Zero mirrors every group.
	MirrorMinMembers int

	Metrics BuilderMetrics

	// Now is replaceable for tests.
	Now func() time.Time

	sequence uint64
}

// hasFeature checks the configured flag list.
func (b *Builder) hasFeature(name string) bool {
	for _, f := range b.Features {
		if f == name {
			return true
		}
	}
	return false
}

// Build assembles one immutable snapshot from adapter output. Two builds
// over the same input and allocator state produce equal snapshots (other
// than sequence and timestamp).
func (b *Builder) Build(users []idp.User, groups []idp.Group) (*directory.Snapshot, error) {
	now := time.Now
	if b.Now != nil {
		now = b.Now
	}
	maxMembers := b.MaxGroupMembers
	if maxMembers <= 0 {
		maxMembers = DefaultMaxGroupMembers
	}
	synthetic := b.hasFeature(FeatureSyntheticPrimaryGroup)
	mirrors := b.hasFeature(FeatureMirrorNestedGroups)

	snap := &directory.Snapshot{
		GeneratedAt:  now().UTC(),
		FeatureFlags: append([]string(nil), b.Features...),
	}

	// Users first: drop anything inactive, sanitize and deduplicate login
	// names, allocate UIDs.
	names := newNameSet()
	byID := make(map[string]*directory.User)
	for _, u := range users {
		if !u.Active {
			continue
		}
		if u.ID == "" {
			continue
		}
		username := names.claim(sanitizePOSIXName(u.Username))
		res := b.UID.Allocate(KeyPrefixUser + u.ID)
		snap.Users = append(snap.Users, directory.User{
			ID:          u.ID,
			Username:    username,
			DisplayName: u.DisplayName,
			Email:       u.Email,
			UIDNumber:   res.ID,
		})
	}
	for i := range snap.Users {
		byID[snap.Users[i].ID] = &snap.Users[i]
	}

	// Real groups: allocate GIDs, resolve membership against the users
	// that made it into the snapshot, clip oversized lists.
	groupNames := newNameSet()
	for _, g := range groups {
		if g.ID == "" {
			continue
		}
		name := groupNames.claim(sanitizePOSIXName(g.Name))
		res := b.GID.Allocate(KeyPrefixGroup + g.ID)

		members := resolveMembers(g.MemberUserIDs, byID)
		truncated := false
		if len(members) > maxMembers {
			members = members[:maxMembers]
			truncated = true
			if b.Metrics != nil {
				b.Metrics.RecordGroupTruncated()
			}
		}

		dg := directory.Group{
			ID:          g.ID,
			Name:        name,
			Description: g.Description,
			GIDNumber:   res.ID,
			Truncated:   truncated,
		}
		for _, m := range members {
			dg.MemberUserIDs = append(dg.MemberUserIDs, m.ID)
			dg.MemberUsernames = append(dg.MemberUsernames, m.Username)
			m.MemberGroupIDs = append(m.MemberGroupIDs, g.ID)
		}
		snap.Groups = append(snap.Groups, dg)
	}

	// Primary groups: one synthetic group per user, or the shared
	// sentinel group.
	if synthetic {
		for i := range snap.Users {
			u := &snap.Users[i]
			id := KeyPrefixSynthetic + u.ID
			res := b.GID.Allocate(id)
			name := groupNames.claim(u.Username + "-primary")
			snap.Groups = append(snap.Groups, directory.Group{
				ID:              id,
				Name:            name,
				Description:     "Primary group of " + u.Username,
				MemberUserIDs:   []string{u.ID},
				MemberUsernames: []string{u.Username},
				GIDNumber:       res.ID,
				Synthetic:       true,
			})
			u.PrimaryGroupID = id
			u.PrimaryGID = res.ID
		}
	} else {
		res := b.GID.Allocate(KeyPrefixSynthetic + sentinelGroupID)
		sentinel := directory.Group{
			ID:          sentinelGroupID,
			Name:        groupNames.claim(sentinelGroupID),
			Description: "Shared primary group",
			GIDNumber:   res.ID,
			Synthetic:   true,
		}
		for i := range snap.Users {
			u := &snap.Users[i]
			sentinel.MemberUserIDs = append(sentinel.MemberUserIDs, u.ID)
			sentinel.MemberUsernames = append(sentinel.MemberUsernames, u.Username)
			u.PrimaryGroupID = sentinelGroupID
			u.PrimaryGID = res.ID
		}
		sortMembers(&sentinel)
		snap.Groups = append(snap.Groups, sentinel)
	}

	// Nested-group mirrors: a group-of-groups pointing at the primary
	// groups of the source group's members. Resolved here at build time,
	// so downstream code never sees a cycle.
	if mirrors {
		var mirrored []directory.Group
		for _, g := range snap.Groups {
			if g.Synthetic {
				continue
			}
			if len(g.MemberUserIDs) < b.MirrorMinMembers {
				continue
			}
			id := KeyPrefixSynthetic + "mirror:" + g.ID
			res := b.GID.Allocate(id)
			mirror := directory.Group{
				ID:          id,
				Name:        groupNames.claim(g.Name + "-nested"),
				Description: "Nested mirror of " + g.Name,
				GIDNumber:   res.ID,
				Synthetic:   true,
			}
			seen := make(map[string]bool)
			for _, uid := range g.MemberUserIDs {
				u := byID[uid]
				if u == nil || u.PrimaryGroupID == "" || seen[u.PrimaryGroupID] {
					continue
				}
				seen[u.PrimaryGroupID] = true
				mirror.MemberGroupIDs = append(mirror.MemberGroupIDs, u.PrimaryGroupID)
			}
			sort.Strings(mirror.MemberGroupIDs)
			mirrored = append(mirrored, mirror)
		}
		snap.Groups = append(snap.Groups, mirrored...)
	}

	// Stable ordering everywhere, then freeze.
	for i := range snap.Users {
		sort.Strings(snap.Users[i].MemberGroupIDs)
	}
	for i := range snap.Groups {
		sortMembers(&snap.Groups[i])
	}

	b.sequence++
	snap.Sequence = b.sequence
	snap.Freeze()

	if err := verify(snap); err != nil {
		return nil, err
	}
	if b.Metrics != nil {
		b.Metrics.RecordSnapshot(snap.Sequence, len(snap.Users), len(snap.Groups))
	}
	return snap, nil
}

// resolveMembers maps adapter member ids onto snapshot users, ordered by
// username for stable output.
func resolveMembers(ids []string, byID map[string]*directory.User) []*directory.User {
	members := make([]*directory.User, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if u, ok := byID[id]; ok {
			members = append(members, u)
		}
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Username < members[j].Username })
	return members
}

// sortMembers orders a group's parallel member slices by username.
func sortMembers(g *directory.Group) {
	if len(g.MemberUserIDs) != len(g.MemberUsernames) {
		return
	}
	idx := make([]int, len(g.MemberUsernames))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool {
		return g.MemberUsernames[idx[a]] < g.MemberUsernames[idx[b]]
	})
	ids := make([]string, len(idx))
	usernames := make([]string, len(idx))
	for i, j := range idx {
		ids[i] = g.MemberUserIDs[j]
		usernames[i] = g.MemberUsernames[j]
	}
	g.MemberUserIDs = ids
	g.MemberUsernames = usernames
}

// verify checks the published invariants: unique ids and resolvable
// references.
func verify(s *directory.Snapshot) error {
	uids := make(map[int]string, len(s.Users))
	for i := range s.Users {
		u := &s.Users[i]
		if other, dup := uids[u.UIDNumber]; dup {
			return fmt.Errorf("snapshot: uidNumber %d assigned to both %q and %q", u.UIDNumber, other, u.Username)
		}
		uids[u.UIDNumber] = u.Username
		if s.GroupByID(u.PrimaryGroupID) == nil {
			return fmt.Errorf("snapshot: user %q references missing primary group %q", u.Username, u.PrimaryGroupID)
		}
		for _, gid := range u.MemberGroupIDs {
			if s.GroupByID(gid) == nil {
				return fmt.Errorf("snapshot: user %q references missing group %q", u.Username, gid)
			}
		}
	}
	gids := make(map[int]string, len(s.Groups))
	for i := range s.Groups {
		g := &s.Groups[i]
		if other, dup := gids[g.GIDNumber]; dup {
			return fmt.Errorf("snapshot: gidNumber %d assigned to both %q and %q", g.GIDNumber, other, g.Name)
		}
		gids[g.GIDNumber] = g.Name
		for _, sub := range g.MemberGroupIDs {
			if s.GroupByID(sub) == nil {
				return fmt.Errorf("snapshot: group %q references missing group %q", g.Name, sub)
			}
		}
	}
	return nil
}

// nameSet deduplicates POSIX names by suffixing "-2", "-3", ... on
// collision, case-insensitively.
type nameSet struct {
	taken map[string]bool
}

func newNameSet() *nameSet {
	return &nameSet{taken: make(map[string]bool)}
}

func (n *nameSet) claim(name string) string {
	if name == "" {
		name = "unnamed"
	}
	candidate := name
	for i := 2; n.taken[strings.ToLower(candidate)]; i++ {
		candidate = fmt.Sprintf("%s-%d", name, i)
	}
	n.taken[strings.ToLower(candidate)] = true
	return candidate
}

// sanitizePOSIXName lowercases and restricts a name to the portable
// POSIX login-name alphabet, mapping '@' to '_' and everything else to
// '-'.
func sanitizePOSIXName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return ""
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		case r == '@':
			// user principal names keep a readable separator
			b.WriteRune('_')
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
