package directory

import (
	"strconv"
	"strings"
)

// Attr is one projected attribute: a type name and its values in stable
// order. Projection is the single source of truth for what each entry
// kind exposes, shared by the search result encoder and the filter
// evaluator.
type Attr struct {
	Name   string
	Values []string
}

// Projection constants for POSIX account attributes.
const (
	homeDirPrefix = "/home/"
	loginShell    = "/usr/sbin/nologin"
)

// NoAttributesOID is the special attribute selector meaning "no
// attributes" (RFC 4511 §4.5.1.8).
const NoAttributesOID = "1.1"

// UserAttrs projects a user entry into its full attribute list.
func UserAttrs(u *User, s *Snapshot, suffix Suffix) []Attr {
	givenName, sn := splitName(u)

	attrs := []Attr{
		{Name: "objectClass", Values: []string{"top", "person", "organizationalPerson", "inetOrgPerson", "posixAccount"}},
		{Name: "uid", Values: []string{u.Username}},
		{Name: "cn", Values: []string{displayNameOf(u)}},
		{Name: "sn", Values: []string{sn}},
	}
	if givenName != "" {
		attrs = append(attrs, Attr{Name: "givenName", Values: []string{givenName}})
	}
	attrs = append(attrs,
		Attr{Name: "displayName", Values: []string{displayNameOf(u)}},
	)
	if u.Email != "" {
		attrs = append(attrs, Attr{Name: "mail", Values: []string{u.Email}})
	}
	attrs = append(attrs,
		Attr{Name: "uidNumber", Values: []string{strconv.Itoa(u.UIDNumber)}},
		Attr{Name: "gidNumber", Values: []string{strconv.Itoa(u.PrimaryGID)}},
		Attr{Name: "homeDirectory", Values: []string{homeDirPrefix + u.Username}},
		Attr{Name: "loginShell", Values: []string{loginShell}},
	)

	memberOf := make([]string, 0, len(u.MemberGroupIDs)+1)
	if g := s.GroupByID(u.PrimaryGroupID); g != nil {
		memberOf = append(memberOf, suffix.GroupDN(g.Name))
	}
	for _, gid := range u.MemberGroupIDs {
		if g := s.GroupByID(gid); g != nil {
			memberOf = append(memberOf, suffix.GroupDN(g.Name))
		}
	}
	if len(memberOf) > 0 {
		attrs = append(attrs, Attr{Name: "memberOf", Values: memberOf})
	}
	return attrs
}

// GroupAttrs projects a group entry into its full attribute list.
func GroupAttrs(g *Group, s *Snapshot, suffix Suffix) []Attr {
	attrs := []Attr{
		{Name: "objectClass", Values: []string{"top", "groupOfNames", "posixGroup"}},
		{Name: "cn", Values: []string{g.Name}},
		{Name: "gidNumber", Values: []string{strconv.Itoa(g.GIDNumber)}},
	}
	if g.Description != "" {
		attrs = append(attrs, Attr{Name: "description", Values: []string{g.Description}})
	}

	member := make([]string, 0, len(g.MemberUsernames)+len(g.MemberGroupIDs))
	for _, username := range g.MemberUsernames {
		member = append(member, suffix.UserDN(username))
	}
	for _, id := range g.MemberGroupIDs {
		if sub := s.GroupByID(id); sub != nil {
			member = append(member, suffix.GroupDN(sub.Name))
		}
	}
	if len(member) > 0 {
		attrs = append(attrs, Attr{Name: "member", Values: member})
	}
	if len(g.MemberUsernames) > 0 {
		attrs = append(attrs, Attr{Name: "memberUid", Values: append([]string(nil), g.MemberUsernames...)})
	}
	return attrs
}

// OUAttrs projects one of the two organizational units.
func OUAttrs(ou string) []Attr {
	desc := "Projected " + ou
	return []Attr{
		{Name: "objectClass", Values: []string{"top", "organizationalUnit"}},
		{Name: "ou", Values: []string{ou}},
		{Name: "description", Values: []string{desc}},
	}
}

// BaseAttrs projects the suffix entry itself.
func BaseAttrs(suffix Suffix) []Attr {
	attrs := []Attr{
		{Name: "objectClass", Values: []string{"top", "domain"}},
	}
	if attr, value, ok := FirstRDN(suffix.String()); ok {
		attrs = append(attrs, Attr{Name: attr, Values: []string{UnescapeRDNValue(value)}})
	}
	return attrs
}

// RootDSEAttrs projects the zero-DN server capability entry.
func RootDSEAttrs(suffix Suffix, vendorName, vendorVersion string, supportedControls []string) []Attr {
	return []Attr{
		{Name: "objectClass", Values: []string{"top", "rootDSE"}},
		{Name: "namingContexts", Values: []string{suffix.String()}},
		{Name: "supportedLDAPVersion", Values: []string{"3"}},
		{Name: "supportedControl", Values: supportedControls},
		{Name: "vendorName", Values: []string{vendorName}},
		{Name: "vendorVersion", Values: []string{vendorVersion}},
	}
}

// Project selects the requested attribute types from a full projection.
// An empty selection or "*" returns everything; the special selector
// "1.1" returns nothing. Unknown names are ignored. Order follows the
// projection, not the request.
func Project(attrs []Attr, requested []string) []Attr {
	if len(requested) == 0 {
		return attrs
	}
	want := make(map[string]bool, len(requested))
	all := false
	none := false
	for _, r := range requested {
		r = strings.ToLower(strings.TrimSpace(r))
		switch r {
		case "*":
			all = true
		case NoAttributesOID:
			none = true
		default:
			want[r] = true
		}
	}
	if none && !all && len(want) == 0 {
		return nil
	}
	if all {
		return attrs
	}
	out := make([]Attr, 0, len(want))
	for _, a := range attrs {
		if want[strings.ToLower(a.Name)] {
			out = append(out, a)
		}
	}
	return out
}

// AttrMap flattens a projection into a lowercase-keyed map for filter
// evaluation.
func AttrMap(attrs []Attr) map[string][]string {
	m := make(map[string][]string, len(attrs))
	for _, a := range attrs {
		m[strings.ToLower(a.Name)] = a.Values
	}
	return m
}

// displayNameOf falls back to the username when the IdP supplied no
// display name.
func displayNameOf(u *User) string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Username
}

// splitName derives givenName and sn from the display name. The surname
// defaults to the username when nothing better is available.
func splitName(u *User) (givenName, sn string) {
	name := strings.TrimSpace(u.DisplayName)
	if name == "" {
		return "", u.Username
	}
	fields := strings.Fields(name)
	if len(fields) == 1 {
		return "", fields[0]
	}
	return fields[0], strings.Join(fields[1:], " ")
}
