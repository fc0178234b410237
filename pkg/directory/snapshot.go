package directory

import (
	"sort"
	"strings"
	"time"
)

// PrimaryGroupSentinel is the primaryGroupId used for every user when the
// synthetic_primary_group feature is disabled.
const PrimaryGroupSentinel = "users"

// User is one projected IdP principal. Only active principals make it
// into a snapshot.
type User struct {
	// ID is the stable opaque identifier assigned by the IdP.
	ID string

	// Username is the POSIX-safe login name (RDN value of the entry).
	Username string

	DisplayName string
	Email       string

	// UIDNumber is the allocated POSIX UID, unique across the snapshot.
	UIDNumber int

	// PrimaryGroupID names the user's primary group: a synthetic group id
	// when synthetic_primary_group is enabled, PrimaryGroupSentinel
	// otherwise.
	PrimaryGroupID string

	// PrimaryGID is the numeric GID projected as the user's gidNumber.
	PrimaryGID int

	// MemberGroupIDs lists the ids of groups the user belongs to, sorted
	// for stable output.
	MemberGroupIDs []string
}

// Group is a projected IdP group, or a synthetic group created by the
// snapshot builder (per-user primary groups and nested-group mirrors).
type Group struct {
	ID          string
	Name        string
	Description string

	// MemberUserIDs lists member user ids, sorted by username.
	MemberUserIDs []string

	// MemberUsernames mirrors MemberUserIDs resolved to login names, in
	// the same order.
	MemberUsernames []string

	// MemberGroupIDs lists nested member groups (mirror groups only).
	MemberGroupIDs []string

	// GIDNumber is the allocated POSIX GID, unique across the snapshot.
	GIDNumber int

	Synthetic bool

	// Truncated is set when the membership list was clipped at the
	// configured maximum.
	Truncated bool
}

// Snapshot is one immutable publication of the directory. It is frozen by
// the builder before publication and never mutated afterwards; readers
// hold a reference for the duration of a response.
type Snapshot struct {
	Users  []User
	Groups []Group

	GeneratedAt  time.Time
	Sequence     uint64
	FeatureFlags []string

	usersByName  map[string]*User
	usersByID    map[string]*User
	groupsByName map[string]*Group
	groupsByID   map[string]*Group
}

// Freeze sorts the snapshot's contents into their canonical order and
// builds the lookup indexes. The builder calls it exactly once before
// publication.
func (s *Snapshot) Freeze() {
	sort.Slice(s.Users, func(i, j int) bool {
		return s.Users[i].Username < s.Users[j].Username
	})
	sort.Slice(s.Groups, func(i, j int) bool {
		return s.Groups[i].Name < s.Groups[j].Name
	})

	s.usersByName = make(map[string]*User, len(s.Users))
	s.usersByID = make(map[string]*User, len(s.Users))
	for i := range s.Users {
		u := &s.Users[i]
		s.usersByName[strings.ToLower(u.Username)] = u
		s.usersByID[u.ID] = u
	}

	s.groupsByName = make(map[string]*Group, len(s.Groups))
	s.groupsByID = make(map[string]*Group, len(s.Groups))
	for i := range s.Groups {
		g := &s.Groups[i]
		s.groupsByName[strings.ToLower(g.Name)] = g
		s.groupsByID[g.ID] = g
	}
}

// UserByUsername looks up a user by login name, case-insensitively.
func (s *Snapshot) UserByUsername(username string) *User {
	return s.usersByName[strings.ToLower(username)]
}

// UserByID looks up a user by IdP id.
func (s *Snapshot) UserByID(id string) *User {
	return s.usersByID[id]
}

// GroupByName looks up a group by name, case-insensitively.
func (s *Snapshot) GroupByName(name string) *Group {
	return s.groupsByName[strings.ToLower(name)]
}

// GroupByID looks up a group by id.
func (s *Snapshot) GroupByID(id string) *Group {
	return s.groupsByID[id]
}

// HasFeature reports whether a feature flag was active for this build.
func (s *Snapshot) HasFeature(name string) bool {
	for _, f := range s.FeatureFlags {
		if f == name {
			return true
		}
	}
	return false
}
