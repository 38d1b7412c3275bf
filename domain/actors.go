package domain

import (
	"strings"
	"time"
)

// ObjectType tags every native object the resolver can hand out.
type ObjectType string

const (
	TypeUser    ObjectType = "User"
	TypeGroup   ObjectType = "Group"
	TypePost    ObjectType = "Post"
	TypeComment ObjectType = "Comment"

	// TypeActor matches both users and groups when passed as an expected type.
	TypeActor ObjectType = "Actor"
	// TypeAny disables the type check.
	TypeAny ObjectType = ""
)

// Accepts reports whether an object of type got satisfies the expectation t.
func (t ObjectType) Accepts(got ObjectType) bool {
	switch t {
	case TypeAny:
		return true
	case TypeActor:
		return got == TypeUser || got == TypeGroup
	case TypePost:
		// a comment is a post with a parent
		return got == TypePost || got == TypeComment
	}
	return t == got
}

// Object is anything addressable by a stable external URI.
type Object interface {
	ActivityPubID() string
	ObjectType() ObjectType
}

type ActorKind int

const (
	KindUser ActorKind = iota + 1
	KindGroup
)

// GroupAccess controls how a group admits new members.
type GroupAccess int

const (
	AccessOpen GroupAccess = iota
	AccessClosed
	AccessPrivate
)

func (a GroupAccess) String() string {
	switch a {
	case AccessClosed:
		return "closed"
	case AccessPrivate:
		return "private"
	}
	return "open"
}

func ParseGroupAccess(s string) GroupAccess {
	switch strings.ToLower(s) {
	case "closed":
		return AccessClosed
	case "private":
		return AccessPrivate
	}
	return AccessOpen
}

// Actor is a user or a group, local or foreign. Kind and Local are the
// variant tags; code switches on them instead of on concrete types.
type Actor struct {
	ID           int64
	Kind         ActorKind
	Local        bool
	APID         string
	Username     string
	Domain       string
	DisplayName  string
	Summary      string
	InboxURI     string
	SharedInbox  string
	OutboxURI    string
	FollowersURI string
	WallURI      string
	// WallCommentsURI is the collection comments on wall posts are added to.
	WallCommentsURI string
	PublicKeyPem    string
	PrivateKeyPem   string

	NumFollowers       int
	NumFollowing       int
	NumFriends         int
	NumPendingRequests int

	Access      GroupAccess
	IsEvent     bool
	LastUpdated time.Time
}

func (a *Actor) ActivityPubID() string { return a.APID }

func (a *Actor) ObjectType() ObjectType {
	if a.Kind == KindGroup {
		return TypeGroup
	}
	return TypeUser
}

func (a *Actor) IsGroup() bool { return a.Kind == KindGroup }

// Handle returns username@domain, or just the username for local actors.
func (a *Actor) Handle() string {
	if a.Local || a.Domain == "" {
		return a.Username
	}
	return a.Username + "@" + a.Domain
}

// DeliveryInbox prefers the shared inbox when the remote server has one.
func (a *Actor) DeliveryInbox() string {
	if a.SharedInbox != "" {
		return a.SharedInbox
	}
	return a.InboxURI
}

// Clone returns a shallow copy safe to hand out of a cache.
func (a *Actor) Clone() *Actor {
	c := *a
	return &c
}
