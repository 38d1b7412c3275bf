package domain

import "time"

// FollowEdge is a directed follow edge follower -> followee.
type FollowEdge struct {
	FollowerID int64
	FolloweeID int64
	Accepted   bool
	// Mutual is true iff the reverse edge exists as well.
	Mutual    bool
	Muted     bool
	AddedAt   time.Time
	HintsRank int64
	// Lists is a bitmask of friend list ids, bit (id-1) for list id.
	Lists uint64
}

// InList reports whether the edge belongs to friend list id.
func (e *FollowEdge) InList(id int) bool {
	return e.Lists&ListBit(id) != 0
}

type FriendRequest struct {
	FromID    int64
	ToID      int64
	Message   string
	CreatedAt time.Time
}

type FriendshipStatus int

const (
	StatusNone FriendshipStatus = iota
	StatusFollowing
	StatusFollowedBy
	StatusFriends
	StatusRequestSent
	StatusRequestReceived
	StatusFollowRequested
)

func (s FriendshipStatus) String() string {
	switch s {
	case StatusFollowing:
		return "FOLLOWING"
	case StatusFollowedBy:
		return "FOLLOWED_BY"
	case StatusFriends:
		return "FRIENDS"
	case StatusRequestSent:
		return "REQUEST_SENT"
	case StatusRequestReceived:
		return "REQUEST_RECVD"
	case StatusFollowRequested:
		return "FOLLOW_REQUESTED"
	}
	return "NONE"
}

const (
	// FirstReservedListID is the first list id owned by built-in lists.
	// Ids below it are private, per-owner lists.
	FirstReservedListID = 64
	MaxPrivateListID    = FirstReservedListID - 1
)

// ListBit returns the edge bitmask bit of friend list id.
func ListBit(id int) uint64 {
	if id < 1 || id > FirstReservedListID {
		return 0
	}
	return uint64(1) << uint(id-1)
}

type FriendList struct {
	OwnerID int64
	ID      int
	Name    string
}

// CounterDelta is a change to the denormalized relationship counters of one actor.
type CounterDelta struct {
	Followers int
	Following int
	Friends   int
}

func (d CounterDelta) IsZero() bool {
	return d.Followers == 0 && d.Following == 0 && d.Friends == 0
}

type Block struct {
	OwnerID   int64
	TargetID  int64
	CreatedAt time.Time
}
