package domain

import "time"

// Post is a wall post, or a comment when ParentID is set.
type Post struct {
	ID        int64
	APID      string
	AuthorID  int64
	OwnerID   int64 // wall owner
	ParentID  int64
	Content   string
	Local     bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (p *Post) ActivityPubID() string { return p.APID }

func (p *Post) ObjectType() ObjectType {
	if p.ParentID != 0 {
		return TypeComment
	}
	return TypePost
}

type FeedEntryType string

const (
	FeedJoinGroup FeedEntryType = "join_group"
	FeedJoinEvent FeedEntryType = "join_event"
	FeedAddFriend FeedEntryType = "add_friend"
	FeedPost      FeedEntryType = "post"
)

// NewsfeedEntry is unique per (OwnerID, Type, ObjectID).
type NewsfeedEntry struct {
	ID        int64
	OwnerID   int64
	Type      FeedEntryType
	ObjectID  int64
	CreatedAt time.Time
}

type NotificationType string

const (
	NotifyFriendRequest   NotificationType = "friend_request"
	NotifyFollow          NotificationType = "follow"
	NotifyGroupInvite     NotificationType = "group_invite"
	NotifyGroupJoinAccept NotificationType = "group_join_accept"
	NotifyWallPost        NotificationType = "wall_post"
	NotifyReply           NotificationType = "reply"
)

type Notification struct {
	ID        int64
	OwnerID   int64
	DedupeKey string
	Type      NotificationType
	ActorID   int64
	ObjectID  int64
	Payload   string
	Read      bool
	CreatedAt time.Time
}
