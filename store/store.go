// Package store declares the storage boundary of the engine. The sqlite
// implementation lives in package db.
//
// Lookups of optional rows (edges, friend requests, memberships) return nil
// without an error when the row does not exist. Lookups of entities (actors,
// posts) return an error matching domain.ErrNotFound instead.
package store

import (
	"context"
	"time"

	"github.com/deemkeen/fedgraph/domain"
)

// Store runs units of work atomically. fn's error rolls everything back.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

type Tx interface {
	Actors
	Edges
	FriendRequests
	Blocks
	FriendLists
	Groups
	Content
	Notifications
	Feed
	Deliveries
	ActivityLog
	Config
}

type Actors interface {
	ActorByID(id int64) (*domain.Actor, error)
	ActorByAPID(apID string) (*domain.Actor, error)
	ActorByHandle(username, domain string) (*domain.Actor, error)
	// InsertLocalActor creates a local user or group and returns its id.
	InsertLocalActor(a *domain.Actor) (int64, error)
	// UpsertForeignActor inserts or updates a foreign actor keyed by APID.
	// A (username, domain) clash with a row under another APID fails with
	// domain.ErrIdentityCollision and leaves the transaction usable.
	UpsertForeignActor(a *domain.Actor) (int64, error)
	RenameActor(id int64, username string) error
	AdjustCounters(actorID int64, d domain.CounterDelta) error
	AdjustPendingRequests(actorID int64, delta int) error
}

type Edges interface {
	Edge(followerID, followeeID int64) (*domain.FollowEdge, error)
	InsertEdge(e *domain.FollowEdge) error
	DeleteEdge(followerID, followeeID int64) (bool, error)
	SetEdgeAccepted(followerID, followeeID int64, accepted bool) (bool, error)
	// SetEdgeMutual flips the mutual flag. When mutual is true added_at is reset to at.
	SetEdgeMutual(followerID, followeeID int64, mutual bool, at time.Time) (bool, error)
	// SetEdgeFriend marks an existing edge mutual and accepted with a fresh rank.
	SetEdgeFriend(followerID, followeeID int64, rank int64, at time.Time) (bool, error)
	MaxHintsRank(followerID int64) (int64, error)
	// IncrementHintsRank only touches mutual edges.
	IncrementHintsRank(followerID, followeeID int64, amount int64) (bool, error)
	HalveHintsRanks(followerID int64) error
	FollowersOverRank(ceiling int64) ([]int64, error)
	// Friends returns mutual edges of userID ordered by hints rank, highest first.
	Friends(userID int64) ([]domain.FollowEdge, error)
	Followers(userID int64) ([]domain.FollowEdge, error)
	Following(userID int64) ([]domain.FollowEdge, error)
	// FollowerInboxes lists distinct delivery inboxes of accepted foreign followers.
	FollowerInboxes(userID int64) ([]string, error)
}

type FriendRequests interface {
	FriendRequest(fromID, toID int64) (*domain.FriendRequest, error)
	InsertFriendRequest(fr *domain.FriendRequest) error
	DeleteFriendRequest(fromID, toID int64) (bool, error)
	IncomingFriendRequests(toID int64) ([]domain.FriendRequest, error)
}

type Blocks interface {
	IsBlocked(ownerID, targetID int64) (bool, error)
	InsertBlock(ownerID, targetID int64) (bool, error)
	DeleteBlock(ownerID, targetID int64) (bool, error)
}

type FriendLists interface {
	FriendLists(ownerID int64) ([]domain.FriendList, error)
	InsertFriendList(l *domain.FriendList) error
	RenameFriendList(ownerID int64, id int, name string) (bool, error)
	DeleteFriendList(ownerID int64, id int) (bool, error)
	// UpdateListBits ORs (set) or AND-NOTs (clear) mask into the owner's edges
	// to targets. A nil targets slice means every edge of the owner.
	UpdateListBits(ownerID int64, targets []int64, mask uint64, set bool) error
	SetEdgeLists(ownerID, targetID int64, lists uint64) (bool, error)
	ListMembers(ownerID int64, mask uint64) ([]int64, error)
}

type Groups interface {
	Membership(groupID, userID int64) (*domain.GroupMembership, error)
	InsertMembership(m *domain.GroupMembership) error
	SetMembershipAccepted(groupID, userID int64) (bool, error)
	DeleteMembership(groupID, userID int64) (bool, error)
	Members(groupID int64) ([]domain.GroupMembership, error)
	Invitation(groupID, inviteeID int64) (*domain.GroupInvitation, error)
	InsertInvitation(inv *domain.GroupInvitation) error
	DeleteInvitation(groupID, inviteeID int64) (bool, error)
}

type Content interface {
	PostByID(id int64) (*domain.Post, error)
	PostByAPID(apID string) (*domain.Post, error)
	InsertPost(p *domain.Post) (int64, error)
	UpdatePost(p *domain.Post) error
	DeletePost(id int64) (bool, error)
}

type Notifications interface {
	// InsertNotification is a no-op returning false when the dedupe key exists.
	InsertNotification(n *domain.Notification) (bool, error)
	NotificationsFor(ownerID int64, limit int) ([]domain.Notification, error)
}

type Feed interface {
	// InsertFeedEntry is a no-op returning false when the entry exists.
	InsertFeedEntry(e *domain.NewsfeedEntry) (bool, error)
	FeedFor(ownerID int64, limit int) ([]domain.NewsfeedEntry, error)
}

type Deliveries interface {
	EnqueueDelivery(item *domain.DeliveryQueueItem) error
	PendingDeliveries(now time.Time, limit int) ([]domain.DeliveryQueueItem, error)
	UpdateDeliveryAttempt(item *domain.DeliveryQueueItem) error
	DeleteDelivery(item *domain.DeliveryQueueItem) error
}

type ActivityLog interface {
	ActivityProcessed(activityURI string) (bool, error)
	// RecordActivity stores a processed activity; replays are ignored.
	RecordActivity(a *domain.Activity) error
}

type Config interface {
	ConfigValue(key string) (string, bool, error)
	SetConfigValue(key, value string) error
}
