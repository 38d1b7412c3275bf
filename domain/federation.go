package domain

import (
	"time"

	"github.com/google/uuid"
)

// Activity is a row of the inbound activity log, used for replay detection
type Activity struct {
	Id           uuid.UUID
	ActivityURI  string
	ActivityType string // Follow, Accept, Offer, Invite, Add, Undo...
	ActorURI     string
	ObjectURI    string
	RawJSON      string
	Processed    bool
	CreatedAt    time.Time
}

// DeliveryQueueItem represents an item in the delivery queue
type DeliveryQueueItem struct {
	Id           uuid.UUID
	SenderID     int64 // local actor whose key signs the request
	InboxURI     string
	ActivityJSON string // The complete activity to deliver
	Attempts     int
	NextRetryAt  time.Time
	CreatedAt    time.Time
}
