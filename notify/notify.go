// Package notify creates user notifications exactly once per dedupe key.
//
// The sqlite row is the source of truth. When a redis client is configured
// every new notification also bumps the owner's unread counter and is
// published on the owner's channel for realtime delivery. Redis failures are
// logged and never undo a stored notification.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/deemkeen/fedgraph/domain"
	"github.com/deemkeen/fedgraph/metrics"
	"github.com/deemkeen/fedgraph/store"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "notify")

const unreadScanLimit = 1000

// Payload is the event specific part of a notification.
type Payload struct {
	ActorID  int64
	ObjectID int64
	Text     string
}

type Emitter struct {
	store   store.Store
	redis   *redis.Client
	metrics *metrics.Metrics
}

// New creates an emitter. rdb and m may be nil.
func New(s store.Store, rdb *redis.Client, m *metrics.Metrics) *Emitter {
	return &Emitter{store: s, redis: rdb, metrics: m}
}

func UnreadKey(ownerID int64) string {
	return "notifications:unread:" + strconv.FormatInt(ownerID, 10)
}

func Channel(ownerID int64) string {
	return "notifications:" + strconv.FormatInt(ownerID, 10)
}

// Notify stores a notification for ownerID unless one with dedupeKey exists.
// It reports whether a notification was created.
func (e *Emitter) Notify(ctx context.Context, ownerID int64, dedupeKey string, typ domain.NotificationType, p Payload) (bool, error) {
	if dedupeKey == "" {
		return false, domain.NewError(domain.ReasonBadRequest, "notification without dedupe key")
	}
	n := &domain.Notification{
		OwnerID:   ownerID,
		DedupeKey: dedupeKey,
		Type:      typ,
		ActorID:   p.ActorID,
		ObjectID:  p.ObjectID,
		Payload:   p.Text,
	}
	var created bool
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		created, err = tx.InsertNotification(n)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("store notification %s: %w", dedupeKey, err)
	}
	if !created {
		log.Debugf("Notification %s already exists", dedupeKey)
		return false, nil
	}
	e.metrics.IncNotifications()
	e.fanOut(ctx, n)
	return true, nil
}

func (e *Emitter) fanOut(ctx context.Context, n *domain.Notification) {
	if e.redis == nil {
		return
	}
	data, err := json.Marshal(n)
	if err != nil {
		log.Warnf("Failed to encode notification %d: %v", n.ID, err)
		return
	}
	_, err = e.redis.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.Incr(ctx, UnreadKey(n.OwnerID))
		p.Publish(ctx, Channel(n.OwnerID), data)
		return nil
	})
	if err != nil {
		log.WithFields(logrus.Fields{"owner": n.OwnerID, "key": n.DedupeKey}).Warnf("Realtime fan-out failed: %v", err)
	}
}

// Unread returns the number of unread notifications of ownerID. Without
// redis it counts stored rows.
func (e *Emitter) Unread(ctx context.Context, ownerID int64) (int64, error) {
	if e.redis != nil {
		n, err := e.redis.Get(ctx, UnreadKey(ownerID)).Int64()
		if err == nil || err == redis.Nil {
			return n, nil
		}
		log.Warnf("Failed to read unread counter of %d, counting rows: %v", ownerID, err)
	}
	list, err := e.List(ctx, ownerID, unreadScanLimit)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, item := range list {
		if !item.Read {
			n++
		}
	}
	return n, nil
}

// ResetUnread clears the realtime unread counter of ownerID.
func (e *Emitter) ResetUnread(ctx context.Context, ownerID int64) error {
	if e.redis == nil {
		return nil
	}
	return e.redis.Del(ctx, UnreadKey(ownerID)).Err()
}

func (e *Emitter) List(ctx context.Context, ownerID int64, limit int) (list []domain.Notification, err error) {
	err = e.store.InTx(ctx, func(tx store.Tx) error {
		list, err = tx.NotificationsFor(ownerID, limit)
		return err
	})
	return list, err
}
