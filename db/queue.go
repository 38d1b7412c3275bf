package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/deemkeen/fedgraph/domain"
	"github.com/google/uuid"
)

const (
	sqlInsertNotification = `INSERT INTO notifications(owner_id, dedupe_key, type, actor_id, object_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT(dedupe_key) DO NOTHING`
	sqlSelectNotifications = `SELECT id, owner_id, dedupe_key, type, actor_id, object_id, payload, read, created_at
		FROM notifications WHERE owner_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`

	sqlInsertFeedEntry = `INSERT INTO newsfeed(owner_id, type, object_id, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(owner_id, type, object_id) DO NOTHING`
	sqlSelectFeed = `SELECT id, owner_id, type, object_id, created_at FROM newsfeed WHERE owner_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`

	sqlInsertDelivery       = `INSERT INTO delivery_queue(id, sender_id, inbox_uri, activity_json, attempts, next_retry_at, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	sqlSelectPendingDeliver = `SELECT id, sender_id, inbox_uri, activity_json, attempts, next_retry_at, created_at FROM delivery_queue WHERE next_retry_at <= ? ORDER BY created_at ASC LIMIT ?`
	sqlUpdateDelivery       = `UPDATE delivery_queue SET attempts = ?, next_retry_at = ? WHERE id = ?`
	sqlDeleteDelivery       = `DELETE FROM delivery_queue WHERE id = ?`

	sqlSelectActivityProcessed = `SELECT processed FROM activities WHERE activity_uri = ?`
	sqlInsertActivity          = `INSERT INTO activities(id, activity_uri, activity_type, actor_uri, object_uri, raw_json, processed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT(activity_uri) DO NOTHING`

	sqlSelectConfig = `SELECT value FROM server_config WHERE key = ?`
	sqlUpsertConfig = `INSERT INTO server_config(key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`
)

func (t *txn) InsertNotification(n *domain.Notification) (bool, error) {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	res, err := t.tx.Exec(sqlInsertNotification, n.OwnerID, n.DedupeKey, string(n.Type), n.ActorID, n.ObjectID, n.Payload, n.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert notification: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil || affected == 0 {
		return false, err
	}
	n.ID, err = res.LastInsertId()
	return true, err
}

func (t *txn) NotificationsFor(ownerID int64, limit int) ([]domain.Notification, error) {
	rows, err := t.tx.Query(sqlSelectNotifications, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Notification
	for rows.Next() {
		var n domain.Notification
		var typ string
		if err := rows.Scan(&n.ID, &n.OwnerID, &n.DedupeKey, &typ, &n.ActorID, &n.ObjectID, &n.Payload, &n.Read, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.Type = domain.NotificationType(typ)
		out = append(out, n)
	}
	return out, rows.Err()
}

func (t *txn) InsertFeedEntry(e *domain.NewsfeedEntry) (bool, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	res, err := t.tx.Exec(sqlInsertFeedEntry, e.OwnerID, string(e.Type), e.ObjectID, e.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert feed entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil || affected == 0 {
		return false, err
	}
	e.ID, err = res.LastInsertId()
	return true, err
}

func (t *txn) FeedFor(ownerID int64, limit int) ([]domain.NewsfeedEntry, error) {
	rows, err := t.tx.Query(sqlSelectFeed, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.NewsfeedEntry
	for rows.Next() {
		var e domain.NewsfeedEntry
		var typ string
		if err := rows.Scan(&e.ID, &e.OwnerID, &typ, &e.ObjectID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = domain.FeedEntryType(typ)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (t *txn) EnqueueDelivery(item *domain.DeliveryQueueItem) error {
	if item.Id == uuid.Nil {
		item.Id = uuid.New()
	}
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	if item.NextRetryAt.IsZero() {
		item.NextRetryAt = now
	}
	_, err := t.tx.Exec(sqlInsertDelivery, item.Id.String(), item.SenderID, item.InboxURI, item.ActivityJSON,
		item.Attempts, item.NextRetryAt, item.CreatedAt)
	if err != nil {
		return fmt.Errorf("enqueue delivery: %w", err)
	}
	return nil
}

func (t *txn) PendingDeliveries(now time.Time, limit int) ([]domain.DeliveryQueueItem, error) {
	rows, err := t.tx.Query(sqlSelectPendingDeliver, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []domain.DeliveryQueueItem
	for rows.Next() {
		var item domain.DeliveryQueueItem
		var id string
		if err := rows.Scan(&id, &item.SenderID, &item.InboxURI, &item.ActivityJSON, &item.Attempts, &item.NextRetryAt, &item.CreatedAt); err != nil {
			return nil, err
		}
		item.Id, err = uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("delivery id %q: %w", id, err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (t *txn) UpdateDeliveryAttempt(item *domain.DeliveryQueueItem) error {
	_, err := t.exec(sqlUpdateDelivery, item.Attempts, item.NextRetryAt.UTC(), item.Id.String())
	return err
}

func (t *txn) DeleteDelivery(item *domain.DeliveryQueueItem) error {
	_, err := t.exec(sqlDeleteDelivery, item.Id.String())
	return err
}

func (t *txn) ActivityProcessed(activityURI string) (bool, error) {
	var processed bool
	err := t.tx.QueryRow(sqlSelectActivityProcessed, activityURI).Scan(&processed)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return processed, err
}

func (t *txn) RecordActivity(a *domain.Activity) error {
	if a.Id == uuid.Nil {
		a.Id = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := t.tx.Exec(sqlInsertActivity, a.Id.String(), a.ActivityURI, a.ActivityType, a.ActorURI, a.ObjectURI,
		a.RawJSON, boolToInt(a.Processed), a.CreatedAt)
	if err != nil {
		return fmt.Errorf("record activity: %w", err)
	}
	return nil
}

func (t *txn) ConfigValue(key string) (string, bool, error) {
	var value string
	err := t.tx.QueryRow(sqlSelectConfig, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (t *txn) SetConfigValue(key, value string) error {
	_, err := t.exec(sqlUpsertConfig, key, value)
	return err
}
