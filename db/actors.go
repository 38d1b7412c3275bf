package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/deemkeen/fedgraph/domain"
)

const actorColumns = `id, kind, local, COALESCE(ap_id, ''), username, domain, display_name, summary,
	inbox_uri, shared_inbox_uri, outbox_uri, followers_uri, wall_uri, wall_comments_uri,
	public_key_pem, private_key_pem, num_followers, num_following, num_friends,
	num_pending_requests, access, is_event, last_updated`

const (
	sqlSelectActorByID     = `SELECT ` + actorColumns + ` FROM actors WHERE id = ?`
	sqlSelectActorByAPID   = `SELECT ` + actorColumns + ` FROM actors WHERE ap_id = ?`
	sqlSelectActorByHandle = `SELECT ` + actorColumns + ` FROM actors WHERE username = ? AND domain = ?`

	sqlInsertLocalActor = `INSERT INTO actors(kind, local, username, domain, display_name, summary,
		public_key_pem, private_key_pem, access, is_event, last_updated)
		VALUES (?, 1, ?, '', ?, ?, ?, ?, ?, ?, ?)`

	sqlUpsertForeignActor = `INSERT INTO actors(kind, local, ap_id, username, domain, display_name, summary,
		inbox_uri, shared_inbox_uri, outbox_uri, followers_uri, wall_uri, wall_comments_uri,
		public_key_pem, access, is_event, last_updated)
		VALUES (?, 0, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ap_id) DO UPDATE SET
			kind = excluded.kind, username = excluded.username, domain = excluded.domain,
			display_name = excluded.display_name, summary = excluded.summary,
			inbox_uri = excluded.inbox_uri, shared_inbox_uri = excluded.shared_inbox_uri,
			outbox_uri = excluded.outbox_uri, followers_uri = excluded.followers_uri,
			wall_uri = excluded.wall_uri, wall_comments_uri = excluded.wall_comments_uri,
			public_key_pem = excluded.public_key_pem, access = excluded.access,
			is_event = excluded.is_event, last_updated = excluded.last_updated
		RETURNING id`

	sqlRenameActor       = `UPDATE actors SET username = ? WHERE id = ?`
	sqlAdjustCounters    = `UPDATE actors SET num_followers = num_followers + ?, num_following = num_following + ?, num_friends = num_friends + ? WHERE id = ?`
	sqlAdjustPendingReqs = `UPDATE actors SET num_pending_requests = MAX(0, num_pending_requests + ?) WHERE id = ?`
)

func scanActor(row interface{ Scan(...any) error }) (*domain.Actor, error) {
	var a domain.Actor
	var kind, access int
	err := row.Scan(&a.ID, &kind, &a.Local, &a.APID, &a.Username, &a.Domain, &a.DisplayName, &a.Summary,
		&a.InboxURI, &a.SharedInbox, &a.OutboxURI, &a.FollowersURI, &a.WallURI, &a.WallCommentsURI,
		&a.PublicKeyPem, &a.PrivateKeyPem, &a.NumFollowers, &a.NumFollowing, &a.NumFriends,
		&a.NumPendingRequests, &access, &a.IsEvent, &a.LastUpdated)
	if err != nil {
		return nil, err
	}
	a.Kind = domain.ActorKind(kind)
	a.Access = domain.GroupAccess(access)
	return &a, nil
}

func (t *txn) actorBy(query string, key any) (*domain.Actor, error) {
	a, err := scanActor(t.tx.QueryRow(query, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("actor", key)
	}
	return a, err
}

func (t *txn) ActorByID(id int64) (*domain.Actor, error) {
	return t.actorBy(sqlSelectActorByID, id)
}

func (t *txn) ActorByAPID(apID string) (*domain.Actor, error) {
	return t.actorBy(sqlSelectActorByAPID, apID)
}

func (t *txn) ActorByHandle(username, host string) (*domain.Actor, error) {
	a, err := scanActor(t.tx.QueryRow(sqlSelectActorByHandle, username, strings.ToLower(host)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("actor", username+"@"+host)
	}
	return a, err
}

func (t *txn) InsertLocalActor(a *domain.Actor) (int64, error) {
	if a.LastUpdated.IsZero() {
		a.LastUpdated = time.Now().UTC()
	}
	res, err := t.tx.Exec(sqlInsertLocalActor, int(a.Kind), a.Username, a.DisplayName, a.Summary,
		a.PublicKeyPem, a.PrivateKeyPem, int(a.Access), boolToInt(a.IsEvent), a.LastUpdated)
	if err != nil {
		if isConstraint(err) {
			return 0, domain.ErrIdentityCollision.Wrap(fmt.Errorf("username %s taken", a.Username))
		}
		return 0, fmt.Errorf("insert local actor: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	a.ID = id
	a.Local = true
	return id, nil
}

func (t *txn) UpsertForeignActor(a *domain.Actor) (int64, error) {
	if a.APID == "" {
		return 0, domain.NewError(domain.ReasonBadRequest, "foreign actor without id")
	}
	if a.LastUpdated.IsZero() {
		a.LastUpdated = time.Now().UTC()
	}
	var id int64
	err := t.tx.QueryRow(sqlUpsertForeignActor, int(a.Kind), a.APID, a.Username, strings.ToLower(a.Domain),
		a.DisplayName, a.Summary, a.InboxURI, a.SharedInbox, a.OutboxURI, a.FollowersURI, a.WallURI,
		a.WallCommentsURI, a.PublicKeyPem, int(a.Access), boolToInt(a.IsEvent), a.LastUpdated).Scan(&id)
	if err != nil {
		if isConstraint(err) {
			return 0, domain.ErrIdentityCollision.Wrap(fmt.Errorf("%s@%s claimed by another actor", a.Username, a.Domain))
		}
		return 0, fmt.Errorf("upsert foreign actor: %w", err)
	}
	a.ID = id
	return id, nil
}

func (t *txn) RenameActor(id int64, username string) error {
	ok, err := t.execOne(sqlRenameActor, username, id)
	if err != nil {
		return fmt.Errorf("rename actor: %w", err)
	}
	if !ok {
		return notFound("actor", id)
	}
	return nil
}

func (t *txn) AdjustCounters(actorID int64, d domain.CounterDelta) error {
	if d.IsZero() {
		return nil
	}
	_, err := t.exec(sqlAdjustCounters, d.Followers, d.Following, d.Friends, actorID)
	return err
}

func (t *txn) AdjustPendingRequests(actorID int64, delta int) error {
	_, err := t.exec(sqlAdjustPendingReqs, delta, actorID)
	return err
}
