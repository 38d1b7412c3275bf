package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/deemkeen/fedgraph/domain"
)

const edgeColumns = `follower_id, followee_id, accepted, mutual, muted, added_at, hints_rank, lists`

const (
	sqlSelectEdge = `SELECT ` + edgeColumns + ` FROM followings WHERE follower_id = ? AND followee_id = ?`
	sqlInsertEdge = `INSERT INTO followings(` + edgeColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	sqlDeleteEdge = `DELETE FROM followings WHERE follower_id = ? AND followee_id = ?`

	sqlSetEdgeAccepted  = `UPDATE followings SET accepted = ? WHERE follower_id = ? AND followee_id = ?`
	sqlSetEdgeMutual    = `UPDATE followings SET mutual = 1, added_at = ? WHERE follower_id = ? AND followee_id = ?`
	sqlClearEdgeMutual  = `UPDATE followings SET mutual = 0 WHERE follower_id = ? AND followee_id = ?`
	sqlSetEdgeFriend    = `UPDATE followings SET mutual = 1, accepted = 1, added_at = ?, hints_rank = ? WHERE follower_id = ? AND followee_id = ?`
	sqlMaxHintsRank     = `SELECT COALESCE(MAX(hints_rank), 0) FROM followings WHERE follower_id = ?`
	sqlIncrementRank    = `UPDATE followings SET hints_rank = hints_rank + ? WHERE follower_id = ? AND followee_id = ? AND mutual = 1`
	sqlHalveRanks       = `UPDATE followings SET hints_rank = hints_rank / 2 WHERE follower_id = ?`
	sqlFollowersOverMax = `SELECT follower_id FROM followings GROUP BY follower_id HAVING MAX(hints_rank) > ?`

	sqlSelectFriends   = `SELECT ` + edgeColumns + ` FROM followings WHERE follower_id = ? AND mutual = 1 ORDER BY hints_rank DESC, followee_id ASC`
	sqlSelectFollowers = `SELECT ` + edgeColumns + ` FROM followings WHERE followee_id = ? ORDER BY added_at DESC`
	sqlSelectFollowing = `SELECT ` + edgeColumns + ` FROM followings WHERE follower_id = ? ORDER BY added_at DESC`

	sqlSelectFollowerInboxes = `SELECT DISTINCT CASE WHEN a.shared_inbox_uri != '' THEN a.shared_inbox_uri ELSE a.inbox_uri END
		FROM followings f INNER JOIN actors a ON a.id = f.follower_id
		WHERE f.followee_id = ? AND f.accepted = 1 AND a.local = 0 AND a.inbox_uri != ''`

	sqlSelectFriendRequest    = `SELECT from_id, to_id, message, created_at FROM friend_requests WHERE from_id = ? AND to_id = ?`
	sqlInsertFriendRequest    = `INSERT INTO friend_requests(from_id, to_id, message, created_at) VALUES (?, ?, ?, ?)`
	sqlDeleteFriendRequest    = `DELETE FROM friend_requests WHERE from_id = ? AND to_id = ?`
	sqlSelectIncomingRequests = `SELECT from_id, to_id, message, created_at FROM friend_requests WHERE to_id = ? ORDER BY created_at DESC`

	sqlSelectBlock = `SELECT 1 FROM blocks WHERE owner_id = ? AND target_id = ?`
	sqlInsertBlock = `INSERT INTO blocks(owner_id, target_id, created_at) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`
	sqlDeleteBlock = `DELETE FROM blocks WHERE owner_id = ? AND target_id = ?`

	sqlSelectFriendLists = `SELECT owner_id, id, name FROM friend_lists WHERE owner_id = ? ORDER BY id`
	sqlInsertFriendList  = `INSERT INTO friend_lists(owner_id, id, name) VALUES (?, ?, ?)`
	sqlRenameFriendList  = `UPDATE friend_lists SET name = ? WHERE owner_id = ? AND id = ?`
	sqlDeleteFriendList  = `DELETE FROM friend_lists WHERE owner_id = ? AND id = ?`
	sqlSetListBits       = `UPDATE followings SET lists = lists | ? WHERE follower_id = ?`
	sqlClearListBits     = `UPDATE followings SET lists = lists & ~? WHERE follower_id = ?`
	sqlSetEdgeLists      = `UPDATE followings SET lists = ? WHERE follower_id = ? AND followee_id = ?`
	sqlSelectListMembers = `SELECT followee_id FROM followings WHERE follower_id = ? AND (lists & ?) != 0 ORDER BY hints_rank DESC, followee_id ASC`
)

func scanEdge(row interface{ Scan(...any) error }) (*domain.FollowEdge, error) {
	var e domain.FollowEdge
	var lists int64
	err := row.Scan(&e.FollowerID, &e.FolloweeID, &e.Accepted, &e.Mutual, &e.Muted, &e.AddedAt, &e.HintsRank, &lists)
	if err != nil {
		return nil, err
	}
	e.Lists = uint64(lists)
	return &e, nil
}

func (t *txn) Edge(followerID, followeeID int64) (*domain.FollowEdge, error) {
	e, err := scanEdge(t.tx.QueryRow(sqlSelectEdge, followerID, followeeID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func (t *txn) InsertEdge(e *domain.FollowEdge) error {
	if e.AddedAt.IsZero() {
		e.AddedAt = time.Now().UTC()
	}
	_, err := t.tx.Exec(sqlInsertEdge, e.FollowerID, e.FolloweeID, boolToInt(e.Accepted), boolToInt(e.Mutual),
		boolToInt(e.Muted), e.AddedAt, e.HintsRank, int64(e.Lists))
	if err != nil {
		if isConstraint(err) {
			return domain.ErrAlreadyInState.Wrap(fmt.Errorf("edge %d->%d exists", e.FollowerID, e.FolloweeID))
		}
		return fmt.Errorf("insert edge: %w", err)
	}
	return nil
}

func (t *txn) DeleteEdge(followerID, followeeID int64) (bool, error) {
	return t.execOne(sqlDeleteEdge, followerID, followeeID)
}

func (t *txn) SetEdgeAccepted(followerID, followeeID int64, accepted bool) (bool, error) {
	return t.execOne(sqlSetEdgeAccepted, boolToInt(accepted), followerID, followeeID)
}

func (t *txn) SetEdgeMutual(followerID, followeeID int64, mutual bool, at time.Time) (bool, error) {
	if mutual {
		return t.execOne(sqlSetEdgeMutual, at, followerID, followeeID)
	}
	return t.execOne(sqlClearEdgeMutual, followerID, followeeID)
}

func (t *txn) SetEdgeFriend(followerID, followeeID int64, rank int64, at time.Time) (bool, error) {
	return t.execOne(sqlSetEdgeFriend, at, rank, followerID, followeeID)
}

func (t *txn) MaxHintsRank(followerID int64) (int64, error) {
	var rank int64
	err := t.tx.QueryRow(sqlMaxHintsRank, followerID).Scan(&rank)
	return rank, err
}

func (t *txn) IncrementHintsRank(followerID, followeeID int64, amount int64) (bool, error) {
	return t.execOne(sqlIncrementRank, amount, followerID, followeeID)
}

func (t *txn) HalveHintsRanks(followerID int64) error {
	_, err := t.exec(sqlHalveRanks, followerID)
	return err
}

func (t *txn) FollowersOverRank(ceiling int64) ([]int64, error) {
	return t.queryIDs(sqlFollowersOverMax, ceiling)
}

func (t *txn) queryEdges(query string, args ...any) ([]domain.FollowEdge, error) {
	rows, err := t.tx.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var edges []domain.FollowEdge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, err
		}
		edges = append(edges, *e)
	}
	return edges, rows.Err()
}

func (t *txn) queryIDs(query string, args ...any) ([]int64, error) {
	rows, err := t.tx.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (t *txn) Friends(userID int64) ([]domain.FollowEdge, error) {
	return t.queryEdges(sqlSelectFriends, userID)
}

func (t *txn) Followers(userID int64) ([]domain.FollowEdge, error) {
	return t.queryEdges(sqlSelectFollowers, userID)
}

func (t *txn) Following(userID int64) ([]domain.FollowEdge, error) {
	return t.queryEdges(sqlSelectFollowing, userID)
}

func (t *txn) FollowerInboxes(userID int64) ([]string, error) {
	rows, err := t.tx.Query(sqlSelectFollowerInboxes, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var inboxes []string
	for rows.Next() {
		var uri string
		if err := rows.Scan(&uri); err != nil {
			return nil, err
		}
		inboxes = append(inboxes, uri)
	}
	return inboxes, rows.Err()
}

func scanFriendRequest(row interface{ Scan(...any) error }) (*domain.FriendRequest, error) {
	var fr domain.FriendRequest
	if err := row.Scan(&fr.FromID, &fr.ToID, &fr.Message, &fr.CreatedAt); err != nil {
		return nil, err
	}
	return &fr, nil
}

func (t *txn) FriendRequest(fromID, toID int64) (*domain.FriendRequest, error) {
	fr, err := scanFriendRequest(t.tx.QueryRow(sqlSelectFriendRequest, fromID, toID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return fr, err
}

func (t *txn) InsertFriendRequest(fr *domain.FriendRequest) error {
	if fr.CreatedAt.IsZero() {
		fr.CreatedAt = time.Now().UTC()
	}
	_, err := t.tx.Exec(sqlInsertFriendRequest, fr.FromID, fr.ToID, fr.Message, fr.CreatedAt)
	if err != nil {
		if isConstraint(err) {
			return domain.ErrAlreadyInState.Wrap(fmt.Errorf("friend request %d->%d exists", fr.FromID, fr.ToID))
		}
		return fmt.Errorf("insert friend request: %w", err)
	}
	return nil
}

func (t *txn) DeleteFriendRequest(fromID, toID int64) (bool, error) {
	return t.execOne(sqlDeleteFriendRequest, fromID, toID)
}

func (t *txn) IncomingFriendRequests(toID int64) ([]domain.FriendRequest, error) {
	rows, err := t.tx.Query(sqlSelectIncomingRequests, toID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var requests []domain.FriendRequest
	for rows.Next() {
		fr, err := scanFriendRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, *fr)
	}
	return requests, rows.Err()
}

func (t *txn) IsBlocked(ownerID, targetID int64) (bool, error) {
	var one int
	err := t.tx.QueryRow(sqlSelectBlock, ownerID, targetID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (t *txn) InsertBlock(ownerID, targetID int64) (bool, error) {
	return t.execOne(sqlInsertBlock, ownerID, targetID, time.Now().UTC())
}

func (t *txn) DeleteBlock(ownerID, targetID int64) (bool, error) {
	return t.execOne(sqlDeleteBlock, ownerID, targetID)
}

func (t *txn) FriendLists(ownerID int64) ([]domain.FriendList, error) {
	rows, err := t.tx.Query(sqlSelectFriendLists, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lists []domain.FriendList
	for rows.Next() {
		var l domain.FriendList
		if err := rows.Scan(&l.OwnerID, &l.ID, &l.Name); err != nil {
			return nil, err
		}
		lists = append(lists, l)
	}
	return lists, rows.Err()
}

func (t *txn) InsertFriendList(l *domain.FriendList) error {
	_, err := t.tx.Exec(sqlInsertFriendList, l.OwnerID, l.ID, l.Name)
	if err != nil && isConstraint(err) {
		return domain.ErrAlreadyInState.Wrap(fmt.Errorf("friend list %d exists", l.ID))
	}
	return err
}

func (t *txn) RenameFriendList(ownerID int64, id int, name string) (bool, error) {
	return t.execOne(sqlRenameFriendList, name, ownerID, id)
}

func (t *txn) DeleteFriendList(ownerID int64, id int) (bool, error) {
	return t.execOne(sqlDeleteFriendList, ownerID, id)
}

func (t *txn) UpdateListBits(ownerID int64, targets []int64, mask uint64, set bool) error {
	query := sqlClearListBits
	if set {
		query = sqlSetListBits
	}
	args := []any{int64(mask), ownerID}
	if targets != nil {
		if len(targets) == 0 {
			return nil
		}
		query += ` AND followee_id IN (?` + strings.Repeat(`, ?`, len(targets)-1) + `)`
		for _, id := range targets {
			args = append(args, id)
		}
	}
	_, err := t.exec(query, args...)
	return err
}

func (t *txn) SetEdgeLists(ownerID, targetID int64, lists uint64) (bool, error) {
	return t.execOne(sqlSetEdgeLists, int64(lists), ownerID, targetID)
}

func (t *txn) ListMembers(ownerID int64, mask uint64) ([]int64, error) {
	return t.queryIDs(sqlSelectListMembers, ownerID, int64(mask))
}
