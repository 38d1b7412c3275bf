package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/deemkeen/fedgraph/domain"
)

const (
	sqlSelectMembership = `SELECT group_id, user_id, accepted, created_at FROM group_memberships WHERE group_id = ? AND user_id = ?`
	sqlInsertMembership = `INSERT INTO group_memberships(group_id, user_id, accepted, created_at) VALUES (?, ?, ?, ?)`
	sqlAcceptMembership = `UPDATE group_memberships SET accepted = 1 WHERE group_id = ? AND user_id = ? AND accepted = 0`
	sqlDeleteMembership = `DELETE FROM group_memberships WHERE group_id = ? AND user_id = ?`
	sqlSelectMembers    = `SELECT group_id, user_id, accepted, created_at FROM group_memberships WHERE group_id = ? ORDER BY created_at`
	sqlSelectInvitation = `SELECT group_id, inviter_id, invitee_id, ap_id, created_at FROM group_invites WHERE group_id = ? AND invitee_id = ?`
	sqlInsertInvitation = `INSERT INTO group_invites(group_id, inviter_id, invitee_id, ap_id, created_at) VALUES (?, ?, ?, ?, ?)`
	sqlDeleteInvitation = `DELETE FROM group_invites WHERE group_id = ? AND invitee_id = ?`
)

func scanMembership(row interface{ Scan(...any) error }) (*domain.GroupMembership, error) {
	var m domain.GroupMembership
	if err := row.Scan(&m.GroupID, &m.UserID, &m.Accepted, &m.CreatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

func (t *txn) Membership(groupID, userID int64) (*domain.GroupMembership, error) {
	m, err := scanMembership(t.tx.QueryRow(sqlSelectMembership, groupID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

func (t *txn) InsertMembership(m *domain.GroupMembership) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := t.tx.Exec(sqlInsertMembership, m.GroupID, m.UserID, boolToInt(m.Accepted), m.CreatedAt)
	if err != nil {
		if isConstraint(err) {
			return domain.ErrAlreadyInState.Wrap(fmt.Errorf("user %d already in group %d", m.UserID, m.GroupID))
		}
		return fmt.Errorf("insert membership: %w", err)
	}
	return nil
}

func (t *txn) SetMembershipAccepted(groupID, userID int64) (bool, error) {
	return t.execOne(sqlAcceptMembership, groupID, userID)
}

func (t *txn) DeleteMembership(groupID, userID int64) (bool, error) {
	return t.execOne(sqlDeleteMembership, groupID, userID)
}

func (t *txn) Members(groupID int64) ([]domain.GroupMembership, error) {
	rows, err := t.tx.Query(sqlSelectMembers, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var members []domain.GroupMembership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, *m)
	}
	return members, rows.Err()
}

func (t *txn) Invitation(groupID, inviteeID int64) (*domain.GroupInvitation, error) {
	var inv domain.GroupInvitation
	err := t.tx.QueryRow(sqlSelectInvitation, groupID, inviteeID).
		Scan(&inv.GroupID, &inv.InviterID, &inv.InviteeID, &inv.APID, &inv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (t *txn) InsertInvitation(inv *domain.GroupInvitation) error {
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now().UTC()
	}
	_, err := t.tx.Exec(sqlInsertInvitation, inv.GroupID, inv.InviterID, inv.InviteeID, inv.APID, inv.CreatedAt)
	if err != nil {
		if isConstraint(err) {
			return domain.ErrAlreadyInState.Wrap(fmt.Errorf("user %d already invited to group %d", inv.InviteeID, inv.GroupID))
		}
		return fmt.Errorf("insert invitation: %w", err)
	}
	return nil
}

func (t *txn) DeleteInvitation(groupID, inviteeID int64) (bool, error) {
	return t.execOne(sqlDeleteInvitation, groupID, inviteeID)
}
