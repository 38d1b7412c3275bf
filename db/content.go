package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/deemkeen/fedgraph/domain"
)

const postColumns = `id, COALESCE(ap_id, ''), author_id, owner_id, parent_id, content, local, created_at, updated_at`

const (
	sqlSelectPostByID   = `SELECT ` + postColumns + ` FROM posts WHERE id = ?`
	sqlSelectPostByAPID = `SELECT ` + postColumns + ` FROM posts WHERE ap_id = ?`
	sqlInsertPost       = `INSERT INTO posts(ap_id, author_id, owner_id, parent_id, content, local, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	sqlUpdatePost       = `UPDATE posts SET content = ?, updated_at = ? WHERE id = ?`
	sqlDeletePost       = `DELETE FROM posts WHERE id = ?`
)

func scanPost(row interface{ Scan(...any) error }) (*domain.Post, error) {
	var p domain.Post
	err := row.Scan(&p.ID, &p.APID, &p.AuthorID, &p.OwnerID, &p.ParentID, &p.Content, &p.Local, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (t *txn) PostByID(id int64) (*domain.Post, error) {
	p, err := scanPost(t.tx.QueryRow(sqlSelectPostByID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("post", id)
	}
	return p, err
}

func (t *txn) PostByAPID(apID string) (*domain.Post, error) {
	p, err := scanPost(t.tx.QueryRow(sqlSelectPostByAPID, apID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("post", apID)
	}
	return p, err
}

func (t *txn) InsertPost(p *domain.Post) (int64, error) {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	var apID any
	if p.APID != "" {
		apID = p.APID
	}
	res, err := t.tx.Exec(sqlInsertPost, apID, p.AuthorID, p.OwnerID, p.ParentID, p.Content, boolToInt(p.Local), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if isConstraint(err) {
			return 0, domain.ErrAlreadyInState.Wrap(fmt.Errorf("post %s exists", p.APID))
		}
		return 0, fmt.Errorf("insert post: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	p.ID = id
	return id, nil
}

func (t *txn) UpdatePost(p *domain.Post) error {
	p.UpdatedAt = time.Now().UTC()
	ok, err := t.execOne(sqlUpdatePost, p.Content, p.UpdatedAt, p.ID)
	if err != nil {
		return fmt.Errorf("update post: %w", err)
	}
	if !ok {
		return notFound("post", p.ID)
	}
	return nil
}

func (t *txn) DeletePost(id int64) (bool, error) {
	return t.execOne(sqlDeletePost, id)
}
