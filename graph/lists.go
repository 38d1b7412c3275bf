package graph

import (
	"context"
	"strings"

	"github.com/deemkeen/fedgraph/domain"
)

func listMask(id int) (uint64, error) {
	bit := domain.ListBit(id)
	if bit == 0 {
		return 0, domain.NewError(domain.ReasonBadRequest, "friend list id %d out of range", id)
	}
	return bit, nil
}

// ensureLists fails with domain.ErrNotFound unless every private list id
// in ids was created by owner. Built-in lists always exist.
func (t *Tx) ensureLists(owner int64, ids ...int) error {
	var existing map[int]bool
	for _, id := range ids {
		if id > domain.MaxPrivateListID {
			continue
		}
		if existing == nil {
			lists, err := t.FriendLists(owner)
			if err != nil {
				return err
			}
			existing = make(map[int]bool, len(lists))
			for _, l := range lists {
				existing[l.ID] = true
			}
		}
		if !existing[id] {
			return domain.NewError(domain.ReasonNotFound, "friend list %d of %d", id, owner)
		}
	}
	return nil
}

// CreateFriendList allocates the lowest free private list id of owner and
// adds members to it. Reserved ids are never handed out.
func (e *Engine) CreateFriendList(ctx context.Context, owner int64, name string, members []int64) (int, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, domain.NewError(domain.ReasonBadRequest, "friend list name is empty")
	}
	var id int
	err := e.Update(ctx, func(tx *Tx) error {
		existing, err := tx.FriendLists(owner)
		if err != nil {
			return err
		}
		used := make(map[int]bool, len(existing))
		for _, l := range existing {
			used[l.ID] = true
		}
		id = 0
		for i := 1; i <= domain.MaxPrivateListID; i++ {
			if !used[i] {
				id = i
				break
			}
		}
		if id == 0 {
			return domain.NewError(domain.ReasonBadRequest, "no free friend list ids for %d", owner)
		}
		if err := tx.InsertFriendList(&domain.FriendList{OwnerID: owner, ID: id, Name: name}); err != nil {
			return err
		}
		if len(members) == 0 {
			return nil
		}
		return tx.UpdateListBits(owner, members, domain.ListBit(id), true)
	})
	return id, err
}

func (e *Engine) AddToFriendList(ctx context.Context, owner int64, list int, members []int64) error {
	return e.updateListMembers(ctx, owner, list, members, true)
}

func (e *Engine) RemoveFromFriendList(ctx context.Context, owner int64, list int, members []int64) error {
	return e.updateListMembers(ctx, owner, list, members, false)
}

func (e *Engine) updateListMembers(ctx context.Context, owner int64, list int, members []int64, set bool) error {
	mask, err := listMask(list)
	if err != nil {
		return err
	}
	if members == nil {
		members = []int64{}
	}
	return e.Update(ctx, func(tx *Tx) error {
		if err := tx.ensureLists(owner, list); err != nil {
			return err
		}
		return tx.UpdateListBits(owner, members, mask, set)
	})
}

// DeleteFriendList removes the list and clears its bit on every edge of owner.
func (e *Engine) DeleteFriendList(ctx context.Context, owner int64, list int) error {
	mask, err := listMask(list)
	if err != nil {
		return err
	}
	return e.Update(ctx, func(tx *Tx) error {
		deleted, err := tx.DeleteFriendList(owner, list)
		if err != nil {
			return err
		}
		if !deleted {
			return domain.NewError(domain.ReasonNotFound, "friend list %d of %d", list, owner)
		}
		return tx.UpdateListBits(owner, nil, mask, false)
	})
}

func (e *Engine) RenameFriendList(ctx context.Context, owner int64, list int, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.NewError(domain.ReasonBadRequest, "friend list name is empty")
	}
	return e.Update(ctx, func(tx *Tx) error {
		ok, err := tx.RenameFriendList(owner, list, name)
		if err != nil {
			return err
		}
		if !ok {
			return domain.NewError(domain.ReasonNotFound, "friend list %d of %d", list, owner)
		}
		return nil
	})
}

func (e *Engine) FriendLists(ctx context.Context, owner int64) (lists []domain.FriendList, err error) {
	err = e.View(ctx, func(tx *Tx) error {
		lists, err = tx.FriendLists(owner)
		return err
	})
	return lists, err
}

// FriendListMembers returns the ids owner has put on list, highest hint rank first.
func (e *Engine) FriendListMembers(ctx context.Context, owner int64, list int) ([]int64, error) {
	mask, err := listMask(list)
	if err != nil {
		return nil, err
	}
	var ids []int64
	err = e.View(ctx, func(tx *Tx) error {
		ids, err = tx.ListMembers(owner, mask)
		return err
	})
	return ids, err
}

// SetFriendListsForUser replaces the list membership of user in owner's lists.
func (e *Engine) SetFriendListsForUser(ctx context.Context, owner, user int64, lists []int) error {
	var mask uint64
	for _, id := range lists {
		bit, err := listMask(id)
		if err != nil {
			return err
		}
		mask |= bit
	}
	return e.Update(ctx, func(tx *Tx) error {
		if err := tx.ensureLists(owner, lists...); err != nil {
			return err
		}
		ok, err := tx.SetEdgeLists(owner, user, mask)
		if err != nil {
			return err
		}
		if !ok {
			return domain.NewError(domain.ReasonNotFound, "%d does not follow %d", owner, user)
		}
		return nil
	})
}

// ListsOf returns the list ids owner has put user on.
func (e *Engine) ListsOf(ctx context.Context, owner, user int64) ([]int, error) {
	var edge *domain.FollowEdge
	err := e.View(ctx, func(tx *Tx) error {
		var err error
		edge, err = tx.Edge(owner, user)
		return err
	})
	if err != nil {
		return nil, err
	}
	if edge == nil {
		return nil, domain.NewError(domain.ReasonNotFound, "%d does not follow %d", owner, user)
	}
	var ids []int
	for id := 1; id <= domain.FirstReservedListID; id++ {
		if edge.InList(id) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
