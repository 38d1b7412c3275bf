package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/deemkeen/fedgraph/domain"
)

// acceptRankBonus puts a newly accepted friend after the existing ones.
const acceptRankBonus = 20

type FollowOptions struct {
	Accepted bool
	// IgnoreIfExists turns an existing forward edge into a no-op instead of
	// domain.ErrAlreadyInState.
	IgnoreIfExists bool
	UpdateCounters bool
}

// Follow inserts the edge from -> to. If the reverse edge exists both edges
// become mutual; a pending friend request to -> from is then accepted
// instead, so no request outlives the friendship. It reports whether an
// edge was created.
func (t *Tx) Follow(from, to int64, opts FollowOptions) (bool, error) {
	if from == to {
		return false, domain.NewError(domain.ReasonBadRequest, "actor %d cannot follow itself", from)
	}
	existing, err := t.Edge(from, to)
	if err != nil {
		return false, err
	}
	if existing != nil {
		if opts.IgnoreIfExists {
			return false, nil
		}
		return false, domain.ErrAlreadyInState.Wrap(fmt.Errorf("%d already follows %d", from, to))
	}
	reverse, err := t.Edge(to, from)
	if err != nil {
		return false, err
	}
	mutual := reverse != nil
	if mutual {
		incoming, err := t.FriendRequest(to, from)
		if err != nil {
			return false, err
		}
		if incoming != nil {
			return true, t.AcceptFriendRequest(from, to, opts.Accepted)
		}
	}

	now := time.Now().UTC()
	err = t.InsertEdge(&domain.FollowEdge{
		FollowerID: from,
		FolloweeID: to,
		Accepted:   opts.Accepted,
		Mutual:     mutual,
		AddedAt:    now,
	})
	if err != nil {
		return false, err
	}
	if mutual {
		if _, err := t.SetEdgeMutual(to, from, true, now); err != nil {
			return false, err
		}
	}

	t.touch(from, to)
	if opts.UpdateCounters {
		fromDelta := domain.CounterDelta{Following: 1}
		toDelta := domain.CounterDelta{Followers: 1}
		if mutual {
			fromDelta.Friends, toDelta.Friends = 1, 1
		}
		if err := t.adjust(from, fromDelta); err != nil {
			return false, err
		}
		if err := t.adjust(to, toDelta); err != nil {
			return false, err
		}
	}
	return true, nil
}

// SendFriendRequest records a friend request from -> to and follows to if
// from does not follow it yet. When to already follows from there is nothing
// to request: a pending request from to is accepted, otherwise from simply
// follows back. It reports whether the two became friends right away.
func (t *Tx) SendFriendRequest(from, to int64, message string, followAccepted bool) (bool, error) {
	if from == to {
		return false, domain.NewError(domain.ReasonBadRequest, "actor %d cannot befriend itself", from)
	}
	forward, err := t.Edge(from, to)
	if err != nil {
		return false, err
	}
	if forward != nil && forward.Mutual {
		return false, domain.ErrAlreadyInState.Wrap(fmt.Errorf("%d and %d are friends", from, to))
	}

	reverse, err := t.Edge(to, from)
	if err != nil {
		return false, err
	}
	if reverse != nil {
		incoming, err := t.FriendRequest(to, from)
		if err != nil {
			return false, err
		}
		if incoming != nil {
			return true, t.AcceptFriendRequest(from, to, followAccepted)
		}
		_, err = t.Follow(from, to, FollowOptions{Accepted: followAccepted, UpdateCounters: true})
		return err == nil, err
	}

	err = t.InsertFriendRequest(&domain.FriendRequest{FromID: from, ToID: to, Message: message})
	if err != nil {
		return false, err
	}
	if forward == nil {
		if _, err := t.Follow(from, to, FollowOptions{Accepted: followAccepted, UpdateCounters: true}); err != nil {
			return false, err
		}
	}
	return false, t.adjustPending(to, 1)
}

// AcceptFriendRequest makes user and requester friends. The pending request
// requester -> user is deleted first; if it is already gone the whole unit
// fails with domain.ErrNotFound and nothing changes.
func (t *Tx) AcceptFriendRequest(user, requester int64, followAccepted bool) error {
	deleted, err := t.DeleteFriendRequest(requester, user)
	if err != nil {
		return err
	}
	if !deleted {
		return domain.NewError(domain.ReasonNotFound, "no friend request from %d to %d", requester, user)
	}
	if err := t.adjustPending(user, -1); err != nil {
		return err
	}

	reverse, err := t.Edge(requester, user)
	if err != nil {
		return err
	}
	if reverse == nil {
		return domain.NewError(domain.ReasonNotFound, "%d no longer follows %d", requester, user)
	}
	forward, err := t.Edge(user, requester)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	rank, err := t.MaxHintsRank(user)
	if err != nil {
		return err
	}
	userDelta := domain.CounterDelta{Friends: 1}
	requesterDelta := domain.CounterDelta{Friends: 1}
	if forward == nil {
		err = t.InsertEdge(&domain.FollowEdge{
			FollowerID: user,
			FolloweeID: requester,
			Accepted:   followAccepted,
			Mutual:     true,
			AddedAt:    now,
			HintsRank:  rank + acceptRankBonus,
		})
		if err != nil {
			return err
		}
		userDelta.Following = 1
		requesterDelta.Followers = 1
	} else if forward.Mutual {
		return domain.ErrAlreadyInState.Wrap(fmt.Errorf("%d and %d are friends", user, requester))
	} else if _, err := t.SetEdgeFriend(user, requester, rank+acceptRankBonus, now); err != nil {
		return err
	}

	rank, err = t.MaxHintsRank(requester)
	if err != nil {
		return err
	}
	if _, err := t.SetEdgeFriend(requester, user, rank+acceptRankBonus, now); err != nil {
		return err
	}

	if err := t.adjust(user, userDelta); err != nil {
		return err
	}
	return t.adjust(requester, requesterDelta)
}

// RejectFriendRequest deletes the pending request requester -> user. The
// requester keeps following user.
func (t *Tx) RejectFriendRequest(user, requester int64) error {
	deleted, err := t.DeleteFriendRequest(requester, user)
	if err != nil {
		return err
	}
	if !deleted {
		return domain.NewError(domain.ReasonNotFound, "no friend request from %d to %d", requester, user)
	}
	return t.adjustPending(user, -1)
}

// Unfriend deletes the edge from -> to. A friendship is demoted to to
// following from; otherwise an outstanding request from -> to is withdrawn.
// It reports whether an edge was deleted.
func (t *Tx) Unfriend(from, to int64) (bool, error) {
	forward, err := t.Edge(from, to)
	if err != nil || forward == nil {
		return false, err
	}
	if _, err := t.DeleteEdge(from, to); err != nil {
		return false, err
	}

	fromDelta := domain.CounterDelta{Following: -1}
	toDelta := domain.CounterDelta{Followers: -1}
	if forward.Mutual {
		if _, err := t.SetEdgeMutual(to, from, false, time.Time{}); err != nil {
			return false, err
		}
		fromDelta.Friends, toDelta.Friends = -1, -1
	} else {
		withdrawn, err := t.DeleteFriendRequest(from, to)
		if err != nil {
			return false, err
		}
		if withdrawn {
			if err := t.adjustPending(to, -1); err != nil {
				return false, err
			}
		}
	}
	if err := t.adjust(from, fromDelta); err != nil {
		return false, err
	}
	return true, t.adjust(to, toDelta)
}

// SetFollowAccepted flips the accepted flag of follower -> followee and
// reports whether it changed.
func (t *Tx) SetFollowAccepted(follower, followee int64, accepted bool) (bool, error) {
	e, err := t.Edge(follower, followee)
	if err != nil {
		return false, err
	}
	if e == nil {
		return false, domain.NewError(domain.ReasonNotFound, "%d does not follow %d", follower, followee)
	}
	if e.Accepted == accepted {
		return false, nil
	}
	_, err = t.SetEdgeAccepted(follower, followee, accepted)
	return err == nil, err
}

// Status derives the relationship of self towards target.
func (t *Tx) Status(self, target int64) (domain.FriendshipStatus, error) {
	forward, err := t.Edge(self, target)
	if err != nil {
		return domain.StatusNone, err
	}
	reverse, err := t.Edge(target, self)
	if err != nil {
		return domain.StatusNone, err
	}

	switch {
	case (forward != nil && forward.Mutual) || (reverse != nil && reverse.Mutual):
		return domain.StatusFriends, nil
	case forward != nil:
		fr, err := t.FriendRequest(self, target)
		if err != nil {
			return domain.StatusNone, err
		}
		if fr != nil {
			return domain.StatusRequestSent, nil
		}
		if !forward.Accepted {
			return domain.StatusFollowRequested, nil
		}
		return domain.StatusFollowing, nil
	case reverse != nil:
		fr, err := t.FriendRequest(target, self)
		if err != nil {
			return domain.StatusNone, err
		}
		if fr != nil {
			return domain.StatusRequestReceived, nil
		}
		return domain.StatusFollowedBy, nil
	}
	return domain.StatusNone, nil
}

// Block records that owner blocks target, withdraws friend requests in both
// directions and removes both edges. It reports whether the block is new.
func (t *Tx) Block(owner, target int64) (bool, error) {
	if owner == target {
		return false, domain.NewError(domain.ReasonBadRequest, "actor %d cannot block itself", owner)
	}
	inserted, err := t.InsertBlock(owner, target)
	if err != nil || !inserted {
		return false, err
	}
	for _, pair := range [][2]int64{{owner, target}, {target, owner}} {
		withdrawn, err := t.DeleteFriendRequest(pair[0], pair[1])
		if err != nil {
			return false, err
		}
		if withdrawn {
			if err := t.adjustPending(pair[1], -1); err != nil {
				return false, err
			}
		}
	}
	if _, err := t.Unfriend(owner, target); err != nil {
		return false, err
	}
	if _, err := t.Unfriend(target, owner); err != nil {
		return false, err
	}
	return true, nil
}

func (t *Tx) Unblock(owner, target int64) (bool, error) {
	return t.DeleteBlock(owner, target)
}

// EnsureNotBlocked fails with domain.ErrAuthorizationDenied when owner has
// blocked actor.
func (t *Tx) EnsureNotBlocked(owner, actor int64) error {
	blocked, err := t.IsBlocked(owner, actor)
	if err != nil {
		return err
	}
	if blocked {
		return domain.ErrAuthorizationDenied.Wrap(fmt.Errorf("%d has blocked %d", owner, actor))
	}
	return nil
}

func (e *Engine) Follow(ctx context.Context, from, to int64, opts FollowOptions) (created bool, err error) {
	err = e.Update(ctx, func(tx *Tx) error {
		created, err = tx.Follow(from, to, opts)
		return err
	})
	return created, err
}

func (e *Engine) SendFriendRequest(ctx context.Context, from, to int64, message string, followAccepted bool) (friends bool, err error) {
	err = e.Update(ctx, func(tx *Tx) error {
		if err := tx.EnsureNotBlocked(to, from); err != nil {
			return err
		}
		friends, err = tx.SendFriendRequest(from, to, message, followAccepted)
		return err
	})
	return friends, err
}

func (e *Engine) AcceptFriendRequest(ctx context.Context, user, requester int64, followAccepted bool) error {
	return e.Update(ctx, func(tx *Tx) error {
		return tx.AcceptFriendRequest(user, requester, followAccepted)
	})
}

func (e *Engine) RejectFriendRequest(ctx context.Context, user, requester int64) error {
	return e.Update(ctx, func(tx *Tx) error {
		return tx.RejectFriendRequest(user, requester)
	})
}

func (e *Engine) Unfriend(ctx context.Context, from, to int64) (removed bool, err error) {
	err = e.Update(ctx, func(tx *Tx) error {
		removed, err = tx.Unfriend(from, to)
		return err
	})
	return removed, err
}

func (e *Engine) SetFollowAccepted(ctx context.Context, follower, followee int64, accepted bool) (changed bool, err error) {
	err = e.Update(ctx, func(tx *Tx) error {
		changed, err = tx.SetFollowAccepted(follower, followee, accepted)
		return err
	})
	return changed, err
}

func (e *Engine) Status(ctx context.Context, self, target int64) (status domain.FriendshipStatus, err error) {
	err = e.View(ctx, func(tx *Tx) error {
		status, err = tx.Status(self, target)
		return err
	})
	return status, err
}

func (e *Engine) Block(ctx context.Context, owner, target int64) (blocked bool, err error) {
	err = e.Update(ctx, func(tx *Tx) error {
		blocked, err = tx.Block(owner, target)
		return err
	})
	if blocked {
		log.Debugf("Block: %d blocked %d", owner, target)
	}
	return blocked, err
}

func (e *Engine) Unblock(ctx context.Context, owner, target int64) (removed bool, err error) {
	err = e.Update(ctx, func(tx *Tx) error {
		removed, err = tx.Unblock(owner, target)
		return err
	})
	return removed, err
}

func (e *Engine) IsBlocked(ctx context.Context, owner, target int64) (blocked bool, err error) {
	err = e.View(ctx, func(tx *Tx) error {
		blocked, err = tx.IsBlocked(owner, target)
		return err
	})
	return blocked, err
}

// Friends lists the friends of user, highest hint rank first.
func (e *Engine) Friends(ctx context.Context, user int64) (edges []domain.FollowEdge, err error) {
	err = e.View(ctx, func(tx *Tx) error {
		edges, err = tx.Friends(user)
		return err
	})
	return edges, err
}

func (e *Engine) IncomingFriendRequests(ctx context.Context, user int64) (requests []domain.FriendRequest, err error) {
	err = e.View(ctx, func(tx *Tx) error {
		requests, err = tx.IncomingFriendRequests(user)
		return err
	})
	return requests, err
}
