// Package groups manages group memberships and invitations.
//
// Every check-then-mutate sequence on a group runs inside RunLocked, which
// serializes work on the same group through the named mutex registry and
// commits it as one relationship unit.
package groups

import (
	"context"
	"fmt"
	"strconv"

	"github.com/deemkeen/fedgraph/domain"
	"github.com/deemkeen/fedgraph/graph"
	"github.com/deemkeen/fedgraph/namedmutex"
	"github.com/deemkeen/fedgraph/store"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "groups")

type Controller struct {
	engine *graph.Engine
	locks  *namedmutex.Registry
}

func New(e *graph.Engine, locks *namedmutex.Registry) *Controller {
	return &Controller{engine: e, locks: locks}
}

func lockKey(groupID int64) string {
	return "group:" + strconv.FormatInt(groupID, 10)
}

// RunLocked runs fn as one atomic unit while holding the critical section of
// groupID.
func (c *Controller) RunLocked(ctx context.Context, groupID int64, fn func(tx *graph.Tx) error) error {
	return c.locks.WithLock(ctx, lockKey(groupID), func() error {
		return c.engine.Update(ctx, fn)
	})
}

// State derives the membership state of userID in groupID.
func State(tx store.Groups, groupID, userID int64) (domain.MembershipState, error) {
	m, err := tx.Membership(groupID, userID)
	if err != nil {
		return domain.MembershipNone, err
	}
	if m != nil {
		if m.Accepted {
			return domain.MembershipMember, nil
		}
		return domain.MembershipRequested, nil
	}
	inv, err := tx.Invitation(groupID, userID)
	if err != nil {
		return domain.MembershipNone, err
	}
	if inv != nil {
		return domain.MembershipInvited, nil
	}
	return domain.MembershipNone, nil
}

func (c *Controller) MembershipState(ctx context.Context, groupID, userID int64) (state domain.MembershipState, err error) {
	err = c.engine.View(ctx, func(tx *graph.Tx) error {
		state, err = State(tx, groupID, userID)
		return err
	})
	return state, err
}

func ensureGroup(group *domain.Actor) error {
	if group == nil || !group.IsGroup() || group.ID == 0 {
		return domain.NewError(domain.ReasonBadRequest, "not a stored group")
	}
	return nil
}

// Join adds userID to group and returns the resulting state.
//
// A local group admits members according to its access type: open groups
// accept immediately, closed groups record a request and private groups
// only admit invited users. A pending invitation always turns into a
// membership. Joining a foreign group records a request that stays pending
// until the group accepts it.
func (c *Controller) Join(ctx context.Context, group *domain.Actor, userID int64) (state domain.MembershipState, err error) {
	if err := ensureGroup(group); err != nil {
		return domain.MembershipNone, err
	}
	err = c.RunLocked(ctx, group.ID, func(tx *graph.Tx) error {
		if err := tx.EnsureNotBlocked(group.ID, userID); err != nil {
			return err
		}
		current, err := State(tx, group.ID, userID)
		if err != nil {
			return err
		}
		accepted := false
		switch current {
		case domain.MembershipMember, domain.MembershipRequested:
			state = current
			return domain.ErrAlreadyInState.Wrap(fmt.Errorf("user %d is %s of group %d", userID, current, group.ID))
		case domain.MembershipInvited:
			if _, err := tx.DeleteInvitation(group.ID, userID); err != nil {
				return err
			}
			accepted = group.Local
		default:
			if group.Local {
				switch group.Access {
				case domain.AccessOpen:
					accepted = true
				case domain.AccessPrivate:
					return domain.ErrAuthorizationDenied.Wrap(fmt.Errorf("group %d is private", group.ID))
				}
			}
		}
		if err := tx.InsertMembership(&domain.GroupMembership{GroupID: group.ID, UserID: userID, Accepted: accepted}); err != nil {
			return err
		}
		state = domain.MembershipRequested
		if accepted {
			state = domain.MembershipMember
		}
		return nil
	})
	return state, err
}

// SetMemberAccepted approves a pending membership. Approving an already
// accepted membership fails with domain.ErrAlreadyInState and changes nothing.
func (c *Controller) SetMemberAccepted(ctx context.Context, groupID, userID int64) error {
	return c.RunLocked(ctx, groupID, func(tx *graph.Tx) error {
		m, err := tx.Membership(groupID, userID)
		if err != nil {
			return err
		}
		if m == nil {
			return domain.NewError(domain.ReasonNotFound, "user %d has no membership in group %d", userID, groupID)
		}
		if m.Accepted {
			return domain.ErrAlreadyInState.Wrap(fmt.Errorf("user %d already accepted in group %d", userID, groupID))
		}
		_, err = tx.SetMembershipAccepted(groupID, userID)
		return err
	})
}

// Leave removes the membership or pending request of userID, or declines a
// pending invitation.
func (c *Controller) Leave(ctx context.Context, groupID, userID int64) error {
	return c.RunLocked(ctx, groupID, func(tx *graph.Tx) error {
		left, err := tx.DeleteMembership(groupID, userID)
		if err != nil || left {
			return err
		}
		declined, err := tx.DeleteInvitation(groupID, userID)
		if err != nil || declined {
			return err
		}
		return domain.ErrAlreadyInState.Wrap(fmt.Errorf("user %d is not in group %d", userID, groupID))
	})
}

// PutInvitation records that inviterID invited inviteeID to group. The
// inviter must be a member of a local group, neither the group nor the
// invitee may have blocked the inviter, and the invitee must not be
// involved with the group yet. A repeated invitation is domain.ErrAlreadyInState.
func (c *Controller) PutInvitation(ctx context.Context, group *domain.Actor, inviterID, inviteeID int64, apID string) error {
	if err := ensureGroup(group); err != nil {
		return err
	}
	return c.RunLocked(ctx, group.ID, func(tx *graph.Tx) error {
		if err := tx.EnsureNotBlocked(group.ID, inviterID); err != nil {
			return err
		}
		if err := tx.EnsureNotBlocked(inviteeID, inviterID); err != nil {
			return err
		}
		if group.Local {
			inviterState, err := State(tx, group.ID, inviterID)
			if err != nil {
				return err
			}
			if inviterState != domain.MembershipMember {
				return domain.ErrAuthorizationDenied.Wrap(fmt.Errorf("inviter %d is not a member of group %d", inviterID, group.ID))
			}
		}
		state, err := State(tx, group.ID, inviteeID)
		if err != nil {
			return err
		}
		switch state {
		case domain.MembershipNone:
		case domain.MembershipInvited:
			return domain.ErrAlreadyInState.Wrap(fmt.Errorf("user %d already invited to group %d", inviteeID, group.ID))
		default:
			return domain.NewError(domain.ReasonBadRequest, "user %d is already %s of group %d", inviteeID, state, group.ID)
		}
		log.WithFields(logrus.Fields{"group": group.ID, "inviter": inviterID, "invitee": inviteeID}).Debug("Invitation stored")
		return tx.InsertInvitation(&domain.GroupInvitation{GroupID: group.ID, InviterID: inviterID, InviteeID: inviteeID, APID: apID})
	})
}

func (c *Controller) Members(ctx context.Context, groupID int64) (members []domain.GroupMembership, err error) {
	err = c.engine.View(ctx, func(tx *graph.Tx) error {
		members, err = tx.Members(groupID)
		return err
	})
	return members, err
}

// LocalMemberCount returns how many accepted members of groupID are local users.
func (c *Controller) LocalMemberCount(ctx context.Context, groupID int64) (int, error) {
	var n int
	err := c.engine.View(ctx, func(tx *graph.Tx) error {
		members, err := tx.Members(groupID)
		if err != nil {
			return err
		}
		for _, m := range members {
			if !m.Accepted {
				continue
			}
			a, err := tx.ActorByID(m.UserID)
			if err != nil {
				return err
			}
			if a.Local {
				n++
			}
		}
		return nil
	})
	return n, err
}
