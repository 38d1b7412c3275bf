// Package friends implements relationship actions taken by local users.
// Failures carry the same reason codes as inbound federation, and actions
// on foreign actors are federated to them.
package friends

import (
	"context"
	"fmt"

	"github.com/deemkeen/fedgraph/activitypub"
	"github.com/deemkeen/fedgraph/domain"
	"github.com/deemkeen/fedgraph/feed"
	"github.com/deemkeen/fedgraph/graph"
	"github.com/deemkeen/fedgraph/groups"
	"github.com/deemkeen/fedgraph/notify"
	"github.com/deemkeen/fedgraph/resolver"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "friends")

// Sender queues activities for delivery. *activitypub.Deliverer implements it.
type Sender interface {
	DeliverToInboxes(ctx context.Context, sender *domain.Actor, inboxes []string, activity *activitypub.Object) error
}

type Service struct {
	graph    *graph.Engine
	groups   *groups.Controller
	resolver *resolver.Resolver
	notify   *notify.Emitter
	feed     *feed.Publisher
	builder  *activitypub.Builder
	sender   Sender
}

func New(g *graph.Engine, gc *groups.Controller, r *resolver.Resolver, n *notify.Emitter, f *feed.Publisher, b *activitypub.Builder, s Sender) *Service {
	return &Service{graph: g, groups: gc, resolver: r, notify: n, feed: f, builder: b, sender: s}
}

// pair loads the acting local user and the other party.
func (s *Service) pair(ctx context.Context, userID, otherID int64) (*domain.Actor, *domain.Actor, error) {
	if userID == otherID {
		return nil, nil, domain.NewError(domain.ReasonBadRequest, "user %d cannot act on itself", userID)
	}
	user, err := s.resolver.ActorByID(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	if !user.Local || user.IsGroup() {
		return nil, nil, domain.NewError(domain.ReasonBadRequest, "%d is not a local user", userID)
	}
	other, err := s.resolver.ActorByID(ctx, otherID)
	if err != nil {
		return nil, nil, err
	}
	return user, other, nil
}

func (s *Service) user(ctx context.Context, userID, otherID int64) (*domain.Actor, *domain.Actor, error) {
	user, other, err := s.pair(ctx, userID, otherID)
	if err != nil {
		return nil, nil, err
	}
	if other.IsGroup() {
		return nil, nil, domain.NewError(domain.ReasonBadRequest, "%d is a group", otherID)
	}
	return user, other, nil
}

func (s *Service) send(ctx context.Context, from, to *domain.Actor, activity *activitypub.Object) {
	if to.Local || s.sender == nil {
		return
	}
	if err := s.sender.DeliverToInboxes(ctx, from, []string{to.InboxURI}, activity); err != nil {
		log.Warnf("Failed to queue %s to %s: %v", activity.Type, to.InboxURI, err)
	}
}

func (s *Service) notifyLocal(ctx context.Context, owner *domain.Actor, typ domain.NotificationType, p notify.Payload) {
	if !owner.Local {
		return
	}
	key := fmt.Sprintf("%s:%d:%d:%s", typ, p.ActorID, owner.ID, uuid.NewString())
	if _, err := s.notify.Notify(ctx, owner.ID, key, typ, p); err != nil {
		log.Warnf("Notification %s for %d failed: %v", typ, owner.ID, err)
	}
}

func (s *Service) befriended(ctx context.Context, a, b *domain.Actor) {
	for _, pair := range [][2]*domain.Actor{{a, b}, {b, a}} {
		if !pair[0].Local {
			continue
		}
		if _, err := s.feed.PutEntry(ctx, pair[0].ID, domain.FeedAddFriend, pair[1].ID); err != nil {
			log.Warnf("Feed entry for %d failed: %v", pair[0].ID, err)
		}
	}
}

// SendRequest asks targetID for friendship. When the target already follows
// the user the two become friends at once and friends is true.
func (s *Service) SendRequest(ctx context.Context, userID, targetID int64, message string) (friends bool, err error) {
	user, target, err := s.user(ctx, userID, targetID)
	if err != nil {
		return false, err
	}
	friends, err = s.graph.SendFriendRequest(ctx, user.ID, target.ID, message, target.Local)
	if err != nil {
		return false, err
	}
	if friends {
		s.befriended(ctx, user, target)
		s.send(ctx, user, target, s.builder.Follow(user, target))
		return true, nil
	}
	s.notifyLocal(ctx, target, domain.NotifyFriendRequest, notify.Payload{ActorID: user.ID, Text: message})
	s.send(ctx, user, target, s.builder.FriendRequest(user, target, message))
	return false, nil
}

// AcceptRequest accepts the pending request requesterID sent to userID.
func (s *Service) AcceptRequest(ctx context.Context, userID, requesterID int64) error {
	user, requester, err := s.user(ctx, userID, requesterID)
	if err != nil {
		return err
	}
	if err := s.graph.AcceptFriendRequest(ctx, user.ID, requester.ID, requester.Local); err != nil {
		return err
	}
	s.befriended(ctx, user, requester)
	s.send(ctx, user, requester, s.builder.Follow(user, requester))
	return nil
}

// RejectRequest declines the request. The requester keeps following userID.
func (s *Service) RejectRequest(ctx context.Context, userID, requesterID int64) error {
	user, requester, err := s.user(ctx, userID, requesterID)
	if err != nil {
		return err
	}
	if err := s.graph.RejectFriendRequest(ctx, user.ID, requester.ID); err != nil {
		return err
	}
	s.send(ctx, user, requester, s.builder.RejectFriendRequest(user, requester))
	return nil
}

// Unfriend stops following targetID, withdrawing a pending request.
func (s *Service) Unfriend(ctx context.Context, userID, targetID int64) error {
	user, target, err := s.user(ctx, userID, targetID)
	if err != nil {
		return err
	}
	removed, err := s.graph.Unfriend(ctx, user.ID, target.ID)
	if err != nil {
		return err
	}
	if !removed {
		return domain.ErrAlreadyInState.Wrap(fmt.Errorf("%d does not follow %d", user.ID, target.ID))
	}
	s.send(ctx, user, target, s.builder.Undo(user, s.builder.Follow(user, target)))
	return nil
}

// Follow follows another user. Follows of foreign users stay unaccepted
// until the remote side sends Accept. Following back a user whose friend
// request is pending accepts that request.
func (s *Service) Follow(ctx context.Context, userID, targetID int64) error {
	user, target, err := s.user(ctx, userID, targetID)
	if err != nil {
		return err
	}
	var friends bool
	err = s.graph.Update(ctx, func(tx *graph.Tx) error {
		if err := tx.EnsureNotBlocked(target.ID, user.ID); err != nil {
			return err
		}
		pending, err := tx.FriendRequest(target.ID, user.ID)
		if err != nil {
			return err
		}
		friends = pending != nil
		_, err = tx.Follow(user.ID, target.ID, graph.FollowOptions{Accepted: target.Local, UpdateCounters: true})
		return err
	})
	if err != nil {
		return err
	}
	s.send(ctx, user, target, s.builder.Follow(user, target))
	if friends {
		s.befriended(ctx, user, target)
		return nil
	}
	s.notifyLocal(ctx, target, domain.NotifyFollow, notify.Payload{ActorID: user.ID})
	return nil
}

// JoinGroup joins groupID. Joining a foreign group sends Follow and stays
// pending until the group accepts.
func (s *Service) JoinGroup(ctx context.Context, userID, groupID int64) (domain.MembershipState, error) {
	user, group, err := s.pair(ctx, userID, groupID)
	if err != nil {
		return domain.MembershipNone, err
	}
	if !group.IsGroup() {
		return domain.MembershipNone, domain.NewError(domain.ReasonBadRequest, "%d is not a group", groupID)
	}
	state, err := s.groups.Join(ctx, group, user.ID)
	if err != nil {
		return state, err
	}
	if state == domain.MembershipMember && group.Access != domain.AccessPrivate {
		if _, err := s.feed.PutEntry(ctx, user.ID, feed.JoinEntryType(group), group.ID); err != nil {
			log.Warnf("Feed entry for %d failed: %v", user.ID, err)
		}
	}
	s.send(ctx, user, group, s.builder.Follow(user, group))
	return state, nil
}

// LeaveGroup drops the membership, request or invitation of userID.
func (s *Service) LeaveGroup(ctx context.Context, userID, groupID int64) error {
	user, group, err := s.pair(ctx, userID, groupID)
	if err != nil {
		return err
	}
	if err := s.groups.Leave(ctx, group.ID, user.ID); err != nil {
		return err
	}
	s.send(ctx, user, group, s.builder.Undo(user, s.builder.Follow(user, group)))
	return nil
}

func (s *Service) Block(ctx context.Context, userID, targetID int64) error {
	user, target, err := s.user(ctx, userID, targetID)
	if err != nil {
		return err
	}
	blocked, err := s.graph.Block(ctx, user.ID, target.ID)
	if err != nil {
		return err
	}
	if !blocked {
		return domain.ErrAlreadyInState.Wrap(fmt.Errorf("%d already blocks %d", user.ID, target.ID))
	}
	s.send(ctx, user, target, s.builder.Block(user, target))
	return nil
}

func (s *Service) Unblock(ctx context.Context, userID, targetID int64) error {
	user, target, err := s.user(ctx, userID, targetID)
	if err != nil {
		return err
	}
	removed, err := s.graph.Unblock(ctx, user.ID, target.ID)
	if err != nil {
		return err
	}
	if !removed {
		return domain.ErrAlreadyInState.Wrap(fmt.Errorf("%d does not block %d", user.ID, target.ID))
	}
	s.send(ctx, user, target, s.builder.Undo(user, s.builder.Block(user, target)))
	return nil
}

func (s *Service) Status(ctx context.Context, userID, targetID int64) (domain.FriendshipStatus, error) {
	return s.graph.Status(ctx, userID, targetID)
}
