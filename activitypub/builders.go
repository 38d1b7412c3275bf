package activitypub

import (
	"time"

	"github.com/deemkeen/fedgraph/domain"
)

// Builder creates outbound activities on behalf of local actors.
type Builder struct {
	uris *LocalURIs
}

func NewBuilder(uris *LocalURIs) *Builder {
	return &Builder{uris: uris}
}

func (b *Builder) activity(typ string, actor *domain.Actor) *Object {
	now := time.Now().UTC()
	return &Object{
		ID:        b.uris.NewActivityID(),
		Type:      typ,
		Actor:     LinkTo(b.uris.Actor(actor)),
		Published: &now,
	}
}

// Follow is a local user following a remote user, or joining a remote group.
func (b *Builder) Follow(actor, target *domain.Actor) *Object {
	a := b.activity("Follow", actor)
	a.Object = LinkTo(target.APID)
	a.To = Links{{ID: target.APID}}
	return a
}

// Accept acknowledges follow, which was sent by a remote actor to us.
func (b *Builder) Accept(actor *domain.Actor, follow *Object) *Object {
	a := b.activity("Accept", actor)
	a.Object = Embed(follow)
	if follow.Actor != nil {
		a.To = Links{{ID: follow.Actor.ID}}
	}
	return a
}

func (b *Builder) Reject(actor *domain.Actor, activity *Object) *Object {
	a := b.activity("Reject", actor)
	a.Object = Embed(activity)
	if activity.Actor != nil {
		a.To = Links{{ID: activity.Actor.ID}}
	}
	return a
}

// FriendRequest is an Offer{Follow} inviting target to follow actor: the
// nested Follow has target as its actor and actor as its object.
func (b *Builder) FriendRequest(actor, target *domain.Actor, message string) *Object {
	a := b.activity("Offer", actor)
	a.Object = Embed(&Object{Type: "Follow", Actor: LinkTo(target.APID), Object: LinkTo(b.uris.Actor(actor))})
	a.Content = message
	a.To = Links{{ID: target.APID}}
	return a
}

// RejectFriendRequest declines the friend request requester sent to actor.
func (b *Builder) RejectFriendRequest(actor, requester *domain.Actor) *Object {
	offer := &Object{
		Type:   "Offer",
		Actor:  LinkTo(requester.APID),
		Object: Embed(&Object{Type: "Follow", Actor: LinkTo(b.uris.Actor(actor)), Object: LinkTo(requester.APID)}),
	}
	return b.Reject(actor, offer)
}

func (b *Builder) Undo(actor *domain.Actor, activity *Object) *Object {
	a := b.activity("Undo", actor)
	a.Object = Embed(activity)
	a.To = activity.To
	return a
}

func (b *Builder) Block(actor, target *domain.Actor) *Object {
	a := b.activity("Block", actor)
	a.Object = LinkTo(target.APID)
	a.To = Links{{ID: target.APID}}
	return a
}

// JoinedGroup announces to member's followers that member joined group:
// Add{group} to the member's groups collection.
func (b *Builder) JoinedGroup(member, group *domain.Actor) *Object {
	a := b.activity("Add", member)
	a.Object = LinkTo(group.APID)
	a.Target = LinkTo(b.uris.Actor(member) + "/groups")
	a.To = Links{{ID: PublicCollection}}
	a.Cc = Links{{ID: b.uris.Actor(member) + "/followers"}}
	return a
}
