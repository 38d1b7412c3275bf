package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/deemkeen/fedgraph/activitypub"
	"github.com/deemkeen/fedgraph/domain"
	"github.com/deemkeen/fedgraph/feed"
	"github.com/deemkeen/fedgraph/graph"
	"github.com/deemkeen/fedgraph/notify"
	"github.com/deemkeen/fedgraph/resolver"
	"github.com/deemkeen/fedgraph/store"
)

func (d *Dispatcher) registerHandlers() {
	r := d.registry
	r.Register("Follow", "", domain.TypeUser, d.followUser)
	r.Register("Follow", "", domain.TypeGroup, d.followGroup)
	r.Register("Undo", "Follow", domain.TypeUser, d.undoFollowUser)
	r.Register("Undo", "Follow", domain.TypeGroup, d.undoFollowGroup)
	r.Register("Accept", "Follow", domain.TypeUser, d.acceptFollowUser)
	r.Register("Accept", "Follow", domain.TypeGroup, d.acceptFollowGroup)
	r.Register("Reject", "Follow", domain.TypeUser, d.rejectFollowUser)
	r.Register("Reject", "Follow", domain.TypeGroup, d.rejectFollowGroup)
	r.Register("Offer", "Follow", domain.TypeUser, d.offerFollowUser)
	r.Register("Reject", "Offer", domain.TypeAny, d.rejectOfferFollow)
	r.Register("Invite", "", domain.TypeGroup, d.inviteGroup)
	r.Register("Add", "", domain.TypePost, d.addPost)
	r.Register("Create", "", domain.TypePost, d.createPost)
	r.Register("Update", "", domain.TypeActor, d.updateActor)
	r.Register("Update", "", domain.TypePost, d.updatePost)
	r.Register("Delete", "", domain.TypePost, d.deletePost)
	r.Register("Delete", "", domain.TypeAny, d.deleteUnknown)
	r.Register("Block", "", domain.TypeUser, d.blockUser)
	r.Register("Undo", "Block", domain.TypeUser, d.unblockUser)
}

func dedupeKey(kind string, parts ...any) string {
	var b strings.Builder
	b.WriteString(kind)
	for _, p := range parts {
		fmt.Fprintf(&b, ":%v", p)
	}
	return b.String()
}

func kindName(k domain.ActorKind) string {
	if k == domain.KindGroup {
		return "group"
	}
	return "user"
}

func (d *Dispatcher) targetActor(ctx context.Context, a *Activity) (*domain.Actor, error) {
	if t, ok := a.Target.(*domain.Actor); ok {
		return t, nil
	}
	return d.Resolver.ResolveActor(ctx, a.TargetLink.URI(), resolver.Default)
}

func requireLocal(actor *domain.Actor, kind domain.ActorKind) (*domain.Actor, error) {
	if !actor.Local || actor.Kind != kind {
		return nil, domain.NewError(domain.ReasonBadRequest, "%s is not a local %s", actor.APID, kindName(kind))
	}
	return actor, nil
}

func (d *Dispatcher) localTarget(ctx context.Context, a *Activity, kind domain.ActorKind) (*domain.Actor, error) {
	t, err := d.targetActor(ctx, a)
	if err != nil {
		return nil, err
	}
	return requireLocal(t, kind)
}

func (d *Dispatcher) localActor(ctx context.Context, uri string, kind domain.ActorKind) (*domain.Actor, error) {
	if !d.URIs.IsLocal(uri) {
		return nil, domain.NewError(domain.ReasonBadRequest, "%s is not a local %s", uri, kindName(kind))
	}
	actor, err := d.Resolver.ResolveActor(ctx, uri, resolver.Stored)
	if err != nil {
		return nil, err
	}
	return requireLocal(actor, kind)
}

// ensureTargetIsSender guards Accept and Reject: only the followed actor may
// answer a follow.
func ensureTargetIsSender(a *Activity) error {
	if !strings.EqualFold(a.TargetLink.URI(), a.Actor.APID) {
		return domain.ErrAuthorizationDenied.Wrap(fmt.Errorf("%s cannot answer a follow of %s", a.Actor.APID, a.TargetLink.URI()))
	}
	return nil
}

func ensureUser(actor *domain.Actor) error {
	if actor.IsGroup() {
		return domain.NewError(domain.ReasonBadRequest, "%s is a group", actor.APID)
	}
	return nil
}

// Side effects run after the mutation committed. Their failures are logged
// and never change the outcome.

func (d *Dispatcher) notify(ctx context.Context, owner *domain.Actor, key string, typ domain.NotificationType, p notify.Payload) {
	if owner == nil || !owner.Local || d.Notify == nil {
		return
	}
	if _, err := d.Notify.Notify(ctx, owner.ID, key, typ, p); err != nil {
		log.Warnf("Inbox: notification %s failed: %v", key, err)
	}
}

func (d *Dispatcher) send(ctx context.Context, sender, recipient *domain.Actor, activity *activitypub.Object) {
	if d.Federate == nil {
		return
	}
	inbox := recipient.InboxURI
	if inbox == "" {
		inbox = recipient.DeliveryInbox()
	}
	if err := d.Federate.DeliverToInboxes(ctx, sender, []string{inbox}, activity); err != nil {
		log.Warnf("Inbox: failed to queue %s to %s: %v", activity.Type, inbox, err)
	}
}

func (d *Dispatcher) broadcast(ctx context.Context, sender *domain.Actor, activity *activitypub.Object) {
	if d.Federate == nil {
		return
	}
	if err := d.Federate.DeliverToFollowers(ctx, sender, activity); err != nil {
		log.Warnf("Inbox: failed to queue %s to followers of %s: %v", activity.Type, sender.APID, err)
	}
}

func (d *Dispatcher) putFeed(ctx context.Context, owner *domain.Actor, typ domain.FeedEntryType, objectID int64) {
	if owner == nil || !owner.Local || d.Feed == nil {
		return
	}
	if _, err := d.Feed.PutEntry(ctx, owner.ID, typ, objectID); err != nil {
		log.Warnf("Inbox: feed entry for %d failed: %v", owner.ID, err)
	}
}

// followUser handles a remote user following a local one. When the local
// user had asked the follower for friendship the follow accepts it.
func (d *Dispatcher) followUser(ctx context.Context, a *Activity) error {
	target, err := d.localTarget(ctx, a, domain.KindUser)
	if err != nil {
		return err
	}
	if err := ensureUser(a.Actor); err != nil {
		return err
	}
	var friends bool
	err = d.Graph.Update(ctx, func(tx *graph.Tx) error {
		if err := tx.EnsureNotBlocked(target.ID, a.Actor.ID); err != nil {
			return err
		}
		pending, err := tx.FriendRequest(target.ID, a.Actor.ID)
		if err != nil {
			return err
		}
		if pending != nil {
			friends = true
			return tx.AcceptFriendRequest(a.Actor.ID, target.ID, true)
		}
		_, err = tx.Follow(a.Actor.ID, target.ID, graph.FollowOptions{Accepted: true, UpdateCounters: true})
		return err
	})
	if err != nil {
		return err
	}

	d.send(ctx, target, a.Actor, d.Builder.Accept(target, a.AP))
	if friends {
		d.putFeed(ctx, target, domain.FeedAddFriend, a.Actor.ID)
		return nil
	}
	d.notify(ctx, target, dedupeKey("follow", a.Actor.ID, target.ID, a.AP.ID), domain.NotifyFollow, notify.Payload{ActorID: a.Actor.ID})
	return nil
}

// followGroup handles a remote user joining a local group.
func (d *Dispatcher) followGroup(ctx context.Context, a *Activity) error {
	group, err := d.localTarget(ctx, a, domain.KindGroup)
	if err != nil {
		return err
	}
	if err := ensureUser(a.Actor); err != nil {
		return err
	}
	state, err := d.Groups.Join(ctx, group, a.Actor.ID)
	if errors.Is(err, domain.ErrAuthorizationDenied) {
		d.send(ctx, group, a.Actor, d.Builder.Reject(group, a.AP))
		return err
	}
	if err != nil {
		return err
	}
	if state == domain.MembershipMember {
		d.send(ctx, group, a.Actor, d.Builder.Accept(group, a.AP))
	}
	return nil
}

func (d *Dispatcher) undoFollowUser(ctx context.Context, a *Activity) error {
	target, err := d.localTarget(ctx, a, domain.KindUser)
	if err != nil {
		return err
	}
	removed, err := d.Graph.Unfriend(ctx, a.Actor.ID, target.ID)
	if err != nil {
		return err
	}
	if !removed {
		return domain.ErrAlreadyInState.Wrap(fmt.Errorf("%s does not follow %d", a.Actor.APID, target.ID))
	}
	return nil
}

func (d *Dispatcher) undoFollowGroup(ctx context.Context, a *Activity) error {
	group, err := d.localTarget(ctx, a, domain.KindGroup)
	if err != nil {
		return err
	}
	return d.Groups.Leave(ctx, group.ID, a.Actor.ID)
}

// acceptFollowUser handles a remote user approving a local user's follow.
func (d *Dispatcher) acceptFollowUser(ctx context.Context, a *Activity) error {
	if err := ensureTargetIsSender(a); err != nil {
		return err
	}
	follower, err := d.localActor(ctx, a.Nested.Actor.URI(), domain.KindUser)
	if err != nil {
		return err
	}
	changed, err := d.Graph.SetFollowAccepted(ctx, follower.ID, a.Actor.ID, true)
	if err != nil {
		return err
	}
	if !changed {
		return domain.ErrAlreadyInState.Wrap(fmt.Errorf("follow of %s already accepted", a.Actor.APID))
	}
	return nil
}

// acceptFollowGroup handles a remote group approving a local user's join
// request.
func (d *Dispatcher) acceptFollowGroup(ctx context.Context, a *Activity) error {
	if err := ensureTargetIsSender(a); err != nil {
		return err
	}
	group := a.Actor
	follower, err := d.localActor(ctx, a.Nested.Actor.URI(), domain.KindUser)
	if err != nil {
		return err
	}
	if err := d.Groups.SetMemberAccepted(ctx, group.ID, follower.ID); err != nil {
		return err
	}

	if group.Access != domain.AccessOpen {
		d.notify(ctx, follower, dedupeKey("groupJoinAccept", group.ID, follower.ID, a.AP.ID),
			domain.NotifyGroupJoinAccept, notify.Payload{ActorID: group.ID, ObjectID: group.ID})
	}
	if group.Access != domain.AccessPrivate {
		d.broadcast(ctx, follower, d.Builder.JoinedGroup(follower, group))
		d.putFeed(ctx, follower, feed.JoinEntryType(group), group.ID)
	}
	d.syncFirstJoin(ctx, group)
	return nil
}

// syncFirstJoin refetches a foreign group once its first local member is
// accepted.
func (d *Dispatcher) syncFirstJoin(ctx context.Context, group *domain.Actor) {
	n, err := d.Groups.LocalMemberCount(ctx, group.ID)
	if err != nil {
		log.Warnf("Inbox: counting local members of %s: %v", group.APID, err)
		return
	}
	if n != 1 {
		return
	}
	if _, err := d.Resolver.ResolveActor(ctx, group.APID, resolver.Refresh); err != nil {
		log.Warnf("Inbox: refreshing %s after its first local member joined: %v", group.APID, err)
	}
}

func (d *Dispatcher) rejectFollowUser(ctx context.Context, a *Activity) error {
	if err := ensureTargetIsSender(a); err != nil {
		return err
	}
	follower, err := d.localActor(ctx, a.Nested.Actor.URI(), domain.KindUser)
	if err != nil {
		return err
	}
	removed, err := d.Graph.Unfriend(ctx, follower.ID, a.Actor.ID)
	if err != nil {
		return err
	}
	if !removed {
		return domain.ErrAlreadyInState.Wrap(fmt.Errorf("%d does not follow %s", follower.ID, a.Actor.APID))
	}
	return nil
}

func (d *Dispatcher) rejectFollowGroup(ctx context.Context, a *Activity) error {
	if err := ensureTargetIsSender(a); err != nil {
		return err
	}
	follower, err := d.localActor(ctx, a.Nested.Actor.URI(), domain.KindUser)
	if err != nil {
		return err
	}
	return d.Groups.Leave(ctx, a.Actor.ID, follower.ID)
}

// offerFollowUser handles a friend request: Offer{Follow} where the nested
// Follow has the local recipient as its actor and the sender as its object.
func (d *Dispatcher) offerFollowUser(ctx context.Context, a *Activity) error {
	if !strings.EqualFold(a.TargetLink.URI(), a.Actor.APID) {
		return domain.NewError(domain.ReasonBadRequest, "friend request must offer to follow its sender")
	}
	if err := ensureUser(a.Actor); err != nil {
		return err
	}
	user, err := d.localActor(ctx, a.Nested.Actor.URI(), domain.KindUser)
	if err != nil {
		return err
	}
	friends, err := d.Graph.SendFriendRequest(ctx, a.Actor.ID, user.ID, a.AP.Content, true)
	if err != nil {
		return err
	}
	if friends {
		d.putFeed(ctx, user, domain.FeedAddFriend, a.Actor.ID)
		return nil
	}
	d.notify(ctx, user, dedupeKey("friendReq", a.Actor.ID, user.ID, a.AP.ID), domain.NotifyFriendRequest,
		notify.Payload{ActorID: a.Actor.ID, Text: a.AP.Content})
	return nil
}

// rejectOfferFollow handles a remote user declining a local user's friend
// request. The local user keeps following.
func (d *Dispatcher) rejectOfferFollow(ctx context.Context, a *Activity) error {
	requester, err := d.localActor(ctx, a.Nested.Actor.URI(), domain.KindUser)
	if err != nil {
		return err
	}
	err = d.Graph.RejectFriendRequest(ctx, a.Actor.ID, requester.ID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.ErrAlreadyInState.Wrap(err)
	}
	return err
}

func (d *Dispatcher) inviteGroup(ctx context.Context, a *Activity) error {
	group, err := d.targetActor(ctx, a)
	if err != nil {
		return err
	}
	if !group.IsGroup() {
		return domain.NewError(domain.ReasonBadRequest, "%s is not a group", group.APID)
	}
	if err := ensureUser(a.Actor); err != nil {
		return err
	}
	to := a.AP.To.URIs()
	if len(to) != 1 {
		return domain.NewError(domain.ReasonBadRequest, "Invite.to must have exactly 1 element and it must be a user ID")
	}
	invitee, err := d.Resolver.ResolveActor(ctx, to[0], resolver.Default)
	if err != nil {
		return err
	}
	if err := ensureUser(invitee); err != nil {
		return err
	}
	if err := d.Groups.PutInvitation(ctx, group, a.Actor.ID, invitee.ID, a.AP.ID); err != nil {
		return err
	}
	d.notify(ctx, invitee, dedupeKey("groupInvite", group.ID, a.Actor.ID, invitee.ID, a.AP.ID), domain.NotifyGroupInvite,
		notify.Payload{ActorID: a.Actor.ID, ObjectID: group.ID})
	return nil
}

// addPost handles Add{Note}: a wall owner adding a post or a comment to
// their wall.
func (d *Dispatcher) addPost(ctx context.Context, a *Activity) error {
	note := a.TargetLink.Embedded
	if note == nil {
		return domain.NewError(domain.ReasonBadRequest, "Add must embed the note")
	}
	if d.URIs.IsLocal(note.ID) {
		return domain.ErrAlreadyInState.Wrap(fmt.Errorf("%s is local", note.ID))
	}
	collection := a.AP.Target.URI()
	if collection == "" {
		return domain.NewError(domain.ReasonBadRequest, "Add.target is required")
	}
	if !activitypub.IsWall(a.Actor, collection) {
		log.Warnf("Inbox: ignoring Add{Note} sent by %s because target collection %s is unknown or unsupported", a.Actor.APID, collection)
		return nil
	}
	post, err := d.Resolver.PostFromObject(ctx, note, resolver.Default)
	if err != nil {
		return err
	}
	if post.ParentID == 0 {
		post.OwnerID = a.Actor.ID
	} else if post.OwnerID != a.Actor.ID {
		return domain.NewError(domain.ReasonBadRequest, "reply must target the wall of the top-level post owner")
	}
	return d.storePost(ctx, post)
}

func (d *Dispatcher) createPost(ctx context.Context, a *Activity) error {
	note := a.TargetLink.Embedded
	if note == nil {
		return domain.NewError(domain.ReasonBadRequest, "Create must embed the note")
	}
	if d.URIs.IsLocal(note.ID) {
		return domain.ErrAlreadyInState.Wrap(fmt.Errorf("%s is local", note.ID))
	}
	if !strings.EqualFold(note.AttributedTo.URI(), a.Actor.APID) {
		return domain.ErrAuthorizationDenied.Wrap(fmt.Errorf("%s cannot create a post of %s", a.Actor.APID, note.AttributedTo.URI()))
	}
	post, err := d.Resolver.PostFromObject(ctx, note, resolver.Default)
	if err != nil {
		return err
	}
	return d.storePost(ctx, post)
}

func (d *Dispatcher) storePost(ctx context.Context, post *domain.Post) error {
	isNew, err := d.Resolver.StoreOrUpdateRemoteObject(ctx, post)
	if err != nil {
		return err
	}
	if isNew {
		d.afterNewPost(ctx, post)
	}
	return nil
}

// afterNewPost notifies the author of the replied-to post, or the owner of
// the wall a post landed on.
func (d *Dispatcher) afterNewPost(ctx context.Context, post *domain.Post) {
	if post.ParentID != 0 {
		var parent *domain.Post
		err := d.Store.InTx(ctx, func(tx store.Tx) error {
			var err error
			parent, err = tx.PostByID(post.ParentID)
			return err
		})
		if err != nil {
			log.Warnf("Inbox: parent of post %d: %v", post.ID, err)
			return
		}
		if parent.AuthorID == post.AuthorID {
			return
		}
		author, err := d.Resolver.ActorByID(ctx, parent.AuthorID)
		if err != nil {
			log.Warnf("Inbox: author of post %d: %v", parent.ID, err)
			return
		}
		d.notify(ctx, author, dedupeKey("reply", post.ID), domain.NotifyReply, notify.Payload{ActorID: post.AuthorID, ObjectID: post.ID})
		return
	}
	if post.OwnerID == post.AuthorID {
		return
	}
	owner, err := d.Resolver.ActorByID(ctx, post.OwnerID)
	if err != nil {
		log.Warnf("Inbox: owner of post %d: %v", post.ID, err)
		return
	}
	d.notify(ctx, owner, dedupeKey("wallPost", post.ID), domain.NotifyWallPost, notify.Payload{ActorID: post.AuthorID, ObjectID: post.ID})
	d.putFeed(ctx, owner, domain.FeedPost, post.ID)
}

// updateActor handles an actor announcing a change of its own profile.
func (d *Dispatcher) updateActor(ctx context.Context, a *Activity) error {
	if !strings.EqualFold(a.TargetLink.URI(), a.Actor.APID) {
		return domain.ErrAuthorizationDenied.Wrap(fmt.Errorf("%s cannot update %s", a.Actor.APID, a.TargetLink.URI()))
	}
	o := a.TargetLink.Embedded
	if o == nil {
		_, err := d.Resolver.Resolve(ctx, a.Actor.APID, domain.TypeActor, resolver.Refresh)
		return err
	}
	updated, err := resolver.ActorFromObject(o)
	if err != nil {
		return err
	}
	if updated.Kind != a.Actor.Kind {
		return domain.ErrWrongObjectType.Wrap(fmt.Errorf("%s changed its type", a.Actor.APID))
	}
	_, err = d.Resolver.StoreOrUpdateRemoteObject(ctx, updated)
	return err
}

// updatePost handles an edit of a known post. Unknown posts are ignored.
func (d *Dispatcher) updatePost(ctx context.Context, a *Activity) error {
	note := a.TargetLink.Embedded
	if note == nil {
		return domain.NewError(domain.ReasonBadRequest, "Update must embed the note")
	}
	if !strings.EqualFold(note.AttributedTo.URI(), a.Actor.APID) {
		return domain.ErrAuthorizationDenied.Wrap(fmt.Errorf("%s cannot edit a post of %s", a.Actor.APID, note.AttributedTo.URI()))
	}
	existing, err := d.Resolver.ResolvePost(ctx, note.ID, resolver.Stored)
	if isMissing(err) {
		return domain.ErrAlreadyInState.Wrap(fmt.Errorf("%s is not stored", note.ID))
	}
	if err != nil {
		return err
	}
	if existing.Local {
		return domain.ErrAuthorizationDenied.Wrap(fmt.Errorf("%s is local", note.ID))
	}
	edited := *existing
	edited.Content = note.Content
	_, err = d.Resolver.StoreOrUpdateRemoteObject(ctx, &edited)
	return err
}

func (d *Dispatcher) deletePost(ctx context.Context, a *Activity) error {
	post, ok := a.Target.(*domain.Post)
	if !ok {
		var err error
		post, err = d.Resolver.ResolvePost(ctx, a.TargetLink.URI(), resolver.Stored)
		if isMissing(err) {
			return domain.ErrAlreadyInState.Wrap(err)
		}
		if err != nil {
			return err
		}
	}
	if post.Local || (post.AuthorID != a.Actor.ID && post.OwnerID != a.Actor.ID) {
		return domain.ErrAuthorizationDenied.Wrap(fmt.Errorf("%s cannot delete %s", a.Actor.APID, post.APID))
	}
	deleted, err := d.Resolver.DeleteRemotePost(ctx, post)
	if err != nil {
		return err
	}
	if !deleted {
		return domain.ErrAlreadyInState.Wrap(fmt.Errorf("%s already deleted", post.APID))
	}
	return nil
}

// deleteUnknown makes a Delete of an object we never stored a no-op.
func (d *Dispatcher) deleteUnknown(ctx context.Context, a *Activity) error {
	if a.Target != nil {
		return domain.ErrUnsupportedActivity.Wrap(fmt.Errorf("cannot delete %s objects", a.Target.ObjectType()))
	}
	return domain.ErrAlreadyInState.Wrap(fmt.Errorf("%s is not stored", a.TargetLink.URI()))
}

func (d *Dispatcher) blockUser(ctx context.Context, a *Activity) error {
	target, err := d.localTarget(ctx, a, domain.KindUser)
	if err != nil {
		return err
	}
	blocked, err := d.Graph.Block(ctx, a.Actor.ID, target.ID)
	if err != nil {
		return err
	}
	if !blocked {
		return domain.ErrAlreadyInState.Wrap(fmt.Errorf("%s already blocks %d", a.Actor.APID, target.ID))
	}
	return nil
}

func (d *Dispatcher) unblockUser(ctx context.Context, a *Activity) error {
	target, err := d.localTarget(ctx, a, domain.KindUser)
	if err != nil {
		return err
	}
	removed, err := d.Graph.Unblock(ctx, a.Actor.ID, target.ID)
	if err != nil {
		return err
	}
	if !removed {
		return domain.ErrAlreadyInState.Wrap(fmt.Errorf("%s does not block %d", a.Actor.APID, target.ID))
	}
	return nil
}
