package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/deemkeen/fedgraph/activitypub"
	"github.com/deemkeen/fedgraph/cache"
	"github.com/deemkeen/fedgraph/db"
	"github.com/deemkeen/fedgraph/domain"
	"github.com/deemkeen/fedgraph/feed"
	"github.com/deemkeen/fedgraph/graph"
	"github.com/deemkeen/fedgraph/groups"
	"github.com/deemkeen/fedgraph/namedmutex"
	"github.com/deemkeen/fedgraph/notify"
	"github.com/deemkeen/fedgraph/obfuscate"
	"github.com/deemkeen/fedgraph/resolver"
	"github.com/deemkeen/fedgraph/store"
)

var ctx = context.Background()

type fakeFetcher struct {
	mu      sync.Mutex
	objects map[string]*activitypub.Object
	errs    map[string]error
}

func (f *fakeFetcher) set(o *activitypub.Object) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[o.ID] = o
}

func (f *fakeFetcher) fail(uri string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[uri] = err
}

func (f *fakeFetcher) Fetch(ctx context.Context, uri string) (*activitypub.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[uri]; ok {
		return nil, err
	}
	o, ok := f.objects[uri]
	if !ok {
		return nil, domain.ErrFetchNotFound.Wrap(errors.New(uri))
	}
	c := *o
	return &c, nil
}

type delivery struct {
	sender    *domain.Actor
	inboxes   []string
	activity  *activitypub.Object
	followers bool
}

type recordingFederator struct {
	mu   sync.Mutex
	sent []delivery
}

func (r *recordingFederator) DeliverToInboxes(ctx context.Context, sender *domain.Actor, inboxes []string, activity *activitypub.Object) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, delivery{sender: sender, inboxes: inboxes, activity: activity})
	return nil
}

func (r *recordingFederator) DeliverToFollowers(ctx context.Context, sender *domain.Actor, activity *activitypub.Object) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, delivery{sender: sender, activity: activity, followers: true})
	return nil
}

func (r *recordingFederator) ofType(typ string) []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []delivery
	for _, d := range r.sent {
		if d.activity.Type == typ {
			out = append(out, d)
		}
	}
	return out
}

type env struct {
	d     *Dispatcher
	db    *db.DB
	fetch *fakeFetcher
	fed   *recordingFederator
	uris  *activitypub.LocalURIs
	seq   int
}

func setupDispatcher(t *testing.T) *env {
	t.Helper()
	d, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	c, err := cache.New(1000)
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}
	t.Cleanup(c.Close)
	ids, err := obfuscate.New([]byte("dispatch-test-master-key"), domain.TypePost, domain.TypeComment)
	if err != nil {
		t.Fatalf("Failed to create obfuscator: %v", err)
	}
	uris, err := activitypub.NewLocalURIs("https://local.example", ids)
	if err != nil {
		t.Fatalf("Failed to create uris: %v", err)
	}

	f := &fakeFetcher{objects: map[string]*activitypub.Object{}, errs: map[string]error{}}
	fed := &recordingFederator{}
	locks := namedmutex.New()
	engine := graph.New(d, c)
	disp := New(Deps{
		Store:    d,
		Resolver: resolver.New(d, f, locks, c, uris),
		Graph:    engine,
		Groups:   groups.New(engine, locks),
		Notify:   notify.New(d, nil, nil),
		Feed:     feed.New(d, uris),
		Federate: fed,
		Builder:  activitypub.NewBuilder(uris),
		URIs:     uris,
	})
	return &env{d: disp, db: d, fetch: f, fed: fed, uris: uris}
}

// remote registers a remote actor with the fetcher and returns its uri.
func (e *env) remote(name, typ string) string {
	id := "https://remote.example/users/" + name
	if typ == "Group" {
		id = "https://remote.example/groups/" + name
	}
	e.fetch.set(&activitypub.Object{
		ID:                id,
		Type:              typ,
		PreferredUsername: name,
		Inbox:             id + "/inbox",
		Wall:              id + "/wall",
		WallComments:      id + "/wall/comments",
	})
	return id
}

func (e *env) remoteGroup(name string, access domain.GroupAccess) string {
	id := e.remote(name, "Group")
	e.fetch.mu.Lock()
	e.fetch.objects[id].AccessType = access.String()
	e.fetch.mu.Unlock()
	return id
}

func (e *env) resolve(t *testing.T, uri string) *domain.Actor {
	t.Helper()
	a, err := e.d.Resolver.ResolveActor(ctx, uri, resolver.Default)
	if err != nil {
		t.Fatalf("Failed to resolve %s: %v", uri, err)
	}
	return a
}

func (e *env) local(t *testing.T, a *domain.Actor) *domain.Actor {
	t.Helper()
	err := e.db.InTx(ctx, func(tx store.Tx) error {
		_, err := tx.InsertLocalActor(a)
		return err
	})
	if err != nil {
		t.Fatalf("Failed to insert %s: %v", a.Username, err)
	}
	return e.uris.Fill(a)
}

func (e *env) user(t *testing.T, name string) *domain.Actor {
	return e.local(t, &domain.Actor{Kind: domain.KindUser, Username: name})
}

func (e *env) row(t *testing.T, id int64) *domain.Actor {
	t.Helper()
	var a *domain.Actor
	err := e.db.InTx(ctx, func(tx store.Tx) (err error) {
		a, err = tx.ActorByID(id)
		return err
	})
	if err != nil {
		t.Fatalf("Failed to load actor %d: %v", id, err)
	}
	return a
}

func (e *env) activity(typ, actor string, object *activitypub.Link) *activitypub.Object {
	e.seq++
	return &activitypub.Object{
		ID:     fmt.Sprintf("%s/activities/%d", actor, e.seq),
		Type:   typ,
		Actor:  activitypub.LinkTo(actor),
		Object: object,
	}
}

func (e *env) process(act *activitypub.Object) Result {
	return e.d.Process(ctx, Inbound{Activity: act})
}

func (e *env) notifications(t *testing.T, owner int64) []domain.Notification {
	t.Helper()
	list, err := e.d.Notify.List(ctx, owner, 100)
	if err != nil {
		t.Fatalf("Failed to list notifications: %v", err)
	}
	return list
}

func expect(t *testing.T, res Result, outcome Outcome, reason domain.Reason) {
	t.Helper()
	if res.Outcome != outcome || res.Reason != reason {
		t.Fatalf("Expected %s/%q, got %s/%q (%v)", outcome, reason, res.Outcome, res.Reason, res.Err)
	}
}

func TestRegistryLookupWidens(t *testing.T) {
	r := NewRegistry()
	var hit string
	r.Register("Follow", "", domain.TypeActor, func(context.Context, *Activity) error { hit = "actor"; return nil })
	r.Register("Create", "", domain.TypePost, func(context.Context, *Activity) error { hit = "post"; return nil })
	r.Register("Delete", "", domain.TypeAny, func(context.Context, *Activity) error { hit = "any"; return nil })

	tests := []struct {
		key  Key
		want string
	}{
		{Key{Verb: "Follow", Object: domain.TypeGroup}, "actor"},
		{Key{Verb: "Create", Object: domain.TypeComment}, "post"},
		{Key{Verb: "Delete", Object: domain.TypeUser}, "any"},
	}
	for _, tt := range tests {
		h, ok := r.Lookup(tt.key)
		if !ok {
			t.Fatalf("No handler for %s", tt.key)
		}
		h(ctx, nil)
		if hit != tt.want {
			t.Errorf("%s dispatched to %q, expected %q", tt.key, hit, tt.want)
		}
	}
	if _, ok := r.Lookup(Key{Verb: "Follow", Nested: "Undo", Object: domain.TypeUser}); ok {
		t.Error("Nested verb must be part of the key")
	}

	defer func() {
		if recover() == nil {
			t.Error("Expected duplicate registration to panic")
		}
	}()
	r.Register("Follow", "", domain.TypeActor, func(context.Context, *Activity) error { return nil })
}

func TestKeyString(t *testing.T) {
	if got := (Key{Verb: "Accept", Nested: "Follow", Object: domain.TypeGroup}).String(); got != "Accept{Follow}(Group)" {
		t.Errorf("Unexpected key %q", got)
	}
	if got := (Key{Verb: "Delete"}).String(); got != "Delete(*)" {
		t.Errorf("Unexpected key %q", got)
	}
}

func TestUnsupportedActivity(t *testing.T) {
	e := setupDispatcher(t)
	alice := e.user(t, "alice")
	bob := e.remote("bob", "Person")

	res := e.process(e.activity("Like", bob, activitypub.LinkTo(alice.APID)))
	expect(t, res, Rejected, domain.ReasonUnsupportedActivity)
}

func TestMalformedActivity(t *testing.T) {
	e := setupDispatcher(t)
	res := e.process(&activitypub.Object{Type: "Follow"})
	expect(t, res, Rejected, domain.ReasonBadRequest)
	res = e.d.Process(ctx, Inbound{})
	expect(t, res, Rejected, domain.ReasonBadRequest)
}

func TestUnresolvableActor(t *testing.T) {
	e := setupDispatcher(t)
	alice := e.user(t, "alice")

	res := e.process(e.activity("Follow", "https://remote.example/users/ghost", activitypub.LinkTo(alice.APID)))
	expect(t, res, Rejected, domain.ReasonUnresolvableActor)

	slow := "https://slow.example/users/bob"
	e.fetch.fail(slow, domain.ErrFetchTimeout.Wrap(context.DeadlineExceeded))
	res = e.process(e.activity("Follow", slow, activitypub.LinkTo(alice.APID)))
	expect(t, res, Deferred, domain.ReasonFetchTimeout)
}

func TestActorMustMatchSender(t *testing.T) {
	e := setupDispatcher(t)
	alice := e.user(t, "alice")
	bob := e.resolve(t, e.remote("bob", "Person"))
	carol := e.remote("carol", "Person")

	res := e.d.Process(ctx, Inbound{Activity: e.activity("Follow", carol, activitypub.LinkTo(alice.APID)), Actor: bob})
	expect(t, res, Rejected, domain.ReasonAuthorizationDenied)

	shouted := strings.Replace(bob.APID, "remote.example", "REMOTE.example", 1)
	res = e.d.Process(ctx, Inbound{Activity: e.activity("Follow", shouted, activitypub.LinkTo(alice.APID)), Actor: bob})
	expect(t, res, Committed, "")
}

func TestFollowUserAcceptsOnce(t *testing.T) {
	e := setupDispatcher(t)
	alice := e.user(t, "alice")
	bob := e.remote("bob", "Person")

	follow := e.activity("Follow", bob, activitypub.LinkTo(alice.APID))
	expect(t, e.process(follow), Committed, "")

	replay := e.process(follow)
	if replay.Outcome != Committed || !replay.Replay {
		t.Fatalf("Expected a committed replay, got %+v", replay)
	}
	// a redelivery under a new id hits the existing edge
	expect(t, e.process(e.activity("Follow", bob, activitypub.LinkTo(alice.APID))), Committed, domain.ReasonAlreadyInState)

	accepts := e.fed.ofType("Accept")
	if len(accepts) != 1 {
		t.Fatalf("Expected one Accept, got %d", len(accepts))
	}
	if accepts[0].inboxes[0] != bob+"/inbox" || accepts[0].activity.Object.URI() != follow.ID {
		t.Errorf("Unexpected Accept %+v", accepts[0])
	}
	bobID := e.resolve(t, bob).ID
	status, err := e.d.Graph.Status(ctx, alice.ID, bobID)
	if err != nil || status != domain.StatusFollowedBy {
		t.Errorf("Expected FOLLOWED_BY, got %s (%v)", status, err)
	}
	if got := e.row(t, alice.ID).NumFollowers; got != 1 {
		t.Errorf("Expected 1 follower, got %d", got)
	}
	if n := len(e.notifications(t, alice.ID)); n != 1 {
		t.Errorf("Expected 1 notification, got %d", n)
	}
}

func TestFriendRequestAndAccept(t *testing.T) {
	e := setupDispatcher(t)
	alice := e.user(t, "alice")
	bob := e.remote("bob", "Person")

	offer := e.activity("Offer", bob, activitypub.Embed(&activitypub.Object{
		Type:   "Follow",
		Actor:  activitypub.LinkTo(alice.APID),
		Object: activitypub.LinkTo(bob),
	}))
	offer.Content = "hi alice"
	expect(t, e.process(offer), Committed, "")
	expect(t, e.process(offer), Committed, "")

	bobID := e.resolve(t, bob).ID
	requests, err := e.d.Graph.IncomingFriendRequests(ctx, alice.ID)
	if err != nil || len(requests) != 1 || requests[0].Message != "hi alice" {
		t.Fatalf("Expected one pending request, got %v (%v)", requests, err)
	}
	if got := e.row(t, alice.ID).NumPendingRequests; got != 1 {
		t.Errorf("Expected 1 pending request, got %d", got)
	}

	if err := e.d.Graph.AcceptFriendRequest(ctx, alice.ID, bobID, true); err != nil {
		t.Fatalf("AcceptFriendRequest failed: %v", err)
	}
	status, _ := e.d.Graph.Status(ctx, alice.ID, bobID)
	if status != domain.StatusFriends {
		t.Errorf("Expected FRIENDS, got %s", status)
	}
	row := e.row(t, alice.ID)
	if row.NumFriends != 1 || row.NumPendingRequests != 0 {
		t.Errorf("Expected 1 friend and no pending requests, got %d/%d", row.NumFriends, row.NumPendingRequests)
	}
	if n := len(e.notifications(t, alice.ID)); n != 1 {
		t.Errorf("Expected exactly one notification, got %d", n)
	}
}

func TestFollowCompletesPendingFriendRequest(t *testing.T) {
	e := setupDispatcher(t)
	alice := e.user(t, "alice")
	bob := e.remote("bob", "Person")
	bobActor := e.resolve(t, bob)
	if _, err := e.d.Graph.SendFriendRequest(ctx, alice.ID, bobActor.ID, "", false); err != nil {
		t.Fatalf("SendFriendRequest failed: %v", err)
	}

	expect(t, e.process(e.activity("Follow", bob, activitypub.LinkTo(alice.APID))), Committed, "")

	status, _ := e.d.Graph.Status(ctx, alice.ID, bobActor.ID)
	if status != domain.StatusFriends {
		t.Errorf("Expected FRIENDS, got %s", status)
	}
	entries, _ := e.d.Feed.Entries(ctx, alice.ID, 10)
	if len(entries) != 1 || entries[0].Type != domain.FeedAddFriend {
		t.Errorf("Expected an add_friend entry, got %v", entries)
	}
}

func TestBlockedFriendRequestIsDenied(t *testing.T) {
	e := setupDispatcher(t)
	alice := e.user(t, "alice")
	bob := e.remote("bob", "Person")
	bobID := e.resolve(t, bob).ID
	if _, err := e.d.Graph.Block(ctx, alice.ID, bobID); err != nil {
		t.Fatalf("Block failed: %v", err)
	}

	offer := e.activity("Offer", bob, activitypub.Embed(&activitypub.Object{
		Type: "Follow", Actor: activitypub.LinkTo(alice.APID), Object: activitypub.LinkTo(bob),
	}))
	expect(t, e.process(offer), Rejected, domain.ReasonAuthorizationDenied)

	status, _ := e.d.Graph.Status(ctx, bobID, alice.ID)
	if status != domain.StatusNone {
		t.Errorf("Expected no relationship, got %s", status)
	}
	requests, _ := e.d.Graph.IncomingFriendRequests(ctx, alice.ID)
	if len(requests) != 0 {
		t.Errorf("Expected no friend request, got %v", requests)
	}
	if n := len(e.notifications(t, alice.ID)); n != 0 {
		t.Errorf("Expected no notification, got %d", n)
	}
	// rejected activities are not recorded and may be retried
	if done, _ := e.d.processed(ctx, offer.ID); done {
		t.Error("Rejected activity must not be recorded")
	}
}

func TestRejectFriendRequest(t *testing.T) {
	e := setupDispatcher(t)
	alice := e.user(t, "alice")
	bob := e.remote("bob", "Person")
	bobActor := e.resolve(t, bob)
	if _, err := e.d.Graph.SendFriendRequest(ctx, alice.ID, bobActor.ID, "", true); err != nil {
		t.Fatalf("SendFriendRequest failed: %v", err)
	}

	reject := e.activity("Reject", bob, activitypub.Embed(&activitypub.Object{
		Type:  "Offer",
		Actor: activitypub.LinkTo(alice.APID),
		Object: activitypub.Embed(&activitypub.Object{
			Type: "Follow", Actor: activitypub.LinkTo(bob), Object: activitypub.LinkTo(alice.APID),
		}),
	}))
	expect(t, e.process(reject), Committed, "")

	status, _ := e.d.Graph.Status(ctx, alice.ID, bobActor.ID)
	if status != domain.StatusFollowing {
		t.Errorf("Expected alice to keep following, got %s", status)
	}
	requests, _ := e.d.Graph.IncomingFriendRequests(ctx, bobActor.ID)
	if len(requests) != 0 {
		t.Errorf("Expected the request to be gone, got %v", requests)
	}
}

func TestAcceptFollowGroup(t *testing.T) {
	tests := []struct {
		name          string
		access        domain.GroupAccess
		notifications int
		announced     int
	}{
		{"open", domain.AccessOpen, 0, 1},
		{"closed", domain.AccessClosed, 1, 1},
		{"private", domain.AccessPrivate, 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := setupDispatcher(t)
			alice := e.user(t, "alice")
			groupURI := e.remoteGroup("club", tt.access)
			group := e.resolve(t, groupURI)
			if _, err := e.d.Groups.Join(ctx, group, alice.ID); err != nil {
				t.Fatalf("Join failed: %v", err)
			}

			accept := func() *activitypub.Object {
				return e.activity("Accept", groupURI, activitypub.Embed(&activitypub.Object{
					ID:     alice.APID + "/follows/1",
					Type:   "Follow",
					Actor:  activitypub.LinkTo(alice.APID),
					Object: activitypub.LinkTo(groupURI),
				}))
			}
			first := accept()
			expect(t, e.process(first), Committed, "")
			if r := e.process(first); !r.Replay {
				t.Errorf("Expected replay of the same id, got %+v", r)
			}
			expect(t, e.process(accept()), Committed, domain.ReasonAlreadyInState)

			state, err := e.d.Groups.MembershipState(ctx, group.ID, alice.ID)
			if err != nil || state != domain.MembershipMember {
				t.Errorf("Expected MEMBER, got %s (%v)", state, err)
			}
			if n := len(e.notifications(t, alice.ID)); n != tt.notifications {
				t.Errorf("Expected %d notifications, got %d", tt.notifications, n)
			}
			if n := len(e.fed.ofType("Add")); n != tt.announced {
				t.Errorf("Expected %d announcements, got %d", tt.announced, n)
			}
			entries, _ := e.d.Feed.Entries(ctx, alice.ID, 10)
			if len(entries) != tt.announced {
				t.Errorf("Expected %d feed entries, got %d", tt.announced, len(entries))
			}
		})
	}
}

func TestFirstLocalMemberRefreshesGroup(t *testing.T) {
	e := setupDispatcher(t)
	alice := e.user(t, "alice")
	bob := e.user(t, "bob")
	groupURI := e.remoteGroup("club", domain.AccessOpen)
	group := e.resolve(t, groupURI)

	rename := func(name string) {
		e.fetch.mu.Lock()
		e.fetch.objects[groupURI].Name = name
		e.fetch.mu.Unlock()
	}
	accept := func(member *domain.Actor) {
		t.Helper()
		if _, err := e.d.Groups.Join(ctx, group, member.ID); err != nil {
			t.Fatalf("Join failed: %v", err)
		}
		expect(t, e.process(e.activity("Accept", groupURI, activitypub.Embed(&activitypub.Object{
			ID:     member.APID + "/follows/1",
			Type:   "Follow",
			Actor:  activitypub.LinkTo(member.APID),
			Object: activitypub.LinkTo(groupURI),
		}))), Committed, "")
	}

	rename("Chess Club")
	accept(alice)
	if got := e.row(t, group.ID).DisplayName; got != "Chess Club" {
		t.Errorf("Expected the group to be refetched on its first local member, got %q", got)
	}

	rename("Checkers Club")
	accept(bob)
	if got := e.row(t, group.ID).DisplayName; got != "Chess Club" {
		t.Errorf("Later members must not refetch the group, got %q", got)
	}
}

func TestAcceptFromOtherActorIsDenied(t *testing.T) {
	e := setupDispatcher(t)
	alice := e.user(t, "alice")
	groupURI := e.remoteGroup("club", domain.AccessClosed)
	group := e.resolve(t, groupURI)
	mallory := e.remote("mallory", "Person")
	if _, err := e.d.Groups.Join(ctx, group, alice.ID); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	forged := e.activity("Accept", mallory, activitypub.Embed(&activitypub.Object{
		Type: "Follow", Actor: activitypub.LinkTo(alice.APID), Object: activitypub.LinkTo(groupURI),
	}))
	expect(t, e.process(forged), Rejected, domain.ReasonAuthorizationDenied)
	if state, _ := e.d.Groups.MembershipState(ctx, group.ID, alice.ID); state != domain.MembershipRequested {
		t.Errorf("Expected REQUESTED, got %s", state)
	}
}

func TestFollowLocalGroup(t *testing.T) {
	e := setupDispatcher(t)
	bob := e.remote("bob", "Person")
	open := e.local(t, &domain.Actor{Kind: domain.KindGroup, Username: "open", Access: domain.AccessOpen})
	closed := e.local(t, &domain.Actor{Kind: domain.KindGroup, Username: "closed", Access: domain.AccessClosed})
	private := e.local(t, &domain.Actor{Kind: domain.KindGroup, Username: "private", Access: domain.AccessPrivate})

	expect(t, e.process(e.activity("Follow", bob, activitypub.LinkTo(open.APID))), Committed, "")
	expect(t, e.process(e.activity("Follow", bob, activitypub.LinkTo(closed.APID))), Committed, "")
	expect(t, e.process(e.activity("Follow", bob, activitypub.LinkTo(private.APID))), Rejected, domain.ReasonAuthorizationDenied)

	bobID := e.resolve(t, bob).ID
	for _, c := range []struct {
		group *domain.Actor
		want  domain.MembershipState
	}{
		{open, domain.MembershipMember},
		{closed, domain.MembershipRequested},
		{private, domain.MembershipNone},
	} {
		if state, _ := e.d.Groups.MembershipState(ctx, c.group.ID, bobID); state != c.want {
			t.Errorf("%s: expected %s, got %s", c.group.Username, c.want, state)
		}
	}
	if n := len(e.fed.ofType("Accept")); n != 1 {
		t.Errorf("Expected one Accept, got %d", n)
	}
	rejects := e.fed.ofType("Reject")
	if len(rejects) != 1 || rejects[0].sender.ID != private.ID {
		t.Errorf("Expected one Reject from the private group, got %v", rejects)
	}

	undo := e.activity("Undo", bob, activitypub.Embed(&activitypub.Object{
		Type: "Follow", Actor: activitypub.LinkTo(bob), Object: activitypub.LinkTo(open.APID),
	}))
	expect(t, e.process(undo), Committed, "")
	if state, _ := e.d.Groups.MembershipState(ctx, open.ID, bobID); state != domain.MembershipNone {
		t.Errorf("Expected NONE after undo, got %s", state)
	}
}

func TestUndoOfOtherActorIsDenied(t *testing.T) {
	e := setupDispatcher(t)
	alice := e.user(t, "alice")
	bob := e.remote("bob", "Person")
	carol := e.remote("carol", "Person")
	expect(t, e.process(e.activity("Follow", carol, activitypub.LinkTo(alice.APID))), Committed, "")

	undo := e.activity("Undo", bob, activitypub.Embed(&activitypub.Object{
		Type: "Follow", Actor: activitypub.LinkTo(carol), Object: activitypub.LinkTo(alice.APID),
	}))
	expect(t, e.process(undo), Rejected, domain.ReasonAuthorizationDenied)
	if got := e.row(t, alice.ID).NumFollowers; got != 1 {
		t.Errorf("Expected the follow to survive, got %d followers", got)
	}
}

func TestInviteToGroup(t *testing.T) {
	e := setupDispatcher(t)
	alice := e.user(t, "alice")
	bob := e.remote("bob", "Person")
	groupURI := e.remoteGroup("club", domain.AccessClosed)

	invite := e.activity("Invite", bob, activitypub.LinkTo(groupURI))
	invite.To = activitypub.Links{{ID: alice.APID}}
	expect(t, e.process(invite), Committed, "")

	group := e.resolve(t, groupURI)
	if state, _ := e.d.Groups.MembershipState(ctx, group.ID, alice.ID); state != domain.MembershipInvited {
		t.Errorf("Expected INVITED, got %s", state)
	}
	list := e.notifications(t, alice.ID)
	if len(list) != 1 || list[0].Type != domain.NotifyGroupInvite {
		t.Errorf("Expected one invite notification, got %v", list)
	}

	again := e.activity("Invite", bob, activitypub.LinkTo(groupURI))
	again.To = activitypub.Links{{ID: alice.APID}}
	expect(t, e.process(again), Committed, domain.ReasonAlreadyInState)

	noRecipient := e.activity("Invite", bob, activitypub.LinkTo(groupURI))
	expect(t, e.process(noRecipient), Rejected, domain.ReasonBadRequest)
}

func (e *env) localPost(t *testing.T, author *domain.Actor) (*domain.Post, string) {
	t.Helper()
	p := &domain.Post{AuthorID: author.ID, OwnerID: author.ID, Content: "local post", Local: true}
	err := e.db.InTx(ctx, func(tx store.Tx) error {
		_, err := tx.InsertPost(p)
		return err
	})
	if err != nil {
		t.Fatalf("Failed to insert post: %v", err)
	}
	uri, err := e.uris.Post(p)
	if err != nil {
		t.Fatalf("Failed to build post uri: %v", err)
	}
	return p, uri
}

func TestCreateReplyNotifiesOnce(t *testing.T) {
	e := setupDispatcher(t)
	alice := e.user(t, "alice")
	_, postURI := e.localPost(t, alice)
	bob := e.remote("bob", "Person")

	note := &activitypub.Object{
		ID:           "https://remote.example/notes/1",
		Type:         "Note",
		AttributedTo: activitypub.LinkTo(bob),
		InReplyTo:    activitypub.LinkTo(postURI),
		Content:      "nice",
	}
	expect(t, e.process(e.activity("Create", bob, activitypub.Embed(note))), Committed, "")
	expect(t, e.process(e.activity("Create", bob, activitypub.Embed(note))), Committed, "")

	list := e.notifications(t, alice.ID)
	if len(list) != 1 || list[0].Type != domain.NotifyReply {
		t.Fatalf("Expected exactly one reply notification, got %v", list)
	}
	reply, err := e.d.Resolver.ResolvePost(ctx, note.ID, resolver.Stored)
	if err != nil {
		t.Fatalf("Reply not stored: %v", err)
	}
	if reply.OwnerID != alice.ID || reply.ParentID == 0 {
		t.Errorf("Expected a comment on alice's wall, got %+v", reply)
	}
}

func TestCreateForOtherAuthorIsDenied(t *testing.T) {
	e := setupDispatcher(t)
	bob := e.remote("bob", "Person")
	carol := e.remote("carol", "Person")

	note := &activitypub.Object{ID: "https://remote.example/notes/2", Type: "Note", AttributedTo: activitypub.LinkTo(carol)}
	expect(t, e.process(e.activity("Create", bob, activitypub.Embed(note))), Rejected, domain.ReasonAuthorizationDenied)

	linked := e.activity("Create", bob, activitypub.LinkTo(note.ID))
	expect(t, e.process(linked), Rejected, domain.ReasonBadRequest)
}

func TestAddToWall(t *testing.T) {
	e := setupDispatcher(t)
	bob := e.remote("bob", "Person")
	carol := e.remote("carol", "Person")
	bobActor := e.resolve(t, bob)

	note := &activitypub.Object{
		ID:           "https://remote.example/notes/3",
		Type:         "Note",
		AttributedTo: activitypub.LinkTo(carol),
		Content:      "on your wall",
	}
	add := e.activity("Add", bob, activitypub.Embed(note))
	add.Target = activitypub.LinkTo(bobActor.WallURI)
	expect(t, e.process(add), Committed, "")

	post, err := e.d.Resolver.ResolvePost(ctx, note.ID, resolver.Stored)
	if err != nil {
		t.Fatalf("Post not stored: %v", err)
	}
	if post.OwnerID != bobActor.ID {
		t.Errorf("Expected the post on bob's wall, got owner %d", post.OwnerID)
	}

	other := &activitypub.Object{ID: "https://remote.example/notes/4", Type: "Note", AttributedTo: activitypub.LinkTo(carol)}
	ignored := e.activity("Add", bob, activitypub.Embed(other))
	ignored.Target = activitypub.LinkTo(bob + "/featured")
	expect(t, e.process(ignored), Committed, "")
	if _, err := e.d.Resolver.ResolvePost(ctx, other.ID, resolver.Stored); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected the post outside the wall to be ignored, got %v", err)
	}

	untargeted := e.activity("Add", bob, activitypub.Embed(other))
	expect(t, e.process(untargeted), Rejected, domain.ReasonBadRequest)
}

func TestDelete(t *testing.T) {
	e := setupDispatcher(t)
	bob := e.remote("bob", "Person")
	carol := e.remote("carol", "Person")

	unknown := e.activity("Delete", bob, activitypub.LinkTo("https://remote.example/notes/404"))
	expect(t, e.process(unknown), Committed, domain.ReasonAlreadyInState)

	note := &activitypub.Object{ID: "https://remote.example/notes/5", Type: "Note", AttributedTo: activitypub.LinkTo(bob)}
	expect(t, e.process(e.activity("Create", bob, activitypub.Embed(note))), Committed, "")

	expect(t, e.process(e.activity("Delete", carol, activitypub.LinkTo(note.ID))), Rejected, domain.ReasonAuthorizationDenied)
	expect(t, e.process(e.activity("Delete", bob, activitypub.LinkTo(note.ID))), Committed, "")
	if _, err := e.d.Resolver.ResolvePost(ctx, note.ID, resolver.Stored); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected the post to be gone, got %v", err)
	}

	expect(t, e.process(e.activity("Delete", bob, activitypub.LinkTo(carol))), Rejected, domain.ReasonUnsupportedActivity)
}

func TestUpdateActor(t *testing.T) {
	e := setupDispatcher(t)
	bob := e.remote("bob", "Person")
	e.resolve(t, bob)

	profile := &activitypub.Object{ID: bob, Type: "Person", PreferredUsername: "bob", Name: "Bobby", Inbox: bob + "/inbox"}
	expect(t, e.process(e.activity("Update", bob, activitypub.Embed(profile))), Committed, "")
	if got := e.resolve(t, bob).DisplayName; got != "Bobby" {
		t.Errorf("Expected the new display name, got %q", got)
	}

	carol := e.remote("carol", "Person")
	forged := &activitypub.Object{ID: bob, Type: "Person", PreferredUsername: "bob", Name: "pwned", Inbox: bob + "/inbox"}
	expect(t, e.process(e.activity("Update", carol, activitypub.Embed(forged))), Rejected, domain.ReasonAuthorizationDenied)
}

func TestBlockAndUnblock(t *testing.T) {
	e := setupDispatcher(t)
	alice := e.user(t, "alice")
	bob := e.remote("bob", "Person")
	expect(t, e.process(e.activity("Follow", bob, activitypub.LinkTo(alice.APID))), Committed, "")

	block := e.activity("Block", bob, activitypub.LinkTo(alice.APID))
	expect(t, e.process(block), Committed, "")
	bobID := e.resolve(t, bob).ID
	if blocked, _ := e.d.Graph.IsBlocked(ctx, bobID, alice.ID); !blocked {
		t.Error("Expected the block to be stored")
	}
	if got := e.row(t, alice.ID).NumFollowers; got != 0 {
		t.Errorf("Expected the follow to be removed, got %d followers", got)
	}

	undo := e.activity("Undo", bob, activitypub.Embed(block))
	expect(t, e.process(undo), Committed, "")
	if blocked, _ := e.d.Graph.IsBlocked(ctx, bobID, alice.ID); blocked {
		t.Error("Expected the block to be removed")
	}
}

func TestProcessBatch(t *testing.T) {
	e := setupDispatcher(t)
	alice := e.user(t, "alice")

	const n = 8
	batch := make([]Inbound, 0, n+1)
	for i := 0; i < n; i++ {
		actor := e.remote(fmt.Sprintf("user%d", i), "Person")
		batch = append(batch, Inbound{Activity: e.activity("Follow", actor, activitypub.LinkTo(alice.APID))})
	}
	batch = append(batch, Inbound{Activity: e.activity("Like", e.remote("eve", "Person"), activitypub.LinkTo(alice.APID))})

	results := e.d.ProcessBatch(ctx, batch, 4)
	for i := 0; i < n; i++ {
		if results[i].Outcome != Committed {
			t.Errorf("Activity %d: expected committed, got %s (%v)", i, results[i].Outcome, results[i].Err)
		}
	}
	if results[n].Reason != domain.ReasonUnsupportedActivity {
		t.Errorf("Expected the Like to be unsupported, got %+v", results[n])
	}
	if got := e.row(t, alice.ID).NumFollowers; got != n {
		t.Errorf("Expected %d followers, got %d", n, got)
	}
}
