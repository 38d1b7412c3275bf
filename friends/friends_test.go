package friends

import (
	"context"
	"errors"
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

type noFetch struct{}

func (noFetch) Fetch(ctx context.Context, uri string) (*activitypub.Object, error) {
	return nil, domain.ErrFetchNotFound.Wrap(errors.New(uri))
}

type queued struct {
	inbox    string
	activity *activitypub.Object
}

type recordingSender struct {
	mu   sync.Mutex
	sent []queued
}

func (r *recordingSender) DeliverToInboxes(ctx context.Context, sender *domain.Actor, inboxes []string, activity *activitypub.Object) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, inbox := range inboxes {
		r.sent = append(r.sent, queued{inbox: inbox, activity: activity})
	}
	return nil
}

type fixture struct {
	svc    *Service
	db     *db.DB
	notify *notify.Emitter
	feed   *feed.Publisher
	sender *recordingSender
}

func setupService(t *testing.T) *fixture {
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
	ids, err := obfuscate.New([]byte("friends-test-master-key!"), domain.TypePost, domain.TypeComment)
	if err != nil {
		t.Fatalf("Failed to create obfuscator: %v", err)
	}
	uris, err := activitypub.NewLocalURIs("https://local.example", ids)
	if err != nil {
		t.Fatalf("Failed to create uris: %v", err)
	}
	locks := namedmutex.New()
	engine := graph.New(d, c)
	n := notify.New(d, nil, nil)
	f := feed.New(d, uris)
	sender := &recordingSender{}
	svc := New(engine, groups.New(engine, locks), resolver.New(d, noFetch{}, locks, c, uris), n, f, activitypub.NewBuilder(uris), sender)
	return &fixture{svc: svc, db: d, notify: n, feed: f, sender: sender}
}

func (f *fixture) insert(t *testing.T, a *domain.Actor) int64 {
	t.Helper()
	err := f.db.InTx(ctx, func(tx store.Tx) error {
		if a.APID == "" {
			_, err := tx.InsertLocalActor(a)
			return err
		}
		_, err := tx.UpsertForeignActor(a)
		return err
	})
	if err != nil {
		t.Fatalf("Failed to insert %s: %v", a.Username, err)
	}
	return a.ID
}

func (f *fixture) local(t *testing.T, name string) int64 {
	return f.insert(t, &domain.Actor{Kind: domain.KindUser, Username: name})
}

func (f *fixture) foreign(t *testing.T, name string) int64 {
	uri := "https://remote.example/users/" + name
	return f.insert(t, &domain.Actor{
		Kind: domain.KindUser, APID: uri, Username: name, Domain: "remote.example", InboxURI: uri + "/inbox",
	})
}

func (f *fixture) actor(t *testing.T, id int64) *domain.Actor {
	t.Helper()
	var a *domain.Actor
	err := f.db.InTx(ctx, func(tx store.Tx) (err error) {
		a, err = tx.ActorByID(id)
		return err
	})
	if err != nil {
		t.Fatalf("Failed to load actor %d: %v", id, err)
	}
	return a
}

func (f *fixture) edge(t *testing.T, from, to int64) *domain.FollowEdge {
	t.Helper()
	var e *domain.FollowEdge
	err := f.db.InTx(ctx, func(tx store.Tx) (err error) {
		e, err = tx.Edge(from, to)
		return err
	})
	if err != nil {
		t.Fatalf("Failed to load edge: %v", err)
	}
	return e
}

func (f *fixture) notificationCount(t *testing.T, ids ...int64) int {
	t.Helper()
	total := 0
	for _, id := range ids {
		list, err := f.notify.List(ctx, id, 100)
		if err != nil {
			t.Fatalf("Failed to list notifications: %v", err)
		}
		total += len(list)
	}
	return total
}

func TestFriendRequestScenario(t *testing.T) {
	f := setupService(t)
	u1 := f.local(t, "user1")
	u2 := f.local(t, "user2")

	friends, err := f.svc.SendRequest(ctx, u1, u2, "hi")
	if err != nil || friends {
		t.Fatalf("SendRequest = %v, %v", friends, err)
	}
	if got := f.actor(t, u2).NumPendingRequests; got != 1 {
		t.Fatalf("Expected 1 pending request, got %d", got)
	}

	if err := f.svc.AcceptRequest(ctx, u2, u1); err != nil {
		t.Fatalf("AcceptRequest failed: %v", err)
	}
	for _, pair := range [][2]int64{{u1, u2}, {u2, u1}} {
		e := f.edge(t, pair[0], pair[1])
		if e == nil || !e.Mutual {
			t.Errorf("Expected mutual edge %d->%d, got %+v", pair[0], pair[1], e)
		}
	}
	requests, _ := f.svc.graph.IncomingFriendRequests(ctx, u2)
	if len(requests) != 0 {
		t.Errorf("Expected the request to be gone, got %v", requests)
	}
	for _, id := range []int64{u1, u2} {
		a := f.actor(t, id)
		if a.NumFriends != 1 {
			t.Errorf("Expected user %d to have 1 friend, got %d", id, a.NumFriends)
		}
		entries, _ := f.feed.Entries(ctx, id, 10)
		if len(entries) != 1 || entries[0].Type != domain.FeedAddFriend {
			t.Errorf("Expected an add_friend entry for %d, got %v", id, entries)
		}
	}
	if got := f.actor(t, u2).NumPendingRequests; got != 0 {
		t.Errorf("Expected no pending requests, got %d", got)
	}
	if n := f.notificationCount(t, u1, u2); n != 1 {
		t.Errorf("Expected exactly one notification, got %d", n)
	}
	if len(f.sender.sent) != 0 {
		t.Errorf("Local actions must not be federated, got %d", len(f.sender.sent))
	}
}

func TestAcceptWithoutRequestFails(t *testing.T) {
	f := setupService(t)
	u1 := f.local(t, "user1")
	u2 := f.local(t, "user2")
	if err := f.svc.Follow(ctx, u1, u2); err != nil {
		t.Fatalf("Follow failed: %v", err)
	}

	err := f.svc.AcceptRequest(ctx, u2, u1)
	if domain.ReasonOf(err) != domain.ReasonNotFound {
		t.Fatalf("Expected not_found, got %v", err)
	}
	if e := f.edge(t, u2, u1); e != nil {
		t.Errorf("Expected no edge after failed accept, got %+v", e)
	}
	if e := f.edge(t, u1, u2); e == nil || e.Mutual {
		t.Errorf("Expected the follow to stay one-sided, got %+v", e)
	}
	if got := f.actor(t, u2).NumFriends; got != 0 {
		t.Errorf("Expected no friends, got %d", got)
	}
}

func TestMutualFollowsMakeFriends(t *testing.T) {
	f := setupService(t)
	a := f.local(t, "a")
	b := f.local(t, "b")
	if err := f.svc.Follow(ctx, a, b); err != nil {
		t.Fatalf("Follow failed: %v", err)
	}
	if err := f.svc.Follow(ctx, b, a); err != nil {
		t.Fatalf("Follow back failed: %v", err)
	}
	if !f.edge(t, a, b).Mutual || !f.edge(t, b, a).Mutual {
		t.Error("Expected both edges to be mutual")
	}
	for _, id := range []int64{a, b} {
		if got := f.actor(t, id).NumFriends; got != 1 {
			t.Errorf("Expected 1 friend for %d, got %d", id, got)
		}
	}
	if err := f.svc.Follow(ctx, a, b); !errors.Is(err, domain.ErrAlreadyInState) {
		t.Errorf("Expected already_in_state on repeated follow, got %v", err)
	}
}

func TestFollowBackAcceptsRequest(t *testing.T) {
	f := setupService(t)
	alice := f.local(t, "alice")
	bob := f.local(t, "bob")

	if _, err := f.svc.SendRequest(ctx, alice, bob, "hi"); err != nil {
		t.Fatalf("SendRequest failed: %v", err)
	}
	if err := f.svc.Follow(ctx, bob, alice); err != nil {
		t.Fatalf("Follow back failed: %v", err)
	}

	requests, err := f.svc.graph.IncomingFriendRequests(ctx, bob)
	if err != nil || len(requests) != 0 {
		t.Errorf("Expected the request to be consumed, got %v %v", requests, err)
	}
	if got := f.actor(t, bob).NumPendingRequests; got != 0 {
		t.Errorf("Expected no pending requests, got %d", got)
	}
	for _, id := range []int64{alice, bob} {
		if got := f.actor(t, id).NumFriends; got != 1 {
			t.Errorf("Expected 1 friend for %d, got %d", id, got)
		}
		entries, _ := f.feed.Entries(ctx, id, 10)
		if len(entries) != 1 || entries[0].Type != domain.FeedAddFriend {
			t.Errorf("Expected an add_friend entry for %d, got %v", id, entries)
		}
	}
	// only the friend request itself notified
	if n := f.notificationCount(t, alice, bob); n != 1 {
		t.Errorf("Expected exactly one notification, got %d", n)
	}
}

func TestForeignTargetIsFederated(t *testing.T) {
	f := setupService(t)
	alice := f.local(t, "alice")
	carol := f.foreign(t, "carol")

	if _, err := f.svc.SendRequest(ctx, alice, carol, "hello"); err != nil {
		t.Fatalf("SendRequest failed: %v", err)
	}
	status, _ := f.svc.Status(ctx, alice, carol)
	if status != domain.StatusRequestSent {
		t.Errorf("Expected REQUEST_SENT, got %s", status)
	}
	if e := f.edge(t, alice, carol); e == nil || e.Accepted {
		t.Errorf("Expected an unaccepted edge to the foreign user, got %+v", e)
	}

	if err := f.svc.Unfriend(ctx, alice, carol); err != nil {
		t.Fatalf("Unfriend failed: %v", err)
	}
	if status, _ := f.svc.Status(ctx, alice, carol); status != domain.StatusNone {
		t.Errorf("Expected NONE, got %s", status)
	}
	if err := f.svc.Unfriend(ctx, alice, carol); !errors.Is(err, domain.ErrAlreadyInState) {
		t.Errorf("Expected already_in_state, got %v", err)
	}

	if len(f.sender.sent) != 2 {
		t.Fatalf("Expected 2 queued activities, got %d", len(f.sender.sent))
	}
	offer, undo := f.sender.sent[0], f.sender.sent[1]
	if offer.activity.Type != "Offer" || offer.inbox != "https://remote.example/users/carol/inbox" {
		t.Errorf("Unexpected first activity %s to %s", offer.activity.Type, offer.inbox)
	}
	if offer.activity.Content != "hello" || offer.activity.Nested() == nil {
		t.Errorf("Expected an Offer{Follow} carrying the message, got %+v", offer.activity)
	}
	if undo.activity.Type != "Undo" || undo.activity.Nested().Type != "Follow" {
		t.Errorf("Expected Undo{Follow}, got %+v", undo.activity)
	}
}

func TestBlockedUserCannotRequest(t *testing.T) {
	f := setupService(t)
	alice := f.local(t, "alice")
	bob := f.local(t, "bob")
	if err := f.svc.Block(ctx, bob, alice); err != nil {
		t.Fatalf("Block failed: %v", err)
	}
	if err := f.svc.Block(ctx, bob, alice); !errors.Is(err, domain.ErrAlreadyInState) {
		t.Errorf("Expected already_in_state on repeated block, got %v", err)
	}

	_, err := f.svc.SendRequest(ctx, alice, bob, "let me in")
	if domain.ReasonOf(err) != domain.ReasonAuthorizationDenied {
		t.Fatalf("Expected authorization_denied, got %v", err)
	}
	if err := f.svc.Follow(ctx, alice, bob); domain.ReasonOf(err) != domain.ReasonAuthorizationDenied {
		t.Errorf("Expected authorization_denied on follow, got %v", err)
	}
	if e := f.edge(t, alice, bob); e != nil {
		t.Errorf("Expected no edge, got %+v", e)
	}
	if n := f.notificationCount(t, bob); n != 0 {
		t.Errorf("Expected no notification, got %d", n)
	}

	if err := f.svc.Unblock(ctx, bob, alice); err != nil {
		t.Fatalf("Unblock failed: %v", err)
	}
	if _, err := f.svc.SendRequest(ctx, alice, bob, "again"); err != nil {
		t.Errorf("Expected the request to pass after unblock, got %v", err)
	}
}

func TestRejectRequest(t *testing.T) {
	f := setupService(t)
	alice := f.local(t, "alice")
	carol := f.foreign(t, "carol")
	// carol's request arrives through the inbox; here it is seeded directly
	if _, err := f.svc.graph.SendFriendRequest(ctx, carol, alice, "hey", true); err != nil {
		t.Fatalf("SendFriendRequest failed: %v", err)
	}

	if err := f.svc.RejectRequest(ctx, alice, carol); err != nil {
		t.Fatalf("RejectRequest failed: %v", err)
	}
	if status, _ := f.svc.Status(ctx, alice, carol); status != domain.StatusFollowedBy {
		t.Errorf("Expected carol to keep following, got %s", status)
	}
	if err := f.svc.RejectRequest(ctx, alice, carol); domain.ReasonOf(err) != domain.ReasonNotFound {
		t.Errorf("Expected not_found on second reject, got %v", err)
	}
	if len(f.sender.sent) != 1 || f.sender.sent[0].activity.Type != "Reject" {
		t.Fatalf("Expected one Reject, got %v", f.sender.sent)
	}
	if f.sender.sent[0].activity.Nested().Type != "Offer" {
		t.Errorf("Expected Reject{Offer}, got %+v", f.sender.sent[0].activity)
	}
}

func TestJoinGroup(t *testing.T) {
	f := setupService(t)
	alice := f.local(t, "alice")
	open := f.insert(t, &domain.Actor{Kind: domain.KindGroup, Username: "open", Access: domain.AccessOpen})
	remote := f.insert(t, &domain.Actor{
		Kind: domain.KindGroup, APID: "https://remote.example/groups/9", Username: "club",
		Domain: "remote.example", InboxURI: "https://remote.example/groups/9/inbox",
	})

	state, err := f.svc.JoinGroup(ctx, alice, open)
	if err != nil || state != domain.MembershipMember {
		t.Fatalf("JoinGroup(open) = %s, %v", state, err)
	}
	entries, _ := f.feed.Entries(ctx, alice, 10)
	if len(entries) != 1 || entries[0].Type != domain.FeedJoinGroup {
		t.Errorf("Expected a join_group entry, got %v", entries)
	}

	state, err = f.svc.JoinGroup(ctx, alice, remote)
	if err != nil || state != domain.MembershipRequested {
		t.Fatalf("JoinGroup(remote) = %s, %v", state, err)
	}
	if len(f.sender.sent) != 1 || f.sender.sent[0].activity.Type != "Follow" {
		t.Errorf("Expected a Follow to the remote group, got %v", f.sender.sent)
	}

	if _, err := f.svc.JoinGroup(ctx, alice, alice); domain.ReasonOf(err) != domain.ReasonBadRequest {
		t.Errorf("Expected bad_request joining oneself, got %v", err)
	}
	if err := f.svc.LeaveGroup(ctx, alice, remote); err != nil {
		t.Fatalf("LeaveGroup failed: %v", err)
	}
	if len(f.sender.sent) != 2 || f.sender.sent[1].activity.Type != "Undo" {
		t.Errorf("Expected an Undo to the remote group, got %v", f.sender.sent)
	}
}
