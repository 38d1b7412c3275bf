package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/deemkeen/fedgraph/db"
	"github.com/deemkeen/fedgraph/domain"
	"github.com/deemkeen/fedgraph/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
)

var ctx = context.Background()

func setupEmitter(t *testing.T, withRedis bool) (*Emitter, *miniredis.Miniredis, *metrics.Metrics) {
	t.Helper()
	d, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	m := metrics.New()
	if !withRedis {
		return New(d, nil, m), nil, m
	}
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(d, rdb, m), mr, m
}

func TestNotifyDedupes(t *testing.T) {
	e, mr, m := setupEmitter(t, true)
	for i := 0; i < 3; i++ {
		created, err := e.Notify(ctx, 7, "friendReq:3:7", domain.NotifyFriendRequest, Payload{ActorID: 3, Text: "hi"})
		if err != nil {
			t.Fatalf("Notify failed: %v", err)
		}
		if created != (i == 0) {
			t.Errorf("Notify #%d created = %v", i, created)
		}
	}

	list, err := e.List(ctx, 7, 10)
	if err != nil || len(list) != 1 {
		t.Fatalf("List = %v, %v", list, err)
	}
	if list[0].Type != domain.NotifyFriendRequest || list[0].ActorID != 3 || list[0].Payload != "hi" {
		t.Errorf("Unexpected notification %+v", list[0])
	}
	if got, _ := mr.Get(UnreadKey(7)); got != "1" {
		t.Errorf("Expected unread counter 1, got %q", got)
	}
	if got := testutil.ToFloat64(m.Notifications); got != 1 {
		t.Errorf("Expected 1 counted notification, got %v", got)
	}
}

func TestNotifyPublishes(t *testing.T) {
	e, _, _ := setupEmitter(t, true)
	sub := e.redis.Subscribe(ctx, Channel(9))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if _, err := e.Notify(ctx, 9, "groupInvite:1:2", domain.NotifyGroupInvite, Payload{ActorID: 2, ObjectID: 1}); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	c, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	msg, err := sub.ReceiveMessage(c)
	if err != nil {
		t.Fatalf("ReceiveMessage failed: %v", err)
	}
	var n domain.Notification
	if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
		t.Fatalf("Invalid payload %q: %v", msg.Payload, err)
	}
	if n.OwnerID != 9 || n.ObjectID != 1 || n.Type != domain.NotifyGroupInvite {
		t.Errorf("Unexpected published notification %+v", n)
	}
}

func TestUnread(t *testing.T) {
	e, _, _ := setupEmitter(t, true)
	e.Notify(ctx, 4, "a", domain.NotifyFollow, Payload{ActorID: 1})
	e.Notify(ctx, 4, "b", domain.NotifyFollow, Payload{ActorID: 2})
	if n, err := e.Unread(ctx, 4); err != nil || n != 2 {
		t.Errorf("Unread = %d, %v", n, err)
	}
	if err := e.ResetUnread(ctx, 4); err != nil {
		t.Fatalf("ResetUnread failed: %v", err)
	}
	if n, err := e.Unread(ctx, 4); err != nil || n != 0 {
		t.Errorf("Unread after reset = %d, %v", n, err)
	}
}

func TestWithoutRedis(t *testing.T) {
	e, _, _ := setupEmitter(t, false)
	if _, err := e.Notify(ctx, 4, "a", domain.NotifyFollow, Payload{ActorID: 1}); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if n, err := e.Unread(ctx, 4); err != nil || n != 1 {
		t.Errorf("Unread = %d, %v", n, err)
	}
	if err := e.ResetUnread(ctx, 4); err != nil {
		t.Errorf("ResetUnread without redis failed: %v", err)
	}
}

func TestRedisDownKeepsNotification(t *testing.T) {
	e, mr, _ := setupEmitter(t, true)
	mr.Close()
	created, err := e.Notify(ctx, 5, "k", domain.NotifyReply, Payload{})
	if err != nil || !created {
		t.Fatalf("Notify = %v, %v", created, err)
	}
	list, _ := e.List(ctx, 5, 10)
	if len(list) != 1 {
		t.Errorf("Expected stored notification, got %v", list)
	}
}

func TestNotifyRequiresDedupeKey(t *testing.T) {
	e, _, _ := setupEmitter(t, false)
	if _, err := e.Notify(ctx, 1, "", domain.NotifyFollow, Payload{}); !errors.Is(err, domain.ErrBadRequest) {
		t.Errorf("Expected bad request, got %v", err)
	}
}
