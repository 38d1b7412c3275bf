package cache

import (
	"testing"

	"github.com/deemkeen/fedgraph/domain"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(100)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestPutAndGetActor(t *testing.T) {
	c := newTestCache(t)
	a := &domain.Actor{ID: 7, Kind: domain.KindUser, APID: "https://remote.example/users/bob", Username: "bob"}
	c.Put(a, c.Epoch())

	got, ok := c.Get(a.APID)
	if !ok {
		t.Fatal("Expected actor to be cached by uri")
	}
	if got.(*domain.Actor).Username != "bob" {
		t.Errorf("Unexpected cached actor %+v", got)
	}
	byID, ok := c.Actor(7)
	if !ok || byID.APID != a.APID {
		t.Errorf("Expected actor to be cached by id, got %+v %v", byID, ok)
	}

	byID.Username = "mutated"
	again, _ := c.Actor(7)
	if again.Username != "bob" {
		t.Error("Expected cached value to be isolated from callers")
	}
}

func TestInvalidateActorDropsBothKeys(t *testing.T) {
	c := newTestCache(t)
	a := &domain.Actor{ID: 3, APID: "https://remote.example/users/eve"}
	c.Put(a, c.Epoch())
	c.InvalidateActor(3)

	if _, ok := c.Actor(3); ok {
		t.Error("Expected id entry to be invalidated")
	}
	if _, ok := c.Get(a.APID); ok {
		t.Error("Expected uri entry to be invalidated")
	}
}

func TestStaleEpochPutIsDropped(t *testing.T) {
	c := newTestCache(t)
	epoch := c.Epoch()
	c.InvalidateActor(1)

	c.Put(&domain.Actor{ID: 1, APID: "https://remote.example/users/old"}, epoch)
	if _, ok := c.Actor(1); ok {
		t.Error("Expected put with stale epoch to be dropped")
	}
}

func TestClear(t *testing.T) {
	c := newTestCache(t)
	p := &domain.Post{ID: 1, APID: "https://remote.example/notes/1"}
	c.Put(p, c.Epoch())
	c.Clear()
	if _, ok := c.Get(p.APID); ok {
		t.Error("Expected cache to be empty after Clear")
	}
}

func TestNilCacheIsNoop(t *testing.T) {
	var c *Cache
	c.Put(&domain.Actor{ID: 1}, 0)
	c.InvalidateActor(1)
	c.Clear()
	if _, ok := c.Actor(1); ok {
		t.Error("Expected nil cache to miss")
	}
}

func TestEvictedActorMissesByURI(t *testing.T) {
	c := newTestCache(t)
	a := &domain.Actor{ID: 9, APID: "https://remote.example/users/dora"}
	c.Put(a, c.Epoch())

	// what ristretto does when the id entry loses on cost
	c.objects.Del(actorKey(a.ID))
	c.objects.Wait()

	if _, ok := c.Get(a.APID); ok {
		t.Error("Expected the uri entry to follow its evicted id entry")
	}
}

func TestUnsavedActorIsNotCached(t *testing.T) {
	c := newTestCache(t)
	a := &domain.Actor{APID: "https://remote.example/users/new"}
	c.Put(a, c.Epoch())
	if _, ok := c.Get(a.APID); ok {
		t.Error("Actors without an id must not be cached")
	}
}
