// Package cache holds resolved actors and objects in process memory.
//
// Entries are never updated in place. Mutations invalidate, and the next
// reader reloads from storage. Every invalidation bumps an epoch; a Put
// carrying an older epoch is dropped so a slow reader cannot resurrect a
// snapshot loaded before the mutation committed.
//
// Actors are stored once under their id. Their uri entry only refers to
// that id, so dropping or evicting the id entry is enough to forget both.
package cache

import (
	"strconv"
	"sync/atomic"

	"github.com/deemkeen/fedgraph/domain"
	"github.com/dgraph-io/ristretto"
)

type Cache struct {
	objects *ristretto.Cache
	epoch   atomic.Uint64
}

// actorRef is the value of an actor's uri entry.
type actorRef int64

// New creates a cache bounded to roughly maxItems entries.
func New(maxItems int64) (*Cache, error) {
	if maxItems <= 0 {
		maxItems = 10000
	}
	objects, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        maxItems * 10,
		MaxCost:            maxItems,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{objects: objects}, nil
}

func uriKey(uri string) string { return "uri:" + uri }
func actorKey(id int64) string { return "actor:" + strconv.FormatInt(id, 10) }

// Epoch returns the current invalidation epoch. Read it before loading from
// storage and pass it to Put.
func (c *Cache) Epoch() uint64 {
	if c == nil {
		return 0
	}
	return c.epoch.Load()
}

// Get returns the object cached under uri.
func (c *Cache) Get(uri string) (domain.Object, bool) {
	if c == nil {
		return nil, false
	}
	v, ok := c.objects.Get(uriKey(uri))
	if !ok {
		return nil, false
	}
	if ref, isRef := v.(actorRef); isRef {
		a, ok := c.Actor(int64(ref))
		if !ok {
			return nil, false
		}
		return a, true
	}
	return copyOut(v.(domain.Object)), true
}

// Actor returns the actor cached under its local id.
func (c *Cache) Actor(id int64) (*domain.Actor, bool) {
	if c == nil {
		return nil, false
	}
	v, ok := c.objects.Get(actorKey(id))
	if !ok {
		return nil, false
	}
	return v.(*domain.Actor).Clone(), true
}

// Put caches obj unless something was invalidated since epoch.
func (c *Cache) Put(obj domain.Object, epoch uint64) {
	if c == nil || obj == nil || c.epoch.Load() != epoch {
		return
	}
	obj = copyOut(obj)
	uri := obj.ActivityPubID()
	if a, ok := obj.(*domain.Actor); ok {
		if a.ID == 0 {
			return
		}
		c.objects.Set(actorKey(a.ID), a, 1)
		if uri != "" {
			c.objects.Set(uriKey(uri), actorRef(a.ID), 1)
		}
	} else if uri != "" {
		c.objects.Set(uriKey(uri), obj, 1)
	}
	c.objects.Wait()
	if c.epoch.Load() != epoch {
		// lost a race with an invalidation
		if a, ok := obj.(*domain.Actor); ok {
			c.objects.Del(actorKey(a.ID))
		}
		if uri != "" {
			c.objects.Del(uriKey(uri))
		}
	}
}

func (c *Cache) InvalidateActor(ids ...int64) {
	if c == nil {
		return
	}
	c.epoch.Add(1)
	for _, id := range ids {
		c.objects.Del(actorKey(id))
	}
}

func (c *Cache) InvalidateURI(uri string) {
	if c == nil {
		return
	}
	c.epoch.Add(1)
	c.objects.Del(uriKey(uri))
}

// Clear drops every entry.
func (c *Cache) Clear() {
	if c == nil {
		return
	}
	c.epoch.Add(1)
	c.objects.Clear()
}

func (c *Cache) Close() {
	if c != nil {
		c.objects.Close()
	}
}

func copyOut(obj domain.Object) domain.Object {
	switch o := obj.(type) {
	case *domain.Actor:
		return o.Clone()
	case *domain.Post:
		p := *o
		return &p
	}
	return obj
}
