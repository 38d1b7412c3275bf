// Package graph is the relationship engine: follow edges, friendships,
// friend requests, blocks, friend lists and hint ranks.
//
// Every mutation runs inside one storage transaction. Both directions of an
// edge pair and the counters of both parties change together or not at all.
// Actors whose counters changed are dropped from the cache once the
// transaction commits.
package graph

import (
	"context"

	"github.com/deemkeen/fedgraph/cache"
	"github.com/deemkeen/fedgraph/domain"
	"github.com/deemkeen/fedgraph/store"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "graph")

type Engine struct {
	store store.Store
	cache *cache.Cache
}

func New(s store.Store, c *cache.Cache) *Engine {
	return &Engine{store: s, cache: c}
}

// Tx is a unit of relationship work. It embeds the storage transaction so
// callers can combine relationship changes with other writes, such as group
// memberships, in the same unit.
type Tx struct {
	store.Tx
	touched map[int64]struct{}
}

func (t *Tx) touch(ids ...int64) {
	for _, id := range ids {
		t.touched[id] = struct{}{}
	}
}

func (t *Tx) adjust(id int64, d domain.CounterDelta) error {
	if d.IsZero() {
		return nil
	}
	t.touch(id)
	return t.AdjustCounters(id, d)
}

func (t *Tx) adjustPending(id int64, delta int) error {
	t.touch(id)
	return t.AdjustPendingRequests(id, delta)
}

// Update runs fn as one atomic unit and invalidates cached snapshots of every
// actor it touched after commit.
func (e *Engine) Update(ctx context.Context, fn func(tx *Tx) error) error {
	var touched map[int64]struct{}
	err := e.store.InTx(ctx, func(stx store.Tx) error {
		t := &Tx{Tx: stx, touched: make(map[int64]struct{})}
		if err := fn(t); err != nil {
			return err
		}
		touched = t.touched
		return nil
	})
	if err != nil {
		return err
	}
	if len(touched) > 0 {
		ids := make([]int64, 0, len(touched))
		for id := range touched {
			ids = append(ids, id)
		}
		e.cache.InvalidateActor(ids...)
	}
	return nil
}

// View runs a read-only unit.
func (e *Engine) View(ctx context.Context, fn func(tx *Tx) error) error {
	return e.store.InTx(ctx, func(stx store.Tx) error {
		return fn(&Tx{Tx: stx, touched: make(map[int64]struct{})})
	})
}
