package dispatch

import (
	"context"
	"fmt"

	"github.com/deemkeen/fedgraph/domain"
)

// Key identifies an activity shape: Accept{Follow} on a Group is
// {Accept, Follow, Group}. Nested is empty for plain activities.
type Key struct {
	Verb   string
	Nested string
	Object domain.ObjectType
}

func (k Key) String() string {
	obj := string(k.Object)
	if obj == "" {
		obj = "*"
	}
	if k.Nested == "" {
		return fmt.Sprintf("%s(%s)", k.Verb, obj)
	}
	return fmt.Sprintf("%s{%s}(%s)", k.Verb, k.Nested, obj)
}

type Handler func(ctx context.Context, a *Activity) error

// Registry maps activity shapes to handlers. It is filled once at startup
// and only read afterwards.
type Registry struct {
	handlers map[Key]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[Key]Handler)}
}

// Register adds h for the shape verb{nested}(object). Registering a shape
// twice is a programming error and panics.
func (r *Registry) Register(verb, nested string, object domain.ObjectType, h Handler) {
	k := Key{Verb: verb, Nested: nested, Object: object}
	if _, dup := r.handlers[k]; dup {
		panic("dispatch: duplicate handler for " + k.String())
	}
	r.handlers[k] = h
}

// widen lists t followed by the broader types that accept it.
func widen(t domain.ObjectType) []domain.ObjectType {
	switch t {
	case domain.TypeUser, domain.TypeGroup:
		return []domain.ObjectType{t, domain.TypeActor, domain.TypeAny}
	case domain.TypeComment:
		return []domain.ObjectType{t, domain.TypePost, domain.TypeAny}
	case domain.TypeAny:
		return []domain.ObjectType{domain.TypeAny}
	}
	return []domain.ObjectType{t, domain.TypeAny}
}

// Lookup returns the most specific handler for k.
func (r *Registry) Lookup(k Key) (Handler, bool) {
	for _, t := range widen(k.Object) {
		if h, ok := r.handlers[Key{Verb: k.Verb, Nested: k.Nested, Object: t}]; ok {
			return h, true
		}
	}
	return nil, false
}

func (r *Registry) Len() int { return len(r.handlers) }
