// Package dispatch applies inbound federation activities.
//
// Every activity moves through Received -> Resolving -> Applying and ends
// Committed, Rejected or Deferred. The handler is picked from a registry
// keyed by (verb, nested verb, object type) that is built once in New.
// Handlers run all of their checks before they write anything and trigger
// side effects only when their mutation actually created something, so
// replayed deliveries commit as no-ops.
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
	"github.com/deemkeen/fedgraph/groups"
	"github.com/deemkeen/fedgraph/metrics"
	"github.com/deemkeen/fedgraph/notify"
	"github.com/deemkeen/fedgraph/resolver"
	"github.com/deemkeen/fedgraph/store"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var log = logrus.WithField("component", "dispatch")

type Outcome int

const (
	Committed Outcome = iota
	Rejected
	Deferred
)

func (o Outcome) String() string {
	switch o {
	case Rejected:
		return "rejected"
	case Deferred:
		return "deferred"
	}
	return "committed"
}

// Result is the final state of one inbound activity.
type Result struct {
	Outcome Outcome
	Reason  domain.Reason
	Err     error
	// Replay is set when the activity id was already processed.
	Replay bool
}

// Federator queues outbound activities. *activitypub.Deliverer implements it.
type Federator interface {
	DeliverToInboxes(ctx context.Context, sender *domain.Actor, inboxes []string, activity *activitypub.Object) error
	DeliverToFollowers(ctx context.Context, sender *domain.Actor, activity *activitypub.Object) error
}

type Deps struct {
	Store    store.Store
	Resolver *resolver.Resolver
	Graph    *graph.Engine
	Groups   *groups.Controller
	Notify   *notify.Emitter
	Feed     *feed.Publisher
	Federate Federator
	Builder  *activitypub.Builder
	URIs     *activitypub.LocalURIs
	Metrics  *metrics.Metrics
}

type Dispatcher struct {
	Deps
	registry *Registry
}

func New(deps Deps) *Dispatcher {
	d := &Dispatcher{Deps: deps, registry: NewRegistry()}
	d.registerHandlers()
	return d
}

// Inbound is an activity as received by an inbox.
type Inbound struct {
	Activity *activitypub.Object
	Raw      []byte
	// Actor is the sender whose signature was verified. When nil the
	// activity's actor is resolved.
	Actor *domain.Actor
}

// Activity is what a handler works on.
type Activity struct {
	AP     *activitypub.Object
	Key    Key
	Actor  *domain.Actor
	Nested *activitypub.Object
	// TargetLink is the object of the nested activity, or of the activity
	// itself when nothing is nested.
	TargetLink *activitypub.Link
	// Target is the resolved native object behind TargetLink. It is nil when
	// the target was embedded or could not be found.
	Target domain.Object
}

func result(err error) Result {
	switch {
	case err == nil:
		return Result{Outcome: Committed}
	case errors.Is(err, domain.ErrAlreadyInState):
		return Result{Outcome: Committed, Reason: domain.ReasonAlreadyInState, Err: err}
	case domain.IsTransient(err), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return Result{Outcome: Deferred, Reason: domain.ReasonOf(err), Err: err}
	}
	return Result{Outcome: Rejected, Reason: domain.ReasonOf(err), Err: err}
}

// Process runs one activity to completion. It never panics on bad input and
// never affects other activities.
func (d *Dispatcher) Process(ctx context.Context, in Inbound) (res Result) {
	act := in.Activity
	if act == nil {
		return result(domain.NewError(domain.ReasonBadRequest, "no activity"))
	}
	defer func() {
		d.Metrics.ObserveActivity(act.Type, res.Outcome.String())
		entry := log.WithFields(logrus.Fields{"activity": act.ID, "type": act.Type, "outcome": res.Outcome})
		switch {
		case res.Outcome == Deferred:
			entry.Warnf("Inbox: deferred: %v", res.Err)
		case res.Reason == domain.ReasonUnsupportedActivity:
			entry.Debugf("Inbox: dropped: %v", res.Err)
		case res.Outcome == Rejected:
			entry.Infof("Inbox: rejected: %v", res.Err)
		case res.Err != nil:
			entry.Debugf("Inbox: no-op: %v", res.Err)
		}
	}()

	actorURI := act.Actor.URI()
	if act.ID == "" || act.Type == "" || actorURI == "" {
		return result(domain.NewError(domain.ReasonBadRequest, "activity needs id, type and actor"))
	}

	done, err := d.processed(ctx, act.ID)
	if err != nil {
		return Result{Outcome: Deferred, Reason: domain.ReasonInternal, Err: err}
	}
	if done {
		return Result{Outcome: Committed, Replay: true}
	}

	// Resolving
	actor := in.Actor
	if actor == nil {
		actor, err = d.Resolver.ResolveActor(ctx, actorURI, resolver.Default)
		if err != nil {
			if r := result(err); r.Outcome == Deferred {
				return r
			}
			return result(domain.ErrUnresolvableActor.Wrap(err))
		}
	}
	if !strings.EqualFold(actor.APID, actorURI) {
		return result(domain.ErrAuthorizationDenied.Wrap(fmt.Errorf("activity actor %s is not the sender %s", actorURI, actor.APID)))
	}
	if actor.Local {
		return result(domain.NewError(domain.ReasonBadRequest, "local actor %s in inbox", actorURI))
	}

	a := &Activity{AP: act, Actor: actor, TargetLink: act.Object}
	a.Key.Verb = act.Type
	if nested := act.Nested(); nested != nil {
		a.Nested = nested
		a.Key.Nested = nested.Type
		a.TargetLink = nested.Object
		if act.Type == "Undo" && !strings.EqualFold(nested.Actor.URI(), actor.APID) {
			return result(domain.ErrAuthorizationDenied.Wrap(fmt.Errorf("%s cannot undo an activity of %s", actor.APID, nested.Actor.URI())))
		}
	}

	typ, target, resolveErr := d.resolveTarget(ctx, act.Type, a.TargetLink)
	if resolveErr != nil {
		if r := result(resolveErr); r.Outcome == Deferred {
			return r
		}
		if !isMissing(resolveErr) {
			return result(resolveErr)
		}
	}
	a.Key.Object, a.Target = typ, target

	// Applying
	h, ok := d.registry.Lookup(a.Key)
	if !ok {
		if resolveErr != nil {
			return result(resolveErr)
		}
		return result(domain.ErrUnsupportedActivity.Wrap(fmt.Errorf("no handler for %s", a.Key)))
	}
	res = result(h(ctx, a))
	if res.Outcome == Committed {
		d.record(ctx, in, a)
	}
	return res
}

func isMissing(err error) bool {
	return errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrFetchNotFound)
}

// resolveTarget determines the type of the object an activity acts on. An
// embedded object is typed without being stored; handlers convert it
// themselves. Links are resolved, except that Delete never fetches.
func (d *Dispatcher) resolveTarget(ctx context.Context, verb string, link *activitypub.Link) (domain.ObjectType, domain.Object, error) {
	if link == nil || link.URI() == "" {
		return domain.TypeAny, nil, nil
	}
	if o := link.Embedded; o != nil {
		if activitypub.IsActivityType(o.Type) {
			return domain.TypeAny, nil, nil
		}
		if typ := activitypub.NativeType(o); typ != domain.TypeAny {
			return typ, nil, nil
		}
	}
	switch verb {
	case "Create", "Add":
		return domain.TypeAny, nil, domain.NewError(domain.ReasonBadRequest, "%s must embed its object", verb)
	}
	opts := resolver.Default
	if verb == "Delete" {
		opts = resolver.Stored
	}
	obj, err := d.Resolver.Resolve(ctx, link.URI(), domain.TypeAny, opts)
	if err != nil {
		return domain.TypeAny, nil, err
	}
	return obj.ObjectType(), obj, nil
}

func (d *Dispatcher) processed(ctx context.Context, activityURI string) (done bool, err error) {
	err = d.Store.InTx(ctx, func(tx store.Tx) error {
		done, err = tx.ActivityProcessed(activityURI)
		return err
	})
	return done, err
}

func (d *Dispatcher) record(ctx context.Context, in Inbound, a *Activity) {
	entry := &domain.Activity{
		ActivityURI:  a.AP.ID,
		ActivityType: a.AP.Type,
		ActorURI:     a.Actor.APID,
		ObjectURI:    a.TargetLink.URI(),
		RawJSON:      string(in.Raw),
		Processed:    true,
	}
	err := d.Store.InTx(ctx, func(tx store.Tx) error {
		return tx.RecordActivity(entry)
	})
	if err != nil {
		log.Warnf("Inbox: failed to record activity %s: %v", a.AP.ID, err)
	}
}

// ProcessBatch processes activities concurrently, at most limit at a time.
// A failing activity never stops the others.
func (d *Dispatcher) ProcessBatch(ctx context.Context, batch []Inbound, limit int) []Result {
	results := make([]Result, len(batch))
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i := range batch {
		g.Go(func() error {
			results[i] = d.Process(ctx, batch[i])
			return nil
		})
	}
	g.Wait()
	return results
}
