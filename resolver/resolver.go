// Package resolver maps object URIs to stored native objects, fetching
// remote objects on demand.
//
// Concurrent resolutions of the same remote URI are collapsed into a single
// fetch: the first caller takes the "fetch:<uri>" key in the named mutex
// registry, the others wait on it and then find the stored result.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/deemkeen/fedgraph/activitypub"
	"github.com/deemkeen/fedgraph/cache"
	"github.com/deemkeen/fedgraph/domain"
	"github.com/deemkeen/fedgraph/namedmutex"
	"github.com/deemkeen/fedgraph/store"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "resolver")

// refreshAfter is the age at which a stored foreign actor is refetched.
const refreshAfter = 24 * time.Hour

type Options struct {
	// AllowFetch permits network access on a miss. Without it a miss is NotFound.
	AllowFetch bool
	// AllowCreate persists fetched objects. Without it the converted object is
	// returned with a zero ID.
	AllowCreate bool
	// ForceRefresh skips the cache and the stored copy.
	ForceRefresh bool
}

var (
	Default = Options{AllowFetch: true, AllowCreate: true}
	Refresh = Options{AllowFetch: true, AllowCreate: true, ForceRefresh: true}
	// Stored only looks at what is already known.
	Stored = Options{}
)

type Resolver struct {
	store   store.Store
	fetcher activitypub.Fetcher
	locks   *namedmutex.Registry
	cache   *cache.Cache
	uris    *activitypub.LocalURIs
}

func New(s store.Store, f activitypub.Fetcher, locks *namedmutex.Registry, c *cache.Cache, uris *activitypub.LocalURIs) *Resolver {
	return &Resolver{store: s, fetcher: f, locks: locks, cache: c, uris: uris}
}

func lockKey(prefix, uri string) string {
	return prefix + strings.ToLower(uri)
}

// Resolve returns the native object uri refers to. expected limits the
// accepted types; domain.TypeAny accepts everything.
func (r *Resolver) Resolve(ctx context.Context, uri string, expected domain.ObjectType, opts Options) (domain.Object, error) {
	if uri == "" {
		return nil, domain.NewError(domain.ReasonBadRequest, "empty object uri")
	}
	if r.uris.IsLocal(uri) {
		return r.resolveLocal(ctx, uri, expected)
	}

	var stored domain.Object
	if !opts.ForceRefresh {
		obj, err := r.lookupRemote(ctx, uri, expected)
		if err != nil {
			return nil, err
		}
		if obj != nil && !needsRefresh(obj, opts) {
			return obj, nil
		}
		stored = obj
	}
	if !opts.AllowFetch {
		return nil, domain.NewError(domain.ReasonNotFound, "%s is not known locally", uri)
	}

	if err := r.locks.AcquireContext(ctx, lockKey("fetch:", uri)); err != nil {
		return nil, err
	}
	defer r.locks.Release(lockKey("fetch:", uri))

	if !opts.ForceRefresh {
		// another caller may have stored it while we waited
		obj, err := r.lookupRemote(ctx, uri, expected)
		if err != nil {
			return nil, err
		}
		if obj != nil && !needsRefresh(obj, opts) {
			return obj, nil
		}
	}

	obj, err := r.fetchAndStore(ctx, uri, expected, opts)
	if err != nil && stored != nil && domain.IsTransient(err) {
		log.Debugf("Resolve: refresh of %s failed, using stored copy: %v", uri, err)
		return stored, nil
	}
	return obj, err
}

// ResolveActor is Resolve narrowed to users and groups.
func (r *Resolver) ResolveActor(ctx context.Context, uri string, opts Options) (*domain.Actor, error) {
	obj, err := r.Resolve(ctx, uri, domain.TypeActor, opts)
	if err != nil {
		return nil, err
	}
	return obj.(*domain.Actor), nil
}

// ResolvePost is Resolve narrowed to posts and comments.
func (r *Resolver) ResolvePost(ctx context.Context, uri string, opts Options) (*domain.Post, error) {
	obj, err := r.Resolve(ctx, uri, domain.TypePost, opts)
	if err != nil {
		return nil, err
	}
	return obj.(*domain.Post), nil
}

// ActorByID loads an actor through the cache. Local actors come back with
// their federation URIs filled in.
func (r *Resolver) ActorByID(ctx context.Context, id int64) (*domain.Actor, error) {
	if a, ok := r.cache.Actor(id); ok {
		return a, nil
	}
	epoch := r.cache.Epoch()
	var a *domain.Actor
	err := r.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		a, err = tx.ActorByID(id)
		return err
	})
	if err != nil {
		return nil, err
	}
	r.uris.Fill(a)
	r.cache.Put(a, epoch)
	return a, nil
}

func needsRefresh(obj domain.Object, opts Options) bool {
	a, ok := obj.(*domain.Actor)
	return ok && opts.AllowFetch && !a.Local && time.Since(a.LastUpdated) > refreshAfter
}

func (r *Resolver) resolveLocal(ctx context.Context, uri string, expected domain.ObjectType) (domain.Object, error) {
	typ, id, err := r.uris.Parse(uri)
	if err != nil {
		return nil, err
	}
	if !expected.Accepts(typ) {
		return nil, domain.NewError(domain.ReasonWrongObjectType, "%s is a %s, expected %s", uri, typ, expected)
	}

	switch typ {
	case domain.TypeUser, domain.TypeGroup:
		a, err := r.ActorByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if !a.Local || a.ObjectType() != typ {
			return nil, domain.NewError(domain.ReasonNotFound, "no local %s %d", typ, id)
		}
		return a, nil
	default:
		var p *domain.Post
		err := r.store.InTx(ctx, func(tx store.Tx) error {
			var err error
			p, err = tx.PostByID(id)
			return err
		})
		if err != nil {
			return nil, err
		}
		if p.ObjectType() != typ {
			return nil, domain.NewError(domain.ReasonNotFound, "no local %s %d", typ, id)
		}
		return p, nil
	}
}

// lookupRemote returns the cached or stored copy of a foreign object, or nil.
func (r *Resolver) lookupRemote(ctx context.Context, uri string, expected domain.ObjectType) (domain.Object, error) {
	if obj, ok := r.cache.Get(uri); ok {
		return checkType(uri, obj, expected)
	}

	epoch := r.cache.Epoch()
	var obj domain.Object
	err := r.store.InTx(ctx, func(tx store.Tx) error {
		if expected != domain.TypePost && expected != domain.TypeComment {
			a, err := tx.ActorByAPID(uri)
			if err == nil {
				obj = a
				return nil
			}
			if !errors.Is(err, domain.ErrNotFound) {
				return err
			}
		}
		if expected == domain.TypeAny || expected == domain.TypePost || expected == domain.TypeComment {
			p, err := tx.PostByAPID(uri)
			if err == nil {
				obj = p
				return nil
			}
			if !errors.Is(err, domain.ErrNotFound) {
				return err
			}
		}
		return nil
	})
	if err != nil || obj == nil {
		return nil, err
	}
	r.cache.Put(obj, epoch)
	return checkType(uri, obj, expected)
}

func checkType(uri string, obj domain.Object, expected domain.ObjectType) (domain.Object, error) {
	if !expected.Accepts(obj.ObjectType()) {
		return nil, domain.NewError(domain.ReasonWrongObjectType, "%s is a %s, expected %s", uri, obj.ObjectType(), expected)
	}
	return obj, nil
}

func (r *Resolver) fetchAndStore(ctx context.Context, uri string, expected domain.ObjectType, opts Options) (domain.Object, error) {
	remote, err := r.fetcher.Fetch(ctx, uri)
	if err != nil {
		return nil, err
	}
	got := activitypub.NativeType(remote)
	if got == domain.TypeAny || !expected.Accepts(got) {
		return nil, domain.NewError(domain.ReasonWrongObjectType, "%s is a %s, expected %s", uri, remote.Type, expected)
	}

	var native domain.Object
	switch got {
	case domain.TypeUser, domain.TypeGroup:
		native, err = ActorFromObject(remote)
	default:
		native, err = r.PostFromObject(ctx, remote, opts)
	}
	if err != nil {
		return nil, err
	}
	if !opts.AllowCreate {
		return native, nil
	}
	if _, err := r.StoreOrUpdateRemoteObject(ctx, native); err != nil {
		return nil, err
	}
	return native, nil
}

// StoreOrUpdateRemoteObject upserts a foreign actor or post keyed by its
// URI and reports whether a new row was created. obj gets its ID set.
//
// When another row already owns the actor's username@domain under a
// different URI, that row is renamed to a throwaway handle and the upsert is
// retried once. A second collision is returned as an error.
func (r *Resolver) StoreOrUpdateRemoteObject(ctx context.Context, obj domain.Object) (bool, error) {
	uri := obj.ActivityPubID()
	if uri == "" || r.uris.IsLocal(uri) {
		return false, domain.NewError(domain.ReasonBadRequest, "cannot store %q as a foreign object", uri)
	}
	if err := r.locks.AcquireContext(ctx, lockKey("update:", uri)); err != nil {
		return false, err
	}
	defer r.locks.Release(lockKey("update:", uri))

	switch o := obj.(type) {
	case *domain.Actor:
		return r.storeActor(ctx, o)
	case *domain.Post:
		return r.storePost(ctx, o)
	}
	return false, fmt.Errorf("cannot store %T", obj)
}

func (r *Resolver) storeActor(ctx context.Context, a *domain.Actor) (bool, error) {
	var isNew bool
	var renamed int64
	err := r.store.InTx(ctx, func(tx store.Tx) error {
		isNew, renamed = false, 0
		if _, err := tx.ActorByAPID(a.APID); errors.Is(err, domain.ErrNotFound) {
			isNew = true
		} else if err != nil {
			return err
		}

		_, err := tx.UpsertForeignActor(a)
		if !errors.Is(err, domain.ErrIdentityCollision) {
			return err
		}
		stale, lookupErr := tx.ActorByHandle(a.Username, a.Domain)
		if lookupErr != nil {
			return err
		}
		tmp := "tmp-" + uuid.NewString()
		log.WithFields(logrus.Fields{
			"handle": a.Handle(),
			"stale":  stale.APID,
			"new":    a.APID,
		}).Warn("Identity collision, renaming stale actor")
		if err := tx.RenameActor(stale.ID, tmp); err != nil {
			return err
		}
		renamed = stale.ID
		if _, err := tx.UpsertForeignActor(a); err != nil {
			return fmt.Errorf("upsert %s after renaming actor %d: %w", a.APID, stale.ID, err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	r.cache.InvalidateActor(a.ID)
	if renamed != 0 {
		r.cache.InvalidateActor(renamed)
	}
	return isNew, nil
}

func (r *Resolver) storePost(ctx context.Context, p *domain.Post) (bool, error) {
	var isNew bool
	err := r.store.InTx(ctx, func(tx store.Tx) error {
		existing, err := tx.PostByAPID(p.APID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			isNew = true
			_, err = tx.InsertPost(p)
			return err
		case err != nil:
			return err
		}
		isNew = false
		p.ID = existing.ID
		p.CreatedAt = existing.CreatedAt
		return tx.UpdatePost(p)
	})
	if err != nil {
		return false, err
	}
	r.cache.InvalidateURI(p.APID)
	return isNew, nil
}

// DeleteRemotePost removes a stored foreign post and drops it from the
// cache. It reports whether a row was deleted.
func (r *Resolver) DeleteRemotePost(ctx context.Context, p *domain.Post) (bool, error) {
	if p.Local {
		return false, domain.NewError(domain.ReasonBadRequest, "post %d is local", p.ID)
	}
	var deleted bool
	err := r.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		deleted, err = tx.DeletePost(p.ID)
		return err
	})
	if err != nil {
		return false, err
	}
	r.cache.InvalidateURI(p.APID)
	return deleted, nil
}

// ActorFromObject converts a fetched Person or Group into a foreign actor.
func ActorFromObject(o *activitypub.Object) (*domain.Actor, error) {
	u, err := url.Parse(o.ID)
	if err != nil || u.Host == "" {
		return nil, domain.NewError(domain.ReasonBadRequest, "actor id %q is not a url", o.ID)
	}
	if o.Inbox == "" {
		return nil, domain.NewError(domain.ReasonBadRequest, "actor %s has no inbox", o.ID)
	}
	a := &domain.Actor{
		Kind:            domain.KindUser,
		APID:            o.ID,
		Username:        o.PreferredUsername,
		Domain:          strings.ToLower(u.Host),
		DisplayName:     o.Name,
		Summary:         o.Summary,
		InboxURI:        o.Inbox,
		OutboxURI:       o.Outbox,
		FollowersURI:    o.Followers,
		WallURI:         o.Wall,
		WallCommentsURI: o.WallComments,
		LastUpdated:     time.Now().UTC(),
	}
	if a.Username == "" {
		a.Username = path.Base(u.Path)
	}
	if activitypub.NativeType(o) == domain.TypeGroup {
		a.Kind = domain.KindGroup
		a.Access = domain.ParseGroupAccess(o.AccessType)
		a.IsEvent = o.IsEvent
	}
	if o.Endpoints != nil {
		a.SharedInbox = o.Endpoints.SharedInbox
	}
	if o.PublicKey != nil {
		if o.PublicKey.Owner != "" && o.PublicKey.Owner != o.ID {
			return nil, domain.NewError(domain.ReasonBadRequest, "key of %s is owned by %s", o.ID, o.PublicKey.Owner)
		}
		a.PublicKeyPem = o.PublicKey.PublicKeyPem
	}
	return a, nil
}

// PostFromObject converts a Note into a post, resolving its author and, for
// replies, its parent. The wall owner defaults to the author for top-level
// posts and to the parent's owner for comments.
func (r *Resolver) PostFromObject(ctx context.Context, o *activitypub.Object, opts Options) (*domain.Post, error) {
	if o.ID == "" {
		return nil, domain.NewError(domain.ReasonBadRequest, "post without id")
	}
	authorURI := o.AttributedTo.URI()
	if authorURI == "" {
		return nil, domain.NewError(domain.ReasonBadRequest, "post %s has no author", o.ID)
	}
	if !sameHost(authorURI, o.ID) {
		return nil, domain.NewError(domain.ReasonAuthorizationDenied, "post %s attributed to foreign author %s", o.ID, authorURI)
	}
	actorOpts := opts
	actorOpts.ForceRefresh = false
	author, err := r.ResolveActor(ctx, authorURI, actorOpts)
	if err != nil {
		return nil, err
	}

	p := &domain.Post{
		APID:     o.ID,
		AuthorID: author.ID,
		OwnerID:  author.ID,
		Content:  o.Content,
	}
	if o.Published != nil {
		p.CreatedAt = o.Published.UTC()
	}
	if parentURI := o.InReplyTo.URI(); parentURI != "" {
		parent, err := r.ResolvePost(ctx, parentURI, actorOpts)
		if err != nil {
			return nil, fmt.Errorf("parent of %s: %w", o.ID, err)
		}
		p.ParentID = parent.ID
		p.OwnerID = parent.OwnerID
	}
	return p, nil
}

func sameHost(a, b string) bool {
	ua, err1 := url.Parse(a)
	ub, err2 := url.Parse(b)
	return err1 == nil && err2 == nil && strings.EqualFold(ua.Host, ub.Host)
}
