// Package feed records newsfeed entries and renders them as Atom.
package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/deemkeen/fedgraph/activitypub"
	"github.com/deemkeen/fedgraph/domain"
	"github.com/deemkeen/fedgraph/store"
	"github.com/deemkeen/fedgraph/util"
	"github.com/gorilla/feeds"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "feed")

// titleRunes caps how much of a post shows in its entry title.
const titleRunes = 80

const DefaultLimit = 50

type Publisher struct {
	store store.Store
	uris  *activitypub.LocalURIs
}

func New(s store.Store, uris *activitypub.LocalURIs) *Publisher {
	return &Publisher{store: s, uris: uris}
}

// PutEntry adds an entry to the feed of ownerID. It reports false when the
// same entry already exists.
func (p *Publisher) PutEntry(ctx context.Context, ownerID int64, typ domain.FeedEntryType, objectID int64) (bool, error) {
	var created bool
	err := p.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		created, err = tx.InsertFeedEntry(&domain.NewsfeedEntry{OwnerID: ownerID, Type: typ, ObjectID: objectID})
		return err
	})
	if err != nil {
		return false, fmt.Errorf("put feed entry %s/%d for %d: %w", typ, objectID, ownerID, err)
	}
	if created {
		log.Debugf("Feed entry %s/%d added for %d", typ, objectID, ownerID)
	}
	return created, nil
}

// JoinEntryType returns the entry type for joining group.
func JoinEntryType(group *domain.Actor) domain.FeedEntryType {
	if group.IsEvent {
		return domain.FeedJoinEvent
	}
	return domain.FeedJoinGroup
}

func (p *Publisher) Entries(ctx context.Context, ownerID int64, limit int) (entries []domain.NewsfeedEntry, err error) {
	err = p.store.InTx(ctx, func(tx store.Tx) error {
		entries, err = tx.FeedFor(ownerID, limit)
		return err
	})
	return entries, err
}

type item struct {
	entry domain.NewsfeedEntry
	title string
	link  string
	body  string
}

// Atom renders the newest entries of owner as an Atom document.
func (p *Publisher) Atom(ctx context.Context, owner *domain.Actor, limit int) (string, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	var items []item
	err := p.store.InTx(ctx, func(tx store.Tx) error {
		entries, err := tx.FeedFor(owner.ID, limit)
		if err != nil {
			return err
		}
		for _, e := range entries {
			it, err := p.describe(tx, owner, e)
			if err != nil {
				log.Warnf("Skipping feed entry %d: %v", e.ID, err)
				continue
			}
			items = append(items, it)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	link := p.uris.Actor(owner)
	f := &feeds.Feed{
		Title:       fmt.Sprintf("News of %s", owner.Handle()),
		Link:        &feeds.Link{Href: link},
		Description: "friends and groups activity",
		Author:      &feeds.Author{Name: owner.Handle()},
		Created:     time.Now(),
	}
	for _, it := range items {
		f.Items = append(f.Items, &feeds.Item{
			Id:      fmt.Sprintf("%s/feed/%d", link, it.entry.ID),
			Title:   it.title,
			Link:    &feeds.Link{Href: it.link},
			Content: it.body,
			Created: it.entry.CreatedAt,
		})
	}
	return f.ToAtom()
}

func (p *Publisher) actorLink(a *domain.Actor) string {
	if a.Local {
		return p.uris.Actor(a)
	}
	return a.APID
}

func (p *Publisher) describe(tx store.Tx, owner *domain.Actor, e domain.NewsfeedEntry) (item, error) {
	it := item{entry: e}
	switch e.Type {
	case domain.FeedJoinGroup, domain.FeedJoinEvent, domain.FeedAddFriend:
		a, err := tx.ActorByID(e.ObjectID)
		if err != nil {
			return it, err
		}
		name := a.DisplayName
		if name == "" {
			name = a.Handle()
		}
		switch e.Type {
		case domain.FeedJoinGroup:
			it.title = fmt.Sprintf("%s joined the group %s", owner.Handle(), name)
		case domain.FeedJoinEvent:
			it.title = fmt.Sprintf("%s is going to %s", owner.Handle(), name)
		default:
			it.title = fmt.Sprintf("%s and %s are now friends", owner.Handle(), name)
		}
		it.link = p.actorLink(a)
	case domain.FeedPost:
		post, err := tx.PostByID(e.ObjectID)
		if err != nil {
			return it, err
		}
		it.title = fmt.Sprintf("%s: %s", owner.Handle(), util.Truncate(post.Content, titleRunes))
		it.body = post.Content
		if post.Local {
			it.link, err = p.uris.Post(post)
			if err != nil {
				return it, err
			}
		} else {
			it.link = post.APID
		}
	default:
		return it, fmt.Errorf("unknown feed entry type %q", e.Type)
	}
	return it, nil
}
