package web

import (
	"context"
	"net/http"
	"strconv"

	"github.com/deemkeen/fedgraph/activitypub"
	"github.com/deemkeen/fedgraph/domain"
	"github.com/deemkeen/fedgraph/store"
	"github.com/deemkeen/fedgraph/util"
	"github.com/gin-gonic/gin"
)

var actorContext = []string{
	"https://www.w3.org/ns/activitystreams",
	"https://w3id.org/security/v1",
}

// localActor loads the local user ("users") or group ("groups") named by a
// path id.
func (s *Server) localActor(ctx context.Context, kind, rawID string) (*domain.Actor, error) {
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return nil, domain.NewError(domain.ReasonNotFound, "bad actor id %q", rawID)
	}
	a, err := s.Resolver.ActorByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !a.Local || a.IsGroup() != (kind == "groups") {
		return nil, domain.NewError(domain.ReasonNotFound, "no local %s %d", kind, id)
	}
	return a, nil
}

// ActorObject renders a local actor as an ActivityPub document.
func ActorObject(uris *activitypub.LocalURIs, a *domain.Actor) *activitypub.Object {
	displayName := a.DisplayName
	if displayName == "" {
		displayName = a.Username
	}
	o := &activitypub.Object{
		Context:           actorContext,
		ID:                a.APID,
		Type:              "Person",
		PreferredUsername: a.Username,
		Name:              displayName,
		Summary:           a.Summary,
		Inbox:             a.InboxURI,
		Outbox:            a.OutboxURI,
		Followers:         a.FollowersURI,
		Endpoints:         &activitypub.Endpoints{SharedInbox: a.SharedInbox},
		PublicKey: &activitypub.PublicKey{
			ID:           uris.KeyID(a),
			Owner:        a.APID,
			PublicKeyPem: a.PublicKeyPem,
		},
		Wall:         a.WallURI,
		WallComments: a.WallCommentsURI,
	}
	if a.IsGroup() {
		o.Type = "Group"
		o.AccessType = a.Access.String()
		o.IsEvent = a.IsEvent
	}
	return o
}

func (s *Server) handleActor(kind string) gin.HandlerFunc {
	return func(c *gin.Context) {
		a, err := s.localActor(c.Request.Context(), kind, c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		renderActivity(c, http.StatusOK, ActorObject(s.URIs, a))
	}
}

func (s *Server) handleServiceActor(c *gin.Context) {
	id := s.URIs.ServiceActor()
	renderActivity(c, http.StatusOK, &activitypub.Object{
		Context:           actorContext,
		ID:                id,
		Type:              "Application",
		PreferredUsername: s.URIs.Host(),
		Name:              util.Name,
		Inbox:             s.URIs.SharedInbox(),
		Endpoints:         &activitypub.Endpoints{SharedInbox: s.URIs.SharedInbox()},
		PublicKey: &activitypub.PublicKey{
			ID:           id + "#main-key",
			Owner:        id,
			PublicKeyPem: s.Service.PublicKeyPem,
		},
	})
}

// handlePost serves a local post or comment as a Note. Tokens of the wrong
// type, and posts stored from other servers, are not found.
func (s *Server) handlePost(c *gin.Context) {
	ctx := c.Request.Context()
	typ, id, err := s.URIs.Parse(s.URIs.Base() + c.Request.URL.Path)
	if err != nil {
		respondError(c, err)
		return
	}
	var note *activitypub.Object
	err = s.Store.InTx(ctx, func(tx store.Tx) error {
		p, err := tx.PostByID(id)
		if err != nil {
			return err
		}
		if !p.Local || p.ObjectType() != typ {
			return domain.NewError(domain.ReasonNotFound, "no local %s %d", typ, id)
		}
		note, err = s.noteObject(tx, p)
		return err
	})
	if err != nil {
		respondError(c, err)
		return
	}
	renderActivity(c, http.StatusOK, note)
}

func (s *Server) noteObject(tx store.Tx, p *domain.Post) (*activitypub.Object, error) {
	uri, err := s.URIs.Post(p)
	if err != nil {
		return nil, err
	}
	author, err := tx.ActorByID(p.AuthorID)
	if err != nil {
		return nil, err
	}
	owner, err := tx.ActorByID(p.OwnerID)
	if err != nil {
		return nil, err
	}
	s.URIs.Fill(author)
	s.URIs.Fill(owner)

	published := p.CreatedAt.UTC()
	note := &activitypub.Object{
		ID:           uri,
		Type:         "Note",
		AttributedTo: activitypub.LinkTo(author.APID),
		Content:      p.Content,
		Published:    &published,
		To:           activitypub.Links{{ID: activitypub.PublicCollection}},
		Cc:           activitypub.Links{{ID: owner.FollowersURI}},
		Target:       activitypub.LinkTo(owner.WallURI),
	}
	if p.ParentID != 0 {
		parent, err := tx.PostByID(p.ParentID)
		if err != nil {
			return nil, err
		}
		parentURI := parent.APID
		if parent.Local {
			if parentURI, err = s.URIs.Post(parent); err != nil {
				return nil, err
			}
		}
		note.InReplyTo = activitypub.LinkTo(parentURI)
		note.Target = activitypub.LinkTo(owner.WallCommentsURI)
	}
	return note, nil
}
