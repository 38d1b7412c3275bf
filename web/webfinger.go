package web

import (
	"errors"
	"net/http"
	"strings"

	"github.com/deemkeen/fedgraph/activitypub"
	"github.com/deemkeen/fedgraph/domain"
	"github.com/deemkeen/fedgraph/store"
	"github.com/gin-gonic/gin"
)

type WebFingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type"`
	Href string `json:"href"`
}

type WebFingerResponse struct {
	Subject string          `json:"subject"`
	Links   []WebFingerLink `json:"links"`
}

// parseAcct splits "acct:user@host" into user and host.
func parseAcct(resource string) (string, string, bool) {
	acct, ok := strings.CutPrefix(resource, "acct:")
	if !ok {
		return "", "", false
	}
	user, host, ok := strings.Cut(acct, "@")
	if !ok || user == "" || host == "" {
		return "", "", false
	}
	return user, host, true
}

func (s *Server) handleWebfinger(c *gin.Context) {
	c.Header("Content-Type", "application/jrd+json; charset=utf-8")
	user, host, ok := parseAcct(c.Query("resource"))
	if !ok || !strings.EqualFold(host, s.URIs.Host()) {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Not Found"})
		return
	}

	var actor *domain.Actor
	err := s.Store.InTx(c.Request.Context(), func(tx store.Tx) (err error) {
		actor, err = tx.ActorByHandle(user, "")
		return err
	})
	if errors.Is(err, domain.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Not Found"})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	s.URIs.Fill(actor)
	c.JSON(http.StatusOK, WebFingerResponse{
		Subject: "acct:" + actor.Username + "@" + s.URIs.Host(),
		Links: []WebFingerLink{{
			Rel:  "self",
			Type: activitypub.ContentType,
			Href: actor.APID,
		}},
	})
}
