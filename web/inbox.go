package web

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/deemkeen/fedgraph/activitypub"
	"github.com/deemkeen/fedgraph/dispatch"
	"github.com/deemkeen/fedgraph/domain"
	"github.com/deemkeen/fedgraph/resolver"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// handleInbox verifies the HTTP signature of a delivery and hands the
// activity to the dispatcher. kind is "users", "groups" or "" for the
// shared inbox.
func (s *Server) handleInbox(kind string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if kind != "" {
			if _, err := s.localActor(ctx, kind, c.Param("id")); err != nil {
				respondError(c, err)
				return
			}
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				abort(c, http.StatusRequestEntityTooLarge, "too_large", "Request body too large")
				return
			}
			respondError(c, domain.ErrBadRequest.Wrap(err))
			return
		}
		act, err := activitypub.Decode(body)
		if err != nil {
			respondError(c, domain.ErrBadRequest.Wrap(err))
			return
		}

		sender, err := s.verifySignature(ctx, c.Request, body)
		if err != nil {
			if domain.IsTransient(err) {
				c.Header("Retry-After", "60")
				respondError(c, err)
				return
			}
			log.WithFields(logrus.Fields{"activity": act.ID, "type": act.Type}).Infof("Inbox: signature rejected: %v", err)
			abort(c, http.StatusUnauthorized, "invalid_signature", err.Error())
			return
		}

		res := s.Dispatcher.Process(ctx, dispatch.Inbound{Activity: act, Raw: body, Actor: sender})
		status := inboxStatus(res)
		if status == http.StatusServiceUnavailable {
			c.Header("Retry-After", "60")
		}
		c.JSON(status, gin.H{"outcome": res.Outcome.String(), "reason": res.Reason})
	}
}

// inboxStatus maps a dispatch result to the status returned to the sending
// server. Unsupported activities are accepted so the sender stops retrying.
func inboxStatus(res dispatch.Result) int {
	switch res.Outcome {
	case dispatch.Committed:
		return http.StatusAccepted
	case dispatch.Deferred:
		return http.StatusServiceUnavailable
	}
	switch res.Reason {
	case domain.ReasonUnsupportedActivity:
		return http.StatusAccepted
	case domain.ReasonAuthorizationDenied:
		return http.StatusForbidden
	}
	return http.StatusBadRequest
}

// verifySignature resolves the owner of the signing key and checks the
// signature and digest against its public key. A failed check is retried
// once with a refreshed actor, in case the key was rotated.
func (s *Server) verifySignature(ctx context.Context, req *http.Request, body []byte) (*domain.Actor, error) {
	keyID, err := activitypub.SignatureKeyID(req)
	if err != nil {
		return nil, err
	}
	owner := activitypub.KeyOwner(keyID)
	if s.URIs.IsLocal(owner) {
		return nil, fmt.Errorf("key %s is one of ours", keyID)
	}
	actor, err := s.Resolver.ResolveActor(ctx, owner, resolver.Default)
	if err != nil {
		if domain.IsTransient(err) {
			return nil, err
		}
		return nil, fmt.Errorf("key owner %s: %w", owner, err)
	}
	verifyErr := activitypub.VerifyRequest(req, actor.PublicKeyPem, body)
	if verifyErr == nil {
		return actor, nil
	}

	fresh, err := s.Resolver.ResolveActor(ctx, owner, resolver.Refresh)
	if err != nil || fresh.PublicKeyPem == actor.PublicKeyPem {
		return nil, verifyErr
	}
	if err := activitypub.VerifyRequest(req, fresh.PublicKeyPem, body); err != nil {
		return nil, err
	}
	log.Infof("Inbox: key of %s was rotated", owner)
	return fresh, nil
}
