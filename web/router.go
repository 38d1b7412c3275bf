// Package web is the HTTP surface: federation inboxes, actor and object
// documents, webfinger, the local friend API, Atom feeds and metrics.
package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/deemkeen/fedgraph/activitypub"
	"github.com/deemkeen/fedgraph/dispatch"
	"github.com/deemkeen/fedgraph/feed"
	"github.com/deemkeen/fedgraph/friends"
	"github.com/deemkeen/fedgraph/graph"
	"github.com/deemkeen/fedgraph/metrics"
	"github.com/deemkeen/fedgraph/notify"
	"github.com/deemkeen/fedgraph/resolver"
	"github.com/deemkeen/fedgraph/store"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var log = logrus.WithField("component", "web")

const maxActivityBytes = 1 << 20

// ServiceActor is the instance actor remote servers fetch to verify our
// signed GETs.
type ServiceActor struct {
	PublicKeyPem string
}

type Deps struct {
	Store      store.Store
	Dispatcher *dispatch.Dispatcher
	Resolver   *resolver.Resolver
	Graph      *graph.Engine
	Friends    *friends.Service
	Feed       *feed.Publisher
	Notify     *notify.Emitter
	URIs       *activitypub.LocalURIs
	Metrics    *metrics.Metrics
	Service    ServiceActor
	// WithAp enables the federation endpoints.
	WithAp bool
}

type Server struct {
	Deps
	limiter   *RateLimiter
	apLimiter *RateLimiter
}

func New(deps Deps) *Server {
	return &Server{
		Deps: deps,
		// 10 requests per second per IP, burst of 20
		limiter: NewRateLimiter(rate.Limit(10), 20),
		// inboxes get a stricter 5 per second
		apLimiter: NewRateLimiter(rate.Limit(5), 10),
	}
}

// Handler builds the gin engine with every route registered.
func (s *Server) Handler() *gin.Engine {
	g := gin.New()
	g.Use(gin.Recovery(), RequestLogger(), gzip.Gzip(gzip.DefaultCompression))
	g.Use(RateLimitMiddleware(s.limiter))

	if s.Metrics != nil {
		g.GET("/metrics", gin.WrapH(s.Metrics.Handler()))
	}
	g.GET("/feed/:id", s.handleFeed)

	api := g.Group("/api", requireUser)
	s.registerFriendAPI(api)

	if s.WithAp {
		inbox := []gin.HandlerFunc{RateLimitMiddleware(s.apLimiter), MaxBytesMiddleware(maxActivityBytes)}
		g.POST("/inbox", append(inbox, s.handleInbox(""))...)
		g.POST("/users/:id/inbox", append(inbox, s.handleInbox("users"))...)
		g.POST("/groups/:id/inbox", append(inbox, s.handleInbox("groups"))...)

		g.GET("/actor", s.handleServiceActor)
		g.GET("/users/:id", s.handleActor("users"))
		g.GET("/groups/:id", s.handleActor("groups"))
		g.GET("/users/:id/followers", s.handleCollection("users", followersCollection))
		g.GET("/users/:id/following", s.handleCollection("users", followingCollection))
		g.GET("/groups/:id/followers", s.handleCollection("groups", followersCollection))
		g.GET("/groups/:id/members", s.handleCollection("groups", membersCollection))
		g.GET("/posts/:token", s.handlePost)
		g.GET("/comments/:token", s.handlePost)
		g.GET("/.well-known/webfinger", s.handleWebfinger)
	}
	return g
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	go s.limiter.Run(ctx)
	go s.apLimiter.Run(ctx)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Infof("Starting HTTP server on %s", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	log.Info("Stopping HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func renderActivity(c *gin.Context, status int, v any) {
	c.Header("Content-Type", activitypub.ContentType+"; charset=utf-8")
	c.JSON(status, v)
}
