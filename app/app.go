// Package app builds every component once, in dependency order, and owns
// their lifecycle.
package app

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strconv"

	"github.com/deemkeen/fedgraph/activitypub"
	"github.com/deemkeen/fedgraph/cache"
	"github.com/deemkeen/fedgraph/db"
	"github.com/deemkeen/fedgraph/dispatch"
	"github.com/deemkeen/fedgraph/feed"
	"github.com/deemkeen/fedgraph/friends"
	"github.com/deemkeen/fedgraph/graph"
	"github.com/deemkeen/fedgraph/groups"
	"github.com/deemkeen/fedgraph/keys"
	"github.com/deemkeen/fedgraph/metrics"
	"github.com/deemkeen/fedgraph/namedmutex"
	"github.com/deemkeen/fedgraph/notify"
	"github.com/deemkeen/fedgraph/obfuscate"
	"github.com/deemkeen/fedgraph/resolver"
	"github.com/deemkeen/fedgraph/util"
	"github.com/deemkeen/fedgraph/web"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "app")

// KeyBits is the RSA key size of generated actor and service keys.
const KeyBits = 2048

type App struct {
	Conf *util.AppConfig

	DB        *db.DB
	Keys      *keys.Material
	IDs       *obfuscate.Obfuscator
	URIs      *activitypub.LocalURIs
	Cache     *cache.Cache
	Locks     *namedmutex.Registry
	Metrics   *metrics.Metrics
	Redis     *redis.Client
	Resolver  *resolver.Resolver
	Graph     *graph.Engine
	Groups    *groups.Controller
	Notify    *notify.Emitter
	Feed      *feed.Publisher
	Builder   *activitypub.Builder
	Deliverer *activitypub.Deliverer
	Inbox     *dispatch.Dispatcher
	Friends   *friends.Service
	Web       *web.Server
}

// New opens the database, loads key material and wires the engine.
func New(ctx context.Context, conf *util.AppConfig) (*App, error) {
	a := &App{Conf: conf}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	log.Infof("Serving %s", a.URIs.Base())
	return a, nil
}

// DatabasePath resolves the configured database file. Absolute paths and
// ":memory:" are used as given.
func DatabasePath(conf *util.AppConfig) string {
	path := conf.Conf.Database
	if path == ":memory:" || filepath.IsAbs(path) {
		return path
	}
	return util.ResolveFilePath(path)
}

func (a *App) wire(ctx context.Context) (err error) {
	conf := a.Conf
	if a.DB, err = db.Open(DatabasePath(conf)); err != nil {
		return err
	}
	if a.Keys, err = keys.Load(ctx, a.DB, KeyBits); err != nil {
		return err
	}
	if a.IDs, err = a.Keys.Obfuscator(); err != nil {
		return err
	}
	if a.URIs, err = activitypub.NewLocalURIs(conf.BaseURL(), a.IDs); err != nil {
		return err
	}
	if a.Cache, err = cache.New(conf.Conf.CacheMaxItems); err != nil {
		return err
	}
	a.Locks = namedmutex.New()
	a.Metrics = metrics.New()

	if conf.Conf.RedisAddr != "" {
		a.Redis = redis.NewClient(&redis.Options{Addr: conf.Conf.RedisAddr, Password: conf.Conf.RedisPassword})
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			// counters fall back to the database
			log.Warnf("Redis at %s unreachable: %v", conf.Conf.RedisAddr, err)
		}
	}

	fetcher := activitypub.NewHTTPFetcher(conf.Conf.FetchTimeout, a.Metrics).
		WithSigner(a.Keys.ServiceKey, a.URIs.ServiceActor()+"#main-key")
	a.Resolver = resolver.New(a.DB, fetcher, a.Locks, a.Cache, a.URIs)
	a.Graph = graph.New(a.DB, a.Cache)
	a.Groups = groups.New(a.Graph, a.Locks)
	a.Notify = notify.New(a.DB, a.Redis, a.Metrics)
	a.Feed = feed.New(a.DB, a.URIs)
	a.Builder = activitypub.NewBuilder(a.URIs)
	a.Deliverer = activitypub.NewDeliverer(a.DB, a.URIs, a.Metrics, conf.Conf.DeliveryConcurrency)

	a.Inbox = dispatch.New(dispatch.Deps{
		Store:    a.DB,
		Resolver: a.Resolver,
		Graph:    a.Graph,
		Groups:   a.Groups,
		Notify:   a.Notify,
		Feed:     a.Feed,
		Federate: a.Deliverer,
		Builder:  a.Builder,
		URIs:     a.URIs,
		Metrics:  a.Metrics,
	})
	a.Friends = friends.New(a.Graph, a.Groups, a.Resolver, a.Notify, a.Feed, a.Builder, a.Deliverer)
	a.Web = web.New(web.Deps{
		Store:      a.DB,
		Dispatcher: a.Inbox,
		Resolver:   a.Resolver,
		Graph:      a.Graph,
		Friends:    a.Friends,
		Feed:       a.Feed,
		Notify:     a.Notify,
		URIs:       a.URIs,
		Metrics:    a.Metrics,
		Service:    web.ServiceActor{PublicKeyPem: a.Keys.ServicePublicPem},
		WithAp:     conf.Conf.WithAp,
	})
	return nil
}

// Run starts the background workers and serves HTTP until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if a.Conf.Conf.WithAp {
		a.Deliverer.Start(ctx, a.Conf.Conf.DeliveryInterval)
	}
	if expr := a.Conf.Conf.HintsNormalizeCron; expr != "" {
		if err := a.Graph.StartHintsNormalizer(ctx, expr); err != nil {
			return err
		}
	}
	addr := net.JoinHostPort(a.Conf.Conf.Host, strconv.Itoa(a.Conf.Conf.HttpPort))
	return a.Web.Run(ctx, addr)
}

func (a *App) Close() error {
	if a.Cache != nil {
		a.Cache.Close()
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			log.Warnf("Closing redis: %v", err)
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			return fmt.Errorf("close database: %w", err)
		}
	}
	return nil
}
