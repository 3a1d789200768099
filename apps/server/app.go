package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/mahaj/support-chat/pkg/api"
	"github.com/mahaj/support-chat/pkg/auth"
	"github.com/mahaj/support-chat/pkg/broker"
	"github.com/mahaj/support-chat/pkg/config"
	"github.com/mahaj/support-chat/pkg/db"
	"github.com/mahaj/support-chat/pkg/dedupe"
	"github.com/mahaj/support-chat/pkg/directory"
	"github.com/mahaj/support-chat/pkg/gateway"
	"github.com/mahaj/support-chat/pkg/presence"
	"github.com/mahaj/support-chat/pkg/snowflake"
)

const shutdownTimeout = 10 * time.Second

// app is one server node: REST, the websocket gateway and the broker
// consumer that feeds it.
type app struct {
	handler http.Handler
	hub     *gateway.Hub
	broker  broker.Broker
	logger  *slog.Logger
	closers []func() error
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{logger: logger}
	if err := a.wire(cfg); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(cfg *config.Config) error {
	logger := a.logger

	var rdb *redis.Client
	var tracker *presence.Tracker
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		a.closers = append(a.closers, rdb.Close)
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			return fmt.Errorf("connect to redis %s: %w", cfg.RedisAddr, err)
		}
		tracker = presence.NewTracker(rdb)
	}

	store, session, err := a.openStore(cfg)
	if err != nil {
		return err
	}

	// A nil *Tracker must not become a non-nil interface.
	var hubPresence gateway.PresenceTracker
	var apiPresence api.Presence
	if tracker != nil {
		hubPresence, apiPresence = tracker, tracker
	}
	a.hub = gateway.NewHub(hubPresence, logger)

	switch cfg.Broker {
	case config.BrokerKafka:
		a.broker = broker.NewKafka(cfg.KafkaBrokers, cfg.KafkaTopic, a.hub, logger)
	case config.BrokerRedis:
		a.broker = broker.NewRedis(rdb, cfg.RedisChannel, a.hub, logger)
	default:
		a.broker = broker.NewLocal(a.hub)
	}
	a.closers = append(a.closers, a.broker.Close)

	ids, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return err
	}
	var opts []directory.Option
	switch {
	case rdb != nil:
		opts = append(opts, directory.WithDeduper(dedupe.NewRedis(rdb, directory.DedupeWindow)))
	case session != nil:
		opts = append(opts, directory.WithDeduper(db.NewClientIDs(session, directory.DedupeWindow)))
	}
	dir := directory.New(store, a.broker, ids, logger, opts...)
	issuer := auth.NewIssuer(cfg.JWTSecret, cfg.TokenTTL)

	router := api.NewRouter(api.Deps{
		Directory:      dir,
		Issuer:         issuer,
		Presence:       apiPresence,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
	})
	router.Handle("/ws", gateway.NewServer(a.hub, dir, issuer, originChecker(cfg.AllowedOrigins), logger))
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	a.handler = router
	return nil
}

// openStore also returns the Scylla session when one is used, so client id
// claims can share it.
func (a *app) openStore(cfg *config.Config) (directory.Store, *db.Session, error) {
	if cfg.Store != config.StoreScylla {
		a.logger.Warn("using in-memory store; conversations are lost on restart")
		return directory.NewMemoryStore(), nil, nil
	}
	if err := db.EnsureKeyspace(cfg.ScyllaHosts, cfg.ScyllaKeyspace, a.logger); err != nil {
		return nil, nil, err
	}
	session, err := db.NewSession(cfg.ScyllaHosts, cfg.ScyllaKeyspace, a.logger)
	if err != nil {
		return nil, nil, err
	}
	a.closers = append(a.closers, func() error { session.Close(); return nil })
	if err := db.Migrate(session); err != nil {
		return nil, nil, err
	}
	return db.NewConversationStore(session), session, nil
}

// originChecker allows websocket upgrades from the configured origins. With
// none configured the gateway default applies.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}

// run serves addr until ctx is cancelled or a component fails.
func (a *app) run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.hub.Run(ctx) })
	g.Go(func() error {
		if err := a.broker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("broker: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		a.logger.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
}
