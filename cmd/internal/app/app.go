// Package app wires the Relay server runtime: config, logging, metrics,
// storage selection, HTTP routes, and the realtime gateway.
package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/jackc/pgx/v5/pgxpool"

	"relay/cmd/internal/api"
	"relay/cmd/internal/auth"
	"relay/cmd/internal/chat"
	"relay/cmd/internal/realtime"
)

// Store is a small app-level lifecycle abstraction.
// It exists to allow storage resources to be closed gracefully.
type Store interface {
	Close(ctx context.Context) error
}

// nopStore is used for in-memory store mode.
type nopStore struct{}

func (nopStore) Close(_ context.Context) error { return nil }

// App is the Relay server runtime: it owns HTTP server wiring and the
// realtime gateway dependencies.
type App struct {
	cfg Config
	log Logger

	store Store

	dbPool    *pgxpool.Pool
	dbEnabled bool

	metrics  *Metrics
	verifier *auth.Verifier
	sessions *realtime.Controller
	ws       *realtime.WSGateway
	rest     *api.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	st, dbPool, dbEnabled, msgStore, rooms, err := newStore(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	secret := cfg.TokenSecret
	if secret == "" {
		// Dev mode only; config validation rejects this in production.
		secret = randomSecret()
		log.Warn("auth.dev_secret", "hint", "set RELAY_TOKEN_SECRET to accept externally minted tokens")
	}
	verifier, err := auth.NewVerifier(secret)
	if err != nil {
		closeQuietly(st)
		return nil, err
	}

	registry := realtime.NewRegistry()
	metrics := NewMetrics(registry.Len)
	msgStore = instrumentedStore{MessageStore: msgStore, metrics: metrics}

	sessions := realtime.NewController(log, registry, rooms, cfg.WSSendQueue)
	engine := realtime.NewEngine(log, registry,
		realtime.WithFanoutWorkers(cfg.FanoutWorkers),
		realtime.WithEnqueueTimeout(cfg.EnqueueTimeout),
		realtime.WithMetrics(metrics),
		realtime.WithReaper(sessions.Disconnect),
	)

	ws := realtime.NewWSGateway(log, sessions, msgStore, engine, verifier, realtime.GatewayConfig{
		OriginRequired:    cfg.WSOriginRequired,
		AllowedOrigins:    cfg.WSAllowedOrigins,
		DevInsecure:       cfg.WSDevInsecure,
		WriteTimeout:      cfg.WSWriteTimeout,
		ReadIdleTimeout:   cfg.WSReadIdleTimeout,
		SendQueueSize:     cfg.WSSendQueue,
		HeartbeatInterval: cfg.WSHeartbeatInterval,
		HeartbeatTimeout:  cfg.WSHeartbeatTimeout,
		RateEvents:        cfg.WSRateEvents,
		RateWindow:        cfg.WSRateWindow,
	})
	ws.SetPreAuth(func(r *http.Request) (string, bool) {
		return auth.FromRequest(verifier, r)
	})

	rest := api.NewHandler(log, rooms, msgStore, engine)

	return &App{
		cfg:       cfg,
		log:       log,
		store:     st,
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
		metrics:   metrics,
		verifier:  verifier,
		sessions:  sessions,
		ws:        ws,
		rest:      rest,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal
// server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.metrics, a.verifier, a.ws, a.rest)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
	}

	// Force-disconnect the remaining websocket sessions so their goroutines
	// release the storage handles before those are closed.
	a.sessions.Shutdown()

	if err := a.store.Close(shutdownCtx); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// newStore selects the storage backend: Postgres when a database URL is set,
// embedded Badger when a path (or in-memory flag) is set, and the volatile
// dev store otherwise.
func newStore(ctx context.Context, cfg Config, log Logger) (Store, *pgxpool.Pool, bool, chat.MessageStore, chat.RoomDirectory, error) {
	switch {
	case cfg.DatabaseURL != "":
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, nil, false, nil, nil, err
		}

		log.Info("store.postgres", "schema", cfg.DBSchema)

		// Ownership model: app owns the pool; the store Close calls are
		// no-ops.
		msgStore, err := chat.NewPostgresStore(pool, chat.WithSchema(cfg.DBSchema))
		if err != nil {
			pool.Close()
			return nil, nil, false, nil, nil, err
		}
		rooms, err := chat.NewPostgresDirectory(pool, chat.WithSchema(cfg.DBSchema))
		if err != nil {
			pool.Close()
			return nil, nil, false, nil, nil, err
		}
		return dbStore{pool: pool}, pool, true, msgStore, rooms, nil

	case cfg.BadgerPath != "" || cfg.BadgerInMemory:
		opts := badger.DefaultOptions(cfg.BadgerPath).WithLogger(nil)
		if cfg.BadgerInMemory {
			opts = opts.WithInMemory(true)
		}
		db, err := badger.Open(opts)
		if err != nil {
			return nil, nil, false, nil, nil, err
		}

		log.Info("store.badger", "path", cfg.BadgerPath, "in_memory", cfg.BadgerInMemory)

		msgStore, err := chat.NewBadgerStore(db)
		if err != nil {
			_ = db.Close()
			return nil, nil, false, nil, nil, err
		}
		rooms, err := chat.NewBadgerDirectory(db)
		if err != nil {
			_ = db.Close()
			return nil, nil, false, nil, nil, err
		}
		return badgerStore{db: db}, nil, false, msgStore, rooms, nil

	default:
		log.Info("store.memory")
		return nopStore{}, nil, false, chat.NewMemoryStore(), chat.NewMemoryDirectory(), nil
	}
}

type dbStore struct {
	pool *pgxpool.Pool
}

func (s dbStore) Close(_ context.Context) error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

type badgerStore struct {
	db *badger.DB
}

func (s badgerStore) Close(_ context.Context) error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// instrumentedStore records append latency around the wrapped store.
type instrumentedStore struct {
	chat.MessageStore
	metrics *Metrics
}

func (s instrumentedStore) Append(ctx context.Context, in chat.AppendInput) (chat.Message, error) {
	start := time.Now()
	msg, err := s.MessageStore.Append(ctx, in)
	if err == nil {
		s.metrics.ObserveAppend(time.Since(start))
	}
	return msg, err
}

func closeQuietly(st Store) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = st.Close(ctx)
}

func randomSecret() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
