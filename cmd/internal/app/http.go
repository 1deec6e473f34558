package app

import (
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"relay/cmd/internal/api"
	"relay/cmd/internal/auth"
	"relay/cmd/internal/realtime"
)

func registerHTTP(
	mux *http.ServeMux,
	log Logger,
	cfg Config,
	dbPool *pgxpool.Pool,
	dbEnabled bool,
	metrics *Metrics,
	verifier *auth.Verifier,
	ws *realtime.WSGateway,
	rest *api.Handler,
) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.ReadinessRequireDB && !dbEnabled {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		if dbEnabled && dbPool != nil {
			if err := PingDB(r.Context(), dbPool, 2*time.Second); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.Handle("GET /metrics", metrics.Handler())

	// REST surface behind bearer auth.
	apiMux := http.NewServeMux()
	rest.Register(apiMux)
	mux.Handle("/rooms", auth.Middleware(log, verifier)(apiMux))
	mux.Handle("/rooms/", auth.Middleware(log, verifier)(apiMux))

	// The websocket upgrade authenticates out-of-band: header identity is
	// honored when present, the hello frame covers the rest.
	mux.HandleFunc("/ws", ws.HandleWS)
}
