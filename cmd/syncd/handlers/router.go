package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kimhsiao/syncore/internal/logging"
)

// RouterConfig lists the handlers mounted by NewRouter. Nil entries are
// skipped.
type RouterConfig struct {
	Sync      *SyncHandler
	Network   *NetworkHandler
	Records   []*RecordHandler
	WebSocket http.Handler
	Metrics   http.Handler
}

// NewRouter builds the control server routes.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "syncd"})
	})

	if h := cfg.Sync; h != nil {
		r.Get("/api/sync/status", h.GetStatus)
		r.Post("/api/sync", h.TriggerSync)
		r.Get("/api/sync/failed", h.ListFailed)
		r.Post("/api/sync/failed/retry", h.RetryFailed)
		r.Get("/api/sync/conflicts", h.ListConflicts)
		r.Post("/api/sync/conflicts/{actionID}/resolve", h.ResolveConflict)
		r.Post("/api/sync/cleanup", h.Cleanup)
	}
	if h := cfg.Network; h != nil {
		r.Get("/api/network", h.GetNetwork)
		r.Post("/api/network", h.SetNetwork)
		r.Post("/api/app/state", h.SetAppState)
	}
	for _, h := range cfg.Records {
		h.Routes(r)
	}
	if cfg.WebSocket != nil {
		r.Handle("/ws", cfg.WebSocket)
	}
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics)
	}
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logging.Debug("HTTP request", map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		})
	})
}
