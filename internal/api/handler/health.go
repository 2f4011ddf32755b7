package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/kiranshivaraju/tabflow/internal/api/response"
)

// Pinger is anything the health check can probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

const healthTimeout = 2 * time.Second

// NewHealthHandler returns GET /api/v1/health. It answers 200 when the
// database and the cache respond and 503 otherwise.
func NewHealthHandler(db, cache Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		checks := map[string]string{
			"database": probe(ctx, "database", db),
			"cache":    probe(ctx, "cache", cache),
		}
		for _, s := range checks {
			if s != "ok" {
				response.Error(w, http.StatusServiceUnavailable, "DEGRADED", "One or more services degraded", checks)
				return
			}
		}
		response.JSON(w, map[string]any{"status": "ok", "checks": checks})
	}
}

func probe(ctx context.Context, name string, p Pinger) string {
	if p == nil {
		return "unconfigured"
	}
	if err := p.Ping(ctx); err != nil {
		slog.Warn("health check failed", "dependency", name, "error", err)
		return "degraded"
	}
	return "ok"
}
