package ratelimit

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"rental-gateway/middleware/ratelimit/application"
	"rental-gateway/middleware/ratelimit/domain"
	"rental-gateway/middleware/ratelimit/infra"
)

// HealthChecker é implementado por infra.Selector.
type HealthChecker interface {
	Health(ctx context.Context) domain.Health
}

// StatsSnapshotter é implementado por infra.MemoryStatsStore.
type StatsSnapshotter interface {
	Snapshot() infra.Snapshot
}

// AdminRoutes monta a superfície administrativa:
//
//	GET    /status?client=<id>[&policy=<nome>]
//	DELETE /clients/{client}
//	GET    /stats
//
// Em produção o Admin recusa tudo com 403; o gateway nem monta as rotas.
func AdminRoutes(admin application.Admin, stats StatsSnapshotter) chi.Router {
	r := chi.NewRouter()

	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		key, err := application.NormalizeClientKey(req.URL.Query().Get("client"))
		if err != nil {
			writeError(w, err)
			return
		}
		policy := req.URL.Query().Get("policy")
		if policy == "" {
			all, err := admin.StatusAll(req.Context(), key)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"client": key, "policies": all})
			return
		}
		st, err := admin.Status(req.Context(), key, policy)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"client": key, "status": st})
	})

	r.Delete("/clients/{client}", func(w http.ResponseWriter, req *http.Request) {
		key, err := application.NormalizeClientKey(chi.URLParam(req, "client"))
		if err != nil {
			writeError(w, err)
			return
		}
		if err := admin.ResetAll(req.Context(), key); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	r.Get("/stats", func(w http.ResponseWriter, req *http.Request) {
		if admin.Production {
			writeError(w, domain.Wrap(domain.ForbiddenEnvironment, "rate limit administration is disabled in production"))
			return
		}
		if stats == nil {
			writeError(w, domain.Wrap(domain.NotFound, "in-memory stats are not enabled"))
			return
		}
		writeJSON(w, http.StatusOK, stats.Snapshot())
	})

	return r
}

// HealthHandler responde 200 quando o limiter está saudável, 503 senão.
func HealthHandler(hc HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := hc.Health(r.Context())
		status := http.StatusOK
		if !h.Healthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, h)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch domain.GetErrCode(err) {
	case domain.ForbiddenEnvironment:
		status = http.StatusForbidden
	case domain.InvalidArgument, domain.InvalidCategory:
		status = http.StatusBadRequest
	case domain.NotFound:
		status = http.StatusNotFound
	case domain.BackendUnavailable, domain.BackendRuntimeFailure:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
