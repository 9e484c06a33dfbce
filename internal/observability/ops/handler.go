package ops

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	hpprof "net/http/pprof"
	"strings"

	"broadcastbot/internal/storage"
)

// RunLogs is the read side of the progress store.
type RunLogs interface {
	GetRun(ctx context.Context, runID string) (storage.Run, error)
	ListRuns(ctx context.Context, f storage.ListFilter) ([]storage.Run, error)
	ExportLog(ctx context.Context, runID string, w io.Writer) error
}

type Deps struct {
	Metrics http.Handler
	Runs    RunLogs
	// Live returns in-flight run counters for /runs.
	Live func() any
	// Health reports a problem that should fail /healthz.
	Health func() error
}

// Handler builds the ops mux.
func Handler(cfg Config, d Deps) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.Handler { return withAuth(cfg.Token, h) }

	mux.Handle("GET /healthz", wrap(func(w http.ResponseWriter, r *http.Request) {
		if d.Health != nil {
			if err := d.Health(); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		_, _ = w.Write([]byte("ok"))
	}))
	if d.Metrics != nil {
		mux.Handle("GET /metrics", withAuth(cfg.Token, d.Metrics))
	}
	if d.Runs != nil {
		mux.Handle("GET /runs", wrap(func(w http.ResponseWriter, r *http.Request) {
			f := storage.ListFilter{Status: storage.RunStatus(r.URL.Query().Get("status")), Limit: 50}
			runs, err := d.Runs.ListRuns(r.Context(), f)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			out := map[string]any{"runs": runs}
			if d.Live != nil {
				out["active"] = d.Live()
			}
			writeJSON(w, out)
		}))
		mux.Handle("GET /runs/{id}/log", wrap(func(w http.ResponseWriter, r *http.Request) {
			id := r.PathValue("id")
			if _, err := d.Runs.GetRun(r.Context(), id); err != nil {
				if errors.Is(err, storage.ErrRunNotFound) {
					http.NotFound(w, r)
					return
				}
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			w.Header().Set("Content-Type", "application/x-ndjson")
			w.Header().Set("Content-Disposition", `attachment; filename="`+id+`.jsonl"`)
			if err := d.Runs.ExportLog(r.Context(), id, w); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
			}
		}))
	}
	if cfg.Pprof {
		mux.Handle("GET /debug/pprof/", wrap(hpprof.Index))
		mux.Handle("GET /debug/pprof/cmdline", wrap(hpprof.Cmdline))
		mux.Handle("GET /debug/pprof/profile", wrap(hpprof.Profile))
		mux.Handle("GET /debug/pprof/symbol", wrap(hpprof.Symbol))
		mux.Handle("GET /debug/pprof/trace", wrap(hpprof.Trace))
	}
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string, h http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, "Bearer ") {
				got = strings.TrimSpace(strings.TrimPrefix(ah, "Bearer "))
			}
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h.ServeHTTP(w, r)
	})
}
