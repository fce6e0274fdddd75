package debugserver

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"

	"netpulse/internal/metrics"
	rtsup "netpulse/internal/runtime/supervisor"
	"netpulse/internal/session"
	"netpulse/pkg/archive"
	"netpulse/pkg/trend"
)

// SessionView is the part of *session.Session the server reads and drives.
type SessionView interface {
	Snapshot() session.Snapshot
	StartTest(ctx context.Context) error
	Stop()
}

// Sources are the data behind the JSON endpoints. Nil members disable the
// corresponding routes.
type Sources struct {
	Session     SessionView
	Archive     *archive.Archive
	Metrics     *metrics.Metrics
	Supervisors func() map[string]rtsup.Snapshot
}

// startTimeout bounds a test started over HTTP; the run itself continues
// over the push transport after the request returns.
const startTimeout = 2 * time.Minute

// Handler builds the router for cfg.
func (s *Service) Handler(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(bearerAuth(cfg.Token))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if cfg.Profiler {
		r.Mount("/debug", chimiddleware.Profiler())
	}
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		if s.deps.Session != nil {
			r.Get("/state", s.handleState)
			r.Get("/history", s.handleHistory)
			r.Get("/heatmap", s.handleHeatmap)
			r.Get("/chart", s.handleChart)
			r.Post("/test", s.handleStart)
			r.Delete("/test", s.handleStop)
		}
		if s.deps.Archive != nil {
			r.Get("/archive", s.handleArchive)
			r.Get("/archive/stats", s.handleArchiveStats)
		}
		if s.deps.Supervisors != nil {
			r.Get("/supervisor", s.handleSupervisor)
		}
	})
	return r
}

func (s *Service) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Session.Snapshot())
}

func (s *Service) handleHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tests": s.deps.Session.Snapshot().State.History})
}

func (s *Service) handleHeatmap(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Session.Snapshot().Heatmap)
}

func (s *Service) handleChart(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("metric")
	if raw == "" {
		raw = string(trend.MetricDownload)
	}
	m, ok := trend.ParseMetric(raw)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown metric "+strconv.Quote(raw))
		return
	}
	writeJSON(w, http.StatusOK, trend.Chart(s.deps.Session.Snapshot().State.History, m))
}

func (s *Service) handleStart(w http.ResponseWriter, r *http.Request) {
	// Detached from the request so a disconnecting client does not abort
	// a synchronous run.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), startTimeout)
	defer cancel()

	err := s.deps.Session.StartTest(ctx)
	switch {
	case errors.Is(err, session.ErrRunning):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrAPIDown):
		writeError(w, http.StatusServiceUnavailable, s.deps.Session.Snapshot().State.Error)
	case err != nil:
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, s.deps.Session.Snapshot())
	}
}

func (s *Service) handleStop(w http.ResponseWriter, r *http.Request) {
	s.deps.Session.Stop()
	writeJSON(w, http.StatusOK, s.deps.Session.Snapshot())
}

func (s *Service) handleArchive(w http.ResponseWriter, r *http.Request) {
	n := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		n = v
	}
	recs, err := s.deps.Archive.Recent(n)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": recs})
}

func (s *Service) handleArchiveStats(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "window must be a positive duration")
			return
		}
		window = d
	}
	st, err := s.deps.Archive.StatsSince(window)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Service) handleSupervisor(w http.ResponseWriter, r *http.Request) {
	out := s.deps.Supervisors()
	if out == nil {
		out = map[string]rtsup.Snapshot{}
	}
	if sup := s.Supervisor(); sup != nil {
		out["debugserver"] = sup.Snapshot()
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// bearerAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
// An empty token disables the check.
func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("token"); got != "" {
				if got == tok {
					next.ServeHTTP(w, r)
					return
				}
				unauthorized(w)
				return
			}
			const p = "Bearer "
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				next.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}
