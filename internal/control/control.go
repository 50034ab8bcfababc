// Package control implements the HTTP control surface: read-only
// introspection routes and imperative control routes over the
// dispatcher, queue manager, usage monitor, rate-limit predictor, and
// session monitor.
package control

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lewta/dispatchd/internal/dispatcher"
	"github.com/lewta/dispatchd/internal/queue"
	"github.com/lewta/dispatchd/internal/ratelimit"
	"github.com/lewta/dispatchd/internal/request"
	"github.com/lewta/dispatchd/internal/session"
	"github.com/lewta/dispatchd/internal/usage"
)

// Server exposes the control surface over HTTP, mirroring the teacher's
// metrics.ServeHTTP shape: a single ServeMux wired up front, graceful
// shutdown handled by the caller via http.Server.Shutdown.
type Server struct {
	httpServer *http.Server
	log        zerolog.Logger
}

// Deps bundles every component the control surface reads or mutates.
type Deps struct {
	Dispatcher   *dispatcher.Dispatcher
	Queue        *queue.Manager
	Usage        *usage.Monitor
	UsageMetrics *usage.Metrics
	RateLimit    *ratelimit.Predictor
	Session      *session.Monitor
}

// New builds a Server listening on addr. Every imperative route logs the
// operation and returns the post-operation view of the affected
// component, per the control-surface contract.
func New(addr string, deps Deps, log zerolog.Logger) *Server {
	log = log.With().Str("component", "control").Logger()
	mux := http.NewServeMux()

	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, deps.Queue.Status())
	})

	mux.HandleFunc("GET /usage", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"current": deps.Usage.CurrentWindow(),
			"history": deps.Usage.History(),
			"agents":  deps.Usage.AllAgentStats(),
		})
	})

	mux.HandleFunc("GET /predictions", func(w http.ResponseWriter, r *http.Request) {
		minutesAhead := 5
		if v := r.URL.Query().Get("minutes_ahead"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				minutesAhead = n
			}
		}
		writeJSON(w, deps.Usage.Predict(minutesAhead))
	})

	mux.HandleFunc("GET /rate-limit", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"recommended_delay_ms": deps.RateLimit.RecommendedDelay().Milliseconds(),
			"recommended_action":   deps.RateLimit.RecommendedAction(),
			"time_to_limit_s":      deps.RateLimit.TimeToLimit(),
			"last_release_at":      deps.RateLimit.LastReleaseAt(),
		})
	})

	mux.HandleFunc("GET /session", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, deps.Session.Snapshot())
	})

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		stopped, reason := deps.Dispatcher.EmergencyStopped()
		status := "ok"
		if stopped {
			status = "emergency_stopped"
		}
		writeJSON(w, map[string]any{
			"status": status,
			"reason": reason,
		})
	})

	metricsHandler := promhttp.HandlerFor(deps.UsageMetrics.Registry, promhttp.HandlerOpts{})
	mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, r *http.Request) {
		deps.UsageMetrics.Refresh(deps.Usage)
		metricsHandler.ServeHTTP(w, r)
	})

	mux.HandleFunc("POST /pause", func(w http.ResponseWriter, r *http.Request) {
		reason := r.URL.Query().Get("reason")
		if err := deps.Queue.Pause(reason); err != nil {
			writeError(w, err)
			return
		}
		log.Info().Str("reason", reason).Msg("queue paused via control surface")
		writeJSON(w, deps.Queue.Status())
	})

	mux.HandleFunc("POST /resume", func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Queue.Resume(); err != nil {
			writeError(w, err)
			return
		}
		log.Info().Msg("queue resumed via control surface")
		writeJSON(w, deps.Queue.Status())
	})

	mux.HandleFunc("POST /clear", func(w http.ResponseWriter, r *http.Request) {
		var p *request.Priority
		if v := r.URL.Query().Get("priority"); v != "" {
			if parsed, ok := request.ParsePriority(v); ok {
				p = &parsed
			}
		}
		removed, err := deps.Queue.Clear(p)
		if err != nil {
			writeError(w, err)
			return
		}
		log.Info().Int("removed", removed).Msg("queue cleared via control surface")
		writeJSON(w, map[string]any{"removed": removed, "status": deps.Queue.Status()})
	})

	mux.HandleFunc("DELETE /task/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		found, err := deps.Queue.RemoveTask(id)
		if err != nil {
			writeError(w, err)
			return
		}
		log.Info().Str("task_id", id).Bool("found", found).Msg("task removal requested via control surface")
		writeJSON(w, map[string]any{"removed": found, "status": deps.Queue.Status()})
	})

	mux.HandleFunc("POST /throttle", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Enabled bool   `json:"enabled"`
			Mode    string `json:"mode"`
			DelayMs int    `json:"delay_ms"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, err)
			return
		}
		deps.Dispatcher.SetThrottle(dispatcher.ThrottleState{
			Enabled:     body.Enabled,
			Mode:        dispatcher.ThrottleMode(body.Mode),
			BaseDelayMs: body.DelayMs,
		})
		log.Info().Interface("throttle", body).Msg("throttle updated via control surface")
		writeJSON(w, deps.Dispatcher.Throttle())
	})

	mux.HandleFunc("POST /concurrency", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			N int `json:"n"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, err)
			return
		}
		deps.Dispatcher.SetConcurrency(body.N)
		log.Info().Int("n", body.N).Msg("concurrency updated via control surface")
		writeJSON(w, map[string]any{"max_concurrent": deps.Dispatcher.MaxConcurrent()})
	})

	mux.HandleFunc("POST /emergency-stop", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Reason string `json:"reason"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Reason == "" {
			body.Reason = "operator requested emergency stop"
		}
		deps.Dispatcher.TriggerEmergencyStop(r.Context(), body.Reason)
		log.Warn().Str("reason", body.Reason).Msg("emergency stop requested via control surface")
		stopped, reason := deps.Dispatcher.EmergencyStopped()
		writeJSON(w, map[string]any{"stopped": stopped, "reason": reason})
	})

	return &Server{
		httpServer: &http.Server{Addr: addr, Handler: mux},
		log:        log,
	}
}

// ListenAndServe starts the HTTP server, blocking until it exits.
func (s *Server) ListenAndServe() error {
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("control surface listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server within the given timeout.
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
