package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dmitrymomot/zonequeue/core/logger"
	"github.com/dmitrymomot/zonequeue/core/queue"
)

// Handler serves the operational endpoints:
//
//	GET /health/live     always "ALIVE"
//	GET /health/ready    "READY" when the backend answers and the queue is not offline
//	GET /health          the queue health report as JSON
//	GET /metrics         the queue metrics as JSON
//	GET /requests/{id}   a stored request as JSON
//	GET /events          queue events over a websocket
func (app *App) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health/live", liveness)
	r.Get("/health/ready", readiness(app.logger, app.backend.Ping, app.queueUp))
	r.Get("/health", app.report)
	r.Get("/metrics", app.metrics)
	r.Get("/requests/{id}", app.request)
	r.Get("/events", app.events)
	return r
}

func (app *App) queueUp(ctx context.Context) error {
	h, err := app.manager.GetHealth(ctx)
	if err != nil {
		return err
	}
	if h.Status == queue.HealthOffline {
		return fmt.Errorf("queue is %s", h.Status)
	}
	return nil
}

func (app *App) report(w http.ResponseWriter, r *http.Request) {
	h, err := app.manager.GetHealth(r.Context())
	if err != nil {
		app.logger.ErrorContext(r.Context(), "health report failed", logger.Error(err))
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}

	status := http.StatusOK
	if h.Status == queue.HealthCritical || h.Status == queue.HealthOffline {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, app.logger, status, h)
}

func (app *App) metrics(w http.ResponseWriter, r *http.Request) {
	m, err := app.manager.GetMetrics(r.Context())
	if err != nil {
		app.logger.ErrorContext(r.Context(), "collect metrics", logger.Error(err))
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, app.logger, http.StatusOK, m)
}

func (app *App) request(w http.ResponseWriter, r *http.Request) {
	req, err := app.manager.GetRequest(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, queue.ErrNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	case err != nil:
		app.logger.ErrorContext(r.Context(), "load request", logger.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	writeJSON(w, app.logger, http.StatusOK, req)
}

func liveness(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusOK, "ALIVE")
}

// readiness runs every check in order and answers 503 on the first failure.
func readiness(log *slog.Logger, checks ...func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		for _, check := range checks {
			if err := check(r.Context()); err != nil {
				log.ErrorContext(r.Context(), "Readiness check failed", logger.Error(err))
				writeText(w, http.StatusServiceUnavailable, http.StatusText(http.StatusServiceUnavailable))
				return
			}
		}
		writeText(w, http.StatusOK, "READY")
	}
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}


func writeJSON(w http.ResponseWriter, log *slog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("encode response", logger.Error(err))
	}
}
