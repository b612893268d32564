package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vyvo/imagebuild/pkg/auth"
	"github.com/vyvo/imagebuild/pkg/dispatch"
	"github.com/vyvo/imagebuild/pkg/metrics"
	"github.com/vyvo/imagebuild/pkg/queue"
	"github.com/vyvo/imagebuild/pkg/request"
)

const maxBodyBytes = 1 << 20

type server struct {
	dispatch    *dispatch.Dispatcher
	jobs        queue.Backend
	metrics     *metrics.Metrics
	publicPath  string
	updateToken string
	logger      *slog.Logger
}

func (s *server) routes() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(timeoutMiddleware(60 * time.Second))

	router.Get("/healthz", healthzHandler)
	router.Handle("/metrics", s.metrics.Handler())

	router.Route("/api/v1/build", func(r chi.Router) {
		r.Post("/", s.handleBuild)
		r.Get("/{requestHash}", s.handleStatus)
		r.Method(http.MethodDelete, "/{requestHash}", auth.Require(s.updateToken, http.HandlerFunc(s.handleDelete)))
	})

	router.Handle("/store/*", http.StripPrefix("/store/", http.FileServer(http.Dir(s.publicPath))))
	return router
}

func timeoutMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *server) handleBuild(w http.ResponseWriter, r *http.Request) {
	var req request.BuildRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeResponse(w, dispatch.Reject(http.StatusBadRequest, "invalid JSON payload"))
		return
	}
	resp, err := s.dispatch.Submit(r.Context(), req)
	if err != nil {
		s.logger.Error("submit build", "error", err)
		writeResponse(w, dispatch.Reject(http.StatusInternalServerError, "job store unavailable"))
		return
	}
	writeResponse(w, resp)
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp, err := s.dispatch.Status(r.Context(), chi.URLParam(r, "requestHash"))
	if err != nil {
		s.logger.Error("build status", "error", err)
		writeResponse(w, dispatch.Reject(http.StatusInternalServerError, "job store unavailable"))
		return
	}
	writeResponse(w, resp)
}

func (s *server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "requestHash")
	err := s.jobs.Delete(r.Context(), id)
	switch {
	case err == nil:
		s.logger.Info("dropped build record", "request_hash", id)
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, queue.ErrNotFound):
		writeResponse(w, dispatch.Reject(http.StatusNotFound, "could not find provided request hash"))
	case errors.Is(err, queue.ErrActive):
		writeResponse(w, dispatch.Reject(http.StatusConflict, err.Error()))
	default:
		s.logger.Error("delete build", "request_hash", id, "error", err)
		writeResponse(w, dispatch.Reject(http.StatusInternalServerError, "job store unavailable"))
	}
}

func writeResponse(w http.ResponseWriter, resp dispatch.Response) {
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Status)
	_ = json.NewEncoder(w).Encode(resp.Body)
}
