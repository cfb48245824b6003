package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"markethub/internal/domain"
	"markethub/internal/infra"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ConnectRequest is the body of POST /producers.
type ConnectRequest struct {
	Feed domain.FeedType `json:"feed"`
	Addr string          `json:"addr"`
}

// Sessions is the body of GET /sessions.
type Sessions struct {
	Subscribers []domain.SubscriberSession `json:"subscribers"`
	Producers   []domain.ProducerSession   `json:"producers"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Admin serves the operational HTTP API of a hub.
type Admin struct {
	hub      *Hub
	sessions domain.SessionLister
	registry *prometheus.Registry
	router   chi.Router
}

// NewAdmin builds the router. metrics is exported on /metrics.
// sessions may be nil when no session store is configured.
func NewAdmin(h *Hub, metrics *infra.Metrics, sessions domain.SessionLister) *Admin {
	if metrics == nil {
		metrics = infra.GlobalMetrics
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		infra.NewCollector(metrics),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a := &Admin{hub: h, sessions: sessions, registry: reg}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		if !h.Running() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("STOPPED"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	r.Get("/status", a.handleStatus)
	r.Post("/producers", a.handleConnect)
	r.Delete("/producers/{feed}", a.handleDisconnect)
	r.Post("/reset", a.handleReset)
	r.Get("/sessions", a.handleSessions)
	a.router = r
	return a
}

// Handler returns the HTTP handler.
func (a *Admin) Handler() http.Handler {
	return a.router
}

// ListenAndServe serves on addr until ctx is cancelled.
func (a *Admin) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Admin server shutdown failed", slog.Any("error", err))
		}
	}()

	slog.Info("Admin API listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return domain.NewFatalNetworkError("admin listen "+addr, err)
	}
	return nil
}

func (a *Admin) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.hub.Status())
}

func (a *Admin) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req ConnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if req.Addr == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "addr is required"})
		return
	}

	if err := a.hub.ConnectToProducer(r.Context(), req.Feed, req.Addr); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, domain.ErrUnknownFeedType) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, a.hub.Status())
}

func (a *Admin) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	ft, err := domain.ParseFeedType(chi.URLParam(r, "feed"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if !a.hub.DisconnectProducer(ft) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no producer connected for " + ft.String()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *Admin) handleReset(w http.ResponseWriter, _ *http.Request) {
	a.hub.Reset()
	if err := a.hub.Start(); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, a.hub.Status())
}

// handleSessions lists audit records. With ?port= only the subscribers of
// that port are returned.
func (a *Admin) handleSessions(w http.ResponseWriter, r *http.Request) {
	if a.sessions == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "session store disabled"})
		return
	}

	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit: " + err.Error()})
		return
	}

	out := Sessions{Subscribers: []domain.SubscriberSession{}, Producers: []domain.ProducerSession{}}
	if p := q.Get("port"); p != "" {
		port, err := intParam(p)
		if err != nil || port <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "port must be a positive integer"})
			return
		}
		if out.Subscribers, err = a.sessions.ListSubscribersByPort(port, limit); err != nil {
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, out)
		return
	}

	if out.Subscribers, err = a.sessions.ListSubscribers(limit); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	if out.Producers, err = a.sessions.ListProducers(limit); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to encode response", slog.Any("error", err))
	}
}
