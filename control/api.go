package control

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xraph/delay"
	"github.com/xraph/delay/recovery"
)

// PendingCountResponse is returned by GET /v1/groups/{group}/pending.
type PendingCountResponse struct {
	GroupID string `json:"group_id"`
	Pending int64  `json:"pending"`
}

// RescheduleResponse is returned by POST /v1/groups/{group}/reschedule.
type RescheduleResponse struct {
	recovery.Report
	Error string `json:"error,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// APIOption configures an API.
type APIOption func(*API)

// WithGauge registers a pending-count gauge for the service's group on
// reg. The registry is served at /metrics.
func WithGauge(reg *prometheus.Registry) APIOption {
	return func(a *API) { a.registry = reg }
}

// WithCORS allows cross-origin requests from the given origins.
func WithCORS(origins ...string) APIOption {
	return func(a *API) { a.origins = origins }
}

// WithAPILogger sets the logger.
func WithAPILogger(l *slog.Logger) APIOption {
	return func(a *API) { a.logger = l }
}

// API serves the control operations over HTTP.
type API struct {
	svc      *Service
	registry *prometheus.Registry
	origins  []string
	logger   *slog.Logger
}

// NewAPI creates an API for svc. The gauge is registered here so a
// duplicate registration is reported at construction.
func NewAPI(svc *Service, opts ...APIOption) (*API, error) {
	a := &API{svc: svc, logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	if a.registry != nil {
		if err := a.registry.Register(a.pendingGauge(svc.GroupID())); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Handler returns the fully assembled http.Handler with all routes.
func (a *API) Handler() http.Handler {
	r := chi.NewMux()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(a.logRequests)
	if len(a.origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: a.origins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost},
		}))
	}
	a.RegisterRoutes(r)
	return r
}

// RegisterRoutes registers the control routes into r.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", a.healthz)
	r.Route("/v1/groups/{group}", func(r chi.Router) {
		r.Get("/pending", a.pendingCount)
		r.Post("/reschedule", a.reschedule)
	})
	if a.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	}
}

func (a *API) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) pendingCount(w http.ResponseWriter, r *http.Request) {
	group := chi.URLParam(r, "group")
	n, err := a.svc.PendingCount(r.Context(), group)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PendingCountResponse{GroupID: group, Pending: n})
}

func (a *API) reschedule(w http.ResponseWriter, r *http.Request) {
	group := chi.URLParam(r, "group")
	report, err := a.svc.Reschedule(r.Context(), group)
	if err != nil {
		if report.Found == 0 {
			a.writeError(w, err)
			return
		}
		// Partial pass: report what happened alongside the error.
		writeJSON(w, http.StatusMultiStatus, RescheduleResponse{Report: report, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, RescheduleResponse{Report: report})
}

func (a *API) pendingGauge(group string) prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   "delay",
		Name:        "pending_entries",
		Help:        "Number of messages awaiting release.",
		ConstLabels: prometheus.Labels{"group": group},
	}, func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		n, err := a.svc.PendingCount(ctx, group)
		if err != nil {
			a.logger.Warn("pending gauge collection failed",
				slog.String("group", group),
				slog.String("error", err.Error()),
			)
			return math.NaN()
		}
		return float64(n)
	})
}

func (a *API) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, delay.ErrMissingGroup):
		status = http.StatusBadRequest
	case errors.Is(err, delay.ErrUnknownGroup):
		status = http.StatusNotFound
	case errors.Is(err, delay.ErrNoStore),
		errors.Is(err, delay.ErrPersistence),
		errors.Is(err, delay.ErrSchedulingUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		a.logger.Error("control request failed", slog.String("error", err.Error()))
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func (a *API) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.logger.Debug("control request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
