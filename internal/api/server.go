package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit/internal/audit"
	"github.com/JakeFAU/site-audit/internal/auth"
	"github.com/JakeFAU/site-audit/internal/metrics"
)

// Lifecycle is the orchestration surface the handlers drive.
// *orchestrator.Orchestrator implements it.
type Lifecycle interface {
	Start(ctx context.Context, unitID, ownerID string, stageConfig json.RawMessage) (audit.Task, error)
	Stop(ctx context.Context, unitID, ownerID string) (audit.Status, error)
	Status(ctx context.Context, unitID, ownerID string) (audit.Unit, error)
}

// Pinger is a dependency checked by /readyz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config controls the HTTP surface.
type Config struct {
	// Verifier authenticates bearer tokens. When nil the owner is read from
	// the X-Owner-ID header.
	Verifier       *auth.Verifier
	RequestTimeout time.Duration
	ReadyTimeout   time.Duration
	// MaxBodyBytes caps start request bodies.
	MaxBodyBytes int64
}

const (
	defaultRequestTimeout = 30 * time.Second
	defaultReadyTimeout   = 2 * time.Second
	defaultMaxBodyBytes   = 1 << 20

	ownerHeader = "X-Owner-ID"
)

// Server wires HTTP handlers to the orchestrator.
type Server struct {
	router    chi.Router
	lifecycle Lifecycle
	checks    map[string]Pinger
	cfg       Config
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(lifecycle Lifecycle, checks map[string]Pinger, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = defaultReadyTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	s := &Server{
		lifecycle: lifecycle,
		checks:    checks,
		cfg:       cfg,
		logger:    logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(tracingMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1/units/{unit_id}", func(r chi.Router) {
		r.Use(ownerMiddleware(cfg.Verifier))
		r.Post("/start", s.startUnit)
		r.Post("/stop", s.stopUnit)
		r.Get("/status", s.unitStatus)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ReadyTimeout)
	defer cancel()
	failures := make(map[string]string)
	for name, dep := range s.checks {
		if err := dep.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.String("dependency", name), zap.Error(err))
			failures[name] = "unavailable"
		}
	}
	if len(failures) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "checks": failures})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type startRequest struct {
	Config json.RawMessage `json:"config,omitempty"`
}

type statusResponse struct {
	UnitID       string       `json:"unit_id"`
	Status       audit.Status `json:"status"`
	ErrorMessage string       `json:"error_message,omitempty"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

func (s *Server) startUnit(w http.ResponseWriter, r *http.Request) {
	unitID := chi.URLParam(r, "unit_id")
	owner, _ := auth.OwnerFrom(r.Context())

	var req startRequest
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "request body too large or unreadable")
		return
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON")
			return
		}
		if len(req.Config) > 0 && (string(req.Config) == "null" || req.Config[0] != '{') {
			writeError(w, http.StatusBadRequest, "invalid_request", "config must be a JSON object")
			return
		}
	}

	task, err := s.lifecycle.Start(r.Context(), unitID, owner, req.Config)
	if err != nil {
		s.writeLifecycleError(w, r, err)
		return
	}
	s.logger.Info("audit start accepted",
		zap.String("unit_id", unitID),
		zap.String("owner_id", owner),
		zap.String("task_id", task.ID),
		zap.String("request_id", requestIDFrom(r.Context())))
	writeJSON(w, http.StatusAccepted, map[string]any{"unit_id": unitID, "status": audit.StatusCrawling})
}

func (s *Server) stopUnit(w http.ResponseWriter, r *http.Request) {
	unitID := chi.URLParam(r, "unit_id")
	owner, _ := auth.OwnerFrom(r.Context())

	status, err := s.lifecycle.Stop(r.Context(), unitID, owner)
	if err != nil {
		s.writeLifecycleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"unit_id": unitID, "status": status})
}

func (s *Server) unitStatus(w http.ResponseWriter, r *http.Request) {
	unitID := chi.URLParam(r, "unit_id")
	owner, _ := auth.OwnerFrom(r.Context())

	unit, err := s.lifecycle.Status(r.Context(), unitID, owner)
	if err != nil {
		s.writeLifecycleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		UnitID:       unit.ID,
		Status:       unit.Status,
		ErrorMessage: unit.ErrorMessage,
		UpdatedAt:    unit.UpdatedAt,
	})
}

// writeLifecycleError maps a classified error onto a status code. Internal
// causes are logged, never returned.
func (s *Server) writeLifecycleError(w http.ResponseWriter, r *http.Request, err error) {
	kind := audit.KindOf(err)
	status := statusForKind(kind)
	if status >= http.StatusInternalServerError {
		s.logger.Error("lifecycle request failed",
			zap.String("unit_id", chi.URLParam(r, "unit_id")),
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.Error(err))
	}
	message := audit.MessageOf(err)
	if errors.Is(err, context.DeadlineExceeded) {
		message = "request timed out"
	}
	writeError(w, status, string(kind), message)
}

func statusForKind(kind audit.Kind) int {
	switch kind {
	case audit.KindNotFound:
		return http.StatusNotFound
	case audit.KindForbidden:
		return http.StatusForbidden
	case audit.KindAlreadyRunning, audit.KindNotRunning:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, errorResponse{Error: code, Details: details})
}
