package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/manthysbr/sceneforge/internal/core/domain"
)

// CommandHandler applies inbound commands.
type CommandHandler interface {
	Handle(ctx context.Context, cmd domain.Command) (*domain.Job, error)
}

// CheckpointReader loads the latest snapshot of a thread.
type CheckpointReader interface {
	LoadCheckpoint(ctx context.Context, threadID string) (*domain.Checkpoint, error)
}

// JobReader exposes the read side of the job control plane.
type JobReader interface {
	GetJob(ctx context.Context, id domain.JobID) (domain.Job, error)
	ListProjectJobs(ctx context.Context, projectID domain.ProjectID) ([]domain.Job, error)
}

// EventSource is the subscribe side of the event bus.
type EventSource interface {
	Subscribe(projectID domain.ProjectID) (<-chan domain.Event, func())
	SubscribeAll() (<-chan domain.Event, func())
}

// HealthChecker is implemented by stores that can report connectivity.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthCheckFunc adapts a plain function to HealthChecker.
type HealthCheckFunc func(ctx context.Context) error

func (f HealthCheckFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// Server is the HTTP gateway in front of the control plane: it accepts commands
// and streams the event vocabulary to dashboards.
type Server struct {
	logger      *slog.Logger
	commands    CommandHandler
	checkpoints CheckpointReader
	jobs        JobReader
	events      EventSource
	health      HealthChecker // optional
	schema      *commandSchema
	started     time.Time

	// KeepAlive is the interval of SSE comment pings. Zero disables them.
	KeepAlive time.Duration
}

func NewServer(logger *slog.Logger, commands CommandHandler, checkpoints CheckpointReader, jobs JobReader, events EventSource, health HealthChecker) (*Server, error) {
	schema, err := loadCommandSchema()
	if err != nil {
		return nil, err
	}
	return &Server{
		logger:      logger,
		commands:    commands,
		checkpoints: checkpoints,
		jobs:        jobs,
		events:      events,
		health:      health,
		schema:      schema,
		started:     time.Now(),
		KeepAlive:   15 * time.Second,
	}, nil
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware())
	r.Use(recoveryMiddleware(s.logger))
	r.Use(loggingMiddleware(s.logger))

	r.Get("/health", s.handleHealth)
	r.Get("/openapi.yaml", s.handleSpec)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/events", s.handleBroadcastSSE)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Route("/projects/{id}", func(r chi.Router) {
			r.Post("/commands", s.handleCommand)
			r.Get("/checkpoint", s.handleGetCheckpoint)
			r.Get("/jobs", s.handleListProjectJobs)
			r.Get("/events", s.handleProjectSSE)
		})
	})
	return r
}

type healthResponse struct {
	Status  string `json:"status"`
	UptimeS int64  `json:"uptime_s"`
	Store   string `json:"store,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", UptimeS: int64(time.Since(s.started).Seconds())}
	if s.health != nil {
		resp.Store = "ok"
		if err := s.health.HealthCheck(r.Context()); err != nil {
			s.logger.Warn("store health check failed", "error", err)
			resp.Status = "degraded"
			resp.Store = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSpec(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(openAPISpec)
}

type commandResponse struct {
	CommandID string      `json:"command_id"`
	Kind      string      `json:"kind"`
	Job       *domain.Job `json:"job,omitempty"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	projectID := domain.ProjectID(chi.URLParam(r, "id"))

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body", "BAD_REQUEST")
		return
	}
	if err := s.schema.Validate(body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_COMMAND")
		return
	}

	var cmd domain.Command
	if err := json.Unmarshal(body, &cmd); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
		return
	}
	if cmd.ProjectID != "" && cmd.ProjectID != projectID {
		writeError(w, http.StatusBadRequest, "project_id does not match path", "BAD_REQUEST")
		return
	}
	cmd.ProjectID = projectID
	if cmd.IssuedAt.IsZero() {
		cmd.IssuedAt = time.Now().UTC()
	}
	if err := cmd.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_COMMAND")
		return
	}

	job, err := s.commands.Handle(r.Context(), cmd)
	if err != nil {
		s.writeDomainError(w, err, "command failed", "command_id", cmd.CommandID, "kind", cmd.Kind)
		return
	}
	writeJSON(w, http.StatusAccepted, commandResponse{CommandID: cmd.CommandID, Kind: string(cmd.Kind), Job: job})
}

func (s *Server) handleGetCheckpoint(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "id")
	cp, err := s.checkpoints.LoadCheckpoint(r.Context(), threadID)
	if err != nil {
		s.writeDomainError(w, err, "load checkpoint failed", "thread_id", threadID)
		return
	}
	if cp == nil {
		writeError(w, http.StatusNotFound, domain.ErrCheckpointNotFound.Error(), "NOT_FOUND")
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := domain.JobID(chi.URLParam(r, "id"))
	job, err := s.jobs.GetJob(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err, "get job failed", "job_id", id)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type jobsResponse struct {
	Jobs []domain.Job `json:"jobs"`
}

func (s *Server) handleListProjectJobs(w http.ResponseWriter, r *http.Request) {
	projectID := domain.ProjectID(chi.URLParam(r, "id"))
	jobs, err := s.jobs.ListProjectJobs(r.Context(), projectID)
	if err != nil {
		s.writeDomainError(w, err, "list jobs failed", "project_id", projectID)
		return
	}
	if jobs == nil {
		jobs = []domain.Job{}
	}
	writeJSON(w, http.StatusOK, jobsResponse{Jobs: jobs})
}

// writeDomainError maps sentinel errors onto status codes and logs the rest.
func (s *Server) writeDomainError(w http.ResponseWriter, err error, msg string, args ...any) {
	switch {
	case errors.Is(err, domain.ErrJobNotFound), errors.Is(err, domain.ErrCheckpointNotFound):
		writeError(w, http.StatusNotFound, err.Error(), "NOT_FOUND")
	case errors.Is(err, domain.ErrUnknownCommand), errors.Is(err, domain.ErrInvalidJobType):
		writeError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
	case errors.Is(err, domain.ErrNoPendingInterrupt), errors.Is(err, domain.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error(), "CONFLICT")
	case errors.Is(err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, "request cancelled", "UNAVAILABLE")
	default:
		s.logger.Error(msg, append(args, "error", err)...)
		writeError(w, http.StatusInternalServerError, "internal error", "INTERNAL_ERROR")
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, errorResponse{Error: message, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
