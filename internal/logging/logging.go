// Package logging builds the process logger and the event-mirroring logger used by
// workflow runs.
package logging

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/manthysbr/sceneforge/internal/core/domain"
	"github.com/manthysbr/sceneforge/internal/core/ports"
)

// ParseLevel maps debug, info, warn and error onto slog levels. Unknown values are info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured logger writing to stdout. format is "json" or "text".
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerTo(os.Stdout, level, format)
}

func NewLoggerTo(w io.Writer, level, format string) *slog.Logger {
	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// WithComponent returns a logger with component attribute
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With("component", component)
}

// WithJobID returns a logger with job_id attribute
func WithJobID(logger *slog.Logger, jobID domain.JobID) *slog.Logger {
	return logger.With("job_id", string(jobID))
}

// EventLogger logs with a fixed project and correlation id. Lines logged with
// publish=true are also sent to the event bus as LOG events.
type EventLogger struct {
	logger        *slog.Logger
	publisher     ports.EventPublisher
	projectID     domain.ProjectID
	correlationID string
}

func NewEventLogger(logger *slog.Logger, publisher ports.EventPublisher, projectID domain.ProjectID, correlationID string) *EventLogger {
	return &EventLogger{
		logger:        logger.With("project_id", string(projectID), "correlation_id", correlationID),
		publisher:     publisher,
		projectID:     projectID,
		correlationID: correlationID,
	}
}

// Logger exposes the underlying slog logger with the ids attached.
func (l *EventLogger) Logger() *slog.Logger { return l.logger }

func (l *EventLogger) ProjectID() domain.ProjectID { return l.projectID }

func (l *EventLogger) CorrelationID() string { return l.correlationID }

func (l *EventLogger) Debug(msg string, publish bool, args ...any) {
	l.log(slog.LevelDebug, msg, publish, args...)
}

func (l *EventLogger) Info(msg string, publish bool, args ...any) {
	l.log(slog.LevelInfo, msg, publish, args...)
}

func (l *EventLogger) Warn(msg string, publish bool, args ...any) {
	l.log(slog.LevelWarn, msg, publish, args...)
}

func (l *EventLogger) Error(msg string, publish bool, args ...any) {
	l.log(slog.LevelError, msg, publish, args...)
}

type logEventData struct {
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

func (l *EventLogger) log(level slog.Level, msg string, publish bool, args ...any) {
	l.logger.Log(context.Background(), level, msg, args...)
	if !publish || l.publisher == nil {
		return
	}

	data, err := json.Marshal(logEventData{
		Level:   strings.ToLower(level.String()),
		Message: msg,
		Fields:  fieldsOf(args),
	})
	if err != nil {
		l.logger.Warn("failed to encode log event", "error", err)
		return
	}
	e := domain.NewEvent(l.projectID, domain.EventLog, string(data))
	e.CorrelationID = l.correlationID
	l.publisher.Publish(e)
}

func fieldsOf(args []any) map[string]any {
	if len(args) == 0 {
		return nil
	}
	fields := make(map[string]any, len(args)/2)
	r := slog.Record{}
	r.Add(args...)
	r.Attrs(func(a slog.Attr) bool {
		v := a.Value.Resolve()
		if err, ok := v.Any().(error); ok {
			fields[a.Key] = err.Error()
		} else {
			fields[a.Key] = v.Any()
		}
		return true
	})
	return fields
}
