// Package logging provides the leveled, correlation-id-tagged logger
// used by the dispatcher and judger worker processes.
package logging

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
)

type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
	Fatal
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warn:
		return "WARN"
	case Error:
		return "ERROR"
	case Fatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Logger writes leveled log lines for one process (dispatcher or a
// single judger worker).
type Logger struct {
	component string
	level     Level
	out       *log.Logger
}

func New(component string, level Level) *Logger {
	return &Logger{
		component: component,
		level:     level,
		out:       log.New(os.Stdout, "", 0),
	}
}

type entry struct {
	Timestamp     time.Time      `json:"timestamp"`
	Level         string         `json:"level"`
	Component     string         `json:"component"`
	Message       string         `json:"message"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Fields        map[string]any `json:"fields,omitempty"`
}

func (l *Logger) write(lvl Level, correlationID, message string, fields map[string]any) {
	if lvl < l.level {
		return
	}
	e := entry{
		Timestamp:     time.Now().UTC(),
		Level:         lvl.String(),
		Component:     l.component,
		Message:       message,
		CorrelationID: correlationID,
		Fields:        fields,
	}
	line := fmt.Sprintf("[%s] %-5s %s - %s", e.Timestamp.Format(time.RFC3339Nano), e.Level, e.Component, e.Message)
	if e.CorrelationID != "" {
		line += fmt.Sprintf(" correlation_id=%s", e.CorrelationID)
	}
	for k, v := range fields {
		line += fmt.Sprintf(" %s=%v", k, v)
	}
	l.out.Println(line)
	if lvl == Fatal {
		os.Exit(1)
	}
}

func (l *Logger) Debug(msg string, fields ...map[string]any) { l.write(Debug, "", msg, merge(fields)) }
func (l *Logger) Info(msg string, fields ...map[string]any)  { l.write(Info, "", msg, merge(fields)) }
func (l *Logger) Warn(msg string, fields ...map[string]any)  { l.write(Warn, "", msg, merge(fields)) }
func (l *Logger) Error(msg string, fields ...map[string]any) { l.write(Error, "", msg, merge(fields)) }
func (l *Logger) Fatal(msg string, fields ...map[string]any) { l.write(Fatal, "", msg, merge(fields)) }

// WithContext binds a correlation id (if any present on ctx) to a
// chainable field builder.
func (l *Logger) WithContext(ctx context.Context) *Fields {
	return &Fields{logger: l, correlationID: CorrelationID(ctx), fields: map[string]any{}}
}

// Fields is a chainable set of structured fields attached to a single
// log line, mirroring the teacher's LogContext builder.
type Fields struct {
	logger        *Logger
	correlationID string
	fields        map[string]any
}

func (f *Fields) clone() *Fields {
	cp := make(map[string]any, len(f.fields))
	for k, v := range f.fields {
		cp[k] = v
	}
	return &Fields{logger: f.logger, correlationID: f.correlationID, fields: cp}
}

func (f *Fields) WithField(key string, value any) *Fields {
	n := f.clone()
	n.fields[key] = value
	return n
}

func (f *Fields) WithJobID(id uint32) *Fields { return f.WithField("job_id", id) }
func (f *Fields) WithUserID(id uint32) *Fields { return f.WithField("user_id", id) }
func (f *Fields) WithError(err error) *Fields  { return f.WithField("error", err.Error()) }

func (f *Fields) Debug(msg string) { f.logger.write(Debug, f.correlationID, msg, f.fields) }
func (f *Fields) Info(msg string)  { f.logger.write(Info, f.correlationID, msg, f.fields) }
func (f *Fields) Warn(msg string)  { f.logger.write(Warn, f.correlationID, msg, f.fields) }
func (f *Fields) Error(msg string) { f.logger.write(Error, f.correlationID, msg, f.fields) }

func merge(groups []map[string]any) map[string]any {
	if len(groups) == 0 {
		return nil
	}
	merged := make(map[string]any)
	for _, g := range groups {
		for k, v := range g {
			merged[k] = v
		}
	}
	return merged
}

type correlationIDKey struct{}

func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, id)
}

func CorrelationID(ctx context.Context) string {
	if v := ctx.Value(correlationIDKey{}); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

func NewCorrelationID() string { return uuid.New().String() }
