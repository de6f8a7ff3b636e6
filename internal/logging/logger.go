// Package logging provides structured logging for the verifier pool.
package logging

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

type (
	leaseKey   struct{}
	requestKey struct{}
)

// Logger wraps logrus with a fixed service field and context-first helpers.
type Logger struct {
	*logrus.Logger
	service string
}

// New creates a logger for the named service. Format is "json" or "text".
func New(service, level, format string) *Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)

	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)

	if strings.EqualFold(strings.TrimSpace(format), "text") {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{})
	}

	return &Logger{Logger: l, service: service}
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return &Logger{Logger: l, service: "nop"}
}

// Service returns the service name attached to every entry.
func (l *Logger) Service() string {
	return l.service
}

// WithLeaseID stores a lease id in ctx so log entries can be correlated.
func WithLeaseID(ctx context.Context, leaseID string) context.Context {
	return context.WithValue(ctx, leaseKey{}, leaseID)
}

// LeaseID returns the lease id stored in ctx, if any.
func LeaseID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(leaseKey{}).(string)
	return id
}

// WithRequestID stores an HTTP request id in ctx.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestKey{}, requestID)
}

// RequestID returns the request id stored in ctx, if any.
func RequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestKey{}).(string)
	return id
}

// WithContext returns an entry carrying the service name and any lease or request id.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("service", l.service)
	if ctx == nil {
		return entry
	}
	entry = entry.WithContext(ctx)
	if id := LeaseID(ctx); id != "" {
		entry = entry.WithField("lease_id", id)
	}
	if id := RequestID(ctx); id != "" {
		entry = entry.WithField("request_id", id)
	}
	return entry
}

// Debug logs at debug level.
func (l *Logger) Debug(ctx context.Context, msg string, fields map[string]interface{}) {
	l.WithContext(ctx).WithFields(fields).Debug(msg)
}

// Info logs at info level.
func (l *Logger) Info(ctx context.Context, msg string, fields map[string]interface{}) {
	l.WithContext(ctx).WithFields(fields).Info(msg)
}

// Warn logs at warn level.
func (l *Logger) Warn(ctx context.Context, msg string, fields map[string]interface{}) {
	l.WithContext(ctx).WithFields(fields).Warn(msg)
}

// Error logs at error level.
func (l *Logger) Error(ctx context.Context, msg string, fields map[string]interface{}) {
	l.WithContext(ctx).WithFields(fields).Error(msg)
}
