// Package logging provides structured logging with request-scoped fields,
// adapted from the teacher's infrastructure/logging package.
package logging

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ContextKey is the type for context keys carrying log fields.
type ContextKey string

const (
	NamespaceKey ContextKey = "namespace"
	TenantKey    ContextKey = "tenant"
	ActionIDKey  ContextKey = "action_id"
)

// Logger wraps logrus.Logger with gateway-specific field helpers.
type Logger struct {
	*logrus.Logger
	component string
}

// New creates a Logger for the given component ("orchestrator", "executor", ...).
func New(component, level, format string) *Logger {
	l := logrus.New()

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)

	if strings.ToLower(format) == "json" {
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		l.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	}
	l.SetOutput(os.Stdout)

	return &Logger{Logger: l, component: component}
}

// NewFromEnv builds a Logger using LOG_LEVEL / LOG_FORMAT, defaulting to info/json.
func NewFromEnv(component string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(component, level, format)
}

// WithContext returns an entry populated with namespace/tenant/action_id from ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("component", l.component)
	if ns, ok := ctx.Value(NamespaceKey).(string); ok && ns != "" {
		entry = entry.WithField("namespace", ns)
	}
	if tenant, ok := ctx.Value(TenantKey).(string); ok && tenant != "" {
		entry = entry.WithField("tenant", tenant)
	}
	if id, ok := ctx.Value(ActionIDKey).(string); ok && id != "" {
		entry = entry.WithField("action_id", id)
	}
	return entry
}

// WithFields returns an entry with the component field plus the given fields.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	fields["component"] = l.component
	return l.Logger.WithFields(fields)
}

// ContextWithAction returns a context carrying namespace/tenant/action_id for logging.
func ContextWithAction(ctx context.Context, namespace, tenant, actionID string) context.Context {
	ctx = context.WithValue(ctx, NamespaceKey, namespace)
	ctx = context.WithValue(ctx, TenantKey, tenant)
	ctx = context.WithValue(ctx, ActionIDKey, actionID)
	return ctx
}
