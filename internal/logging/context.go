package logging

import (
	"context"
	"regexp"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const maxIDLen = 128

// idPattern matches project, session and operation identifiers.
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

type projectCtxKey struct{}
type sessionCtxKey struct{}
type operationCtxKey struct{}
type loggerCtxKey struct{}

// ContextFields extracts correlation fields from ctx.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
		if sc.IsSampled() {
			fields = append(fields, zap.Bool("trace_sampled", true))
		}
	}
	if v := ProjectFromContext(ctx); v != "" {
		fields = append(fields, zap.String("project.id", v))
	}
	if v := SessionFromContext(ctx); v != "" {
		fields = append(fields, zap.String("session.id", v))
	}
	if v := OperationFromContext(ctx); v != "" {
		fields = append(fields, zap.String("mistake.operation", v))
	}
	return fields
}

// validID reports whether id is safe to attach to log entries. Ids come
// from caller payloads, so invalid ones are dropped rather than rejected.
func validID(id string) bool {
	return id != "" && len(id) <= maxIDLen && utf8.ValidString(id) && idPattern.MatchString(id)
}

func withID(ctx context.Context, key any, id string) context.Context {
	if !validID(id) {
		return ctx
	}
	return context.WithValue(ctx, key, id)
}

func idFrom(ctx context.Context, key any) string {
	s, _ := ctx.Value(key).(string)
	return s
}

// WithProject attaches a project id. Invalid ids leave ctx unchanged.
func WithProject(ctx context.Context, projectID string) context.Context {
	return withID(ctx, projectCtxKey{}, projectID)
}

// ProjectFromContext returns the attached project id.
func ProjectFromContext(ctx context.Context) string {
	return idFrom(ctx, projectCtxKey{})
}

// WithSession attaches a session id. Invalid ids leave ctx unchanged.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return withID(ctx, sessionCtxKey{}, sessionID)
}

// SessionFromContext returns the attached session id.
func SessionFromContext(ctx context.Context) string {
	return idFrom(ctx, sessionCtxKey{})
}

// WithOperation attaches the operation a mistake or check concerns.
func WithOperation(ctx context.Context, operation string) context.Context {
	return withID(ctx, operationCtxKey{}, operation)
}

// OperationFromContext returns the attached operation.
func OperationFromContext(ctx context.Context) string {
	return idFrom(ctx, operationCtxKey{})
}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext returns the stored logger, or a no-op logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return &Logger{zap: zap.NewNop(), config: NewDefaultConfig()}
}
