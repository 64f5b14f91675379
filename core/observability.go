package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// telemetry is shared by the engine and the reconciler: operation logs,
// metrics and failure diagnostics.
type telemetry struct {
	logger          Logger
	metricsRecorder MetricsRecorder
	store           *StateStore
	clock           func() time.Time
}

func (t *telemetry) now() time.Time {
	if t == nil || t.clock == nil {
		return time.Now().UTC()
	}
	return t.clock()
}

func (t *telemetry) observeOperation(
	ctx context.Context,
	startedAt time.Time,
	operation string,
	err error,
	fields map[string]any,
) {
	if t == nil {
		return
	}
	operation = normalizeOperation(operation)
	if operation == "" {
		operation = "unknown"
	}
	status := "success"
	if err != nil {
		status = "failure"
	}

	contextFields := cloneFields(fields)
	contextFields["event_type"] = operation
	contextFields["status"] = status
	contextFields["duration_ms"] = time.Since(startedAt).Milliseconds()
	if err != nil {
		contextFields["error"] = err.Error()
		contextFields["error_kind"] = string(KindOf(err))
	}

	tags := map[string]string{
		"operation": operation,
		"status":    status,
	}
	for _, key := range []string{"source", "error_kind"} {
		if value := strings.TrimSpace(fmt.Sprint(contextFields[key])); value != "" && value != "<nil>" {
			tags[key] = value
		}
	}

	t.recordCounter(ctx, metricPrefix+operation+".total", 1, tags)
	t.recordHistogram(ctx, metricPrefix+operation+".duration_ms", float64(time.Since(startedAt).Milliseconds()), tags)

	if err != nil {
		t.logError(ctx, operation+" failed", contextFields)
		t.diagnose(LogLevelError, operation, operation+" failed", err, contextFields)
		return
	}
	t.logInfo(ctx, operation+" succeeded", contextFields)
}

// diagnose publishes one event on the diagnostic stream.
func (t *telemetry) diagnose(level LogLevel, event string, message string, err error, fields map[string]any) {
	if t == nil || t.store == nil {
		return
	}
	token := ""
	if value, ok := fields["token"].(string); ok {
		token = value
	}
	t.store.PublishDiagnostic(DiagnosticEvent{
		ID:      uuid.NewString(),
		Level:   level,
		Event:   normalizeOperation(event),
		Message: message,
		Token:   token,
		Kind:    KindOf(err),
		Err:     err,
		Fields:  cloneFields(fields),
		At:      t.now(),
	})
}

func (t *telemetry) logDebug(ctx context.Context, message string, fields map[string]any) {
	t.logWithLevel(ctx, "debug", message, fields)
}

func (t *telemetry) logInfo(ctx context.Context, message string, fields map[string]any) {
	t.logWithLevel(ctx, "info", message, fields)
}

func (t *telemetry) logWarn(ctx context.Context, message string, fields map[string]any) {
	t.logWithLevel(ctx, "warn", message, fields)
}

func (t *telemetry) logError(ctx context.Context, message string, fields map[string]any) {
	t.logWithLevel(ctx, "error", message, fields)
}

func (t *telemetry) logWithLevel(ctx context.Context, level string, message string, fields map[string]any) {
	if t == nil || t.logger == nil {
		return
	}
	logger := t.logger
	if ctx != nil {
		logger = logger.WithContext(ctx)
	}
	if fieldsLogger, ok := logger.(FieldsLogger); ok {
		logger = fieldsLogger.WithFields(cloneFields(fields))
	}
	args := flattenFields(fields)
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "error":
		logger.Error(message, args...)
	case "warn":
		logger.Warn(message, args...)
	case "debug":
		logger.Debug(message, args...)
	default:
		logger.Info(message, args...)
	}
}

func (t *telemetry) recordCounter(ctx context.Context, name string, value int64, tags map[string]string) {
	if t == nil || t.metricsRecorder == nil {
		return
	}
	t.metricsRecorder.IncCounter(ctx, strings.TrimSpace(name), value, cloneTags(tags))
}

func (t *telemetry) recordHistogram(ctx context.Context, name string, value float64, tags map[string]string) {
	if t == nil || t.metricsRecorder == nil {
		return
	}
	t.metricsRecorder.ObserveHistogram(ctx, strings.TrimSpace(name), value, cloneTags(tags))
}

func cloneFields(fields map[string]any) map[string]any {
	if len(fields) == 0 {
		return map[string]any{}
	}
	copied := make(map[string]any, len(fields))
	for key, value := range fields {
		copied[key] = value
	}
	return copied
}

func flattenFields(fields map[string]any) []any {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	args := make([]any, 0, len(keys)*2)
	for _, key := range keys {
		args = append(args, key, fields[key])
	}
	return args
}

func normalizeOperation(operation string) string {
	operation = strings.TrimSpace(strings.ToLower(operation))
	operation = strings.ReplaceAll(operation, " ", "_")
	operation = strings.ReplaceAll(operation, "-", "_")
	return operation
}
