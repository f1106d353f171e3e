package logging

import (
	"context"
	"log/slog"
)

// CapturingHandler wraps an slog.Handler, storing every record in a TaskLogs
// under a fixed run and task before passing it through.
type CapturingHandler struct {
	underlying slog.Handler
	logs       *TaskLogs
	runID      string
	taskID     string
	attrs      []slog.Attr
	groups     []string
}

// NewCapturingHandler creates a handler that captures records for runID/taskID.
func NewCapturingHandler(underlying slog.Handler, logs *TaskLogs, runID, taskID string) *CapturingHandler {
	return &CapturingHandler{
		underlying: underlying,
		logs:       logs,
		runID:      runID,
		taskID:     taskID,
	}
}

// Enabled always returns true so debug lines are captured even when the
// underlying handler filters them from output.
func (h *CapturingHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

// Handle captures the record and then passes it to the underlying handler.
func (h *CapturingHandler) Handle(ctx context.Context, r slog.Record) error {
	attrs := make(map[string]any, r.NumAttrs()+len(h.attrs))
	for _, a := range h.attrs {
		attrs[a.Key] = resolveValue(a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs[h.qualify(a.Key)] = resolveValue(a.Value)
		return true
	})

	h.logs.Add(h.runID, h.taskID, LogEntry{
		Time:       r.Time,
		Level:      r.Level.String(),
		Message:    r.Message,
		Attributes: cloneAttrs(attrs),
	})

	if !h.underlying.Enabled(ctx, r.Level) {
		return nil
	}
	return h.underlying.Handle(ctx, r)
}

// WithAttrs returns a CapturingHandler so capture survives logger.With chains.
func (h *CapturingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.underlying = h.underlying.WithAttrs(attrs)
	next.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	next.attrs = append(next.attrs, h.attrs...)
	for _, a := range attrs {
		next.attrs = append(next.attrs, slog.Attr{Key: h.qualify(a.Key), Value: a.Value})
	}
	return &next
}

// WithGroup returns a CapturingHandler so capture survives logger.WithGroup chains.
func (h *CapturingHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.underlying = h.underlying.WithGroup(name)
	next.groups = append(append([]string(nil), h.groups...), name)
	return &next
}

// qualify prefixes a key with the open groups, dot separated.
func (h *CapturingHandler) qualify(key string) string {
	for i := len(h.groups) - 1; i >= 0; i-- {
		key = h.groups[i] + "." + key
	}
	return key
}

// resolveValue converts a slog.Value into something encoding/json can render.
func resolveValue(v slog.Value) any {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return v.Int64()
	case slog.KindUint64:
		return v.Uint64()
	case slog.KindFloat64:
		return v.Float64()
	case slog.KindBool:
		return v.Bool()
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time()
	case slog.KindGroup:
		group := make(map[string]any, len(v.Group()))
		for _, a := range v.Group() {
			group[a.Key] = resolveValue(a.Value)
		}
		return group
	default:
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
		return v.Any()
	}
}
