package storage

import (
	"context"
	"log/slog"
)

// ActivityRecorder is an slog.Handler that tees selected records into the
// activity log consumed by the dashboard log viewer: everything at WARN
// and above, plus INFO records from the watcher and orchestrator
// components. Append failures are dropped silently, logging about a
// failing log sink would recurse.
type ActivityRecorder struct {
	inner slog.Handler
	repo  ActivityRepository
	attrs []slog.Attr
}

func NewActivityRecorder(inner slog.Handler, repo ActivityRepository) *ActivityRecorder {
	if inner == nil {
		panic("storage: NewActivityRecorder called with nil handler")
	}

	return &ActivityRecorder{inner: inner, repo: repo}
}

func (h *ActivityRecorder) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *ActivityRecorder) Handle(ctx context.Context, r slog.Record) error {
	component := h.component(r)

	if h.repo != nil && h.shouldRecord(r.Level, component) {
		_ = h.repo.Append(ActivityEntry{
			At:        r.Time,
			Level:     r.Level.String(),
			Component: component,
			Message:   r.Message,
		})
	}

	return h.inner.Handle(ctx, r)
}

func (h *ActivityRecorder) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)

	return &ActivityRecorder{inner: h.inner.WithAttrs(attrs), repo: h.repo, attrs: merged}
}

func (h *ActivityRecorder) WithGroup(name string) slog.Handler {
	return &ActivityRecorder{inner: h.inner.WithGroup(name), repo: h.repo, attrs: h.attrs}
}

func (h *ActivityRecorder) shouldRecord(level slog.Level, component string) bool {
	if level >= slog.LevelWarn {
		return true
	}

	if level < slog.LevelInfo {
		return false
	}

	return component == "watcher" || component == "orchestrator"
}

// component finds the component attribute, preferring the record's own
// attrs over handler-bound ones.
func (h *ActivityRecorder) component(r slog.Record) string {
	component := ""

	for _, attr := range h.attrs {
		if attr.Key == "component" {
			component = attr.Value.String()
		}
	}

	r.Attrs(func(attr slog.Attr) bool {
		if attr.Key == "component" {
			component = attr.Value.String()

			return false
		}

		return true
	})

	return component
}
