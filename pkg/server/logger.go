package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// DBLogHandler is a slog.Handler that writes records to the research_logs
// table of one job.
type DBLogHandler struct {
	Writer LogWriter
	JobID  uuid.UUID
	// Level is the minimum level written; nil writes everything.
	Level slog.Leveler

	attrs  map[string]interface{}
	prefix string
}

func NewDBLogHandler(w LogWriter, jobID uuid.UUID) *DBLogHandler {
	return &DBLogHandler{
		Writer: w,
		JobID:  jobID,
	}
}

func (h *DBLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if h.Level == nil {
		return true
	}
	return level >= h.Level.Level()
}

func (h *DBLogHandler) Handle(ctx context.Context, r slog.Record) error {
	attrs := make(map[string]interface{}, len(h.attrs)+r.NumAttrs())
	for k, v := range h.attrs {
		attrs[k] = v
	}
	r.Attrs(func(a slog.Attr) bool {
		addAttr(attrs, h.prefix, a)
		return true
	})

	metaJSON, err := json.Marshal(attrs)
	if err != nil {
		metaJSON = []byte("{}")
	}

	// Logs must persist even after the job context is cancelled.
	return h.Writer.InsertLog(context.WithoutCancel(ctx), h.JobID, r.Time, r.Level.String(), r.Message, metaJSON)
}

func (h *DBLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	next := h.clone()
	for _, a := range attrs {
		addAttr(next.attrs, next.prefix, a)
	}
	return next
}

func (h *DBLogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := h.clone()
	next.prefix = h.prefix + name + "."
	return next
}

func (h *DBLogHandler) clone() *DBLogHandler {
	attrs := make(map[string]interface{}, len(h.attrs))
	for k, v := range h.attrs {
		attrs[k] = v
	}
	return &DBLogHandler{
		Writer: h.Writer,
		JobID:  h.JobID,
		Level:  h.Level,
		attrs:  attrs,
		prefix: h.prefix,
	}
}

// addAttr flattens groups into dotted keys.
func addAttr(dst map[string]interface{}, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p = prefix + a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			addAttr(dst, p, ga)
		}
		return
	}

	key := prefix + a.Key
	switch v := a.Value.Any().(type) {
	case error:
		dst[key] = v.Error()
	case time.Time:
		dst[key] = v
	case interface{ String() string }:
		dst[key] = v.String()
	default:
		dst[key] = v
	}
}
