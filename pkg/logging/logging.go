// Package logging sets up go-ethereum's structured logger with an explicit
// filter in front of the output handler.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/log"
)

// ComponentKey is the attribute components tag their loggers with
const ComponentKey = "component"

// Predicate reports whether a record should be written. attrs holds the
// attributes bound to the logger followed by those of the record.
type Predicate func(r slog.Record, attrs []slog.Attr) bool

// DropMessages drops records whose message contains any of substrings
func DropMessages(substrings ...string) Predicate {
	return func(r slog.Record, _ []slog.Attr) bool {
		for _, s := range substrings {
			if s != "" && strings.Contains(r.Message, s) {
				return false
			}
		}
		return true
	}
}

// MinLevelFor drops records below level that carry attribute key=value
func MinLevelFor(key, value string, level slog.Level) Predicate {
	return func(r slog.Record, attrs []slog.Attr) bool {
		if r.Level >= level {
			return true
		}
		for _, a := range attrs {
			if a.Key == key && a.Value.String() == value {
				return false
			}
		}
		return true
	}
}

// FilterHandler wraps a slog.Handler and drops every record some predicate rejects
type FilterHandler struct {
	next  slog.Handler
	keep  []Predicate
	attrs []slog.Attr
}

// NewFilterHandler returns a handler writing to next the records all predicates keep
func NewFilterHandler(next slog.Handler, keep ...Predicate) *FilterHandler {
	return &FilterHandler{next: next, keep: keep}
}

func (h *FilterHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *FilterHandler) Handle(ctx context.Context, r slog.Record) error {
	if len(h.keep) > 0 {
		attrs := make([]slog.Attr, 0, len(h.attrs)+r.NumAttrs())
		attrs = append(attrs, h.attrs...)
		r.Attrs(func(a slog.Attr) bool {
			attrs = append(attrs, a)
			return true
		})
		for _, keep := range h.keep {
			if !keep(r, attrs) {
				return nil
			}
		}
	}
	return h.next.Handle(ctx, r)
}

func (h *FilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	bound := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	bound = append(bound, h.attrs...)
	bound = append(bound, attrs...)
	return &FilterHandler{next: h.next.WithAttrs(attrs), keep: h.keep, attrs: bound}
}

func (h *FilterHandler) WithGroup(name string) slog.Handler {
	return &FilterHandler{next: h.next.WithGroup(name), keep: h.keep, attrs: h.attrs}
}

// Options selects the output format and filters
type Options struct {
	// Level is the global minimum level name
	Level string
	// Format is "terminal" (default) or "json"
	Format string
	// Color enables ANSI colors in terminal output
	Color bool
	// Drop lists message substrings that are never written
	Drop []string
	// Components maps a component name to its minimum level name
	Components map[string]string
	// Writer defaults to os.Stderr
	Writer io.Writer
}

// NewHandler builds the output handler described by opts
func NewHandler(opts Options) (slog.Handler, error) {
	level := slog.LevelInfo
	if opts.Level != "" {
		lvl, err := log.LvlFromString(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		level = lvl
	}

	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}

	var out slog.Handler
	switch opts.Format {
	case "", "terminal":
		out = log.NewTerminalHandlerWithLevel(w, level, opts.Color)
	case "json":
		out = log.JSONHandlerWithLevel(w, level)
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	var keep []Predicate
	if len(opts.Drop) > 0 {
		keep = append(keep, DropMessages(opts.Drop...))
	}
	for component, name := range opts.Components {
		lvl, err := log.LvlFromString(name)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q for %s: %w", name, component, err)
		}
		keep = append(keep, MinLevelFor(ComponentKey, component, lvl))
	}
	if len(keep) == 0 {
		return out, nil
	}
	return NewFilterHandler(out, keep...), nil
}

// Setup installs the handler described by opts as the root logger
func Setup(opts Options) (log.Logger, error) {
	h, err := NewHandler(opts)
	if err != nil {
		return nil, err
	}
	logger := log.NewLogger(h)
	log.SetDefault(logger)
	return logger, nil
}
