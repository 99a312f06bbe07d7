package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

var bufPool = sync.Pool{
	New: func() any {
		return new(bytes.Buffer)
	},
}

type PrettyHandlerOptions struct {
	Level          slog.Leveler
	UseColor       bool
	TimeFormat     string
	FieldSeparator string
}

func DefaultOptions() PrettyHandlerOptions {
	return PrettyHandlerOptions{
		Level:          slog.LevelInfo,
		UseColor:       true,
		TimeFormat:     time.RFC3339,
		FieldSeparator: " | ",
	}
}

// PrettyHandler renders records as single colored console lines with
// JSON-encoded attributes, suitable for an interactive CLI.
type PrettyHandler struct {
	opts   PrettyHandlerOptions
	writer io.Writer
	mu     *sync.Mutex
	attrs  []slog.Attr

	colorTime    func(...any) string
	colorMessage func(...any) string
	colorFields  func(...any) string
	colorLevel   map[slog.Level]func(...any) string
}

func NewPrettyHandler(w io.Writer, opts *PrettyHandlerOptions) *PrettyHandler {
	if opts == nil {
		defaultOpts := DefaultOptions()
		opts = &defaultOpts
	}
	if opts.TimeFormat == "" {
		opts.TimeFormat = time.RFC3339
	}
	if opts.FieldSeparator == "" {
		opts.FieldSeparator = " | "
	}
	if opts.Level == nil {
		opts.Level = slog.LevelInfo
	}

	h := &PrettyHandler{
		opts:   *opts,
		writer: w,
		mu:     &sync.Mutex{},
	}
	h.initColorFuncs()

	return h
}

func (h *PrettyHandler) initColorFuncs() {
	if !h.opts.UseColor {
		plain := func(a ...any) string { return fmt.Sprint(a...) }
		h.colorTime = plain
		h.colorMessage = plain
		h.colorFields = plain
		h.colorLevel = map[slog.Level]func(...any) string{
			slog.LevelDebug: plain,
			slog.LevelInfo:  plain,
			slog.LevelWarn:  plain,
			slog.LevelError: plain,
		}
		return
	}

	h.colorTime = color.New(color.FgHiBlack).SprintFunc()
	h.colorMessage = color.New(color.FgCyan).SprintFunc()
	h.colorFields = color.New(color.FgWhite).SprintFunc()
	h.colorLevel = map[slog.Level]func(...any) string{
		slog.LevelDebug: color.New(color.FgMagenta).SprintFunc(),
		slog.LevelInfo:  color.New(color.FgBlue).SprintFunc(),
		slog.LevelWarn:  color.New(color.FgYellow).SprintFunc(),
		slog.LevelError: color.New(color.FgRed, color.Bold).SprintFunc(),
	}
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.opts.Level.Level()
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	buf := bufPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		bufPool.Put(buf)
	}()

	h.mu.Lock()
	defer h.mu.Unlock()

	buf.WriteString(h.colorTime(r.Time.Format(h.opts.TimeFormat)))
	buf.WriteString(h.opts.FieldSeparator)
	buf.WriteString(h.formatLevel(r.Level))
	buf.WriteString(h.opts.FieldSeparator)
	buf.WriteString(h.colorMessage(r.Message))

	attrs := h.collectAttributes(r)
	if len(attrs) > 0 {
		buf.WriteString(h.opts.FieldSeparator)

		var jsonBuf bytes.Buffer
		encoder := json.NewEncoder(&jsonBuf)
		encoder.SetEscapeHTML(false)
		if err := encoder.Encode(attrs); err != nil {
			fmt.Fprintf(buf, "(error formatting attributes: %v)", err)
		} else {
			buf.WriteString(h.colorFields(string(bytes.TrimRight(jsonBuf.Bytes(), "\n"))))
		}
	}

	buf.WriteByte('\n')
	_, err := h.writer.Write(buf.Bytes())
	return err
}

func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}

	next := &PrettyHandler{
		opts:   h.opts,
		writer: h.writer,
		mu:     h.mu,
		attrs:  append(append([]slog.Attr(nil), h.attrs...), attrs...),
	}
	next.initColorFuncs()

	return next
}

// WithGroup returns the handler unchanged: the group name is dropped and later
// attributes keep their own top-level keys. warren's loggers use flat
// component attrs, so no grouping is applied.
func (h *PrettyHandler) WithGroup(name string) slog.Handler { return h }

func (h *PrettyHandler) formatLevel(level slog.Level) string {
	levelStr := fmt.Sprintf("%-5s", strings.ToUpper(level.String()))
	if colorFunc, ok := h.colorLevel[level]; ok {
		return colorFunc(levelStr)
	}
	return levelStr
}

func (h *PrettyHandler) collectAttributes(r slog.Record) map[string]any {
	attrs := make(map[string]any)

	for _, attr := range h.attrs {
		addAttribute(attrs, attr, h.opts.TimeFormat)
	}
	r.Attrs(func(attr slog.Attr) bool {
		addAttribute(attrs, attr, h.opts.TimeFormat)
		return true
	})

	return attrs
}

func addAttribute(attrs map[string]any, attr slog.Attr, timeFormat string) {
	value := attr.Value.Resolve()

	if value.Kind() == slog.KindGroup {
		group := make(map[string]any)
		for _, groupAttr := range value.Group() {
			addAttribute(group, groupAttr, timeFormat)
		}
		if len(group) > 0 {
			attrs[attr.Key] = group
		}
		return
	}

	switch value.Kind() {
	case slog.KindTime:
		attrs[attr.Key] = value.Time().Format(timeFormat)
	case slog.KindDuration:
		attrs[attr.Key] = value.Duration().String()
	default:
		attrs[attr.Key] = value.Any()
	}
}
