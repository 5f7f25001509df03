// Package logger provides structured logging with custom levels and formatting
// for the swaddle daemon.
//
// Log output format:
//
//	2006-01-02T15:04:05.000Z [LEVEL] message | key=value, key2=value2
//
// The file always carries the timestamp; the optional console copy omits it.
//
// Custom levels beyond the standard slog set:
//   - LevelTrace (-8): verbose diagnostic tracing
//   - LevelFail  (12): unrecoverable errors
package logger

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// ///////////////////////////////////////////////
// Custom Levels
// ///////////////////////////////////////////////

const (
	LevelTrace slog.Level = -8
	LevelDebug slog.Level = slog.LevelDebug // -4
	LevelInfo  slog.Level = slog.LevelInfo  // 0
	LevelWarn  slog.Level = slog.LevelWarn  // 4
	LevelError slog.Level = slog.LevelError // 8
	LevelFail  slog.Level = 12
)

// levelName returns the display name for a log level.
func levelName(l slog.Level) string {
	switch {
	case l <= LevelTrace:
		return "TRACE"
	case l <= LevelDebug:
		return "DEBUG"
	case l <= LevelInfo:
		return "INFO"
	case l <= LevelWarn:
		return "WARN"
	case l <= LevelError:
		return "ERROR"
	default:
		return "FAIL"
	}
}

// ResolveLevel returns the effective level for the configured level string.
// The top-level debug switch lowers anything less verbose than debug to
// [LevelDebug] but never raises an explicit trace setting.
func ResolveLevel(level string, debug bool) slog.Level {
	l := ParseLevel(level)
	if debug && l > LevelDebug {
		return LevelDebug
	}
	return l
}

// ParseLevel converts a level string to slog.Level.
// Supports: trace, debug, info, warn, error, fail (case-insensitive).
// Returns LevelInfo for unrecognized strings.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "trace":
		return LevelTrace
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	case "fail":
		return LevelFail
	default:
		return LevelInfo
	}
}

// ///////////////////////////////////////////////
// Handler
// ///////////////////////////////////////////////

// HandlerOptions configures [NewHandler].
type HandlerOptions struct {
	// Level is the minimum severity emitted.
	Level slog.Level
	// OmitTime drops the leading timestamp. Used for stderr, which journald
	// already stamps when swaddle runs as a user service.
	OmitTime bool
}

// Handler is a slog.Handler that formats records as:
//
//	2006-01-02T15:04:05.000Z [LEVEL] message | key=value, key2="two words"
type Handler struct {
	w    io.Writer
	mu   *sync.Mutex // shared by every handler derived from the same writer
	opts HandlerOptions

	// attrs are pre-formatted "key=value" pairs from [Handler.WithAttrs].
	attrs []string
	// group is the dot-separated key prefix from [Handler.WithGroup].
	group string
}

// NewHandler creates a Handler that writes to w.
func NewHandler(w io.Writer, opts HandlerOptions) *Handler {
	return &Handler{w: w, mu: &sync.Mutex{}, opts: opts}
}

// Enabled reports whether the handler handles records at the given level.
func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.opts.Level
}

// Handle formats and writes a log record.
func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder

	if !h.opts.OmitTime {
		buf.WriteString(r.Time.UTC().Format("2006-01-02T15:04:05.000Z"))
		buf.WriteByte(' ')
	}
	buf.WriteByte('[')
	buf.WriteString(levelName(r.Level))
	buf.WriteString("] ")
	buf.WriteString(r.Message)

	pairs := make([]string, 0, len(h.attrs)+r.NumAttrs())
	pairs = append(pairs, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		pairs = appendAttr(pairs, h.group, a)
		return true
	})
	if len(pairs) > 0 {
		buf.WriteString(" | ")
		buf.WriteString(strings.Join(pairs, ", "))
	}
	buf.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, buf.String())
	return err
}

// WithAttrs returns a new Handler with the given attributes pre-applied.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	pairs := make([]string, len(h.attrs), len(h.attrs)+len(attrs))
	copy(pairs, h.attrs)
	for _, a := range attrs {
		pairs = appendAttr(pairs, h.group, a)
	}
	return &Handler{w: h.w, mu: h.mu, opts: h.opts, attrs: pairs, group: h.group}
}

// WithGroup returns a new Handler whose attribute keys are prefixed with
// name (e.g. "group.key").
func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &Handler{w: h.w, mu: h.mu, opts: h.opts, attrs: h.attrs, group: joinKey(h.group, name)}
}

// appendAttr formats a as "key=value" pairs, flattening groups.
func appendAttr(pairs []string, prefix string, a slog.Attr) []string {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p = joinKey(prefix, a.Key)
		}
		for _, ga := range v.Group() {
			pairs = appendAttr(pairs, p, ga)
		}
		return pairs
	}
	if a.Key == "" {
		return pairs
	}
	return append(pairs, joinKey(prefix, a.Key)+"="+formatValue(v))
}

func joinKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// formatValue renders v, quoting values that would make the line ambiguous.
func formatValue(v slog.Value) string {
	if v.Kind() == slog.KindTime {
		return v.Time().UTC().Format(time.RFC3339)
	}
	s := v.String()
	if s == "" || strings.ContainsAny(s, " =,|\"\n") {
		return strconv.Quote(s)
	}
	return s
}

// teeHandler fans records out to several handlers.
type teeHandler []slog.Handler

func (t teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range t {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (t teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range t {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithGroup(name)
	}
	return out
}

// ///////////////////////////////////////////////
// Logger Constructor
// ///////////////////////////////////////////////

// Options configures [NewLogger].
type Options struct {
	// Path is the log file. Rotation is handled by lumberjack.
	Path string
	// Level is the minimum severity written.
	Level slog.Level
	// MaxSizeMB is the size at which the file is rotated.
	MaxSizeMB int
	// Console, when non-nil, receives every record without a timestamp.
	Console io.Writer
}

// NewLogger creates a slog.Logger that writes to a rotating log file and,
// optionally, to a console writer. The returned io.Closer closes the file.
func NewLogger(opts Options) (*slog.Logger, io.Closer, error) {
	if opts.Path == "" {
		return nil, nil, fmt.Errorf("log path is empty")
	}
	lj := &lumberjack.Logger{
		Filename:   opts.Path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: 3,
		MaxAge:     28,
	}

	var h slog.Handler = NewHandler(lj, HandlerOptions{Level: opts.Level})
	if opts.Console != nil {
		h = teeHandler{h, NewHandler(opts.Console, HandlerOptions{Level: opts.Level, OmitTime: true})}
	}
	return slog.New(h), lj, nil
}

// ///////////////////////////////////////////////
// Helper Functions
// ///////////////////////////////////////////////

// Trace logs a message at LevelTrace.
func Trace(logger *slog.Logger, msg string, args ...any) {
	logger.Log(context.Background(), LevelTrace, msg, args...)
}

// Fail logs a message at LevelFail.
func Fail(logger *slog.Logger, msg string, args ...any) {
	logger.Log(context.Background(), LevelFail, msg, args...)
}

// ///////////////////////////////////////////////
// ReadTail
// ///////////////////////////////////////////////

// ReadTail returns the last n lines from the file at path.
// Returns an error if the file doesn't exist or can't be read.
func ReadTail(path string, lines int) (string, error) {
	if lines <= 0 {
		return "", nil
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	buf := make([]string, 0, lines)
	idx := 0

	for scanner.Scan() {
		if len(buf) < lines {
			buf = append(buf, scanner.Text())
		} else {
			buf[idx%lines] = scanner.Text()
		}
		idx++
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("reading log file: %w", err)
	}

	// Reorder the circular buffer so lines are in chronological order.
	if len(buf) < lines {
		return strings.Join(buf, "\n"), nil
	}
	start := idx % lines
	ordered := make([]string, 0, lines)
	ordered = append(ordered, buf[start:]...)
	ordered = append(ordered, buf[:start]...)
	return strings.Join(ordered, "\n"), nil
}
