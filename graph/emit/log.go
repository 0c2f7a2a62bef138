package emit

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// NewConsoleLogger returns a slog logger writing colourised, human-readable
// lines to w. Colour is disabled when w is not a terminal.
//
// Example:
//
//	logger := emit.NewConsoleLogger(os.Stdout, slog.LevelInfo)
//	emitter := emit.NewLogEmitter(logger)
func NewConsoleLogger(w io.Writer, level slog.Leveler) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	noColor := true
	if f, ok := w.(*os.File); ok {
		noColor = !isatty.IsTerminal(f.Fd())
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
		NoColor:    noColor,
	}))
}

// NewJSONLogger returns a slog logger writing one JSON object per line to w.
func NewJSONLogger(w io.Writer, level slog.Leveler) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// ParseLevel maps "debug", "info", "warn" and "error" to slog levels.
// Anything else yields info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogEmitter implements Emitter by writing events through a *slog.Logger.
//
// Each event becomes one record whose message is event.Msg and whose
// attributes are thread_id, seq, step, node_id plus every Meta entry:
//
//	INF checkpoint thread_id=t1 seq=2 step=2 node_id=review source=loop
//
// node_error events are logged at error level, node_start at debug level,
// everything else at info.
type LogEmitter struct {
	logger *slog.Logger
}

// NewLogEmitter creates a LogEmitter. A nil logger falls back to slog.Default().
func NewLogEmitter(logger *slog.Logger) *LogEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogEmitter{logger: logger}
}

// Emit implements Emitter.
func (l *LogEmitter) Emit(event Event) {
	level := slog.LevelInfo
	switch event.Msg {
	case MsgNodeError:
		level = slog.LevelError
	case MsgNodeStart:
		level = slog.LevelDebug
	}

	ctx := context.Background()
	if !l.logger.Enabled(ctx, level) {
		return
	}

	attrs := make([]slog.Attr, 0, 4+len(event.Meta))
	attrs = append(attrs, slog.String("thread_id", event.ThreadID))
	if event.Seq > 0 {
		attrs = append(attrs, slog.Int64("seq", event.Seq))
	}
	if event.Step > 0 {
		attrs = append(attrs, slog.Int("step", event.Step))
	}
	if event.NodeID != "" {
		attrs = append(attrs, slog.String("node_id", event.NodeID))
	}
	for _, k := range sortedKeys(event.Meta) {
		attrs = append(attrs, slog.Any(k, event.Meta[k]))
	}

	l.logger.LogAttrs(ctx, level, event.Msg, attrs...)
}

// sortedKeys keeps attribute order stable across runs.
func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
