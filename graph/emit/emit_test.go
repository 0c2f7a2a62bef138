package emit

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func checkpointEvent() Event {
	return Event{
		ThreadID: "t1",
		Seq:      2,
		Step:     2,
		NodeID:   "review",
		Msg:      MsgCheckpoint,
		Meta:     map[string]interface{}{"source": "loop", "next": []string{"publish"}},
	}
}

func TestLogEmitter_JSON(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(NewJSONLogger(&buf, slog.LevelInfo))

	emitter.Emit(checkpointEvent())

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, MsgCheckpoint, line["msg"])
	assert.Equal(t, "t1", line["thread_id"])
	assert.Equal(t, float64(2), line["seq"])
	assert.Equal(t, "review", line["node_id"])
	assert.Equal(t, "loop", line["source"])
}

func TestLogEmitter_Levels(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(NewJSONLogger(&buf, slog.LevelInfo))

	emitter.Emit(Event{ThreadID: "t1", NodeID: "a", Msg: MsgNodeStart})
	assert.Empty(t, buf.String(), "node_start is debug level")

	emitter.Emit(Event{ThreadID: "t1", NodeID: "a", Msg: MsgNodeError, Meta: map[string]interface{}{"error": "boom"}})
	assert.Contains(t, buf.String(), `"level":"ERROR"`)
}

func TestNewConsoleLogger_NoColorOffTerminal(t *testing.T) {
	var buf bytes.Buffer
	logger := NewConsoleLogger(&buf, slog.LevelDebug)
	NewLogEmitter(logger).Emit(checkpointEvent())

	out := buf.String()
	assert.Contains(t, out, "checkpoint")
	assert.Contains(t, out, "thread_id=t1")
	assert.NotContains(t, out, "\x1b[", "buffers are not terminals")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestZapEmitter(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	emitter := NewZapEmitter(zap.New(core))

	emitter.Emit(checkpointEvent())
	emitter.Emit(Event{ThreadID: "t1", Msg: MsgNodeStart})
	emitter.Emit(Event{ThreadID: "t1", Msg: MsgNodeError, Meta: map[string]interface{}{"error": errors.New("boom")}})

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, MsgCheckpoint, entries[0].Message)
	fields := entries[0].ContextMap()
	assert.Equal(t, "t1", fields["thread_id"])
	assert.Equal(t, int64(2), fields["seq"])
	assert.Equal(t, "review", fields["node_id"])
	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
}

func TestNewZapLogger(t *testing.T) {
	logger := NewZapLogger("debug")
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	fallback := NewZapLogger("nonsense")
	assert.False(t, fallback.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, fallback.Core().Enabled(zapcore.InfoLevel))
}

func TestBufferedEmitter(t *testing.T) {
	b := NewBufferedEmitter()
	b.Emit(Event{ThreadID: "t1", Seq: 1, NodeID: "generate", Msg: MsgCheckpoint})
	b.Emit(Event{ThreadID: "t1", Seq: 2, NodeID: "review", Msg: MsgCheckpoint})
	b.Emit(Event{ThreadID: "t1", Seq: 2, NodeID: "review", Msg: MsgInterrupt})
	b.Emit(Event{ThreadID: "t2", Seq: 1, NodeID: "generate", Msg: MsgCheckpoint})

	assert.Len(t, b.History("t1"), 3)
	assert.Len(t, b.History("t2"), 1)
	assert.Empty(t, b.History("missing"))

	interrupts := b.HistoryWithFilter("t1", HistoryFilter{Msg: MsgInterrupt})
	require.Len(t, interrupts, 1)
	assert.Equal(t, "review", interrupts[0].NodeID)

	assert.Len(t, b.HistoryWithFilter("t1", HistoryFilter{MinSeq: 2}), 2)
	assert.Len(t, b.HistoryWithFilter("t1", HistoryFilter{MaxSeq: 1, NodeID: "generate"}), 1)

	b.Clear("t1")
	assert.Empty(t, b.History("t1"))
	assert.Len(t, b.History("t2"), 1)
	b.Clear("")
	assert.Empty(t, b.History("t2"))
}

func TestMultiEmitter(t *testing.T) {
	a, b := NewBufferedEmitter(), NewBufferedEmitter()
	m := NewMultiEmitter(a, nil, b, NewNullEmitter())
	assert.Len(t, m, 3)

	m.Emit(checkpointEvent())
	assert.Len(t, a.History("t1"), 1)
	assert.Len(t, b.History("t1"), 1)
}

func TestOTelEmitter(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	emitter := NewOTelEmitter(tp.Tracer("test"))

	emitter.Emit(checkpointEvent())
	emitter.Emit(Event{ThreadID: "t1", NodeID: "publish", Msg: MsgNodeError, Meta: map[string]interface{}{"error": "boom"}})

	spans := recorder.Ended()
	require.Len(t, spans, 2)

	assert.Equal(t, "threadgraph.checkpoint", spans[0].Name())
	attrs := make(map[attribute.Key]attribute.Value)
	for _, kv := range spans[0].Attributes() {
		attrs[kv.Key] = kv.Value
	}
	assert.Equal(t, "t1", attrs["threadgraph.thread_id"].AsString())
	assert.Equal(t, int64(2), attrs["threadgraph.seq"].AsInt64())
	assert.Equal(t, "loop", attrs["threadgraph.source"].AsString())
	assert.Equal(t, []string{"publish"}, attrs["threadgraph.next"].AsStringSlice())

	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.True(t, strings.Contains(spans[1].Status().Description, "boom"))
}
