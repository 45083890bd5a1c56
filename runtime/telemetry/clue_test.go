package telemetry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"goa.design/clue/log"
)

func TestFielders(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	fields, err := fielders("hello", []any{"session", "s1", 42, "dropped", "err", boom, "trailing"}, true)
	require.ErrorIs(t, err, boom)
	require.Equal(t, []log.Fielder{
		log.KV{K: "msg", V: "hello"},
		log.KV{K: "session", V: "s1"},
		log.KV{K: "trailing", V: nil},
	}, fields)

	fields, err = fielders("hello", []any{"err", boom}, false)
	require.NoError(t, err)
	require.Len(t, fields, 2)
}

func TestAttrs(t *testing.T) {
	t.Parallel()

	got := attrs([]string{"status", "done", "odd"})
	require.Len(t, got, 2)
	require.Equal(t, "done", got[0].Value.AsString())
	require.Equal(t, "", got[1].Value.AsString())

	span := spanAttrs([]any{"n", 3, "ok", true, "x", struct{}{}})
	require.Len(t, span, 3)
	require.Equal(t, int64(3), span[0].Value.AsInt64())
}

func TestWithDefaults(t *testing.T) {
	t.Parallel()

	tel := Telemetry{Logger: NewClueLogger()}.WithDefaults()
	require.IsType(t, ClueLogger{}, tel.Logger)
	require.IsType(t, NoopMetrics{}, tel.Metrics)
	require.IsType(t, NoopTracer{}, tel.Tracer)
}
