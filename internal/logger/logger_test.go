package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithWriterLevelAndService(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(Config{Level: "warn", ServiceName: "signaling"}, &buf)

	l.Info().Msg("dropped")
	assert.Zero(t, buf.Len())

	l.Warn().Str(FieldRoomID, "evt-1").Msg("kept")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "signaling", line[FieldService])
	assert.Equal(t, "evt-1", line[FieldRoomID])
	assert.Equal(t, "kept", line["message"])
}

func TestCtxFallsBackToGlobal(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(Config{Level: "debug"}, &buf)

	ctx := WithLogger(context.Background(), l)
	got := Ctx(ctx)
	got.Debug().Msg("hello")
	assert.Contains(t, buf.String(), "hello")

	assert.Equal(t, L().GetLevel(), Ctx(context.Background()).GetLevel())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, parseLevel(" DEBUG "))
	assert.Equal(t, zerolog.Disabled, parseLevel("off"))
	assert.Equal(t, zerolog.InfoLevel, parseLevel("nonsense"))
}
