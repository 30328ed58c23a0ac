package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCtxAttributesAreLogged(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "json", slog.LevelInfo)

	ctx := Ctx(context.Background(), slog.String("cycle_id", "c1"))
	ctx = Ctx(ctx, slog.String("subscriber", "42"))
	l.With("component", "test").InfoContext(ctx, "Hello")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "Hello", rec["msg"])
	assert.Equal(t, "c1", rec["cycle_id"])
	assert.Equal(t, "42", rec["subscriber"])
	assert.Equal(t, "test", rec["component"])
}

func TestCtxDoesNotLeakBetweenBranches(t *testing.T) {
	base := Ctx(context.Background(), slog.String("a", "1"))
	left := Ctx(base, slog.String("b", "2"))
	right := Ctx(base, slog.String("c", "3"))

	assert.Len(t, left.Value(attrKey), 2)
	assert.Len(t, right.Value(attrKey), 2)
	assert.Equal(t, "c", right.Value(attrKey).([]slog.Attr)[1].Key)
}

func TestNewTextFormat(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "text", slog.LevelInfo).Debug("hidden")
	New(&buf, "text", slog.LevelInfo).Info("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "msg=shown")
}
