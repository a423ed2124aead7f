package logx

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRotatorHourly(t *testing.T) {
	dir := t.TempDir()
	w := newRotator(Config{AppName: "agent", LogDir: dir, MaxBackups: 2})
	base := time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		require.NoError(t, w.write(base.Add(time.Duration(i)*time.Hour), []byte("line\n")))
	}
	w.close()

	files, err := filepath.Glob(filepath.Join(dir, "agent-*.log"))
	require.NoError(t, err)
	assert.Len(t, files, 2)

	target, err := os.Readlink(filepath.Join(dir, "agent.log"))
	require.NoError(t, err)
	assert.Equal(t, "agent-2024050113.log", target)
}

func TestRotatorSameHourAppends(t *testing.T) {
	dir := t.TempDir()
	w := newRotator(Config{AppName: "agent", LogDir: dir})
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, w.write(now, []byte("a\n")))
	require.NoError(t, w.write(now.Add(10*time.Minute), []byte("b\n")))
	w.close()

	data, err := os.ReadFile(filepath.Join(dir, "agent-2024050110.log"))
	require.NoError(t, err)
	assert.Equal(t, "a\nb\n", string(data))
}

func TestDropNotice(t *testing.T) {
	h, err := newHandler(Config{Level: slog.LevelInfo, ConsoleEnabled: true, QueueSize: 1})
	require.NoError(t, err)
	hh := h.(*handler)
	buf := &bytes.Buffer{}
	hh.console = buf

	hh.dropped.Store(7)
	l := &loggerImpl{slog: slog.New(hh), h: hh}
	l.Info(context.Background(), TagEmit, "after drops")
	l.Close()

	got := lines(t, buf)
	require.Len(t, got, 2)
	assert.Equal(t, "log queue full", got[0][Msg])
	assert.EqualValues(t, 7, got[0]["dropped"])
	assert.Equal(t, "after drops", got[1][Msg])
}
