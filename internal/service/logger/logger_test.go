package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/svcrt/core/actor"
	"github.com/codewandler/svcrt/core/mq"
)

func newRegistry() *actor.Registry {
	return actor.NewRegistry(actor.Options{Logger: slog.New(slog.DiscardHandler)})
}

func TestLogger_stdout(t *testing.T) {
	var out bytes.Buffer
	r := newRegistry()
	h, err := r.Register(Name, New(Options{Stdout: &out}))
	require.NoError(t, err)

	require.NoError(t, r.Dispatch(h, mq.Message{Source: 0x2a, Kind: mq.KindText, Data: []byte("hello")}))
	require.NoError(t, r.Dispatch(h, mq.Message{Source: 1, Kind: mq.KindResponse, Data: []byte("ignored")}))
	require.NoError(t, r.Dispatch(h, mq.Message{Kind: mq.KindSystem}))

	assert.Equal(t, "[:0000002a] hello\n", out.String())
}

func TestLogger_reopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "svcrt.log")
	r := newRegistry()
	h, err := r.Register(Name, New(Options{Path: path}))
	require.NoError(t, err)

	require.NoError(t, r.Dispatch(h, mq.Message{Source: 1, Kind: mq.KindText, Data: []byte("before")}))

	// rotate: the service keeps writing to the moved file until reopened
	rotated := filepath.Join(dir, "svcrt.log.1")
	require.NoError(t, os.Rename(path, rotated))
	require.NoError(t, r.Dispatch(h, mq.Message{Source: 1, Kind: mq.KindText, Data: []byte("moved")}))
	require.NoError(t, r.Dispatch(h, mq.Message{Kind: mq.KindSystem}))
	require.NoError(t, r.Dispatch(h, mq.Message{Source: 2, Kind: mq.KindText, Data: []byte("after")}))

	old, err := os.ReadFile(rotated)
	require.NoError(t, err)
	assert.Equal(t, "[:00000001] before\n[:00000001] moved\n", string(old))

	cur, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "[:00000002] after\n", string(cur))

	require.True(t, r.Retire(h))
}

func TestLogger_badPath(t *testing.T) {
	r := newRegistry()
	_, err := r.Register(Name, New(Options{Path: filepath.Join(t.TempDir(), "missing", "x.log")}))
	require.Error(t, err)
	_, ok := r.FindByName(Name)
	assert.False(t, ok)
}
