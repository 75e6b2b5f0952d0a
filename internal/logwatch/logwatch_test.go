package logwatch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatch_rotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "svcrt.log")
	require.NoError(t, os.WriteFile(path, []byte("x\n"), 0o644))

	rotated := make(chan struct{}, 4)
	ctx, cancel := context.WithCancel(t.Context())
	errc := make(chan error, 1)
	go func() {
		errc <- Watch(ctx, path, slog.New(slog.DiscardHandler), func() { rotated <- struct{}{} })
	}()

	// a sibling file is ignored; the rename is not. The watcher may not be
	// registered yet, so retry until the first rotation is seen.
	require.Eventually(t, func() bool {
		_ = os.WriteFile(filepath.Join(dir, "other.log"), []byte("y"), 0o644)
		_ = os.WriteFile(path, []byte("x\n"), 0o644)
		_ = os.Rename(path, path+".1")
		select {
		case <-rotated:
			return true
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, 5*time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestWatch_missingDir(t *testing.T) {
	err := Watch(t.Context(), filepath.Join(t.TempDir(), "nope", "svcrt.log"), slog.New(slog.DiscardHandler), func() {})
	require.Error(t, err)
}
