package echo

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/svcrt/core/actor"
	"github.com/codewandler/svcrt/core/engine"
)

// newRuntime binds a registry to an engine. The engine runs once start is
// called, after the services are registered.
func newRuntime(t *testing.T) (r *actor.Registry, start func()) {
	t.Helper()
	log := slog.New(slog.DiscardHandler)
	r = actor.NewRegistry(actor.Options{Logger: log})
	e, err := engine.New(engine.Options{
		Workers:  2,
		Global:   r.Global(),
		Services: r,
		Logger:   log,
	})
	require.NoError(t, err)
	r.Bind(e)

	return r, func() {
		ctx, cancel := context.WithCancel(t.Context())
		stopped := make(chan struct{})
		go func() {
			_ = e.Run(ctx)
			close(stopped)
		}()
		t.Cleanup(func() {
			cancel()
			<-stopped
		})
	}
}

func TestEcho(t *testing.T) {
	r, start := newRuntime(t)
	svc := New(Options{})
	_, err := r.Register("echo", svc)
	require.NoError(t, err)
	start()

	select {
	case <-svc.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not start")
	}
	require.NotEmpty(t, svc.Addr())

	for _, msg := range []string{"hello", "second connection"} {
		conn, err := net.DialTimeout("tcp", svc.Addr(), 5*time.Second)
		require.NoError(t, err)
		require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

		_, err = conn.Write([]byte(msg))
		require.NoError(t, err)
		buf := make([]byte, len(msg))
		_, err = io.ReadFull(conn, buf)
		require.NoError(t, err)
		assert.Equal(t, msg, string(buf))
		require.NoError(t, conn.Close())
	}
}

func TestEcho_requiresRuntime(t *testing.T) {
	r := actor.NewRegistry(actor.Options{Logger: slog.New(slog.DiscardHandler)})
	_, err := r.Register("echo", New(Options{}))
	require.ErrorIs(t, err, actor.ErrNotBound)
}
