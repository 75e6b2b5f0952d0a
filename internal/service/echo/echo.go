// Package echo is a TCP service that writes every chunk it reads back to
// the same connection. It runs entirely on the engine's socket server.
package echo

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/codewandler/svcrt/core/actor"
	"github.com/codewandler/svcrt/core/mq"
	"github.com/codewandler/svcrt/core/socket"
)

const defaultBacklog = 32

type Options struct {
	Host    string
	Port    int
	Backlog int
}

type Service struct {
	opts   Options
	listen socket.ID
	conns  map[socket.ID]string

	mu    sync.Mutex
	addr  string
	ready chan struct{}
}

func New(opts Options) *Service {
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	if opts.Backlog <= 0 {
		opts.Backlog = defaultBacklog
	}
	return &Service{
		opts:  opts,
		conns: make(map[socket.ID]string),
		ready: make(chan struct{}),
	}
}

// Ready is closed once the listener accepts connections.
func (s *Service) Ready() <-chan struct{} { return s.ready }

// Addr is the bound listen address, known once Ready is closed.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Service) Init(ctx *actor.Context) error {
	ss, err := ctx.Socket()
	if err != nil {
		return err
	}
	id, err := ss.Listen(ctx.Opaque(), s.opts.Host, s.opts.Port, s.opts.Backlog)
	if err != nil {
		return fmt.Errorf("echo: listen %s:%d: %w", s.opts.Host, s.opts.Port, err)
	}
	s.listen = id
	return ss.Start(ctx.Opaque(), id)
}

func (s *Service) Handle(ctx *actor.Context, m mq.Message) error {
	if m.Kind != mq.KindSocket {
		return nil
	}
	ev, ok := m.Value.(*socket.Event)
	if !ok {
		return fmt.Errorf("echo: unexpected socket payload %T", m.Value)
	}
	ss, err := ctx.Socket()
	if err != nil {
		return err
	}

	switch ev.Type {
	case socket.EventOpen:
		if ev.ID == s.listen {
			s.listening(ss)
			ctx.Log().Info("echo listening", slog.String("addr", s.Addr()))
		}
	case socket.EventAccept:
		id := socket.ID(ev.UD)
		s.conns[id] = ev.Text
		ctx.Log().Debug("echo accepted", slog.String("peer", ev.Text), slog.Int("socket", int(id)))
		return ss.Start(ctx.Opaque(), id)
	case socket.EventData:
		return ss.Send(ev.ID, ev.Data)
	case socket.EventClose, socket.EventError:
		if ev.ID == s.listen {
			return fmt.Errorf("echo: listener closed: %v", ev.Err)
		}
		delete(s.conns, ev.ID)
	case socket.EventWarning:
		ctx.Log().Warn("echo peer is slow", slog.Int("socket", int(ev.ID)), slog.Int("buffered_kb", ev.UD))
	}
	return nil
}

func (s *Service) listening(ss *socket.Server) {
	for _, info := range ss.Info() {
		if info.ID == s.listen {
			s.mu.Lock()
			s.addr = info.Name
			s.mu.Unlock()
			break
		}
	}
	select {
	case <-s.ready:
	default:
		close(s.ready)
	}
}

// Release closes the listener and every open connection.
func (s *Service) Release(ctx *actor.Context) {
	ss, err := ctx.Socket()
	if err != nil {
		return
	}
	for id := range s.conns {
		_ = ss.Close(ctx.Opaque(), id)
	}
	_ = ss.Close(ctx.Opaque(), s.listen)
}

var (
	_ actor.Handler  = (*Service)(nil)
	_ actor.Releaser = (*Service)(nil)
)
