package actor

import (
	"log/slog"
	"sync/atomic"

	"github.com/codewandler/svcrt/core/mq"
	"github.com/codewandler/svcrt/core/socket"
)

// Context is the view a service has of the runtime. It is passed to every
// Init and Handle call of one service.
type Context struct {
	r       *Registry
	s       *service
	log     *slog.Logger
	session atomic.Int32
}

func (c *Context) Handle() mq.Handle { return c.s.handle }
func (c *Context) Name() string      { return c.s.name }
func (c *Context) Log() *slog.Logger { return c.log }

// NewSession returns the next session of this service. Sessions are
// positive and wrap around past the largest int32.
func (c *Context) NewSession() int32 {
	for {
		s := c.session.Add(1)
		if s > 0 {
			return s
		}
		c.session.CompareAndSwap(s, 0)
	}
}

// Send pushes a message to dst with this service as the source.
func (c *Context) Send(dst mq.Handle, kind mq.Kind, session int32, data []byte) error {
	return c.r.Push(dst, mq.Message{Source: c.s.handle, Session: session, Kind: kind, Data: data})
}

// SendValue is Send with an in-process value instead of bytes.
func (c *Context) SendValue(dst mq.Handle, kind mq.Kind, session int32, v any) error {
	return c.r.Push(dst, mq.Message{Source: c.s.handle, Session: session, Kind: kind, Value: v})
}

// Call sends data under a new session and returns the session the reply
// will carry.
func (c *Context) Call(dst mq.Handle, kind mq.Kind, data []byte) (int32, error) {
	session := c.NewSession()
	if err := c.Send(dst, kind, session, data); err != nil {
		return 0, err
	}
	return session, nil
}

// Lookup finds a named service.
func (c *Context) Lookup(name string) (mq.Handle, bool) { return c.r.FindByName(name) }

// Timeout schedules a response message to this service after delay ticks
// and returns its session.
func (c *Context) Timeout(delay int) (int32, error) {
	rt, err := c.r.runtime()
	if err != nil {
		return 0, err
	}
	return rt.Timeout(c.s.handle, delay, c.NewSession())
}

// Socket returns the socket server. Socket calls should pass Opaque() so
// that events come back to this service.
func (c *Context) Socket() (*socket.Server, error) {
	rt, err := c.r.runtime()
	if err != nil {
		return nil, err
	}
	return rt.Socket(), nil
}

// Opaque is this service's handle in the form socket calls expect.
func (c *Context) Opaque() uint64 { return uint64(c.s.handle) }

// Now returns the runtime clock in ticks.
func (c *Context) Now() uint64 {
	rt, err := c.r.runtime()
	if err != nil {
		return 0
	}
	return rt.Now()
}

// Exit retires this service. The current dispatch finishes normally.
func (c *Context) Exit() { c.r.Retire(c.s.handle) }
