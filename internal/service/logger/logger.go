// Package logger is the log sink service. Every text message it receives
// is written as one line prefixed with the sender's handle. A system
// message reopens the log file, which is how log rotation is signalled.
package logger

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/codewandler/svcrt/core/actor"
	"github.com/codewandler/svcrt/core/mq"
)

// Name is the name the engine sends reopen requests to.
const Name = "logger"

type Options struct {
	// Path of the log file. Empty writes to Stdout.
	Path string
	// Stdout is used when Path is empty. Defaults to os.Stdout.
	Stdout io.Writer
}

type Service struct {
	opts Options
	file *os.File
	w    *bufio.Writer
}

func New(opts Options) *Service {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	return &Service{opts: opts}
}

// Init opens the log file, truncating it.
func (s *Service) Init(ctx *actor.Context) error {
	if s.opts.Path == "" {
		s.w = bufio.NewWriter(s.opts.Stdout)
		return nil
	}
	f, err := os.OpenFile(s.opts.Path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("logger: open %s: %w", s.opts.Path, err)
	}
	s.file = f
	s.w = bufio.NewWriter(f)
	return nil
}

func (s *Service) Handle(ctx *actor.Context, m mq.Message) error {
	switch m.Kind {
	case mq.KindSystem:
		return s.reopen()
	case mq.KindText:
		return s.write(m)
	}
	return nil
}

func (s *Service) write(m mq.Message) error {
	s.w.WriteString("[")
	s.w.WriteString(m.Source.String())
	s.w.WriteString("] ")
	s.w.Write(m.Data)
	s.w.WriteByte('\n')
	return s.w.Flush()
}

// reopen switches to a fresh handle on the same path in append mode.
func (s *Service) reopen() error {
	if s.file == nil {
		return nil
	}
	f, err := os.OpenFile(s.opts.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("logger: reopen %s: %w", s.opts.Path, err)
	}
	flushErr := s.w.Flush()
	closeErr := s.file.Close()
	s.file = f
	s.w = bufio.NewWriter(f)
	return errors.Join(flushErr, closeErr)
}

// Release closes the log file. Stdout stays open.
func (s *Service) Release(ctx *actor.Context) {
	if s.w != nil {
		_ = s.w.Flush()
	}
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			ctx.Log().Warn("close log file", slog.Any("error", err))
		}
		s.file = nil
	}
}

var (
	_ actor.Handler  = (*Service)(nil)
	_ actor.Releaser = (*Service)(nil)
)
