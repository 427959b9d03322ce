// Package bridge exchanges messages between the two halves of an application
// over fake sockets: a server side accepting sessions, and clients dialing
// it from other goroutines of the same process.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/stealthrocket/fakesock/internal/fakesock"
	"github.com/stealthrocket/wasi-go"
	"golang.org/x/sync/errgroup"
)

var ErrServerClosed = errors.New("bridge server closed")

// Handler serves the messages of a session accepted by a server.
type Handler interface {
	ServeSession(ctx context.Context, sess *Session) error
}

type HandlerFunc func(ctx context.Context, sess *Session) error

func (f HandlerFunc) ServeSession(ctx context.Context, sess *Session) error {
	return f(ctx, sess)
}

// Echo is a handler sending every message it receives back to the client.
var Echo = HandlerFunc(func(ctx context.Context, sess *Session) error {
	for {
		msg, err := sess.Recv(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := sess.Send(ctx, msg); err != nil {
			return err
		}
	}
})

// Server accepts sessions on a listening socket.
type Server struct {
	reg    *fakesock.Registry
	fd     int
	opts   options
	closed atomic.Bool
}

// Listen creates a listening socket on reg for a new server.
func Listen(reg *fakesock.Registry, opts ...Option) (*Server, error) {
	fd, err := reg.Socket(wasi.StreamSocket, 0)
	if err != nil {
		return nil, fmt.Errorf("creating server socket: %w", err)
	}
	if err := reg.Listen(fd); err != nil {
		reg.Close(fd)
		return nil, fmt.Errorf("listening on #%d: %w", fd, err)
	}
	return &Server{reg: reg, fd: fd, opts: makeOptions(opts)}, nil
}

// FD returns the descriptor that clients connect to.
func (s *Server) FD() int { return s.fd }

// Serve accepts sessions and serves each of them on its own goroutine until
// the server is closed, ctx is canceled, or a handler fails. It waits for all
// handlers to return before returning.
//
// Serve returns ErrServerClosed after Close was called.
func (s *Server) Serve(ctx context.Context, handler Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	group, ctx := errgroup.WithContext(ctx)
	s.opts.logger.Info("serving", slog.Int("fd", s.fd))

	for {
		fd, err := s.reg.Accept(ctx, s.fd)
		if err != nil {
			cancel()
			switch werr := group.Wait(); {
			case werr != nil:
				return werr
			case s.closed.Load():
				return ErrServerClosed
			default:
				return fmt.Errorf("accepting sessions on #%d: %w", s.fd, err)
			}
		}

		sess := newSession(s.reg, fd, s.opts)
		sess.logger.Debug("session accepted")

		group.Go(func() error {
			defer sess.Close()
			err := handler.ServeSession(ctx, sess)
			if err != nil && ctx.Err() == nil {
				return fmt.Errorf("session %s: %w", sess.ID(), err)
			}
			return nil
		})
	}
}

// Close stops the server from accepting new sessions. Sessions being served
// see their context canceled.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrServerClosed
	}
	return s.reg.Close(s.fd)
}

// Dial opens a session with the server listening on the descriptor server.
func Dial(ctx context.Context, reg *fakesock.Registry, server int, opts ...Option) (*Session, error) {
	fd, err := reg.Socket(wasi.StreamSocket, 0)
	if err != nil {
		return nil, fmt.Errorf("creating client socket: %w", err)
	}
	if err := reg.Connect(ctx, fd, server); err != nil {
		reg.Close(fd)
		return nil, fmt.Errorf("connecting to #%d: %w", server, err)
	}
	return newSession(reg, fd, makeOptions(opts)), nil
}
