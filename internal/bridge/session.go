package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/stealthrocket/fakesock/internal/fakesock"
	"github.com/stealthrocket/fakesock/internal/metrics"
	"github.com/stealthrocket/wasi-go"
	"golang.org/x/sys/unix"
)

var ErrClosed = errors.New("bridge session closed")

// Session states.
const (
	StateIdle    = "idle"
	StateOpen    = "open"
	StateClosing = "closing"
	StateClosed  = "closed"
)

const (
	eventEstablish = "establish"
	eventClose     = "close"
	eventRelease   = "release"
)

// Option configures servers and sessions.
type Option func(*options)

type options struct {
	threshold int
	logger    *slog.Logger
	metrics   *metrics.Sessions
}

func makeOptions(opts []Option) options {
	o := options{
		threshold: DefaultCompressionThreshold,
		logger:    slog.Default().With(slog.String("component", "bridge")),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// CompressionThreshold sets the size above which binary payloads are
// compressed. Zero disables compression.
func CompressionThreshold(size int) Option {
	return func(o *options) { o.threshold = size }
}

func Logger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func Metrics(m *metrics.Sessions) Option {
	return func(o *options) { o.metrics = m }
}

// Session is one end of a connection carrying messages.
//
// Send and Recv may be called concurrently with each other; concurrent calls
// to Send (or to Recv) are serialized.
type Session struct {
	id     uuid.UUID
	reg    *fakesock.Registry
	fd     int
	opts   options
	logger *slog.Logger
	fsm    *fsm.FSM

	rmutex sync.Mutex
	wmutex sync.Mutex
}

func newSession(reg *fakesock.Registry, fd int, opts options) *Session {
	s := &Session{
		id:   uuid.New(),
		reg:  reg,
		fd:   fd,
		opts: opts,
	}
	s.logger = opts.logger.With(slog.String("session", s.id.String()), slog.Int("fd", fd))
	s.fsm = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: eventEstablish, Src: []string{StateIdle}, Dst: StateOpen},
			{Name: eventClose, Src: []string{StateIdle, StateOpen}, Dst: StateClosing},
			{Name: eventRelease, Src: []string{StateClosing}, Dst: StateClosed},
		},
		fsm.Callbacks{
			"enter_state":          s.enterState,
			"enter_" + StateOpen:   s.enterOpen,
			"enter_" + StateClosed: s.enterClosed,
		},
	)
	_ = s.fsm.Event(context.Background(), eventEstablish)
	return s
}

func (s *Session) enterState(ctx context.Context, e *fsm.Event) {
	s.logger.DebugContext(ctx, "session state", slog.String("from", e.Src), slog.String("to", e.Dst))
}

func (s *Session) enterOpen(context.Context, *fsm.Event) { s.opts.metrics.Opened() }

func (s *Session) enterClosed(context.Context, *fsm.Event) { s.opts.metrics.Closed() }

func (s *Session) ID() uuid.UUID { return s.id }

// FD returns the socket descriptor of the session.
func (s *Session) FD() int { return s.fd }

// State returns the current lifecycle state of the session.
func (s *Session) State() string { return s.fsm.Current() }

// Send writes msg to the peer. It blocks until the peer has read the
// previous message.
func (s *Session) Send(ctx context.Context, msg Message) error {
	if !s.fsm.Is(StateOpen) {
		return ErrClosed
	}
	frame, compressed, err := appendFrame(nil, msg, s.opts.threshold)
	if err != nil {
		return err
	}

	s.wmutex.Lock()
	defer s.wmutex.Unlock()

	if _, err := s.reg.Write(ctx, s.fd, frame); err != nil {
		return fmt.Errorf("sending %s message: %w", msg.Kind, err)
	}
	s.opts.metrics.Sent(msg.Kind.String(), compressed)
	s.logger.DebugContext(ctx, "send", slog.String("kind", msg.Kind.String()), slog.Int("size", len(frame)))
	return nil
}

// Recv blocks until a message is received from the peer. It returns io.EOF
// once the peer has closed the session.
func (s *Session) Recv(ctx context.Context) (Message, error) {
	if !s.fsm.Is(StateOpen) {
		return Message{}, ErrClosed
	}

	s.rmutex.Lock()
	defer s.rmutex.Unlock()

	frame, err := s.readFrame(ctx)
	if err != nil {
		return Message{}, err
	}
	msg, err := parseFrame(frame)
	if err != nil {
		return Message{}, err
	}
	s.opts.metrics.Received(msg.Kind.String())
	s.logger.DebugContext(ctx, "recv", slog.String("kind", msg.Kind.String()), slog.Int("size", len(frame)))
	return msg, nil
}

// readFrame reads the next blob written by the peer, sized with Available
// so that a frame is never split across two calls.
func (s *Session) readFrame(ctx context.Context) ([]byte, error) {
	pollfd := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLIN}}
	for {
		size, err := s.reg.Available(s.fd)
		switch {
		case err == nil && size == 0:
			return nil, io.EOF
		case err == nil:
			frame := make([]byte, size)
			for off := 0; off < size; {
				n, err := s.reg.Read(ctx, s.fd, frame[off:])
				if err != nil {
					return nil, fmt.Errorf("receiving message: %w", err)
				}
				if n == 0 {
					return nil, io.ErrUnexpectedEOF
				}
				off += n
			}
			return frame, nil
		case errors.Is(err, wasi.EAGAIN):
			if _, err := s.reg.Poll(ctx, pollfd, -1); err != nil {
				return nil, fmt.Errorf("receiving message: %w", err)
			}
		default:
			return nil, fmt.Errorf("receiving message: %w", err)
		}
	}
}

// Close closes the socket of the session. The peer receives io.EOF once it
// has read the messages already sent.
func (s *Session) Close() error {
	if err := s.fsm.Event(context.Background(), eventClose); err != nil {
		return ErrClosed
	}
	err := s.reg.Close(s.fd)
	_ = s.fsm.Event(context.Background(), eventRelease)
	return err
}
