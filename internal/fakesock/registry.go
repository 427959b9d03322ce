// Package fakesock implements in-process stream sockets.
//
// A Registry hands out integer descriptors behaving like connected stream
// sockets: two threads of the same process exchange bytes through them with
// blocking or non-blocking semantics, listen/connect/accept handshakes,
// half-close and poll, without going through the kernel.
//
// Descriptors are allocated in pairs. The socket at slot i has descriptor 2*i
// for the side returned by Socket, and 2*i+1 for the side created when a
// connection on it is accepted. Data written on one side is read from the
// other.
package fakesock

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/stealthrocket/fakesock/internal/buffer"
	"github.com/stealthrocket/wasi-go"
)

// Option configures a Registry.
type Option func(*Registry)

// Logger sets the logger that the registry reports events to.
func Logger(logger *slog.Logger) Option {
	return func(r *Registry) { r.SetLogger(logger) }
}

// LoggingCallback installs a logger passing each line of output to callback,
// at the level selected by the FAKESOCKET_LOG_LEVEL environment variable.
func LoggingCallback(callback func(string)) Option {
	return func(r *Registry) { r.SetLoggingCallback(callback) }
}

// Registry is a table of fake sockets.
//
// The registry mutex guards the slot table and is handed off to the slot
// mutex on single slot operations. Operations touching two slots hold the
// registry mutex while acquiring both slot mutexes in ascending slot order.
// No goroutine acquires the registry mutex while holding a slot mutex.
type Registry struct {
	mutex  sync.Mutex
	slots  []*slot
	pool   buffer.Pool
	notify notifier
	logger atomic.Pointer[slog.Logger]
	stats  counters
}

// New returns an empty registry.
func New(opts ...Option) *Registry {
	r := new(Registry)
	r.logger.Store(discard)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetLogger replaces the logger of the registry. A nil logger discards logs.
func (r *Registry) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = discard
	}
	r.logger.Store(logger)
}

// SetLoggingCallback replaces the logger of the registry with one passing
// each line of output to callback, at the level selected by
// FAKESOCKET_LOG_LEVEL. The callback may call back into the registry.
func (r *Registry) SetLoggingCallback(callback func(string)) {
	r.SetLogger(NewLineLogger(callback, LevelFromEnv()))
}

func (r *Registry) log() *slog.Logger {
	return r.logger.Load()
}

// fail logs the error returned by an operation on fd and records it in the
// registry statistics.
func (r *Registry) fail(level slog.Level, op string, fd int, err error) error {
	r.stats.fail(err)
	r.log().Log(context.Background(), level, op,
		slog.Int("fd", fd),
		slog.String("errno", errnoName(err)))
	return err
}

// acquire returns the slot of fd with its mutex held.
func (r *Registry) acquire(fd int) (*slot, error) {
	r.mutex.Lock()
	if fd < 0 || fd/2 >= len(r.slots) {
		r.mutex.Unlock()
		return nil, wasi.EBADF
	}
	s := r.slots[fd/2]
	s.mutex.Lock()
	r.mutex.Unlock()
	return s, nil
}

// lockPair locks the slots at index i and j in ascending order. The registry
// mutex must be held.
func (r *Registry) lockPair(i, j int) (a, b *slot) {
	a, b = r.slots[i], r.slots[j]
	if i < j {
		a.mutex.Lock()
		b.mutex.Lock()
	} else {
		b.mutex.Lock()
		a.mutex.Lock()
	}
	return a, b
}

func unlockPair(a, b *slot) {
	a.mutex.Unlock()
	b.mutex.Unlock()
}

// allocate claims a free slot and returns its even descriptor. When pair is
// true the odd descriptor is opened in the same critical section.
func (r *Registry) allocate(nonblock, pair bool) int {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	i := -1
	for j, s := range r.slots {
		s.mutex.Lock()
		free := s.free()
		s.mutex.Unlock()
		if free {
			i = j
			break
		}
	}
	if i < 0 {
		i = len(r.slots)
		r.slots = append(r.slots, newSlot(&r.pool))
	}

	s := r.slots[i]
	s.mutex.Lock()
	s.reset()
	s.fd[0] = 2 * i
	s.nonblock[0] = nonblock
	if pair {
		s.fd[1] = 2*i + 1
		s.nonblock[1] = nonblock
	}
	s.mutex.Unlock()
	r.stats.created.Add(1)
	if pair {
		r.stats.created.Add(1)
	}
	return 2 * i
}

func checkSocketArgs(st wasi.SocketType, flags wasi.FDFlags) error {
	if st != wasi.StreamSocket || flags&^wasi.NonBlock != 0 {
		return wasi.EACCES
	}
	return nil
}

// Socket creates an unconnected socket and returns its descriptor, which is
// always even. Only stream sockets are supported, and NonBlock is the only
// accepted flag.
func (r *Registry) Socket(st wasi.SocketType, flags wasi.FDFlags) (int, error) {
	if err := checkSocketArgs(st, flags); err != nil {
		return none, r.fail(slog.LevelInfo, "create", none, err)
	}
	fd := r.allocate(flags.Has(wasi.NonBlock), false)
	r.log().Info("create", slog.Int("fd", fd), slog.Bool("nonblock", flags.Has(wasi.NonBlock)))
	return fd, nil
}

// SocketPair creates two connected sockets in a single slot, without going
// through a listen/connect/accept handshake. Both sides share the non-blocking
// flag.
func (r *Registry) SocketPair(flags wasi.FDFlags) ([2]int, error) {
	if err := checkSocketArgs(wasi.StreamSocket, flags); err != nil {
		return [2]int{none, none}, r.fail(slog.LevelInfo, "pair", none, err)
	}
	fd := r.allocate(flags.Has(wasi.NonBlock), true)
	r.log().Info("pair", slog.Int("fd", fd), slog.Int("peer", fd+1))
	return [2]int{fd, fd + 1}, nil
}

// Listen marks the socket as accepting connections.
func (r *Registry) Listen(fd int) error {
	s, err := r.acquire(fd)
	if err != nil {
		return r.fail(slog.LevelInfo, "listen", fd, err)
	}

	switch {
	case !s.valid(fd):
		err = wasi.EBADF
	case fd&1 != 0, s.fd[1] != none, s.target != none:
		err = wasi.EISCONN
	case s.listening:
		err = wasi.EIO
	default:
		s.listening = true
		s.connecting = none
	}
	s.mutex.Unlock()

	if err != nil {
		return r.fail(slog.LevelInfo, "listen", fd, err)
	}
	r.log().Info("listen", slog.Int("fd", fd))
	return nil
}

// Peer returns the descriptor of the other side of fd.
func (r *Registry) Peer(fd int) (int, error) {
	s, err := r.acquire(fd)
	if err != nil {
		return none, r.fail(slog.LevelInfo, "peer", fd, err)
	}

	peer := s.fd[1-fd&1]
	switch {
	case !s.valid(fd):
		err = wasi.EBADF
	case peer == none:
		err = wasi.ENOTCONN
	}
	s.mutex.Unlock()

	if err != nil {
		return none, r.fail(slog.LevelInfo, "peer", fd, err)
	}
	return peer, nil
}

// Available returns the number of bytes that can be read from fd without
// blocking. Zero means that the next read reports end of file, and EAGAIN
// that nothing is readable yet.
func (r *Registry) Available(fd int) (int, error) {
	s, err := r.acquire(fd)
	if err != nil {
		return 0, r.fail(slog.LevelDebug, "available", fd, err)
	}

	k := fd & 1
	n := 0
	switch {
	case !s.valid(fd):
		err = wasi.EBADF
	case s.inbox[k].len() > 0:
		n = s.inbox[k].len()
	case s.eof(k):
	default:
		err = wasi.EAGAIN
	}
	s.mutex.Unlock()

	if err != nil {
		return 0, r.fail(slog.LevelDebug, "available", fd, err)
	}
	r.log().Debug("available", slog.Int("fd", fd), slog.Int("size", n))
	return n, nil
}

// Close releases fd. Data buffered for fd is discarded; the peer drains its
// own inbox then reads end of file. Closing a listener refuses the connection
// pending on it, if any.
func (r *Registry) Close(fd int) error {
	refused, err := r.close(fd)
	if err != nil {
		return r.fail(slog.LevelInfo, "close", fd, err)
	}
	if refused != none {
		r.log().Info("refused", slog.Int("fd", refused), slog.Int("target", fd))
	}
	r.notify.broadcast()
	r.log().Info("close", slog.Int("fd", fd))
	r.dumpState(slog.LevelDebug)
	return nil
}

// close releases fd and returns the descriptor whose pending connection was
// refused, or none.
func (r *Registry) close(fd int) (refused int, err error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if fd < 0 || fd/2 >= len(r.slots) {
		return none, wasi.EBADF
	}
	s := r.slots[fd/2]
	s.mutex.Lock()
	if !s.valid(fd) {
		s.mutex.Unlock()
		return none, wasi.EBADF
	}

	refused = none
	k := fd & 1
	if k == 0 && s.listening && s.connecting != none {
		c := s.connecting
		s.mutex.Unlock()
		l, p := r.lockPair(fd/2, c/2)
		if p.target == fd && p.valid(c) {
			p.target = none
			p.signal()
			refused = c
		}
		p.mutex.Unlock()
		s = l
	}

	s.fd[k] = none
	s.closed[k] = true
	s.inbox[k].release(s.pool)
	if k == 0 {
		s.listening = false
		s.connecting = none
	}
	s.signal()
	s.mutex.Unlock()
	return refused, nil
}
