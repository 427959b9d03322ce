package fakesock

import (
	"context"
	"log/slog"

	"github.com/stealthrocket/wasi-go"
)

// Read copies bytes written by the peer of fd into b and returns how many were
// copied. It returns zero at end of file: after fd was shut down, or once the
// peer is closed or shut down and everything it wrote has been read.
//
// When nothing is buffered, Read blocks until the peer writes, or fails with
// EAGAIN if fd is non-blocking.
func (r *Registry) Read(ctx context.Context, fd int, b []byte) (int, error) {
	s, err := r.acquire(fd)
	if err != nil {
		return 0, r.fail(slog.LevelDebug, "read", fd, err)
	}
	n, err := s.read(ctx, fd, b)
	s.mutex.Unlock()

	if err != nil {
		return 0, r.fail(slog.LevelDebug, "read", fd, err)
	}
	if n > 0 {
		r.notify.broadcast()
		r.stats.bytesRead.Add(uint64(n))
	}
	r.log().Debug("read", slog.Int("fd", fd), slog.Int("size", n))
	return n, nil
}

func (s *slot) read(ctx context.Context, fd int, b []byte) (int, error) {
	k := fd & 1
	for {
		switch {
		case !s.valid(fd):
			return 0, wasi.EBADF
		case s.shutdown[k]:
			return 0, nil
		case s.inbox[k].len() > 0:
			n := s.inbox[k].read(b, s.pool)
			s.signal()
			return n, nil
		case s.eof(k):
			return 0, nil
		case !s.connected(k):
			return 0, wasi.ENOTCONN
		case s.nonblock[k]:
			return 0, wasi.EAGAIN
		}
		if err := s.wait(ctx); err != nil {
			return 0, err
		}
	}
}

// Write hands b to the peer of fd as a single blob and returns len(b). Each
// direction holds at most one blob: if the peer has not fully read the
// previous one, Write blocks until it has, or fails with EAGAIN if fd is
// non-blocking.
func (r *Registry) Write(ctx context.Context, fd int, b []byte) (int, error) {
	s, err := r.acquire(fd)
	if err != nil {
		return 0, r.fail(slog.LevelDebug, "write", fd, err)
	}
	n, err := s.write(ctx, fd, b)
	s.mutex.Unlock()

	if err != nil {
		return 0, r.fail(slog.LevelDebug, "write", fd, err)
	}
	if n > 0 {
		r.notify.broadcast()
		r.stats.bytesWritten.Add(uint64(n))
	}
	r.log().Debug("write", slog.Int("fd", fd), slog.Int("size", n))
	return n, nil
}

func (s *slot) write(ctx context.Context, fd int, b []byte) (int, error) {
	k := fd & 1
	n := 1 - k
	for {
		switch {
		case !s.valid(fd):
			return 0, wasi.EBADF
		case s.shutdown[k], s.shutdown[n]:
			return 0, wasi.EPIPE
		case s.closed[n]:
			return 0, wasi.EBADF
		case s.fd[n] == none:
			return 0, wasi.ENOTCONN
		case len(b) == 0:
			return 0, nil
		case s.inbox[n].len() == 0:
			s.inbox[n].write(b, s.pool)
			s.signal()
			return len(b), nil
		case s.nonblock[k]:
			return 0, wasi.EAGAIN
		}
		if err := s.wait(ctx); err != nil {
			return 0, err
		}
	}
}

// Shutdown half-closes fd: reads on fd return end of file and writes fail
// with EPIPE. The peer can still read what was buffered for it, then reads
// end of file.
func (r *Registry) Shutdown(fd int) error {
	s, err := r.acquire(fd)
	if err != nil {
		return r.fail(slog.LevelInfo, "shutdown", fd, err)
	}

	k := fd & 1
	switch {
	case !s.valid(fd):
		err = wasi.EBADF
	case s.fd[1-k] == none:
		err = wasi.ENOTCONN
	default:
		s.shutdown[k] = true
		s.signal()
	}
	s.mutex.Unlock()

	if err != nil {
		return r.fail(slog.LevelInfo, "shutdown", fd, err)
	}
	r.notify.broadcast()
	r.log().Info("shutdown", slog.Int("fd", fd))
	return nil
}
