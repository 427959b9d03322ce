package fakesock

import (
	"context"
	"log/slog"

	"github.com/stealthrocket/wasi-go"
)

// Connect connects fd to the listening socket target and blocks until a call
// to Accept on target picks up the connection. It ignores the non-blocking
// flag of fd.
//
// A listener holds at most one pending connection; a second Connect while one
// is pending is refused. If target is closed before accepting, the connection
// is refused as well.
func (r *Registry) Connect(ctx context.Context, fd, target int) error {
	r.mutex.Lock()
	if fd < 0 || target < 0 || fd/2 >= len(r.slots) || target/2 >= len(r.slots) || fd/2 == target/2 {
		r.mutex.Unlock()
		return r.fail(slog.LevelInfo, "connect", fd, wasi.EBADF)
	}
	s, t := r.lockPair(fd/2, target/2)
	r.mutex.Unlock()

	var err error
	switch {
	case !s.valid(fd), !t.valid(target):
		err = wasi.EBADF
	case fd&1 != 0, target&1 != 0:
		err = wasi.EISCONN
	case s.fd[1] != none, s.listening, s.target != none:
		err = wasi.EISCONN
	case !t.listening, t.connecting != none:
		err = wasi.ECONNREFUSED
	}
	if err != nil {
		unlockPair(s, t)
		return r.fail(slog.LevelInfo, "connect", fd, err)
	}

	t.connecting = fd
	s.target = target
	t.signal()
	unlockPair(s, t)
	r.notify.broadcast()
	r.log().Info("connect", slog.Int("fd", fd), slog.Int("target", target))

	s.mutex.Lock()
	for err == nil && s.fd[1] == none && s.target == target && s.valid(fd) {
		err = s.wait(ctx)
	}

	switch {
	case s.fd[1] != none:
		peer := s.fd[1]
		s.mutex.Unlock()
		r.log().Info("connected", slog.Int("fd", fd), slog.Int("peer", peer))
		return nil
	case s.target == none:
		s.mutex.Unlock()
		return r.fail(slog.LevelInfo, "connect", fd, wasi.ECONNREFUSED)
	}
	if err == nil {
		err = wasi.EBADF
	}
	s.mutex.Unlock()

	if r.withdraw(fd, target) {
		r.log().Info("connected", slog.Int("fd", fd), slog.Int("target", target))
		return nil
	}
	return r.fail(slog.LevelInfo, "connect", fd, err)
}

// withdraw removes the connection request of fd from target. It reports true
// if the connection was accepted in the meantime.
func (r *Registry) withdraw(fd, target int) (accepted bool) {
	r.mutex.Lock()
	s, t := r.lockPair(fd/2, target/2)
	r.mutex.Unlock()
	defer unlockPair(s, t)

	if s.valid(fd) && s.fd[1] != none {
		return true
	}
	if t.connecting == fd {
		t.connecting = none
		t.signal()
	}
	s.target = none
	s.signal()
	r.notify.broadcast()
	return false
}

// Accept blocks until a connection is pending on the listening socket fd,
// then completes it and returns the descriptor of the accepted side. The
// accepted descriptor inherits the non-blocking flag of fd.
func (r *Registry) Accept(ctx context.Context, fd int) (int, error) {
	for {
		s, err := r.acquire(fd)
		if err != nil {
			return none, r.fail(slog.LevelInfo, "accept", fd, err)
		}

		switch {
		case !s.valid(fd):
			err = wasi.EBADF
		case fd&1 != 0:
			err = wasi.EISCONN
		case !s.listening:
			err = wasi.EIO
		}

		for err == nil && s.connecting == none {
			if err = s.wait(ctx); err == nil && !s.valid(fd) {
				err = wasi.EBADF
			}
		}
		c := s.connecting
		s.mutex.Unlock()

		if err != nil {
			return none, r.fail(slog.LevelInfo, "accept", fd, err)
		}
		if peer, ok := r.complete(fd, c); ok {
			r.stats.handshakes.Add(1)
			r.notify.broadcast()
			r.log().Info("accept", slog.Int("fd", fd), slog.Int("peer", peer), slog.Int("initiator", c))
			r.dumpState(slog.LevelDebug)
			return peer, nil
		}
	}
}

// complete finishes the handshake between the listener fd and the initiator
// c. It reports false if the request went away since it was observed.
func (r *Registry) complete(fd, c int) (int, bool) {
	r.mutex.Lock()
	l, s := r.lockPair(fd/2, c/2)
	r.mutex.Unlock()
	defer unlockPair(l, s)

	if !l.valid(fd) || l.connecting != c {
		return none, false
	}
	l.connecting = none

	if !s.valid(c) || s.target != fd {
		return none, false
	}
	if s.fd[1] != none {
		panic("BUG: accepting a connection from a socket which already has a peer")
	}
	// A socket reconnecting after its previous peer went away starts over.
	s.inbox[0].release(s.pool)
	s.inbox[1].release(s.pool)
	s.shutdown = [2]bool{}
	s.closed[1] = false
	s.fd[1] = c + 1
	s.nonblock[1] = l.nonblock[0]
	s.target = none
	s.signal()
	return c + 1, true
}
