package fakesock

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// notifier wakes every goroutine blocked in Poll when the state of any socket
// changes.
type notifier struct {
	mutex sync.Mutex
	ch    chan struct{}
}

func (n *notifier) wait() <-chan struct{} {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	if n.ch == nil {
		n.ch = make(chan struct{})
	}
	return n.ch
}

func (n *notifier) broadcast() {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	if n.ch != nil {
		close(n.ch)
		n.ch = nil
	}
}

// Poll sets the Revents field of each entry of fds and returns the number of
// entries with a non-zero Revents. If none is ready it waits until one is,
// for at most timeout; a negative timeout waits forever and zero returns
// immediately.
//
// POLLIN is reported when a read would not block, or on a listening socket
// when a connection is pending. POLLOUT is reported when the peer exists, is
// not shut down and has read everything previously written to it. POLLHUP is
// reported when the peer was shut down, and POLLNVAL for invalid descriptors.
func (r *Registry) Poll(ctx context.Context, fds []unix.PollFd, timeout time.Duration) (int, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	for {
		ready := r.notify.wait()
		n := r.check(fds)
		if n > 0 || timeout == 0 {
			r.log().Debug("poll", slog.Int("count", len(fds)), slog.Int("ready", n))
			return n, nil
		}
		select {
		case <-ready:
		case <-deadline:
			return r.check(fds), nil
		case <-ctx.Done():
			return 0, r.fail(slog.LevelDebug, "poll", none, canceled(ctx.Err()))
		}
	}
}

func (r *Registry) check(fds []unix.PollFd) (n int) {
	for i := range fds {
		fds[i].Revents = r.revents(int(fds[i].Fd), fds[i].Events)
		if fds[i].Revents != 0 {
			n++
		}
	}
	return n
}

func (r *Registry) revents(fd int, events int16) (revents int16) {
	s, err := r.acquire(fd)
	if err != nil {
		return unix.POLLNVAL
	}
	defer s.mutex.Unlock()

	if !s.valid(fd) {
		return unix.POLLNVAL
	}
	k := fd & 1
	n := 1 - k

	if events&unix.POLLIN != 0 {
		if s.inbox[k].len() > 0 || s.eof(k) || (k == 0 && s.listening && s.connecting != none) {
			revents |= unix.POLLIN
		}
	}
	if events&unix.POLLOUT != 0 {
		if s.fd[n] != none && !s.shutdown[n] && s.inbox[n].len() == 0 {
			revents |= unix.POLLOUT
		}
	}
	if s.shutdown[n] {
		revents |= unix.POLLHUP
	}
	return revents
}
