package fakesock

import (
	"context"
	"errors"
	"sync"

	"github.com/stealthrocket/fakesock/internal/buffer"
	"github.com/stealthrocket/wasi-go"
)

const none = -1

// slot holds the state of one socket pair. Side 0 is the descriptor returned
// by Socket, side 1 is created by an accept or by SocketPair.
//
// All fields are guarded by mutex; cond is broadcast on every state change
// that a blocked reader, writer, connector or acceptor may be waiting on.
type slot struct {
	mutex sync.Mutex
	cond  sync.Cond
	pool  *buffer.Pool

	fd         [2]int
	listening  bool
	connecting int
	target     int
	nonblock   [2]bool
	shutdown   [2]bool
	closed     [2]bool
	inbox      [2]inbox
}

func newSlot(pool *buffer.Pool) *slot {
	s := &slot{pool: pool}
	s.cond.L = &s.mutex
	s.reset()
	return s
}

func (s *slot) reset() {
	s.fd = [2]int{none, none}
	s.listening = false
	s.connecting = none
	s.target = none
	s.nonblock = [2]bool{}
	s.shutdown = [2]bool{}
	s.closed = [2]bool{}
	s.inbox[0].release(s.pool)
	s.inbox[1].release(s.pool)
}

// free reports whether the slot can be handed out again.
func (s *slot) free() bool {
	return s.fd[0] == none && s.fd[1] == none && s.target == none
}

func (s *slot) valid(fd int) bool {
	return s.fd[fd&1] == fd
}

// connected reports whether side k has, or used to have, a peer.
func (s *slot) connected(k int) bool {
	n := 1 - k
	return s.fd[n] != none || s.closed[n]
}

// eof reports whether side k will never receive more data once its inbox is
// drained.
func (s *slot) eof(k int) bool {
	n := 1 - k
	return s.shutdown[k] || s.shutdown[n] || s.closed[n]
}

func (s *slot) signal() {
	s.cond.Broadcast()
}

// wait blocks on the slot condition until it is signaled or ctx is done. The
// slot mutex must be held.
func (s *slot) wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return canceled(err)
	}
	stop := context.AfterFunc(ctx, func() {
		s.mutex.Lock()
		s.cond.Broadcast()
		s.mutex.Unlock()
	})
	s.cond.Wait()
	stop()
	if err := ctx.Err(); err != nil {
		return canceled(err)
	}
	return nil
}

func canceled(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return wasi.ETIMEDOUT
	}
	return wasi.ECANCELED
}

// inbox is the single outstanding blob written to one side of a slot. Bytes
// before off have already been consumed by reads.
type inbox struct {
	buf *buffer.Buffer
	off int
}

func (in *inbox) len() int {
	if in.buf == nil {
		return 0
	}
	return in.buf.Len() - in.off
}

func (in *inbox) write(b []byte, pool *buffer.Pool) {
	if in.buf != nil {
		panic("BUG: writing to a socket inbox which has not been drained")
	}
	in.buf, in.off = pool.Copy(b), 0
}

func (in *inbox) read(b []byte, pool *buffer.Pool) int {
	n := copy(b, in.buf.Data[in.off:])
	if in.off += n; in.off == in.buf.Len() {
		in.release(pool)
	}
	return n
}

func (in *inbox) release(pool *buffer.Pool) {
	buffer.Release(&in.buf, pool)
	in.off = 0
}
