package fakesock

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stealthrocket/wasi-go"
)

const network = "fakesocket"

// Addr is the address of a fake socket: its descriptor.
type Addr int

func (a Addr) FD() int         { return int(a) }
func (a Addr) Network() string { return network }
func (a Addr) String() string  { return "#" + strconv.Itoa(int(a)) }

// NewConn returns a net.Conn reading and writing on fd. Closing the conn
// closes fd.
func (r *Registry) NewConn(fd int) net.Conn {
	peer, _ := r.Peer(fd)
	return &conn{
		reg:       r,
		fd:        fd,
		laddr:     Addr(fd),
		raddr:     Addr(peer),
		rdeadline: makeDeadline(),
		wdeadline: makeDeadline(),
	}
}

// Dial creates a socket and connects it to the listening socket target.
func (r *Registry) Dial(ctx context.Context, target int) (net.Conn, error) {
	fd, err := r.Socket(wasi.StreamSocket, 0)
	if err != nil {
		return nil, &net.OpError{Op: "dial", Net: network, Addr: Addr(target), Err: err}
	}
	if err := r.Connect(ctx, fd, target); err != nil {
		r.Close(fd)
		return nil, &net.OpError{Op: "dial", Net: network, Source: Addr(fd), Addr: Addr(target), Err: err}
	}
	return r.NewConn(fd), nil
}

type conn struct {
	reg    *Registry
	fd     int
	laddr  Addr
	raddr  Addr
	closed atomic.Bool

	rdeadline deadline
	wdeadline deadline
}

func (c *conn) Read(b []byte) (int, error) {
	if c.closed.Load() {
		return 0, net.ErrClosed
	}
	if len(b) == 0 {
		return 0, nil
	}
	ctx, cancel, ok := c.rdeadline.context()
	if !ok {
		return 0, os.ErrDeadlineExceeded
	}
	defer cancel()

	n, err := c.reg.Read(ctx, c.fd, b)
	switch {
	case err == nil && n == 0:
		return 0, io.EOF
	case err == nil:
		return n, nil
	case c.closed.Load():
		return 0, net.ErrClosed
	case ctx.Err() != nil:
		return 0, os.ErrDeadlineExceeded
	default:
		return 0, c.opError("read", err)
	}
}

func (c *conn) Write(b []byte) (int, error) {
	if c.closed.Load() {
		return 0, net.ErrClosed
	}
	ctx, cancel, ok := c.wdeadline.context()
	if !ok {
		return 0, os.ErrDeadlineExceeded
	}
	defer cancel()

	n, err := c.reg.Write(ctx, c.fd, b)
	switch {
	case err == nil:
		return n, nil
	case c.closed.Load():
		return 0, net.ErrClosed
	case ctx.Err() != nil:
		return 0, os.ErrDeadlineExceeded
	default:
		return 0, c.opError("write", err)
	}
}

func (c *conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return net.ErrClosed
	}
	c.rdeadline.set(time.Time{})
	c.wdeadline.set(time.Time{})
	if err := c.reg.Close(c.fd); err != nil {
		return c.opError("close", err)
	}
	return nil
}

// CloseWrite shuts down the writing side of the connection.
func (c *conn) CloseWrite() error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	if err := c.reg.Shutdown(c.fd); err != nil {
		return c.opError("shutdown", err)
	}
	return nil
}

func (c *conn) LocalAddr() net.Addr  { return c.laddr }
func (c *conn) RemoteAddr() net.Addr { return c.raddr }

func (c *conn) SetDeadline(t time.Time) error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	c.rdeadline.set(t)
	c.wdeadline.set(t)
	return nil
}

func (c *conn) SetReadDeadline(t time.Time) error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	c.rdeadline.set(t)
	return nil
}

func (c *conn) SetWriteDeadline(t time.Time) error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	c.wdeadline.set(t)
	return nil
}

func (c *conn) opError(op string, err error) error {
	return &net.OpError{Op: op, Net: network, Source: c.laddr, Addr: c.raddr, Err: err}
}

// NewListener returns a net.Listener accepting connections on the listening
// socket fd. Closing the listener closes fd.
func (r *Registry) NewListener(fd int) net.Listener {
	ctx, cancel := context.WithCancel(context.Background())
	return &listener{reg: r, fd: fd, ctx: ctx, cancel: cancel}
}

type listener struct {
	reg    *Registry
	fd     int
	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

func (l *listener) Accept() (net.Conn, error) {
	fd, err := l.reg.Accept(l.ctx, l.fd)
	if err != nil {
		if l.closed.Load() || errors.Is(err, wasi.EBADF) {
			return nil, net.ErrClosed
		}
		return nil, &net.OpError{Op: "accept", Net: network, Addr: l.Addr(), Err: err}
	}
	return l.reg.NewConn(fd), nil
}

func (l *listener) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return net.ErrClosed
	}
	l.cancel()
	return l.reg.Close(l.fd)
}

func (l *listener) Addr() net.Addr { return Addr(l.fd) }

// deadline is a read or write deadline of a conn. The done channel is closed
// when the deadline expires and replaced when it is moved.
type deadline struct {
	mutex sync.Mutex
	tm    *time.Timer
	gen   uint64
	done  chan struct{}
}

func makeDeadline() deadline {
	return deadline{done: make(chan struct{})}
}

func (d *deadline) set(t time.Time) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.tm != nil {
		d.tm.Stop()
		d.tm = nil
	}
	d.gen++

	if isClosed(d.done) {
		d.done = make(chan struct{})
	}
	if t.IsZero() {
		return
	}
	timeout := time.Until(t)
	if timeout <= 0 {
		close(d.done)
		return
	}
	gen := d.gen
	d.tm = time.AfterFunc(timeout, func() { d.expire(gen) })
}

func (d *deadline) expire(gen uint64) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.gen == gen && !isClosed(d.done) {
		close(d.done)
	}
}

// context returns a context canceled when the deadline expires, and false if
// it has already expired.
func (d *deadline) context() (context.Context, context.CancelFunc, bool) {
	d.mutex.Lock()
	done := d.done
	d.mutex.Unlock()

	if isClosed(done) {
		return nil, nil, false
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel, true
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
