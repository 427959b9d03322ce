package fakesock_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stealthrocket/fakesock/internal/assert"
	"github.com/stealthrocket/fakesock/internal/fakesock"
	"github.com/stealthrocket/wasi-go"
	"golang.org/x/sync/errgroup"
)

func TestHandshake(t *testing.T) {
	tests := map[string]func(*testing.T){
		"accept before connect": testHandshakeAcceptFirst,
		"connect before accept": testHandshakeConnectFirst,
		"many acceptors":        testHandshakeManyAcceptors,
		"two clients":           testHandshakeTwoClients,
	}
	for name, test := range tests {
		t.Run(name, test)
	}
}

func testHandshakeAcceptFirst(t *testing.T) {
	r := fakesock.New()
	ctx := context.Background()
	l := socket(t, r, 0)
	c := socket(t, r, 0)
	assert.OK(t, r.Listen(l))

	accepted := make(chan int)
	go func() {
		fd, err := r.Accept(ctx, l)
		if err != nil {
			t.Error(err)
		}
		accepted <- fd
	}()

	assert.OK(t, r.Connect(ctx, c, l))
	assert.Equal(t, <-accepted, c+1)
}

func testHandshakeConnectFirst(t *testing.T) {
	r := fakesock.New()
	ctx := context.Background()
	l := socket(t, r, 0)
	c := socket(t, r, 0)
	assert.OK(t, r.Listen(l))

	connected := make(chan error)
	go func() { connected <- r.Connect(ctx, c, l) }()

	fd, err := r.Accept(ctx, l)
	assert.OK(t, err)
	assert.Equal(t, fd, c+1)
	assert.OK(t, <-connected)
}

func testHandshakeManyAcceptors(t *testing.T) {
	const N = 20

	r := fakesock.New()
	ctx := context.Background()
	l := socket(t, r, 0)
	assert.OK(t, r.Listen(l))

	var group errgroup.Group
	var mutex sync.Mutex
	accepted := make(map[int]bool)

	for i := 0; i < N; i++ {
		group.Go(func() error {
			fd, err := r.Accept(ctx, l)
			if err != nil {
				return err
			}
			mutex.Lock()
			accepted[fd] = true
			mutex.Unlock()
			return nil
		})
	}

	clients := make([]int, N)
	for i := range clients {
		clients[i] = socket(t, r, 0)
		assert.OK(t, r.Connect(ctx, clients[i], l))
	}
	assert.OK(t, group.Wait())

	assert.Equal(t, len(accepted), N)
	for _, c := range clients {
		assert.Equal(t, accepted[c+1], true)

		peer, err := r.Peer(c)
		assert.OK(t, err)
		assert.Equal(t, peer, c+1)

		peer, err = r.Peer(c + 1)
		assert.OK(t, err)
		assert.Equal(t, peer, c)
	}
	assert.Equal(t, r.Stats().Handshakes, uint64(N))
}

func testHandshakeTwoClients(t *testing.T) {
	r := fakesock.New()
	ctx := context.Background()

	s0 := socket(t, r, 0)
	s1 := socket(t, r, 0)
	s2 := socket(t, r, 0)
	assert.OK(t, r.Close(s1))
	s1 = socket(t, r, 0)
	assert.OK(t, r.Listen(s0))

	var group errgroup.Group
	results := make(chan int, 2)
	for i := 0; i < 2; i++ {
		group.Go(func() error {
			fd, err := r.Accept(ctx, s0)
			results <- fd
			return err
		})
	}

	assert.OK(t, r.Connect(ctx, s1, s0))
	assert.OK(t, r.Connect(ctx, s2, s0))
	assert.OK(t, group.Wait())
	close(results)

	accepted := make(map[int]bool)
	for fd := range results {
		accepted[fd] = true
	}
	for _, s := range []int{s1, s2} {
		peer, err := r.Peer(s)
		assert.OK(t, err)
		assert.Equal(t, accepted[peer], true)

		back, err := r.Peer(peer)
		assert.OK(t, err)
		assert.Equal(t, back, s)
	}

	done := make(chan error)
	go func() {
		_, err := r.Write(ctx, s1, []byte("hello"))
		if err == nil {
			_, err = r.Write(ctx, s1, []byte("greetings"))
		}
		done <- err
	}()

	buf := make([]byte, 100)
	n, err := r.Read(ctx, s1+1, buf)
	assert.OK(t, err)
	assert.Equal(t, string(buf[:n]), "hello")

	n, err = r.Read(ctx, s1+1, buf)
	assert.OK(t, err)
	assert.Equal(t, string(buf[:n]), "greetings")
	assert.OK(t, <-done)
}

func TestConnectErrors(t *testing.T) {
	r := fakesock.New()
	ctx := context.Background()

	l := socket(t, r, 0)
	c := socket(t, r, 0)

	assert.Error(t, r.Connect(ctx, c, l), wasi.ECONNREFUSED)
	assert.Error(t, r.Connect(ctx, c, c), wasi.EBADF)
	assert.Error(t, r.Connect(ctx, c, 42), wasi.EBADF)

	pair, err := r.SocketPair(0)
	assert.OK(t, err)
	assert.OK(t, r.Listen(l))
	assert.Error(t, r.Connect(ctx, pair[0], l), wasi.EISCONN)
	assert.Error(t, r.Connect(ctx, pair[1], l), wasi.EISCONN)
	assert.Error(t, r.Connect(ctx, l, c), wasi.EISCONN)
}

func TestConnectPendingRefused(t *testing.T) {
	r := fakesock.New()
	ctx := context.Background()

	l := socket(t, r, 0)
	c1 := socket(t, r, 0)
	c2 := socket(t, r, 0)
	assert.OK(t, r.Listen(l))

	connected := make(chan error)
	go func() { connected <- r.Connect(ctx, c1, l) }()
	waitPending(t, r, 1)

	assert.Error(t, r.Connect(ctx, c2, l), wasi.ECONNREFUSED)

	fd, err := r.Accept(ctx, l)
	assert.OK(t, err)
	assert.Equal(t, fd, c1+1)
	assert.OK(t, <-connected)
}

func TestAcceptErrors(t *testing.T) {
	r := fakesock.New()
	ctx := context.Background()

	fd := socket(t, r, 0)
	_, err := r.Accept(ctx, fd)
	assert.Error(t, err, wasi.EIO)

	pair, err := r.SocketPair(0)
	assert.OK(t, err)
	_, err = r.Accept(ctx, pair[1])
	assert.Error(t, err, wasi.EISCONN)
}

func TestCloseListenerRefusesPendingConnect(t *testing.T) {
	r := fakesock.New()
	ctx := context.Background()

	l := socket(t, r, 0)
	c := socket(t, r, 0)
	assert.OK(t, r.Listen(l))

	connected := make(chan error)
	go func() { connected <- r.Connect(ctx, c, l) }()
	waitPending(t, r, 1)

	assert.OK(t, r.Close(l))
	assert.Error(t, <-connected, wasi.ECONNREFUSED)

	_, err := r.Peer(c)
	assert.Error(t, err, wasi.ENOTCONN)
}

func TestCloseListenerWakesAccept(t *testing.T) {
	r := fakesock.New()
	l := socket(t, r, 0)
	assert.OK(t, r.Listen(l))

	accepted := make(chan error)
	go func() {
		_, err := r.Accept(context.Background(), l)
		accepted <- err
	}()

	time.Sleep(10 * time.Millisecond)
	assert.OK(t, r.Close(l))
	assert.Error(t, <-accepted, wasi.EBADF)
}

func TestConnectCanceled(t *testing.T) {
	r := fakesock.New()

	l := socket(t, r, 0)
	c := socket(t, r, 0)
	assert.OK(t, r.Listen(l))

	ctx, cancel := context.WithCancel(context.Background())
	connected := make(chan error)
	go func() { connected <- r.Connect(ctx, c, l) }()
	waitPending(t, r, 1)

	cancel()
	assert.Error(t, <-connected, wasi.ECANCELED)
	assert.Equal(t, r.Stats().Pending, 0)

	c2 := socket(t, r, 0)
	go func() { connected <- r.Connect(context.Background(), c2, l) }()

	fd, err := r.Accept(context.Background(), l)
	assert.OK(t, err)
	assert.Equal(t, fd, c2+1)
	assert.OK(t, <-connected)
}

func TestCloseConnectingSocket(t *testing.T) {
	r := fakesock.New()
	ctx := context.Background()

	l := socket(t, r, 0)
	c := socket(t, r, 0)
	assert.OK(t, r.Listen(l))

	connected := make(chan error)
	go func() { connected <- r.Connect(ctx, c, l) }()
	waitPending(t, r, 1)

	assert.OK(t, r.Close(c))
	assert.Error(t, <-connected, wasi.EBADF)
	assert.Equal(t, r.Stats().Pending, 0)
}

func TestAcceptTimeout(t *testing.T) {
	r := fakesock.New()
	l := socket(t, r, 0)
	assert.OK(t, r.Listen(l))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := r.Accept(ctx, l)
	assert.Error(t, err, wasi.ETIMEDOUT)
}

func waitPending(t *testing.T, r *fakesock.Registry, n int) {
	t.Helper()
	for i := 0; r.Stats().Pending != n; i++ {
		if i == 1000 {
			t.Fatalf("timeout waiting for %d pending connections", n)
		}
		time.Sleep(time.Millisecond)
	}
}

func connect(t *testing.T, r *fakesock.Registry, fd, target int) int {
	t.Helper()
	ctx := context.Background()

	accepted := make(chan int, 1)
	go func() {
		peer, err := r.Accept(ctx, target)
		if err != nil {
			t.Error(err)
		}
		accepted <- peer
	}()

	assert.OK(t, r.Connect(ctx, fd, target))
	return <-accepted
}

func TestReconnectAfterPeerClose(t *testing.T) {
	r := fakesock.New()
	ctx := context.Background()
	l := socket(t, r, 0)
	c := socket(t, r, wasi.NonBlock)
	assert.OK(t, r.Listen(l))

	peer := connect(t, r, c, l)
	write(t, r, peer, "stale")
	assert.OK(t, r.Shutdown(c))
	assert.OK(t, r.Close(peer))

	peer = connect(t, r, c, l)
	assert.Equal(t, peer, c+1)

	_, err := r.Read(ctx, c, make([]byte, 10))
	assert.Error(t, err, wasi.EAGAIN)

	write(t, r, c, "hi")
	assert.Equal(t, read(t, r, peer, 10), "hi")
	write(t, r, peer, "yo")
	assert.Equal(t, read(t, r, c, 10), "yo")
}
