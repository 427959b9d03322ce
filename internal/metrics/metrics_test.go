package metrics_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stealthrocket/fakesock/internal/assert"
	"github.com/stealthrocket/fakesock/internal/fakesock"
	"github.com/stealthrocket/fakesock/internal/metrics"
	"github.com/stealthrocket/wasi-go"
)

func TestCollector(t *testing.T) {
	r := fakesock.New()
	ctx := context.Background()

	l, err := r.Socket(wasi.StreamSocket, 0)
	assert.OK(t, err)
	assert.OK(t, r.Listen(l))

	fds, err := r.SocketPair(wasi.NonBlock)
	assert.OK(t, err)
	_, err = r.Write(ctx, fds[0], []byte("hello"))
	assert.OK(t, err)
	_, err = r.Read(ctx, fds[0], make([]byte, 5))
	assert.Error(t, err, wasi.EAGAIN)

	c := metrics.NewCollector(r)
	assert.Equal(t, testutil.CollectAndCount(c), 9)

	const expected = `
# HELP fakesock_registry_open_descriptors Number of open socket descriptors.
# TYPE fakesock_registry_open_descriptors gauge
fakesock_registry_open_descriptors 3
# HELP fakesock_registry_written_bytes_total Total number of bytes written to sockets.
# TYPE fakesock_registry_written_bytes_total counter
fakesock_registry_written_bytes_total 5
# HELP fakesock_registry_errors_total Total number of failed operations by errno.
# TYPE fakesock_registry_errors_total counter
fakesock_registry_errors_total{errno="EAGAIN"} 1
`
	err = testutil.CollectAndCompare(c, strings.NewReader(expected),
		"fakesock_registry_open_descriptors",
		"fakesock_registry_written_bytes_total",
		"fakesock_registry_errors_total",
	)
	assert.OK(t, err)
}

func TestCollectorRegister(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	assert.OK(t, reg.Register(metrics.NewCollector(fakesock.New())))

	families, err := reg.Gather()
	assert.OK(t, err)
	assert.Equal(t, len(families), 8)
}

func TestSessions(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	m := metrics.NewSessions(reg)

	m.Opened()
	m.Opened()
	m.Closed()
	m.Sent("binary", true)
	m.Sent("text", false)
	m.Received("text")
	m.RoundTrip(time.Millisecond)

	families, err := reg.Gather()
	assert.OK(t, err)
	assert.Equal(t, len(families), 5)
	count, err := testutil.GatherAndCount(reg, "fakesock_bridge_messages_total")
	assert.OK(t, err)
	assert.Equal(t, count, 3)

	var nilSessions *metrics.Sessions
	nilSessions.Opened()
	nilSessions.Sent("text", false)
}
