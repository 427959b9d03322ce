package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stealthrocket/fakesock/internal/bridge"
	"github.com/stealthrocket/fakesock/internal/config"
	fakesockpkg "github.com/stealthrocket/fakesock/internal/fakesock"
	"github.com/stealthrocket/fakesock/internal/metrics"
	"github.com/stealthrocket/fakesock/internal/printer"
	"golang.org/x/time/rate"
)

const benchUsage = `
Usage:	fakesock bench [options]

   Measure the round trip time of messages sent to an echo server over a
   bridge session. Messages are binary payloads compressed when larger than
   the compression threshold.

   Defaults are read from the bench section of the configuration file.

Options:
   -c, --config path       Path to the fakesock configuration file (overrides FAKESOCKCONFIG)
       --compression size  Minimum size of compressed payloads, 0 to disable compression
   -h, --help              Show this usage information
       --metrics addr      Serve prometheus metrics on this address while running
   -n, --count count       Number of messages to exchange
   -o, --output format     Output format, one of: text, json, yaml
   -r, --rate limit        Maximum number of messages per second, 0 for no limit
   -s, --size size         Size of each message in bytes
`

type benchReport struct {
	Messages    int               `json:"messages"     yaml:"messages"     text:"MESSAGES"`
	Size        int               `json:"size"         yaml:"size"         text:"SIZE"`
	Elapsed     time.Duration     `json:"elapsed"      yaml:"elapsed"      text:"ELAPSED"`
	Throughput  float64           `json:"throughput"   yaml:"throughput"   text:"MSG/S"`
	MeanLatency time.Duration     `json:"mean_latency" yaml:"mean_latency" text:"LATENCY"`
	Registry    fakesockpkg.Stats `json:"registry"     yaml:"registry"     text:"-"`
}

func bench(ctx context.Context, args []string) error {
	var (
		count       int
		size        int
		limit       float64
		compression int
		address     string
		output      = outputFormat("text")
	)

	flagSet := newFlagSet("fakesock bench", benchUsage)
	intVar(flagSet, &count, "n", "count")
	intVar(flagSet, &size, "s", "size")
	floatVar(flagSet, &limit, "r", "rate")
	intVar(flagSet, &compression, "compression")
	stringVar(flagSet, &address, "metrics")
	customVar(flagSet, &output, "o", "output")

	args, err := parseFlags(flagSet, args)
	if err != nil {
		return err
	}
	if len(args) != 0 {
		return usageError("fakesock bench: unexpected arguments: %q", args)
	}

	c, err := config.Load()
	if err != nil {
		return err
	}
	if !isSet(flagSet, "n", "count") {
		count = c.Bench.Count
	}
	if !isSet(flagSet, "s", "size") {
		size = c.Bench.Size
	}
	if !isSet(flagSet, "r", "rate") {
		limit = c.Bench.Rate
	}
	if !isSet(flagSet, "compression") {
		compression = c.Bench.Compression
	}
	if !isSet(flagSet, "metrics") {
		address = c.Metrics.Address.Or("")
	}

	switch {
	case count < 0:
		return usageError("fakesock bench: invalid message count: %d", count)
	case size < 1:
		return usageError("fakesock bench: invalid message size: %d", size)
	case limit < 0:
		return usageError("fakesock bench: invalid rate: %g", limit)
	case compression < 0:
		return usageError("fakesock bench: invalid compression threshold: %d", compression)
	}

	logger, closer, err := newLogger(c)
	if err != nil {
		return err
	}
	defer closer.Close()

	reg := fakesockpkg.New(fakesockpkg.Logger(logger))

	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics.NewCollector(reg))
	sessions := metrics.NewSessions(registry)

	if address != "" {
		stop, err := serveMetrics(address, registry)
		if err != nil {
			return err
		}
		defer stop()
	}

	opts := []bridge.Option{
		bridge.CompressionThreshold(compression),
		bridge.Logger(logger.With("component", "bridge")),
		bridge.Metrics(sessions),
	}

	report, err := runBench(ctx, reg, sessions, count, size, rate.Limit(limit), opts...)
	if err != nil {
		return err
	}

	w := printer.New(os.Stdout, string(output), printer.NewTableWriter[*benchReport])
	if err := w.Write(report); err != nil {
		return err
	}
	return w.Close()
}

// runBench sends count messages of the given size to an echo server and
// waits for each reply before sending the next one. A zero limit disables
// rate limiting.
func runBench(ctx context.Context, reg *fakesockpkg.Registry, sessions *metrics.Sessions, count, size int, limit rate.Limit, opts ...bridge.Option) (*benchReport, error) {
	server, err := bridge.Listen(reg, opts...)
	if err != nil {
		return nil, err
	}
	served := make(chan error, 1)
	go func() { served <- server.Serve(ctx, bridge.Echo) }()
	defer func() {
		server.Close()
		<-served
	}()

	sess, err := bridge.Dial(ctx, reg, server.FD(), opts...)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	if limit == 0 {
		limit = rate.Inf
	}
	limiter := rate.NewLimiter(limit, 1)
	payload := bytes.Repeat([]byte("fakesock"), size/8+1)[:size]
	latency := time.Duration(0)
	start := time.Now()

	for i := 0; i < count; i++ {
		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}
		t := time.Now()
		if err := sess.Send(ctx, bridge.BinaryMessage(payload)); err != nil {
			return nil, err
		}
		reply, err := sess.Recv(ctx)
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(reply.Data, payload) {
			return nil, fmt.Errorf("message %d: reply does not match the payload", i)
		}
		rtt := time.Since(t)
		latency += rtt
		sessions.RoundTrip(rtt)
	}

	report := &benchReport{
		Messages: count,
		Size:     size,
		Elapsed:  time.Since(start),
		Registry: reg.Stats(),
	}
	if count > 0 {
		report.Throughput = math.Round(float64(count) / report.Elapsed.Seconds())
		report.MeanLatency = latency / time.Duration(count)
		report.Elapsed = report.Elapsed.Round(time.Microsecond)
	}
	return report, nil
}

func serveMetrics(address string, registry *prometheus.Registry) (stop func(), err error) {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("serving metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	server := &http.Server{Handler: mux}
	go func() {
		if err := server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "WARN: metrics server: %s\n", err)
		}
	}()
	return func() { server.Close() }, nil
}
