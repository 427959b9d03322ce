package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/stealthrocket/fakesock/internal/config"
	fakesockpkg "github.com/stealthrocket/fakesock/internal/fakesock"
	"github.com/stealthrocket/fakesock/internal/printer"
	"github.com/stealthrocket/wasi-go"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

const selftestUsage = `
Usage:	fakesock selftest [options]

   Run the reference socket scenario against a fresh registry: three sockets
   are created, one is closed and recreated, two clients connect to a
   listener accepting from two goroutines, and messages are exchanged on the
   resulting connections.

   The command prints the name of each step, followed by the sockets left
   open in the registry.

Options:
   -c, --config path    Path to the fakesock configuration file (overrides FAKESOCKCONFIG)
   -h, --help           Show this usage information
   -o, --output format  Output format, one of: text, json, yaml
   -t, --timeout        Maximum time the scenario is allowed to run (default to 10s)
`

type selftestReport struct {
	Steps   []string                `json:"steps"   yaml:"steps"`
	Sockets []fakesockpkg.SlotState `json:"sockets" yaml:"sockets"`
}

func (r *selftestReport) String() string {
	b := new(strings.Builder)
	for _, step := range r.Steps {
		fmt.Fprintf(b, "ok    %s\n", step)
	}
	for _, st := range r.Sockets {
		fmt.Fprintf(b, "%s\n", st)
	}
	return b.String()
}

func selftest(ctx context.Context, args []string) error {
	var (
		output  = outputFormat("text")
		timeout = 10 * time.Second
	)

	flagSet := newFlagSet("fakesock selftest", selftestUsage)
	customVar(flagSet, &output, "o", "output")
	flagSet.DurationVar(&timeout, "t", timeout, "")
	flagSet.DurationVar(&timeout, "timeout", timeout, "")

	args, err := parseFlags(flagSet, args)
	if err != nil {
		return err
	}
	if len(args) != 0 {
		return usageError("fakesock selftest: unexpected arguments: %q", args)
	}

	c, err := config.Load()
	if err != nil {
		return err
	}
	logger, closer, err := newLogger(c)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reg := fakesockpkg.New(fakesockpkg.Logger(logger))
	s := &scenario{reg: reg}

	report := new(selftestReport)
	for _, step := range s.steps() {
		if err := step.run(ctx); err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
		report.Steps = append(report.Steps, step.name)
	}
	report.Sockets = reg.State()

	w := printer.New(os.Stdout, string(output), func(w io.Writer) printer.Writer[*selftestReport] {
		return printer.NewTextWriter[*selftestReport](w, "%v")
	})
	if err := w.Write(report); err != nil {
		return err
	}
	return w.Close()
}

type step struct {
	name string
	run  func(context.Context) error
}

// scenario carries the descriptors shared by the steps of the self test.
type scenario struct {
	reg        *fakesockpkg.Registry
	s0, s1, s2 int
	accepted   [2]int
}

func (s *scenario) steps() []step {
	return []step{
		{"invalid descriptors are rejected", s.invalidDescriptors},
		{"create three sockets", s.createSockets},
		{"close and recreate the second socket", s.recreateSocket},
		{"listen on the first socket", s.listen},
		{"connect two clients to two acceptors", s.handshake},
		{"connected sockets are peers", s.peers},
		{"messages are delivered one at a time", s.messages},
		{"poll reports readable and writable sockets", s.poll},
	}
}

func (s *scenario) invalidDescriptors(ctx context.Context) error {
	buf := make([]byte, 1)
	for _, fd := range []int{-1, 0, 1, 100} {
		if _, err := s.reg.Read(ctx, fd, buf); !errors.Is(err, wasi.EBADF) {
			return fmt.Errorf("read #%d: want EBADF, got %v", fd, err)
		}
		if _, err := s.reg.Write(ctx, fd, buf); !errors.Is(err, wasi.EBADF) {
			return fmt.Errorf("write #%d: want EBADF, got %v", fd, err)
		}
		if err := s.reg.Close(fd); !errors.Is(err, wasi.EBADF) {
			return fmt.Errorf("close #%d: want EBADF, got %v", fd, err)
		}
	}
	return nil
}

func (s *scenario) createSockets(ctx context.Context) (err error) {
	for _, fd := range []*int{&s.s0, &s.s1, &s.s2} {
		if *fd, err = s.reg.Socket(wasi.StreamSocket, 0); err != nil {
			return err
		}
	}
	if s.s0 == s.s1 || s.s1 == s.s2 || s.s0 == s.s2 {
		return fmt.Errorf("descriptors are not unique: #%d #%d #%d", s.s0, s.s1, s.s2)
	}
	return nil
}

func (s *scenario) recreateSocket(ctx context.Context) (err error) {
	if err := s.reg.Close(s.s1); err != nil {
		return err
	}
	s.s1, err = s.reg.Socket(wasi.StreamSocket, 0)
	return err
}

func (s *scenario) listen(ctx context.Context) error {
	return s.reg.Listen(s.s0)
}

func (s *scenario) handshake(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	accepted := make(chan int, 2)
	for i := 0; i < 2; i++ {
		group.Go(func() error {
			fd, err := s.reg.Accept(ctx, s.s0)
			if err != nil {
				return fmt.Errorf("accept: %w", err)
			}
			accepted <- fd
			return nil
		})
	}
	group.Go(func() error {
		for _, fd := range []int{s.s1, s.s2} {
			if err := s.reg.Connect(ctx, fd, s.s0); err != nil {
				return fmt.Errorf("connect #%d: %w", fd, err)
			}
		}
		return nil
	})
	if err := group.Wait(); err != nil {
		return err
	}
	close(accepted)

	i := 0
	for fd := range accepted {
		s.accepted[i] = fd
		i++
	}
	return nil
}

func (s *scenario) peers(ctx context.Context) error {
	for _, client := range []int{s.s1, s.s2} {
		peer, err := s.reg.Peer(client)
		if err != nil {
			return err
		}
		if peer != s.accepted[0] && peer != s.accepted[1] {
			return fmt.Errorf("#%d is connected to #%d which was not accepted", client, peer)
		}
		back, err := s.reg.Peer(peer)
		if err != nil {
			return err
		}
		if back != client {
			return fmt.Errorf("#%d is connected to #%d, but #%d is connected to #%d", client, peer, peer, back)
		}
	}
	return nil
}

func (s *scenario) messages(ctx context.Context) error {
	peer, err := s.reg.Peer(s.s1)
	if err != nil {
		return err
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		for _, msg := range []string{"hello", "greetings"} {
			if _, err := s.reg.Write(ctx, s.s1, []byte(msg)); err != nil {
				return fmt.Errorf("write %q: %w", msg, err)
			}
		}
		return nil
	})
	group.Go(func() error {
		buf := make([]byte, 64)
		for _, want := range []string{"hello", "greetings"} {
			n, err := s.reg.Read(ctx, peer, buf)
			if err != nil {
				return fmt.Errorf("read: %w", err)
			}
			if got := string(buf[:n]); got != want {
				return fmt.Errorf("read %q, want %q", got, want)
			}
		}
		return nil
	})
	return group.Wait()
}

func (s *scenario) poll(ctx context.Context) error {
	peer, err := s.reg.Peer(s.s2)
	if err != nil {
		return err
	}
	if _, err := s.reg.Write(ctx, s.s2, []byte("ping")); err != nil {
		return err
	}

	fds := []unix.PollFd{
		{Fd: int32(peer), Events: unix.POLLIN},
		{Fd: int32(s.s2), Events: unix.POLLIN | unix.POLLOUT},
	}
	n, err := s.reg.Poll(ctx, fds, 0)
	if err != nil {
		return err
	}
	if n != 1 || fds[0].Revents != unix.POLLIN || fds[1].Revents != 0 {
		return fmt.Errorf("unexpected poll events: %d %+v", n, fds)
	}

	buf := make([]byte, 8)
	if n, err := s.reg.Read(ctx, peer, buf); err != nil || string(buf[:n]) != "ping" {
		return fmt.Errorf("read %q: %v", buf[:n], err)
	}

	n, err = s.reg.Poll(ctx, fds, 0)
	if err != nil {
		return err
	}
	if n != 1 || fds[0].Revents != 0 || fds[1].Revents != unix.POLLOUT {
		return fmt.Errorf("unexpected poll events after read: %d %+v", n, fds)
	}
	return nil
}
