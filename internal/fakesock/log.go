package fakesock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/stealthrocket/wasi-go"
)

const (
	// LogLevelEnv selects how much the registry logs: 1 for lifecycle
	// events, 2 to also log every read, write and poll.
	LogLevelEnv = "FAKESOCKET_LOG_LEVEL"
	// LogStderrEnv sends log lines to stderr instead of the callback.
	LogStderrEnv = "FAKESOCKET_LOG_ALWAYS_STDERR"
)

// LevelFromEnv returns the slog level matching the FAKESOCKET_LOG_LEVEL
// environment variable.
func LevelFromEnv() slog.Level {
	return Level(os.Getenv(LogLevelEnv) == "2")
}

// Level maps the verbose switch to a slog level.
func Level(verbose bool) slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// NewLineLogger returns a logger rendering each record as a single line of
// text passed to callback. When FAKESOCKET_LOG_ALWAYS_STDERR is set, or
// callback is nil, the lines are written to stderr instead.
func NewLineLogger(callback func(string), level slog.Leveler) *slog.Logger {
	if os.Getenv(LogStderrEnv) != "" || callback == nil {
		callback = func(line string) { fmt.Fprintln(os.Stderr, line) }
	}
	return slog.New(&lineHandler{
		mutex:  new(sync.Mutex),
		output: callback,
		level:  level,
	})
}

// lineHandler formats records as the message followed by key=value pairs.
type lineHandler struct {
	mutex  *sync.Mutex
	output func(string)
	level  slog.Leveler
	attrs  string
	group  string
}

func (h *lineHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *lineHandler) Handle(_ context.Context, r slog.Record) error {
	b := new(strings.Builder)
	b.WriteString(r.Message)
	b.WriteString(h.attrs)
	r.Attrs(func(a slog.Attr) bool {
		appendAttr(b, h.group, a)
		return true
	})
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.output(b.String())
	return nil
}

func (h *lineHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	b := new(strings.Builder)
	b.WriteString(h.attrs)
	for _, a := range attrs {
		appendAttr(b, h.group, a)
	}
	c := *h
	c.attrs = b.String()
	return &c
}

func (h *lineHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := *h
	c.group = h.group + name + "."
	return &c
}

func appendAttr(b *strings.Builder, group string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			appendAttr(b, group+a.Key+".", ga)
		}
		return
	}
	v := a.Value.String()
	if strings.ContainsAny(v, " =\"\n") {
		v = strconv.Quote(v)
	}
	b.WriteByte(' ')
	b.WriteString(group)
	b.WriteString(a.Key)
	b.WriteByte('=')
	b.WriteString(v)
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (h discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return h }
func (h discardHandler) WithGroup(string) slog.Handler           { return h }

var discard = slog.New(discardHandler{})

func errnoName(err error) string {
	var errno wasi.Errno
	if !errors.As(err, &errno) {
		return "EUNKNOWN"
	}
	switch errno {
	case wasi.EBADF:
		return "EBADF"
	case wasi.EISCONN:
		return "EISCONN"
	case wasi.EIO:
		return "EIO"
	case wasi.ECONNREFUSED:
		return "ECONNREFUSED"
	case wasi.EAGAIN:
		return "EAGAIN"
	case wasi.EACCES:
		return "EACCES"
	case wasi.ENOTCONN:
		return "ENOTCONN"
	case wasi.EPIPE:
		return "EPIPE"
	case wasi.ECANCELED:
		return "ECANCELED"
	case wasi.ETIMEDOUT:
		return "ETIMEDOUT"
	default:
		return "EUNKNOWN"
	}
}
