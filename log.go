package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/stealthrocket/fakesock/internal/config"
	fakesockpkg "github.com/stealthrocket/fakesock/internal/fakesock"
)

// newLogger returns the logger configured by c. The returned closer must be
// called when the logger is no longer used.
func newLogger(c *config.Config) (*slog.Logger, io.Closer, error) {
	if c.Log.Level == 0 {
		return slog.New(slog.NewTextHandler(io.Discard, nil)), io.NopCloser(nil), nil
	}
	level := fakesockpkg.Level(c.Log.Level == 2)

	path, ok := c.Log.File.Value()
	if !ok {
		return fakesockpkg.NewLineLogger(nil, level), io.NopCloser(nil), nil
	}
	name, err := path.Resolve()
	if err != nil {
		return nil, nil, err
	}
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return nil, nil, err
	}
	logger := fakesockpkg.NewLineLogger(func(line string) { fmt.Fprintln(f, line) }, level)
	return logger, f, nil
}
