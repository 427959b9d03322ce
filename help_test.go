package main

import (
	"testing"

	"github.com/stealthrocket/fakesock/internal/assert"
)

var helpTests = tests{
	"calling help with an unknown command causes an error": func(t *testing.T) {
		stdout, stderr, exitCode := fakesock(t, "help", "whatever")
		assert.Equal(t, exitCode, 2)
		assert.Equal(t, stdout, "")
		assert.Equal(t, stderr, "fakesock help whatever: unknown command\n")
	},

	"passing an unsupported flag to the command causes an error": func(t *testing.T) {
		_, stderr, exitCode := fakesock(t, "help", "-_")
		assert.Equal(t, exitCode, 2)
		assert.HasPrefix(t, stderr, "fakesock help flag provided but not defined: -_")
	},

	"show the help command help with the short option": func(t *testing.T) {
		stdout, stderr, exitCode := fakesock(t, "help", "-h")
		assert.Equal(t, exitCode, 0)
		assert.HasPrefix(t, stdout, "Usage:\tfakesock <command> ")
		assert.Equal(t, stderr, "")
	},

	"show the help command help with the long option": func(t *testing.T) {
		stdout, stderr, exitCode := fakesock(t, "help", "--help")
		assert.Equal(t, exitCode, 0)
		assert.HasPrefix(t, stdout, "Usage:\tfakesock <command> ")
		assert.Equal(t, stderr, "")
	},

	"show the help command help after a command name": func(t *testing.T) {
		stdout, stderr, exitCode := fakesock(t, "help", "bench", "--help")
		assert.Equal(t, exitCode, 0)
		assert.HasPrefix(t, stdout, "Usage:\tfakesock <command> ")
		assert.Equal(t, stderr, "")
	},

	"fakesock help bench": func(t *testing.T) {
		stdout, stderr, exitCode := fakesock(t, "help", "bench")
		assert.Equal(t, exitCode, 0)
		assert.HasPrefix(t, stdout, "Usage:\tfakesock bench ")
		assert.Equal(t, stderr, "")
	},

	"fakesock help config": func(t *testing.T) {
		stdout, stderr, exitCode := fakesock(t, "help", "config")
		assert.Equal(t, exitCode, 0)
		assert.HasPrefix(t, stdout, "Usage:\tfakesock config ")
		assert.Equal(t, stderr, "")
	},

	"fakesock help help": func(t *testing.T) {
		stdout, stderr, exitCode := fakesock(t, "help", "help")
		assert.Equal(t, exitCode, 0)
		assert.HasPrefix(t, stdout, "Usage:\tfakesock <command> ")
		assert.Equal(t, stderr, "")
	},

	"fakesock help selftest": func(t *testing.T) {
		stdout, stderr, exitCode := fakesock(t, "help", "selftest")
		assert.Equal(t, exitCode, 0)
		assert.HasPrefix(t, stdout, "Usage:\tfakesock selftest ")
		assert.Equal(t, stderr, "")
	},

	"fakesock help version": func(t *testing.T) {
		stdout, stderr, exitCode := fakesock(t, "help", "version")
		assert.Equal(t, exitCode, 0)
		assert.HasPrefix(t, stdout, "Usage:\tfakesock version\n")
		assert.Equal(t, stderr, "")
	},
}
