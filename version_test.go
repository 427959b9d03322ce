package main

import (
	"strings"
	"testing"

	"github.com/stealthrocket/fakesock/internal/assert"
)

var versionTests = tests{
	"show the version command help with the short option": func(t *testing.T) {
		stdout, stderr, exitCode := fakesock(t, "version", "-h")
		assert.Equal(t, exitCode, 0)
		assert.HasPrefix(t, stdout, "Usage:\tfakesock version\n")
		assert.Equal(t, stderr, "")
	},

	"show the version command help with the long option": func(t *testing.T) {
		stdout, stderr, exitCode := fakesock(t, "version", "--help")
		assert.Equal(t, exitCode, 0)
		assert.HasPrefix(t, stdout, "Usage:\tfakesock version\n")
		assert.Equal(t, stderr, "")
	},

	"the version starts with the prefix fakesock": func(t *testing.T) {
		stdout, stderr, exitCode := fakesock(t, "version")
		assert.Equal(t, exitCode, 0)
		assert.HasPrefix(t, stdout, "fakesock ")
		assert.Equal(t, stderr, "")
	},

	"the version number is not empty": func(t *testing.T) {
		stdout, stderr, exitCode := fakesock(t, "version")
		assert.Equal(t, exitCode, 0)
		assert.Equal(t, stderr, "")

		_, version, _ := strings.Cut(strings.TrimSpace(stdout), " ")
		assert.NotEqual(t, version, "")
	},

	"passing an unsupported flag to the command causes an error": func(t *testing.T) {
		_, _, exitCode := fakesock(t, "version", "-_")
		assert.Equal(t, exitCode, 2)
	},
}
