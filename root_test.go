package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stealthrocket/fakesock/internal/assert"
)

var rootTests = tests{
	"calling the program without a command shows the usage": func(t *testing.T) {
		stdout, stderr, exitCode := fakesock(t)
		assert.Equal(t, exitCode, 0)
		assert.HasPrefix(t, stdout, "fakesock - In-process stream sockets\n")
		assert.Equal(t, stderr, "")
	},

	"the help option shows the list of commands": func(t *testing.T) {
		stdout, _, exitCode := fakesock(t, "-h")
		assert.Equal(t, exitCode, 0)
		assert.HasPrefix(t, stdout, "Usage:\tfakesock <command> ")
	},

	"passing an unsupported flag to the program causes an error": func(t *testing.T) {
		_, stderr, exitCode := fakesock(t, "-_")
		assert.Equal(t, exitCode, 2)
		assert.Equal(t, stderr, "flag provided but not defined: -_\n")
	},

	"the cpu and memory profiles are written after the command": func(t *testing.T) {
		dir := t.TempDir()
		cpu := filepath.Join(dir, "cpu.pprof")
		mem := filepath.Join(dir, "mem.pprof")

		_, _, exitCode := fakesock(t, "--cpuprofile", cpu, "--memprofile", mem, "version")
		assert.Equal(t, exitCode, 0)

		for _, path := range []string{cpu, mem} {
			_, err := os.Stat(path)
			assert.OK(t, err)
		}
	},
}
