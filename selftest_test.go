package main

import (
	"encoding/json"
	"testing"

	"github.com/stealthrocket/fakesock/internal/assert"
	"gopkg.in/yaml.v3"
)

const selftestOutput = `ok    invalid descriptors are rejected
ok    create three sockets
ok    close and recreate the second socket
ok    listen on the first socket
ok    connect two clients to two acceptors
ok    connected sockets are peers
ok    messages are delivered one at a time
ok    poll reports readable and writable sockets
#0 listening
#2 <=> #3
#4 <=> #5
`

var selftestTests = tests{
	"the scenario leaves a listener and two connections open": func(t *testing.T) {
		stdout, stderr, exitCode := fakesock(t, "selftest")
		assert.Equal(t, stderr, "")
		assert.Equal(t, exitCode, 0)
		assert.Equal(t, stdout, selftestOutput)
	},

	"the report is written in json": func(t *testing.T) {
		stdout, _, exitCode := fakesock(t, "selftest", "-o", "json")
		assert.Equal(t, exitCode, 0)

		var report selftestReport
		assert.OK(t, json.Unmarshal([]byte(stdout), &report))
		assert.Equal(t, len(report.Steps), 8)
		assert.Equal(t, len(report.Sockets), 3)
		assert.Equal(t, report.Sockets[0].Listening, true)
		assert.Equal(t, report.Sockets[1].Peer, 3)
		assert.Equal(t, report.Sockets[2].Peer, 5)
	},

	"the report is written in yaml": func(t *testing.T) {
		stdout, _, exitCode := fakesock(t, "selftest", "--output", "yaml")
		assert.Equal(t, exitCode, 0)

		var report selftestReport
		assert.OK(t, yaml.Unmarshal([]byte(stdout), &report))
		assert.Equal(t, len(report.Sockets), 3)
		assert.Equal(t, report.Sockets[1].FD, 2)
		assert.Equal(t, report.Sockets[1].Buffered, 0)
	},

	"passing an unsupported output format causes an error": func(t *testing.T) {
		_, _, exitCode := fakesock(t, "selftest", "-o", "xml")
		assert.Equal(t, exitCode, 2)
	},

	"passing arguments causes an error": func(t *testing.T) {
		_, stderr, exitCode := fakesock(t, "selftest", "now")
		assert.Equal(t, exitCode, 2)
		assert.HasPrefix(t, stderr, "fakesock selftest: unexpected arguments")
	},
}
