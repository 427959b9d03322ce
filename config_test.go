package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stealthrocket/fakesock/internal/assert"
	"github.com/stealthrocket/fakesock/internal/config"
	"gopkg.in/yaml.v3"
)

var configTests = tests{
	"the text output is the content of the configuration file": func(t *testing.T) {
		b, err := os.ReadFile(os.Getenv(config.PathEnv))
		assert.OK(t, err)

		stdout, stderr, exitCode := fakesock(t, "config")
		assert.Equal(t, exitCode, 0)
		assert.Equal(t, stderr, "")
		assert.Equal(t, stdout, string(b))
	},

	"the yaml output includes default values": func(t *testing.T) {
		stdout, _, exitCode := fakesock(t, "config", "-o", "yaml")
		assert.Equal(t, exitCode, 0)

		c, err := config.Read(strings.NewReader(stdout))
		assert.OK(t, err)
		assert.Equal(t, c.Bench.Count, 5)
		assert.Equal(t, c.Bench.Size, 64)
		assert.Equal(t, c.Bench.Compression, config.Default().Bench.Compression)
	},

	"the json output has the configuration sections": func(t *testing.T) {
		stdout, _, exitCode := fakesock(t, "config", "--output", "json")
		assert.Equal(t, exitCode, 0)

		var sections map[string]any
		assert.OK(t, json.Unmarshal([]byte(stdout), &sections))
		for _, name := range []string{"log", "bench", "metrics"} {
			if _, ok := sections[name]; !ok {
				t.Errorf("missing configuration section %q", name)
			}
		}
	},

	"the config option takes precedence over the environment": func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "other.yaml")
		b, err := yaml.Marshal(configuration{Bench: benchConfig{Count: 42, Size: 1}})
		assert.OK(t, err)
		assert.OK(t, os.WriteFile(path, b, 0666))

		stdout, _, exitCode := fakesock(t, "config", "-c", path, "-o", "yaml")
		assert.Equal(t, exitCode, 0)

		c, err := config.Read(strings.NewReader(stdout))
		assert.OK(t, err)
		assert.Equal(t, c.Bench.Count, 42)
	},

	"an invalid configuration file causes an error": func(t *testing.T) {
		assert.OK(t, os.WriteFile(os.Getenv(config.PathEnv), []byte("log:\n  level: 9\n"), 0666))

		_, stderr, exitCode := fakesock(t, "config", "-o", "yaml")
		assert.Equal(t, exitCode, 1)
		assert.HasPrefix(t, stderr, "ERR: fakesock config: ")
	},
}
