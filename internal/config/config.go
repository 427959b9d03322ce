// Package config loads the configuration of the fakesock command.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPath = "~/.fakesock/config.yaml"

	// PathEnv overrides the location of the configuration file.
	PathEnv = "FAKESOCKCONFIG"
	// LogLevelEnv overrides the log level of the configuration.
	LogLevelEnv = "FAKESOCKET_LOG_LEVEL"
)

// ConfigPath is the path to the fakesock configuration. When left to its
// default, the FAKESOCKCONFIG environment variable takes precedence.
var ConfigPath Path = DefaultPath

// Path represents a path on the file system.
//
// The type interprets the special prefix "~/" as representing the home
// directory of the user that the program is running as.
type Path string

func (p Path) String() string {
	return string(p)
}

func (p *Path) Set(s string) error {
	*p = Path(s)
	return nil
}

// Resolve returns the path with the "~/" prefix expanded.
func (p Path) Resolve() (string, error) {
	s := string(p)
	if len(s) < 2 || s[0] != '~' || s[1] != os.PathSeparator {
		return s, nil
	}
	home, ok := os.LookupEnv("HOME")
	if !ok {
		u, err := user.Current()
		if err != nil {
			return s, err
		}
		home = u.HomeDir
	}
	return filepath.Join(home, s[2:]), nil
}

// Load opens and reads the configuration file, then applies the overrides
// from the environment.
func Load() (*Config, error) {
	r, path, err := Open()
	if err != nil {
		return nil, err
	}
	defer r.Close()

	c, err := Read(r)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if err := c.Override(os.LookupEnv); err != nil {
		return nil, err
	}
	return c, nil
}

// Open opens the configuration file. If the file does not exist, the reader
// returns the default configuration.
func Open() (io.ReadCloser, string, error) {
	configPath := ConfigPath
	if env := os.Getenv(PathEnv); env != "" && configPath == DefaultPath {
		configPath = Path(env)
	}
	path, err := configPath.Resolve()
	if err != nil {
		return nil, path, err
	}
	f, err := os.Open(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, path, err
		}
		c := Default()
		b, _ := yaml.Marshal(c)
		return io.NopCloser(bytes.NewReader(b)), path, nil
	}
	return f, path, nil
}

// Read reads and parses configuration.
func Read(r io.Reader) (*Config, error) {
	c := Default()
	d := yaml.NewDecoder(r)
	d.KnownFields(true)
	if err := d.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Default is the default configuration.
func Default() *Config {
	c := new(Config)
	c.Log.Level = 0
	c.Bench.Count = 1000
	c.Bench.Size = 1024
	c.Bench.Compression = 4096
	return c
}

// Config is fakesock configuration.
type Config struct {
	Log struct {
		Level int            `json:"level" yaml:"level"`
		File  Nullable[Path] `json:"file"  yaml:"file"`
	} `json:"log" yaml:"log"`
	Bench struct {
		Count       int     `json:"count"       yaml:"count"`
		Size        int     `json:"size"        yaml:"size"`
		Rate        float64 `json:"rate"        yaml:"rate"`
		Compression int     `json:"compression" yaml:"compression"`
	} `json:"bench" yaml:"bench"`
	Metrics struct {
		Address Nullable[string] `json:"address" yaml:"address"`
	} `json:"metrics" yaml:"metrics"`
}

// Validate checks that the configuration values are in range.
func (c *Config) Validate() error {
	switch {
	case c.Log.Level < 0 || c.Log.Level > 2:
		return fmt.Errorf("invalid log level: %d (must be 0, 1 or 2)", c.Log.Level)
	case c.Bench.Count < 0:
		return fmt.Errorf("invalid bench count: %d", c.Bench.Count)
	case c.Bench.Size < 1:
		return fmt.Errorf("invalid bench message size: %d", c.Bench.Size)
	case c.Bench.Rate < 0:
		return fmt.Errorf("invalid bench rate: %g", c.Bench.Rate)
	case c.Bench.Compression < 0:
		return fmt.Errorf("invalid compression threshold: %d", c.Bench.Compression)
	}
	return nil
}

// Override applies the settings found in the environment.
func (c *Config) Override(lookup func(string) (string, bool)) error {
	if v, ok := lookup(LogLevelEnv); ok && v != "" {
		level, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", LogLevelEnv, err)
		}
		c.Log.Level = level
	}
	return c.Validate()
}
