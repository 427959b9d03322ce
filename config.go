package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/stealthrocket/fakesock/internal/config"
	"github.com/stealthrocket/fakesock/internal/printer"
)

const configUsage = `
Usage:	fakesock config [options]

Options:
   -c, --config path    Path to the fakesock configuration file (overrides FAKESOCKCONFIG)
       --edit           Open $EDITOR to edit the configuration
   -h, --help           Show usage information
   -o, --output format  Output format, one of: text, json, yaml
`

func showConfig(ctx context.Context, args []string) error {
	var (
		edit   bool
		output = outputFormat("text")
	)

	flagSet := newFlagSet("fakesock config", configUsage)
	boolVar(flagSet, &edit, "edit")
	customVar(flagSet, &output, "o", "output")

	if _, err := parseFlags(flagSet, args); err != nil {
		return err
	}

	if edit {
		if err := editConfig(); err != nil {
			return err
		}
	}

	c, err := config.Load()
	if err != nil {
		return err
	}

	w := io.Writer(os.Stdout)
	switch output {
	case "json", "yaml":
		p := printer.New[*config.Config](w, string(output), nil)
		if err := p.Write(c); err != nil {
			return err
		}
		return p.Close()
	default:
		r, _, err := config.Open()
		if err != nil {
			return err
		}
		defer r.Close()
		_, err = io.Copy(w, r)
		return err
	}
}

func editConfig() error {
	r, path, err := config.Open()
	if err != nil {
		return err
	}
	defer r.Close()

	editor := os.Getenv("EDITOR")
	if editor == "" {
		return errors.New(`$EDITOR is not set`)
	}
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}

	if err := os.MkdirAll(filepath.Dir(path), 0777); err != nil {
		if !errors.Is(err, fs.ErrExist) {
			return err
		}
	}

	tmp, err := createTempFile(path, r)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	p, err := os.StartProcess(shell, []string{shell, "-c", editor + " " + tmp}, &os.ProcAttr{
		Files: []*os.File{
			0: os.Stdin,
			1: os.Stdout,
			2: os.Stderr,
		},
	})
	if err != nil {
		return err
	}
	if _, err := p.Wait(); err != nil {
		return err
	}
	f, err := os.Open(tmp)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := config.Read(f); err != nil {
		return fmt.Errorf("not applying configuration updates because the file has a syntax error: %w", err)
	}
	return os.Rename(tmp, path)
}

func createTempFile(path string, r io.Reader) (string, error) {
	dir, file := filepath.Split(path)
	w, err := os.CreateTemp(dir, "."+file+".*")
	if err != nil {
		return "", err
	}
	defer w.Close()
	_, err = io.Copy(w, r)
	return w.Name(), err
}
