package main

// Notes on program structure
// --------------------------
//
// fakesock uses subcommands to invoke specific functionalities of the program.
// Each subcommand is implemented by a function named after the command, in a
// file of the same name (e.g. the "help" command is implemented by the help
// function in help.go).
//
// The usage message for each command is declared by a constant starting with
// the command name and followed by the suffix "Usage". For example, the usage
// message for the "help" command is declared by the constant helpUsage.
//
// The usage message contains a "Usage:	fakesock <command>" section presenting
// the structure of the command. Note the tabulation separating "Usage:" and
// "fakesock".

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"runtime/pprof"
	"strings"

	"github.com/stealthrocket/fakesock/internal/config"
	"golang.org/x/exp/slices"
)

const rootUsage = `fakesock - In-process stream sockets

   fakesock exercises a registry of fake sockets: integer descriptors behaving
   like connected stream sockets between threads of the same process, with
   listen/connect/accept handshakes, blocking and non-blocking reads and
   writes, and poll.

Example:

   $ fakesock selftest
   #0 listening
   ...

   $ fakesock bench -n 10000 -s 4096
   ...

For a list of commands available, run 'fakesock help'.`

// root is the fakesock entrypoint.
func root(ctx context.Context, args ...string) int {
	var (
		// Secret options, we don't document them since they are only used for
		// development. Since they are not part of the public interface we may
		// remove or change the syntax at any time.
		cpuProfile config.Path
		memProfile config.Path
	)

	flagSet := newFlagSet("fakesock", helpUsage)
	customVar(flagSet, &cpuProfile, "cpuprofile")
	customVar(flagSet, &memProfile, "memprofile")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "%s\n", err)
		return 2
	}

	if args = flagSet.Args(); len(args) == 0 {
		fmt.Println(rootUsage)
		return 0
	}

	if cpuProfile != "" {
		path, _ := cpuProfile.Resolve()
		f, err := os.Create(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "WARN: could not create CPU profile: %s\n", err)
		} else {
			defer f.Close()
			_ = pprof.StartCPUProfile(f)
			defer pprof.StopCPUProfile()
		}
	}

	if memProfile != "" {
		path, _ := memProfile.Resolve()
		defer func() {
			f, err := os.Create(path)
			if err != nil {
				fmt.Fprintf(os.Stderr, "WARN: could not create memory profile: %s\n", err)
				return
			}
			defer f.Close()
			runtime.GC()
			_ = pprof.WriteHeapProfile(f)
		}()
	}

	cmd, args := args[0], args[1:]

	var err error
	switch cmd {
	case "bench":
		err = bench(ctx, args)
	case "config":
		err = showConfig(ctx, args)
	case "help":
		err = help(ctx, args)
	case "selftest":
		err = selftest(ctx, args)
	case "version":
		err = version(ctx, args)
	default:
		err = unknown(ctx, cmd)
	}

	switch e := err.(type) {
	case nil:
		return 0
	case exitCode:
		return int(e)
	case usage:
		fmt.Fprintf(os.Stderr, "%s\n", e)
		return 2
	default:
		fmt.Fprintf(os.Stderr, "ERR: fakesock %s: %s\n", cmd, err)
		return 1
	}
}

// exitCode is an error type returned from command functions to indicate the
// exit code that should be returned by the program.
type exitCode int

func (e exitCode) Error() string {
	return fmt.Sprintf("exit: %d", e)
}

// usage is an error type returned from command functions to indicate a usage
// error.
//
// Usage errors cause the program to exit with status code 2.
type usage string

func usageError(msg string, args ...any) error {
	return usage(fmt.Sprintf(msg, args...))
}

func (e usage) Error() string {
	return string(e)
}

func setEnum[T ~string](enum *T, typ string, value string, options ...string) error {
	for _, option := range options {
		if option == value {
			*enum = T(option)
			return nil
		}
	}
	return fmt.Errorf("unsupported %s: %q (not one of %s)", typ, value, strings.Join(options, ", "))
}

type outputFormat string

func (o outputFormat) String() string {
	return string(o)
}

func (o *outputFormat) Set(value string) error {
	return setEnum(o, "output format", value, "text", "json", "yaml")
}

func newFlagSet(cmd, usage string) *flag.FlagSet {
	usage = strings.TrimSpace(usage)
	flagSet := flag.NewFlagSet(cmd, flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagSet.Usage = func() { fmt.Println(usage) }
	customVar(flagSet, &config.ConfigPath, "c", "config")
	return flagSet
}

// parseFlags is a greedy parser which consumes all options known to f and
// returns the remaining arguments.
//
// Asking for help returns exitCode(0) once the usage message was printed.
func parseFlags(f *flag.FlagSet, args []string) ([]string, error) {
	var unknownArgs []string
	for {
		if err := f.Parse(args); err != nil {
			if errors.Is(err, flag.ErrHelp) {
				return nil, exitCode(0)
			}
			return nil, usageError("%s %s", f.Name(), err)
		}
		if args = f.Args(); len(args) == 0 {
			return unknownArgs, nil
		}
		i := slices.IndexFunc(args, func(s string) bool {
			return strings.HasPrefix(s, "-")
		})
		if i < 0 {
			i = len(args)
		} else if args[i] == "-" {
			i++
		}
		if i == 0 {
			panic("parsing command line arguments did not error on " + args[0])
		}
		unknownArgs = append(unknownArgs, args[:i]...)
		args = args[i:]
	}
}

// isSet reports whether any of the flags was passed on the command line.
func isSet(f *flag.FlagSet, names ...string) (set bool) {
	f.Visit(func(fl *flag.Flag) {
		if slices.Contains(names, fl.Name) {
			set = true
		}
	})
	return set
}

func boolVar(f *flag.FlagSet, dst *bool, name string, alias ...string) {
	f.BoolVar(dst, name, *dst, "")
	for _, name := range alias {
		f.BoolVar(dst, name, *dst, "")
	}
}

func intVar(f *flag.FlagSet, dst *int, name string, alias ...string) {
	f.IntVar(dst, name, *dst, "")
	for _, name := range alias {
		f.IntVar(dst, name, *dst, "")
	}
}

func floatVar(f *flag.FlagSet, dst *float64, name string, alias ...string) {
	f.Float64Var(dst, name, *dst, "")
	for _, name := range alias {
		f.Float64Var(dst, name, *dst, "")
	}
}

func stringVar(f *flag.FlagSet, dst *string, name string, alias ...string) {
	f.StringVar(dst, name, *dst, "")
	for _, name := range alias {
		f.StringVar(dst, name, *dst, "")
	}
}

func customVar(f *flag.FlagSet, dst flag.Value, name string, alias ...string) {
	f.Var(dst, name, "")
	for _, name := range alias {
		f.Var(dst, name, "")
	}
}
