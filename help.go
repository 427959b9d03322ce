package main

import (
	"context"
	"fmt"
	"strings"
)

const helpUsage = `
Usage:	fakesock <command> [options]

Registry Commands:
   selftest  Run the socket scenario against a fresh registry
   bench     Measure message round trips over a bridge session

Other Commands:
   config    View or edit the fakesock configuration
   help      Show usage information about fakesock commands
   version   Show the fakesock version information

Global Options:
   -c, --config  Path to the fakesock configuration file (overrides FAKESOCKCONFIG)
   -h, --help    Show usage information

For a description of each command, run 'fakesock help <command>'.`

func help(ctx context.Context, args []string) error {
	flagSet := newFlagSet("fakesock help", helpUsage)
	args, err := parseFlags(flagSet, args)
	if err != nil {
		return err
	}

	var cmd string
	var msg string

	if len(args) > 0 {
		cmd = args[0]
	}

	switch cmd {
	case "bench":
		msg = benchUsage
	case "config":
		msg = configUsage
	case "help", "":
		msg = helpUsage
	case "selftest":
		msg = selftestUsage
	case "version":
		msg = versionUsage
	default:
		return usageError("fakesock help %s: unknown command", cmd)
	}

	fmt.Println(strings.TrimSpace(msg))
	return nil
}
