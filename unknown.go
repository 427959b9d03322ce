package main

import (
	"context"
)

const unknownCommand = `fakesock %s: unknown command
For a list of commands available, run 'fakesock help'.`

func unknown(ctx context.Context, cmd string) error {
	return usageError(unknownCommand, cmd)
}
