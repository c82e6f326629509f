// deploywatch follows live deployments: it infers build stages from log
// output, derives network rates from metric samples and relays build
// outcomes.
//
// Usage:
//
//	deploywatch serve [flags]          JSON API and websocket signal relay
//	deploywatch watch <id> [flags]     terminal view of one deployment
//	deploywatch config init [--config] write the default config file
//	deploywatch version
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"deploywatch/internal/version"
)

var errUsage = errors.New("usage")

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		var exit exitError
		if errors.As(err, &exit) {
			os.Exit(int(exit))
		}
		if !errors.Is(err, errUsage) && !errors.Is(err, pflag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(2)
	}
}

// exitError carries a process exit code without an error message.
type exitError int

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", int(e)) }

func run(args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		printUsage(stderr)
		return errUsage
	}
	switch args[0] {
	case "serve":
		return runServe(args[1:], stderr)
	case "watch":
		return runWatch(args[1:], stdout, stderr)
	case "config":
		return runConfig(args[1:], stdout, stderr)
	case "version", "--version":
		fmt.Fprintf(stdout, "deploywatch %s\n", version.String())
		return nil
	case "help", "-h", "--help":
		printUsage(stdout)
		return nil
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", args[0])
		printUsage(stderr)
		return errUsage
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `deploywatch follows live deployments.

Usage:
  deploywatch serve [flags]           serve the JSON API and the /ws signal relay
  deploywatch watch <id> [flags]      follow one deployment in the terminal
  deploywatch config init [flags]     write the default configuration file
  deploywatch version                 print the build version

Run "deploywatch <command> --help" for the flags of a command.
`)
}
