// dispatchd receives coding requests from chat surfaces, webhooks and its
// HTTP API, queues them, and runs an autonomous coding agent against the
// target repository in an isolated git worktree.
package main

import (
	"fmt"
	"io"
	"os"
	"strings"
)

func main() {
	args := os.Args[1:]
	cmd := "start"
	if len(args) > 0 {
		switch args[0] {
		case "help", "-h", "--help":
			printUsage(os.Stdout)
			return
		}
		if !strings.HasPrefix(args[0], "-") {
			cmd = args[0]
			args = args[1:]
		}
	}

	switch cmd {
	case "start":
		os.Exit(runStart(args))
	case "init":
		os.Exit(runInit(args))
	case "doctor":
		os.Exit(runDoctor(args))
	default:
		fmt.Fprintf(os.Stderr, "dispatchd: unknown command %q\n\n", cmd)
		printUsage(os.Stderr)
		os.Exit(1)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `dispatchd dispatches chat requests to coding agents running in git worktrees.

Usage:

  dispatchd [start] [flags]   run the dispatcher service (default)
  dispatchd init              create a config.json interactively
  dispatchd doctor            check required tools and configuration
  dispatchd help              show this help

Flags for start:

  -config dir    directory containing config.json (also searched: ., /etc/dispatchd)
  -repl          attach an interactive chat session on this terminal

Configuration can also be supplied through DISPATCHD_* environment
variables; run "dispatchd doctor" to see what the current environment
resolves to.
`)
}
