// Command settld runs the settlement coordinator and its operator CLI.
package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests.
var startServer = runServer

// Run dispatches subcommands. It is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServer(stdout, stderr)
	}

	switch args[1] {
	case "server", "serve":
		return startServer(stdout, stderr)
	case "health":
		return runHealthCmd(args[2:], stdout, stderr)
	case "gate":
		return runGateCmd(args[2:], stdout, stderr)
	case "canon":
		return runCanonCmd(args[2:], stdout, stderr)
	case "verify-artifact":
		return runVerifyArtifactCmd(args[2:], stdout, stderr)
	case "keygen":
		return runKeygenCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return startServer(stdout, stderr)
		}
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "settld — agent economy settlement coordinator")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  settld <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COORDINATOR:")
	fmt.Fprintln(w, "  server           Run the coordinator (default)")
	fmt.Fprintln(w, "  health           Check a running coordinator (--addr, --format json)")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "OPERATOR:")
	fmt.Fprintln(w, "  gate get         Fetch a payment gate (--id, --addr, --key)")
	fmt.Fprintln(w, "  canon            Canonicalize JSON and print its content hash (--in)")
	fmt.Fprintln(w, "  verify-artifact  Verify an artifact record's content hash (--file)")
	fmt.Fprintln(w, "  keygen           Generate a wallet issuer key seed (--out)")
	fmt.Fprintln(w, "  help             Show this help")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Every operator command accepts --format json, emitting")
	fmt.Fprintln(w, `{"schemaVersion":"<Tool>Output.v1","ok":...} envelopes.`)
	fmt.Fprintln(w, "")
}
