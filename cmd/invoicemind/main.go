// Command invoicemind runs the invoice processing service.
//
// Subcommands:
//
//	server        serve the HTTP API (default)
//	worker        poll the queue and process runs
//	verify-audit  check the audit chain and print the verification report
package main

import (
	"fmt"
	"io"
	"os"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is swappable for tests.
var startServer = runServer

// Run dispatches the subcommand and returns the process exit code.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServer(stdout, stderr)
	}

	switch args[1] {
	case "server", "serve":
		return startServer(stdout, stderr)
	case "worker":
		return runWorkerCmd(args[2:], stdout, stderr)
	case "verify-audit":
		return runVerifyCmd(stdout, stderr)
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
	fmt.Fprintln(w, "Usage: invoicemind [command]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  server        Serve the HTTP API (default)")
	fmt.Fprintln(w, "  worker        Poll the queue and process runs (--once drains a single batch)")
	fmt.Fprintln(w, "  verify-audit  Verify the audit chain and print the report")
	fmt.Fprintln(w, "  help          Show this help")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Configuration is read from INVOICEMIND_* environment variables.")
}
