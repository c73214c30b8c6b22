// Command ds runs the document sync service and drives it from the shell.
package main

import (
	"fmt"
	"os"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "--help", "-h", "help":
		printUsage()
		return
	case "--version", "-v", "version":
		fmt.Println("ds", version)
		return
	}

	a := newApp()

	switch os.Args[1] {
	// Service
	case "serve":
		os.Exit(a.cmdServe(os.Args[2:]))
	case "status":
		os.Exit(a.cmdStatus(os.Args[2:]))

	// Documents
	case "set":
		os.Exit(a.cmdSet(os.Args[2:]))
	case "get":
		os.Exit(a.cmdGet(os.Args[2:]))
	case "watch":
		os.Exit(a.cmdWatch(os.Args[2:]))

	// Presence
	case "presence":
		os.Exit(a.cmdPresence(os.Args[2:]))

	default:
		fmt.Fprintf(os.Stderr, "ds: unknown command %q\n", os.Args[1])
		fmt.Fprintln(os.Stderr, "Run 'ds --help' for usage.")
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`ds - collaborative document sync

Replicated JSON-like documents that converge under concurrent edits,
plus live presence counters. SQLite for storage, websockets for transport.

Usage:
  ds <command> [flags] [args]

Service:
  serve [--listen ADDR]            Run the sync service
  status [doc]                     Documents, clients and sync frontiers (reads the DB)

Documents:
  set <doc> <key> <value>          Set a root field and push it
  set --delete <doc> <key>         Remove a root field
  set --append <doc> <key> <value> Append to the array under key
  get <doc>                        Print a document
  watch <doc>                      Stream remote changes as they arrive

Presence:
  presence <key> [--watch DUR]     Join a presence counter and print its count

Environment:
  DOCSYNC_DB       SQLite database path (default: docsync.db)
  DOCSYNC_ADDR     Service address (default: localhost:7878)
  DOCSYNC_CLIENT   Client key (default: ds-<hostname>)
  DOCSYNC_REDIS    Redis address for cross-process fan-out (serve only)

Flags go before positional arguments. Most commands support --json.

Exit codes:
  0  success
  1  error
`)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
