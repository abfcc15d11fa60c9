package main

import (
	"fmt"
	"os"
)

const version = "0.1.0"

// Exit codes beyond 0/1.
const (
	exitStalled   = 2
	exitCancelled = 130
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	// --- NOUNS ---
	case "workflow":
		os.Exit(runWorkflowNoun(args))
	case "config":
		os.Exit(runConfigNoun(args))

	// --- VERBS ---
	case "shim":
		if hasHelpFlag(args) {
			printShimHelp()
			os.Exit(0)
		}
		os.Exit(runShim(args))
	case "version":
		fmt.Printf("codexflow version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`codexflow - deliverable-gated multi-agent workflows over the codex MCP server

Usage:
  codexflow <noun> <action> [flags]
  codexflow shim [flags] [-- CMD ARGS...]

Core Resources (Nouns):
  workflow  Phase controller runs and their history
  config    Configuration validation and integrity

Workflow Commands:
  workflow run          Drive the phase controller to completion or budget
  workflow status       Show which deliverables exist and the resume phase
  workflow inspect <id> Show a journaled run (use "latest" for the newest)
  workflow watch        Live phase board of a running controller

Config Commands:
  config check      Validate syntax, policy, and referenced commands
  config lock       Authorize current config (write .checksums)
  config show       Print the resolved configuration

Transport:
  shim              Stdio proxy that rewrites codex/event into notifications/message

General:
  version           Show version information
  help              Show this help message

Use 'codexflow <noun> help' for resource-specific flags.
`)
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--" {
			return false
		}
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

// splitPositional separates the first non-flag argument from flags so flags
// may follow it, as in 'codexflow workflow inspect <id> --json'.
func splitPositional(args []string, valueFlags ...string) (string, []string) {
	takesValue := make(map[string]bool, len(valueFlags))
	for _, f := range valueFlags {
		takesValue["-"+f] = true
		takesValue["--"+f] = true
	}

	var positional string
	var rest []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case takesValue[arg] && i+1 < len(args):
			rest = append(rest, arg, args[i+1])
			i++
		case positional == "" && len(arg) > 0 && arg[0] != '-':
			positional = arg
		default:
			rest = append(rest, arg)
		}
	}
	return positional, rest
}
