package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/codexflow/internal/config"
	"github.com/mattjoyce/codexflow/internal/doctor"
)

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}

	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "lock", "hash-update":
		if hasHelpFlag(actionArgs) {
			printConfigLockHelp()
			return 0
		}
		return runConfigLock(actionArgs)
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	case "show":
		if hasHelpFlag(actionArgs) {
			printConfigShowHelp()
			return 0
		}
		return runConfigShow(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprint(w, `Usage: codexflow config <action> [flags]

Actions:
  check   Validate configuration syntax, roles, and referenced commands
  lock    Write .checksums so later loads detect edits
  show    Print the resolved configuration (defaults applied)

Without --config the file is discovered from $CODEXFLOW_CONFIG_DIR,
~/.config/codexflow, /etc/codexflow, then ./codexflow.yaml.
`)
}

func printConfigLockHelp() {
	fmt.Println("Usage: codexflow config lock [--config PATH] [--dry-run] [-v|--verbose]")
	fmt.Println("Record the BLAKE3 hash of the config file in .checksums next to it.")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: codexflow config check [--config PATH] [--format human|json] [--strict] [--json]")
	fmt.Println("Validate configuration syntax, policy, and integrity.")
}

func printConfigShowHelp() {
	fmt.Println("Usage: codexflow config show [--config PATH] [--json]")
	fmt.Println("Print the configuration with defaults applied.")
}

func runConfigCheck(args []string) int {
	var configPath string
	var strict, jsonOut bool
	var format string

	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&strict, "strict", false, "Treat warnings as errors")
	fs.StringVar(&format, "format", "human", "Output format (human, json)")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if jsonOut {
		format = "json"
	}

	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}

	result := doctor.New(cfg).Validate()

	switch format {
	case "json":
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(out)
	default:
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return 1
	}
	if strict && len(result.Warnings) > 0 {
		return 2
	}
	return 0
}

func runConfigLock(args []string) int {
	var configPath string
	var verbose, verboseShort, dryRun bool

	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&verbose, "verbose", false, "Verbose output")
	fs.BoolVar(&verboseShort, "v", false, "Verbose output")
	fs.BoolVar(&dryRun, "dry-run", false, "Dry run")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	isVerbose := verbose || verboseShort

	// Not config.Load: a stale manifest must not block re-locking.
	path, err := resolveConfigFile(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}
	dir := filepath.Dir(path)

	report, err := config.LockFile(path, dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config %s: %v\n", path, err)
		return 1
	}

	if isVerbose {
		fmt.Printf("Processing directory: %s\n", dir)
		switch {
		case report.Previous == "":
			fmt.Printf("  HASH %s: %s (new)\n", filepath.Base(path), report.Hash)
		case report.Changed():
			fmt.Printf("  HASH %s: %s (was %.12s)\n", filepath.Base(path), report.Hash, report.Previous)
		default:
			fmt.Printf("  HASH %s: %s (unchanged)\n", filepath.Base(path), report.Hash)
		}
		if dryRun {
			fmt.Printf("  DRY-RUN %s: %s (not written)\n", config.ManifestName, report.ManifestPath)
		} else {
			fmt.Printf("  WROTE %s: %s\n", config.ManifestName, report.ManifestPath)
		}
	}

	if dryRun {
		fmt.Printf("Dry run completed (no files written): %s\n", path)
	} else {
		fmt.Printf("Successfully locked configuration: %s\n", path)
	}
	return 0
}

func runConfigShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(cfg, "", "  ")
		fmt.Println(string(data))
	} else {
		data, _ := yaml.Marshal(cfg)
		fmt.Print(string(data))
	}
	return 0
}

// resolveConfigFile maps --config (file or directory) or discovery to the
// config file path.
func resolveConfigFile(configPath string) (string, error) {
	if configPath == "" {
		return config.DiscoverConfigPath()
	}
	abs, err := filepath.Abs(configPath)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s", abs)
	}
	if info.IsDir() {
		abs = filepath.Join(abs, config.DefaultFileName)
		if _, err := os.Stat(abs); err != nil {
			return "", fmt.Errorf("directory provided but %s not found: %s", config.DefaultFileName, abs)
		}
	}
	return abs, nil
}
