package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/mattjoyce/codexflow/internal/config"
	"github.com/mattjoyce/codexflow/internal/log"
	"github.com/mattjoyce/codexflow/internal/proxy"
)

func printShimHelp() {
	fmt.Fprintln(os.Stderr, "Usage: codexflow shim [--config PATH] [--sentinel METHOD] [--idle-timeout D] [--session-timeout D] [-- CMD ARGS...]")
	fmt.Fprintln(os.Stderr, "Run the MCP server as a child and proxy stdio, rewriting vendor events into notifications/message.")
	fmt.Fprintln(os.Stderr, "Without -- CMD, proxy.command from config is spawned. Logs go to stderr only.")
}

// runShim never writes to stdout itself: stdout carries the protocol.
func runShim(args []string) int {
	flagArgs, childArgv := splitCommand(args)

	fs := flag.NewFlagSet("shim", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	sentinel := fs.String("sentinel", "", "Vendor event method to rewrite (default from config)")
	idleTimeout := fs.Duration("idle-timeout", -1, "Terminate after this long without traffic (0 disables)")
	sessionTimeout := fs.Duration("session-timeout", -1, "Terminate after this total session length (0 disables)")
	if err := fs.Parse(flagArgs); err != nil {
		return 1
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("shim")

	pc := proxyConfig(cfg)
	if len(childArgv) > 0 {
		pc.Command, pc.Args = childArgv[0], childArgv[1:]
	}
	if *sentinel != "" {
		pc.Sentinel = *sentinel
	}
	if *idleTimeout >= 0 {
		pc.IdleTimeout = *idleTimeout
	}
	if *sessionTimeout >= 0 {
		pc.SessionTimeout = *sessionTimeout
	}
	pc.Logger = log.WithComponent("proxy")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	code, err := proxy.New(pc, os.Stdin, os.Stdout).Run(ctx)
	switch {
	case errors.Is(err, proxy.ErrSpawn):
		logger.Error("failed to start MCP server", "command", pc.Command, "error", err)
		return 1
	case err != nil:
		logger.Error("proxy stopped", "error", err, "exit_code", code)
		if code <= 0 {
			return 1
		}
	}
	if code < 0 {
		return 1
	}
	return code
}

// splitCommand splits args at the first "--".
func splitCommand(args []string) ([]string, []string) {
	for i, arg := range args {
		if arg == "--" {
			return args[:i], args[i+1:]
		}
	}
	return args, nil
}

func proxyConfig(cfg *config.Config) proxy.Config {
	env := make([]string, 0, len(cfg.Proxy.Env))
	for k, v := range cfg.Proxy.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	return proxy.Config{
		Command:          cfg.Proxy.Command,
		Args:             cfg.Proxy.Args,
		Env:              env,
		Sentinel:         cfg.Proxy.SentinelMethod,
		IdleTimeout:      cfg.Proxy.IdleTimeout,
		SessionTimeout:   cfg.Proxy.SessionTimeout,
		TerminationGrace: cfg.Proxy.TerminationGrace,
		DrainGrace:       2 * time.Second,
	}
}
