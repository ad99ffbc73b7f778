// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/olmstore/lib/clock"
	"github.com/bureau-foundation/olmstore/lib/config"
	"github.com/bureau-foundation/olmstore/lib/process"
	"github.com/bureau-foundation/olmstore/lib/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		process.Fatal(err)
	}
}

// environment carries the global flags and the process surroundings
// to each command.
type environment struct {
	stdout io.Writer
	stderr io.Writer
	clock  clock.Clock

	configPath string
	logLevel   string
}

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, env *environment, args []string) error
}

var commands = []command{
	{"keygen", "write a new pickle key", runKeygen},
	{"serve", "run the reaper, periodic flush and metrics endpoint", runServe},
	{"reap", "delete expired sessions once", runReap},
	{"stats", "print stored session counts", runStats},
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	env := &environment{stdout: stdout, stderr: stderr, clock: clock.Real()}
	return env.run(ctx, args)
}

// run parses the global flags and dispatches to a command.
func (env *environment) run(ctx context.Context, args []string) error {
	stdout, stderr := env.stdout, env.stderr

	flagSet := pflag.NewFlagSet("olmstore", pflag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagSet.SetInterspersed(false)
	flagSet.StringVar(&env.configPath, "config", "", "configuration file (default: $"+config.EnvConfig+")")
	flagSet.StringVar(&env.logLevel, "log-level", "info", "debug, info, warn or error")
	showVersion := flagSet.Bool("version", false, "print version information and exit")
	help := flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		return process.Usagef("%v\n\nRun 'olmstore --help' for usage.", err)
	}
	if *showVersion {
		fmt.Fprintln(stdout, "olmstore "+version.Full())
		return nil
	}
	if *help {
		printHelp(stdout, flagSet)
		return nil
	}

	rest := flagSet.Args()
	if len(rest) == 0 {
		printHelp(stderr, flagSet)
		return process.Usagef("command required")
	}
	for _, cmd := range commands {
		if cmd.name == rest[0] {
			return cmd.run(ctx, env, rest[1:])
		}
	}
	return process.Usagef("unknown command %q\n\nRun 'olmstore --help' for usage.", rest[0])
}

func printHelp(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprintf(w, "Administer a persistent Olm/Megolm session store.\n\n")
	fmt.Fprintf(w, "Usage:\n  olmstore [flags] <command> [command flags]\n\nCommands:\n")
	tw := tabwriter.NewWriter(w, 2, 0, 3, ' ', 0)
	for _, cmd := range commands {
		fmt.Fprintf(tw, "  %s\t%s\n", cmd.name, cmd.summary)
	}
	tw.Flush()
	fmt.Fprintf(w, "\nFlags:\n%s", flagSet.FlagUsages())
}

// parseCommandFlags parses a subcommand's flags, turning pflag errors
// into usage errors. It reports whether --help was requested.
func parseCommandFlags(flagSet *pflag.FlagSet, args []string, w io.Writer) (bool, error) {
	flagSet.SetOutput(io.Discard)
	help := flagSet.BoolP("help", "h", false, "show help")
	if err := flagSet.Parse(args); err != nil {
		return false, process.Usagef("%v\n\nRun 'olmstore %s --help' for usage.", err, flagSet.Name())
	}
	if *help {
		fmt.Fprintf(w, "Usage:\n  olmstore %s [flags]\n\nFlags:\n%s", flagSet.Name(), flagSet.FlagUsages())
		return true, nil
	}
	if flagSet.NArg() > 0 {
		return false, process.Usagef("olmstore %s takes no arguments, got %q", flagSet.Name(), flagSet.Args())
	}
	return false, nil
}

// loadConfig reads --config, or OLMSTORE_CONFIG when the flag is unset,
// and validates it.
func (env *environment) loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if env.configPath != "" {
		cfg, err = config.LoadFile(env.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	return cfg, nil
}

func (env *environment) logger() (*slog.Logger, error) {
	level, err := parseLevel(env.logLevel)
	if err != nil {
		return nil, process.Usagef("--log-level: %v", err)
	}
	return newLogger(env.stderr, level), nil
}
