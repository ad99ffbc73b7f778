// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/olmstore/lib/e2ee"
)

// withStack loads the configuration, opens the session stack, runs fn,
// and closes the stack.
func withStack(ctx context.Context, env *environment, fn func(*stack) error) (err error) {
	logger, err := env.logger()
	if err != nil {
		return err
	}
	cfg, err := env.loadConfig()
	if err != nil {
		return err
	}
	s, err := openStack(ctx, cfg, env.clock, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := s.Close(context.WithoutCancel(ctx)); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	return fn(s)
}

type reapOutput struct {
	Sessions      int `json:"sessions"`
	GroupSessions int `json:"group_sessions"`
}

func runReap(ctx context.Context, env *environment, args []string) error {
	flagSet := pflag.NewFlagSet("reap", pflag.ContinueOnError)
	asJSON := flagSet.Bool("json", false, "print the result as JSON")
	if done, err := parseCommandFlags(flagSet, args, env.stdout); done || err != nil {
		return err
	}

	return withStack(ctx, env, func(s *stack) error {
		result, err := s.manager.Reap(ctx)
		if err != nil {
			return err
		}
		output := reapOutput{Sessions: result.StoredSessions, GroupSessions: result.StoredGroupSessions}
		if *asJSON {
			return writeJSON(env.stdout, output)
		}
		fmt.Fprintf(env.stdout, "deleted %d expired sessions and %d expired group sessions\n",
			output.Sessions, output.GroupSessions)
		return nil
	})
}

type statsOutput struct {
	Sessions             int `json:"sessions"`
	ExpiredSessions      int `json:"expired_sessions"`
	GroupSessions        int `json:"group_sessions"`
	ExpiredGroupSessions int `json:"expired_group_sessions"`
}

func runStats(ctx context.Context, env *environment, args []string) error {
	flagSet := pflag.NewFlagSet("stats", pflag.ContinueOnError)
	asJSON := flagSet.Bool("json", false, "print the counts as JSON")
	if done, err := parseCommandFlags(flagSet, args, env.stdout); done || err != nil {
		return err
	}

	return withStack(ctx, env, func(s *stack) error {
		stats, err := s.manager.Stats(ctx)
		if err != nil {
			return err
		}
		output := newStatsOutput(stats)
		if *asJSON {
			return writeJSON(env.stdout, output)
		}
		tw := tabwriter.NewWriter(env.stdout, 2, 0, 3, ' ', 0)
		fmt.Fprintf(tw, "KIND\tSTORED\tEXPIRED\n")
		fmt.Fprintf(tw, "olm\t%d\t%d\n", output.Sessions, output.ExpiredSessions)
		fmt.Fprintf(tw, "megolm\t%d\t%d\n", output.GroupSessions, output.ExpiredGroupSessions)
		return tw.Flush()
	})
}

func newStatsOutput(stats e2ee.Stats) statsOutput {
	return statsOutput{
		Sessions:             stats.Store.Sessions,
		ExpiredSessions:      stats.Store.ExpiredSessions,
		GroupSessions:        stats.Store.GroupSessions,
		ExpiredGroupSessions: stats.Store.ExpiredGroupSessions,
	}
}

func writeJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
