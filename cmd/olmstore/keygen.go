// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/olmstore/lib/picklekey"
	"github.com/bureau-foundation/olmstore/lib/process"
)

// runKeygen writes a fresh pickle key. Without recipients the key is
// written as base64 and --out is required, so the secret never lands on
// a terminal. With recipients the age-armored ciphertext goes to --out,
// or stdout when --out is empty. Existing files are never overwritten.
func runKeygen(_ context.Context, env *environment, args []string) error {
	flagSet := pflag.NewFlagSet("keygen", pflag.ContinueOnError)
	out := flagSet.String("out", "", "file to create (mode 0600)")
	recipients := flagSet.StringArray("recipient", nil, "age X25519 recipient (age1...) to seal the key to; repeatable")
	if done, err := parseCommandFlags(flagSet, args, env.stdout); done || err != nil {
		return err
	}
	if *out == "" && len(*recipients) == 0 {
		return process.Usagef("olmstore keygen: --out is required unless the key is sealed with --recipient")
	}

	key, err := picklekey.Generate()
	if err != nil {
		return err
	}
	defer key.Close()

	if len(*recipients) == 0 {
		if err := picklekey.WriteFile(*out, key); err != nil {
			return err
		}
	} else {
		sealed, err := picklekey.Seal(key, *recipients)
		if err != nil {
			return err
		}
		if *out == "" {
			if _, err := env.stdout.Write(sealed); err != nil {
				return err
			}
		} else if err := writeNewFile(*out, sealed); err != nil {
			return err
		}
	}

	fmt.Fprintf(env.stderr, "pickle key fingerprint: %s\n", key.Fingerprint())
	return nil
}

func writeNewFile(path string, data []byte) error {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return file.Close()
}
