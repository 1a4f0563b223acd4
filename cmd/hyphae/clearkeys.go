// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/hyphae/cmd/hyphae/cli"
	"github.com/bureau-foundation/hyphae/lib/cryptostore"
)

func clearKeysCommand() *cli.Command {
	var common commonOptions
	return &cli.Command{
		Name:    "clear-keys",
		Summary: "Delete every stored crypto namespace",
		Description: `Delete the local end-to-end encryption state of every user and device
in the data directory. Messages encrypted to the deleted devices cannot
be read again unless their keys are restored from secret storage.

Do not run this while "hyphae serve" has a session open.`,
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("clear-keys", pflag.ContinueOnError)
			common.register(flagSet)
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument %q", args[0])
			}
			cfg, logger, err := common.load()
			if err != nil {
				return err
			}
			store := newStore(cfg, logger.With("command", "clear-keys"))
			return clearKeys(ctx, store, os.Stdout)
		},
	}
}

// clearKeys deletes every namespace and prints the report. An
// incomplete cleanup exits 1 after the report is printed.
func clearKeys(ctx context.Context, store *cryptostore.Store, out io.Writer) error {
	report := store.DeleteMatching(ctx)
	for _, name := range report.Deleted {
		fmt.Fprintf(out, "deleted    %s\n", name)
	}
	for _, name := range report.Failed {
		fmt.Fprintf(out, "failed     %s\n", name)
	}
	for _, name := range report.TimedOut {
		fmt.Fprintf(out, "timed out  %s\n", name)
	}
	if report.Attempted() == 0 && report.ListError == nil {
		fmt.Fprintf(out, "No encryption data in %s\n", store.Dir())
		return nil
	}
	fmt.Fprintf(out, "%s: %s\n", store.Dir(), report)
	if !report.Clean() {
		return &cli.ExitError{Code: 1}
	}
	return nil
}
