// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/hyphae/cmd/hyphae/cli"
	"github.com/bureau-foundation/hyphae/lib/app"
	"github.com/bureau-foundation/hyphae/lib/config"
	"github.com/bureau-foundation/hyphae/lib/cryptostore"
)

func root() *cli.Command {
	return &cli.Command{
		Name:        "hyphae",
		Summary:     "End-to-end encrypted Matrix client",
		Description: "Hyphae is an end-to-end encrypted Matrix client with a local web UI.",
		Subcommands: []*cli.Command{
			serveCommand(),
			clearKeysCommand(),
			viewCommand(),
			versionCommand(),
		},
		Examples: []cli.Example{
			{
				Description: "Open the web UI",
				Command:     "hyphae serve",
			},
			{
				Description: "Start over with fresh encryption state",
				Command:     "hyphae clear-keys",
			},
		},
	}
}

// commonOptions are the flags every subcommand accepts.
type commonOptions struct {
	configPath string
	verbose    bool
}

func (o *commonOptions) register(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&o.configPath, "config", "", "config file (default $"+config.EnvVar+", then built-in defaults)")
	flagSet.BoolVarP(&o.verbose, "verbose", "v", false, "log at debug level, including crypto engine output")
}

// load reads and validates the configuration and builds the logger.
func (o *commonOptions) load() (*config.Config, *slog.Logger, error) {
	logger := cli.NewCommandLogger(o.verbose)

	var cfg *config.Config
	var err error
	if o.configPath != "" {
		cfg, err = config.LoadFile(o.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, logger, nil
}

func newStore(cfg *config.Config, logger *slog.Logger) *cryptostore.Store {
	return cryptostore.New(cryptostore.Config{
		Dir:           cfg.DataDir,
		DeleteTimeout: cfg.Timing.DeleteTimeout,
		Logger:        logger,
	})
}

func newBootstrapper(cfg *config.Config, store *cryptostore.Store, logger *slog.Logger) (*app.Bootstrapper, error) {
	return app.NewBootstrapper(app.BootstrapConfig{
		HomeserverURL:    cfg.HomeserverURL,
		ServerName:       cfg.ServerName,
		HTTPClient:       &http.Client{},
		Store:            store,
		PickleSecret:     []byte(cfg.PickleSecret),
		SettleDelay:      cfg.Timing.SettleDelay,
		InitialSyncLimit: cfg.InitialSyncLimit,
		Logger:           logger,
	})
}
