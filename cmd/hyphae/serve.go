// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/hyphae/cmd/hyphae/cli"
	"github.com/bureau-foundation/hyphae/lib/app"
	"github.com/bureau-foundation/hyphae/lib/render"
	"github.com/bureau-foundation/hyphae/lib/version"
	"github.com/bureau-foundation/hyphae/lib/webui"
)

func serveCommand() *cli.Command {
	var (
		common commonOptions
		listen string
	)
	return &cli.Command{
		Name:    "serve",
		Summary: "Serve the web UI",
		Description: `Serve the hyphae page on a local address. Open the printed URL in a
browser to log in, read and send messages, store data records, create
rooms and restore keys from a recovery key.

The page talks only to this process. The process keeps one session at
a time; every open tab shows the same view.`,
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("serve", pflag.ContinueOnError)
			common.register(flagSet)
			flagSet.StringVar(&listen, "listen", "", "listen address (overrides listen_address)")
			return flagSet
		},
		Examples: []cli.Example{{
			Description: "Serve on another port",
			Command:     "hyphae serve --listen 127.0.0.1:9000",
		}},
		Run: func(ctx context.Context, args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument %q", args[0])
			}
			cfg, logger, err := common.load()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.ListenAddress = listen
			}
			if err := cfg.EnsurePaths(); err != nil {
				return err
			}
			logger = logger.With("command", "serve")
			logger.Info("starting", "version", version.Info(), "homeserver", cfg.HomeserverURL)

			bootstrapper, err := newBootstrapper(cfg, newStore(cfg, logger), logger)
			if err != nil {
				return err
			}
			renderer, err := render.NewHTML()
			if err != nil {
				return err
			}

			var controller *app.Controller
			hub := webui.NewHub(webui.HubConfig{
				Source: func() app.View { return controller.View() },
				Logger: logger,
			})
			controller, err = app.NewController(app.ControllerConfig{
				Bootstrapper:       bootstrapper,
				Renderer:           renderer,
				Publisher:          hub,
				RecoveryCloseDelay: cfg.Timing.RecoveryCloseDelay,
				RoomVisibleTimeout: cfg.Timing.RoomVisibleTimeout,
				Logger:             logger,
			})
			if err != nil {
				return err
			}
			defer controller.Close()

			router, err := webui.NewRouter(controller, hub, logger)
			if err != nil {
				return err
			}
			server, err := webui.NewServer(webui.ServerConfig{
				Address: cfg.ListenAddress,
				Handler: router,
				Hub:     hub,
				Logger:  logger,
			})
			if err != nil {
				return err
			}
			return server.Serve(ctx)
		},
	}
}
