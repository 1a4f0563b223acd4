// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/hyphae/cmd/hyphae/cli"
	"github.com/bureau-foundation/hyphae/lib/app"
	"github.com/bureau-foundation/hyphae/lib/ref"
	"github.com/bureau-foundation/hyphae/lib/render"
	"github.com/bureau-foundation/hyphae/lib/secret"
	"github.com/bureau-foundation/hyphae/lib/syncclient"
	"github.com/bureau-foundation/hyphae/lib/timeline"
)

func viewCommand() *cli.Command {
	var (
		common       commonOptions
		username     string
		passwordFile string
		follow       bool
		noColor      bool
	)
	return &cli.Command{
		Name:    "view",
		Summary: "Print rooms and a room's timeline",
		Usage:   "hyphae view --username NAME [flags] [room]",
		Description: `Log in, wait for the first sync, and print the room list. With a room
argument (a room ID or a room name) print that room's messages and data
records instead. --follow keeps the session open and prints new
messages as they arrive.

The login runs the same bootstrap as the web UI, including the
namespace cleanup, so a "hyphae serve" session for the same account
should not be open at the same time.`,
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("view", pflag.ContinueOnError)
			common.register(flagSet)
			flagSet.StringVarP(&username, "username", "u", "", "user name or full Matrix user ID (required)")
			flagSet.StringVar(&passwordFile, "password-file", "", `read the password from a file ("-" for stdin) instead of prompting`)
			flagSet.BoolVarP(&follow, "follow", "f", false, "keep printing new messages until interrupted")
			flagSet.BoolVar(&noColor, "no-color", false, "disable colors (also honors $NO_COLOR)")
			return flagSet
		},
		Examples: []cli.Example{
			{
				Description: "List rooms",
				Command:     "hyphae view -u alice",
			},
			{
				Description: "Follow a room by name",
				Command:     "hyphae view -u alice --follow general",
			},
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) > 1 {
				return fmt.Errorf("at most one room argument, got %d", len(args))
			}
			if username == "" {
				return fmt.Errorf("--username is required")
			}
			cfg, logger, err := common.load()
			if err != nil {
				return err
			}
			if err := cfg.EnsurePaths(); err != nil {
				return err
			}
			logger = logger.With("command", "view")

			userID, err := app.QualifyUsername(strings.TrimSpace(username), cfg.ServerName)
			if err != nil {
				return err
			}
			password, err := readPassword(passwordFile)
			if err != nil {
				return err
			}
			defer password.Close()

			bootstrapper, err := newBootstrapper(cfg, newStore(cfg, logger), logger)
			if err != nil {
				return err
			}
			prepared := make(chan struct{})
			result, err := bootstrapper.Login(ctx, userID, password, func() { close(prepared) })
			if err != nil {
				return err
			}
			defer result.Client.Close()

			select {
			case <-prepared:
			case <-ctx.Done():
				return ctx.Err()
			}

			printer := &roomPrinter{
				source:   result.Client,
				terminal: newTerminal(os.Stdout, noColor),
				location: time.Local,
				out:      os.Stdout,
			}
			if len(args) == 0 {
				printer.printRooms()
				return nil
			}
			summary, err := resolveRoom(result.Client.Rooms(), args[0])
			if err != nil {
				return err
			}
			if !follow {
				printer.printRoom(summary)
				return nil
			}
			// Subscribe before reading the timeline so nothing that
			// arrives while printing is lost.
			feed := subscribe(result.Client, summary.RoomID)
			defer feed.remove()
			printed := printer.printRoom(summary)
			printer.follow(ctx, feed, printed)
			return nil
		},
	}
}

func readPassword(path string) (*secret.Buffer, error) {
	if path != "" {
		return secret.ReadFromPath(path)
	}
	return secret.ReadFromTerminal(int(os.Stdin.Fd()), os.Stderr, "Password: ")
}

func newTerminal(out io.Writer, noColor bool) render.Terminal {
	renderer := lipgloss.NewRenderer(out)
	if noColor || os.Getenv("NO_COLOR") != "" {
		renderer.SetColorProfile(termenv.Ascii)
	}
	return render.Terminal{Palette: render.DefaultPalette, Renderer: renderer}
}

// resolveRoom finds a room by exact ID, then by case-insensitive name.
// A name shared by several rooms is an error listing their IDs.
func resolveRoom(summaries []syncclient.RoomSummary, arg string) (syncclient.RoomSummary, error) {
	arg = strings.TrimSpace(arg)
	if roomID, err := ref.ParseRoomID(arg); err == nil {
		for _, summary := range summaries {
			if summary.RoomID == roomID {
				return summary, nil
			}
		}
		return syncclient.RoomSummary{}, fmt.Errorf("not joined to room %s", roomID)
	}

	var matches []syncclient.RoomSummary
	for _, summary := range summaries {
		if strings.EqualFold(summary.Name, arg) {
			matches = append(matches, summary)
		}
	}
	switch len(matches) {
	case 0:
		return syncclient.RoomSummary{}, fmt.Errorf("no room named %q", arg)
	case 1:
		return matches[0], nil
	default:
		ids := make([]string, len(matches))
		for i, match := range matches {
			ids[i] = match.RoomID.String()
		}
		return syncclient.RoomSummary{}, fmt.Errorf("%d rooms are named %q: %s", len(matches), arg, strings.Join(ids, ", "))
	}
}

// roomSource is the part of the client handle the printer reads.
type roomSource interface {
	Rooms() []syncclient.RoomSummary
	Timeline(roomID ref.RoomID) []syncclient.Entry
}

type roomPrinter struct {
	source   roomSource
	terminal render.Terminal
	location *time.Location
	out      io.Writer
}

func (p *roomPrinter) printRooms() {
	fmt.Fprintln(p.out, p.terminal.Rooms(timeline.Rooms(p.source.Rooms(), ref.RoomID{})))
}

// printRoom prints the room's header, messages and data records, and
// returns the IDs of the entries it printed.
func (p *roomPrinter) printRoom(summary syncclient.RoomSummary) map[ref.EventID]bool {
	entries := p.source.Timeline(summary.RoomID)
	fmt.Fprintln(p.out, p.terminal.Header(timeline.RoomHeader(summary)))
	fmt.Fprintln(p.out, p.terminal.Messages(timeline.Messages(entries, p.location)))
	fmt.Fprintln(p.out)
	fmt.Fprintln(p.out, p.terminal.DataRecords(timeline.DataRecords(entries, p.location)))

	printed := make(map[ref.EventID]bool, len(entries))
	for _, entry := range entries {
		if !entry.EventID.IsZero() {
			printed[entry.EventID] = true
		}
	}
	return printed
}

// timelineSubscriber is the listener registration of the client handle.
type timelineSubscriber interface {
	OnTimeline(callback func(syncclient.TimelineNotification)) (remove func())
}

// roomFeed buffers one room's live timeline notifications.
type roomFeed struct {
	notifications chan syncclient.TimelineNotification
	remove        func()
}

// subscribe starts buffering roomID's live notifications. Backfilled
// entries are dropped. The listener blocks the sync goroutine when the
// buffer is full until the feed is read or removed.
func subscribe(subscriber timelineSubscriber, roomID ref.RoomID) *roomFeed {
	feed := &roomFeed{notifications: make(chan syncclient.TimelineNotification, 64)}
	done := make(chan struct{})
	removeListener := subscriber.OnTimeline(func(notification syncclient.TimelineNotification) {
		if notification.RoomID != roomID || notification.ToStartOfTimeline {
			return
		}
		select {
		case feed.notifications <- notification:
		case <-done:
		}
	})
	var once sync.Once
	feed.remove = func() {
		once.Do(func() {
			close(done)
			removeListener()
		})
	}
	return feed
}

// follow prints each entry from feed until ctx is done. Entries in
// printed were already shown and are skipped unless they were
// re-decrypted since.
func (p *roomPrinter) follow(ctx context.Context, feed *roomFeed, printed map[ref.EventID]bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case notification := <-feed.notifications:
			entry := notification.Entry
			if !notification.Redecrypted && printed[entry.EventID] {
				continue
			}
			if !entry.EventID.IsZero() {
				printed[entry.EventID] = true
			}
			p.printEntry(entry)
		}
	}
}

func (p *roomPrinter) printEntry(entry syncclient.Entry) {
	list := timeline.Messages([]syncclient.Entry{entry}, p.location)
	if len(list.Items) == 0 {
		return
	}
	fmt.Fprintln(p.out, p.terminal.Messages(list))
}
