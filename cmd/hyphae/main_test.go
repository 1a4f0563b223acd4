// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/hyphae/cmd/hyphae/cli"
	"github.com/bureau-foundation/hyphae/lib/cryptostore"
	"github.com/bureau-foundation/hyphae/lib/ref"
	"github.com/bureau-foundation/hyphae/lib/schema"
	"github.com/bureau-foundation/hyphae/lib/syncclient"
)

var (
	generalID = ref.MustParseRoomID("!general:hyphae.social")
	randomID  = ref.MustParseRoomID("!random:hyphae.social")
	secondID  = ref.MustParseRoomID("!second:hyphae.social")
)

func TestResolveRoom(t *testing.T) {
	summaries := []syncclient.RoomSummary{
		{RoomID: generalID, Name: "General", Encrypted: true},
		{RoomID: randomID, Name: "random"},
		{RoomID: secondID, Name: "Random"},
	}

	tests := []struct {
		name    string
		arg     string
		want    ref.RoomID
		wantErr string
	}{
		{"by id", "!general:hyphae.social", generalID, ""},
		{"by name ignoring case", "general", generalID, ""},
		{"surrounding space", "  General ", generalID, ""},
		{"unknown id", "!missing:hyphae.social", ref.RoomID{}, "not joined to room !missing:hyphae.social"},
		{"unknown name", "lobby", ref.RoomID{}, `no room named "lobby"`},
		{"ambiguous name", "RANDOM", ref.RoomID{}, "2 rooms are named"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			summary, err := resolveRoom(summaries, test.arg)
			if test.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), test.wantErr) {
					t.Fatalf("resolveRoom(%q) error = %v, want containing %q", test.arg, err, test.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolveRoom(%q) failed: %v", test.arg, err)
			}
			if summary.RoomID != test.want {
				t.Errorf("resolveRoom(%q) = %s, want %s", test.arg, summary.RoomID, test.want)
			}
		})
	}
}

type fakeRooms struct {
	rooms    []syncclient.RoomSummary
	timeline map[ref.RoomID][]syncclient.Entry
}

func (f *fakeRooms) Rooms() []syncclient.RoomSummary { return f.rooms }

func (f *fakeRooms) Timeline(roomID ref.RoomID) []syncclient.Entry { return f.timeline[roomID] }

func newTestPrinter(source roomSource) (*roomPrinter, *bytes.Buffer) {
	var out bytes.Buffer
	return &roomPrinter{
		source:   source,
		terminal: newTerminal(&out, true),
		location: time.UTC,
		out:      &out,
	}, &out
}

func TestPrintRooms(t *testing.T) {
	printer, out := newTestPrinter(&fakeRooms{rooms: []syncclient.RoomSummary{
		{RoomID: generalID, Name: "General", Encrypted: true},
		{RoomID: randomID},
	}})
	printer.printRooms()

	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("printed %d lines, want 2:\n%s", len(lines), out.String())
	}
	if want := "  General 🔒 !general:hyphae.social"; lines[0] != want {
		t.Errorf("line 0 = %q, want %q", lines[0], want)
	}
	if want := "  Unnamed Room !random:hyphae.social"; lines[1] != want {
		t.Errorf("line 1 = %q, want %q", lines[1], want)
	}
}

func TestPrintRoomsEmpty(t *testing.T) {
	printer, out := newTestPrinter(&fakeRooms{})
	printer.printRooms()
	if !strings.Contains(out.String(), "No rooms found") {
		t.Errorf("output = %q, want the empty-directory placeholder", out.String())
	}
}

func TestPrintRoom(t *testing.T) {
	sent := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	source := &fakeRooms{
		rooms: []syncclient.RoomSummary{{RoomID: generalID, Name: "General", Encrypted: true}},
		timeline: map[ref.RoomID][]syncclient.Entry{generalID: {
			{
				EventID:        ref.MustParseEventID("$one"),
				Type:           schema.EventTypeMessage,
				Sender:         ref.MustParseUserID("@alice:hyphae.social"),
				OriginServerTS: sent.UnixMilli(),
				Content:        map[string]any{"msgtype": "m.text", "body": "hello\x1b[31m\nworld"},
				Encrypted:      true,
			},
			{
				EventID:        ref.MustParseEventID("$two"),
				Type:           schema.EventTypeDataRecord,
				Sender:         ref.MustParseUserID("@alice:hyphae.social"),
				OriginServerTS: sent.UnixMilli(),
				Content:        map[string]any{"key": "color", "value": "blue", "timestamp": float64(sent.UnixMilli())},
			},
		}},
	}
	printer, out := newTestPrinter(source)
	printer.printRoom(source.rooms[0])

	output := out.String()
	for _, want := range []string{
		"General 🔒",
		"@alice:hyphae.social 🔒 hello world",
		"color = blue",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q:\n%s", want, output)
		}
	}
	if strings.Contains(output, "\x1b") {
		t.Errorf("output contains escape sequences:\n%q", output)
	}
}

// fakeSubscriber hands the registered timeline callback to the test.
type fakeSubscriber struct {
	mu       sync.Mutex
	callback func(syncclient.TimelineNotification)
	removed  bool
}

func (f *fakeSubscriber) OnTimeline(callback func(syncclient.TimelineNotification)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callback = callback
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.removed = true
	}
}

func (f *fakeSubscriber) deliver(notification syncclient.TimelineNotification) {
	f.mu.Lock()
	callback := f.callback
	f.mu.Unlock()
	callback(notification)
}

// lockedBuffer is a bytes.Buffer safe to read while follow writes.
type lockedBuffer struct {
	mu     sync.Mutex
	buffer bytes.Buffer
}

func (b *lockedBuffer) Write(data []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buffer.Write(data)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buffer.String()
}

func textEntry(eventID, body string) syncclient.Entry {
	return syncclient.Entry{
		EventID:        ref.MustParseEventID(eventID),
		Type:           schema.EventTypeMessage,
		Sender:         ref.MustParseUserID("@bob:hyphae.social"),
		OriginServerTS: time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC).UnixMilli(),
		Content:        map[string]any{"msgtype": "m.text", "body": body},
	}
}

func TestFollowKeepsEventsArrivingWhilePrinting(t *testing.T) {
	source := &fakeRooms{
		rooms:    []syncclient.RoomSummary{{RoomID: generalID, Name: "General"}},
		timeline: map[ref.RoomID][]syncclient.Entry{generalID: {textEntry("$old", "already here")}},
	}
	out := &lockedBuffer{}
	printer := &roomPrinter{
		source:   source,
		terminal: newTerminal(out, true),
		location: time.UTC,
		out:      out,
	}
	subscriber := &fakeSubscriber{}

	feed := subscribe(subscriber, generalID)

	// Delivered after subscribing but before the timeline is read: one
	// entry the timeline will also contain, one it will not.
	subscriber.deliver(syncclient.TimelineNotification{RoomID: generalID, Entry: textEntry("$old", "already here")})
	subscriber.deliver(syncclient.TimelineNotification{RoomID: generalID, Entry: textEntry("$gap", "sent while printing")})
	subscriber.deliver(syncclient.TimelineNotification{RoomID: randomID, Entry: textEntry("$elsewhere", "other room")})
	subscriber.deliver(syncclient.TimelineNotification{RoomID: generalID, Entry: textEntry("$older", "backfill"), ToStartOfTimeline: true})

	printed := printer.printRoom(source.rooms[0])
	if !printed[ref.MustParseEventID("$old")] {
		t.Fatalf("printRoom did not report $old as printed: %v", printed)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		printer.follow(ctx, feed, printed)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(out.String(), "sent while printing") {
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("event delivered while printing was never shown:\n%s", out.String())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
	feed.remove()

	output := out.String()
	if count := strings.Count(output, "already here"); count != 1 {
		t.Errorf("$old printed %d times, want once:\n%s", count, output)
	}
	for _, unwanted := range []string{"other room", "backfill"} {
		if strings.Contains(output, unwanted) {
			t.Errorf("output contains %q:\n%s", unwanted, output)
		}
	}
	subscriber.mu.Lock()
	removed := subscriber.removed
	subscriber.mu.Unlock()
	if !removed {
		t.Error("listener not removed")
	}
}

func TestFollowReprintsRedecryptedEntries(t *testing.T) {
	out := &lockedBuffer{}
	printer := &roomPrinter{
		source:   &fakeRooms{},
		terminal: newTerminal(out, true),
		location: time.UTC,
		out:      out,
	}
	subscriber := &fakeSubscriber{}
	feed := subscribe(subscriber, generalID)
	defer feed.remove()

	printed := map[ref.EventID]bool{ref.MustParseEventID("$late"): true}
	subscriber.deliver(syncclient.TimelineNotification{
		RoomID:      generalID,
		Entry:       textEntry("$late", "key arrived"),
		Redecrypted: true,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		printer.follow(ctx, feed, printed)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(out.String(), "key arrived") {
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("re-decrypted entry was not printed:\n%s", out.String())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
}

func TestPrintEntrySkipsNonMessages(t *testing.T) {
	printer, out := newTestPrinter(&fakeRooms{})
	printer.printEntry(syncclient.Entry{
		Type:    schema.EventTypeDataRecord,
		Content: map[string]any{"key": "k", "value": "v"},
	})
	if out.Len() != 0 {
		t.Errorf("printEntry wrote %q for a data record", out.String())
	}
}

func TestClearKeys(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"matrix-crypto-_alice_hyphae_social-DEVICEAB.db", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o600); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
	}
	store := cryptostore.New(cryptostore.Config{Dir: dir})

	var out bytes.Buffer
	if err := clearKeys(context.Background(), store, &out); err != nil {
		t.Fatalf("clearKeys failed: %v", err)
	}
	if !strings.Contains(out.String(), "deleted    matrix-crypto-_alice_hyphae_social-DEVICEAB.db") {
		t.Errorf("output = %q, want the deleted namespace", out.String())
	}
	if !strings.Contains(out.String(), "1 deleted, 0 failed, 0 timed out") {
		t.Errorf("output = %q, want the summary", out.String())
	}
	if _, err := os.Stat(filepath.Join(dir, "notes.txt")); err != nil {
		t.Errorf("unrelated file removed: %v", err)
	}

	out.Reset()
	if err := clearKeys(context.Background(), store, &out); err != nil {
		t.Fatalf("second clearKeys failed: %v", err)
	}
	if !strings.Contains(out.String(), "No encryption data in "+dir) {
		t.Errorf("output = %q, want the empty message", out.String())
	}
}

func TestClearKeysFailureExitsNonZero(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "matrix-store.db"), []byte("x"), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	store := cryptostore.New(cryptostore.Config{
		Dir:    dir,
		Remove: func(string) error { return errors.New("permission denied") },
	})

	var out bytes.Buffer
	err := clearKeys(context.Background(), store, &out)
	var exitErr *cli.ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != 1 {
		t.Fatalf("clearKeys error = %v, want ExitError code 1", err)
	}
	if !strings.Contains(out.String(), "failed     matrix-store.db") {
		t.Errorf("output = %q, want the failed entry", out.String())
	}
}

func TestCommandTree(t *testing.T) {
	command := root()
	seen := make(map[string]bool)
	for _, sub := range command.Subcommands {
		if seen[sub.Name] {
			t.Errorf("duplicate subcommand %q", sub.Name)
		}
		seen[sub.Name] = true
		if sub.Summary == "" {
			t.Errorf("subcommand %q has no summary", sub.Name)
		}
		if sub.Run == nil {
			t.Errorf("subcommand %q has no Run", sub.Name)
		}
		if sub.Name != "version" && (sub.Flags == nil || sub.Flags().Lookup("config") == nil) {
			t.Errorf("subcommand %q does not accept --config", sub.Name)
		}
	}
	for _, name := range []string{"serve", "clear-keys", "view", "version"} {
		if !seen[name] {
			t.Errorf("missing subcommand %q", name)
		}
	}
}

func TestViewRequiresUsername(t *testing.T) {
	err := root().Execute(context.Background(), []string{"view"})
	if err == nil || !strings.Contains(err.Error(), "--username is required") {
		t.Fatalf("view without --username error = %v", err)
	}
}

func TestClearKeysCommand(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "hyphae.yaml")
	dataDir := filepath.Join(dir, "data")
	if err := os.Mkdir(dataDir, 0o700); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dataDir, "crypto-old.db"), []byte("x"), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	config := "data_dir: " + dataDir + "\n"
	if err := os.WriteFile(configPath, []byte(config), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	if err := root().Execute(context.Background(), []string{"clear-keys", "--config", configPath}); err != nil {
		t.Fatalf("clear-keys failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dataDir, "crypto-old.db")); !os.IsNotExist(err) {
		t.Errorf("namespace still present after clear-keys: %v", err)
	}
}
