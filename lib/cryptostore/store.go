// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cryptostore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bureau-foundation/hyphae/lib/clock"
	"github.com/bureau-foundation/hyphae/lib/ref"
)

// DefaultDeleteTimeout bounds a single namespace deletion.
const DefaultDeleteTimeout = time.Second

// deviceHashLength is how many leading device ID characters go into a
// namespace prefix.
const deviceHashLength = 8

// Prefix returns the storage namespace for a user and device:
// "matrix-crypto-<user>-<device>", where every rune of the user ID
// outside [A-Za-z0-9] becomes '_' and the device part is the first
// eight characters of the device ID.
func Prefix(userID ref.UserID, deviceID ref.DeviceID) string {
	var user strings.Builder
	for _, r := range userID.String() {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			user.WriteRune(r)
		} else {
			user.WriteByte('_')
		}
	}
	return "matrix-crypto-" + user.String() + "-" + deviceID.Prefix(deviceHashLength)
}

// Matches reports whether a directory entry name belongs to a crypto
// namespace and is subject to cleanup.
func Matches(name string) bool {
	return strings.Contains(name, "matrix") || strings.Contains(name, "crypto")
}

// Config holds the parameters for [New].
type Config struct {
	// Dir is the data directory holding the namespaces.
	Dir string

	// Clock bounds deletions. Defaults to the real clock.
	Clock clock.Clock

	// DeleteTimeout bounds each deletion. Defaults to
	// DefaultDeleteTimeout.
	DeleteTimeout time.Duration

	// Logger receives cleanup warnings. Defaults to slog.Default().
	Logger *slog.Logger

	// Remove deletes one entry. Defaults to os.Remove. Tests
	// substitute a hanging or failing implementation.
	Remove func(path string) error
}

// Store is a data directory of crypto namespaces.
type Store struct {
	dir     string
	clock   clock.Clock
	timeout time.Duration
	logger  *slog.Logger
	remove  func(path string) error
}

// New creates a Store over config.Dir. The directory need not exist
// yet; a missing directory has no namespaces.
func New(config Config) *Store {
	store := &Store{
		dir:     config.Dir,
		clock:   config.Clock,
		timeout: config.DeleteTimeout,
		logger:  config.Logger,
		remove:  config.Remove,
	}
	if store.clock == nil {
		store.clock = clock.Real()
	}
	if store.timeout <= 0 {
		store.timeout = DefaultDeleteTimeout
	}
	if store.logger == nil {
		store.logger = slog.Default()
	}
	if store.remove == nil {
		store.remove = os.Remove
	}
	return store
}

// Dir returns the data directory.
func (s *Store) Dir() string { return s.dir }

// DatabasePath returns the SQLite file for a namespace prefix.
func (s *Store) DatabasePath(prefix string) string {
	return filepath.Join(s.dir, prefix+".db")
}

// EnsureDir creates the data directory with owner-only permissions.
func (s *Store) EnsureDir() error {
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("cryptostore: creating %s: %w", s.dir, err)
	}
	return nil
}

// List returns the names of matching files in the data directory,
// sorted. Directories are never listed, whatever their name. A missing
// directory yields an empty list.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("cryptostore: listing %s: %w", s.dir, err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !Matches(entry.Name()) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

// CleanupReport is the outcome of [Store.DeleteMatching]. Each field
// lists entry names, not full paths.
type CleanupReport struct {
	Deleted  []string
	Failed   []string
	TimedOut []string

	// ListError is set when the directory could not be enumerated.
	// Nothing was attempted in that case.
	ListError error
}

// Attempted returns the number of entries a deletion was tried on.
func (r CleanupReport) Attempted() int {
	return len(r.Deleted) + len(r.Failed) + len(r.TimedOut)
}

// Clean reports whether every attempted deletion completed.
func (r CleanupReport) Clean() bool {
	return r.ListError == nil && len(r.Failed) == 0 && len(r.TimedOut) == 0
}

func (r CleanupReport) String() string {
	if r.ListError != nil {
		return fmt.Sprintf("listing failed: %v", r.ListError)
	}
	return fmt.Sprintf("%d deleted, %d failed, %d timed out",
		len(r.Deleted), len(r.Failed), len(r.TimedOut))
}

// DeleteMatching deletes every matching entry in the data directory,
// one at a time, each bounded by the delete timeout. It never returns
// an error: failures and timeouts are logged at Warn and recorded in
// the report. A hung deletion is abandoned, not cancelled; its
// goroutine finishes whenever the filesystem returns.
//
// Cancelling ctx stops the sweep. Entries not yet attempted are left
// out of the report.
func (s *Store) DeleteMatching(ctx context.Context) CleanupReport {
	var report CleanupReport

	names, err := s.List()
	if err != nil {
		s.logger.Warn("crypto store cleanup could not list data directory",
			"dir", s.dir,
			"error", err,
		)
		report.ListError = err
		return report
	}

	for _, name := range names {
		if ctx.Err() != nil {
			break
		}

		path := filepath.Join(s.dir, name)
		switch err := s.deleteBounded(ctx, path); {
		case err == nil:
			report.Deleted = append(report.Deleted, name)
		case errors.Is(err, errDeleteTimeout) || errors.Is(err, ctx.Err()):
			s.logger.Warn("crypto store cleanup timed out deleting entry",
				"path", path,
				"timeout", s.timeout,
			)
			report.TimedOut = append(report.TimedOut, name)
		default:
			s.logger.Warn("crypto store cleanup failed to delete entry",
				"path", path,
				"error", err,
			)
			report.Failed = append(report.Failed, name)
		}
	}

	if report.Attempted() > 0 {
		s.logger.Info("crypto store cleanup finished",
			"dir", s.dir,
			"deleted", len(report.Deleted),
			"failed", len(report.Failed),
			"timed_out", len(report.TimedOut),
		)
	}
	return report
}

var errDeleteTimeout = errors.New("cryptostore: deletion timed out")

// deleteBounded runs one removal, giving up after the delete timeout or
// when ctx is done.
func (s *Store) deleteBounded(ctx context.Context, path string) error {
	expired := make(chan struct{})
	timer := s.clock.AfterFunc(s.timeout, func() { close(expired) })
	defer timer.Stop()

	done := make(chan error, 1)
	go func() {
		done <- s.remove(path)
	}()

	select {
	case err := <-done:
		return err
	case <-expired:
		return errDeleteTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
