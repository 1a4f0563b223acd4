// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"

	"github.com/rs/zerolog"
)

// NewZerologBridge returns a zerolog.Logger whose records are re-emitted
// on logger. mautrix is chatty, so trace, debug and info records all
// land at slog Debug; warn stays Warn and error or worse becomes Error.
// Every record carries component=mautrix.
func NewZerologBridge(logger *slog.Logger) zerolog.Logger {
	writer := &slogWriter{logger: logger.With("component", "mautrix")}
	return zerolog.New(writer).Level(zerolog.TraceLevel)
}

// slogWriter implements io.Writer over zerolog's JSON lines. zerolog
// calls Write once per record.
type slogWriter struct {
	logger *slog.Logger
}

func (w *slogWriter) Write(line []byte) (int, error) {
	var fields map[string]any
	if err := json.Unmarshal(line, &fields); err != nil {
		w.logger.Debug(string(line))
		return len(line), nil
	}

	message, _ := fields[zerolog.MessageFieldName].(string)
	levelName, _ := fields[zerolog.LevelFieldName].(string)
	delete(fields, zerolog.MessageFieldName)
	delete(fields, zerolog.LevelFieldName)
	delete(fields, zerolog.TimestampFieldName)

	level := slogLevel(levelName)
	if !w.logger.Enabled(context.Background(), level) {
		return len(line), nil
	}

	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	attrs := make([]any, 0, 2*len(keys))
	for _, key := range keys {
		attrs = append(attrs, key, fields[key])
	}
	w.logger.Log(context.Background(), level, message, attrs...)
	return len(line), nil
}

func slogLevel(zerologLevel string) slog.Level {
	level, err := zerolog.ParseLevel(zerologLevel)
	if err != nil {
		return slog.LevelDebug
	}
	switch {
	case level == zerolog.NoLevel || level == zerolog.Disabled:
		return slog.LevelDebug
	case level >= zerolog.ErrorLevel:
		return slog.LevelError
	case level == zerolog.WarnLevel:
		return slog.LevelWarn
	default:
		return slog.LevelDebug
	}
}
