// Copyright 2026 The Saveforge Authors
// SPDX-License-Identifier: Apache-2.0

package editor

import (
	"log/slog"
	"os"

	"golang.org/x/term"
)

// NewLogger creates the structured logger used by editing sessions.
// When stderr is a terminal, output is the human-readable text
// format; when stderr is piped or redirected (scripts, a graphical
// front end capturing diagnostics), output is JSON for machine
// parsing.
func NewLogger(level slog.Level) *slog.Logger {
	var handler slog.Handler
	options := &slog.HandlerOptions{Level: level}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		handler = slog.NewTextHandler(os.Stderr, options)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, options)
	}
	return slog.New(handler)
}
