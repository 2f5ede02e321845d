// Copyright 2026 The Saveforge Authors
// SPDX-License-Identifier: Apache-2.0

// Package editor ties the save-editing pipeline together: load an
// archive, expose its editable variables, fold bytecode patches over
// the log, and write a signed archive back out.
//
// A Session owns two buffers: the original log as read from the
// archive, and a working copy that accumulates patches. Every patch
// produces a fresh buffer: the original is never mutated, and a
// failed edit leaves the working copy exactly as it was. The
// variable table is a load-time snapshot for display; edits go
// through the raw bytes, never through the table.
package editor

import (
	"fmt"
	"log/slog"
	"maps"

	"github.com/saveforge/saveforge/lib/config"
	"github.com/saveforge/saveforge/lib/logpatch"
	"github.com/saveforge/saveforge/lib/pickle"
	"github.com/saveforge/saveforge/lib/savefile"
	"github.com/saveforge/saveforge/lib/savetoken"
)

// Session is one loaded save archive plus its pending edits.
type Session struct {
	path      string
	original  []byte
	working   []byte
	variables map[string]any
	applied   []logpatch.Edit
	signer    *savetoken.Signer
	logger    *slog.Logger
}

// Option configures a Session at load time.
type Option func(*Session)

// WithLogger replaces the session logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithSigner replaces the signature engine, e.g. to point it at a
// test key store.
func WithSigner(signer *savetoken.Signer) Option {
	return func(s *Session) {
		s.signer = signer
	}
}

// WithConfig applies editor configuration: a key store override and
// the log level.
func WithConfig(cfg *config.Config) Option {
	return func(s *Session) {
		level, err := cfg.Level()
		if err != nil {
			// Load rejects invalid levels; a hand-built Config with a
			// bad level falls back to info.
			level = slog.LevelInfo
		}
		s.logger = NewLogger(level)
		if cfg.KeyStorePath != "" {
			paths := append([]string{cfg.KeyStorePath}, savetoken.DefaultKeyStorePaths()...)
			s.signer = savetoken.NewSigner(savetoken.WithSearchPaths(paths...))
		}
	}
}

// Load opens the save archive at path, deserializes its log, and
// builds the editable variable table. The table is rebuilt in full
// on every Load; nothing is cached across sessions.
func Load(path string, options ...Option) (*Session, error) {
	session := &Session{
		path:   path,
		signer: savetoken.NewSigner(),
		logger: NewLogger(slog.LevelInfo),
	}
	for _, option := range options {
		option(session)
	}

	log, err := savefile.ReadLog(path)
	if err != nil {
		return nil, err
	}

	variables, err := pickle.Deserialize(log)
	if err != nil {
		return nil, fmt.Errorf("deserializing log of %s: %w", path, err)
	}

	session.original = log
	session.working = log
	session.variables = variables

	session.logger.Info("loaded save archive",
		"path", path,
		"variables", len(variables),
		"log_bytes", len(log),
		"fingerprint", fingerprint(log),
	)
	return session, nil
}

// Variables returns a copy of the editable table: qualified variable
// name to scalar value, as of load time.
func (s *Session) Variables() map[string]any {
	return maps.Clone(s.variables)
}

// Set patches one variable in the working log. Edits fold: each Set
// operates on the output of the previous one, so offset shifts from
// unequal-length replacements are always observed. On failure the
// working log is unchanged and the edit is not recorded.
func (s *Session) Set(name string, value any) error {
	patched, err := logpatch.Patch(s.working, name, value)
	if err != nil {
		return err
	}
	s.working = patched
	s.applied = append(s.applied, logpatch.Edit{Name: name, Value: value})

	s.logger.Info("patched variable",
		"name", name,
		"log_bytes", len(patched),
		"fingerprint", fingerprint(patched),
	)
	return nil
}

// Reset discards all applied edits, restoring the working log to the
// archive's original bytes.
func (s *Session) Reset() {
	s.working = s.original
	s.applied = nil
}

// Edits returns the applied edits in order.
func (s *Session) Edits() []logpatch.Edit {
	out := make([]logpatch.Edit, len(s.applied))
	copy(out, s.applied)
	return out
}

// Log returns a copy of the current working log bytes.
func (s *Session) Log() []byte {
	out := make([]byte, len(s.working))
	copy(out, s.working)
	return out
}

// Fingerprint returns the keyed digest of the current working log.
func (s *Session) Fingerprint() string {
	return fingerprint(s.working)
}

// SaveAs signs the working log and writes a new archive at dstPath,
// carrying over every entry of the source archive except the log and
// its signatures. The source archive is left untouched.
func (s *Session) SaveAs(dstPath string) error {
	signatures := s.signer.Sign(s.working)
	if err := savefile.Repackage(s.path, dstPath, s.working, signatures); err != nil {
		return err
	}

	s.logger.Info("wrote save archive",
		"path", dstPath,
		"edits", len(s.applied),
		"signed", len(signatures) > 0,
		"fingerprint", fingerprint(s.working),
	)
	return nil
}
