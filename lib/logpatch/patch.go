// Copyright 2026 The Saveforge Authors
// SPDX-License-Identifier: Apache-2.0

// Package logpatch rewrites scalar values in place inside pickled
// save logs. It never re-serializes the object graph: a patch is a
// byte-span replacement of one encoded value, and every byte outside
// that span survives exactly, which is what keeps the engine's
// integrity checks happy.
package logpatch

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/saveforge/saveforge/lib/pickle"
)

var (
	// ErrVariableNotFound is returned when the variable name never
	// appears in the log as a structurally valid string value.
	ErrVariableNotFound = errors.New("logpatch: variable not found in log bytecode")

	// ErrValueNotRecognized is returned when the name appears but no
	// occurrence is followed by a scalar the codec can decode. The
	// engine refuses to guess at an encoding it cannot parse rather
	// than risk corrupting the graph.
	ErrValueNotRecognized = errors.New("logpatch: variable found but value encoding not recognized")
)

// Edit is one variable assignment to apply to a log.
type Edit struct {
	Name  string
	Value any
}

// Patch replaces the encoded value of the named variable directly in
// the log bytecode and returns a new buffer; the input is never
// mutated and every byte outside the located value's span is copied
// through unchanged.
//
// The target is the first byte-occurrence of the name that (a) sits
// inside a valid string-opcode header and (b) is followed, after any
// memo-store opcodes, by a decodable scalar. First occurrence is a
// heuristic: a nested string equal to the name that appears earlier
// in the buffer than the top-level binding would be patched instead.
// Real logs serialize the root mapping first so this does not arise,
// but it is a known limit of scanning without cross-referencing
// deserializer offsets.
func Patch(log []byte, name string, value any) ([]byte, error) {
	needle, ok := nameBytes(name)
	if !ok {
		// Names with code points above U+00FF have no single-byte
		// encoding and therefore no header to match.
		return nil, fmt.Errorf("%w: %q", ErrVariableNotFound, name)
	}

	matches := 0
	for i := 0; i < len(log); {
		offset := bytes.Index(log[i:], needle)
		if offset < 0 {
			break
		}
		start := i + offset

		if pickle.HasStringHeader(log, start, len(needle)) {
			matches++
			valuePos := pickle.SkipMemo(log, start+len(needle))
			if current, ok := pickle.DecodeScalar(log, valuePos); ok {
				encoded, err := pickle.EncodeScalar(value)
				if err != nil {
					return nil, fmt.Errorf("encoding new value for %q: %w", name, err)
				}
				patched := make([]byte, 0, len(log)-(current.End-current.Start)+len(encoded))
				patched = append(patched, log[:current.Start]...)
				patched = append(patched, encoded...)
				patched = append(patched, log[current.End:]...)
				return patched, nil
			}
		}

		i = start + 1
	}

	if matches == 0 {
		return nil, fmt.Errorf("%w: %q", ErrVariableNotFound, name)
	}
	return nil, fmt.Errorf("%w: %q (%d occurrence(s))", ErrValueNotRecognized, name, matches)
}

// Apply folds an ordered sequence of edits over the log. Each edit
// operates on the previous edit's output, so later edits observe the
// offset shifts introduced by unequal-length replacements. The first
// failing edit aborts the fold.
func Apply(log []byte, edits []Edit) ([]byte, error) {
	current := log
	for _, edit := range edits {
		patched, err := Patch(current, edit.Name, edit.Value)
		if err != nil {
			return nil, err
		}
		current = patched
	}
	return current, nil
}

// nameBytes encodes a variable name the way the serializer stores
// string keys: one byte per code point. Unlike value encoding there
// is no lossy replacement here; a name that cannot be represented
// cannot be searched for.
func nameBytes(name string) ([]byte, bool) {
	out := make([]byte, 0, len(name))
	for _, r := range name {
		if r > 0xFF {
			return nil, false
		}
		out = append(out, byte(r))
	}
	return out, true
}
