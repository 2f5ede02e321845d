// Copyright 2026 The Saveforge Authors
// SPDX-License-Identifier: Apache-2.0

// Package savefile reads and rebuilds Ren'Py save archives: ZIP
// containers holding a pickled "log" entry, an optional detached
// "signatures" entry, and auxiliary entries (slot metadata,
// screenshot) that must survive a rewrite byte-for-byte.
package savefile

import (
	"archive/zip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/flate"
)

// Well-known archive entry names.
const (
	// LogEntry holds the serialized object graph of game state.
	LogEntry = "log"

	// SignaturesEntry holds the detached signature block over the
	// log bytes. Older saves and unsigned engines omit it.
	SignaturesEntry = "signatures"

	// MetadataEntry holds JSON slot metadata (save name, version,
	// playtime) shown by the engine's load screen.
	MetadataEntry = "json"
)

// ErrEntryMissing is wrapped by the readers when the archive has no
// entry of the requested name.
var ErrEntryMissing = errors.New("savefile: archive entry not found")

// ReadLog returns the raw log bytes from the archive at path.
func ReadLog(path string) ([]byte, error) {
	return readEntry(path, LogEntry)
}

// ReadSignatures returns the detached signature block from the
// archive at path. Absent entry wraps ErrEntryMissing.
func ReadSignatures(path string) ([]byte, error) {
	return readEntry(path, SignaturesEntry)
}

// ReadMetadata decodes the archive's JSON slot metadata entry.
func ReadMetadata(path string) (map[string]any, error) {
	data, err := readEntry(path, MetadataEntry)
	if err != nil {
		return nil, err
	}
	var metadata map[string]any
	if err := json.Unmarshal(data, &metadata); err != nil {
		return nil, fmt.Errorf("decoding %s entry of %s: %w", MetadataEntry, path, err)
	}
	return metadata, nil
}

// Repackage writes a new save archive at dstPath from the one at
// srcPath, substituting newLog for the log entry and newSignatures
// for the signatures entry (only if the source has one; no entry is
// invented). Every other entry is copied raw: compressed bytes, CRC,
// sizes, method, and metadata untouched. The replaced entries keep
// their source compression method, timestamp, and attributes.
//
// The destination is assembled in a temporary file next to dstPath
// and renamed into place, so a failed repackage never leaves a
// half-written file at the destination path. The source is opened
// read-only and fully independent of the destination.
func Repackage(srcPath, dstPath string, newLog, newSignatures []byte) (err error) {
	reader, err := zip.OpenReader(srcPath)
	if err != nil {
		return fmt.Errorf("opening save archive %s: %w", srcPath, err)
	}
	defer reader.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dstPath), ".saveforge-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temporary archive near %s: %w", dstPath, err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	writer := zip.NewWriter(tmp)
	writer.RegisterCompressor(zip.Deflate, deflateCompressor)

	for _, entry := range reader.File {
		switch entry.Name {
		case LogEntry:
			err = writeReplaced(writer, entry, newLog)
		case SignaturesEntry:
			err = writeReplaced(writer, entry, newSignatures)
		default:
			err = copyRaw(writer, entry)
		}
		if err != nil {
			return fmt.Errorf("writing entry %s of %s: %w", entry.Name, dstPath, err)
		}
	}

	if err = writer.Close(); err != nil {
		return fmt.Errorf("finalizing archive %s: %w", dstPath, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("closing temporary archive for %s: %w", dstPath, err)
	}
	if err = os.Rename(tmp.Name(), dstPath); err != nil {
		return fmt.Errorf("moving archive into place at %s: %w", dstPath, err)
	}
	return nil
}

// writeReplaced writes content under the source entry's name,
// compression method, timestamp, and attributes.
func writeReplaced(writer *zip.Writer, entry *zip.File, content []byte) error {
	header := &zip.FileHeader{
		Name:          entry.Name,
		Method:        entry.Method,
		Modified:      entry.Modified,
		ExternalAttrs: entry.ExternalAttrs,
		Comment:       entry.Comment,
	}
	w, err := writer.CreateHeader(header)
	if err != nil {
		return err
	}
	_, err = w.Write(content)
	return err
}

// copyRaw copies an entry without recompression: the stored
// compressed bytes pass straight through and the header (including
// CRC and sizes) is reused, so the copy is byte-for-byte.
func copyRaw(writer *zip.Writer, entry *zip.File) error {
	raw, err := entry.OpenRaw()
	if err != nil {
		return err
	}

	header := entry.FileHeader
	w, err := writer.CreateRaw(&header)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, raw)
	return err
}

func readEntry(path, name string) ([]byte, error) {
	reader, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("opening save archive %s: %w", path, err)
	}
	defer reader.Close()
	reader.RegisterDecompressor(zip.Deflate, deflateDecompressor)

	for _, entry := range reader.File {
		if entry.Name != name {
			continue
		}
		rc, err := entry.Open()
		if err != nil {
			return nil, fmt.Errorf("opening entry %s of %s: %w", name, path, err)
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			return nil, fmt.Errorf("reading entry %s of %s: %w", name, path, err)
		}
		return data, nil
	}

	return nil, fmt.Errorf("%w: %s in %s", ErrEntryMissing, name, path)
}

func deflateCompressor(out io.Writer) (io.WriteCloser, error) {
	return flate.NewWriter(out, flate.DefaultCompression)
}

func deflateDecompressor(r io.Reader) io.ReadCloser {
	return flate.NewReader(r)
}
