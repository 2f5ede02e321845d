// Copyright 2026 The Saveforge Authors
// SPDX-License-Identifier: Apache-2.0

package savefile

import (
	"archive/zip"
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type entrySpec struct {
	name   string
	data   []byte
	method uint16
}

// writeArchive creates a zip save file from entry specs and returns
// its path.
func writeArchive(t *testing.T, entries ...entrySpec) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "slot-1.save")
	file, err := os.Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer file.Close()

	writer := zip.NewWriter(file)
	modified := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	for _, entry := range entries {
		w, err := writer.CreateHeader(&zip.FileHeader{
			Name:     entry.name,
			Method:   entry.method,
			Modified: modified,
		})
		if err != nil {
			t.Fatalf("CreateHeader(%s): %v", entry.name, err)
		}
		if _, err := w.Write(entry.data); err != nil {
			t.Fatalf("Write(%s): %v", entry.name, err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("closing writer: %v", err)
	}
	return path
}

// findEntry returns the archive entry with the given name.
func findEntry(t *testing.T, reader *zip.ReadCloser, name string) *zip.File {
	t.Helper()
	for _, entry := range reader.File {
		if entry.Name == name {
			return entry
		}
	}
	t.Fatalf("archive has no entry %q", name)
	return nil
}

func readEntryBytes(t *testing.T, entry *zip.File) []byte {
	t.Helper()
	rc, err := entry.Open()
	if err != nil {
		t.Fatalf("opening %s: %v", entry.Name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("reading %s: %v", entry.Name, err)
	}
	return data
}

func readRawBytes(t *testing.T, entry *zip.File) []byte {
	t.Helper()
	raw, err := entry.OpenRaw()
	if err != nil {
		t.Fatalf("OpenRaw(%s): %v", entry.Name, err)
	}
	data, err := io.ReadAll(raw)
	if err != nil {
		t.Fatalf("reading raw %s: %v", entry.Name, err)
	}
	return data
}

func TestReadLog(t *testing.T) {
	path := writeArchive(t,
		entrySpec{LogEntry, []byte("pickled state"), zip.Deflate},
		entrySpec{MetadataEntry, []byte(`{"slot":"1"}`), zip.Deflate},
	)

	log, err := ReadLog(path)
	if err != nil {
		t.Fatalf("ReadLog: %v", err)
	}
	if !bytes.Equal(log, []byte("pickled state")) {
		t.Errorf("log = %q", log)
	}
}

func TestReadMissingEntry(t *testing.T) {
	path := writeArchive(t, entrySpec{LogEntry, []byte("x"), zip.Deflate})

	_, err := ReadSignatures(path)
	if !errors.Is(err, ErrEntryMissing) {
		t.Fatalf("error = %v, want ErrEntryMissing", err)
	}
}

func TestReadMetadata(t *testing.T) {
	path := writeArchive(t,
		entrySpec{LogEntry, []byte("x"), zip.Deflate},
		entrySpec{MetadataEntry, []byte(`{"_save_name":"before the gala","_version":"8.1.3"}`), zip.Deflate},
	)

	metadata, err := ReadMetadata(path)
	if err != nil {
		t.Fatalf("ReadMetadata: %v", err)
	}
	if metadata["_save_name"] != "before the gala" {
		t.Errorf("metadata = %v", metadata)
	}
}

func TestRepackageReplacesLogAndSignatures(t *testing.T) {
	src := writeArchive(t,
		entrySpec{LogEntry, []byte("old log"), zip.Deflate},
		entrySpec{SignaturesEntry, []byte("old signatures\n"), zip.Deflate},
		entrySpec{MetadataEntry, []byte(`{"slot":"1"}`), zip.Deflate},
	)
	dst := filepath.Join(t.TempDir(), "slot-1-edited.save")

	newLog := []byte("patched log bytes")
	newSignatures := []byte("signature abc def\n")
	if err := Repackage(src, dst, newLog, newSignatures); err != nil {
		t.Fatalf("Repackage: %v", err)
	}

	log, err := ReadLog(dst)
	if err != nil {
		t.Fatalf("ReadLog(dst): %v", err)
	}
	if !bytes.Equal(log, newLog) {
		t.Errorf("log = %q, want %q", log, newLog)
	}

	signatures, err := ReadSignatures(dst)
	if err != nil {
		t.Fatalf("ReadSignatures(dst): %v", err)
	}
	if !bytes.Equal(signatures, newSignatures) {
		t.Errorf("signatures = %q, want %q", signatures, newSignatures)
	}
}

func TestRepackagePreservesUnrelatedEntries(t *testing.T) {
	screenshot := bytes.Repeat([]byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a}, 64)
	src := writeArchive(t,
		entrySpec{LogEntry, []byte("old log"), zip.Deflate},
		entrySpec{SignaturesEntry, []byte("old\n"), zip.Deflate},
		entrySpec{"screenshot.png", screenshot, zip.Store},
		entrySpec{MetadataEntry, []byte(`{"slot":"1"}`), zip.Deflate},
	)
	dst := filepath.Join(t.TempDir(), "out.save")

	if err := Repackage(src, dst, []byte("new log"), nil); err != nil {
		t.Fatalf("Repackage: %v", err)
	}

	srcReader, err := zip.OpenReader(src)
	if err != nil {
		t.Fatalf("OpenReader(src): %v", err)
	}
	defer srcReader.Close()
	dstReader, err := zip.OpenReader(dst)
	if err != nil {
		t.Fatalf("OpenReader(dst): %v", err)
	}
	defer dstReader.Close()

	for _, name := range []string{"screenshot.png", MetadataEntry} {
		srcEntry := findEntry(t, srcReader, name)
		dstEntry := findEntry(t, dstReader, name)

		if dstEntry.Method != srcEntry.Method {
			t.Errorf("%s: method %d -> %d", name, srcEntry.Method, dstEntry.Method)
		}
		if dstEntry.CRC32 != srcEntry.CRC32 {
			t.Errorf("%s: CRC changed", name)
		}
		if !bytes.Equal(readRawBytes(t, dstEntry), readRawBytes(t, srcEntry)) {
			t.Errorf("%s: compressed bytes changed", name)
		}
	}
}

func TestRepackageKeepsEntryMetadata(t *testing.T) {
	src := writeArchive(t,
		entrySpec{LogEntry, []byte("old log"), zip.Deflate},
	)
	dst := filepath.Join(t.TempDir(), "out.save")

	if err := Repackage(src, dst, []byte("new log"), nil); err != nil {
		t.Fatalf("Repackage: %v", err)
	}

	srcReader, err := zip.OpenReader(src)
	if err != nil {
		t.Fatalf("OpenReader(src): %v", err)
	}
	defer srcReader.Close()
	dstReader, err := zip.OpenReader(dst)
	if err != nil {
		t.Fatalf("OpenReader(dst): %v", err)
	}
	defer dstReader.Close()

	srcEntry := findEntry(t, srcReader, LogEntry)
	dstEntry := findEntry(t, dstReader, LogEntry)
	if dstEntry.Method != srcEntry.Method {
		t.Errorf("log method %d -> %d", srcEntry.Method, dstEntry.Method)
	}
	if !dstEntry.Modified.Equal(srcEntry.Modified) {
		t.Errorf("log timestamp %v -> %v", srcEntry.Modified, dstEntry.Modified)
	}
}

func TestRepackageDoesNotInventSignatures(t *testing.T) {
	src := writeArchive(t, entrySpec{LogEntry, []byte("old log"), zip.Deflate})
	dst := filepath.Join(t.TempDir(), "out.save")

	if err := Repackage(src, dst, []byte("new"), []byte("signature a b\n")); err != nil {
		t.Fatalf("Repackage: %v", err)
	}

	_, err := ReadSignatures(dst)
	if !errors.Is(err, ErrEntryMissing) {
		t.Fatalf("error = %v, want ErrEntryMissing (source had no signatures entry)", err)
	}
}

func TestRepackageMissingSource(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.save")
	err := Repackage(missing, filepath.Join(t.TempDir(), "out.save"), []byte("x"), nil)
	if err == nil {
		t.Fatal("Repackage should fail for a missing source archive")
	}
}

func TestRepackageLeavesNoTempFileOnFailure(t *testing.T) {
	// A destination in a nonexistent directory fails before any
	// rename; the temp file must not linger.
	src := writeArchive(t, entrySpec{LogEntry, []byte("log"), zip.Deflate})
	dstDir := t.TempDir()
	dst := filepath.Join(dstDir, "missing-subdir", "out.save")

	if err := Repackage(src, dst, []byte("x"), nil); err == nil {
		t.Fatal("Repackage should fail when the destination directory does not exist")
	}

	leftovers, err := filepath.Glob(filepath.Join(dstDir, "*"))
	if err != nil {
		t.Fatalf("Glob: %v", err)
	}
	if len(leftovers) != 0 {
		t.Errorf("leftover files after failed repackage: %v", leftovers)
	}
}

func TestRepackageRoundTripDecompresses(t *testing.T) {
	// Entries written through the registered deflate compressor must
	// be readable by any standard zip reader.
	src := writeArchive(t,
		entrySpec{LogEntry, bytes.Repeat([]byte("state "), 512), zip.Deflate},
	)
	dst := filepath.Join(t.TempDir(), "out.save")

	newLog := bytes.Repeat([]byte("patched "), 512)
	if err := Repackage(src, dst, newLog, nil); err != nil {
		t.Fatalf("Repackage: %v", err)
	}

	reader, err := zip.OpenReader(dst)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer reader.Close()
	if got := readEntryBytes(t, findEntry(t, reader, LogEntry)); !bytes.Equal(got, newLog) {
		t.Errorf("log did not round-trip through deflate (got %d bytes, want %d)", len(got), len(newLog))
	}
}
