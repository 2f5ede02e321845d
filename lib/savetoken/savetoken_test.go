// Copyright 2026 The Saveforge Authors
// SPDX-License-Identifier: Apache-2.0

package savetoken

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
)

// writeKeyStore writes a key store file containing the given private
// keys plus assorted noise lines, and returns its path.
func writeKeyStore(t *testing.T, keys ...*ecdsa.PrivateKey) string {
	t.Helper()

	var content bytes.Buffer
	content.WriteString("# engine signing keys\n\n")
	for _, key := range keys {
		der, err := x509.MarshalECPrivateKey(key)
		if err != nil {
			t.Fatalf("MarshalECPrivateKey: %v", err)
		}
		content.WriteString("signing-key " + base64.StdEncoding.EncodeToString(der) + "\n")
	}
	content.WriteString("unrelated-record abc\n")
	content.WriteString("signing-key not!base64\n")

	path := filepath.Join(t.TempDir(), "security_keys.txt")
	if err := os.WriteFile(path, content.Bytes(), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func generateKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return key
}

func TestSignAndVerify(t *testing.T) {
	path := writeKeyStore(t, generateKey(t))
	signer := NewSigner(WithSearchPaths(path))

	log := []byte("pickled game state")
	block := signer.Sign(log)
	if len(block) == 0 {
		t.Fatal("Sign returned an empty block with a usable key present")
	}

	results := Verify(log, block)
	if len(results) != 1 {
		t.Fatalf("Verify found %d signatures, want 1", len(results))
	}
	if !results[0].OK {
		t.Error("signature does not verify over the signed bytes")
	}
}

func TestSignRawSignatureWidth(t *testing.T) {
	path := writeKeyStore(t, generateKey(t))
	signer := NewSigner(WithSearchPaths(path))

	block := signer.Sign([]byte("log"))
	fields := bytes.Fields(bytes.TrimSpace(block))
	if len(fields) != 3 || string(fields[0]) != "signature" {
		t.Fatalf("block = %q, want one 'signature <vk> <sig>' line", block)
	}

	signature, err := base64.StdEncoding.DecodeString(string(fields[2]))
	if err != nil {
		t.Fatalf("decoding signature: %v", err)
	}
	// P-256: two 32-byte halves, fixed width, no ASN.1 framing.
	if len(signature) != 64 {
		t.Errorf("raw signature is %d bytes, want 64", len(signature))
	}
}

func TestSignMultipleKeys(t *testing.T) {
	path := writeKeyStore(t, generateKey(t), generateKey(t))
	signer := NewSigner(WithSearchPaths(path))

	log := []byte("state")
	results := Verify(log, signer.Sign(log))
	if len(results) != 2 {
		t.Fatalf("got %d signature lines, want 2 (one per key)", len(results))
	}
	for i, result := range results {
		if !result.OK {
			t.Errorf("signature %d does not verify", i)
		}
	}
}

func TestSignSkipsUnparseableKeys(t *testing.T) {
	// The store contains one good key among comment lines, malformed
	// records, and broken base64; only the good key signs.
	path := writeKeyStore(t, generateKey(t))
	signer := NewSigner(WithSearchPaths(path))

	results := Verify([]byte("x"), signer.Sign([]byte("x")))
	if len(results) != 1 {
		t.Errorf("got %d signature lines, want 1", len(results))
	}
}

func TestSignWithoutKeyStore(t *testing.T) {
	signer := NewSigner(WithSearchPaths(filepath.Join(t.TempDir(), "missing.txt")))

	if block := signer.Sign([]byte("log")); len(block) != 0 {
		t.Errorf("Sign = %q, want empty block when no key store exists", block)
	}
}

func TestSignFirstExistingPathWins(t *testing.T) {
	first := writeKeyStore(t, generateKey(t))
	second := writeKeyStore(t, generateKey(t), generateKey(t))
	signer := NewSigner(WithSearchPaths(
		filepath.Join(t.TempDir(), "missing.txt"),
		first,
		second,
	))

	log := []byte("state")
	results := Verify(log, signer.Sign(log))
	// One line means the single-key store was used, not the two-key
	// one further down the list; locations are never merged.
	if len(results) != 1 {
		t.Errorf("got %d signature lines, want 1 from the first existing store", len(results))
	}
}

func TestVerifyRejectsTamperedLog(t *testing.T) {
	path := writeKeyStore(t, generateKey(t))
	signer := NewSigner(WithSearchPaths(path))

	log := []byte("original bytes")
	block := signer.Sign(log)

	results := Verify([]byte("tampered bytes"), block)
	if len(results) != 1 {
		t.Fatalf("got %d signature lines, want 1", len(results))
	}
	if results[0].OK {
		t.Error("signature verified over tampered bytes")
	}
}

func TestVerifySkipsMalformedLines(t *testing.T) {
	block := []byte("# comment\nsignature onlytwofields\nnot-a-record\n")
	if results := Verify([]byte("log"), block); len(results) != 0 {
		t.Errorf("Verify = %v, want no results for malformed input", results)
	}
}

func TestDefaultKeyStorePaths(t *testing.T) {
	paths := DefaultKeyStorePaths()
	if len(paths) == 0 {
		t.Fatal("no candidate paths on this platform")
	}
	for _, path := range paths {
		if filepath.Base(path) != "security_keys.txt" {
			t.Errorf("candidate %s does not end in security_keys.txt", path)
		}
	}
}
