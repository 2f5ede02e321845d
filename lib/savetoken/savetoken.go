// Copyright 2026 The Saveforge Authors
// SPDX-License-Identifier: Apache-2.0

package savetoken

import (
	"bufio"
	"bytes"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// keyStoreFile is the engine's token file name inside each candidate
// directory.
const keyStoreFile = "security_keys.txt"

// Signer produces detached signature blocks over save log bytes
// using the local engine key store. The search paths are injectable
// so signing is testable without touching the real home directory.
type Signer struct {
	paths  []string
	logger *slog.Logger
}

// Option configures a Signer.
type Option func(*Signer)

// WithSearchPaths replaces the key store search list. The first
// existing path wins; there is no merging across locations.
func WithSearchPaths(paths ...string) Option {
	return func(s *Signer) {
		s.paths = paths
	}
}

// WithLogger sets the logger used for per-key diagnostics. Signing
// failures are never fatal, so this is the only place they show up.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Signer) {
		s.logger = logger
	}
}

// NewSigner returns a Signer over the platform-conventional key store
// locations, unless overridden by options.
func NewSigner(options ...Option) *Signer {
	signer := &Signer{
		paths:  DefaultKeyStorePaths(),
		logger: slog.New(slog.DiscardHandler),
	}
	for _, option := range options {
		option(signer)
	}
	return signer
}

// DefaultKeyStorePaths returns the candidate key store locations the
// engine itself writes to, across platforms. Entries whose base
// directory cannot be determined (no home directory, unset APPDATA)
// are omitted.
func DefaultKeyStorePaths() []string {
	var paths []string

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".renpy", "tokens", keyStoreFile),
			filepath.Join(home, "Library", "RenPy", "tokens", keyStoreFile),
		)
	}
	if appData := os.Getenv("APPDATA"); appData != "" {
		paths = append(paths, filepath.Join(appData, "RenPy", "tokens", keyStoreFile))
	}
	if localAppData := os.Getenv("LOCALAPPDATA"); localAppData != "" {
		paths = append(paths, filepath.Join(localAppData, "RenPy", "tokens", keyStoreFile))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".local", "share", "renpy", "tokens", keyStoreFile),
			filepath.Join(home, ".config", "renpy", "tokens", keyStoreFile),
		)
	}

	return paths
}

// Sign produces the detached signature block for log: one text line
// per usable signing key, in the engine's format:
//
//	signature <base64 PKIX public key DER> <base64 raw signature>
//
// A missing key store, an unreadable file, or a key that fails to
// parse or sign degrades the output rather than failing it: the
// engine accepts unsigned saves, so an empty block beats no save at
// all. The return is empty (nil) when no key produced a line.
func (s *Signer) Sign(log []byte) []byte {
	path, ok := s.locate()
	if !ok {
		s.logger.Debug("no key store found, save will be unsigned")
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		s.logger.Debug("key store unreadable, save will be unsigned", "path", path, "error", err)
		return nil
	}

	var out bytes.Buffer
	for index, der := range parseKeyStore(data) {
		key, err := x509.ParseECPrivateKey(der)
		if err != nil {
			s.logger.Debug("skipping unparseable signing key", "path", path, "index", index, "error", err)
			continue
		}

		signature, err := signRaw(key, log)
		if err != nil {
			s.logger.Debug("skipping failed signing key", "path", path, "index", index, "error", err)
			continue
		}

		publicDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
		if err != nil {
			s.logger.Debug("skipping signing key with unencodable public key", "path", path, "index", index, "error", err)
			continue
		}

		out.WriteString("signature ")
		out.WriteString(base64.StdEncoding.EncodeToString(publicDER))
		out.WriteString(" ")
		out.WriteString(base64.StdEncoding.EncodeToString(signature))
		out.WriteString("\n")
	}

	return out.Bytes()
}

// locate returns the first existing key store path.
func (s *Signer) locate() (string, bool) {
	for _, path := range s.paths {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err == nil {
			return path, true
		}
	}
	return "", false
}

// parseKeyStore extracts the DER-encoded private keys from a key
// store file. Records are whitespace-delimited lines of the form
// "signing-key <base64 DER>"; comment lines start with '#'; anything
// malformed is skipped.
func parseKeyStore(data []byte) [][]byte {
	var keys [][]byte

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[0] != "signing-key" {
			continue
		}
		der, err := base64.StdEncoding.DecodeString(fields[1])
		if err != nil {
			continue
		}
		keys = append(keys, der)
	}

	return keys
}

// signRaw signs the SHA-1 digest of log and encodes the signature as
// the fixed-width r||s concatenation the engine's verifier expects,
// each half padded to the curve order's byte length.
func signRaw(key *ecdsa.PrivateKey, log []byte) ([]byte, error) {
	digest := sha1.Sum(log)
	r, s, err := ecdsa.Sign(rand.Reader, key, digest[:])
	if err != nil {
		return nil, fmt.Errorf("signing log digest: %w", err)
	}

	size := orderSize(key.Curve.Params().N.BitLen())
	signature := make([]byte, 2*size)
	r.FillBytes(signature[:size])
	s.FillBytes(signature[size:])
	return signature, nil
}

func orderSize(bits int) int {
	return (bits + 7) / 8
}
