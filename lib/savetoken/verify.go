// Copyright 2026 The Saveforge Authors
// SPDX-License-Identifier: Apache-2.0

package savetoken

import (
	"bufio"
	"bytes"
	"crypto/ecdsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"math/big"
	"strings"
)

// Verification is the check result for one signature line.
type Verification struct {
	// PublicKeyDER is the PKIX DER encoding of the verifying key as
	// it appeared on the line.
	PublicKeyDER []byte

	// OK reports whether the signature verifies over the log bytes.
	OK bool
}

// Verify checks a detached signature block against log bytes. Lines
// that are not well-formed signature records are skipped, matching
// the engine's lenient reader; a well-formed line with a key type or
// signature that does not check out yields OK == false.
func Verify(log, signatures []byte) []Verification {
	var results []Verification

	scanner := bufio.NewScanner(bytes.NewReader(signatures))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 || fields[0] != "signature" {
			continue
		}

		publicDER, err := base64.StdEncoding.DecodeString(fields[1])
		if err != nil {
			continue
		}
		signature, err := base64.StdEncoding.DecodeString(fields[2])
		if err != nil {
			continue
		}

		results = append(results, Verification{
			PublicKeyDER: publicDER,
			OK:           verifyRaw(publicDER, signature, log),
		})
	}

	return results
}

// verifyRaw checks a fixed-width r||s signature over the SHA-1
// digest of log.
func verifyRaw(publicDER, signature, log []byte) bool {
	parsed, err := x509.ParsePKIXPublicKey(publicDER)
	if err != nil {
		return false
	}
	key, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return false
	}

	size := orderSize(key.Curve.Params().N.BitLen())
	if len(signature) != 2*size {
		return false
	}

	digest := sha1.Sum(log)
	r := new(big.Int).SetBytes(signature[:size])
	s := new(big.Int).SetBytes(signature[size:])
	return ecdsa.Verify(key, digest[:], r, s)
}
