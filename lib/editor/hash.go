// Copyright 2026 The Saveforge Authors
// SPDX-License-Identifier: Apache-2.0

package editor

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// logDomainKey is the BLAKE3 key for log fingerprints. Domain
// separation keeps these digests from colliding with any other
// BLAKE3 use of the same bytes. The value is the ASCII domain name
// zero-padded to 32 bytes, readable in hex dumps without weakening
// the keyed hash.
var logDomainKey = [32]byte{
	's', 'a', 'v', 'e', 'f', 'o', 'r', 'g', 'e', '.', 'l', 'o', 'g',
}

// fingerprint returns the hex keyed-BLAKE3 digest of log bytes. Used
// in audit logging and by front ends to detect whether an edit
// session actually changed anything.
func fingerprint(log []byte) string {
	hasher, err := blake3.NewKeyed(logDomainKey[:])
	if err != nil {
		// The key is a fixed 32-byte constant; NewKeyed only fails
		// on a wrong key size.
		panic("editor: BLAKE3 fingerprint initialization failed: " + err.Error())
	}
	hasher.Write(log)
	return hex.EncodeToString(hasher.Sum(nil))
}
