// Copyright 2026 The Saveforge Authors
// SPDX-License-Identifier: Apache-2.0

// Package savetoken regenerates the detached signature block of a
// save archive from the engine's local signing keys.
//
// The engine keeps ECDSA signing keys in a per-user token file and
// stores a detached signature over the log bytes in the archive's
// "signatures" entry. After a log is patched the old signatures no
// longer verify, so the editor re-signs with the same local keys the
// engine would use.
//
// Signing is deliberately lenient end to end: a missing key store, a
// malformed record, or a key that fails to sign degrades to a
// smaller (possibly empty) signature block instead of an error. The
// engine accepts unsigned saves, and producing a loadable archive
// beats strict signature correctness.
package savetoken
