// Copyright 2026 The Saveforge Authors
// SPDX-License-Identifier: Apache-2.0

// Package pickle reads and encodes the subset of Python pickle
// bytecode found in Ren'Py save logs.
//
// Two capabilities live here, and nothing more:
//
//   - A scalar codec: DecodeScalar and EncodeScalar map between raw
//     pickle bytes and integer, float, boolean, and string values.
//     Decoding is permissive (it accepts legacy text-line forms and
//     every binary width the engine has historically written);
//     encoding always emits the smallest sufficient modern form.
//   - A restricted unpickler: Unpickle runs a closed stack machine
//     over the opcode subset that real save logs use, and Variables
//     filters the restored root mapping down to the editable table.
//
// The unpickler never executes class-supplied construction or
// restoration logic. Class references are dispatched over a closed
// variant set (the engine's revertable containers, OrderedDict,
// defaultdict, and the matching builtins) and anything else becomes
// an inert Opaque placeholder that absorbs its payload. This is what
// makes loading archives from untrusted games safe: a save file can
// name any class it likes, but the reader only ever allocates one of
// its own types.
package pickle
