// Copyright 2026 The Saveforge Authors
// SPDX-License-Identifier: Apache-2.0

package pickle

import "encoding/binary"

// HasStringHeader reports whether the bytes immediately before
// data[start] form a string opcode header whose declared length is
// exactly length. Three encodings can hold a variable name:
// SHORT_BINSTRING (opcode + 1-byte length), BINSTRING and BINUNICODE
// (opcode + 4-byte little-endian length). A raw substring match
// without such a header is not a string value, just bytes that
// happen to coincide.
func HasStringHeader(data []byte, start, length int) bool {
	if start >= 2 && data[start-2] == opShortBinString {
		return int(data[start-1]) == length
	}
	if start >= 5 && data[start-5] == opBinString {
		return int(binary.LittleEndian.Uint32(data[start-4:start])) == length
	}
	if start >= 5 && data[start-5] == opBinUnicode {
		return int(binary.LittleEndian.Uint32(data[start-4:start])) == length
	}
	return false
}

// SkipMemo advances pos past any memo-store opcodes: a run of BINPUT
// (opcode + 1-byte index) followed by a run of LONG_BINPUT (opcode +
// 4-byte index). The serializer registers backreferences between a
// key and its value; they are markers, not values.
func SkipMemo(data []byte, pos int) int {
	for pos < len(data) && data[pos] == opBinPut {
		pos += 2
	}
	for pos < len(data) && data[pos] == opLongBinPut {
		pos += 5
	}
	return pos
}
