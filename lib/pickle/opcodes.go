// Copyright 2026 The Saveforge Authors
// SPDX-License-Identifier: Apache-2.0

package pickle

// Pickle opcode bytes. Names follow the CPython pickle module. These
// values are protocol constants: Ren'Py writes protocol 2 streams,
// with a handful of protocol 4 opcodes tolerated for forward
// compatibility.
const (
	opProto           = 0x80 // protocol version marker
	opFrame           = 0x95 // protocol 4 frame header (length ignored)
	opStop            = '.'  // end of stream, result on top of stack
	opMark            = '('  // push mark for variadic container ops
	opPop             = '0'
	opPopMark         = '1'
	opDup             = '2'
	opNone            = 'N'
	opNewTrue         = 0x88
	opNewFalse        = 0x89
	opInt             = 'I' // newline-terminated decimal integer
	opBinInt          = 'J' // 4-byte little-endian signed
	opBinInt1         = 'K' // 1-byte unsigned
	opBinInt2         = 'M' // 2-byte little-endian unsigned
	opLong            = 'L' // newline-terminated decimal, trailing 'L' allowed
	opLong1           = 0x8a // 1-byte length + little-endian two's complement
	opLong4           = 0x8b // 4-byte length + little-endian two's complement
	opFloat           = 'F' // newline-terminated decimal float
	opBinFloat        = 'G' // 8-byte big-endian IEEE-754
	opString          = 'S' // newline-terminated quoted string
	opBinString       = 'T' // 4-byte length + latin-1 bytes
	opShortBinString  = 'U' // 1-byte length + latin-1 bytes
	opUnicode         = 'V' // newline-terminated raw-unicode-escape
	opBinUnicode      = 'X' // 4-byte length + UTF-8 bytes
	opShortBinUnicode = 0x8c // 1-byte length + UTF-8 bytes
	opBinUnicode8     = 0x8d // 8-byte length + UTF-8 bytes
	opBinBytes        = 'B' // 4-byte length + raw bytes
	opShortBinBytes   = 'C' // 1-byte length + raw bytes
	opEmptyDict       = '}'
	opDict            = 'd'
	opSetItem         = 's'
	opSetItems        = 'u'
	opEmptyList       = ']'
	opList            = 'l'
	opAppend          = 'a'
	opAppends         = 'e'
	opEmptyTuple      = ')'
	opTuple           = 't'
	opTuple1          = 0x85
	opTuple2          = 0x86
	opTuple3          = 0x87
	opEmptySet        = 0x8f
	opFrozenSet       = 0x91
	opAddItems        = 0x90
	opPut             = 'p' // newline-terminated decimal memo index
	opBinPut          = 'q' // 1-byte memo index
	opLongBinPut      = 'r' // 4-byte little-endian memo index
	opGet             = 'g'
	opBinGet          = 'h'
	opLongBinGet      = 'j'
	opMemoize         = 0x94 // memo at next index
	opGlobal          = 'c'  // module\nname\n
	opStackGlobal     = 0x93
	opReduce          = 'R'
	opNewObj          = 0x81
	opNewObjEx        = 0x92
	opBuild           = 'b'
)
