// Copyright 2026 The Saveforge Authors
// SPDX-License-Identifier: Apache-2.0

package pickle

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
)

// Tag identifies which scalar encoding produced a decoded value.
type Tag uint8

const (
	TagInvalid Tag = iota
	TagBool
	TagBinInt1
	TagBinInt2
	TagBinInt
	TagLong1
	TagLong4
	TagBinFloat
	TagBinString
	TagShortBinString
	TagIntLine
	TagFloatLine
	TagStringLine
)

// String returns the pickle protocol name of the encoding.
func (t Tag) String() string {
	switch t {
	case TagBool:
		return "BOOL"
	case TagBinInt1:
		return "BININT1"
	case TagBinInt2:
		return "BININT2"
	case TagBinInt:
		return "BININT"
	case TagLong1:
		return "LONG1"
	case TagLong4:
		return "LONG4"
	case TagBinFloat:
		return "BINFLOAT"
	case TagBinString:
		return "BINSTRING"
	case TagShortBinString:
		return "SHORT_BINSTRING"
	case TagIntLine:
		return "INT"
	case TagFloatLine:
		return "FLOAT"
	case TagStringLine:
		return "STRING"
	default:
		return fmt.Sprintf("invalid(%d)", uint8(t))
	}
}

// Scalar is a decoded scalar value together with the byte span
// [Start, End) it occupies in the source buffer and the encoding that
// produced it. Integer values are int64 when they fit, *big.Int
// beyond; the other value types are bool, float64, and string.
type Scalar struct {
	Value any
	Start int
	End   int
	Tag   Tag
}

// ErrUnsupportedType is wrapped by EncodeScalar when asked to encode
// a value that has no scalar pickle representation. The wrapping
// error carries the value's runtime type.
var ErrUnsupportedType = errors.New("pickle: unsupported scalar type")

// DecodeScalar attempts to decode a scalar pickle value at data[pos].
// A false return means "not a recognized scalar here" (truncated
// buffer, unknown opcode, or a malformed legacy text form) and is
// not an error; scanning callers probe many positions and most are
// not scalars.
func DecodeScalar(data []byte, pos int) (Scalar, bool) {
	n := len(data)
	if pos < 0 || pos >= n {
		return Scalar{}, false
	}

	switch op := data[pos]; op {
	case opBinInt1:
		if pos+2 <= n {
			return Scalar{Value: int64(data[pos+1]), Start: pos, End: pos + 2, Tag: TagBinInt1}, true
		}

	case opBinInt2:
		if pos+3 <= n {
			value := int64(binary.LittleEndian.Uint16(data[pos+1 : pos+3]))
			return Scalar{Value: value, Start: pos, End: pos + 3, Tag: TagBinInt2}, true
		}

	case opBinInt:
		if pos+5 <= n {
			value := int64(int32(binary.LittleEndian.Uint32(data[pos+1 : pos+5])))
			return Scalar{Value: value, Start: pos, End: pos + 5, Tag: TagBinInt}, true
		}

	case opBinFloat:
		if pos+9 <= n {
			value := math.Float64frombits(binary.BigEndian.Uint64(data[pos+1 : pos+9]))
			return Scalar{Value: value, Start: pos, End: pos + 9, Tag: TagBinFloat}, true
		}

	case opNewTrue:
		return Scalar{Value: true, Start: pos, End: pos + 1, Tag: TagBool}, true

	case opNewFalse:
		return Scalar{Value: false, Start: pos, End: pos + 1, Tag: TagBool}, true

	case opInt:
		if text, end, ok := lineAt(data, pos); ok {
			if value, ok := parseDecimal(text); ok {
				return Scalar{Value: value, Start: pos, End: end, Tag: TagIntLine}, true
			}
		}

	case opFloat:
		if text, end, ok := lineAt(data, pos); ok {
			if value, err := strconv.ParseFloat(text, 64); err == nil {
				return Scalar{Value: value, Start: pos, End: end, Tag: TagFloatLine}, true
			}
		}

	case opLong1:
		if pos+2 <= n {
			length := int(data[pos+1])
			if pos+2+length <= n {
				value := signedLittleEndian(data[pos+2 : pos+2+length])
				return Scalar{Value: value, Start: pos, End: pos + 2 + length, Tag: TagLong1}, true
			}
		}

	case opLong4:
		if pos+5 <= n {
			length := int(binary.LittleEndian.Uint32(data[pos+1 : pos+5]))
			if length >= 0 && pos+5+length <= n {
				value := signedLittleEndian(data[pos+5 : pos+5+length])
				return Scalar{Value: value, Start: pos, End: pos + 5 + length, Tag: TagLong4}, true
			}
		}

	case opBinString:
		if pos+5 <= n {
			length := int(binary.LittleEndian.Uint32(data[pos+1 : pos+5]))
			if length >= 0 && pos+5+length <= n {
				value := latin1String(data[pos+5 : pos+5+length])
				return Scalar{Value: value, Start: pos, End: pos + 5 + length, Tag: TagBinString}, true
			}
		}

	case opShortBinString:
		if pos+2 <= n {
			length := int(data[pos+1])
			if pos+2+length <= n {
				value := latin1String(data[pos+2 : pos+2+length])
				return Scalar{Value: value, Start: pos, End: pos + 2 + length, Tag: TagShortBinString}, true
			}
		}

	case opString:
		if text, end, ok := lineAt(data, pos); ok {
			if value, ok := parseQuotedLine(text); ok {
				return Scalar{Value: value, Start: pos, End: end, Tag: TagStringLine}, true
			}
		}
	}

	return Scalar{}, false
}

// EncodeScalar encodes a scalar value into pickle bytecode, always
// choosing the smallest sufficient modern form: BININT1 for [0, 255],
// BININT2 for [0, 65535], BININT within the 32-bit signed range, and
// LONG4 beyond; BINFLOAT for floats; NEWTRUE/NEWFALSE for booleans;
// SHORT_BINSTRING or BINSTRING for strings. Decoding is deliberately
// more permissive than this (legacy text-line forms, LONG1): the
// consuming engine treats all forms as equivalent, so writes favor
// canonical output.
//
// Strings serialize one byte per code point; runes above U+00FF are
// replaced with '?', matching the engine's own lossy latin-1
// serialization.
func EncodeScalar(v any) ([]byte, error) {
	switch value := v.(type) {
	case bool:
		if value {
			return []byte{opNewTrue}, nil
		}
		return []byte{opNewFalse}, nil

	case int:
		return encodeInt64(int64(value)), nil
	case int8:
		return encodeInt64(int64(value)), nil
	case int16:
		return encodeInt64(int64(value)), nil
	case int32:
		return encodeInt64(int64(value)), nil
	case int64:
		return encodeInt64(value), nil
	case uint:
		return encodeBig(new(big.Int).SetUint64(uint64(value))), nil
	case uint8:
		return encodeInt64(int64(value)), nil
	case uint16:
		return encodeInt64(int64(value)), nil
	case uint32:
		return encodeInt64(int64(value)), nil
	case uint64:
		return encodeBig(new(big.Int).SetUint64(value)), nil
	case *big.Int:
		return encodeBig(value), nil

	case float32:
		return encodeFloat(float64(value)), nil
	case float64:
		return encodeFloat(value), nil

	case string:
		return encodeString(value), nil
	}

	return nil, fmt.Errorf("%w: %T", ErrUnsupportedType, v)
}

func encodeInt64(v int64) []byte {
	switch {
	case v >= 0 && v <= 0xFF:
		return []byte{opBinInt1, byte(v)}
	case v >= 0 && v <= 0xFFFF:
		out := []byte{opBinInt2, 0, 0}
		binary.LittleEndian.PutUint16(out[1:], uint16(v))
		return out
	case v >= math.MinInt32 && v <= math.MaxInt32:
		out := []byte{opBinInt, 0, 0, 0, 0}
		binary.LittleEndian.PutUint32(out[1:], uint32(int32(v)))
		return out
	default:
		return encodeLong4(big.NewInt(v))
	}
}

func encodeBig(v *big.Int) []byte {
	if v.IsInt64() {
		return encodeInt64(v.Int64())
	}
	return encodeLong4(v)
}

func encodeLong4(v *big.Int) []byte {
	magnitude := twosComplementLittleEndian(v)
	out := make([]byte, 5, 5+len(magnitude))
	out[0] = opLong4
	binary.LittleEndian.PutUint32(out[1:], uint32(len(magnitude)))
	return append(out, magnitude...)
}

func encodeFloat(v float64) []byte {
	out := []byte{opBinFloat, 0, 0, 0, 0, 0, 0, 0, 0}
	binary.BigEndian.PutUint64(out[1:], math.Float64bits(v))
	return out
}

func encodeString(v string) []byte {
	encoded := latin1Bytes(v)
	if len(encoded) <= 255 {
		out := make([]byte, 2, 2+len(encoded))
		out[0] = opShortBinString
		out[1] = byte(len(encoded))
		return append(out, encoded...)
	}
	out := make([]byte, 5, 5+len(encoded))
	out[0] = opBinString
	binary.LittleEndian.PutUint32(out[1:], uint32(len(encoded)))
	return append(out, encoded...)
}

// lineAt returns the ASCII text between data[pos]+1 and the next
// newline, along with the position one past the newline. Fails on a
// missing terminator or non-ASCII bytes.
func lineAt(data []byte, pos int) (string, int, bool) {
	for i := pos + 1; i < len(data); i++ {
		if data[i] == '\n' {
			line := data[pos+1 : i]
			for _, b := range line {
				if b >= 0x80 {
					return "", 0, false
				}
			}
			return string(line), i + 1, true
		}
	}
	return "", 0, false
}

// parseDecimal parses a decimal integer of arbitrary size, returning
// int64 when it fits and *big.Int beyond.
func parseDecimal(text string) (any, bool) {
	if value, err := strconv.ParseInt(text, 10, 64); err == nil {
		return value, true
	}
	if value, ok := new(big.Int).SetString(text, 10); ok {
		return value, true
	}
	return nil, false
}

// parseQuotedLine parses the legacy STRING form: the text must be
// wrapped in single quotes, with apostrophes escaped as \'.
func parseQuotedLine(text string) (string, bool) {
	if len(text) < 2 || text[0] != '\'' || text[len(text)-1] != '\'' {
		return "", false
	}
	return strings.ReplaceAll(text[1:len(text)-1], `\'`, `'`), true
}

// signedLittleEndian interprets b as a little-endian two's complement
// integer (the LONG1/LONG4 payload). The result is int64 when it
// fits, *big.Int beyond. An empty payload is zero.
func signedLittleEndian(b []byte) any {
	if len(b) == 0 {
		return int64(0)
	}
	reversed := make([]byte, len(b))
	for i, by := range b {
		reversed[len(b)-1-i] = by
	}
	value := new(big.Int).SetBytes(reversed)
	if b[len(b)-1]&0x80 != 0 {
		offset := new(big.Int).Lsh(big.NewInt(1), uint(8*len(b)))
		value.Sub(value, offset)
	}
	if value.IsInt64() {
		return value.Int64()
	}
	return value
}

// twosComplementLittleEndian encodes v in the minimal signed
// little-endian form used by LONG payloads: the byte length always
// leaves room for the sign bit, and zero encodes as a single zero
// byte.
func twosComplementLittleEndian(v *big.Int) []byte {
	length := (v.BitLen() + 8) / 8
	if length == 0 {
		length = 1
	}
	adjusted := v
	if v.Sign() < 0 {
		offset := new(big.Int).Lsh(big.NewInt(1), uint(8*length))
		adjusted = new(big.Int).Add(v, offset)
	}
	bigEndian := adjusted.FillBytes(make([]byte, length))
	out := make([]byte, length)
	for i, by := range bigEndian {
		out[length-1-i] = by
	}
	return out
}

// latin1String converts raw bytes to a string mapping each byte
// losslessly to the code point of the same value.
func latin1String(b []byte) string {
	runes := make([]rune, len(b))
	for i, by := range b {
		runes[i] = rune(by)
	}
	return string(runes)
}

// latin1Bytes converts a string to one byte per code point, replacing
// runes above U+00FF with '?'.
func latin1Bytes(s string) []byte {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		if r > 0xFF {
			out = append(out, '?')
		} else {
			out = append(out, byte(r))
		}
	}
	return out
}
