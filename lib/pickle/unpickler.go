// Copyright 2026 The Saveforge Authors
// SPDX-License-Identifier: Apache-2.0

package pickle

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// ErrCorruptGraph is returned when the deserialized log's root object
// is not a variable mapping.
var ErrCorruptGraph = errors.New("pickle: save log root is not a variable mapping")

// StorePrefix marks user-visible game state in the root mapping.
// Ren'Py qualifies every user variable with this namespace.
const StorePrefix = "store."

// Tuple is a restored fixed-length sequence.
type Tuple []any

// List is a restored mutable sequence. Kept behind a pointer so memo
// backreferences and APPENDS observe the same instance.
type List struct {
	Items []any
}

// Dict is a restored mapping. All mapping variants (plain dict, the
// engine's revertable dict, OrderedDict, defaultdict) restore into
// this one type; the variant only changes how BUILD state is applied.
type Dict struct {
	kind  classKind
	Items map[any]any
}

// Set is a restored set or frozenset.
type Set struct {
	Items []any
}

// Opaque is the inert placeholder for class references outside the
// known container variants. It accepts construction arguments,
// appended items, stored entries, and a BUILD state, and discards all
// of them: no third-party construction or restoration logic ever
// runs. Opaque values are excluded from the editable table.
type Opaque struct {
	Module string
	Name   string

	state any
	items []any
}

// classKind is the closed variant set for class dispatch.
type classKind uint8

const (
	kindOpaque classKind = iota
	kindList
	kindDict
	kindSet
	kindOrderedDict
	kindDefaultDict
)

// class is a restored class reference, pre-classified into a variant.
type class struct {
	module string
	name   string
	kind   classKind
}

// knownClasses maps exact (module, name) pairs to container variants.
// The engine's revertable containers restore like their builtin
// counterparts for reading purposes; everything else is opaque.
var knownClasses = map[[2]string]classKind{
	{"renpy.revertable", "RevertableList"}: kindList,
	{"renpy.revertable", "RevertableDict"}: kindDict,
	{"renpy.revertable", "RevertableSet"}:  kindSet,
	{"collections", "OrderedDict"}:         kindOrderedDict,
	{"collections", "defaultdict"}:         kindDefaultDict,
	{"builtins", "dict"}:                   kindDict,
	{"builtins", "list"}:                   kindList,
	{"builtins", "set"}:                    kindSet,
	{"builtins", "frozenset"}:              kindSet,
}

// bareClasses is the fallback for cross-version module drift: older
// engine versions pickled the revertable containers under different
// module paths, so the bare type name alone selects the variant.
var bareClasses = map[string]classKind{
	"RevertableList": kindList,
	"RevertableDict": kindDict,
	"RevertableSet":  kindSet,
}

func classify(module, name string) classKind {
	if kind, ok := knownClasses[[2]string{module, name}]; ok {
		return kind
	}
	if kind, ok := bareClasses[name]; ok {
		return kind
	}
	return kindOpaque
}

// syntheticKey stands in for dictionary keys that are not comparable
// Go values (tuples, byte strings, restored objects). The original
// key is unrecoverable, which is fine: only string keys are ever
// exposed through the editable table.
type syntheticKey string

// dictKey normalizes a restored value for use as a Go map key.
func dictKey(k any) any {
	switch key := k.(type) {
	case nil, bool, int64, float64, string:
		return k
	case *big.Int:
		return syntheticKey("long:" + key.String())
	default:
		return syntheticKey(fmt.Sprintf("%T:%v", k, k))
	}
}

// Deserialize reads a save log and returns its editable table: the
// top-level bindings whose name carries the store prefix and whose
// value is a scalar. The table is a fresh snapshot on every call;
// patching never goes through it.
func Deserialize(data []byte) (map[string]any, error) {
	root, err := Unpickle(data)
	if err != nil {
		return nil, err
	}
	return Variables(root)
}

// Variables filters a restored root object down to the editable
// table. The root may be the engine's (roots, log) pair, in which
// case the mapping is its first element, or a bare mapping. Anything
// else
// fails with ErrCorruptGraph.
func Variables(root any) (map[string]any, error) {
	if pair, ok := root.(Tuple); ok && len(pair) > 0 {
		root = pair[0]
	}
	dict, ok := root.(*Dict)
	if !ok {
		return nil, fmt.Errorf("%w (got %T)", ErrCorruptGraph, root)
	}

	table := make(map[string]any)
	for key, value := range dict.Items {
		name, ok := key.(string)
		if !ok || !strings.HasPrefix(name, StorePrefix) {
			continue
		}
		switch value.(type) {
		case int64, *big.Int, float64, bool, string:
			table[name] = value
		}
	}
	return table, nil
}

// Unpickle runs the restricted pickle machine over data and returns
// the restored root object. The opcode set covers what the engine
// actually emits (protocol 2, plus the protocol 4 opcodes newer
// Python runtimes mix in); an opcode outside that set is a hard
// error, not a skip.
func Unpickle(data []byte) (any, error) {
	u := &unpickler{data: data, memo: make(map[int]any)}
	return u.run()
}

type unpickler struct {
	data  []byte
	pos   int
	stack []any
	marks []int
	memo  map[int]any
}

func (u *unpickler) run() (any, error) {
	for {
		opPos := u.pos
		op, err := u.readByte()
		if err != nil {
			return nil, err
		}

		switch op {
		case opProto:
			version, err := u.readByte()
			if err != nil {
				return nil, err
			}
			if version > 5 {
				return nil, fmt.Errorf("pickle: unsupported protocol version %d", version)
			}

		case opFrame:
			// Frame length is advisory; the machine reads linearly.
			if _, err := u.readBytes(8); err != nil {
				return nil, err
			}

		case opStop:
			return u.pop()

		case opMark:
			u.marks = append(u.marks, len(u.stack))

		case opPop:
			if _, err := u.pop(); err != nil {
				return nil, err
			}

		case opPopMark:
			if _, err := u.popMark(); err != nil {
				return nil, err
			}

		case opDup:
			top, err := u.top()
			if err != nil {
				return nil, err
			}
			u.push(top)

		case opNone:
			u.push(nil)

		case opBinInt1, opBinInt2, opBinInt, opBinFloat, opNewTrue, opNewFalse,
			opInt, opFloat, opLong1, opLong4, opBinString, opShortBinString, opString:
			scalar, ok := DecodeScalar(u.data, opPos)
			if !ok {
				return nil, fmt.Errorf("pickle: malformed %q scalar at offset %d", op, opPos)
			}
			u.push(scalar.Value)
			u.pos = scalar.End

		case opLong:
			line, err := u.readLine()
			if err != nil {
				return nil, err
			}
			text := strings.TrimSuffix(line, "L")
			value, ok := parseDecimal(text)
			if !ok {
				return nil, fmt.Errorf("pickle: malformed LONG %q at offset %d", line, opPos)
			}
			u.push(value)

		case opUnicode:
			line, err := u.readLine()
			if err != nil {
				return nil, err
			}
			u.push(line)

		case opBinUnicode:
			payload, err := u.readLengthPrefixed(4)
			if err != nil {
				return nil, err
			}
			u.push(string(payload))

		case opShortBinUnicode:
			payload, err := u.readLengthPrefixed(1)
			if err != nil {
				return nil, err
			}
			u.push(string(payload))

		case opBinUnicode8:
			payload, err := u.readLengthPrefixed(8)
			if err != nil {
				return nil, err
			}
			u.push(string(payload))

		case opBinBytes:
			payload, err := u.readLengthPrefixed(4)
			if err != nil {
				return nil, err
			}
			u.push(payload)

		case opShortBinBytes:
			payload, err := u.readLengthPrefixed(1)
			if err != nil {
				return nil, err
			}
			u.push(payload)

		case opEmptyDict:
			u.push(newDict(kindDict))

		case opDict:
			items, err := u.popMark()
			if err != nil {
				return nil, err
			}
			dict := newDict(kindDict)
			if err := dict.setPairs(items); err != nil {
				return nil, err
			}
			u.push(dict)

		case opSetItem:
			value, err := u.pop()
			if err != nil {
				return nil, err
			}
			key, err := u.pop()
			if err != nil {
				return nil, err
			}
			if err := u.storeItems([]any{key, value}); err != nil {
				return nil, err
			}

		case opSetItems:
			items, err := u.popMark()
			if err != nil {
				return nil, err
			}
			if err := u.storeItems(items); err != nil {
				return nil, err
			}

		case opEmptyList:
			u.push(&List{})

		case opList:
			items, err := u.popMark()
			if err != nil {
				return nil, err
			}
			u.push(&List{Items: items})

		case opAppend:
			value, err := u.pop()
			if err != nil {
				return nil, err
			}
			if err := u.appendItems([]any{value}); err != nil {
				return nil, err
			}

		case opAppends:
			items, err := u.popMark()
			if err != nil {
				return nil, err
			}
			if err := u.appendItems(items); err != nil {
				return nil, err
			}

		case opEmptyTuple:
			u.push(Tuple{})

		case opTuple:
			items, err := u.popMark()
			if err != nil {
				return nil, err
			}
			u.push(Tuple(items))

		case opTuple1, opTuple2, opTuple3:
			count := int(op-opTuple1) + 1
			if len(u.stack) < count {
				return nil, fmt.Errorf("pickle: stack underflow at offset %d", opPos)
			}
			items := make(Tuple, count)
			copy(items, u.stack[len(u.stack)-count:])
			u.stack = u.stack[:len(u.stack)-count]
			u.push(items)

		case opEmptySet:
			u.push(&Set{})

		case opFrozenSet:
			items, err := u.popMark()
			if err != nil {
				return nil, err
			}
			u.push(&Set{Items: items})

		case opAddItems:
			items, err := u.popMark()
			if err != nil {
				return nil, err
			}
			if err := u.addItems(items); err != nil {
				return nil, err
			}

		case opPut:
			line, err := u.readLine()
			if err != nil {
				return nil, err
			}
			index, err := strconv.Atoi(line)
			if err != nil {
				return nil, fmt.Errorf("pickle: malformed PUT index %q at offset %d", line, opPos)
			}
			if err := u.memoize(index); err != nil {
				return nil, err
			}

		case opBinPut:
			index, err := u.readByte()
			if err != nil {
				return nil, err
			}
			if err := u.memoize(int(index)); err != nil {
				return nil, err
			}

		case opLongBinPut:
			payload, err := u.readBytes(4)
			if err != nil {
				return nil, err
			}
			if err := u.memoize(int(binary.LittleEndian.Uint32(payload))); err != nil {
				return nil, err
			}

		case opMemoize:
			if err := u.memoize(len(u.memo)); err != nil {
				return nil, err
			}

		case opGet:
			line, err := u.readLine()
			if err != nil {
				return nil, err
			}
			index, err := strconv.Atoi(line)
			if err != nil {
				return nil, fmt.Errorf("pickle: malformed GET index %q at offset %d", line, opPos)
			}
			if err := u.pushMemo(index, opPos); err != nil {
				return nil, err
			}

		case opBinGet:
			index, err := u.readByte()
			if err != nil {
				return nil, err
			}
			if err := u.pushMemo(int(index), opPos); err != nil {
				return nil, err
			}

		case opLongBinGet:
			payload, err := u.readBytes(4)
			if err != nil {
				return nil, err
			}
			if err := u.pushMemo(int(binary.LittleEndian.Uint32(payload)), opPos); err != nil {
				return nil, err
			}

		case opGlobal:
			module, err := u.readLine()
			if err != nil {
				return nil, err
			}
			name, err := u.readLine()
			if err != nil {
				return nil, err
			}
			u.push(&class{module: module, name: name, kind: classify(module, name)})

		case opStackGlobal:
			nameValue, err := u.pop()
			if err != nil {
				return nil, err
			}
			moduleValue, err := u.pop()
			if err != nil {
				return nil, err
			}
			module, moduleOK := moduleValue.(string)
			name, nameOK := nameValue.(string)
			if !moduleOK || !nameOK {
				return nil, fmt.Errorf("pickle: STACK_GLOBAL operands are not strings at offset %d", opPos)
			}
			u.push(&class{module: module, name: name, kind: classify(module, name)})

		case opReduce:
			if _, err := u.pop(); err != nil { // constructor args, discarded
				return nil, err
			}
			callable, err := u.pop()
			if err != nil {
				return nil, err
			}
			u.push(instantiate(callable))

		case opNewObj:
			if _, err := u.pop(); err != nil { // constructor args, discarded
				return nil, err
			}
			cls, err := u.pop()
			if err != nil {
				return nil, err
			}
			u.push(instantiate(cls))

		case opNewObjEx:
			for i := 0; i < 2; i++ { // kwargs then args, discarded
				if _, err := u.pop(); err != nil {
					return nil, err
				}
			}
			cls, err := u.pop()
			if err != nil {
				return nil, err
			}
			u.push(instantiate(cls))

		case opBuild:
			state, err := u.pop()
			if err != nil {
				return nil, err
			}
			target, err := u.top()
			if err != nil {
				return nil, err
			}
			if err := applyState(target, state, opPos); err != nil {
				return nil, err
			}

		default:
			return nil, fmt.Errorf("pickle: unsupported opcode 0x%02x at offset %d", op, opPos)
		}
	}
}

// instantiate builds the in-memory stand-in for a restored object.
// Construction arguments are always discarded: the known container
// variants start empty and fill in via BUILD or the container item
// opcodes, and opaque placeholders absorb everything.
func instantiate(callable any) any {
	cls, ok := callable.(*class)
	if !ok {
		return &Opaque{}
	}
	switch cls.kind {
	case kindList:
		return &List{}
	case kindDict, kindOrderedDict, kindDefaultDict:
		return newDict(cls.kind)
	case kindSet:
		return &Set{}
	default:
		return &Opaque{Module: cls.module, Name: cls.name}
	}
}

// applyState mirrors the container variants' restore behavior. A
// state of an unexpected shape is ignored, not an error: real
// archives carry version-to-version drift in restored state, and the
// reader only needs the shapes it can use.
func applyState(target, state any, offset int) error {
	switch object := target.(type) {
	case *Opaque:
		object.state = state

	case *List:
		if first, ok := firstStateElement(state); ok {
			if items, ok := sequenceItems(first); ok {
				object.Items = append(object.Items, items...)
			}
		}

	case *Dict:
		object.applyState(state)

	case *Set:
		if first, ok := firstStateElement(state); ok {
			switch value := first.(type) {
			case *List:
				object.Items = append(object.Items, value.Items...)
			case Tuple:
				object.Items = append(object.Items, value...)
			case *Set:
				object.Items = append(object.Items, value.Items...)
			}
		}

	default:
		return fmt.Errorf("pickle: BUILD target %T is not an object at offset %d", target, offset)
	}
	return nil
}

func newDict(kind classKind) *Dict {
	return &Dict{kind: kind, Items: make(map[any]any)}
}

func (d *Dict) setPairs(items []any) error {
	if len(items)%2 != 0 {
		return fmt.Errorf("pickle: odd number of dictionary items (%d)", len(items))
	}
	for i := 0; i < len(items); i += 2 {
		d.Items[dictKey(items[i])] = items[i+1]
	}
	return nil
}

func (d *Dict) update(other *Dict) {
	for key, value := range other.Items {
		d.Items[key] = value
	}
}

// applyState restores BUILD state per mapping variant: plain and
// revertable dicts take a mapping (or a sequence whose first element
// is one), defaultdict takes a (factory, mapping) pair, OrderedDict
// takes a mapping or a key/value pair list.
func (d *Dict) applyState(state any) {
	switch d.kind {
	case kindDefaultDict:
		pair, ok := state.(Tuple)
		if ok && len(pair) == 2 {
			if mapping, ok := pair[1].(*Dict); ok {
				d.update(mapping)
			}
		}

	case kindOrderedDict:
		switch value := state.(type) {
		case *Dict:
			d.update(value)
		case *List:
			for _, item := range value.Items {
				if pair, ok := item.(Tuple); ok && len(pair) == 2 {
					d.Items[dictKey(pair[0])] = pair[1]
				}
			}
		}

	default:
		if mapping, ok := state.(*Dict); ok {
			d.update(mapping)
			return
		}
		if first, ok := firstStateElement(state); ok {
			if mapping, ok := first.(*Dict); ok {
				d.update(mapping)
			}
		}
	}
}

// firstStateElement unwraps the common "state is a sequence whose
// first element carries the payload" shape.
func firstStateElement(state any) (any, bool) {
	items, ok := sequenceItems(state)
	if !ok || len(items) == 0 {
		return nil, false
	}
	return items[0], true
}

func sequenceItems(value any) ([]any, bool) {
	switch sequence := value.(type) {
	case Tuple:
		return sequence, true
	case *List:
		return sequence.Items, true
	}
	return nil, false
}

// storeItems applies SETITEM(S) pairs to the container on top of the
// stack.
func (u *unpickler) storeItems(items []any) error {
	target, err := u.top()
	if err != nil {
		return err
	}
	switch object := target.(type) {
	case *Dict:
		return object.setPairs(items)
	case *Opaque:
		object.items = append(object.items, items...)
		return nil
	}
	return fmt.Errorf("pickle: SETITEMS target %T is not a mapping", target)
}

// appendItems applies APPEND(S) items to the sequence on top of the
// stack.
func (u *unpickler) appendItems(items []any) error {
	target, err := u.top()
	if err != nil {
		return err
	}
	switch object := target.(type) {
	case *List:
		object.Items = append(object.Items, items...)
		return nil
	case *Opaque:
		object.items = append(object.items, items...)
		return nil
	}
	return fmt.Errorf("pickle: APPENDS target %T is not a sequence", target)
}

// addItems applies ADDITEMS entries to the set on top of the stack.
func (u *unpickler) addItems(items []any) error {
	target, err := u.top()
	if err != nil {
		return err
	}
	switch object := target.(type) {
	case *Set:
		object.Items = append(object.Items, items...)
		return nil
	case *Opaque:
		object.items = append(object.items, items...)
		return nil
	}
	return fmt.Errorf("pickle: ADDITEMS target %T is not a set", target)
}

func (u *unpickler) push(value any) {
	u.stack = append(u.stack, value)
}

func (u *unpickler) pop() (any, error) {
	if len(u.stack) == 0 {
		return nil, fmt.Errorf("pickle: stack underflow at offset %d", u.pos)
	}
	value := u.stack[len(u.stack)-1]
	u.stack = u.stack[:len(u.stack)-1]
	return value, nil
}

func (u *unpickler) top() (any, error) {
	if len(u.stack) == 0 {
		return nil, fmt.Errorf("pickle: stack underflow at offset %d", u.pos)
	}
	return u.stack[len(u.stack)-1], nil
}

// popMark removes and returns all stack entries above the most
// recent mark.
func (u *unpickler) popMark() ([]any, error) {
	if len(u.marks) == 0 {
		return nil, fmt.Errorf("pickle: no mark on stack at offset %d", u.pos)
	}
	mark := u.marks[len(u.marks)-1]
	u.marks = u.marks[:len(u.marks)-1]
	items := make([]any, len(u.stack)-mark)
	copy(items, u.stack[mark:])
	u.stack = u.stack[:mark]
	return items, nil
}

func (u *unpickler) memoize(index int) error {
	top, err := u.top()
	if err != nil {
		return err
	}
	u.memo[index] = top
	return nil
}

func (u *unpickler) pushMemo(index, offset int) error {
	value, ok := u.memo[index]
	if !ok {
		return fmt.Errorf("pickle: memo backreference %d is unset at offset %d", index, offset)
	}
	u.push(value)
	return nil
}

func (u *unpickler) readByte() (byte, error) {
	if u.pos >= len(u.data) {
		return 0, fmt.Errorf("pickle: truncated stream at offset %d", u.pos)
	}
	b := u.data[u.pos]
	u.pos++
	return b, nil
}

func (u *unpickler) readBytes(count int) ([]byte, error) {
	if count < 0 || u.pos+count > len(u.data) {
		return nil, fmt.Errorf("pickle: truncated stream at offset %d (need %d bytes)", u.pos, count)
	}
	payload := u.data[u.pos : u.pos+count]
	u.pos += count
	return payload, nil
}

// readLengthPrefixed reads a payload preceded by a little-endian
// length of the given width.
func (u *unpickler) readLengthPrefixed(width int) ([]byte, error) {
	prefix, err := u.readBytes(width)
	if err != nil {
		return nil, err
	}
	var length uint64
	switch width {
	case 1:
		length = uint64(prefix[0])
	case 4:
		length = uint64(binary.LittleEndian.Uint32(prefix))
	case 8:
		length = binary.LittleEndian.Uint64(prefix)
	}
	if length > uint64(len(u.data)-u.pos) {
		return nil, fmt.Errorf("pickle: truncated stream at offset %d (need %d bytes)", u.pos, length)
	}
	return u.readBytes(int(length))
}

func (u *unpickler) readLine() (string, error) {
	for i := u.pos; i < len(u.data); i++ {
		if u.data[i] == '\n' {
			line := latin1String(u.data[u.pos:i])
			u.pos = i + 1
			return line, nil
		}
	}
	return "", fmt.Errorf("pickle: unterminated line at offset %d", u.pos)
}
