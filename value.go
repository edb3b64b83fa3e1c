package dynbus

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind is the type of a [Value].
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt32
	KindString
	KindArray
	KindMap
)

var kindNames = [...]string{
	KindNull:   "null",
	KindBool:   "bool",
	KindInt32:  "int32",
	KindString: "string",
	KindArray:  "array",
	KindMap:    "map",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind" + strconv.Itoa(int(k))
}

// IsScalar reports whether k is one of the scalar kinds that have a
// DBus basic type: bool, int32 or string.
func (k Kind) IsScalar() bool {
	return k == KindBool || k == KindInt32 || k == KindString
}

// IsCompound reports whether k is an array or a map.
func (k Kind) IsCompound() bool {
	return k == KindArray || k == KindMap
}

// A Value is a dynamically typed value, as exchanged with a host
// scripting environment.
//
// The zero Value is Null. Values are immutable once constructed, and
// are safe to share by value.
type Value struct {
	kind  Kind
	b     bool
	i     int32
	s     string
	elems []Value
	pairs []Pair
}

// A Pair is one key/value entry of a map Value.
type Pair struct {
	Key   Value
	Value Value
}

// Null returns the Null value.
func Null() Value { return Value{} }

// Bool returns a boolean Value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Int32 returns a 32-bit integer Value.
func Int32(i int32) Value { return Value{kind: KindInt32, i: i} }

// Str returns a string Value.
func Str(s string) Value { return Value{kind: KindString, s: s} }

// Array returns an array Value containing elems, in order.
func Array(elems ...Value) Value {
	return Value{kind: KindArray, elems: elems}
}

// Map returns a map Value containing pairs, in order. Map does not
// check that keys are unique.
func Map(pairs ...Pair) Value {
	return Value{kind: KindMap, pairs: pairs}
}

// P is shorthand for constructing a Pair.
func P(key, value Value) Pair {
	return Pair{key, value}
}

// Kind returns the kind of v.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is Null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Bool returns v's boolean value. It returns false if v is not a
// bool.
func (v Value) Bool() bool { return v.b }

// Int32 returns v's integer value. It returns 0 if v is not an int32.
func (v Value) Int32() int32 { return v.i }

// Str returns v's string value. It returns "" if v is not a string.
func (v Value) Str() string { return v.s }

// Elems returns the elements of an array value. It returns nil for
// other kinds.
func (v Value) Elems() []Value { return v.elems }

// Pairs returns the entries of a map value. It returns nil for other
// kinds.
func (v Value) Pairs() []Pair { return v.pairs }

// Len returns the number of elements of an array, the number of
// entries of a map, and 0 for everything else.
func (v Value) Len() int {
	switch v.kind {
	case KindArray:
		return len(v.elems)
	case KindMap:
		return len(v.pairs)
	default:
		return 0
	}
}

// Lookup returns the value associated with key in a map value. If
// the map contains key more than once, the last entry wins, matching
// the behavior of a host table built from the same pairs.
func (v Value) Lookup(key Value) (Value, bool) {
	var (
		ret   Value
		found bool
	)
	for _, p := range v.pairs {
		if p.Key.Equal(key) {
			ret, found = p.Value, true
		}
	}
	return ret, found
}

// Equal reports whether v and o are the same kind and hold equal
// contents. Compound values are compared element by element, in
// order.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindInt32:
		return v.i == o.i
	case KindString:
		return v.s == o.s
	case KindArray:
		if len(v.elems) != len(o.elems) {
			return false
		}
		for i := range v.elems {
			if !v.elems[i].Equal(o.elems[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.pairs) != len(o.pairs) {
			return false
		}
		for i := range v.pairs {
			if !v.pairs[i].Key.Equal(o.pairs[i].Key) || !v.pairs[i].Value.Equal(o.pairs[i].Value) {
				return false
			}
		}
		return true
	}
	return false
}

// String returns a compact human-readable rendering of v.
func (v Value) String() string {
	var b strings.Builder
	v.format(&b)
	return b.String()
}

func (v Value) format(b *strings.Builder) {
	switch v.kind {
	case KindNull:
		b.WriteString("null")
	case KindBool:
		b.WriteString(strconv.FormatBool(v.b))
	case KindInt32:
		b.WriteString(strconv.FormatInt(int64(v.i), 10))
	case KindString:
		b.WriteString(strconv.Quote(v.s))
	case KindArray:
		b.WriteByte('[')
		for i, e := range v.elems {
			if i > 0 {
				b.WriteString(", ")
			}
			e.format(b)
		}
		b.WriteByte(']')
	case KindMap:
		b.WriteByte('{')
		for i, p := range v.pairs {
			if i > 0 {
				b.WriteString(", ")
			}
			p.Key.format(b)
			b.WriteString(": ")
			p.Value.format(b)
		}
		b.WriteByte('}')
	default:
		fmt.Fprintf(b, "<%s>", v.kind)
	}
}

// GoString implements [fmt.GoStringer], so that test failures and
// pretty printers show the constructor form of a value.
func (v Value) GoString() string {
	var b strings.Builder
	v.goString(&b)
	return b.String()
}

func (v Value) goString(b *strings.Builder) {
	switch v.kind {
	case KindNull:
		b.WriteString("Null()")
	case KindBool:
		fmt.Fprintf(b, "Bool(%v)", v.b)
	case KindInt32:
		fmt.Fprintf(b, "Int32(%d)", v.i)
	case KindString:
		fmt.Fprintf(b, "Str(%q)", v.s)
	case KindArray:
		b.WriteString("Array(")
		for i, e := range v.elems {
			if i > 0 {
				b.WriteString(", ")
			}
			e.goString(b)
		}
		b.WriteByte(')')
	case KindMap:
		b.WriteString("Map(")
		for i, p := range v.pairs {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString("P(")
			p.Key.goString(b)
			b.WriteString(", ")
			p.Value.goString(b)
			b.WriteByte(')')
		}
		b.WriteByte(')')
	default:
		fmt.Fprintf(b, "Value{kind: %d}", v.kind)
	}
}
