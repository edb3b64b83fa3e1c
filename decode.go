package dynbus

import "fmt"

// UnsupportedType is the string value that DBus values with no
// [Value] mapping decode to.
//
// Only booleans, 32-bit signed integers, strings, arrays and dict
// entries have a mapping. Everything else, including bytes, other
// integer widths, doubles, object paths, signatures, variants and
// structs, is replaced by this placeholder. Decoding continues past
// the unsupported value.
const UnsupportedType = "unsupported_type"

// Decode reads the remaining elements of it, and returns them as a
// Value.
//
// The result is an array Value holding one entry per element, except
// when it iterates over an array of dict entries, in which case the
// entries are folded into a map Value in wire order. Nested arrays
// and dictionaries decode recursively into nested Values.
//
// Decode returns [MalformedPairError] if a container mixes dict
// entries with plain elements, or a dict entry does not hold exactly
// one key and one value.
func Decode(it *ArgIter) (Value, error) {
	acc := accumulator{isMap: it.ElemType() == TypeDictEntry}

	for t := it.Type(); t != TypeInvalid; t = it.Type() {
		switch t {
		case TypeBoolean:
			b, err := it.Bool()
			if err != nil {
				return Value{}, err
			}
			if err := acc.add(Bool(b)); err != nil {
				return Value{}, err
			}
		case TypeInt32:
			i, err := it.Int32()
			if err != nil {
				return Value{}, err
			}
			if err := acc.add(Int32(i)); err != nil {
				return Value{}, err
			}
		case TypeString:
			s, err := it.String()
			if err != nil {
				return Value{}, err
			}
			if err := acc.add(Str(s)); err != nil {
				return Value{}, err
			}
		case TypeArray:
			sub, err := it.Recurse()
			if err != nil {
				return Value{}, err
			}
			v, err := Decode(sub)
			if err != nil {
				return Value{}, err
			}
			if err := acc.add(v); err != nil {
				return Value{}, err
			}
		case TypeDictEntry:
			sub, err := it.Recurse()
			if err != nil {
				return Value{}, err
			}
			kv, err := Decode(sub)
			if err != nil {
				return Value{}, err
			}
			if kv.Len() != 2 || kv.Kind() != KindArray {
				return Value{}, MalformedPairError{kv.Len()}
			}
			if err := acc.fold(kv.Elems()[0], kv.Elems()[1]); err != nil {
				return Value{}, err
			}
		default:
			if err := acc.add(Str(UnsupportedType)); err != nil {
				return Value{}, err
			}
		}
		it.Next()
	}
	if err := it.Err(); err != nil {
		return Value{}, err
	}

	return acc.value(), nil
}

// DecodeArgs decodes the body of msg into one Value per top-level
// argument.
func DecodeArgs(msg *Message) ([]Value, error) {
	it, err := msg.Args()
	if err != nil {
		return nil, err
	}
	v, err := Decode(it)
	if err != nil {
		return nil, fmt.Errorf("decoding %s body: %w", msg.Type, err)
	}
	return v.Elems(), nil
}

// accumulator collects the values decoded from one container. It
// starts out as an array, and turns into a map when the first dict
// entry is folded into it.
type accumulator struct {
	elems []Value
	pairs []Pair
	isMap bool
}

func (a *accumulator) add(v Value) error {
	if a.isMap {
		return MalformedPairError{-1}
	}
	a.elems = append(a.elems, v)
	return nil
}

func (a *accumulator) fold(k, v Value) error {
	if !a.isMap {
		if len(a.elems) > 0 {
			return MalformedPairError{-1}
		}
		a.isMap = true
	}
	a.pairs = append(a.pairs, P(k, v))
	return nil
}

func (a *accumulator) value() Value {
	if a.isMap {
		return Map(a.pairs...)
	}
	return Array(a.elems...)
}
