package dynbus

import (
	"errors"
	"fmt"

	"github.com/creachadair/mds/mapset"
)

// DBus type codes, as reported by [ArgIter.Type].
//
// Structs and dict entries are written with brackets in signatures,
// and have the type codes 'r' and 'e' when reported by an iterator,
// as in the reference libdbus implementation.
const (
	TypeInvalid    byte = 0
	TypeByte       byte = 'y'
	TypeBoolean    byte = 'b'
	TypeInt16      byte = 'n'
	TypeUint16     byte = 'q'
	TypeInt32      byte = 'i'
	TypeUint32     byte = 'u'
	TypeInt64      byte = 'x'
	TypeUint64     byte = 't'
	TypeDouble     byte = 'd'
	TypeString     byte = 's'
	TypeObjectPath byte = 'o'
	TypeSignature  byte = 'g'
	TypeUnixFD     byte = 'h'
	TypeArray      byte = 'a'
	TypeVariant    byte = 'v'
	TypeStruct     byte = 'r'
	TypeDictEntry  byte = 'e'
)

const (
	maxSignatureLen = 255
	maxNesting      = 64
)

var (
	// basicCodes are the type codes that can be dict entry keys.
	basicCodes = mapset.New(
		TypeByte, TypeBoolean, TypeInt16, TypeUint16, TypeInt32,
		TypeUint32, TypeInt64, TypeUint64, TypeDouble, TypeString,
		TypeObjectPath, TypeSignature, TypeUnixFD,
	)

	// supportedCodes are the type codes that decode to a Value other
	// than the unsupported type placeholder.
	supportedCodes = mapset.New(
		TypeBoolean, TypeInt32, TypeString, TypeArray, TypeDictEntry,
	)
)

// sigType is one parsed complete type.
type sigType struct {
	code   byte
	elem   *sigType   // for arrays
	fields []*sigType // for structs and dict entries
	str    string
}

// align returns the wire alignment of values of type t.
func (t *sigType) align() int {
	switch t.code {
	case TypeByte, TypeSignature, TypeVariant:
		return 1
	case TypeInt16, TypeUint16:
		return 2
	case TypeInt64, TypeUint64, TypeDouble, TypeStruct, TypeDictEntry:
		return 8
	default:
		return 4
	}
}

// A Signature describes the types of a sequence of DBus values.
type Signature struct {
	str   string
	types []*sigType
}

// String returns the string encoding of the Signature, as described
// in the DBus specification.
func (s Signature) String() string {
	return s.str
}

// IsZero reports whether the signature is empty. An empty signature
// describes a message with no body.
func (s Signature) IsZero() bool {
	return s.str == ""
}

// IsSingle reports whether s consists of exactly one complete type.
func (s Signature) IsSingle() bool {
	return len(s.types) == 1
}

// ParseSignature parses a DBus type signature string.
func ParseSignature(sig string) (Signature, error) {
	if len(sig) > maxSignatureLen {
		return Signature{}, fmt.Errorf("invalid type signature %q: longer than %d bytes", sig, maxSignatureLen)
	}
	var (
		rest  = sig
		types []*sigType
		t     *sigType
		err   error
	)
	for rest != "" {
		t, rest, err = parseOne(rest, false, 0)
		if err != nil {
			return Signature{}, fmt.Errorf("invalid type signature %q: %w", sig, err)
		}
		types = append(types, t)
	}
	return Signature{sig, types}, nil
}

func mustParseSignature(sig string) Signature {
	ret, err := ParseSignature(sig)
	if err != nil {
		panic(err)
	}
	return ret
}

// contentsSignature returns the Signature for the element type of an
// array whose element signature is elem. Unlike ParseSignature, it
// accepts dict entry signatures.
func contentsSignature(elem string) Signature {
	arr := mustParseSignature("a" + elem)
	if !arr.IsSingle() {
		panic(fmt.Errorf("%q is not a single complete type", elem))
	}
	return Signature{elem, []*sigType{arr.types[0].elem}}
}

// parseOne consumes the first complete type from the front of sig,
// and returns it as well as the remainder of the type string.
func parseOne(sig string, inArray bool, depth int) (t *sigType, rest string, err error) {
	if depth > maxNesting {
		return nil, "", errors.New("containers nested too deeply")
	}
	c := sig[0]
	if basicCodes.Has(c) || c == TypeVariant {
		return &sigType{code: c, str: sig[:1]}, sig[1:], nil
	}

	switch c {
	case TypeArray:
		if len(sig) < 2 {
			return nil, "", errors.New("array is missing an element type")
		}
		elem, rest, err := parseOne(sig[1:], true, depth+1)
		if err != nil {
			return nil, "", err
		}
		return &sigType{code: TypeArray, elem: elem, str: "a" + elem.str}, rest, nil
	case '(':
		var (
			fields []*sigType
			field  *sigType
			rest   = sig[1:]
		)
		for rest != "" && rest[0] != ')' {
			field, rest, err = parseOne(rest, false, depth+1)
			if err != nil {
				return nil, "", err
			}
			fields = append(fields, field)
		}
		if rest == "" {
			return nil, "", errors.New("missing closing ) in struct definition")
		}
		if len(fields) == 0 {
			return nil, "", errors.New("empty struct")
		}
		str := sig[:len(sig)-len(rest)+1]
		return &sigType{code: TypeStruct, fields: fields, str: str}, rest[1:], nil
	case '{':
		if !inArray {
			return nil, "", errors.New("dict entry type found outside array")
		}
		if len(sig) < 2 {
			return nil, "", errors.New("dict entry is missing a key type")
		}
		if !basicCodes.Has(sig[1]) {
			return nil, "", fmt.Errorf("invalid dict entry key type %q, must be a DBus basic type", sig[1])
		}
		key := &sigType{code: sig[1], str: sig[1:2]}
		if len(sig) < 3 {
			return nil, "", errors.New("dict entry is missing a value type")
		}
		val, rest, err := parseOne(sig[2:], false, depth+1)
		if err != nil {
			return nil, "", err
		}
		if rest == "" || rest[0] != '}' {
			return nil, "", errors.New("missing closing } in dict entry definition")
		}
		str := sig[:len(sig)-len(rest)+1]
		return &sigType{code: TypeDictEntry, fields: []*sigType{key, val}, str: str}, rest[1:], nil
	default:
		return nil, "", fmt.Errorf("unknown type specifier %q", c)
	}
}

// scalarCode returns the DBus type code for a scalar kind.
func scalarCode(k Kind) (byte, bool) {
	switch k {
	case KindBool:
		return TypeBoolean, true
	case KindInt32:
		return TypeInt32, true
	case KindString:
		return TypeString, true
	default:
		return 0, false
	}
}

// Infer returns the signature of the contents of a compound Value,
// which is the signature needed to open the DBus array container
// that holds it. The complete DBus type of v is "a" followed by the
// returned signature.
//
// For an array, all elements must be of the same scalar kind, and
// the result is that kind's type code. For a map, all keys must be of
// one scalar kind and all values of one scalar kind, and the result
// is a dict entry signature "{kv}".
//
// Empty arrays infer as arrays of strings, and empty maps as string
// to string dictionaries, since there are no elements to infer from.
func Infer(v Value) (Signature, error) {
	switch v.Kind() {
	case KindArray:
		c, err := uniformCode(v.Elems(), "array element", TypeString, func(v Value) Value { return v })
		if err != nil {
			return Signature{}, err
		}
		return contentsSignature(string(c)), nil
	case KindMap:
		k, err := uniformCode(v.Pairs(), "map key", TypeString, func(p Pair) Value { return p.Key })
		if err != nil {
			return Signature{}, err
		}
		val, err := uniformCode(v.Pairs(), "map value", TypeString, func(p Pair) Value { return p.Value })
		if err != nil {
			return Signature{}, err
		}
		return contentsSignature(string([]byte{'{', k, val, '}'})), nil
	default:
		return Signature{}, UnmappableTypeError{"container", v.Kind()}
	}
}

// uniformCode returns the type code shared by get(x) for all xs, or
// def if xs is empty.
func uniformCode[T any](xs []T, where string, def byte, get func(T) Value) (byte, error) {
	if len(xs) == 0 {
		return def, nil
	}
	var want Kind
	for i, x := range xs {
		k := get(x).Kind()
		pos := fmt.Sprintf("%s %d", where, i)
		if k.IsCompound() {
			return 0, UnsupportedNestingError{pos, k}
		}
		if !k.IsScalar() {
			return 0, UnmappableTypeError{pos, k}
		}
		if i == 0 {
			want = k
		} else if k != want {
			return 0, HeterogeneousTypeError{pos, want, k}
		}
	}
	c, _ := scalarCode(want)
	return c, nil
}
