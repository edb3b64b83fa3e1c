package dynbus

import (
	"errors"
	"fmt"

	"github.com/danderson/dynbus/fragments"
)

// An ArgIter reads the arguments of a message body, or the contents
// of one container within a body, one complete value at a time.
//
// The iterator is positioned on a current element, whose type is
// reported by [ArgIter.Type]. Basic elements are read with the typed
// accessors, and containers with [ArgIter.Recurse]. [ArgIter.Next]
// moves to the following element, skipping over the current one if
// it was not read.
type ArgIter struct {
	dec *fragments.Decoder

	// For iterators over a message body, struct or dict entry, types
	// is the list of types that follow the current element.
	types []*sigType
	// For iterators over an array, elem is the element type and end
	// the offset at which the array's data ends.
	elem *sigType
	end  int

	cur     *sigType
	pending bool // cur has not been read yet
	child   *ArgIter
	err     error
}

func newArgIter(dec *fragments.Decoder, types []*sigType) *ArgIter {
	ret := &ArgIter{dec: dec, types: types}
	ret.advance()
	return ret
}

// Type returns the type code of the current element, or
// [TypeInvalid] if the iterator is exhausted or has failed.
func (it *ArgIter) Type() byte {
	if it.cur == nil {
		return TypeInvalid
	}
	return it.cur.code
}

// ElemType returns the element type code of the container the
// iterator walks, if it is an array. Otherwise it returns
// [TypeInvalid].
//
// Arrays of dict entries report [TypeDictEntry], which is how callers
// tell an empty dictionary apart from an empty array.
func (it *ArgIter) ElemType() byte {
	if it.elem == nil {
		return TypeInvalid
	}
	return it.elem.code
}

// Err returns the first error encountered while iterating.
func (it *ArgIter) Err() error {
	return it.err
}

// Next advances to the following element, and reports whether there
// is one.
func (it *ArgIter) Next() bool {
	if it.cur == nil || it.err != nil {
		return false
	}
	if it.child != nil {
		it.setErr(it.child.drain())
		it.child = nil
	} else if it.pending {
		it.setErr(skip(it.dec, it.cur, 0))
	}
	it.advance()
	return it.cur != nil
}

func (it *ArgIter) advance() {
	it.pending = false
	if it.err != nil {
		it.cur = nil
		return
	}

	if it.elem != nil {
		switch off := it.dec.Offset(); {
		case off < it.end:
			it.cur, it.pending = it.elem, true
		case off == it.end:
			it.cur = nil
		default:
			it.setErr(fmt.Errorf("array element overran array end by %d bytes", off-it.end))
		}
		return
	}

	if len(it.types) == 0 {
		it.cur = nil
		return
	}
	it.cur, it.types = it.types[0], it.types[1:]
	it.pending = true
}

func (it *ArgIter) setErr(err error) {
	if err != nil && it.err == nil {
		it.err = err
		it.cur = nil
	}
}

// drain consumes all remaining elements.
func (it *ArgIter) drain() error {
	for it.Next() {
	}
	return it.err
}

func (it *ArgIter) take(code byte) error {
	if it.err != nil {
		return it.err
	}
	if it.cur == nil {
		return errors.New("no current element")
	}
	if it.cur.code != code {
		return fmt.Errorf("current element is %q, not %q", it.cur.code, code)
	}
	if !it.pending {
		return errors.New("current element already read")
	}
	it.pending = false
	return nil
}

// Bool reads the current element as a boolean.
func (it *ArgIter) Bool() (bool, error) {
	if err := it.take(TypeBoolean); err != nil {
		return false, err
	}
	ret, err := it.dec.Bool()
	it.setErr(err)
	return ret, err
}

// Int32 reads the current element as a 32-bit integer.
func (it *ArgIter) Int32() (int32, error) {
	if err := it.take(TypeInt32); err != nil {
		return 0, err
	}
	ret, err := it.dec.Int32()
	it.setErr(err)
	return ret, err
}

// Uint32 reads the current element as an unsigned 32-bit integer.
func (it *ArgIter) Uint32() (uint32, error) {
	if err := it.take(TypeUint32); err != nil {
		return 0, err
	}
	ret, err := it.dec.Uint32()
	it.setErr(err)
	return ret, err
}

// String reads the current element as a string. Object paths are
// read as strings too.
func (it *ArgIter) String() (string, error) {
	code := TypeString
	if it.cur != nil && it.cur.code == TypeObjectPath {
		code = TypeObjectPath
	}
	if err := it.take(code); err != nil {
		return "", err
	}
	ret, err := it.dec.String()
	it.setErr(err)
	return ret, err
}

// Recurse returns an iterator over the contents of the current
// element, which must be an array, struct or dict entry.
//
// The returned iterator shares the parent's input. It must not be
// used after the parent's Next is called.
func (it *ArgIter) Recurse() (*ArgIter, error) {
	if it.err != nil {
		return nil, it.err
	}
	if it.cur == nil {
		return nil, errors.New("no current element")
	}
	if !it.pending {
		return nil, errors.New("current element already read")
	}

	var child *ArgIter
	switch it.cur.code {
	case TypeArray:
		end, err := it.dec.Array(it.cur.elem.align())
		if err != nil {
			it.setErr(err)
			return nil, err
		}
		child = &ArgIter{dec: it.dec, elem: it.cur.elem, end: end}
	case TypeStruct, TypeDictEntry:
		if err := it.dec.Pad(8); err != nil {
			it.setErr(err)
			return nil, err
		}
		child = &ArgIter{dec: it.dec, types: it.cur.fields}
	default:
		return nil, fmt.Errorf("cannot recurse into element of type %q", it.cur.code)
	}
	child.advance()

	it.pending = false
	it.child = child
	return child, nil
}

// skip consumes one value of type t.
func skip(d *fragments.Decoder, t *sigType, depth int) error {
	if depth > maxNesting {
		return errors.New("values nested too deeply")
	}
	var err error
	switch t.code {
	case TypeByte:
		_, err = d.Uint8()
	case TypeInt16, TypeUint16:
		_, err = d.Uint16()
	case TypeBoolean, TypeInt32, TypeUint32, TypeUnixFD:
		_, err = d.Uint32()
	case TypeInt64, TypeUint64, TypeDouble:
		_, err = d.Uint64()
	case TypeString, TypeObjectPath:
		_, err = d.String()
	case TypeSignature:
		_, err = d.Signature()
	case TypeArray:
		var end int
		end, err = d.Array(t.elem.align())
		if err != nil {
			return err
		}
		_, err = d.Read(end - d.Offset())
	case TypeStruct, TypeDictEntry:
		err = d.Struct(func() error {
			for _, f := range t.fields {
				if err := skip(d, f, depth+1); err != nil {
					return err
				}
			}
			return nil
		})
	case TypeVariant:
		var s string
		s, err = d.Signature()
		if err != nil {
			return err
		}
		sig, perr := ParseSignature(s)
		if perr != nil {
			return perr
		}
		if !sig.IsSingle() {
			return fmt.Errorf("variant signature %q is not a single complete type", s)
		}
		err = skip(d, sig.types[0], depth+1)
	default:
		err = fmt.Errorf("cannot skip unknown type %q", t.code)
	}
	return err
}
