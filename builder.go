package dynbus

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/danderson/dynbus/fragments"
)

// A Builder writes the body of an outbound message.
//
// Values are appended in order. Containers are opened with
// [Builder.OpenArray] and [Builder.OpenDictEntry], and their contents
// are written from within the callback passed to them. The Builder
// checks every write against the type its enclosing container
// requires, so that the body it produces always matches its
// signature.
type Builder struct {
	enc   fragments.Encoder
	sig   []byte
	stack []*frame
}

// frame is an open container.
type frame struct {
	// For arrays, the element type.
	elem *sigType
	// For dict entries, the fields not written yet.
	fields []*sigType
}

// NewBuilder returns a Builder that writes values in the given byte
// order.
func NewBuilder(order fragments.ByteOrder) *Builder {
	return &Builder{enc: fragments.Encoder{Order: order}}
}

// Signature returns the signature of the values written so far.
func (b *Builder) Signature() (Signature, error) {
	return ParseSignature(string(b.sig))
}

// Bytes returns the encoded values written so far.
func (b *Builder) Bytes() []byte {
	return b.enc.Out
}

// Order returns the Builder's byte order.
func (b *Builder) Order() fragments.ByteOrder {
	return b.enc.Order
}

// expect checks that a value of type t may be written at the current
// position, and records it in the body signature if it is a
// top-level value.
func (b *Builder) expect(t *sigType) error {
	if len(b.stack) == 0 {
		if len(b.sig)+len(t.str) > maxSignatureLen {
			return fmt.Errorf("body signature exceeds %d bytes", maxSignatureLen)
		}
		b.sig = append(b.sig, t.str...)
		return nil
	}

	top := b.stack[len(b.stack)-1]
	var want *sigType
	if top.elem != nil {
		want = top.elem
	} else {
		if len(top.fields) == 0 {
			return fmt.Errorf("too many values in dict entry, cannot write %q", t.str)
		}
		want = top.fields[0]
		top.fields = top.fields[1:]
	}
	if want.str != t.str {
		return fmt.Errorf("cannot write %q where container expects %q", t.str, want.str)
	}
	return nil
}

var (
	boolType   = &sigType{code: TypeBoolean, str: "b"}
	int32Type  = &sigType{code: TypeInt32, str: "i"}
	stringType = &sigType{code: TypeString, str: "s"}
	uint32Type = &sigType{code: TypeUint32, str: "u"}
)

// AppendBool writes a boolean.
func (b *Builder) AppendBool(v bool) error {
	if err := b.expect(boolType); err != nil {
		return err
	}
	b.enc.Bool(v)
	return nil
}

// AppendInt32 writes a 32-bit integer.
func (b *Builder) AppendInt32(v int32) error {
	if err := b.expect(int32Type); err != nil {
		return err
	}
	b.enc.Int32(v)
	return nil
}

// AppendUint32 writes an unsigned 32-bit integer. No [Value] encodes
// to this type, it exists for the bus methods that require it.
func (b *Builder) AppendUint32(v uint32) error {
	if err := b.expect(uint32Type); err != nil {
		return err
	}
	b.enc.Uint32(v)
	return nil
}

// AppendString writes a string. DBus strings must be valid UTF-8
// and must not contain NUL bytes, other strings are rejected.
func (b *Builder) AppendString(v string) error {
	if err := checkString(v); err != nil {
		return err
	}
	if err := b.expect(stringType); err != nil {
		return err
	}
	b.enc.String(v)
	return nil
}

// OpenArray writes an array whose elements have type contents. The
// elements must be written by the elements function.
//
// contents is the element signature, as returned by [Infer]. For
// dictionaries it is a dict entry signature such as "{si}", and
// each entry is written with [Builder.OpenDictEntry].
func (b *Builder) OpenArray(contents Signature, elements func() error) error {
	if !contents.IsSingle() {
		return fmt.Errorf("array contents %q is not a single complete type", contents)
	}
	elem := contents.types[0]
	arr := &sigType{code: TypeArray, elem: elem, str: "a" + elem.str}
	if err := b.expect(arr); err != nil {
		return err
	}

	b.stack = append(b.stack, &frame{elem: elem})
	defer b.pop()
	return b.enc.Array(elem.align(), elements)
}

// OpenDictEntry writes one dict entry. The entry's key and value
// must be written by the fields function. OpenDictEntry can only be
// called from within the elements function of an array of dict
// entries.
func (b *Builder) OpenDictEntry(fields func() error) error {
	if len(b.stack) == 0 {
		return errors.New("dict entry outside of array")
	}
	top := b.stack[len(b.stack)-1]
	if top.elem == nil || top.elem.code != TypeDictEntry {
		return errors.New("dict entry in array of non-dict-entry type")
	}

	f := &frame{fields: top.elem.fields}
	b.stack = append(b.stack, f)
	defer b.pop()
	err := b.enc.Struct(fields)
	if err != nil {
		return err
	}
	if len(f.fields) != 0 {
		return fmt.Errorf("dict entry is missing %d values", len(f.fields))
	}
	return nil
}

func (b *Builder) pop() {
	b.stack = b.stack[:len(b.stack)-1]
}

func checkString(s string) error {
	if !utf8.ValidString(s) {
		return InvalidStringError{s, "not valid UTF-8"}
	}
	if strings.IndexByte(s, 0) >= 0 {
		return InvalidStringError{s, "contains a NUL byte"}
	}
	return nil
}

// scrubString replaces the invalid UTF-8 and NUL bytes of s with
// U+FFFD.
func scrubString(s string) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	return strings.ReplaceAll(s, "\x00", "\uFFFD")
}
