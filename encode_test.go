package dynbus

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/danderson/dynbus/fragments"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		name    string
		in      []Value
		wantSig string
		want    []byte
	}{
		{
			"nothing",
			nil,
			"",
			nil,
		},
		{
			"scalars",
			[]Value{Str("x"), Int32(1), Bool(true)},
			"sib",
			[]byte{
				0, 0, 0, 1, 'x', 0,
				0, 0, // pad
				0, 0, 0, 1,
				0, 0, 0, 1,
			},
		},
		{
			"string array",
			[]Value{Array(Str("x"), Str("y"))},
			"as",
			[]byte{
				0, 0, 0, 0x0e, // length
				0, 0, 0, 1, 'x', 0,
				0, 0, // pad
				0, 0, 0, 1, 'y', 0,
			},
		},
		{
			"string to int map",
			[]Value{Map(P(Str("a"), Int32(1)), P(Str("b"), Int32(2)))},
			"a{si}",
			[]byte{
				0, 0, 0, 0x1c, // length
				0, 0, 0, 0, // pad
				0, 0, 0, 1, 'a', 0,
				0, 0, // pad
				0, 0, 0, 1,
				0, 0, 0, 0, // pad
				0, 0, 0, 1, 'b', 0,
				0, 0, // pad
				0, 0, 0, 2,
			},
		},
		{
			"empty array",
			[]Value{Array()},
			"as",
			[]byte{0, 0, 0, 0},
		},
		{
			"empty map",
			[]Value{Map()},
			"a{ss}",
			[]byte{
				0, 0, 0, 0, // length
				0, 0, 0, 0, // pad
			},
		},
		{
			"int to bool map after bool",
			[]Value{Bool(false), Map(P(Int32(1), Bool(true)))},
			"ba{ib}",
			[]byte{
				0, 0, 0, 0,
				0, 0, 0, 8, // length
				0, 0, 0, 1,
				0, 0, 0, 1,
			},
		},
		{
			"null",
			[]Value{Null(), Int32(3)},
			"si",
			[]byte{
				0, 0, 0, 19,
				'c', 'a', 'n', 'n', 'o', 't', '_', 'c', 'o', 'n', 'v', 'e', 'r', 't', ':', 'n', 'u', 'l', 'l',
				0,
				0, 0, 0, 3,
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b := NewBuilder(fragments.BigEndian)
			if err := Encode(tc.in, b); err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			sig, err := b.Signature()
			if err != nil {
				t.Fatalf("invalid body signature: %v", err)
			}
			if got := sig.String(); got != tc.wantSig {
				t.Errorf("wrong signature, got %q want %q", got, tc.wantSig)
			}
			if got := b.Bytes(); !bytes.Equal(got, tc.want) {
				t.Errorf("wrong encoding:\n  got: % x\n want: % x", got, tc.want)
			}
		})
	}
}

func TestEncodeErrors(t *testing.T) {
	tests := []struct {
		name   string
		in     []Value
		target any
	}{
		{
			"mixed array",
			[]Value{Array(Str("x"), Int32(1))},
			&HeterogeneousTypeError{},
		},
		{
			"mixed map",
			[]Value{Map(P(Str("a"), Int32(1)), P(Str("b"), Bool(true)))},
			&HeterogeneousTypeError{},
		},
		{
			"array of pairs",
			[]Value{Array(Array(Str("a"), Int32(1)), Array(Str("b"), Int32(2)))},
			&UnsupportedNestingError{},
		},
		{
			"map with array values",
			[]Value{Map(P(Str("a"), Array()))},
			&UnsupportedNestingError{},
		},
		{
			"null in array",
			[]Value{Array(Str("a"), Null())},
			&UnmappableTypeError{},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := Encode(append([]Value{Str("first")}, tc.in...), NewBuilder(fragments.LittleEndian))
			if err == nil {
				t.Fatal("Encode succeeded, want error")
			}
			if !errors.As(err, tc.target) {
				t.Fatalf("Encode returned %v, want error of type %T", err, tc.target)
			}
			if !strings.Contains(err.Error(), "argument 1") {
				t.Errorf("error %q does not name the failing argument", err)
			}
		})
	}
}

func TestEncodeInvalidStrings(t *testing.T) {
	tests := []struct {
		name string
		in   Value
	}{
		{"invalid UTF-8", Str("\xff")},
		{"truncated rune", Str("caf\xc3")},
		{"interior NUL", Str("a\x00b")},
		{"trailing NUL", Str("ab\x00")},
		{"array element", Array(Str("ok"), Str("\xfe"))},
		{"map key", Map(P(Str("a\x00b"), Int32(1)))},
		{"map value", Map(P(Int32(1), Str("\x80")))},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := Encode([]Value{Str("first"), tc.in}, NewBuilder(fragments.LittleEndian))
			var se InvalidStringError
			if !errors.As(err, &se) {
				t.Fatalf("Encode returned %v, want InvalidStringError", err)
			}
			if !strings.Contains(err.Error(), "argument 1") {
				t.Errorf("error %q does not name the failing argument", err)
			}
		})
	}

	b := NewBuilder(fragments.LittleEndian)
	if err := b.AppendString("\xff"); err == nil {
		t.Fatal("AppendString accepted invalid UTF-8")
	}
	if sig, _ := b.Signature(); sig.String() != "" || len(b.Bytes()) != 0 {
		t.Errorf("rejected string left signature %q and %d bytes behind", sig, len(b.Bytes()))
	}
}

func TestBuilderChecksContainers(t *testing.T) {
	b := NewBuilder(fragments.LittleEndian)
	err := b.OpenArray(contentsSignature("s"), func() error {
		return b.AppendInt32(1)
	})
	if err == nil {
		t.Error("wrote int32 into string array")
	}

	b = NewBuilder(fragments.LittleEndian)
	if err := b.OpenDictEntry(func() error { return nil }); err == nil {
		t.Error("opened dict entry outside array")
	}

	b = NewBuilder(fragments.LittleEndian)
	err = b.OpenArray(contentsSignature("{si}"), func() error {
		return b.OpenDictEntry(func() error {
			return b.AppendString("key only")
		})
	})
	if err == nil {
		t.Error("wrote dict entry with no value")
	}

	b = NewBuilder(fragments.LittleEndian)
	err = b.OpenArray(contentsSignature("{si}"), func() error {
		return b.OpenDictEntry(func() error {
			return errors.Join(b.AppendString("k"), b.AppendInt32(1), b.AppendInt32(2))
		})
	})
	if err == nil {
		t.Error("wrote dict entry with three values")
	}

	b = NewBuilder(fragments.LittleEndian)
	for range 255 {
		if err := b.AppendBool(true); err != nil {
			t.Fatal(err)
		}
	}
	if err := b.AppendBool(true); err == nil {
		t.Error("body signature grew past 255 bytes")
	}
}
