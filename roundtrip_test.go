package dynbus

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"unicode"
	"unicode/utf8"

	"github.com/danderson/dynbus/fragments"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"pgregory.net/rapid"
)

// stringGen generates strings of any runes, and sometimes of raw
// bytes that need not be valid UTF-8.
var stringGen = rapid.OneOf(
	rapid.String(),
	rapid.StringOf(rapid.RuneFrom([]rune{0, '\t', '\n', 0x7f, 0xfffd}, unicode.Cc, unicode.Letter)),
	rapid.Map(rapid.SliceOfN(rapid.Byte(), 0, 8), func(bs []byte) string { return string(bs) }),
)

// scalarGen generates scalar values of one kind.
func scalarGen(k Kind) *rapid.Generator[Value] {
	switch k {
	case KindBool:
		return rapid.Custom(func(t *rapid.T) Value { return Bool(rapid.Bool().Draw(t, "bool")) })
	case KindInt32:
		return rapid.Custom(func(t *rapid.T) Value { return Int32(rapid.Int32().Draw(t, "int32")) })
	default:
		return rapid.Custom(func(t *rapid.T) Value { return Str(stringGen.Draw(t, "string")) })
	}
}

var scalarKinds = []Kind{KindBool, KindInt32, KindString}

// encodableGen generates values of the shapes the encoder maps:
// scalars, homogeneous arrays of scalars, and homogeneous maps from
// scalars to scalars. Containers may be empty.
var encodableGen = rapid.Custom(func(t *rapid.T) Value {
	switch rapid.IntRange(0, 2).Draw(t, "shape") {
	case 0:
		k := rapid.SampledFrom(scalarKinds).Draw(t, "kind")
		return scalarGen(k).Draw(t, "scalar")
	case 1:
		k := rapid.SampledFrom(scalarKinds).Draw(t, "elem")
		return Array(rapid.SliceOfN(scalarGen(k), 0, 5).Draw(t, "elems")...)
	default:
		kk := rapid.SampledFrom(scalarKinds).Draw(t, "key")
		vk := rapid.SampledFrom(scalarKinds).Draw(t, "value")
		keys := rapid.SliceOfN(scalarGen(kk), 0, 5).Draw(t, "keys")
		pairs := make([]Pair, len(keys))
		for i, k := range keys {
			pairs[i] = P(k, scalarGen(vk).Draw(t, "val"))
		}
		return Map(pairs...)
	}
})

// carriable reports whether every string in vs can be sent over DBus.
func carriable(vs []Value) bool {
	for _, v := range vs {
		switch v.Kind() {
		case KindString:
			if !utf8.ValidString(v.Str()) || strings.Contains(v.Str(), "\x00") {
				return false
			}
		case KindArray:
			if !carriable(v.Elems()) {
				return false
			}
		case KindMap:
			for _, p := range v.Pairs() {
				if !carriable([]Value{p.Key, p.Value}) {
					return false
				}
			}
		}
	}
	return true
}

func TestRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		args := rapid.SliceOfN(encodableGen, 0, 6).Draw(t, "args")
		order := rapid.SampledFrom([]fragments.ByteOrder{fragments.BigEndian, fragments.LittleEndian}).Draw(t, "order")

		mb := MessageBuilder{Order: order, Serial: fixedSerial(1)}
		m, err := mb.Signal(Call{
			Path:      "/rt",
			Interface: "com.example.RoundTrip",
			Member:    "Values",
			Args:      args,
		})
		if !carriable(args) {
			var se InvalidStringError
			if !errors.As(err, &se) {
				t.Fatalf("building signal with uncarriable string returned %v, want InvalidStringError", err)
			}
			return
		}
		if err != nil {
			t.Fatalf("building signal: %v", err)
		}
		raw, err := m.Marshal()
		if err != nil {
			t.Fatalf("Marshal failed: %v", err)
		}
		got, err := ReadMessage(bytes.NewReader(raw))
		if err != nil {
			t.Fatalf("ReadMessage failed: %v", err)
		}
		vals, err := DecodeArgs(got)
		if err != nil {
			t.Fatalf("DecodeArgs failed: %v", err)
		}
		if diff := cmp.Diff(vals, args, cmpopts.EquateEmpty()); diff != "" {
			t.Fatalf("round trip changed values (-got+want):\n%s", diff)
		}
	})
}

func TestRoundTripNull(t *testing.T) {
	b := NewBuilder(fragments.LittleEndian)
	if err := Encode([]Value{Int32(1), Null(), Map(P(Str("k"), Bool(true)))}, b); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	sig, err := b.Signature()
	if err != nil {
		t.Fatal(err)
	}
	m := &Message{
		header: header{Order: fragments.LittleEndian, Type: MessageSignal, Serial: 1, Signature: sig},
		Body:   b.Bytes(),
	}
	got, err := DecodeArgs(m)
	if err != nil {
		t.Fatal(err)
	}
	want := []Value{Int32(1), Str(CannotConvertPrefix + "null"), Map(P(Str("k"), Bool(true)))}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("null did not become a placeholder string (-got+want):\n%s", diff)
	}
}
