package dynbus

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/creachadair/mds/value"
	"github.com/danderson/dynbus/fragments"
	"github.com/godbus/dbus/v5"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func fixedSerial(s uint32) func() uint32 {
	return func() uint32 { return s }
}

func TestMessageRoundTrip(t *testing.T) {
	for _, order := range []fragments.ByteOrder{fragments.BigEndian, fragments.LittleEndian} {
		mb := MessageBuilder{Order: order, Serial: fixedSerial(7)}
		call, err := mb.Call(Call{
			Destination: value.Just("com.example.Dest"),
			Path:        "/com/example/obj",
			Interface:   "com.example.Iface",
			Member:      "DoThing",
			Args:        []Value{Str("hello"), Map(P(Str("k"), Int32(9)))},
		})
		if err != nil {
			t.Fatalf("building call: %v", err)
		}

		raw, err := call.Marshal()
		if err != nil {
			t.Fatalf("Marshal failed: %v", err)
		}
		if raw[0] != fragments.Flag(order) {
			t.Errorf("wrong byte order flag %q", raw[0])
		}
		got, err := ReadMessage(bytes.NewReader(raw))
		if err != nil {
			t.Fatalf("ReadMessage failed: %v", err)
		}

		if diff := cmp.Diff(got.header, call.header, cmp.Comparer(func(a, b Signature) bool {
			return a.String() == b.String()
		}), cmp.Comparer(func(a, b fragments.ByteOrder) bool {
			return fragments.Flag(a) == fragments.Flag(b)
		})); diff != "" {
			t.Errorf("header changed in round trip (-got+want):\n%s", diff)
		}
		if !bytes.Equal(got.Body, call.Body) {
			t.Errorf("body changed in round trip:\n  got: % x\n want: % x", got.Body, call.Body)
		}
		if !got.WantReply() {
			t.Error("call does not want a reply")
		}
	}
}

func TestReadMessageErrors(t *testing.T) {
	msg, err := MessageBuilder{Serial: fixedSerial(1)}.Signal(Call{
		Path:      "/a",
		Interface: "com.example.Iface",
		Member:    "Sig",
		Args:      []Value{Str("payload")},
	})
	if err != nil {
		t.Fatal(err)
	}
	raw, err := msg.Marshal()
	if err != nil {
		t.Fatal(err)
	}

	if _, err := ReadMessage(bytes.NewReader(raw[:len(raw)-1])); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("truncated message: got err %v, want ErrUnexpectedEOF", err)
	}
	if _, err := ReadMessage(bytes.NewReader(nil)); !errors.Is(err, io.EOF) {
		t.Errorf("empty input: got err %v, want EOF", err)
	}

	bad := bytes.Clone(raw)
	bad[0] = 'X'
	if _, err := ReadMessage(bytes.NewReader(bad)); err == nil {
		t.Error("invalid byte order flag accepted")
	}

	bad = bytes.Clone(raw)
	bad[3] = 2
	if _, err := ReadMessage(bytes.NewReader(bad)); err == nil {
		t.Error("unknown protocol version accepted")
	}
}

func TestMessageBuilderValidation(t *testing.T) {
	good := Call{
		Destination: value.Just("com.example.Dest"),
		Path:        "/obj",
		Interface:   "com.example.Iface",
		Member:      "Method",
	}
	tests := []struct {
		name      string
		mod       func(*Call)
		field     string
		signalsOK bool
	}{
		{"no destination", func(c *Call) { c.Destination = value.Absent[string]() }, "destination", true},
		{"bad destination", func(c *Call) { c.Destination = value.Just("nodots") }, "destination", false},
		{"empty path", func(c *Call) { c.Path = "" }, "path", false},
		{"relative path", func(c *Call) { c.Path = "obj" }, "path", false},
		{"trailing slash", func(c *Call) { c.Path = "/obj/" }, "path", false},
		{"empty interface", func(c *Call) { c.Interface = "" }, "interface", false},
		{"one element interface", func(c *Call) { c.Interface = "iface" }, "interface", false},
		{"empty member", func(c *Call) { c.Member = "" }, "member", false},
		{"dotted member", func(c *Call) { c.Member = "a.b" }, "member", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := good
			tc.mod(&c)

			_, err := BuildCall(c)
			var ide InvalidDescriptorError
			if !errors.As(err, &ide) {
				t.Fatalf("BuildCall returned %v, want InvalidDescriptorError", err)
			}
			if ide.Field != tc.field {
				t.Errorf("error names field %q, want %q", ide.Field, tc.field)
			}

			_, err = BuildSignal(c)
			if tc.signalsOK && err != nil {
				t.Errorf("BuildSignal failed: %v", err)
			} else if !tc.signalsOK && !errors.As(err, &ide) {
				t.Errorf("BuildSignal returned %v, want InvalidDescriptorError", err)
			}
		})
	}
}

func TestBuildSignal(t *testing.T) {
	m, err := BuildSignal(Call{
		Path:      "/",
		Interface: "com.example.Iface",
		Member:    "Changed",
		Args:      []Value{Int32(1)},
	})
	if err != nil {
		t.Fatal(err)
	}
	if m.Type != MessageSignal {
		t.Errorf("Type = %s, want signal", m.Type)
	}
	if m.Destination != "" {
		t.Errorf("broadcast signal has destination %q", m.Destination)
	}
	if m.WantReply() {
		t.Error("signal wants a reply")
	}
	if m.Serial == 0 {
		t.Error("signal has zero serial")
	}
}

func TestBuildReplyAndError(t *testing.T) {
	orig, err := BuildCall(Call{
		Destination: value.Just(":1.5"),
		Path:        "/obj",
		Interface:   "com.example.Iface",
		Member:      "Method",
	})
	if err != nil {
		t.Fatal(err)
	}
	orig.Sender = ":1.9"

	reply, err := BuildReply(orig, []Value{Str("ok")})
	if err != nil {
		t.Fatal(err)
	}
	if reply.Type != MessageMethodReturn || reply.ReplySerial != orig.Serial || reply.Destination != ":1.9" {
		t.Errorf("bad reply header: %+v", reply.header)
	}
	if err := reply.Valid(); err != nil {
		t.Errorf("reply is invalid: %v", err)
	}

	errMsg, err := BuildError(orig, ErrorFailed, "it broke")
	if err != nil {
		t.Fatal(err)
	}
	if errMsg.Type != MessageError || errMsg.ErrorName != ErrorFailed || errMsg.ReplySerial != orig.Serial {
		t.Errorf("bad error header: %+v", errMsg.header)
	}
	want := CallError{ErrorFailed, "it broke"}
	if got := callError(errMsg); got != want {
		t.Errorf("callError = %v, want %v", got, want)
	}

	if _, err := BuildError(orig, "notaname", ""); err == nil {
		t.Error("BuildError accepted invalid error name")
	}
}

func TestMessageTypeString(t *testing.T) {
	tests := map[MessageType]string{
		MessageMethodCall:   "method_call",
		MessageMethodReturn: "method_return",
		MessageError:        "error",
		MessageSignal:       "signal",
		0:                   "unknown",
		9:                   "unknown",
	}
	for typ, want := range tests {
		if got := typ.String(); got != want {
			t.Errorf("MessageType(%d).String() = %q, want %q", byte(typ), got, want)
		}
	}
}

func TestInteropToGodbus(t *testing.T) {
	mb := MessageBuilder{Order: fragments.LittleEndian, Serial: fixedSerial(1234)}
	m, err := mb.Call(Call{
		Destination: value.Just("com.example.Dest"),
		Path:        "/com/example/obj",
		Interface:   "com.example.Iface",
		Member:      "Method",
		Args: []Value{
			Str("s"),
			Int32(-3),
			Bool(true),
			Array(Str("a"), Str("b")),
			Map(P(Str("x"), Int32(1))),
			Map(),
		},
		NoReply: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	raw, err := m.Marshal()
	if err != nil {
		t.Fatal(err)
	}

	gm, err := dbus.DecodeMessage(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("godbus failed to decode message: %v", err)
	}
	if gm.Type != dbus.TypeMethodCall {
		t.Errorf("godbus saw type %v", gm.Type)
	}
	if gm.Flags&dbus.FlagNoReplyExpected == 0 {
		t.Error("godbus did not see the no reply flag")
	}
	if gm.Serial() != 1234 {
		t.Errorf("godbus saw serial %d, want 1234", gm.Serial())
	}
	wantHeaders := map[dbus.HeaderField]any{
		dbus.FieldPath:        dbus.ObjectPath("/com/example/obj"),
		dbus.FieldInterface:   "com.example.Iface",
		dbus.FieldMember:      "Method",
		dbus.FieldDestination: "com.example.Dest",
		dbus.FieldSignature:   dbus.ParseSignatureMust("sibasa{si}a{ss}"),
	}
	gotHeaders := map[dbus.HeaderField]any{}
	for k, v := range gm.Headers {
		gotHeaders[k] = v.Value()
	}
	if diff := cmp.Diff(gotHeaders, wantHeaders, cmp.Comparer(func(a, b dbus.Signature) bool {
		return a.String() == b.String()
	})); diff != "" {
		t.Errorf("godbus saw wrong headers (-got+want):\n%s", diff)
	}

	wantBody := []any{
		"s",
		int32(-3),
		true,
		[]string{"a", "b"},
		map[string]int32{"x": 1},
		map[string]string{},
	}
	if diff := cmp.Diff(gm.Body, wantBody); diff != "" {
		t.Errorf("godbus saw wrong body (-got+want):\n%s", diff)
	}
}

func TestInteropFromGodbus(t *testing.T) {
	body := []any{
		"hi",
		int32(3),
		false,
		[]string{"a"},
		map[string]int32{"k": 1},
		map[int32]bool{},
		uint64(5),
		2.5,
		struct {
			A int32
			B string
		}{1, "x"},
		dbus.MakeVariant("v"),
		[][]int32{{1, 2}, {}},
		map[string]dbus.Variant{"nested": dbus.MakeVariant(int32(1))},
		[]dbus.ObjectPath{"/a"},
	}
	gm := &dbus.Message{
		Type: dbus.TypeSignal,
		Headers: map[dbus.HeaderField]dbus.Variant{
			dbus.FieldPath:      dbus.MakeVariant(dbus.ObjectPath("/com/example/obj")),
			dbus.FieldInterface: dbus.MakeVariant("com.example.Iface"),
			dbus.FieldMember:    dbus.MakeVariant("Changed"),
			dbus.FieldSender:    dbus.MakeVariant(":1.42"),
			dbus.FieldSignature: dbus.MakeVariant(dbus.SignatureOf(body...)),
		},
		Body: body,
	}

	for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		var buf bytes.Buffer
		if err := gm.EncodeTo(&buf, order); err != nil {
			t.Fatalf("godbus failed to encode: %v", err)
		}

		m, err := ReadMessage(&buf)
		if err != nil {
			t.Fatalf("ReadMessage failed: %v", err)
		}
		if m.Type != MessageSignal || m.Path != "/com/example/obj" || m.Interface != "com.example.Iface" || m.Member != "Changed" || m.Sender != ":1.42" {
			t.Errorf("wrong header: %+v", m.header)
		}

		got, err := DecodeArgs(m)
		if err != nil {
			t.Fatalf("DecodeArgs failed: %v", err)
		}
		unsupported := Str(UnsupportedType)
		want := []Value{
			Str("hi"),
			Int32(3),
			Bool(false),
			Array(Str("a")),
			Map(P(Str("k"), Int32(1))),
			Map(),
			unsupported,
			unsupported,
			unsupported,
			unsupported,
			Array(Array(Int32(1), Int32(2)), Array()),
			Map(P(Str("nested"), unsupported)),
			Array(unsupported),
		}
		if diff := cmp.Diff(got, want, cmpopts.EquateEmpty()); diff != "" {
			t.Errorf("wrong decode (-got+want):\n%s", diff)
		}
	}
}
