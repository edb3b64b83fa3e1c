package dynbus

import (
	"errors"
	"fmt"

	"github.com/danderson/dynbus/fragments"
)

// MessageType is the type of a DBus message.
type MessageType byte

const (
	MessageMethodCall MessageType = iota + 1
	MessageMethodReturn
	MessageError
	MessageSignal
)

func (t MessageType) String() string {
	switch t {
	case MessageMethodCall:
		return "method_call"
	case MessageMethodReturn:
		return "method_return"
	case MessageError:
		return "error"
	case MessageSignal:
		return "signal"
	default:
		return "unknown"
	}
}

// Flags are the DBus message header flags.
type Flags byte

const (
	// FlagNoReplyExpected marks a method call whose caller does not
	// want a reply.
	FlagNoReplyExpected Flags = 1 << iota
	// FlagNoAutoStart asks the bus not to launch the destination
	// service if it is not running.
	FlagNoAutoStart
	// FlagAllowInteractiveAuthorization tells the recipient that the
	// caller is prepared to wait for an authorization prompt.
	FlagAllowInteractiveAuthorization
)

// Header field codes.
const (
	fieldPath        = 1
	fieldInterface   = 2
	fieldMember      = 3
	fieldErrorName   = 4
	fieldReplySerial = 5
	fieldDestination = 6
	fieldSender      = 7
	fieldSignature   = 8
	fieldUnixFDs     = 9
)

// fieldTypes are the value types of the known header fields.
var fieldTypes = map[uint8]byte{
	fieldPath:        TypeObjectPath,
	fieldInterface:   TypeString,
	fieldMember:      TypeString,
	fieldErrorName:   TypeString,
	fieldReplySerial: TypeUint32,
	fieldDestination: TypeString,
	fieldSender:      TypeString,
	fieldSignature:   TypeSignature,
	fieldUnixFDs:     TypeUint32,
}

// protocolVersion is the only DBus protocol version.
const protocolVersion = 1

// header is a DBus message header.
type header struct {
	// Order is the message's byte order.
	Order fragments.ByteOrder
	// Type is the message's type.
	Type MessageType
	// Flags is the message's flag byte.
	Flags Flags
	// Serial is the serial for this message. It must be non-zero.
	Serial uint32

	// Path is the target object for a call, or the source object
	// for a signal. Required for calls and signals.
	Path string
	// Interface is the interface to target for a call, or the
	// source interface for a signal. Required for signals.
	Interface string
	// Member is the method name for a call, or signal name for a
	// signal. Required for calls and signals.
	Member string
	// ErrorName is the name of the error that occurred. Required
	// for errors.
	ErrorName string
	// ReplySerial is the message serial to which this message is
	// replying. Required for returns and errors.
	ReplySerial uint32
	// Destination is the target for a message. Optional for
	// signals.
	Destination string
	// Sender is the unique name of the message sender. The bus
	// populates this value itself, any sent value is overwritten.
	Sender string
	// Signature is the type signature of the message body.
	Signature Signature
	// NumFDs is the number of file descriptors attached to this
	// message.
	NumFDs uint32
}

// Valid checks that the message header is valid for its message type.
func (h *header) Valid() error {
	if h.Serial == 0 {
		return errors.New("invalid message with zero Serial")
	}
	switch h.Type {
	case 0:
		return errors.New("invalid message with Type 0")
	case MessageMethodCall:
		if h.Path == "" {
			return errors.New("missing required header field Path")
		}
		if h.Member == "" {
			return errors.New("missing required header field Member")
		}
	case MessageMethodReturn:
		if h.ReplySerial == 0 {
			return errors.New("missing required header field ReplySerial")
		}
	case MessageError:
		if h.ReplySerial == 0 {
			return errors.New("missing required header field ReplySerial")
		}
		if h.ErrorName == "" {
			return errors.New("missing required header field ErrorName")
		}
	case MessageSignal:
		if h.Path == "" {
			return errors.New("missing required header field Path")
		}
		if h.Interface == "" {
			return errors.New("missing required header field Interface")
		}
		if h.Member == "" {
			return errors.New("missing required header field Member")
		}
	default:
		// Unknown message types must be ignored, not rejected.
	}
	return nil
}

// WantReply reports whether this message requires a response.
func (h *header) WantReply() bool {
	return h.Type == MessageMethodCall && h.Flags&FlagNoReplyExpected == 0
}

// encodeHeader writes h, including the padding that precedes the
// body. bodyLen is the length of the body that follows.
func encodeHeader(e *fragments.Encoder, h *header, bodyLen int) error {
	e.ByteOrderFlag()
	e.Uint8(uint8(h.Type))
	e.Uint8(uint8(h.Flags))
	e.Uint8(protocolVersion)
	e.Uint32(uint32(bodyLen))
	e.Uint32(h.Serial)

	field := func(code uint8, sig byte, val func() error) error {
		return e.Struct(func() error {
			e.Uint8(code)
			if err := e.Signature(string(sig)); err != nil {
				return err
			}
			return val()
		})
	}
	str := func(code uint8, sig byte, s string) error {
		if s == "" {
			return nil
		}
		return field(code, sig, func() error {
			if sig == TypeSignature {
				return e.Signature(s)
			}
			e.String(s)
			return nil
		})
	}
	u32 := func(code uint8, v uint32) error {
		if v == 0 {
			return nil
		}
		return field(code, TypeUint32, func() error {
			e.Uint32(v)
			return nil
		})
	}

	err := e.Array(8, func() error {
		return errors.Join(
			str(fieldPath, TypeObjectPath, h.Path),
			str(fieldInterface, TypeString, h.Interface),
			str(fieldMember, TypeString, h.Member),
			str(fieldErrorName, TypeString, h.ErrorName),
			u32(fieldReplySerial, h.ReplySerial),
			str(fieldDestination, TypeString, h.Destination),
			str(fieldSender, TypeString, h.Sender),
			str(fieldSignature, TypeSignature, h.Signature.String()),
			u32(fieldUnixFDs, h.NumFDs),
		)
	})
	if err != nil {
		return err
	}
	e.Pad(8)
	return nil
}

// decodeHeader reads a message header, including the padding that
// precedes the body, and returns it along with the length of the
// body that follows.
func decodeHeader(d *fragments.Decoder) (*header, uint32, error) {
	var h header
	if err := d.ByteOrderFlag(); err != nil {
		return nil, 0, err
	}
	h.Order = d.Order

	t, err := d.Uint8()
	if err != nil {
		return nil, 0, err
	}
	h.Type = MessageType(t)
	f, err := d.Uint8()
	if err != nil {
		return nil, 0, err
	}
	h.Flags = Flags(f)
	v, err := d.Uint8()
	if err != nil {
		return nil, 0, err
	}
	if v != protocolVersion {
		return nil, 0, fmt.Errorf("unsupported protocol version %d", v)
	}
	bodyLen, err := d.Uint32()
	if err != nil {
		return nil, 0, err
	}
	if h.Serial, err = d.Uint32(); err != nil {
		return nil, 0, err
	}

	end, err := d.Array(8)
	if err != nil {
		return nil, 0, err
	}
	for d.Offset() < end {
		if err := d.Struct(func() error { return decodeField(d, &h) }); err != nil {
			return nil, 0, err
		}
	}
	if d.Offset() != end {
		return nil, 0, errors.New("header field overran header field array")
	}
	if err := d.Pad(8); err != nil {
		return nil, 0, err
	}

	return &h, bodyLen, nil
}

// decodeField reads one entry of the header field array into h.
func decodeField(d *fragments.Decoder, h *header) error {
	code, err := d.Uint8()
	if err != nil {
		return err
	}
	sig, err := d.Signature()
	if err != nil {
		return err
	}

	want, known := fieldTypes[code]
	if !known {
		// Unknown fields must be skipped.
		s, err := ParseSignature(sig)
		if err != nil {
			return err
		}
		if !s.IsSingle() {
			return fmt.Errorf("header field %d has invalid signature %q", code, sig)
		}
		return skip(d, s.types[0], 0)
	}
	if sig != string(want) {
		return fmt.Errorf("header field %d has signature %q, want %q", code, sig, string(want))
	}

	switch code {
	case fieldReplySerial:
		h.ReplySerial, err = d.Uint32()
	case fieldUnixFDs:
		h.NumFDs, err = d.Uint32()
	case fieldSignature:
		var s string
		if s, err = d.Signature(); err == nil {
			h.Signature, err = ParseSignature(s)
		}
	default:
		var s string
		if s, err = d.String(); err != nil {
			break
		}
		switch code {
		case fieldPath:
			h.Path = s
		case fieldInterface:
			h.Interface = s
		case fieldMember:
			h.Member = s
		case fieldErrorName:
			h.ErrorName = s
		case fieldDestination:
			h.Destination = s
		case fieldSender:
			h.Sender = s
		}
	}
	return err
}
