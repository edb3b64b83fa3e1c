package dynbus

import (
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"

	"github.com/creachadair/mds/value"
	"github.com/danderson/dynbus/fragments"
)

// maxMessageSize is the largest message the DBus specification
// allows.
const maxMessageSize = 128 << 20

// A Message is one DBus message: a header describing it, and an
// encoded body.
type Message struct {
	header

	// Body is the encoded message body, described by
	// Message.Signature.
	Body []byte
	// Files are the file descriptors received alongside the message.
	Files []*os.File
}

// Args returns an iterator over the message's body.
func (m *Message) Args() (*ArgIter, error) {
	if m.Order == nil {
		return nil, errors.New("message has no byte order")
	}
	d := &fragments.Decoder{Order: m.Order, In: m.Body}
	return newArgIter(d, m.Signature.types), nil
}

// Marshal returns the wire encoding of m.
func (m *Message) Marshal() ([]byte, error) {
	if err := m.Valid(); err != nil {
		return nil, err
	}
	if m.Order == nil {
		return nil, errors.New("message has no byte order")
	}
	e := fragments.Encoder{Order: m.Order}
	if err := encodeHeader(&e, &m.header, len(m.Body)); err != nil {
		return nil, err
	}
	e.Write(m.Body)
	if len(e.Out) > maxMessageSize {
		return nil, fmt.Errorf("message size %d exceeds maximum %d", len(e.Out), maxMessageSize)
	}
	return e.Out, nil
}

// closeFiles closes any files received with m.
func (m *Message) closeFiles() {
	for _, f := range m.Files {
		f.Close()
	}
	m.Files = nil
}

// fixedHeaderLen is the length of the fixed part of a message
// header, up to and including the length of the header field array.
const fixedHeaderLen = 16

// ReadMessage reads one message from r.
//
// The returned message's Files is always empty, since file
// descriptors travel out of band.
func ReadMessage(r io.Reader) (*Message, error) {
	fixed := make([]byte, fixedHeaderLen)
	if _, err := io.ReadFull(r, fixed); err != nil {
		return nil, err
	}

	d := fragments.Decoder{In: fixed}
	if err := d.ByteOrderFlag(); err != nil {
		return nil, err
	}
	bodyLen := d.Order.Uint32(fixed[4:8])
	fieldsLen := d.Order.Uint32(fixed[12:16])
	hdrLen := uint64(fixedHeaderLen) + uint64(fieldsLen)
	hdrLen += (8 - hdrLen%8) % 8
	if total := hdrLen + uint64(bodyLen); total > maxMessageSize {
		return nil, fmt.Errorf("message size %d exceeds maximum %d", total, maxMessageSize)
	}

	buf := make([]byte, hdrLen+uint64(bodyLen))
	copy(buf, fixed)
	if _, err := io.ReadFull(r, buf[fixedHeaderLen:]); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	d = fragments.Decoder{In: buf}
	h, gotBodyLen, err := decodeHeader(&d)
	if err != nil {
		return nil, fmt.Errorf("decoding message header: %w", err)
	}
	if gotBodyLen != bodyLen || uint64(d.Offset()) != hdrLen {
		return nil, errors.New("inconsistent message header length")
	}
	return &Message{
		header: *h,
		Body:   buf[hdrLen:],
	}, nil
}

// A Call describes an outbound method call or signal.
type Call struct {
	// Destination is the bus name of the recipient. It is required
	// for method calls, and optional for signals, which are
	// broadcast when it is absent.
	Destination value.Maybe[string]
	// Path is the object path of the called or emitting object.
	Path string
	// Interface is the interface of the method or signal.
	Interface string
	// Member is the method or signal name.
	Member string
	// Args are the message arguments.
	Args []Value
	// NoReply marks a method call for which the caller does not want
	// a reply. It is ignored for signals.
	NoReply bool
}

// validate checks the fields common to calls and signals.
func (c *Call) validate() error {
	if err := validObjectPath(c.Path); err != nil {
		return InvalidDescriptorError{"path", err.Error()}
	}
	if err := validInterfaceName(c.Interface); err != nil {
		return InvalidDescriptorError{"interface", err.Error()}
	}
	if err := validMemberName(c.Member); err != nil {
		return InvalidDescriptorError{"member", err.Error()}
	}
	return nil
}

// A MessageBuilder constructs outbound messages.
//
// The zero MessageBuilder is ready to use. It writes messages in the
// host's native byte order, with random serials.
type MessageBuilder struct {
	// Order is the byte order of built messages. If nil,
	// [fragments.NativeEndian] is used.
	Order fragments.ByteOrder
	// Serial returns the serial for each built message. If nil,
	// serials are random. Serial must never return zero.
	Serial func() uint32
}

// RandomSerial returns a random non-zero message serial.
func RandomSerial() uint32 {
	for {
		if ret := rand.Uint32(); ret != 0 {
			return ret
		}
	}
}

func (mb MessageBuilder) newMessage(t MessageType) *Message {
	order, serial := mb.Order, mb.Serial
	if order == nil {
		order = fragments.NativeEndian
	}
	if serial == nil {
		serial = RandomSerial
	}
	return &Message{
		header: header{
			Order:  order,
			Type:   t,
			Serial: serial(),
		},
	}
}

// setBody encodes args into the body of m.
func setBody(m *Message, args []Value) error {
	return writeBody(m, func(b *Builder) error {
		return Encode(args, b)
	})
}

// writeBody replaces the body of m with the values written by write.
func writeBody(m *Message, write func(*Builder) error) error {
	b := NewBuilder(m.Order)
	if err := write(b); err != nil {
		return err
	}
	sig, err := b.Signature()
	if err != nil {
		return err
	}
	m.Signature = sig
	m.Body = b.Bytes()
	return nil
}

// Call returns a method call message for c.
func (mb MessageBuilder) Call(c Call) (*Message, error) {
	dest, ok := c.Destination.GetOK()
	if !ok {
		return nil, InvalidDescriptorError{"destination", "method calls require a destination"}
	}
	if err := validBusName(dest); err != nil {
		return nil, InvalidDescriptorError{"destination", err.Error()}
	}
	if err := c.validate(); err != nil {
		return nil, err
	}

	m := mb.newMessage(MessageMethodCall)
	m.Destination = dest
	m.Path, m.Interface, m.Member = c.Path, c.Interface, c.Member
	if c.NoReply {
		m.Flags |= FlagNoReplyExpected
	}
	if err := setBody(m, c.Args); err != nil {
		return nil, err
	}
	return m, nil
}

// Signal returns a signal message for c.
func (mb MessageBuilder) Signal(c Call) (*Message, error) {
	dest, ok := c.Destination.GetOK()
	if ok {
		if err := validBusName(dest); err != nil {
			return nil, InvalidDescriptorError{"destination", err.Error()}
		}
	}
	if err := c.validate(); err != nil {
		return nil, err
	}

	m := mb.newMessage(MessageSignal)
	m.Destination = dest
	m.Path, m.Interface, m.Member = c.Path, c.Interface, c.Member
	if err := setBody(m, c.Args); err != nil {
		return nil, err
	}
	return m, nil
}

// Reply returns a method return message replying to orig, carrying
// results.
func (mb MessageBuilder) Reply(orig *Message, results []Value) (*Message, error) {
	m := mb.newMessage(MessageMethodReturn)
	m.ReplySerial = orig.Serial
	m.Destination = orig.Sender
	if err := setBody(m, results); err != nil {
		return nil, err
	}
	return m, nil
}

// Error returns an error message replying to orig. The error is
// identified by name, and detail becomes its human-readable message.
// Bytes of detail that DBus strings cannot carry are replaced with
// U+FFFD.
func (mb MessageBuilder) Error(orig *Message, name, detail string) (*Message, error) {
	if err := validInterfaceName(name); err != nil {
		return nil, InvalidDescriptorError{"error name", err.Error()}
	}
	m := mb.newMessage(MessageError)
	m.ReplySerial = orig.Serial
	m.Destination = orig.Sender
	m.ErrorName = name
	var args []Value
	if detail != "" {
		args = []Value{Str(scrubString(detail))}
	}
	if err := setBody(m, args); err != nil {
		return nil, err
	}
	return m, nil
}

// BuildCall returns a method call message for c, using the default
// [MessageBuilder].
func BuildCall(c Call) (*Message, error) {
	return MessageBuilder{}.Call(c)
}

// BuildSignal returns a signal message for c, using the default
// [MessageBuilder].
func BuildSignal(c Call) (*Message, error) {
	return MessageBuilder{}.Signal(c)
}

// BuildReply returns a reply to orig carrying results, using the
// default [MessageBuilder].
func BuildReply(orig *Message, results []Value) (*Message, error) {
	return MessageBuilder{}.Reply(orig, results)
}

// BuildError returns an error reply to orig, using the default
// [MessageBuilder].
func BuildError(orig *Message, name, detail string) (*Message, error) {
	return MessageBuilder{}.Error(orig, name, detail)
}

// callError converts an error message into a CallError.
func callError(m *Message) error {
	ret := CallError{Name: m.ErrorName}
	if args, err := DecodeArgs(m); err == nil && len(args) > 0 && args[0].Kind() == KindString {
		ret.Detail = args[0].Str()
	}
	return ret
}
