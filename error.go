package dynbus

import (
	"fmt"
)

// MalformedPairError is the error returned when a DBus dict entry
// cannot be folded into a map. The inbound message it came from is
// dropped.
type MalformedPairError struct {
	// Elems is the number of values the dict entry decoded to, or -1
	// if the entry appeared alongside non-entry array elements.
	Elems int
}

func (e MalformedPairError) Error() string {
	if e.Elems < 0 {
		return "malformed dict entry: array mixes dict entries and plain elements"
	}
	return fmt.Sprintf("malformed dict entry: got %d values, want 2", e.Elems)
}

// HeterogeneousTypeError is the error returned when an array or map
// Value cannot be encoded because its elements are not all of the
// same kind.
type HeterogeneousTypeError struct {
	// Where is "array element", "map key" or "map value".
	Where string
	// Want is the kind established by the first element.
	Want Kind
	// Got is the first kind that disagreed with Want.
	Got Kind
}

func (e HeterogeneousTypeError) Error() string {
	return fmt.Sprintf("cannot encode mixed types: %s is %s, previous ones are %s", e.Where, e.Got, e.Want)
}

// UnmappableTypeError is the error returned when a Value of kind Kind
// appears in a container position that requires a DBus basic type.
type UnmappableTypeError struct {
	Where string
	Kind  Kind
}

func (e UnmappableTypeError) Error() string {
	return fmt.Sprintf("cannot encode %s of kind %s, no DBus basic type for it", e.Where, e.Kind)
}

// UnsupportedNestingError is the error returned when an array or map
// Value contains another array or map.
type UnsupportedNestingError struct {
	Where string
	Kind  Kind
}

func (e UnsupportedNestingError) Error() string {
	return fmt.Sprintf("cannot encode %s of kind %s, nested containers are not supported", e.Where, e.Kind)
}

// InvalidDescriptorError is the error returned when a [Call]
// descriptor cannot be turned into a message.
type InvalidDescriptorError struct {
	// Field is the offending descriptor field.
	Field string
	// Reason explains what is wrong with it.
	Reason string
}

func (e InvalidDescriptorError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// SendFailedError is the error returned when the transport fails to
// send a message.
type SendFailedError struct {
	// Serial is the serial of the message that was not sent.
	Serial uint32
	// Err is the underlying transport error.
	Err error
}

func (e SendFailedError) Error() string {
	return fmt.Sprintf("sending message %d: %v", e.Serial, e.Err)
}

func (e SendFailedError) Unwrap() error {
	return e.Err
}

// CallError is the error returned from failed DBus method calls.
type CallError struct {
	// Name is the error name provided by the remote peer.
	Name string
	// Detail is the human-readable explanation of what went wrong.
	Detail string
}

func (e CallError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("call error %s", e.Name)
	}
	return fmt.Sprintf("call error %s: %s", e.Name, e.Detail)
}

// InvalidStringError is the error returned when a string cannot be
// carried by DBus.
type InvalidStringError struct {
	Value  string
	Reason string
}

func (e InvalidStringError) Error() string {
	return fmt.Sprintf("invalid DBus string %q: %s", e.Value, e.Reason)
}
