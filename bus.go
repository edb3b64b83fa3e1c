package dynbus

import (
	"context"
	"errors"
	"fmt"

	"github.com/creachadair/mds/value"
)

const (
	busName      = "org.freedesktop.DBus"
	busPath      = "/org/freedesktop/DBus"
	busInterface = "org.freedesktop.DBus"
)

// BaseName is the prefix of the bus names built by [ServiceName].
const BaseName = "io.github.danderson.dynbus"

// ServiceName returns the well-known bus name for a named instance
// of a service: BaseName, a dot, and instance.
func ServiceName(instance string) string {
	return BaseName + "." + instance
}

// busMessage returns a call to a method of the message bus itself.
func (c *Conn) busMessage(member string, args ...Value) (*Message, error) {
	return c.mb.Call(Call{
		Destination: value.Just(busName),
		Path:        busPath,
		Interface:   busInterface,
		Member:      member,
		Args:        args,
	})
}

// busCall calls a method of the message bus itself.
func (c *Conn) busCall(ctx context.Context, member string, args ...Value) (*Message, error) {
	m, err := c.busMessage(member, args...)
	if err != nil {
		return nil, err
	}
	return c.Call(ctx, m)
}

func (c *Conn) hello(ctx context.Context) (string, error) {
	resp, err := c.busCall(ctx, "Hello")
	if err != nil {
		return "", err
	}
	args, err := DecodeArgs(resp)
	if err != nil {
		return "", err
	}
	if len(args) != 1 || args[0].Kind() != KindString {
		return "", fmt.Errorf("unexpected Hello response %v", args)
	}
	return args[0].Str(), nil
}

// NameRequestFlags are the options of [Conn.RequestName].
type NameRequestFlags byte

const (
	NameRequestAllowReplacement NameRequestFlags = 1 << iota
	NameRequestReplace
	NameRequestNoQueue
)

// RequestName asks the bus to assign the given well-known name to
// the connection, and reports whether the connection is now the
// name's primary owner.
func (c *Conn) RequestName(ctx context.Context, name string, flags NameRequestFlags) (isPrimaryOwner bool, err error) {
	if err := validBusName(name); err != nil {
		return false, InvalidDescriptorError{"bus name", err.Error()}
	}
	m, err := c.busMessage("RequestName")
	if err != nil {
		return false, err
	}
	// The flags are a uint32, which no Value encodes to.
	err = writeBody(m, func(b *Builder) error {
		if err := b.AppendString(name); err != nil {
			return err
		}
		return b.AppendUint32(uint32(flags))
	})
	if err != nil {
		return false, err
	}
	resp, err := c.Call(ctx, m)
	if err != nil {
		return false, err
	}

	it, err := resp.Args()
	if err != nil {
		return false, err
	}
	code, err := it.Uint32()
	if err != nil {
		return false, fmt.Errorf("reading RequestName response: %w", err)
	}
	switch code {
	case 1:
		// Became primary owner.
		return true, nil
	case 2:
		// Placed in queue, but not primary.
		return false, nil
	case 3:
		// Couldn't become primary owner, and request flags asked to
		// not queue.
		return false, errors.New("requested name not available")
	case 4:
		// Already the primary owner.
		return true, nil
	default:
		return false, fmt.Errorf("unknown response code %d to RequestName", code)
	}
}

// ReleaseName asks the bus to remove the connection from the owners
// of the given name.
func (c *Conn) ReleaseName(ctx context.Context, name string) error {
	_, err := c.busCall(ctx, "ReleaseName", Str(name))
	return err
}

// AddMatch asks the bus to deliver signals that match m to the
// connection.
func (c *Conn) AddMatch(ctx context.Context, m *Match) error {
	_, err := c.busCall(ctx, "AddMatch", Str(m.String()))
	return err
}

// RemoveMatch removes a match rule installed by [Conn.AddMatch].
func (c *Conn) RemoveMatch(ctx context.Context, m *Match) error {
	_, err := c.busCall(ctx, "RemoveMatch", Str(m.String()))
	return err
}
