package dynbus

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/mds/queue"
	"github.com/danderson/dynbus/transport"
	"go.uber.org/zap"
)

// systemBusSocket is the default system bus socket.
const systemBusSocket = "/run/dbus/system_bus_socket"

// Options configures a [Conn].
type Options struct {
	// Logger receives connection diagnostics. If nil, nothing is
	// logged.
	Logger *zap.Logger
	// Builder builds the messages the connection sends on its own
	// behalf, such as bus method calls.
	Builder MessageBuilder
}

// SystemBus connects to the system bus.
func SystemBus(ctx context.Context, opts Options) (*Conn, error) {
	path := systemBusSocket
	if addr := os.Getenv("DBUS_SYSTEM_BUS_ADDRESS"); addr != "" {
		p, err := transport.ParseAddress(addr)
		if err != nil {
			return nil, err
		}
		path = p
	}
	return Dial(ctx, path, opts)
}

// SessionBus connects to the current user's session bus.
func SessionBus(ctx context.Context, opts Options) (*Conn, error) {
	addr := os.Getenv("DBUS_SESSION_BUS_ADDRESS")
	if addr == "" {
		return nil, errors.New("session bus not available")
	}
	path, err := transport.ParseAddress(addr)
	if err != nil {
		return nil, err
	}
	return Dial(ctx, path, opts)
}

// Dial connects to the bus listening on the unix socket at path, and
// registers with it.
func Dial(ctx context.Context, path string, opts Options) (*Conn, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	t, err := transport.DialUnix(ctx, path, log)
	if err != nil {
		return nil, err
	}
	ret := &Conn{
		t:       t,
		log:     log,
		mb:      opts.Builder,
		pending: mapset.New[uint32](),
		replies: map[uint32]*Message{},
		backlog: queue.New[*Message](),
	}

	id, err := ret.hello(ctx)
	if err != nil {
		ret.Close()
		return nil, fmt.Errorf("getting DBus client ID: %w", err)
	}
	ret.clientID = id
	ret.log = log.With(zap.String("local_name", id))
	ret.log.Info("connected to bus", zap.String("socket", path))

	return ret, nil
}

// Conn is a DBus connection.
//
// A Conn has a single inbound message stream. [Conn.Serve] passes
// the stream to a [Filter] one message at a time, and [Conn.Call]
// picks its reply out of the stream, holding other messages back
// for Serve.
type Conn struct {
	t        transport.Transport
	log      *zap.Logger
	mb       MessageBuilder
	clientID string

	writeMu sync.Mutex
	readMu  sync.Mutex

	mu      sync.Mutex
	closed  bool
	pending mapset.Set[uint32]
	replies map[uint32]*Message
	backlog *queue.Queue[*Message]
}

// Close closes the DBus connection.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for _, m := range c.replies {
		m.closeFiles()
	}
	c.replies = nil
	c.backlog.Each(func(m *Message) bool {
		m.closeFiles()
		return true
	})
	c.backlog.Clear()
	c.mu.Unlock()
	return c.t.Close()
}

// LocalName returns the connection's unique bus name.
func (c *Conn) LocalName() string {
	return c.clientID
}

// Builder returns the MessageBuilder the connection uses for its own
// messages.
func (c *Conn) Builder() MessageBuilder {
	return c.mb
}

// Send writes m to the bus.
func (c *Conn) Send(m *Message) error {
	bs, err := m.Marshal()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.t.Write(bs); err != nil {
		c.log.Error("send failed", zap.Uint32("serial", m.Serial), zap.Error(err))
		return SendFailedError{m.Serial, err}
	}
	return nil
}

// Call sends the method call m and waits for its reply.
//
// If the reply is an error message, Call returns a [CallError]. If m
// does not want a reply, Call returns a nil message once m is sent.
//
// If ctx ends before the reply arrives, the connection is closed,
// since a partially read message cannot be abandoned.
func (c *Conn) Call(ctx context.Context, m *Message) (*Message, error) {
	if m.Type != MessageMethodCall {
		return nil, fmt.Errorf("cannot call a %s message", m.Type)
	}
	if !m.WantReply() {
		return nil, c.Send(m)
	}

	serial := m.Serial
	c.mu.Lock()
	c.pending.Add(serial)
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.pending.Remove(serial)
		if r := c.replies[serial]; r != nil {
			r.closeFiles()
			delete(c.replies, serial)
		}
	}()

	if err := c.Send(m); err != nil {
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()
	for {
		if r := c.takeReply(serial); r != nil {
			if r.Type == MessageError {
				r.closeFiles()
				return nil, callError(r)
			}
			return r, nil
		}
		if err := c.readOne(serial); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
	}
}

// Serve reads inbound messages and passes them to f, one at a time,
// until ctx ends or the connection fails. Messages f reports as not
// handled are discarded.
//
// When ctx ends, Serve closes the connection and returns ctx.Err().
func (c *Conn) Serve(ctx context.Context, f Filter) error {
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()
	for {
		m, err := c.next()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if f.Filter(m) == NotHandled {
			c.log.Debug("message not handled",
				zap.Stringer("type", m.Type),
				zap.String("interface", m.Interface),
				zap.String("member", m.Member),
				zap.Uint32("serial", m.Serial))
			m.closeFiles()
		}
	}
}

// next returns the next message for Serve.
func (c *Conn) next() (*Message, error) {
	for {
		c.mu.Lock()
		m, ok := c.backlog.Pop()
		c.mu.Unlock()
		if ok {
			return m, nil
		}
		if err := c.readOne(0); err != nil {
			return nil, err
		}
	}
}

// takeReply removes and returns the reply to serial, if it has
// arrived.
func (c *Conn) takeReply(serial uint32) *Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.replies[serial]
	delete(c.replies, serial)
	return r
}

// readOne reads one valid message from the transport and files it
// as a pending call's reply or in the backlog. If waitSerial is
// non-zero and its reply arrives while readOne waits for its turn
// to read, readOne returns without reading.
func (c *Conn) readOne(waitSerial uint32) error {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if waitSerial != 0 {
		c.mu.Lock()
		_, ready := c.replies[waitSerial]
		c.mu.Unlock()
		if ready {
			return nil
		}
	}

	for {
		m, err := ReadMessage(c.t)
		if err != nil {
			return err
		}
		if m.NumFDs > 0 {
			if m.Files, err = c.t.Files(int(m.NumFDs)); err != nil {
				return err
			}
		}
		if err := m.Valid(); err != nil {
			c.log.Warn("dropping invalid message", zap.Error(err))
			m.closeFiles()
			continue
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			m.closeFiles()
			return errors.New("connection closed")
		}
		isReply := m.Type == MessageMethodReturn || m.Type == MessageError
		if isReply && c.pending.Has(m.ReplySerial) {
			c.replies[m.ReplySerial] = m
		} else {
			c.backlog.Add(m)
		}
		return nil
	}
}
