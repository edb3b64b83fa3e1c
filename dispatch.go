package dynbus

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// ErrorFailed is the error name sent back to callers whose method
// call made a handler fail.
const ErrorFailed = "org.freedesktop.DBus.Error.Failed"

// Metadata describes the inbound message a handler is invoked for.
type Metadata struct {
	Type        MessageType
	Path        string
	Interface   string
	Member      string
	Sender      string
	Destination string
	Serial      uint32
}

func metadataOf(m *Message) Metadata {
	return Metadata{
		Type:        m.Type,
		Path:        m.Path,
		Interface:   m.Interface,
		Member:      m.Member,
		Sender:      m.Sender,
		Destination: m.Destination,
		Serial:      m.Serial,
	}
}

// A Handler processes inbound messages for one member name.
//
// HandleMessage receives the decoded message arguments and returns
// the values to reply with, if the message is a method call that
// wants a reply. Handlers are invoked for signals and method calls
// alike, and can tell them apart by md.Type.
type Handler interface {
	HandleMessage(md Metadata, args []Value) ([]Value, error)
}

// HandlerFunc adapts a function to the [Handler] interface.
type HandlerFunc func(md Metadata, args []Value) ([]Value, error)

func (f HandlerFunc) HandleMessage(md Metadata, args []Value) ([]Value, error) {
	return f(md, args)
}

// A Registry looks up the handlers for a member name.
type Registry interface {
	// Lookup returns the handlers for member, in invocation order.
	Lookup(member string) []Handler
}

// Handlers is a [Registry] backed by a map.
type Handlers map[string][]Handler

// Add registers h to be invoked for member, after any handlers
// already registered for it.
func (hs *Handlers) Add(member string, h Handler) {
	if *hs == nil {
		*hs = Handlers{}
	}
	(*hs)[member] = append((*hs)[member], h)
}

// Lookup implements [Registry].
func (hs Handlers) Lookup(member string) []Handler {
	return hs[member]
}

// A Sender sends messages.
type Sender interface {
	Send(*Message) error
}

// FilterResult is the verdict of a [Filter] on an inbound message.
type FilterResult int

const (
	// NotHandled means the message should be offered to other
	// filters.
	NotHandled FilterResult = iota
	// Handled means the message was consumed.
	Handled
)

// A Filter processes inbound messages.
type Filter interface {
	Filter(*Message) FilterResult
}

// dispatchState is how far the processing of one inbound message
// got.
type dispatchState int

const (
	stateReceived dispatchState = iota
	stateDecoded
	stateHandlerInvoked
	stateReplied
	stateDropped
)

func (s dispatchState) String() string {
	switch s {
	case stateReceived:
		return "received"
	case stateDecoded:
		return "decoded"
	case stateHandlerInvoked:
		return "handler_invoked"
	case stateReplied:
		return "replied"
	case stateDropped:
		return "dropped"
	default:
		return fmt.Sprintf("state%d", int(s))
	}
}

// A Dispatcher is a [Filter] that decodes inbound messages, invokes
// the handlers registered for their member name, and replies to
// method calls with the handlers' results.
//
// The Dispatcher consumes every message it is offered, even those it
// fails to process. Failures are logged and confined to the message
// that caused them.
type Dispatcher struct {
	// Conn is where replies are sent.
	Conn Sender
	// Registry provides the handlers. If nil, all messages are
	// dropped.
	Registry Registry
	// Builder builds replies.
	Builder MessageBuilder
	// Logger receives dispatch diagnostics. If nil, nothing is
	// logged.
	Logger *zap.Logger
}

// Filter implements [Filter]. It always returns [Handled].
func (d *Dispatcher) Filter(m *Message) FilterResult {
	defer m.closeFiles()
	d.dispatch(m)
	return Handled
}

func (d *Dispatcher) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

// dispatch processes one message and returns the state it ended in.
func (d *Dispatcher) dispatch(m *Message) dispatchState {
	log := d.logger().With(
		zap.Stringer("type", m.Type),
		zap.String("path", m.Path),
		zap.String("interface", m.Interface),
		zap.String("member", m.Member),
		zap.Uint32("serial", m.Serial),
	)

	state := stateReceived
	defer func() {
		log.Debug("dispatch finished", zap.Stringer("state", state))
	}()

	args, err := DecodeArgs(m)
	if err != nil {
		log.Warn("dropping undecodable message", zap.Error(err))
		state = stateDropped
		return state
	}
	state = stateDecoded

	var hs []Handler
	if d.Registry != nil {
		hs = d.Registry.Lookup(m.Member)
	}
	if len(hs) == 0 {
		state = stateDropped
		return state
	}

	md := metadataOf(m)
	var (
		results []Value
		errs    []error
	)
	for _, h := range hs {
		vals, err := invoke(h, md, args)
		if err != nil {
			log.Error("handler failed", zap.Error(err))
			errs = append(errs, err)
			continue
		}
		results = append(results, vals...)
	}
	state = stateHandlerInvoked

	if !m.WantReply() {
		return state
	}

	var reply *Message
	if len(errs) > 0 {
		reply, err = d.Builder.Error(m, ErrorFailed, errors.Join(errs...).Error())
	} else if len(results) > 0 {
		reply, err = d.Builder.Reply(m, results)
	} else {
		return state
	}
	if err != nil {
		log.Error("building reply", zap.Error(err))
		return state
	}
	if d.Conn == nil {
		log.Error("no connection to send reply on")
		return state
	}
	if err := d.Conn.Send(reply); err != nil {
		log.Error("sending reply", zap.Error(err))
		return state
	}
	state = stateReplied
	return state
}

// invoke calls h, converting a panic into an error.
func invoke(h Handler, md Metadata, args []Value) (ret []Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			ret, err = nil, fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h.HandleMessage(md, args)
}
