// Package dynbus bridges DBus messages and dynamically typed values.
//
// Inbound message bodies are decoded into [Value] trees, handed to
// handlers registered by member name, and the values the handlers
// return are encoded back onto the wire as method replies. Outbound
// method calls and signals are built from a [Call] descriptor and a
// list of Values.
//
// Only a subset of the DBus type system maps to Values:
//
//	DBus            Value
//	b               Bool
//	i               Int32
//	s               Str
//	a<scalar>       Array
//	a{<key><val>}   Map
//
// Other DBus types decode to the string [UnsupportedType]. Values
// with no DBus type, such as Null, encode to a string starting with
// [CannotConvertPrefix]. Arrays and maps must contain scalars of a
// single kind to be encoded. See [Infer] for the exact rules.
//
// A typical service connects, claims a name, and runs a [Dispatcher]
// on the connection's inbound messages:
//
//	conn, err := dynbus.SessionBus(ctx, dynbus.Options{})
//	...
//	if _, err := conn.RequestName(ctx, dynbus.ServiceName("demo"), 0); err != nil {
//		...
//	}
//	var hs dynbus.Handlers
//	hs.Add("Ping", dynbus.HandlerFunc(func(md dynbus.Metadata, args []dynbus.Value) ([]dynbus.Value, error) {
//		return []dynbus.Value{dynbus.Str("pong")}, nil
//	}))
//	err = conn.Serve(ctx, &dynbus.Dispatcher{Conn: conn, Registry: hs})
package dynbus
