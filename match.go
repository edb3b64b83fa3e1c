package dynbus

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/creachadair/mds/value"
)

// Match is a bus match rule for signals, as installed with
// [Conn.AddMatch].
type Match struct {
	sender value.Maybe[string]
	path   value.Maybe[string]
	iface  value.Maybe[string]
	member value.Maybe[string]
	argStr map[int]string
	arg0NS value.Maybe[string]
}

// MatchAllSignals returns a Match for all signals.
func MatchAllSignals() *Match {
	return &Match{}
}

// SignalMatch returns a Match for all signals of the given
// interface.
func SignalMatch(iface string) *Match {
	return MatchAllSignals().Interface(iface)
}

// Sender restricts the match to signals sent by the given bus name.
func (m *Match) Sender(name string) *Match {
	m.sender = value.Just(name)
	return m
}

// Path restricts the match to signals emitted by the given object.
func (m *Match) Path(p string) *Match {
	m.path = value.Just(p)
	return m
}

// Interface restricts the match to signals of the given interface.
func (m *Match) Interface(iface string) *Match {
	m.iface = value.Just(iface)
	return m
}

// Member restricts the match to signals with the given name.
func (m *Match) Member(member string) *Match {
	m.member = value.Just(member)
	return m
}

// ArgStr restricts the match to signals whose i-th argument is a
// string equal to val.
func (m *Match) ArgStr(i int, val string) *Match {
	if i < 0 || i > 63 {
		panic(fmt.Errorf("invalid ArgStr match on arg %d, must be in [0,63]", i))
	}
	if m.argStr == nil {
		m.argStr = map[int]string{}
	}
	m.argStr[i] = val
	return m
}

// Arg0Namespace restricts the match to signals whose first argument
// is a bus or interface name with the given dot-separated prefix.
func (m *Match) Arg0Namespace(val string) *Match {
	m.arg0NS = value.Just(val)
	return m
}

// String returns the match in the string format that DBus wants for
// the AddMatch and RemoveMatch methods.
func (m *Match) String() string {
	ms := []string{"type='signal'"}
	kv := func(k string, v value.Maybe[string]) {
		if s, ok := v.GetOK(); ok {
			ms = append(ms, k+"="+escapeMatchArg(s))
		}
	}

	kv("sender", m.sender)
	kv("path", m.path)
	kv("interface", m.iface)
	kv("member", m.member)
	for _, i := range slices.Sorted(maps.Keys(m.argStr)) {
		kv(fmt.Sprintf("arg%d", i), value.Just(m.argStr[i]))
	}
	kv("arg0namespace", m.arg0NS)

	return strings.Join(ms, ",")
}

// Matches reports whether msg is a signal that m matches, using the
// same match logic that the bus applies to the rule.
func (m *Match) Matches(msg *Message) bool {
	if msg.Type != MessageSignal {
		return false
	}
	for _, f := range []struct {
		want value.Maybe[string]
		got  string
	}{
		{m.sender, msg.Sender},
		{m.path, msg.Path},
		{m.iface, msg.Interface},
		{m.member, msg.Member},
	} {
		if w, ok := f.want.GetOK(); ok && w != f.got {
			return false
		}
	}

	if len(m.argStr) == 0 && !m.arg0NS.Present() {
		return true
	}
	args, err := DecodeArgs(msg)
	if err != nil {
		return false
	}
	argStr := func(i int) (string, bool) {
		if i >= len(args) || args[i].Kind() != KindString {
			return "", false
		}
		return args[i].Str(), true
	}
	for i, want := range m.argStr {
		if got, ok := argStr(i); !ok || got != want {
			return false
		}
	}
	if ns, ok := m.arg0NS.GetOK(); ok {
		got, ok := argStr(0)
		if !ok || (got != ns && !strings.HasPrefix(got, ns+".")) {
			return false
		}
	}
	return true
}

func escapeMatchArg(s string) string {
	s = strings.ReplaceAll(s, "'", "'\\''")
	return "'" + s + "'"
}
