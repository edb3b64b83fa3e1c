package main

import (
	"testing"

	"github.com/danderson/dynbus"
	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap/zaptest"
)

const testTable = `
name: test
handlers:
  - member: Ping
    reply: [pong, 1]
  - member: Broken
    error: it broke
  - member: "*"
    echo: true
  - member: Ping
    reply: [{again: true}]
`

func TestServeTable(t *testing.T) {
	cfg, err := parseConfig([]byte(testTable))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Name != "test" {
		t.Errorf("Name = %q, want test", cfg.Name)
	}
	reg, err := cfg.registry(zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}

	md := dynbus.Metadata{Type: dynbus.MessageMethodCall, Member: "Ping"}
	args := []dynbus.Value{dynbus.Str("arg")}
	run := func(member string) ([]dynbus.Value, error) {
		md.Member = member
		var ret []dynbus.Value
		for _, h := range reg.Lookup(member) {
			vals, err := h.HandleMessage(md, args)
			if err != nil {
				return nil, err
			}
			ret = append(ret, vals...)
		}
		return ret, nil
	}

	got, err := run("Ping")
	if err != nil {
		t.Fatal(err)
	}
	want := []dynbus.Value{
		dynbus.Str("pong"),
		dynbus.Int32(1),
		dynbus.Map(dynbus.P(dynbus.Str("again"), dynbus.Bool(true))),
		dynbus.Str("arg"),
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("wrong Ping results (-got+want):\n%s", diff)
	}

	got, err = run("Other")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(got, args); diff != "" {
		t.Errorf("wrong wildcard results (-got+want):\n%s", diff)
	}

	if _, err := run("Broken"); err == nil || err.Error() != "it broke" {
		t.Errorf("Broken returned %v, want error \"it broke\"", err)
	}
}

func TestServeTableErrors(t *testing.T) {
	tests := map[string]string{
		"no name":       "handlers: [{member: X, echo: true}]",
		"no handlers":   "name: x",
		"no member":     "name: x\nhandlers: [{echo: true}]",
		"scalar reply":  "name: x\nhandlers: [{member: X, reply: 1}]",
		"fail and echo": "name: x\nhandlers: [{member: X, error: no, echo: true}]",
		"float reply":   "name: x\nhandlers: [{member: X, reply: [1.5]}]",
		"not yaml":      "name: [",
	}
	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			cfg, err := parseConfig([]byte(in))
			if err != nil {
				return
			}
			if _, err := cfg.registry(zaptest.NewLogger(t)); err == nil {
				t.Errorf("table %q accepted", in)
			}
		})
	}
}
