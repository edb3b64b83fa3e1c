package main

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/creachadair/mds/slice"
	"github.com/danderson/dynbus"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// wildcard is the member name of handlers that apply to every
// member.
const wildcard = "*"

// serveConfig is the handler table read by the serve command.
type serveConfig struct {
	// Name is the instance name to claim.
	Name     string          `yaml:"name"`
	Handlers []handlerConfig `yaml:"handlers"`
}

type handlerConfig struct {
	Member string `yaml:"member"`
	// Reply is a sequence of reply arguments.
	Reply yaml.Node `yaml:"reply"`
	// Echo replies with the call's arguments, after Reply.
	Echo bool `yaml:"echo"`
	// Error, if set, fails the call with this message.
	Error string `yaml:"error"`
}

func loadConfig(path string) (*serveConfig, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseConfig(bs)
}

func parseConfig(bs []byte) (*serveConfig, error) {
	var ret serveConfig
	if err := yaml.Unmarshal(bs, &ret); err != nil {
		return nil, fmt.Errorf("parsing handler table: %w", err)
	}
	if ret.Name == "" {
		return nil, errors.New("handler table has no name")
	}
	if len(ret.Handlers) == 0 {
		return nil, errors.New("handler table has no handlers")
	}
	return &ret, nil
}

// handler returns the dynbus handler for h.
func (h *handlerConfig) handler(log *zap.Logger) (dynbus.Handler, error) {
	if h.Member == "" {
		return nil, errors.New("handler has no member")
	}
	var reply []dynbus.Value
	switch h.Reply.Kind {
	case 0:
	case yaml.SequenceNode:
		v, err := fromNode(&h.Reply)
		if err != nil {
			return nil, fmt.Errorf("reply of %s: %w", h.Member, err)
		}
		reply = v.Elems()
	default:
		return nil, fmt.Errorf("line %d: reply of %s must be a sequence of arguments", h.Reply.Line, h.Member)
	}
	if h.Error != "" && (len(reply) > 0 || h.Echo) {
		return nil, fmt.Errorf("handler for %s cannot both fail and reply", h.Member)
	}

	return dynbus.HandlerFunc(func(md dynbus.Metadata, args []dynbus.Value) ([]dynbus.Value, error) {
		log.Info("handling message",
			zap.Stringer("type", md.Type),
			zap.String("member", md.Member),
			zap.String("sender", md.Sender),
			zap.Stringer("args", dynbus.Array(args...)))
		if h.Error != "" {
			return nil, errors.New(h.Error)
		}
		ret := slices.Clone(reply)
		if h.Echo {
			ret = append(ret, args...)
		}
		return ret, nil
	}), nil
}

// table is a dynbus.Registry that also supports wildcard handlers.
type table struct {
	exact    dynbus.Handlers
	wildcard []dynbus.Handler
}

// Lookup returns the handlers registered for member, followed by
// the wildcard handlers.
func (t *table) Lookup(member string) []dynbus.Handler {
	return slices.Concat(t.exact.Lookup(member), t.wildcard)
}

// registry builds the handler table described by c.
func (c *serveConfig) registry(log *zap.Logger) (*table, error) {
	isWildcard := func(h handlerConfig) bool { return h.Member == wildcard }
	isExact := func(h handlerConfig) bool { return h.Member != wildcard }

	ret := &table{}
	for h := range slice.Select(c.Handlers, isExact) {
		hf, err := h.handler(log)
		if err != nil {
			return nil, err
		}
		ret.exact.Add(h.Member, hf)
	}
	for h := range slice.Select(c.Handlers, isWildcard) {
		hf, err := h.handler(log)
		if err != nil {
			return nil, err
		}
		ret.wildcard = append(ret.wildcard, hf)
	}
	return ret, nil
}
