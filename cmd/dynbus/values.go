package main

import (
	"errors"
	"fmt"
	"math"

	"github.com/danderson/dynbus"
	"gopkg.in/yaml.v3"
)

// parseArgs parses command line arguments as YAML values.
func parseArgs(args []string) ([]dynbus.Value, error) {
	ret := make([]dynbus.Value, 0, len(args))
	for i, arg := range args {
		v, err := parseValue(arg)
		if err != nil {
			return nil, fmt.Errorf("argument %d (%q): %w", i, arg, err)
		}
		ret = append(ret, v)
	}
	return ret, nil
}

// parseValue parses s as a YAML value.
func parseValue(s string) (dynbus.Value, error) {
	var n yaml.Node
	if err := yaml.Unmarshal([]byte(s), &n); err != nil {
		return dynbus.Value{}, err
	}
	if n.Kind == 0 {
		// Empty document.
		return dynbus.Str(s), nil
	}
	return fromNode(&n)
}

// fromNode converts a YAML node to a Value. Mappings keep the order
// of their keys.
func fromNode(n *yaml.Node) (dynbus.Value, error) {
	switch n.Kind {
	case yaml.DocumentNode:
		if len(n.Content) != 1 {
			return dynbus.Value{}, errors.New("YAML document must hold exactly one value")
		}
		return fromNode(n.Content[0])
	case yaml.AliasNode:
		return fromNode(n.Alias)
	case yaml.SequenceNode:
		elems := make([]dynbus.Value, 0, len(n.Content))
		for _, c := range n.Content {
			v, err := fromNode(c)
			if err != nil {
				return dynbus.Value{}, err
			}
			elems = append(elems, v)
		}
		return dynbus.Array(elems...), nil
	case yaml.MappingNode:
		pairs := make([]dynbus.Pair, 0, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			k, err := fromNode(n.Content[i])
			if err != nil {
				return dynbus.Value{}, err
			}
			v, err := fromNode(n.Content[i+1])
			if err != nil {
				return dynbus.Value{}, err
			}
			pairs = append(pairs, dynbus.P(k, v))
		}
		return dynbus.Map(pairs...), nil
	case yaml.ScalarNode:
		return fromScalar(n)
	default:
		return dynbus.Value{}, fmt.Errorf("line %d: unknown YAML node kind %d", n.Line, n.Kind)
	}
}

func fromScalar(n *yaml.Node) (dynbus.Value, error) {
	switch n.ShortTag() {
	case "!!null":
		return dynbus.Null(), nil
	case "!!bool":
		var b bool
		if err := n.Decode(&b); err != nil {
			return dynbus.Value{}, err
		}
		return dynbus.Bool(b), nil
	case "!!int":
		var i int64
		if err := n.Decode(&i); err != nil {
			return dynbus.Value{}, err
		}
		if i < math.MinInt32 || i > math.MaxInt32 {
			return dynbus.Value{}, fmt.Errorf("line %d: integer %d does not fit in an int32", n.Line, i)
		}
		return dynbus.Int32(int32(i)), nil
	case "!!str":
		return dynbus.Str(n.Value), nil
	default:
		return dynbus.Value{}, fmt.Errorf("line %d: %s values have no dynamic value mapping", n.Line, n.ShortTag())
	}
}
