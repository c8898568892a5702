package template

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
)

// Op is a comparison operator.
type Op string

const (
	OpEq  Op = "$eq"
	OpNe  Op = "$ne"
	OpGt  Op = "$gt"
	OpGte Op = "$gte"
	OpLt  Op = "$lt"
	OpLte Op = "$lte"
	OpIn  Op = "$in"
)

// Condition is a node of the condition tree.
type Condition interface {
	Eval(f Fields) bool
	// doc renders the node back into its Mongo-style form.
	doc() any
}

// Compare tests one field against a literal with Op. Against a list field,
// $eq means "contains" and $ne means "does not contain".
type Compare struct {
	Path  string
	Op    Op
	Value any
}

// In holds when the field equals one of Values, or, for a list field, when
// the two share an element.
type In struct {
	Path   string
	Values []any
}

type And struct{ Nodes []Condition }

type Or struct{ Nodes []Condition }

type Not struct{ Node Condition }

func (c Compare) Eval(f Fields) bool {
	v, ok := f[c.Path]
	if !ok || v == nil {
		return c.Op == OpNe
	}
	if list, isList := v.([]string); isList {
		s, isStr := c.Value.(string)
		switch c.Op {
		case OpEq:
			return isStr && slices.Contains(list, s)
		case OpNe:
			return !isStr || !slices.Contains(list, s)
		default:
			return false
		}
	}
	cmp, comparable := compare(v, c.Value)
	if !comparable {
		return c.Op == OpNe
	}
	switch c.Op {
	case OpEq:
		return cmp == 0
	case OpNe:
		return cmp != 0
	case OpGt:
		return cmp > 0
	case OpGte:
		return cmp >= 0
	case OpLt:
		return cmp < 0
	case OpLte:
		return cmp <= 0
	}
	return false
}

func (c Compare) doc() any {
	if c.Op == OpEq {
		return map[string]any{c.Path: c.Value}
	}
	return map[string]any{c.Path: map[string]any{string(c.Op): c.Value}}
}

func (n In) Eval(f Fields) bool {
	v, ok := f[n.Path]
	if !ok || v == nil {
		return false
	}
	if list, isList := v.([]string); isList {
		for _, want := range n.Values {
			if s, isStr := want.(string); isStr && slices.Contains(list, s) {
				return true
			}
		}
		return false
	}
	for _, want := range n.Values {
		if c, ok := compare(v, want); ok && c == 0 {
			return true
		}
	}
	return false
}

func (n In) doc() any {
	return map[string]any{n.Path: map[string]any{string(OpIn): n.Values}}
}

func (n And) Eval(f Fields) bool {
	for _, c := range n.Nodes {
		if !c.Eval(f) {
			return false
		}
	}
	return true
}

func (n And) doc() any { return map[string]any{"$and": docs(n.Nodes)} }

func (n Or) Eval(f Fields) bool {
	for _, c := range n.Nodes {
		if c.Eval(f) {
			return true
		}
	}
	return false
}

func (n Or) doc() any { return map[string]any{"$or": docs(n.Nodes)} }

func (n Not) Eval(f Fields) bool { return !n.Node.Eval(f) }

func (n Not) doc() any { return map[string]any{"$not": n.Node.doc()} }

func docs(nodes []Condition) []any {
	out := make([]any, len(nodes))
	for i, n := range nodes {
		out[i] = n.doc()
	}
	return out
}

// compare orders two scalars of the same kind. Numbers compare numerically,
// strings lexically, booleans only for equality.
func compare(a, b any) (int, bool) {
	switch x := a.(type) {
	case float64:
		y, ok := b.(float64)
		if !ok {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	case string:
		y, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(x, y), true
	case bool:
		y, ok := b.(bool)
		if !ok {
			return 0, false
		}
		if x == y {
			return 0, true
		}
		return 1, true
	}
	return 0, false
}

// ParseCondition decodes a Mongo-style condition document such as
//
//	{"confidence": {"$gte": 0.8}, "$or": [{"metadata.has_faces": true}, {"tags": "intro"}]}
//
// Keys of one object are combined with AND.
func ParseCondition(data []byte) (Condition, error) {
	var raw any
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode condition: %w", err)
	}
	return parseNode(raw)
}

func parseNode(raw any) (Condition, error) {
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("condition must be an object, got %T", raw)
	}
	if len(obj) == 0 {
		return nil, fmt.Errorf("condition is empty")
	}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	nodes := make([]Condition, 0, len(keys))
	for _, k := range keys {
		n, err := parseKey(k, obj[k])
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	if len(nodes) == 1 {
		return nodes[0], nil
	}
	return And{Nodes: nodes}, nil
}

func parseKey(key string, val any) (Condition, error) {
	switch key {
	case "$and", "$or":
		list, ok := val.([]any)
		if !ok || len(list) == 0 {
			return nil, fmt.Errorf("%s needs a non-empty array", key)
		}
		nodes := make([]Condition, len(list))
		for i, item := range list {
			n, err := parseNode(item)
			if err != nil {
				return nil, fmt.Errorf("%s[%d]: %w", key, i, err)
			}
			nodes[i] = n
		}
		if key == "$and" {
			return And{Nodes: nodes}, nil
		}
		return Or{Nodes: nodes}, nil
	case "$not":
		n, err := parseNode(val)
		if err != nil {
			return nil, fmt.Errorf("$not: %w", err)
		}
		return Not{Node: n}, nil
	}
	if strings.HasPrefix(key, "$") {
		return nil, fmt.Errorf("unknown operator %s", key)
	}
	if !knownPath(key) {
		return nil, fmt.Errorf("unknown field %q", key)
	}
	return parseField(key, val)
}

func parseField(path string, val any) (Condition, error) {
	ops, isObj := val.(map[string]any)
	if !isObj {
		lit, err := literal(val)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return Compare{Path: path, Op: OpEq, Value: lit}, nil
	}
	if len(ops) == 0 {
		return nil, fmt.Errorf("%s: empty operator object", path)
	}

	names := make([]string, 0, len(ops))
	for k := range ops {
		names = append(names, k)
	}
	sort.Strings(names)

	nodes := make([]Condition, 0, len(ops))
	for _, name := range names {
		arg := ops[name]
		switch op := Op(name); op {
		case OpIn:
			list, ok := arg.([]any)
			if !ok || len(list) == 0 {
				return nil, fmt.Errorf("%s: $in needs a non-empty array", path)
			}
			values := make([]any, len(list))
			for i, item := range list {
				lit, err := literal(item)
				if err != nil {
					return nil, fmt.Errorf("%s: $in[%d]: %w", path, i, err)
				}
				values[i] = lit
			}
			nodes = append(nodes, In{Path: path, Values: values})
		case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte:
			lit, err := literal(arg)
			if err != nil {
				return nil, fmt.Errorf("%s: %s: %w", path, name, err)
			}
			nodes = append(nodes, Compare{Path: path, Op: op, Value: lit})
		default:
			return nil, fmt.Errorf("%s: unknown operator %s", path, name)
		}
	}
	if len(nodes) == 1 {
		return nodes[0], nil
	}
	return And{Nodes: nodes}, nil
}

func literal(v any) (any, error) {
	switch x := v.(type) {
	case float64, string, bool:
		return x, nil
	}
	return nil, fmt.Errorf("unsupported literal %v (%T)", v, v)
}

// MarshalCondition renders c in the form ParseCondition accepts.
func MarshalCondition(c Condition) ([]byte, error) {
	return json.Marshal(c.doc())
}
