package segmentation

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// NodeType tags each variant of the condition tree in its JSON form.
type NodeType string

const (
	NodeCompare NodeType = "compare"
	NodeAnd     NodeType = "and"
	NodeOr      NodeType = "or"
	NodeNot     NodeType = "not"
)

// Node is one element of a condition tree. The set of variants is closed:
// *Compare, *And, *Or and *Not.
type Node interface {
	Type() NodeType
}

// Compare is a leaf predicate over one attribute. Value holds the single
// operand; Values holds list or range operands.
type Compare struct {
	Field    string
	Operator Operator
	Value    any
	Values   []any
}

// And matches when every child matches.
type And struct {
	Children []Node
}

// Or matches when any child matches.
type Or struct {
	Children []Node
}

// Not inverts its single child.
type Not struct {
	Child Node
}

func (*Compare) Type() NodeType { return NodeCompare }
func (*And) Type() NodeType     { return NodeAnd }
func (*Or) Type() NodeType      { return NodeOr }
func (*Not) Type() NodeType     { return NodeNot }

type wireNode struct {
	Type     NodeType          `json:"type"`
	Field    string            `json:"field,omitempty"`
	Operator Operator          `json:"operator,omitempty"`
	Value    any               `json:"value,omitempty"`
	Values   []any             `json:"values,omitempty"`
	Children []json.RawMessage `json:"children,omitempty"`
	Child    json.RawMessage   `json:"child,omitempty"`
}

// ParseTree decodes the tagged-union JSON form of a condition tree. Problems
// with the JSON shape are returned together as a validation error; semantic
// checks are left to Validate.
func ParseTree(data []byte) (Node, error) {
	var errs ValidationErrors
	node := parseNode(data, rootPath, &errs)
	if err := errs.Err(); err != nil {
		return nil, err
	}
	return node, nil
}

func parseNode(data []byte, path string, errs *ValidationErrors) Node {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		errs.add(path, "", "condition is missing")
		return nil
	}

	var w wireNode
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&w); err != nil {
		errs.add(path, "", fmt.Sprintf("malformed condition: %v", err))
		return nil
	}

	switch w.Type {
	case NodeCompare:
		return &Compare{
			Field:    w.Field,
			Operator: w.Operator,
			Value:    normalizeValue(w.Value),
			Values:   normalizeValues(w.Values),
		}
	case NodeAnd, NodeOr:
		children := make([]Node, 0, len(w.Children))
		for i, raw := range w.Children {
			if child := parseNode(raw, childPath(path, i), errs); child != nil {
				children = append(children, child)
			}
		}
		if w.Type == NodeAnd {
			return &And{Children: children}
		}
		return &Or{Children: children}
	case NodeNot:
		switch {
		case len(w.Child) > 0 && len(w.Children) == 0:
			return &Not{Child: parseNode(w.Child, path+".child", errs)}
		case len(w.Child) == 0 && len(w.Children) == 1:
			return &Not{Child: parseNode(w.Children[0], childPath(path, 0), errs)}
		default:
			errs.add(path, "", fmt.Sprintf("not must have exactly one child, got %d", len(w.Children)+boolToInt(len(w.Child) > 0)))
			return nil
		}
	case "":
		errs.add(path, "", "condition type is required")
	default:
		errs.add(path, "", fmt.Sprintf("unknown condition type %q", w.Type))
	}
	return nil
}

// MarshalTree encodes a tree in its tagged-union JSON form.
func MarshalTree(n Node) ([]byte, error) {
	w, err := toWire(n)
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

type wireOut struct {
	Type     NodeType   `json:"type"`
	Field    string     `json:"field,omitempty"`
	Operator Operator   `json:"operator,omitempty"`
	Value    any        `json:"value,omitempty"`
	Values   []any      `json:"values,omitempty"`
	Children []*wireOut `json:"children,omitempty"`
	Child    *wireOut   `json:"child,omitempty"`
}

func toWire(n Node) (*wireOut, error) {
	switch v := n.(type) {
	case *Compare:
		return &wireOut{Type: NodeCompare, Field: v.Field, Operator: v.Operator, Value: v.Value, Values: v.Values}, nil
	case *And:
		children, err := toWireList(v.Children)
		return &wireOut{Type: NodeAnd, Children: children}, err
	case *Or:
		children, err := toWireList(v.Children)
		return &wireOut{Type: NodeOr, Children: children}, err
	case *Not:
		child, err := toWire(v.Child)
		return &wireOut{Type: NodeNot, Child: child}, err
	case nil:
		return nil, fmt.Errorf("nil condition")
	default:
		return nil, fmt.Errorf("unsupported condition %T", n)
	}
}

func toWireList(nodes []Node) ([]*wireOut, error) {
	out := make([]*wireOut, 0, len(nodes))
	for _, n := range nodes {
		w, err := toWire(n)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

// normalizeValue turns json.Number into float64 so matchers and the SQL
// compiler see one numeric representation.
func normalizeValue(v any) any {
	if n, ok := v.(json.Number); ok {
		if f, err := n.Float64(); err == nil {
			return f
		}
		return n.String()
	}
	return v
}

func normalizeValues(vs []any) []any {
	if vs == nil {
		return nil
	}
	out := make([]any, len(vs))
	for i, v := range vs {
		out[i] = normalizeValue(v)
	}
	return out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
