package ir

import (
	"github.com/gomlx/exceptions"
)

// Attribute is a typed operator attribute. Exactly one field is meaningful;
// which one is a convention of the OpType that owns the attribute.
type Attribute struct {
	I    int64   `cbor:"i,omitempty"`
	Ints []int64 `cbor:"ints,omitempty"`
	F    float64 `cbor:"f,omitempty"`
	S    string  `cbor:"s,omitempty"`
	Raw  []byte  `cbor:"raw,omitempty"`
}

// IntAttr builds an int64 attribute.
func IntAttr(v int64) Attribute { return Attribute{I: v} }

// IntsAttr builds an []int64 attribute.
func IntsAttr(vs ...int64) Attribute { return Attribute{Ints: vs} }

// FloatAttr builds a float64 attribute.
func FloatAttr(v float64) Attribute { return Attribute{F: v} }

// StrAttr builds a string attribute.
func StrAttr(v string) Attribute { return Attribute{S: v} }

// RawAttr builds a raw-bytes attribute (little-endian payloads).
func RawAttr(b []byte) Attribute { return Attribute{Raw: b} }

// Node is one operator in the graph. Input and Output hold tensor names;
// the empty string marks an unused optional input.
type Node struct {
	Name   string               `cbor:"name,omitempty"`
	OpType string               `cbor:"op"`
	Input  []string             `cbor:"input,omitempty"`
	Output []string             `cbor:"output,omitempty"`
	Attrs  map[string]Attribute `cbor:"attrs,omitempty"`
}

// MustIntAttr returns the int64 attribute with the given name.
// It panics if the attribute is missing: absence is a programming error in
// the code that built the node, not a data error.
func (n *Node) MustIntAttr(name string) int64 {
	attr, ok := n.Attrs[name]
	if !ok {
		exceptions.Panicf("node %q (%s) has no attribute %q", n.Name, n.OpType, name)
	}
	return attr.I
}

// MustStrAttr returns the string attribute with the given name, panicking if absent.
func (n *Node) MustStrAttr(name string) string {
	attr, ok := n.Attrs[name]
	if !ok {
		exceptions.Panicf("node %q (%s) has no attribute %q", n.Name, n.OpType, name)
	}
	return attr.S
}

// IntAttrOr returns the int64 attribute with the given name, or defaultValue if absent.
func (n *Node) IntAttrOr(name string, defaultValue int64) int64 {
	if attr, ok := n.Attrs[name]; ok {
		return attr.I
	}
	return defaultValue
}

// IntsAttrOr returns the []int64 attribute with the given name, or defaultValues if absent.
func (n *Node) IntsAttrOr(name string, defaultValues []int64) []int64 {
	if attr, ok := n.Attrs[name]; ok {
		return attr.Ints
	}
	return defaultValues
}

// FloatAttrOr returns the float64 attribute with the given name, or defaultValue if absent.
func (n *Node) FloatAttrOr(name string, defaultValue float64) float64 {
	if attr, ok := n.Attrs[name]; ok {
		return attr.F
	}
	return defaultValue
}

// StrAttrOr returns the string attribute with the given name, or defaultValue if absent.
func (n *Node) StrAttrOr(name string, defaultValue string) string {
	if attr, ok := n.Attrs[name]; ok {
		return attr.S
	}
	return defaultValue
}

// SetAttr sets an attribute, allocating the map on first use.
func (n *Node) SetAttr(name string, attr Attribute) *Node {
	if n.Attrs == nil {
		n.Attrs = make(map[string]Attribute)
	}
	n.Attrs[name] = attr
	return n
}

// Parameter is a distinguished source node: a graph input with an element
// type, a partial shape and one or more bound names used for external
// binding. Names[0] is the canonical name. Out is the tensor name the
// parameter produces inside the graph.
type Parameter struct {
	DType DataType `cbor:"dtype"`
	Shape Shape    `cbor:"shape,omitempty"`
	Names []string `cbor:"names"`
	Out   string   `cbor:"out"`
}

// NewParameter creates a parameter bound to the given names. The first name
// doubles as the produced tensor name.
func NewParameter(dtype DataType, shape Shape, names ...string) *Parameter {
	if len(names) == 0 {
		exceptions.Panicf("ir.NewParameter requires at least one bound name")
	}
	return &Parameter{
		DType: dtype,
		Shape: shape.Clone(),
		Names: names,
		Out:   names[0],
	}
}

// HasName reports whether name is one of the parameter's bound names.
func (p *Parameter) HasName(name string) bool {
	for _, n := range p.Names {
		if n == name {
			return true
		}
	}
	return false
}

// Name returns the canonical bound name.
func (p *Parameter) Name() string { return p.Names[0] }

// Result is a named graph output fed by the Input tensor.
type Result struct {
	Name  string `cbor:"name"`
	Input string `cbor:"input"`
}
