package ir

import (
	"encoding/binary"
	"math"

	"github.com/x448/float16"
)

// Constant nodes carry their payload in attributes: scalar values in
// "value_int" or "value_float", or little-endian bytes in "value_raw" with
// the element type in "dtype".

// ConstScalar creates a detached scalar Constant node producing the named
// tensor, with the value stored per dtype. Only integer and float scalars
// are supported; that covers everything graph rewrites synthesize.
func ConstScalar(name string, dtype DataType, value float64) *Node {
	n := &Node{
		Name:   name,
		OpType: "Constant",
		Output: []string{name},
	}
	n.SetAttr("dtype", IntAttr(int64(dtype)))
	switch dtype {
	case I32, I64:
		n.SetAttr("value_int", IntAttr(int64(value)))
	default:
		n.SetAttr("value_float", FloatAttr(value))
	}
	return n
}

// AddConstScalar adds a scalar Constant node to the graph and records its
// tensor info. Returns the produced tensor name.
func (g *Graph) AddConstScalar(name string, dtype DataType, value float64) string {
	g.AddNode(ConstScalar(name, dtype, value))
	g.SetTensorInfo(name, dtype, Shape{})
	return name
}

// ConstScalarF64 reads a scalar constant as float64. It returns false when
// the tensor is not produced by a Constant node or the payload cannot be
// interpreted as a scalar.
func (g *Graph) ConstScalarF64(tensor string) (float64, bool) {
	n := g.Producer(tensor)
	if n == nil || n.OpType != "Constant" {
		return 0, false
	}
	if attr, ok := n.Attrs["value_float"]; ok {
		return attr.F, true
	}
	if attr, ok := n.Attrs["value_int"]; ok {
		return float64(attr.I), true
	}
	if attr, ok := n.Attrs["value_raw"]; ok {
		return rawScalarToF64(DataType(n.IntAttrOr("dtype", int64(Undefined))), attr.Raw)
	}
	return 0, false
}

// ConstScalarI64 reads a scalar constant as int64, truncating float payloads.
func (g *Graph) ConstScalarI64(tensor string) (int64, bool) {
	v, ok := g.ConstScalarF64(tensor)
	if !ok {
		return 0, false
	}
	return int64(v), true
}

// rawScalarToF64 decodes a single little-endian element.
func rawScalarToF64(dtype DataType, raw []byte) (float64, bool) {
	switch dtype {
	case F16:
		if len(raw) < 2 {
			return 0, false
		}
		return float64(float16.Frombits(binary.LittleEndian.Uint16(raw)).Float32()), true
	case F32:
		if len(raw) < 4 {
			return 0, false
		}
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(raw))), true
	case F64:
		if len(raw) < 8 {
			return 0, false
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(raw)), true
	case I32:
		if len(raw) < 4 {
			return 0, false
		}
		return float64(int32(binary.LittleEndian.Uint32(raw))), true
	case I64:
		if len(raw) < 8 {
			return 0, false
		}
		return float64(int64(binary.LittleEndian.Uint64(raw))), true
	}
	return 0, false
}
