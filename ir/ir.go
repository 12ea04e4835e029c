// Package ir provides a small mutable dataflow-graph representation for
// neural-network inference graphs, aimed at structural rewrites rather than
// execution.
//
//   - Graph: operator nodes plus ordered Parameters (inputs), ordered Results
//     (outputs) and Sinks (state writes that persist values across calls).
//   - Node: an operator identified by OpType, wired by tensor names.
//   - Parameter: a named source with an element type and a partial shape.
//
// Tensors are identified by name; every tensor name is produced by exactly
// one Parameter or one Node output. Shapes are partial: dimensions may be
// DynDim (unknown until runtime).
package ir

import (
	"fmt"
	"strconv"
	"strings"
)

// DataType enumerates the element types the IR tracks.
type DataType int32

const (
	Undefined DataType = iota
	Bool
	I32
	I64
	F16
	BF16
	F32
	F64
)

var dataTypeNames = map[DataType]string{
	Undefined: "undefined",
	Bool:      "bool",
	I32:       "i32",
	I64:       "i64",
	F16:       "f16",
	BF16:      "bf16",
	F32:       "f32",
	F64:       "f64",
}

func (dt DataType) String() string {
	if name, ok := dataTypeNames[dt]; ok {
		return name
	}
	return fmt.Sprintf("DataType(%d)", int32(dt))
}

// DynDim marks a dimension whose extent is unknown until runtime.
const DynDim int64 = -1

// Shape is a partial tensor shape. A nil or empty Shape is a scalar.
type Shape []int64

// Rank returns the number of dimensions.
func (s Shape) Rank() int { return len(s) }

// IsScalar reports whether the shape has rank 0.
func (s Shape) IsScalar() bool { return len(s) == 0 }

// IsStatic reports whether every dimension is known.
func (s Shape) IsStatic() bool {
	for _, d := range s {
		if d == DynDim {
			return false
		}
	}
	return true
}

// Clone returns an independent copy of the shape.
func (s Shape) Clone() Shape {
	if s == nil {
		return nil
	}
	out := make(Shape, len(s))
	copy(out, s)
	return out
}

func (s Shape) String() string {
	if s.IsScalar() {
		return "[]"
	}
	parts := make([]string, len(s))
	for i, d := range s {
		if d == DynDim {
			parts[i] = "?"
		} else {
			parts[i] = strconv.FormatInt(d, 10)
		}
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// TensorInfo carries the element type and partial shape known for a tensor.
type TensorInfo struct {
	DType DataType
	Shape Shape
}
