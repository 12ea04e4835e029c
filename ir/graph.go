package ir

import (
	"github.com/pkg/errors"
)

// Graph is a mutable dataflow graph: operator Nodes wired by tensor names,
// plus ordered Parameters (inputs), ordered Results (outputs) and Sinks.
//
// A Sink is an "Assign" node paired with the "ReadValue" node sharing its
// variable_id attribute; together they model a value (e.g. a key/value cache
// tensor) that persists across separate invocations of the graph. Sinks hold
// pointers into Nodes.
//
// The graph exclusively owns everything reachable from its Parameters,
// Results and Sinks; nodes are never shared between graphs.
type Graph struct {
	Name       string                `cbor:"name,omitempty"`
	Parameters []*Parameter          `cbor:"parameters"`
	Results    []*Result             `cbor:"results,omitempty"`
	Sinks      []*Node               `cbor:"-"`
	Nodes      []*Node               `cbor:"nodes"`
	Info       map[string]TensorInfo `cbor:"info,omitempty"`
}

// NewGraph creates an empty graph.
func NewGraph(name string) *Graph {
	return &Graph{
		Name: name,
		Info: make(map[string]TensorInfo),
	}
}

// AddNode appends a node and returns it.
func (g *Graph) AddNode(n *Node) *Node {
	g.Nodes = append(g.Nodes, n)
	return n
}

// RemoveNode removes a node by identity. Removing a node that is not in the
// graph is a no-op.
func (g *Graph) RemoveNode(n *Node) {
	for i, other := range g.Nodes {
		if other == n {
			g.Nodes = append(g.Nodes[:i], g.Nodes[i+1:]...)
			return
		}
	}
}

// AddParameter appends a parameter to the ordered parameter list.
// Every bound name must be new to the graph.
func (g *Graph) AddParameter(p *Parameter) error {
	for _, name := range p.Names {
		for _, existing := range g.Parameters {
			if existing.HasName(name) {
				return errors.Errorf("parameter name %q is already bound in graph %q", name, g.Name)
			}
		}
	}
	g.Parameters = append(g.Parameters, p)
	return nil
}

// AddParameters appends parameters in order, stopping at the first conflict.
func (g *Graph) AddParameters(params ...*Parameter) error {
	for _, p := range params {
		if err := g.AddParameter(p); err != nil {
			return err
		}
	}
	return nil
}

// RemoveParameter removes a parameter by identity. Removing a parameter that
// is not in the list is a no-op, so callers may mark the same parameter for
// removal more than once.
func (g *Graph) RemoveParameter(p *Parameter) {
	for i, other := range g.Parameters {
		if other == p {
			g.Parameters = append(g.Parameters[:i], g.Parameters[i+1:]...)
			return
		}
	}
}

// RemoveResult removes a result by identity.
func (g *Graph) RemoveResult(r *Result) {
	for i, other := range g.Results {
		if other == r {
			g.Results = append(g.Results[:i], g.Results[i+1:]...)
			return
		}
	}
}

// AddSink registers n (an "Assign" node already in Nodes) as a sink.
func (g *Graph) AddSink(n *Node) {
	g.Sinks = append(g.Sinks, n)
}

// RemoveSink unregisters a sink by identity. The underlying node stays in
// Nodes until it becomes unreachable and is pruned.
func (g *Graph) RemoveSink(n *Node) {
	for i, other := range g.Sinks {
		if other == n {
			g.Sinks = append(g.Sinks[:i], g.Sinks[i+1:]...)
			return
		}
	}
}

// HasInput reports whether some parameter is bound to the given name.
func (g *Graph) HasInput(name string) bool {
	for _, p := range g.Parameters {
		if p.HasName(name) {
			return true
		}
	}
	return false
}

// ParameterByName resolves a bound name to its Parameter.
//
// It returns an error when no parameter carries the name, and a distinct
// error when the name resolves to a derived value (some node's output)
// instead of a true parameter. Both are reportable failures: callers rely on
// this to detect graphs that do not satisfy the expected input contract.
func (g *Graph) ParameterByName(name string) (*Parameter, error) {
	for _, p := range g.Parameters {
		if p.HasName(name) {
			return p, nil
		}
	}
	if producer := g.Producer(name); producer != nil {
		return nil, errors.Errorf("input %q resolves to a derived value (output of %s node %q), not a Parameter",
			name, producer.OpType, producer.Name)
	}
	return nil, errors.Errorf("graph %q has no input named %q", g.Name, name)
}

// ParameterForTensor returns the parameter producing the given tensor name,
// or nil if the tensor is not parameter-produced.
func (g *Graph) ParameterForTensor(tensor string) *Parameter {
	for _, p := range g.Parameters {
		if p.Out == tensor {
			return p
		}
	}
	return nil
}

// Producer returns the node producing the given tensor name, or nil.
func (g *Graph) Producer(tensor string) *Node {
	for _, n := range g.Nodes {
		for _, out := range n.Output {
			if out == tensor {
				return n
			}
		}
	}
	return nil
}

// SetParamShape relaxes (or otherwise replaces) a parameter's partial shape.
func (g *Graph) SetParamShape(p *Parameter, shape Shape) {
	p.Shape = shape.Clone()
}

// SetTensorInfo records the element type and partial shape of a tensor.
func (g *Graph) SetTensorInfo(tensor string, dtype DataType, shape Shape) {
	if g.Info == nil {
		g.Info = make(map[string]TensorInfo)
	}
	g.Info[tensor] = TensorInfo{DType: dtype, Shape: shape.Clone()}
}

// TensorInfoOf returns what is known about a tensor: parameter-declared
// type/shape for parameter tensors, recorded info otherwise.
func (g *Graph) TensorInfoOf(tensor string) (TensorInfo, bool) {
	if p := g.ParameterForTensor(tensor); p != nil {
		return TensorInfo{DType: p.DType, Shape: p.Shape.Clone()}, true
	}
	info, ok := g.Info[tensor]
	return info, ok
}

// Validate checks the graph's structural invariants:
//
//   - every bound parameter name resolves to exactly one parameter;
//   - every tensor name has exactly one producer (parameter or node output);
//   - every node, result and sink input names an existing tensor;
//   - every sink is an "Assign" node present in Nodes.
//
// Rewrite passes may leave the graph temporarily invalid; Validate is for
// boundaries where the invariants must hold again.
func (g *Graph) Validate() error {
	seenNames := make(map[string]bool)
	for _, p := range g.Parameters {
		for _, name := range p.Names {
			if seenNames[name] {
				return errors.Errorf("parameter name %q bound more than once", name)
			}
			seenNames[name] = true
		}
	}

	produced := make(map[string]bool, len(g.Nodes))
	for _, p := range g.Parameters {
		produced[p.Out] = true
	}
	for _, n := range g.Nodes {
		for _, out := range n.Output {
			if out == "" {
				continue
			}
			if produced[out] {
				return errors.Errorf("tensor %q has more than one producer", out)
			}
			produced[out] = true
		}
	}

	for _, n := range g.Nodes {
		for _, in := range n.Input {
			if in != "" && !produced[in] {
				return errors.Errorf("node %q (%s) consumes unknown tensor %q", n.Name, n.OpType, in)
			}
		}
	}
	for _, r := range g.Results {
		if !produced[r.Input] {
			return errors.Errorf("result %q consumes unknown tensor %q", r.Name, r.Input)
		}
	}

	inNodes := make(map[*Node]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		inNodes[n] = true
	}
	for _, sink := range g.Sinks {
		if sink.OpType != "Assign" {
			return errors.Errorf("sink node %q has op type %s, want Assign", sink.Name, sink.OpType)
		}
		if !inNodes[sink] {
			return errors.Errorf("sink node %q is not part of the graph", sink.Name)
		}
	}
	return nil
}

// PruneDead removes nodes none of whose outputs are consumed by any node,
// result or registered sink, repeating until a fixed point. Parameters are
// never pruned, even when nothing consumes them.
func (g *Graph) PruneDead() {
	for {
		consumed := make(map[string]bool)
		for _, n := range g.Nodes {
			for _, in := range n.Input {
				if in != "" {
					consumed[in] = true
				}
			}
		}
		for _, r := range g.Results {
			consumed[r.Input] = true
		}
		sinks := make(map[*Node]bool, len(g.Sinks))
		for _, s := range g.Sinks {
			sinks[s] = true
		}

		var kept []*Node
		for _, n := range g.Nodes {
			alive := sinks[n]
			for _, out := range n.Output {
				if consumed[out] {
					alive = true
					break
				}
			}
			if alive {
				kept = append(kept, n)
			}
		}
		if len(kept) == len(g.Nodes) {
			return
		}
		g.Nodes = kept
	}
}
