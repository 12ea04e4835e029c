package ir

// Consumers maps each tensor name to the nodes that consume it as an input.
// The map is a snapshot: it does not follow later graph edits.
type Consumers map[string][]*Node

// BuildConsumerMap indexes every node input of the graph. Result inputs are
// not included; use ReplaceAllConsumers to rewire those too.
func (g *Graph) BuildConsumerMap() Consumers {
	consumers := make(Consumers)
	for _, n := range g.Nodes {
		for _, in := range n.Input {
			if in == "" {
				continue
			}
			consumers[in] = append(consumers[in], n)
		}
	}
	return consumers
}

// Sole returns the single consumer of the tensor, or nil if there are 0 or
// 2+ consumers.
func (c Consumers) Sole(tensor string) *Node {
	list := c[tensor]
	if len(list) == 1 {
		return list[0]
	}
	return nil
}

// ReplaceAllConsumers rewires every node input and result input reading
// oldTensor to read newTensor instead. Nodes in except are left untouched;
// the producer of newTensor typically goes there to avoid wiring it to
// itself.
func (g *Graph) ReplaceAllConsumers(oldTensor, newTensor string, except ...*Node) {
	skip := make(map[*Node]bool, len(except))
	for _, n := range except {
		skip[n] = true
	}
	for _, n := range g.Nodes {
		if skip[n] {
			continue
		}
		for i, in := range n.Input {
			if in == oldTensor {
				n.Input[i] = newTensor
			}
		}
	}
	for _, r := range g.Results {
		if r.Input == oldTensor {
			r.Input = newTensor
		}
	}
}
