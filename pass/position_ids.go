package pass

import (
	"k8s.io/klog/v2"

	"github.com/statelessml/pagedattn/ir"
)

// PositionIDsReplacer redirects every subgraph that independently computes
// per-token position indices to the canonical adapted position_ids tensor.
//
// Two computations are recognized:
//
//   - mask-derived: CumSum(attention_mask), optionally adjusted by adding or
//     subtracting a constant scalar (the usual off-by-one correction);
//   - range-derived: Range(prevLen, totalLen, step), where prevLen traces to
//     the prev_max_seq_len expression or to cached-state shape arithmetic.
//
// Independent of the other rewrites; runs last.
type PositionIDsReplacer struct{}

// Name implements GraphRewrite.
func (p *PositionIDsReplacer) Name() string { return "PositionIDsReplacer" }

// Run implements GraphRewrite.
func (p *PositionIDsReplacer) Run(g *ir.Graph, rctx *RewriteContext) bool {
	changed := false
	consumers := g.BuildConsumerMap()

	for _, node := range g.Nodes {
		var positions string
		switch node.OpType {
		case "CumSum":
			if len(node.Input) == 0 || len(node.Output) == 0 {
				continue
			}
			param := g.ParameterForTensor(node.Input[0])
			if param == nil || !param.HasName("attention_mask") {
				continue
			}
			positions = adjustedPositions(g, consumers, node.Output[0])
		case "Range":
			if len(node.Input) < 2 || len(node.Output) == 0 {
				continue
			}
			if !tracesToPrevLen(g, rctx, node.Input[0]) {
				continue
			}
			positions = node.Output[0]
		default:
			continue
		}

		g.ReplaceAllConsumers(positions, rctx.PositionIDs)
		klog.V(2).Infof("PositionIDsReplacer: rewired %q to %s", positions, rctx.PositionIDs)
		changed = true
	}
	return changed
}

// adjustedPositions follows the cumulative sum through a sole Add/Sub
// consumer with a constant scalar operand, returning the tensor the rest of
// the graph actually reads as positions.
func adjustedPositions(g *ir.Graph, consumers ir.Consumers, cumsumOut string) string {
	next := consumers.Sole(cumsumOut)
	if next == nil || len(next.Output) == 0 || len(next.Input) < 2 {
		return cumsumOut
	}
	if next.OpType != "Add" && next.OpType != "Sub" && next.OpType != "Subtract" {
		return cumsumOut
	}
	other := next.Input[0]
	if other == cumsumOut {
		other = next.Input[1]
	}
	if _, ok := g.ConstScalarF64(other); !ok {
		return cumsumOut
	}
	return next.Output[0]
}

// tracesToPrevLen reports whether the tensor is the prev_max_seq_len
// expression, possibly behind Convert nodes, or a leftover cached-state
// length read that the earlier passes did not rewire.
func tracesToPrevLen(g *ir.Graph, rctx *RewriteContext, tensor string) bool {
	for depth := 0; depth < 4; depth++ {
		if tensor == rctx.PrevMaxSeqLen {
			return true
		}
		producer := g.Producer(tensor)
		if producer == nil || len(producer.Input) == 0 {
			return false
		}
		switch producer.OpType {
		case "Convert":
			tensor = producer.Input[0]
		case "Gather":
			shapeOf := g.Producer(producer.Input[0])
			return shapeOf != nil && shapeOf.OpType == "ShapeOf" && len(shapeOf.Input) > 0 &&
				isCachedStateTensor(g, rctx, shapeOf.Input[0])
		default:
			return false
		}
	}
	return false
}
