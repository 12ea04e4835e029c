package pass

import (
	"k8s.io/klog/v2"

	"github.com/statelessml/pagedattn/ir"
)

// PrevSequenceLengthPattern replaces internal computations of "how many
// tokens were already cached" with the prev_max_seq_len expression built by
// the input adapter (max_context_len minus the current sequence-axis size).
//
// The stateful graph derives that count from the cached state itself:
//
//	ReadValue(past) → ShapeOf → Gather(·, seqAxis)
//
// which stops existing once the state is gone, so every reader is rewired.
type PrevSequenceLengthPattern struct{}

// Name implements GraphRewrite.
func (p *PrevSequenceLengthPattern) Name() string { return "PrevSequenceLengthPattern" }

// Run implements GraphRewrite.
func (p *PrevSequenceLengthPattern) Run(g *ir.Graph, rctx *RewriteContext) bool {
	changed := false
	for _, gather := range lengthGathers(g) {
		shapeOf := g.Producer(gather.Input[0])
		if !isCachedStateTensor(g, rctx, shapeOf.Input[0]) {
			continue
		}
		rewireLengthReaders(g, gather, rctx.PrevMaxSeqLen)
		klog.V(2).Infof("PrevSequenceLengthPattern: rewired %q to %s", gather.Output[0], rctx.PrevMaxSeqLen)
		changed = true
	}
	return changed
}

// lengthGathers returns every Gather node reading one element of a ShapeOf
// output, the common shape of both sequence-length patterns.
func lengthGathers(g *ir.Graph) []*ir.Node {
	var matches []*ir.Node
	for _, node := range g.Nodes {
		if node.OpType != "Gather" || len(node.Input) == 0 || len(node.Output) == 0 {
			continue
		}
		shapeOf := g.Producer(node.Input[0])
		if shapeOf == nil || shapeOf.OpType != "ShapeOf" || len(shapeOf.Input) == 0 {
			continue
		}
		matches = append(matches, node)
	}
	return matches
}

// isCachedStateTensor reports whether the tensor carries per-step recurrent
// state: a ReadValue output (optionally beam-reordered) or a legacy past
// parameter already scheduled for removal.
func isCachedStateTensor(g *ir.Graph, rctx *RewriteContext, tensor string) bool {
	producer := g.Producer(tensor)
	if producer != nil && producer.OpType == "Gather" && len(producer.Input) > 0 {
		tensor = producer.Input[0]
		producer = g.Producer(tensor)
	}
	if producer != nil {
		return producer.OpType == "ReadValue"
	}
	param := g.ParameterForTensor(tensor)
	if param == nil {
		return false
	}
	for _, marked := range rctx.ParamsToRemove {
		if marked == param {
			return true
		}
	}
	return false
}

// rewireLengthReaders redirects every consumer of the gathered length to the
// replacement tensor, inserting a Convert node when the element types differ
// (the replacement lengths are i32, shape arithmetic is usually i64).
func rewireLengthReaders(g *ir.Graph, gather *ir.Node, replacement string) {
	out := gather.Output[0]
	source := replacement
	targetDType := ir.I64
	if info, ok := g.TensorInfoOf(out); ok && info.DType != ir.Undefined {
		targetDType = info.DType
	}
	if targetDType != ir.I32 {
		convertOut := out + ".from_" + replacement
		convert := &ir.Node{
			Name:   convertOut,
			OpType: "Convert",
			Input:  []string{replacement},
			Output: []string{convertOut},
		}
		convert.SetAttr("to", ir.IntAttr(int64(targetDType)))
		g.AddNode(convert)
		g.SetTensorInfo(convertOut, targetDType, ir.Shape{})
		source = convertOut
	}
	g.ReplaceAllConsumers(out, source, g.Producer(source))
}
