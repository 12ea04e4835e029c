package pass

import (
	"k8s.io/klog/v2"

	"github.com/statelessml/pagedattn/ir"
)

// TotalSequenceLengthPattern replaces internal computations of "total
// sequence length so far" — the length of the concatenated past+current
// state — with direct use of the max_context_len input:
//
//	Concat(past, current) → ShapeOf → Gather(·, seqAxis)
//
// becomes a read of max_context_len. Must run after StateManagementPattern,
// which establishes the max_context_len wiring.
type TotalSequenceLengthPattern struct{}

// Name implements GraphRewrite.
func (p *TotalSequenceLengthPattern) Name() string { return "TotalSequenceLengthPattern" }

// Run implements GraphRewrite.
func (p *TotalSequenceLengthPattern) Run(g *ir.Graph, rctx *RewriteContext) bool {
	changed := false
	for _, gather := range lengthGathers(g) {
		shapeOf := g.Producer(gather.Input[0])
		if matchCachedBranch(g, shapeOf.Input[0]) == nil {
			continue
		}
		rewireLengthReaders(g, gather, rctx.MaxContextLen.Out)
		klog.V(2).Infof("TotalSequenceLengthPattern: rewired %q to %s", gather.Output[0], rctx.MaxContextLen.Out)
		changed = true
	}
	return changed
}
