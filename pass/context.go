// Package pass implements graph-rewrite passes that turn a stateful
// per-step attention graph (key/value caches carried by Assign/ReadValue
// sinks) into a stateless graph whose caches and scheduling metadata are
// ordinary inputs, as expected by a paged-attention serving engine.
//
// The entry point is SDPAToPagedAttention. The individual sub-passes are
// exported so they can be sequenced or tested in isolation, but they share
// bookkeeping through a RewriteContext and are only meaningful in the fixed
// order the entry point runs them in.
package pass

import (
	"github.com/statelessml/pagedattn/ir"
)

// RewriteContext is the bookkeeping shared by the rewrite sub-passes and the
// finalization step. It is passed by pointer; each field has exactly one
// writer, noted below, so passes never race over ownership even though the
// struct is mutable.
type RewriteContext struct {
	// KVParams collects the per-layer key/value cache parameters, key then
	// value, in the order layers are matched. Appended only by
	// StateManagementPattern; consumed by the finalizer, which appends them
	// to the graph in this exact order (downstream engines bind them by
	// position).
	KVParams []*ir.Parameter

	// ParamsToRemove collects parameters made obsolete by the rewrites.
	// Appended by sub-passes (idempotently, via MarkParamForRemoval);
	// consumed only by the finalizer.
	ParamsToRemove []*ir.Parameter

	// SinksToRemove records the state sinks whose layers were actually
	// matched. Advisory only: the finalizer removes every sink regardless
	// and uses this just to warn about the ones nothing matched.
	SinksToRemove []*ir.Node

	// ResultsToRemove collects stale results. Normally empty, since state
	// outputs are modeled as sinks rather than results.
	ResultsToRemove []*ir.Result

	// LayerIndex counts attention layers rewritten so far. Incremented only
	// by StateManagementPattern.
	LayerIndex int

	// SlidingWindow is a detached i32 scalar Constant (value 0: disabled)
	// that StateManagementPattern attaches to the graph on first use.
	SlidingWindow *ir.Node

	// MaxContextLen is the scalar i32 parameter describing the longest
	// context alive in the batch. Detached until finalization; its tensor
	// is consumed by the rewrites before that.
	MaxContextLen *ir.Parameter

	// RemainingParams are the four scheduling vectors (context_lens,
	// subsequence_begins, block_indices, block_indices_begins), in the
	// order the finalizer appends them.
	RemainingParams []*ir.Parameter

	// PrevMaxSeqLen names the tensor holding max_context_len minus the
	// current sequence-axis size. Written once by the input adapter; read
	// by PrevSequenceLengthPattern.
	PrevMaxSeqLen string

	// PositionIDs names the canonical unsqueezed position-ids tensor.
	// Written once by the input adapter; read by PositionIDsReplacer.
	PositionIDs string

	slidingWindowAttached bool
}

// MarkParamForRemoval schedules a parameter for removal at finalization.
// Marking the same parameter twice is harmless: the list keeps one entry.
func (rctx *RewriteContext) MarkParamForRemoval(p *ir.Parameter) {
	for _, existing := range rctx.ParamsToRemove {
		if existing == p {
			return
		}
	}
	rctx.ParamsToRemove = append(rctx.ParamsToRemove, p)
}

// attachSlidingWindow adds the sliding-window constant to the graph the
// first time an attention layer needs it, returning its tensor name.
func (rctx *RewriteContext) attachSlidingWindow(g *ir.Graph) string {
	if !rctx.slidingWindowAttached {
		g.AddNode(rctx.SlidingWindow)
		g.SetTensorInfo(rctx.SlidingWindow.Output[0], ir.I32, ir.Shape{})
		rctx.slidingWindowAttached = true
	}
	return rctx.SlidingWindow.Output[0]
}
