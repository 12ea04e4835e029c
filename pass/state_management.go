package pass

import (
	"fmt"

	"k8s.io/klog/v2"

	"github.com/statelessml/pagedattn/ir"
)

// StateManagementPattern rewrites each attention layer's recurrent key/value
// state into direct consumption of per-layer cache parameters plus the
// scheduling metadata.
//
// The stateful form of one layer looks like:
//
//	ReadValue(past) → [Gather(·, beam_idx)] → Concat(past, current) → SDPA
//	                                          Concat(past, current) → Assign
//
// with a legacy variant where past is an explicit "past_key_values.*"
// parameter instead of a ReadValue. On a match the SDPA node is replaced by
// a PagedAttentionExtension node taking the current-step projections, the
// new key/value cache parameters and the scheduling metadata; the cache
// parameters are appended to the shared context in layer order.
type StateManagementPattern struct{}

// Name implements GraphRewrite.
func (p *StateManagementPattern) Name() string { return "StateManagementPattern" }

// cachedBranch describes one matched Concat(past, current) K or V chain.
type cachedBranch struct {
	concat    *ir.Node
	current   string        // current-step projection feeding the concat
	past      string        // cached-state tensor feeding the concat
	readValue *ir.Node      // stateful form
	pastParam *ir.Parameter // legacy explicit-past form
}

// Run implements GraphRewrite.
func (p *StateManagementPattern) Run(g *ir.Graph, rctx *RewriteContext) bool {
	changed := false
	// Snapshot: the loop replaces nodes while scanning.
	nodes := make([]*ir.Node, len(g.Nodes))
	copy(nodes, g.Nodes)
	for _, node := range nodes {
		if node.OpType != "ScaledDotProductAttention" || len(node.Input) < 3 {
			continue
		}
		kBranch := matchCachedBranch(g, node.Input[1])
		vBranch := matchCachedBranch(g, node.Input[2])
		if kBranch == nil || vBranch == nil {
			klog.V(2).Infof("StateManagementPattern: SDPA node %q has no recognizable cached K/V state, skipping", node.Name)
			continue
		}

		layer := rctx.LayerIndex
		keyCache := newCacheParameter(g, kBranch.past, fmt.Sprintf("key_cache.%d", layer))
		valueCache := newCacheParameter(g, vBranch.past, fmt.Sprintf("value_cache.%d", layer))
		rctx.KVParams = append(rctx.KVParams, keyCache, valueCache)

		slidingWindow := rctx.attachSlidingWindow(g)
		inputs := []string{node.Input[0], kBranch.current, vBranch.current, keyCache.Out, valueCache.Out}
		for _, param := range rctx.RemainingParams {
			inputs = append(inputs, param.Out)
		}
		inputs = append(inputs, slidingWindow, rctx.MaxContextLen.Out)

		paged := &ir.Node{
			Name:   fmt.Sprintf("paged_attention.%d", layer),
			OpType: "PagedAttentionExtension",
			Input:  inputs,
			Output: node.Output,
		}
		g.RemoveNode(node)
		g.AddNode(paged)

		for _, branch := range []*cachedBranch{kBranch, vBranch} {
			if branch.pastParam != nil {
				rctx.MarkParamForRemoval(branch.pastParam)
			}
			for _, sink := range g.Sinks {
				if consumesTensor(sink, branch.concat.Output[0]) {
					rctx.SinksToRemove = append(rctx.SinksToRemove, sink)
				}
			}
		}

		rctx.LayerIndex++
		changed = true
	}
	return changed
}

// matchCachedBranch traces an SDPA key or value input back through
// Concat(past, current), where past is a ReadValue output (optionally
// beam-reordered by a Gather) or a legacy past-state parameter.
// Returns nil when the tensor is not fed by cached state.
func matchCachedBranch(g *ir.Graph, tensor string) *cachedBranch {
	concat := g.Producer(tensor)
	if concat == nil || concat.OpType != "Concat" || len(concat.Input) < 2 {
		return nil
	}
	branch := &cachedBranch{
		concat:  concat,
		past:    concat.Input[0],
		current: concat.Input[len(concat.Input)-1],
	}

	stateTensor := branch.past
	pastProducer := g.Producer(stateTensor)
	if pastProducer != nil && pastProducer.OpType == "Gather" && len(pastProducer.Input) > 0 {
		// Beam-search reorder between the state read and the concat.
		stateTensor = pastProducer.Input[0]
		pastProducer = g.Producer(stateTensor)
	}

	switch {
	case pastProducer != nil && pastProducer.OpType == "ReadValue":
		branch.readValue = pastProducer
	case pastProducer == nil:
		param := g.ParameterForTensor(stateTensor)
		if param == nil {
			return nil
		}
		branch.pastParam = param
	default:
		return nil
	}
	return branch
}

// newCacheParameter builds a per-layer block-addressed cache parameter,
// taking the element type from the replaced state tensor. The number of
// blocks and the block size are runtime properties, so those dimensions are
// always dynamic.
func newCacheParameter(g *ir.Graph, stateTensor, name string) *ir.Parameter {
	dtype := ir.F32
	shape := ir.Shape{ir.DynDim, ir.DynDim, ir.DynDim, ir.DynDim}
	if info, ok := g.TensorInfoOf(stateTensor); ok {
		if info.DType != ir.Undefined {
			dtype = info.DType
		}
		if info.Shape.Rank() == 4 {
			// State layout [batch, heads, seqLen, headDim] becomes cache
			// layout [numBlocks, heads, blockSize, headDim].
			shape = ir.Shape{ir.DynDim, info.Shape[1], ir.DynDim, info.Shape[3]}
		}
	}
	return ir.NewParameter(dtype, shape, name)
}

func consumesTensor(n *ir.Node, tensor string) bool {
	for _, in := range n.Input {
		if in == tensor {
			return true
		}
	}
	return false
}
