package pass

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/statelessml/pagedattn/ir"
)

// Names of the scheduling-metadata inputs appended by the transformation, in
// the order downstream paged-attention engines bind them.
const (
	MaxContextLenName      = "max_context_len"
	ContextLensName        = "context_lens"
	SubsequenceBeginsName  = "subsequence_begins"
	BlockIndicesName       = "block_indices"
	BlockIndicesBeginsName = "block_indices_begins"
)

// SDPAToPagedAttention rewrites a stateful per-step attention graph into a
// stateless one for paged-attention serving: the key/value caches and the
// batch scheduling metadata become ordinary inputs, the attention mask and
// beam index disappear, and no state sinks remain.
//
// On success the graph's parameter list ends with the per-layer key/value
// cache parameters (layer order), the four scheduling vectors and finally
// the scalar max_context_len; that order is a binding contract.
//
// On error the graph is left partially edited with no rollback: treat it as
// undefined and discard it.
func SDPAToPagedAttention(g *ir.Graph) error {
	maxContextLen := ir.NewParameter(ir.I32, ir.Shape{}, MaxContextLenName)
	remainingParams := []*ir.Parameter{
		ir.NewParameter(ir.I32, ir.Shape{ir.DynDim}, ContextLensName),
		ir.NewParameter(ir.I32, ir.Shape{ir.DynDim}, SubsequenceBeginsName),
		ir.NewParameter(ir.I32, ir.Shape{ir.DynDim}, BlockIndicesName),
		ir.NewParameter(ir.I32, ir.Shape{ir.DynDim}, BlockIndicesBeginsName),
	}
	slidingWindow := ir.ConstScalar("sliding_window", ir.I32, 0) // disabled

	// Token ids: flatten to one dynamic token axis and append the trailing
	// unit axis the rewritten attention subgraphs broadcast over.
	inputIDs, err := g.ParameterByName("input_ids")
	if err != nil {
		return errors.WithMessage(err, "SDPAToPagedAttention")
	}
	g.SetParamShape(inputIDs, ir.Shape{ir.DynDim})
	unsqueezedInputIDs := insertUnsqueeze(g, inputIDs.Out, inputIDs.DType)

	// Position ids: reuse and relax, or synthesize. Either way the adapted
	// tensor becomes the single source of truth for position computation.
	// A derived tensor already named position_ids is a structural error:
	// synthesizing a parameter over it would create a second producer.
	positionIDs, err := g.ParameterByName("position_ids")
	switch {
	case err == nil:
		g.SetParamShape(positionIDs, ir.Shape{ir.DynDim})
	case g.Producer("position_ids") != nil:
		return errors.WithMessage(err, "SDPAToPagedAttention")
	default:
		positionIDs = ir.NewParameter(ir.I64, ir.Shape{ir.DynDim}, "position_ids")
		if err := g.AddParameter(positionIDs); err != nil {
			return errors.WithMessage(err, "SDPAToPagedAttention")
		}
	}
	unsqueezedPositionIDs := insertUnsqueeze(g, positionIDs.Out, positionIDs.DType)

	prevMaxSeqLen := buildPrevMaxSeqLen(g, unsqueezedInputIDs, maxContextLen.Out)

	rctx := &RewriteContext{
		SlidingWindow:   slidingWindow,
		MaxContextLen:   maxContextLen,
		RemainingParams: remainingParams,
		PrevMaxSeqLen:   prevMaxSeqLen,
		PositionIDs:     unsqueezedPositionIDs,
	}
	g.SetTensorInfo(maxContextLen.Out, ir.I32, ir.Shape{})

	// Structural invariants are only restored by finalization, so the
	// manager must not validate between passes. Pass 1 establishes the
	// max_context_len wiring passes 2 and 3 replace lengths with; pass 4 is
	// independent.
	manager := NewManager().SetPerPassValidation(false)
	manager.Register(&StateManagementPattern{})
	manager.Register(&PrevSequenceLengthPattern{})
	manager.Register(&TotalSequenceLengthPattern{})
	manager.Register(&PositionIDsReplacer{})
	if err := manager.Run(g, rctx); err != nil {
		return errors.WithMessage(err, "SDPAToPagedAttention")
	}

	if err := finalizeStateless(g, rctx); err != nil {
		return errors.WithMessage(err, "SDPAToPagedAttention")
	}

	klog.V(1).Infof("SDPAToPagedAttention: rewrote %d attention layers, removed %d parameters, graph now has %d inputs and %d sinks",
		rctx.LayerIndex, len(rctx.ParamsToRemove), len(g.Parameters), len(g.Sinks))
	return nil
}

// insertUnsqueeze adds a trailing unit axis to the parameter's tensor and
// rewires every existing consumer to the expanded tensor.
func insertUnsqueeze(g *ir.Graph, tensor string, dtype ir.DataType) string {
	out := tensor + "/unsqueezed"
	unsqueeze := &ir.Node{
		Name:   out,
		OpType: "Unsqueeze",
		Input:  []string{tensor},
		Output: []string{out},
	}
	unsqueeze.SetAttr("axes", ir.IntsAttr(1))
	g.AddNode(unsqueeze)
	shape := ir.Shape{ir.DynDim, 1}
	if info, ok := g.TensorInfoOf(tensor); ok && !info.Shape.IsScalar() {
		shape = append(info.Shape.Clone(), 1)
	}
	g.SetTensorInfo(out, dtype, shape)
	g.ReplaceAllConsumers(tensor, out, unsqueeze)
	return out
}

// buildPrevMaxSeqLen emits max_context_len minus the current sequence-axis
// size of the adapted token input. The nodes are dead until a rewrite pass
// wires readers to them.
func buildPrevMaxSeqLen(g *ir.Graph, unsqueezedInputIDs, maxContextLen string) string {
	shapeOf := &ir.Node{
		Name:   "input_ids/shape",
		OpType: "ShapeOf",
		Input:  []string{unsqueezedInputIDs},
		Output: []string{"input_ids/shape"},
	}
	g.AddNode(shapeOf)
	g.SetTensorInfo(shapeOf.Output[0], ir.I64, ir.Shape{2})

	seqAxis := g.AddConstScalar("cur_seq_len/index", ir.I64, 0)
	gatherAxis := g.AddConstScalar("cur_seq_len/axis", ir.I64, 0)
	gather := &ir.Node{
		Name:   "cur_seq_len",
		OpType: "Gather",
		Input:  []string{shapeOf.Output[0], seqAxis, gatherAxis},
		Output: []string{"cur_seq_len"},
	}
	g.AddNode(gather)
	g.SetTensorInfo(gather.Output[0], ir.I64, ir.Shape{})

	convert := &ir.Node{
		Name:   "cur_seq_len/i32",
		OpType: "Convert",
		Input:  []string{gather.Output[0]},
		Output: []string{"cur_seq_len/i32"},
	}
	convert.SetAttr("to", ir.IntAttr(int64(ir.I32)))
	g.AddNode(convert)
	g.SetTensorInfo(convert.Output[0], ir.I32, ir.Shape{})

	subtract := &ir.Node{
		Name:   "prev_max_seq_len",
		OpType: "Subtract",
		Input:  []string{maxContextLen, convert.Output[0]},
		Output: []string{"prev_max_seq_len"},
	}
	g.AddNode(subtract)
	g.SetTensorInfo(subtract.Output[0], ir.I32, ir.Shape{})
	return subtract.Output[0]
}

// finalizeStateless performs the closing structural edit: remove the legacy
// inputs and every state sink, then append the new inputs in contract order.
func finalizeStateless(g *ir.Graph, rctx *RewriteContext) error {
	if g.HasInput("beam_idx") {
		beamIdx, err := g.ParameterByName("beam_idx")
		if err != nil {
			return err
		}
		g.RemoveParameter(beamIdx)
	}

	attentionMask, err := g.ParameterByName("attention_mask")
	if err != nil {
		return err
	}
	g.RemoveParameter(attentionMask)

	for _, p := range rctx.ParamsToRemove {
		g.RemoveParameter(p)
	}

	// Remove every sink aggressively: the path from a kv-cache concat to
	// its Assign can be arbitrarily complicated, and a graph with only some
	// sinks disconnected is unusable anyway, so there is no point tracking
	// it precisely.
	tracked := make(map[*ir.Node]bool, len(rctx.SinksToRemove))
	for _, sink := range rctx.SinksToRemove {
		tracked[sink] = true
	}
	untracked := 0
	for _, sink := range append([]*ir.Node(nil), g.Sinks...) {
		if !tracked[sink] {
			untracked++
		}
		g.RemoveSink(sink)
	}
	if untracked > 0 {
		klog.Warningf("finalize: removed %d state sinks that no rewrite pass matched; their layers were not converted to paged attention", untracked)
	}

	for _, r := range rctx.ResultsToRemove {
		g.RemoveResult(r)
	}

	if err := g.AddParameters(rctx.KVParams...); err != nil {
		return err
	}
	if err := g.AddParameters(rctx.RemainingParams...); err != nil {
		return err
	}
	if err := g.AddParameter(rctx.MaxContextLen); err != nil {
		return err
	}

	g.PruneDead()
	return nil
}
