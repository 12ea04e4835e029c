package pass

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/statelessml/pagedattn/ir"
)

// graphOptions configures the synthetic stateful decoder graph the tests
// transform.
type graphOptions struct {
	layers          int
	withPositionIDs bool // graph already has a position_ids input
	withBeamIdx     bool // beam-search reorder between ReadValue and Concat
	derivedMask     bool // "attention_mask" is a computed tensor, not a Parameter
	rangePositions  bool // positions come from Range(prevLen, …) instead of CumSum(mask)
}

func addConstTensor(g *ir.Graph, name string, dtype ir.DataType, shape ir.Shape) string {
	n := &ir.Node{Name: name, OpType: "Constant", Output: []string{name}}
	n.SetAttr("dtype", ir.IntAttr(int64(dtype)))
	g.AddNode(n)
	g.SetTensorInfo(name, dtype, shape)
	return name
}

// makeStatefulGraph builds a miniature stateful decoder: token embedding plus
// position embedding, then opts.layers attention layers, each carrying its
// key/value cache through a ReadValue → Concat → Assign sink pair. Layer 0's
// state also feeds "how many tokens are cached" and "total length" reads so
// the sequence-length rewrites have something to match.
func makeStatefulGraph(t *testing.T, opts graphOptions) *ir.Graph {
	t.Helper()
	g := ir.NewGraph("tiny-decoder")

	require.NoError(t, g.AddParameter(ir.NewParameter(ir.I32, ir.Shape{ir.DynDim}, "input_ids")))
	if opts.derivedMask {
		zero := g.AddConstScalar("mask_zero", ir.I32, 0)
		g.AddNode(&ir.Node{Name: "attention_mask", OpType: "Greater",
			Input: []string{"input_ids", zero}, Output: []string{"attention_mask"}})
	} else {
		require.NoError(t, g.AddParameter(ir.NewParameter(ir.I64, ir.Shape{ir.DynDim, ir.DynDim}, "attention_mask")))
	}
	if opts.withBeamIdx {
		require.NoError(t, g.AddParameter(ir.NewParameter(ir.I32, ir.Shape{ir.DynDim}, "beam_idx")))
	}
	if opts.withPositionIDs {
		require.NoError(t, g.AddParameter(ir.NewParameter(ir.I64, ir.Shape{ir.DynDim}, "position_ids")))
	}

	stateShape := ir.Shape{ir.DynDim, 8, ir.DynDim, 64}
	for i := 0; i < opts.layers; i++ {
		for _, kv := range []string{"key", "value"} {
			short := kv[:1] // k or v
			read := &ir.Node{
				Name:   fmt.Sprintf("read_%s.%d", short, i),
				OpType: "ReadValue",
				Output: []string{fmt.Sprintf("past_%s.%d", short, i)},
			}
			read.SetAttr("variable_id", ir.StrAttr(fmt.Sprintf("past_key_values.%d.%s", i, kv)))
			g.AddNode(read)
			g.SetTensorInfo(read.Output[0], ir.F32, stateShape)
		}
	}

	// "How many tokens were already cached": layer-0 state shape.
	g.AddNode(&ir.Node{Name: "past_shape", OpType: "ShapeOf",
		Input: []string{"past_k.0"}, Output: []string{"past_shape"}})
	prevIdx := g.AddConstScalar("prev_len/index", ir.I64, 2)
	prevAxis := g.AddConstScalar("prev_len/axis", ir.I64, 0)
	g.AddNode(&ir.Node{Name: "prev_len", OpType: "Gather",
		Input: []string{"past_shape", prevIdx, prevAxis}, Output: []string{"prev_len"}})
	g.SetTensorInfo("prev_len", ir.I64, ir.Shape{})

	// Position indices, computed three different ways depending on options.
	positions := "position_ids"
	switch {
	case opts.withPositionIDs:
		// Supplied directly as an input.
	case opts.rangePositions:
		g.AddNode(&ir.Node{Name: "in_shape", OpType: "ShapeOf",
			Input: []string{"input_ids"}, Output: []string{"in_shape"}})
		inIdx := g.AddConstScalar("in_len/index", ir.I64, 0)
		inAxis := g.AddConstScalar("in_len/axis", ir.I64, 0)
		g.AddNode(&ir.Node{Name: "in_len", OpType: "Gather",
			Input: []string{"in_shape", inIdx, inAxis}, Output: []string{"in_len"}})
		g.AddNode(&ir.Node{Name: "range_end", OpType: "Add",
			Input: []string{"prev_len", "in_len"}, Output: []string{"range_end"}})
		step := g.AddConstScalar("range_step", ir.I64, 1)
		g.AddNode(&ir.Node{Name: "range_positions", OpType: "Range",
			Input: []string{"prev_len", "range_end", step}, Output: []string{"positions"}})
		positions = "positions"
	default:
		axis := g.AddConstScalar("cumsum_axis", ir.I64, 1)
		g.AddNode(&ir.Node{Name: "mask_cumsum", OpType: "CumSum",
			Input: []string{"attention_mask", axis}, Output: []string{"mask_cumsum"}})
		one := g.AddConstScalar("one_i64", ir.I64, 1)
		g.AddNode(&ir.Node{Name: "positions", OpType: "Sub",
			Input: []string{"mask_cumsum", one}, Output: []string{"positions"}})
		positions = "positions"
	}

	embedTable := addConstTensor(g, "embed_table", ir.F32, ir.Shape{32000, 512})
	g.AddNode(&ir.Node{Name: "embed", OpType: "Gather",
		Input: []string{embedTable, "input_ids"}, Output: []string{"h.0.pre"}})
	posTable := addConstTensor(g, "pos_table", ir.F32, ir.Shape{4096, 512})
	g.AddNode(&ir.Node{Name: "pos_embed", OpType: "Gather",
		Input: []string{posTable, positions}, Output: []string{"pos_embed"}})
	g.AddNode(&ir.Node{Name: "h.0", OpType: "Add",
		Input: []string{"h.0.pre", "pos_embed"}, Output: []string{"h.0"}})

	hidden := "h.0"
	for i := 0; i < opts.layers; i++ {
		wq := addConstTensor(g, fmt.Sprintf("wq.%d", i), ir.F32, ir.Shape{512, 512})
		wk := addConstTensor(g, fmt.Sprintf("wk.%d", i), ir.F32, ir.Shape{512, 512})
		wv := addConstTensor(g, fmt.Sprintf("wv.%d", i), ir.F32, ir.Shape{512, 512})
		wo := addConstTensor(g, fmt.Sprintf("wo.%d", i), ir.F32, ir.Shape{512, 512})

		q := fmt.Sprintf("q.%d", i)
		g.AddNode(&ir.Node{Name: q, OpType: "MatMul", Input: []string{hidden, wq}, Output: []string{q}})

		var totals [2]string
		for j, proj := range []string{wk, wv} {
			short := []string{"k", "v"}[j]
			cur := fmt.Sprintf("%s_cur.%d", short, i)
			g.AddNode(&ir.Node{Name: cur, OpType: "MatMul", Input: []string{hidden, proj}, Output: []string{cur}})

			past := fmt.Sprintf("past_%s.%d", short, i)
			if opts.withBeamIdx {
				reordered := fmt.Sprintf("past_%s_reordered.%d", short, i)
				g.AddNode(&ir.Node{Name: reordered, OpType: "Gather",
					Input: []string{past, "beam_idx"}, Output: []string{reordered}})
				g.SetTensorInfo(reordered, ir.F32, stateShape)
				past = reordered
			}

			total := fmt.Sprintf("%s_total.%d", short, i)
			concat := &ir.Node{Name: total, OpType: "Concat",
				Input: []string{past, cur}, Output: []string{total}}
			concat.SetAttr("axis", ir.IntAttr(2))
			g.AddNode(concat)
			g.SetTensorInfo(total, ir.F32, stateShape)

			assign := &ir.Node{Name: fmt.Sprintf("assign_%s.%d", short, i), OpType: "Assign",
				Input: []string{total}, Output: []string{fmt.Sprintf("assign_%s_out.%d", short, i)}}
			assign.SetAttr("variable_id", ir.StrAttr(fmt.Sprintf("past_key_values.%d.%s", i, []string{"key", "value"}[j])))
			g.AddNode(assign)
			g.AddSink(assign)
			totals[j] = total
		}

		attn := fmt.Sprintf("attn.%d", i)
		g.AddNode(&ir.Node{Name: attn, OpType: "ScaledDotProductAttention",
			Input: []string{q, totals[0], totals[1]}, Output: []string{attn}})

		next := fmt.Sprintf("h.%d", i+1)
		g.AddNode(&ir.Node{Name: next, OpType: "MatMul", Input: []string{attn, wo}, Output: []string{next}})
		hidden = next
	}

	// "Total sequence length so far": layer-0 concatenated state shape.
	g.AddNode(&ir.Node{Name: "total_shape", OpType: "ShapeOf",
		Input: []string{"k_total.0"}, Output: []string{"total_shape"}})
	totalIdx := g.AddConstScalar("total_len/index", ir.I64, 2)
	totalAxis := g.AddConstScalar("total_len/axis", ir.I64, 0)
	g.AddNode(&ir.Node{Name: "total_len", OpType: "Gather",
		Input: []string{"total_shape", totalIdx, totalAxis}, Output: []string{"total_len"}})
	g.SetTensorInfo("total_len", ir.I64, ir.Shape{})

	// Keep the length reads observable through a debug output.
	g.AddNode(&ir.Node{Name: "len_debug", OpType: "Add",
		Input: []string{"prev_len", "total_len"}, Output: []string{"len_debug"}})
	g.Results = append(g.Results, &ir.Result{Name: "len_debug", Input: "len_debug"})

	wLogits := addConstTensor(g, "w_logits", ir.F32, ir.Shape{512, 32000})
	g.AddNode(&ir.Node{Name: "logits", OpType: "MatMul",
		Input: []string{hidden, wLogits}, Output: []string{"logits"}})
	g.Results = append(g.Results, &ir.Result{Name: "logits", Input: "logits"})

	require.NoError(t, g.Validate())
	return g
}

// newTestRewriteContext builds the context SDPAToPagedAttention would hand
// the sub-passes, for tests that run a single pass in isolation.
func newTestRewriteContext() *RewriteContext {
	return &RewriteContext{
		SlidingWindow: ir.ConstScalar("sliding_window", ir.I32, 0),
		MaxContextLen: ir.NewParameter(ir.I32, ir.Shape{}, MaxContextLenName),
		RemainingParams: []*ir.Parameter{
			ir.NewParameter(ir.I32, ir.Shape{ir.DynDim}, ContextLensName),
			ir.NewParameter(ir.I32, ir.Shape{ir.DynDim}, SubsequenceBeginsName),
			ir.NewParameter(ir.I32, ir.Shape{ir.DynDim}, BlockIndicesName),
			ir.NewParameter(ir.I32, ir.Shape{ir.DynDim}, BlockIndicesBeginsName),
		},
		PrevMaxSeqLen: "prev_max_seq_len",
		PositionIDs:   "position_ids/unsqueezed",
	}
}

// findNode returns the first node with the given op type, or nil.
func findNode(g *ir.Graph, opType string) *ir.Node {
	for _, n := range g.Nodes {
		if n.OpType == opType {
			return n
		}
	}
	return nil
}

// countNodes counts nodes with the given op type.
func countNodes(g *ir.Graph, opType string) int {
	count := 0
	for _, n := range g.Nodes {
		if n.OpType == opType {
			count++
		}
	}
	return count
}

// paramNames returns the canonical names of the graph's parameter list, in order.
func paramNames(g *ir.Graph) []string {
	names := make([]string, len(g.Parameters))
	for i, p := range g.Parameters {
		names[i] = p.Name()
	}
	return names
}
