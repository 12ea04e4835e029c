package pass

import (
	"bytes"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/statelessml/pagedattn/ir"
)

// ParameterTable renders the graph's ordered parameter list as a table.
// After a successful transformation this is the binding contract a
// paged-attention engine sees, so the row order matters.
func ParameterTable(g *ir.Graph) string {
	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetHeader([]string{"#", "Name", "Type", "Shape", "Aliases"})
	for i, p := range g.Parameters {
		aliases := ""
		if len(p.Names) > 1 {
			aliases = strings.Join(p.Names[1:], ", ")
		}
		table.Append([]string{
			strconv.Itoa(i),
			p.Name(),
			p.DType.String(),
			p.Shape.String(),
			aliases,
		})
	}
	table.Render()
	return buf.String()
}

// Summary returns a one-screen description of the graph, in the spirit of a
// model Stringer: counts plus the op types present.
func Summary(g *ir.Graph) string {
	var buf bytes.Buffer
	w := func(format string, args ...any) {
		buf.WriteString(fmt.Sprintf(format, args...))
	}
	w("Graph %q:\n", g.Name)
	w("\t# parameters:\t%d\n", len(g.Parameters))
	w("\t# results:\t%d\n", len(g.Results))
	w("\t# sinks:\t%d\n", len(g.Sinks))
	w("\t# nodes:\t%d\n", len(g.Nodes))

	opTypes := make(map[string]bool)
	for _, n := range g.Nodes {
		opTypes[n.OpType] = true
	}
	w("\tOp types:\t%s\n", strings.Join(slices.Sorted(maps.Keys(opTypes)), ", "))
	return buf.String()
}
