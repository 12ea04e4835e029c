// pagedattn inspects and transforms graph snapshots: it rewrites stateful
// per-step attention graphs into the stateless paged-attention form.
//
// Usage:
//
//	pagedattn inspect model.graph
//	pagedattn transform model.graph model.paged.graph
package main

import (
	"flag"
	"fmt"

	"github.com/janpfeifer/must"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/statelessml/pagedattn/ir"
	"github.com/statelessml/pagedattn/pass"
)

func main() {
	klog.InitFlags(nil)

	rootCmd := &cobra.Command{
		Use:   "pagedattn",
		Short: "Rewrite stateful attention graphs for paged-attention serving",
	}
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)

	inspectCmd := &cobra.Command{
		Use:   "inspect <snapshot>",
		Short: "Print a summary and the parameter contract of a graph snapshot",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			g := must.M1(ir.ReadFile(args[0]))
			fmt.Print(pass.Summary(g))
			fmt.Print(pass.ParameterTable(g))
		},
	}

	transformCmd := &cobra.Command{
		Use:   "transform <in> <out>",
		Short: "Apply the SDPA-to-paged-attention rewrite and write the stateless snapshot",
		Run: func(cmd *cobra.Command, args []string) {
			g := must.M1(ir.ReadFile(args[0]))
			must.M(pass.SDPAToPagedAttention(g))
			must.M(ir.WriteFile(args[1], g))
			klog.Infof("wrote stateless graph %q to %s (%d parameters)", g.Name, args[1], len(g.Parameters))
		},
		Args: cobra.ExactArgs(2),
	}

	rootCmd.AddCommand(inspectCmd, transformCmd)
	must.M(rootCmd.Execute())
}
