package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"supplycore/internal/graph"
	"supplycore/pkg/domain"
)

func newGraphCommand(opts *RootOptions) *cobra.Command {
	var x0 float64
	cmd := &cobra.Command{Use: "graph", Short: "Render company and lot graphs"}
	cmd.PersistentFlags().Float64Var(&x0, "x", 0, "horizontal origin of the layout")

	company := &cobra.Command{
		Use:   "company <address>",
		Short: "Companies reachable downstream of one company",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parseAddress("address", args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				g, err := a.svc.CompanyGraph(ctx, addr, x0)
				return renderGraph(cmd, opts, g, err)
			})
		},
	}
	network := &cobra.Command{
		Use:   "network [address...]",
		Short: "The whole network, or the part reachable from the given roots",
		RunE: func(cmd *cobra.Command, args []string) error {
			roots := make([]domain.Address, 0, len(args))
			for _, raw := range args {
				addr, err := parseAddress("root", raw)
				if err != nil {
					return err
				}
				roots = append(roots, addr)
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				g, err := a.svc.Network(ctx, roots, x0)
				return renderGraph(cmd, opts, g, err)
			})
		},
	}
	supply := &cobra.Command{
		Use:   "supply <lot-id>",
		Short: "The lots a lot was made from",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lot, err := domain.ParseLotID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				g, err := a.svc.SupplyChain(ctx, lot, x0)
				return renderGraph(cmd, opts, g, err)
			})
		},
	}
	cmd.AddCommand(company, network, supply)
	return cmd
}

func renderGraph(cmd *cobra.Command, opts *RootOptions, g graph.Graph, err error) error {
	if err != nil {
		return err
	}
	return render(cmd, opts, g, func(w io.Writer) error {
		for _, n := range g.Nodes {
			fmt.Fprintf(w, "node %s %q at (%.0f, %.0f)\n", n.ID, n.Data.Label, n.Position.X, n.Position.Y)
		}
		for _, e := range g.Edges {
			fmt.Fprintf(w, "edge %s -> %s %s\n", e.Source, e.Target, e.Label)
		}
		return nil
	})
}
