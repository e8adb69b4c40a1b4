package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"supplycore/internal/core"
	"supplycore/pkg/domain"
)

func newLotsCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "lots", Short: "Inspect local supply lots"}
	cmd.AddCommand(newLotsListCommand(opts), newLotsSupplyCommand(opts))
	return cmd
}

func newLotsListCommand(opts *RootOptions) *cobra.Command {
	var (
		product uint64
		owner   string
		q       domain.LotQuery
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List lots oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q.Product = domain.ProductID(product)
			if owner != "" {
				addr, err := parseAddress("owner", owner)
				if err != nil {
					return err
				}
				q.Owner = addr
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				page, err := a.svc.ListSupplies(ctx, q)
				if err != nil {
					return err
				}
				return render(cmd, opts, page, func(w io.Writer) error {
					fmt.Fprintf(w, "page %d (%d per page), %d lots\n", page.Page, page.Limit, page.Total)
					return table(w, "LOT\tPRODUCT\tOWNER\tLEFT\tQUANTITY\tCREATED", func(tw *tabwriter.Writer) {
						for _, s := range page.Supplies {
							name := s.ProductInfo.Name
							if name == "" {
								name = fmt.Sprint(s.Product)
							}
							fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%s\n", s.ID, name, s.Owner, s.QuantityLeft, s.Quantity, s.CreatedAt.Format(time.RFC3339))
						}
					})
				})
			})
		},
	}
	cmd.Flags().Uint64Var(&product, "product", 0, "only lots of this product")
	cmd.Flags().StringVar(&owner, "owner", "", "only lots held by this address")
	cmd.Flags().IntVar(&q.Page, "page", 1, "page number")
	cmd.Flags().IntVar(&q.Limit, "limit", 10, "lots per page (max 100)")
	cmd.Flags().BoolVar(&q.Descending, "desc", false, "newest first")
	return cmd
}

func newLotsSupplyCommand(opts *RootOptions) *cobra.Command {
	var holder string
	cmd := &cobra.Command{
		Use:   "supply <product-id>",
		Short: "Compare the ledger's stock of a product with local lots",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			product, err := domain.ParseProductID(args[0])
			if err != nil {
				return err
			}
			addr, err := parseAddress("holder", holder)
			if err != nil {
				return err
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				out, err := a.svc.ProductSupply(ctx, product, addr)
				if err != nil {
					return err
				}
				return render(cmd, opts, out, func(w io.Writer) error {
					return supplyText(w, out)
				})
			})
		},
	}
	cmd.Flags().StringVar(&holder, "holder", "", "holding company address")
	return cmd
}

func supplyText(w io.Writer, s core.ProductSupply) error {
	fmt.Fprintf(w, "%s (%d) held by %s\n", s.Product.Name, s.Product.ID, s.Holder)
	fmt.Fprintf(w, "ledger supply %d, prerequisite %d, local lots %d\n", s.Supply.Total, s.Prerequisite.Total, s.LocalLeft)
	return table(w, "LOT\tLEFT\tQUANTITY", func(tw *tabwriter.Writer) {
		for _, lot := range s.Lots {
			fmt.Fprintf(tw, "%d\t%d\t%d\n", lot.ID, lot.QuantityLeft, lot.Quantity)
		}
	})
}
