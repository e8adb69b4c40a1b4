package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"supplycore/internal/allocation"
	"supplycore/pkg/domain"
)

// render writes v as indented JSON, or through text in text mode.
func render(cmd *cobra.Command, opts *RootOptions, v any, text func(io.Writer) error) error {
	w := cmd.OutOrStdout()
	if opts.Format == "json" || text == nil {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	return text(w)
}

func table(w io.Writer, header string, rows func(tw *tabwriter.Writer)) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, header)
	rows(tw)
	return tw.Flush()
}

func planText(plan allocation.Plan) func(io.Writer) error {
	return func(w io.Writer) error {
		name := plan.Name
		if name == "" {
			name = fmt.Sprintf("product %d", plan.Product)
		}
		fmt.Fprintf(w, "%d x %s for %s", plan.Quantity, name, plan.Holder)
		if plan.Output != 0 {
			fmt.Fprintf(w, " -> lot %d", plan.Output)
		}
		fmt.Fprintln(w)
		return table(w, "PRODUCT\tNEED\tAVAILABLE\tLOTS", func(tw *tabwriter.Writer) {
			for _, leg := range plan.Legs {
				lots := make([]string, 0, len(leg.Draws))
				for _, d := range leg.Draws {
					lots = append(lots, fmt.Sprintf("%d:%d", d.Lot, d.Quantity))
				}
				fmt.Fprintf(tw, "%d\t%d\t%d\t%s\n", leg.Product, leg.Need, leg.Available, strings.Join(lots, " "))
			}
		})
	}
}

func lotText(lot domain.SupplyLot) func(io.Writer) error {
	return func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "lot %d: %d/%d of product %d held by %s\n", lot.ID, lot.QuantityLeft, lot.Quantity, lot.Product, lot.Owner)
		return err
	}
}
