package cli

import (
	"context"
	"strconv"

	"github.com/spf13/cobra"

	"supplycore/internal/allocation"
	"supplycore/pkg/domain"
)

// productQuantity parses the <product-id> <quantity> argument pair.
func productQuantity(args []string) (domain.ProductID, uint64, error) {
	product, err := domain.ParseProductID(args[0])
	if err != nil {
		return 0, 0, err
	}
	qty, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	return product, qty, nil
}

func newAllocateCommand(opts *RootOptions) *cobra.Command {
	var (
		requester   string
		manufacture bool
	)
	cmd := &cobra.Command{
		Use:   "allocate <product-id> <quantity>",
		Short: "Show the lots an allocation would draw, without committing",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			product, qty, err := productQuantity(args)
			if err != nil {
				return err
			}
			addr, err := parseAddress("requester", requester)
			if err != nil {
				return err
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				plan, err := a.svc.PlanAllocation(ctx, allocation.Request{Product: product, Quantity: qty, Requester: addr, Manufacture: manufacture})
				if err != nil {
					return err
				}
				return render(cmd, opts, plan, planText(plan))
			})
		},
	}
	cmd.Flags().StringVar(&requester, "requester", "", "address whose lots are drawn")
	cmd.Flags().BoolVar(&manufacture, "manufacture", false, "expand the product's recipe")
	return cmd
}

func newManufactureCommand(opts *RootOptions) *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "manufacture <product-id> <quantity>",
		Short: "Consume prerequisite lots to produce a new lot",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			product, qty, err := productQuantity(args)
			if err != nil {
				return err
			}
			addr, err := parseAddress("actor", actor)
			if err != nil {
				return err
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				plan, _, err := a.svc.Manufacture(ctx, addr, product, qty)
				if err != nil {
					return err
				}
				return render(cmd, opts, plan, planText(plan))
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "manufacturing company address")
	return cmd
}

func newConvertCommand(opts *RootOptions) *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "convert <product-id> <quantity>",
		Short: "Register raw stock of a product as a new lot",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			product, qty, err := productQuantity(args)
			if err != nil {
				return err
			}
			addr, err := parseAddress("actor", actor)
			if err != nil {
				return err
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				lot, err := a.svc.ConvertToSupply(ctx, addr, product, qty)
				if err != nil {
					return err
				}
				return render(cmd, opts, lot, lotText(lot))
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "producing company address")
	return cmd
}
