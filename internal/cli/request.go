package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"supplycore/pkg/domain"
)

// actorFlag binds the --actor flag shared by the workflow commands.
func actorFlag(cmd *cobra.Command, target *string) {
	cmd.Flags().StringVar(target, "actor", "", "address of the company acting")
}

func newRequestCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "request", Short: "Send and resolve transfer requests"}
	cmd.AddCommand(
		newRequestSendCommand(opts),
		newRequestResolveCommand(opts, "approve", "Approve an incoming request and ship the drawn lots", true),
		newRequestResolveCommand(opts, "decline", "Decline an incoming request", false),
		newContractCommand(opts),
		newDeleteRequestCommand(opts),
	)
	return cmd
}

func newRequestSendCommand(opts *RootOptions) *cobra.Command {
	var actor, supplier string
	cmd := &cobra.Command{
		Use:   "send <product-id> <quantity>",
		Short: "Ask an upstream supplier for units of a product",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			product, qty, err := productQuantity(args)
			if err != nil {
				return err
			}
			from, err := parseAddress("actor", actor)
			if err != nil {
				return err
			}
			to, err := parseAddress("supplier", supplier)
			if err != nil {
				return err
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				req, err := a.svc.SendRequest(ctx, from, to, product, qty)
				if err != nil {
					return err
				}
				return render(cmd, opts, req, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "request %d: %d of product %d from %s\n", req.ID, req.Quantity, req.Product, req.To)
					return err
				})
			})
		},
	}
	actorFlag(cmd, &actor)
	cmd.Flags().StringVar(&supplier, "supplier", "", "address of the supplying company")
	return cmd
}

func newRequestResolveCommand(opts *RootOptions, use, short string, approve bool) *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   use + " <request-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid request id %q: %w", args[0], err)
			}
			addr, err := parseAddress("actor", actor)
			if err != nil {
				return err
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if !approve {
					if err := a.svc.DeclineRequest(ctx, addr, id); err != nil {
						return err
					}
					return render(cmd, opts, map[string]any{"request_id": id, "state": domain.StateDeclined}, func(w io.Writer) error {
						_, err := fmt.Fprintf(w, "request %d declined\n", id)
						return err
					})
				}
				plan, err := a.svc.ApproveRequest(ctx, addr, id)
				if err != nil {
					return err
				}
				return render(cmd, opts, plan, planText(plan))
			})
		},
	}
	actorFlag(cmd, &actor)
	return cmd
}

func newContractCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "contract", Short: "Propose and resolve supply contracts"}

	var actor, counterparty string
	send := &cobra.Command{
		Use:   "send <product-id>",
		Short: "Propose a contract to another company",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			product, err := domain.ParseProductID(args[0])
			if err != nil {
				return err
			}
			from, err := parseAddress("actor", actor)
			if err != nil {
				return err
			}
			to, err := parseAddress("counterparty", counterparty)
			if err != nil {
				return err
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				c, err := a.svc.SendContract(ctx, from, to, product)
				if err != nil {
					return err
				}
				return render(cmd, opts, c, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "contract %d for product %d sent to %s\n", c.ID, c.Product, c.To)
					return err
				})
			})
		},
	}
	actorFlag(send, &actor)
	send.Flags().StringVar(&counterparty, "counterparty", "", "address of the receiving company")

	resolve := func(use string, approve bool) *cobra.Command {
		var actor string
		c := &cobra.Command{
			Use:   use + " <contract-id>",
			Short: use + " an incoming contract",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := strconv.ParseUint(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid contract id %q: %w", args[0], err)
				}
				addr, err := parseAddress("actor", actor)
				if err != nil {
					return err
				}
				return withApp(cmd, opts, func(ctx context.Context, a *app) error {
					state := domain.StateApproved
					if approve {
						err = a.svc.ApproveContract(ctx, addr, id)
					} else {
						state = domain.StateDeclined
						err = a.svc.DeclineContract(ctx, addr, id)
					}
					if err != nil {
						return err
					}
					return render(cmd, opts, map[string]any{"contract_id": id, "state": state}, func(w io.Writer) error {
						_, err := fmt.Fprintf(w, "contract %d %s\n", id, state)
						return err
					})
				})
			},
		}
		actorFlag(c, &actor)
		return c
	}
	cmd.AddCommand(send, resolve("approve", true), resolve("decline", false))
	return cmd
}

func newDeleteRequestCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "delete", Short: "Request and vote on product removal"}

	var actor string
	send := &cobra.Command{
		Use:   "send <product-id>",
		Short: "Ask downstream companies to agree to removing a product",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			product, err := domain.ParseProductID(args[0])
			if err != nil {
				return err
			}
			addr, err := parseAddress("actor", actor)
			if err != nil {
				return err
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				return a.svc.SendDeleteRequest(ctx, addr, product)
			})
		},
	}
	actorFlag(send, &actor)

	var responder string
	var reject bool
	respond := &cobra.Command{
		Use:   "respond <request-id>",
		Short: "Approve, or with --reject refuse, a delete request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid request id %q: %w", args[0], err)
			}
			addr, err := parseAddress("actor", responder)
			if err != nil {
				return err
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				return a.svc.RespondDeleteRequest(ctx, addr, id, !reject)
			})
		},
	}
	actorFlag(respond, &responder)
	respond.Flags().BoolVar(&reject, "reject", false, "refuse the removal")

	cmd.AddCommand(send, respond)
	return cmd
}
