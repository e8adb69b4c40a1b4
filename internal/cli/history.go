package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"supplycore/internal/history"
)

type historyFlags struct {
	direction string
	span      string
}

func (f *historyFlags) bind(cmd *cobra.Command, withSpan bool) {
	cmd.Flags().StringVar(&f.direction, "direction", string(history.Incoming), "incoming or outgoing")
	if withSpan {
		cmd.Flags().StringVar(&f.span, "span", string(history.All), "all, current or past")
	}
}

func newHistoryCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "history", Short: "Request and delete-request timelines"}

	var reqFlags historyFlags
	requests := &cobra.Command{
		Use:   "requests <address>",
		Short: "Pending and resolved requests of a company, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parseAddress("address", args[0])
			if err != nil {
				return err
			}
			dir, err := history.ParseDirection(reqFlags.direction)
			if err != nil {
				return err
			}
			span, err := history.ParseSpan(reqFlags.span)
			if err != nil {
				return err
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				entries, err := a.svc.Timeline(ctx, addr, dir, span)
				if err != nil {
					return err
				}
				return render(cmd, opts, entries, func(w io.Writer) error {
					return table(w, "REQUEST\tSTATE\tFROM\tTO\tPRODUCT\tQUANTITY\tAT", func(tw *tabwriter.Writer) {
						for _, e := range entries {
							fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\t%s\n", e.RequestID, e.State, e.From, e.To, e.Product.Name, e.Quantity, stamp(e.At))
						}
					})
				})
			})
		},
	}
	reqFlags.bind(requests, true)

	var delFlags historyFlags
	deletes := &cobra.Command{
		Use:   "deletes <address>",
		Short: "Delete requests sent or received by a company",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parseAddress("address", args[0])
			if err != nil {
				return err
			}
			dir, err := history.ParseDirection(delFlags.direction)
			if err != nil {
				return err
			}
			span, err := history.ParseSpan(delFlags.span)
			if err != nil {
				return err
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				entries, err := a.svc.DeleteTimeline(ctx, addr, dir, span)
				if err != nil {
					return err
				}
				return render(cmd, opts, entries, func(w io.Writer) error {
					return table(w, "REQUEST\tSTATE\tOWNER\tRESPONDER\tPRODUCT\tAT", func(tw *tabwriter.Writer) {
						for _, e := range entries {
							fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", e.RequestID, e.State, e.Owner, e.Responder, e.Product.Name, stamp(e.At))
						}
					})
				})
			})
		},
	}
	delFlags.bind(deletes, true)

	var lookupFlags historyFlags
	lookup := &cobra.Command{
		Use:   "lookup <address> <request-id>",
		Short: "Find one request of a company",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parseAddress("address", args[0])
			if err != nil {
				return err
			}
			id, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid request id %q: %w", args[1], err)
			}
			dir, err := history.ParseDirection(lookupFlags.direction)
			if err != nil {
				return err
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				e, err := a.svc.LookupRequest(ctx, addr, dir, id)
				if err != nil {
					return err
				}
				return render(cmd, opts, e, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "request %d %s: %d x %s from %s to %s\n", e.RequestID, e.State, e.Quantity, e.Product.Name, e.From, e.To)
					return err
				})
			})
		},
	}
	lookupFlags.bind(lookup, false)

	cmd.AddCommand(requests, deletes, lookup)
	return cmd
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}
