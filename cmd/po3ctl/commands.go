package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/camuig/po3-trader/internal/po3"
	"github.com/camuig/po3-trader/internal/storage"
	"github.com/camuig/po3-trader/internal/web"
)

type rootOptions struct {
	addr    string
	timeout time.Duration
	json    bool
}

func (o *rootOptions) client() *apiClient {
	return newAPIClient(o.addr, o.timeout)
}

func newRootCmd() *cobra.Command {
	o := &rootOptions{}
	addr := os.Getenv("PO3_ADDR")
	if addr == "" {
		addr = "http://localhost:8080"
	}

	cmd := &cobra.Command{
		Use:           "po3ctl",
		Short:         "Operate a running po3-trader",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().StringVar(&o.addr, "addr", addr, "po3-trader web address (env PO3_ADDR)")
	cmd.PersistentFlags().DurationVar(&o.timeout, "timeout", 15*time.Minute, "request timeout")
	cmd.PersistentFlags().BoolVar(&o.json, "json", false, "print raw JSON")

	cmd.AddCommand(
		newStatusCmd(o),
		newContextCmd(o),
		newForceCmd(o),
		newResetCmd(o),
		newPauseCmd(o, true),
		newPauseCmd(o, false),
		newOrdersCmd(o),
	)
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newStatusCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show today's status of every instrument",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var st struct {
				Paused   bool           `json:"paused"`
				Contexts []*po3.Context `json:"contexts"`
			}
			if err := o.client().get(cmd.Context(), "/api/status", &st); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if o.json {
				return printJSON(out, st)
			}

			if st.Paused {
				fmt.Fprintln(out, "scheduler: PAUSED")
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "INSTRUMENT\tSTATUS\tBIAS\tTRADE\tLOCKED")
			for _, c := range st.Contexts {
				bias := "-"
				if c.Bias != nil {
					bias = string(c.Bias.Bias)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\n", c.Instrument, c.Status, bias, c.TradeState, c.Locked)
			}
			return tw.Flush()
		},
	}
}

func newContextCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "context INSTRUMENT",
		Short: "Show the full context of one instrument",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var c po3.Context
			path := "/api/contexts/" + url.PathEscape(strings.ToUpper(args[0]))
			if err := o.client().get(cmd.Context(), path, &c); err != nil {
				return err
			}
			if o.json {
				return printJSON(cmd.OutOrStdout(), c)
			}
			fmt.Fprintln(cmd.OutOrStdout(), c.Summary())
			return nil
		},
	}
}

func newForceCmd(o *rootOptions) *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "force STAGE [INSTRUMENT...]",
		Short: "Force a stage (1-4, bias, manipulation, entry, holdclose) for some or all instruments",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := po3.ParseStage(args[0]); err != nil {
				return err
			}
			req := web.ForceRequest{Stage: args[0], Instruments: args[1:], Wait: wait}
			out := cmd.OutOrStdout()

			if !wait {
				var acc web.ForceAccepted
				if err := o.client().post(cmd.Context(), "/api/force", req, &acc); err != nil {
					return err
				}
				if o.json {
					return printJSON(out, acc)
				}
				fmt.Fprintf(out, "stage %d accepted for %s\n", acc.Stage, strings.Join(acc.Instruments, ", "))
				return nil
			}

			var reports []web.ReportView
			if err := o.client().post(cmd.Context(), "/api/force", req, &reports); err != nil {
				return err
			}
			if o.json {
				return printJSON(out, reports)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "INSTRUMENT\tACTION\tFROM\tTO\tDETAIL")
			for _, r := range reports {
				detail := r.Reason
				if r.Error != "" {
					detail = r.Error
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.Instrument, r.Action, r.From, r.To, detail)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the runs and print their results")
	return cmd
}

func newResetCmd(o *rootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "reset INSTRUMENT",
		Short: "Start the trading day over for one instrument",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/reset/" + url.PathEscape(strings.ToUpper(args[0]))
			if force {
				path += "?force=true"
			}
			var c po3.Context
			if err := o.client().post(cmd.Context(), path, nil, &c); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s reset to %s\n", c.Instrument, c.Status)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "reset even while a stage is running")
	return cmd
}

func newPauseCmd(o *rootOptions, pause bool) *cobra.Command {
	use, short, path := "resume", "Resume scheduled stage runs", "/api/resume"
	if pause {
		use, short, path = "pause", "Pause scheduled stage runs", "/api/pause"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var st struct {
				Paused bool `json:"paused"`
			}
			if err := o.client().post(cmd.Context(), path, nil, &st); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "paused: %t\n", st.Paused)
			return nil
		},
	}
}

func newOrdersCmd(o *rootOptions) *cobra.Command {
	var (
		open  bool
		limit int
	)
	cmd := &cobra.Command{
		Use:   "orders",
		Short: "List recorded orders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/api/orders?limit=%d", limit)
			if open {
				path = "/api/orders?open=true"
			}
			var orders []storage.OrderRecord
			if err := o.client().get(cmd.Context(), path, &orders); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if o.json {
				return printJSON(out, orders)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "INSTRUMENT\tTICKET\tDIR\tSTATUS\tPRICE\tP&L\tOPENED")
			for _, r := range orders {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.5f\t%.2f\t%s\n",
					r.Instrument, r.Ticket, r.Direction, r.Status, r.Price, r.PnL, r.CreatedAt.Format("2006-01-02 15:04"))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&open, "open", false, "only pending or active orders")
	cmd.Flags().IntVar(&limit, "limit", 20, "number of recent orders")
	return cmd
}
