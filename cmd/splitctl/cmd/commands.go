package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/warp/shared-ledger/ledger"
	"github.com/warp/shared-ledger/reconcile"
)

func newBalanceCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "balance",
		Short: "Show who owes whom",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer s.Close()

			printBalance(cmd.OutOrStdout(), s.ctrl.View().Result, s.currency())
			return nil
		},
	}
}

func newListCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List events, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer s.Close()

			printEvents(cmd.OutOrStdout(), s.ctrl.View().Newest(), s.classifier, s.currency())
			return nil
		},
	}
}

func newAddCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "add <participant> <amount>",
		Short: "Record a shared expense",
		Long: `Record an expense paid by one participant on behalf of both.

The amount accepts a decimal point or a decimal comma.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer s.Close()

			id, err := s.ctrl.AddExpense(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "recorded %s\n", id)
			printBalance(cmd.OutOrStdout(), s.ctrl.View().Result, s.currency())
			return nil
		},
	}
}

func newEditCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "edit <event-id> <amount>",
		Short: "Change the amount of an event",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer s.Close()

			id, err := resolveID(s.ctrl.View(), args[0])
			if err != nil {
				return err
			}
			s.ctrl.Interactions().StartEdit(id)
			if err := s.ctrl.SaveEdit(cmd.Context(), args[1]); err != nil {
				s.ctrl.Interactions().CancelEdit()
				return err
			}
			printBalance(cmd.OutOrStdout(), s.ctrl.View().Result, s.currency())
			return nil
		},
	}
}

func newDeleteCmd(opts *options) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete <event-id>",
		Short: "Delete an event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer s.Close()

			id, err := resolveID(s.ctrl.View(), args[0])
			if err != nil {
				return err
			}
			rows := s.ctrl.Interactions()
			rows.RequestDelete(id)
			if !yes && !confirm(cmd, fmt.Sprintf("Delete %s?", id)) {
				rows.CancelDelete()
				fmt.Fprintln(cmd.OutOrStdout(), "cancelled")
				return nil
			}
			if err := s.ctrl.ConfirmDelete(cmd.Context()); err != nil {
				return err
			}
			printBalance(cmd.OutOrStdout(), s.ctrl.View().Result, s.currency())
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

func newSettleCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "settle <amount>",
		Short: "Record a reimbursement from the current debtor",
		Long: `Record a reimbursement paid by whoever currently owes money.

Partial amounts are allowed. Nothing is recorded when the ledger is settled.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer s.Close()

			if _, err := s.ctrl.SettleUp(cmd.Context(), args[0]); err != nil {
				if errors.Is(err, reconcile.ErrNothingToSettle) {
					fmt.Fprintln(cmd.OutOrStdout(), "All settled")
					return nil
				}
				return err
			}
			printBalance(cmd.OutOrStdout(), s.ctrl.View().Result, s.currency())
			return nil
		},
	}
}

func newResetCmd(opts *options) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete every event",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer s.Close()

			rows := s.ctrl.Interactions()
			rows.RequestReset()
			n := len(s.ctrl.View().Events)
			if !yes && !confirm(cmd, fmt.Sprintf("Delete all %d events?", n)) {
				rows.CancelReset()
				fmt.Fprintln(cmd.OutOrStdout(), "cancelled")
				return nil
			}
			if err := s.ctrl.ConfirmReset(cmd.Context()); err != nil {
				return err
			}
			printBalance(cmd.OutOrStdout(), s.ctrl.View().Result, s.currency())
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

func newWatchCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print the balance every time the ledger changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			s, err := openSession(ctx, opts)
			if err != nil {
				return err
			}
			defer s.Close()

			updated := make(chan struct{}, 1)
			s.ctrl.OnUpdate(func(reconcile.View) {
				select {
				case updated <- struct{}{}:
				default:
				}
			})

			watchLoop(ctx, cmd.OutOrStdout(), s.ctrl, updated, s.currency())
			return nil
		},
	}
}

// watchLoop prints the balance once up front and again whenever updated
// fires. The view is read when the signal is handled, not when it is sent,
// so a burst of refreshes always ends with the newest balance on screen.
func watchLoop(ctx context.Context, out io.Writer, ctrl *reconcile.Controller, updated <-chan struct{}, currency string) {
	printBalance(out, ctrl.View().Result, currency)
	for {
		select {
		case <-ctx.Done():
			return
		case <-updated:
			v := ctrl.View()
			if v.Err != nil {
				fmt.Fprintf(out, "refresh failed: %v\n", v.Err)
				continue
			}
			fmt.Fprintf(out, "\n[%s]\n", v.RefreshedAt.Local().Format("15:04:05"))
			printBalance(out, v.Result, currency)
		}
	}
}

func newDemoCmd(opts *options) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "demo [scenario]",
		Short: "List or load demo data sets",
		Long: `Without arguments, list the server's demo data sets.

With a scenario id, replace every event with that data set.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer s.Close()

			out := cmd.OutOrStdout()
			if len(args) == 0 {
				list, err := s.client.Scenarios(cmd.Context())
				if err != nil {
					return err
				}
				for _, sc := range list {
					fmt.Fprintf(out, "%-14s %s\n", sc.ID, sc.Description)
				}
				return nil
			}

			n := len(s.ctrl.View().Events)
			if !yes && n > 0 && !confirm(cmd, fmt.Sprintf("Replace all %d events?", n)) {
				fmt.Fprintln(out, "cancelled")
				return nil
			}
			loaded, err := s.client.LoadScenario(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := s.ctrl.Refresh(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(out, "Loaded %s (%d events)\n", args[0], loaded)
			printBalance(out, s.ctrl.View().Result, s.currency())
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}
