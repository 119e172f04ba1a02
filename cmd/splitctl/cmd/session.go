package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/warp/shared-ledger/ledger"
	"github.com/warp/shared-ledger/reconcile"
)

const sessionHelp = `commands:
  add <participant> <amount>   record a shared expense
  settle <amount>              record a reimbursement from the debtor
  edit <event-id>              start editing an event's amount
  save <amount>                save the edit in progress
  delete <event-id>            ask to delete an event
  reset                        ask to delete every event
  confirm                      confirm the pending delete or reset
  cancel                       abandon the pending edit, delete or reset
  list                         list events, newest first
  balance                      show who owes whom
  dismiss                      clear the last refresh error
  quit                         leave the session`

func newSessionCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "session",
		Short: "Interactive session with live updates",
		Long: `Open an interactive session. The balance is reprinted whenever the
ledger changes, including changes made from another device.

` + sessionHelp,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer s.Close()

			// Live updates arrive on the refresh goroutine while the
			// prompt loop writes, so both share one locked writer.
			r := &repl{s: s, out: &lockedWriter{w: cmd.OutOrStdout()}}
			s.ctrl.OnUpdate(func(v reconcile.View) {
				if v.Err != nil {
					fmt.Fprintf(r.out, "\n! %v\n", v.Err)
					return
				}
				fmt.Fprintf(r.out, "\n* %s\n", v.Result.Statement(s.currency()))
			})
			return r.run(cmd.Context(), cmd.InOrStdin())
		},
	}
}

// repl drives the controller from text commands. Its edit/delete/reset
// flows go through the controller's interaction machine, so only one
// pending interaction exists at a time.
type repl struct {
	s   *session
	out io.Writer
}

func (r *repl) run(ctx context.Context, in io.Reader) error {
	fmt.Fprintln(r.out, r.s.ctrl.View().Result.Statement(r.s.currency()))

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprintf(r.out, "%s> ", r.prompt())
		if !scanner.Scan() {
			return scanner.Err()
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "quit" || fields[0] == "exit" {
			return nil
		}
		if err := r.exec(ctx, fields[0], fields[1:]); err != nil {
			fmt.Fprintf(r.out, "error: %v\n", err)
		}
	}
}

func (r *repl) prompt() string {
	st := r.s.ctrl.Interactions().State()
	if st.Mode == reconcile.Idle {
		return "ledger"
	}
	return st.String()
}

func (r *repl) exec(ctx context.Context, verb string, args []string) error {
	ctrl := r.s.ctrl
	rows := ctrl.Interactions()

	switch verb {
	case "help":
		fmt.Fprintln(r.out, sessionHelp)
	case "balance":
		printBalance(r.out, ctrl.View().Result, r.s.currency())
	case "list":
		printEvents(r.out, ctrl.View().Newest(), r.s.classifier, r.s.currency())
	case "dismiss":
		ctrl.DismissError()

	case "add":
		if len(args) != 2 {
			return errors.New("usage: add <participant> <amount>")
		}
		_, err := ctrl.AddExpense(ctx, args[0], args[1])
		return err
	case "settle":
		if len(args) != 1 {
			return errors.New("usage: settle <amount>")
		}
		_, err := ctrl.SettleUp(ctx, args[0])
		return err

	case "edit":
		id, err := r.id(args)
		if err != nil {
			return err
		}
		rows.StartEdit(id)
	case "save":
		if len(args) != 1 {
			return errors.New("usage: save <amount>")
		}
		return ctrl.SaveEdit(ctx, args[0])

	case "delete":
		id, err := r.id(args)
		if err != nil {
			return err
		}
		rows.RequestDelete(id)
	case "reset":
		rows.RequestReset()
	case "confirm":
		switch rows.State().Mode {
		case reconcile.ConfirmingDelete:
			return ctrl.ConfirmDelete(ctx)
		case reconcile.ConfirmingReset:
			return ctrl.ConfirmReset(ctx)
		}
		return reconcile.ErrNoPendingInteraction
	case "cancel":
		rows.Cancel()

	default:
		return fmt.Errorf("unknown command %q (try help)", verb)
	}
	return nil
}

func (r *repl) id(args []string) (ledger.EventID, error) {
	if len(args) != 1 {
		return "", errors.New("an event id is required")
	}
	return resolveID(r.s.ctrl.View(), args[0])
}

// lockedWriter serializes writes to w.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
