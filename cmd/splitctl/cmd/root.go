package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/warp/shared-ledger/config"
	"github.com/warp/shared-ledger/ledger"
	"github.com/warp/shared-ledger/reconcile"
	"github.com/warp/shared-ledger/remote"
)

// options are the persistent flags shared by every subcommand.
type options struct {
	configPath string
	serverURL  string
	verbose    bool
}

// NewRootCmd builds the splitctl command tree.
func NewRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "splitctl",
		Short: "Track shared expenses between two people",
		Long: `splitctl talks to a shared-ledger server and keeps a live view of
who owes whom.

It provides commands to:
  - Record shared expenses and reimbursements
  - Edit or delete past events, with confirmation
  - Watch the balance as the other participant records events

Examples:
  splitctl add Tomi 100
  splitctl add Damien 40,50
  splitctl balance
  splitctl settle 30
  splitctl delete <event-id>`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "YAML config file")
	root.PersistentFlags().StringVarP(&opts.serverURL, "server", "s", "", "server URL (overrides remote.url)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log debug output to stderr")

	root.AddCommand(
		newBalanceCmd(opts),
		newListCmd(opts),
		newAddCmd(opts),
		newEditCmd(opts),
		newDeleteCmd(opts),
		newSettleCmd(opts),
		newResetCmd(opts),
		newWatchCmd(opts),
		newDemoCmd(opts),
		newSessionCmd(opts),
	)
	return root
}

// Execute runs the command tree against os.Args.
func Execute() error {
	return NewRootCmd().Execute()
}

// session is a started controller bound to the configured server.
type session struct {
	cfg        *config.Config
	classifier *ledger.Classifier
	client     *remote.Client
	ctrl       *reconcile.Controller
}

func (s *session) Close() error { return s.ctrl.Close() }

func (s *session) currency() string { return s.cfg.Currency }

func openSession(ctx context.Context, opts *options) (*session, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.serverURL != "" {
		cfg.Remote.URL = opts.serverURL
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if opts.verbose {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	classifier, err := cfg.Classifier()
	if err != nil {
		return nil, err
	}
	client, err := remote.New(cfg.Remote.URL, classifier, remote.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	ctrl := reconcile.New(client, classifier,
		reconcile.WithLogger(logger),
		reconcile.WithRefreshTimeout(cfg.RefreshTimeout.Duration),
	)
	if err := ctrl.Start(ctx); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.Remote.URL, err)
	}
	if v := ctrl.View(); v.Err != nil {
		ctrl.Close()
		return nil, v.Err
	}
	return &session{cfg: cfg, classifier: classifier, client: client, ctrl: ctrl}, nil
}

// printBalance writes the totals and the statement.
func printBalance(w io.Writer, r ledger.Result, currency string) {
	for _, p := range []ledger.Participant{r.Pair.First, r.Pair.Second} {
		fmt.Fprintf(w, "%-10s paid %12s   reimbursed %12s\n", p,
			ledger.FormatAmount(r.SharedTotal(p), currency),
			ledger.FormatAmount(r.Reimbursed(p), currency))
	}
	fmt.Fprintln(w, r.Statement(currency))
	if n := len(r.Unclassified); n > 0 {
		fmt.Fprintf(w, "warning: %d unclassifiable event(s) excluded\n", n)
	}
}

func printEvents(w io.Writer, events []ledger.Event, c *ledger.Classifier, currency string) {
	if len(events) == 0 {
		fmt.Fprintln(w, "no events")
		return
	}
	for _, e := range events {
		fmt.Fprintf(w, "%s  %s  %-24s %12s\n",
			e.ID, e.Timestamp.Local().Format("2006-01-02 15:04"),
			c.Tag(e.Participant, e.Kind), ledger.FormatAmount(e.Amount, currency))
	}
}
