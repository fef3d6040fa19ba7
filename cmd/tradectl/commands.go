package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"

	"github.com/tradedesk/trading-engine/internal/broker"
	"github.com/tradedesk/trading-engine/internal/config"
	"github.com/tradedesk/trading-engine/internal/model"
	"github.com/tradedesk/trading-engine/internal/payment"
	"github.com/tradedesk/trading-engine/internal/risk"
	"github.com/tradedesk/trading-engine/internal/settlement"
	"github.com/tradedesk/trading-engine/internal/store"
	"github.com/tradedesk/trading-engine/internal/userlock"
	"github.com/tradedesk/trading-engine/internal/wallet"
)

var errNoUser = errors.New("-user is required")

// env is what every command needs: configuration and an open store.
type env struct {
	cfg     *config.Config
	store   store.Store
	cleanup func()
}

func openEnv(ctx context.Context) (*env, error) {
	cfg, err := config.Parse()
	if err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	st, cleanup, err := store.Open(ctx, cfg.DatabaseURL, cfg.RedisURL, cfg.CacheTTL)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, store: st, cleanup: cleanup}, nil
}

func (e *env) wallets() *wallet.Manager {
	return wallet.NewManager(e.store, payment.Disabled{}, userlock.New(), nil, e.cfg.WalletCurrency)
}

func (e *env) engine(gw broker.Gateway) *settlement.Engine {
	limiter := risk.NewExposureLimiter(e.cfg.MaxInstrumentExposure, e.cfg.MaxIssuerExposure)
	return settlement.NewEngine(e.store, gw, userlock.New(), limiter, nil, e.cfg.WalletCurrency)
}

// run opens the environment, calls fn and maps its error to an exit status.
func run(ctx context.Context, fn func(*env) error) subcommands.ExitStatus {
	e, err := openEnv(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	defer e.cleanup()
	if err := fn(e); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

type balanceCmd struct {
	user   string
	ledger bool
}

func (*balanceCmd) Name() string     { return "balance" }
func (*balanceCmd) Synopsis() string { return "print a user's wallet balance" }
func (*balanceCmd) Usage() string {
	return `tradectl balance -user <id> [-ledger]

  Prints the wallet balance and, with -ledger, every ledger entry in
  posting order. A wallet is created empty if the user has none.
`
}

func (c *balanceCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.user, "user", "", "User ID.")
	f.BoolVar(&c.ledger, "ledger", false, "Also print the ledger.")
}

func (c *balanceCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.user == "" {
		fmt.Fprintln(os.Stderr, errNoUser)
		return subcommands.ExitUsageError
	}
	return run(ctx, func(e *env) error {
		w, err := e.wallets().Balance(ctx, c.user)
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%s\n", w.UserID, payment.Display(w.Balance, w.Currency))
		if c.ledger {
			printLedger(os.Stdout, w)
		}
		return nil
	})
}

func printLedger(out io.Writer, w *model.Wallet) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tTYPE\tAMOUNT\tREFERENCE\tDESCRIPTION")
	for _, le := range w.Ledger {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			le.Timestamp.Format("2006-01-02 15:04:05"), le.Type,
			payment.Display(le.Amount, w.Currency), le.Reference, le.Description)
	}
	tw.Flush()
}

type clearWalletCmd struct {
	user string
}

func (*clearWalletCmd) Name() string     { return "clear-wallet" }
func (*clearWalletCmd) Synopsis() string { return "zero a user's balance and discard the ledger" }
func (*clearWalletCmd) Usage() string {
	return `tradectl clear-wallet -user <id>
`
}

func (c *clearWalletCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.user, "user", "", "User ID.")
}

func (c *clearWalletCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.user == "" {
		fmt.Fprintln(os.Stderr, errNoUser)
		return subcommands.ExitUsageError
	}
	return run(ctx, func(e *env) error {
		if _, err := e.wallets().Clear(ctx, c.user); err != nil {
			return err
		}
		fmt.Printf("wallet of %s cleared\n", c.user)
		return nil
	})
}

type clearOrdersCmd struct {
	user string
}

func (*clearOrdersCmd) Name() string     { return "clear-orders" }
func (*clearOrdersCmd) Synopsis() string { return "delete a user's order history" }
func (*clearOrdersCmd) Usage() string {
	return `tradectl clear-orders -user <id>

  Deletes the user's filled, cancelled and rejected orders. Orders still
  open at the broker, the wallet, the ledger and transactions are kept.
`
}

func (c *clearOrdersCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.user, "user", "", "User ID.")
}

func (c *clearOrdersCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.user == "" {
		fmt.Fprintln(os.Stderr, errNoUser)
		return subcommands.ExitUsageError
	}
	return run(ctx, func(e *env) error {
		n, err := e.engine(broker.Disabled{}).ClearOrderHistory(ctx, c.user)
		if err != nil {
			return err
		}
		fmt.Printf("deleted %d orders\n", n)
		return nil
	})
}

type confirmFillsCmd struct{}

func (*confirmFillsCmd) Name() string     { return "confirm-fills" }
func (*confirmFillsCmd) Synopsis() string { return "poll the broker for every placed order once" }
func (*confirmFillsCmd) Usage() string {
	return `tradectl confirm-fills

  Runs one fill-confirmation pass against Kite Connect. The paper broker
  keeps its orders in the server's memory, so BROKER_MODE must be kite.
`
}

func (*confirmFillsCmd) SetFlags(*flag.FlagSet) {}

func (*confirmFillsCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return run(ctx, func(e *env) error {
		if e.cfg.BrokerMode != config.BrokerKite {
			return fmt.Errorf("confirm-fills requires BROKER_MODE=kite, got %q", e.cfg.BrokerMode)
		}
		if e.cfg.KiteAPIKey == "" || e.cfg.KiteAccessToken == "" {
			return errors.New("KITE_API_KEY and KITE_ACCESS_TOKEN are required")
		}
		gw := broker.NewGuard(broker.NewKiteClient(e.cfg.KiteBaseURL, e.cfg.KiteAPIKey, e.cfg.KiteAccessToken), e.cfg.BrokerTimeout)
		report, err := e.engine(gw).ConfirmFills(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("checked %d, filled %d, cancelled %d, failed %d\n",
			report.Checked, report.Filled, report.Cancelled, report.Failed)
		return nil
	})
}
