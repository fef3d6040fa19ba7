// Command tradectl runs maintenance operations against the trading-engine
// store: inspecting and clearing wallets, clearing order history and
// confirming broker fills outside the server's schedule.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"syscall"

	"github.com/google/subcommands"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	commander := subcommands.NewCommander(flag.CommandLine, path.Base(os.Args[0]))
	commander.Register(commander.HelpCommand(), "")
	commander.Register(commander.FlagsCommand(), "")
	commander.Register(commander.CommandsCommand(), "")

	commander.Register(&balanceCmd{}, "wallet")
	commander.Register(&clearWalletCmd{}, "wallet")
	commander.Register(&clearOrdersCmd{}, "orders")
	commander.Register(&confirmFillsCmd{}, "orders")

	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	status := commander.Execute(ctx)
	stop()
	os.Exit(int(status))
}
