// Command closeall flattens every position the broker reports. Order records
// are left to the bot's reconcile job.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/camuig/po3-trader/internal/broker"
	"github.com/camuig/po3-trader/internal/config"
	"github.com/camuig/po3-trader/internal/logger"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	dryRun := flag.Bool("dry-run", false, "show positions without closing")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	bc, err := broker.New(ctx, cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "broker init error: %v\n", err)
		os.Exit(1)
	}
	defer bc.Close()

	positions, err := bc.GetActivePositions(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "get positions error: %v\n", err)
		os.Exit(1)
	}

	if len(positions) == 0 {
		fmt.Println("No open positions.")
		return
	}

	fmt.Printf("Found %d position(s):\n\n", len(positions))
	for _, p := range positions {
		fmt.Printf("  %s %s %.2f @ %.5f, now %.5f, P&L %.2f  ticket %s\n",
			p.Symbol, p.Direction, p.Volume, p.OpenPrice, p.CurrentPrice, p.Profit, orDash(p.Ticket))
	}
	fmt.Println()

	if *dryRun {
		fmt.Println("Dry run, no orders placed.")
		return
	}

	var closed, failed int
	for _, p := range positions {
		ref := broker.OrderRef{Ticket: p.Ticket, Symbol: p.Symbol, Direction: p.Direction, Volume: p.Volume}
		if err := bc.ClosePosition(ctx, ref); err != nil {
			fmt.Fprintf(os.Stderr, "  [FAIL] %s %s: %v\n", p.Symbol, orDash(p.Ticket), err)
			failed++
			continue
		}
		fmt.Printf("  [OK]   %s %s closed, P&L %.2f\n", p.Symbol, orDash(p.Ticket), p.Profit)
		closed++
	}

	fmt.Printf("\nDone: %d closed, %d failed.\n", closed, failed)
	if failed > 0 {
		os.Exit(1)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
