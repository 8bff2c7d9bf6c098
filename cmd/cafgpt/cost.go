package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/cafgpt/cafgpt/pkg/models"
	"github.com/cafgpt/cafgpt/pkg/tracker"
)

func newCostCmd() *cobra.Command {
	var (
		configPath string
		byModel    bool
	)

	cmd := &cobra.Command{
		Use:   "cost",
		Short: "Show this month's API and server costs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, nil)
			if err != nil {
				return err
			}

			ctx := context.Background()
			led, closeLedger, err := openLedger(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeLedger()

			fmt.Print(formatLedger(led.Snapshot(ctx), led.MonthlyTotal(ctx)))

			if !byModel {
				return nil
			}

			tr, err := tracker.New(cfg.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = tr.Close() }()

			rows, err := tr.Summary(ctx, "")
			if err != nil {
				return err
			}
			fmt.Println()
			fmt.Print(formatModelCosts(rows))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	cmd.Flags().BoolVar(&byModel, "models", false, "also break estimated cost down by model")
	return cmd
}

func formatLedger(rec models.UsageRecord, total float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Period start:  %s\n", rec.LastResetDate)
	fmt.Fprintf(&b, "API cost:      $%.4f\n", rec.APICostUSD)
	fmt.Fprintf(&b, "Server cost:   $%.2f\n", rec.ServerCostUSD)
	fmt.Fprintf(&b, "Total:         $%.2f\n", total)
	if !rec.LastUpdated.IsZero() {
		fmt.Fprintf(&b, "Last updated:  %s\n", humanize.Time(rec.LastUpdated))
	}
	return b.String()
}

// formatModelCosts totals usage history per model across all clients.
func formatModelCosts(rows []models.UsageSummary) string {
	if len(rows) == 0 {
		return "No cost data found.\n"
	}

	type agg struct {
		requests, tokens int
		cost             float64
	}
	var order []string
	byModel := make(map[string]*agg)
	for _, r := range rows {
		a, ok := byModel[r.Model]
		if !ok {
			a = &agg{}
			byModel[r.Model] = a
			order = append(order, r.Model)
		}
		a.requests += r.RequestCount
		a.tokens += r.TotalTokens
		a.cost += r.CostUSD
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%-40s %8s %14s %10s\n", "MODEL", "REQUESTS", "TOKENS", "EST. COST")
	b.WriteString(strings.Repeat("-", 75) + "\n")

	var totalCost float64
	for _, m := range order {
		a := byModel[m]
		fmt.Fprintf(&b, "%-40s %8d %14s $%9.4f\n", m, a.requests, humanize.Comma(int64(a.tokens)), a.cost)
		totalCost += a.cost
	}
	b.WriteString(strings.Repeat("-", 75) + "\n")
	fmt.Fprintf(&b, "%63s $%9.4f\n", "TOTAL:", totalCost)
	return b.String()
}
