package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cafgpt/cafgpt/pkg/budget"
	"github.com/cafgpt/cafgpt/pkg/tracker"
)

func newBudgetCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Inspect spend and token budgets",
	}

	var clientKey string
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show budget usage vs limits",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, nil)
			if err != nil {
				return err
			}
			if !cfg.Budget.Enabled {
				fmt.Println("Budget enforcement is disabled.")
				return nil
			}

			ctx := context.Background()
			led, closeLedger, err := openLedger(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeLedger()

			tr, err := tracker.New(cfg.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = tr.Close() }()

			if limit := cfg.Budget.MonthlyLimitUSD; limit > 0 {
				spent := led.Snapshot(ctx).APICostUSD
				fmt.Printf("Monthly API spend: $%.4f of $%.2f\n\n", spent, limit)
			}

			enforcer := budget.New(cfg.Budget.Policies, tr, led, cfg.Budget.MonthlyLimitUSD)

			key := clientKey
			if key == "" {
				key = "*"
			}

			statuses, err := enforcer.Status(ctx, key)
			if err != nil {
				return err
			}

			if len(statuses) == 0 {
				fmt.Println("No budget policies found for this client.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CLIENT\tMODEL\tPERIOD\tMAX TOKENS\tUSED\tREMAINING")
			for _, s := range statuses {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\n",
					s.Policy.ClientKey, defaultStr(s.Policy.Model, "(any)"), s.Policy.Period,
					s.Policy.MaxTokens, s.Used, s.Remaining)
			}
			return w.Flush()
		},
	}
	statusCmd.Flags().StringVar(&clientKey, "client", "", "filter by client key")

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
	cmd.AddCommand(statusCmd)
	return cmd
}
