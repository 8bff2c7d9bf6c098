package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/cafgpt/cafgpt/pkg/tracker"
)

func newStatsCmd() *cobra.Command {
	var (
		configPath string
		clientKey  string
		byTool     bool
		since      string
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show token usage statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, nil)
			if err != nil {
				return err
			}

			tr, err := tracker.New(cfg.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = tr.Close() }()

			ctx := context.Background()

			// Per-tool breakdown
			if byTool {
				sinceTime, err := parseSince(since)
				if err != nil {
					return err
				}
				rows, err := tr.ToolSummary(ctx, sinceTime)
				if err != nil {
					return err
				}
				if len(rows) == 0 {
					fmt.Println("No usage data found.")
					return nil
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "TOOL\tSTEP\tREQUESTS\tTOKENS\tEST. COST")
				for _, r := range rows {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t$%.4f\n",
						defaultStr(r.Tool, "(none)"), defaultStr(r.Step, "(none)"),
						humanize.Comma(int64(r.RequestCount)), humanize.Comma(int64(r.TotalTokens)), r.CostUSD)
				}
				return w.Flush()
			}

			// Default: usage summary per client and model
			summaries, err := tr.Summary(ctx, clientKey)
			if err != nil {
				return err
			}
			if len(summaries) == 0 {
				fmt.Println("No usage data found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CLIENT\tMODEL\tREQUESTS\tPROMPT\tCOMPLETION\tTOTAL\tEST. COST")
			for _, s := range summaries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t$%.4f\n",
					s.ClientKey, s.Model, humanize.Comma(int64(s.RequestCount)),
					humanize.Comma(int64(s.TotalPrompt)), humanize.Comma(int64(s.TotalCompletion)), humanize.Comma(int64(s.TotalTokens)),
					s.CostUSD)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&clientKey, "client", "", "filter by client key")
	cmd.Flags().BoolVar(&byTool, "tools", false, "break usage down by tool and step")
	cmd.Flags().StringVar(&since, "since", "", "start date for --tools (YYYY-MM-DD, default: start of month)")
	return cmd
}

func parseSince(since string) (time.Time, error) {
	if since == "" {
		return beginningOfMonth(), nil
	}
	t, err := time.Parse("2006-01-02", since)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since date (use YYYY-MM-DD): %w", err)
	}
	return t, nil
}

func beginningOfMonth() time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func defaultStr(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
