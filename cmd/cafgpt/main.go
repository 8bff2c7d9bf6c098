package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:     "cafgpt",
		Short:   "CAF GPT: policy answers and pace notes for the Canadian Armed Forces",
		Version: version,
	}

	root.AddCommand(
		newServeCmd(),
		newStatsCmd(),
		newCostCmd(),
		newCacheCmd(),
		newBudgetCmd(),
		newAuditCmd(),
		newMCPCmd(),
		newTokenCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
