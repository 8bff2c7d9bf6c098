package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cafgpt/cafgpt/pkg/auth"
)

func newTokenCmd() *cobra.Command {
	var (
		configPath string
		subject    string
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an admin token for the /admin endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, nil)
			if err != nil {
				return err
			}
			a, err := auth.New(cfg.Admin)
			if err != nil {
				return err
			}

			token, exp, err := a.GenerateToken(subject, auth.RoleAdmin)
			if err != nil {
				return err
			}
			fmt.Println(token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", exp.Format("2006-01-02 15:04 MST"))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&subject, "subject", "admin", "token subject")
	return cmd
}
