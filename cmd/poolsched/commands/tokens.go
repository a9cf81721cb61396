package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jjmerchante/cauldron-pool-scheduler/pkg/config"
)

func newTokensCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tokens",
		Short: "Manage credentials",
	}

	cmd.AddCommand(newTokensImportCommand())
	cmd.AddCommand(newTokensListCommand())

	return cmd
}

func newTokensImportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Import a YAML credential file",
		Long: `Load users and their tokens from a YAML file into the store.

Existing tokens are matched on (user, secret); re-importing the same file
is idempotent.`,
		Example: `  poolsched tokens import credentials.yaml`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			creds, err := config.LoadCredentials(args[0])
			if err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if err := importCredentials(ctx, store, creds); err != nil {
				return err
			}

			tokens := 0
			for _, u := range creds.Users {
				tokens += len(u.Tokens)
			}
			fmt.Printf("imported %d users, %d tokens\n", len(creds.Users), tokens)
			return nil
		},
	}
}

func newTokensListCommand() *cobra.Command {
	var username string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			user, err := store.GetUserByName(ctx, username)
			if err != nil {
				return err
			}

			tokens, err := store.ListUserTokens(ctx, user.ID)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tMAX JOBS\tIN USE\tREADY")
			now := time.Now()
			for _, t := range tokens {
				inUse, err := store.TokenJobCount(ctx, t.ID)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%d\t%d\t%d\t%t\n", t.ID, t.MaxJobs, inUse, t.Ready(now))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&username, "user", "u", "", "token owner")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}
