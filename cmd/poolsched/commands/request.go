package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jjmerchante/cauldron-pool-scheduler/pkg/sched"
	"github.com/jjmerchante/cauldron-pool-scheduler/pkg/stores"
)

func newRequestCommand() *cobra.Command {
	var (
		username string
		repoArg  string
		kindArg  string
		endpoint string
	)

	cmd := &cobra.Command{
		Use:   "request",
		Short: "Request collection or enrichment for a repository",
		Long: `Record a user's request for work against one repository.

An enrichment request also materializes the raw-collection prerequisite;
requesting the same work twice merges into the existing intention.`,
		Example: `  # Request enriched data (raw collection happens first automatically)
  poolsched request --user alice --repo group/project

  # Request only the raw collection
  poolsched request --user alice --repo group/project --kind raw`,
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, name, ok := strings.Cut(repoArg, "/")
			if !ok || owner == "" || name == "" {
				return fmt.Errorf("invalid --repo %q, expected owner/name", repoArg)
			}

			kind := stores.IntentionKind(kindArg)
			if kind != stores.KindRaw && kind != stores.KindEnrich {
				return fmt.Errorf("invalid --kind %q, expected raw or enrich", kindArg)
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

			log, err := newLogger(cfg)
			if err != nil {
				return err
			}

			engine, err := sched.New(sched.Options{
				Store:  store,
				Logger: log,
			})
			if err != nil {
				return err
			}

			in, err := engine.Request(ctx, kind, username, owner, name, endpoint)
			if err != nil {
				return err
			}

			fmt.Printf("intention %s (%s) recorded for %s on %s/%s/%s\n",
				in.ID, in.Kind, username, endpoint, owner, name)
			return nil
		},
	}

	cmd.Flags().StringVarP(&username, "user", "u", "", "requesting user")
	cmd.Flags().StringVarP(&repoArg, "repo", "r", "", "repository as owner/name")
	cmd.Flags().StringVarP(&kindArg, "kind", "k", string(stores.KindEnrich), "intention kind (raw or enrich)")
	cmd.Flags().StringVar(&endpoint, "endpoint", "https://gitlab.com", "repository endpoint")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("repo")

	return cmd
}
