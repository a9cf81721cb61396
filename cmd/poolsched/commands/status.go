package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jjmerchante/cauldron-pool-scheduler/pkg/sched"
)

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show scheduler state per intention kind",
		Long: `Print live and archived intention counts per kind.

Ready intentions have no pending prerequisites and no job; pending ones
wait on prerequisites; assigned ones are attached to a job.`,
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

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KIND\tREADY\tPENDING\tASSIGNED\tARCHIVED")
			for _, kind := range sched.Kinds {
				counts, err := store.KindCounts(ctx, kind)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n",
					kind, counts.Ready, counts.Pending, counts.Assigned, counts.Archived)
			}
			return w.Flush()
		},
	}
}
