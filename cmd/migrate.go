package cmd

import (
	"github.com/spf13/cobra"

	"github.com/davidroman0O/blockflow"
	"github.com/davidroman0O/blockflow/planner"
)

func newMigrateCommand() *cobra.Command {
	var (
		volumes      int
		cg           string
		localCG      bool
		ceiling      int
		inject       string
		targetVPool  string
		targetVArray string
		async        bool
	)

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Migrate volumes of the simulated array to another virtual pool",
		Long: `Seeds the simulated array with --volumes virtual volumes, optionally in
consistency group --cg, and migrates them to --target-vpool (or to
--target-varray). The consistency group ceiling can be lowered with
--ceiling to see the migration rejected, and --inject arms a failure
point to see it rolled back.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			c := *cfg
			if ceiling > 0 {
				c.Workflow.MaxCGVolumesForMigration = ceiling
			}
			if cmd.Flags().Changed("inject") {
				c.Failure.Selector = inject
			}
			opts := []blockflow.Option{blockflow.WithConfig(&c)}
			if async {
				opts = append(opts, blockflow.WithAsyncMigrations())
			}
			o, err := open(ctx, opts...)
			if err != nil {
				return err
			}
			defer o.Close()

			req := planner.MigrationRequest{
				Volumes:           seedArray(o.Array(), volumes, cg),
				TargetVirtualPool: targetVPool,
			}
			if cg != "" {
				req.ConsistencyGroup = &planner.ConsistencyGroup{ID: cg, Name: cg, Local: localCG}
			}

			var sub *blockflow.Submission
			if targetVArray != "" {
				req.TargetVirtualPool = ""
				sub, err = o.ChangeVirtualArray(ctx, req, targetVArray)
			} else {
				sub, err = o.MigrateVolumes(ctx, req)
			}
			if sub != nil {
				printSubmission(cmd.OutOrStdout(), sub)
			}
			if err != nil {
				return err
			}
			return exitError(sub)
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&volumes, "volumes", 3, "Number of volumes to seed and migrate")
	flags.StringVar(&cg, "cg", "cg1", "Consistency group of the volumes, empty for none")
	flags.BoolVar(&localCG, "local-cg", false, "The group has backend consistency groups")
	flags.IntVar(&ceiling, "ceiling", 0, "Largest consistency group accepted, 0 keeps the configured value")
	flags.StringVar(&inject, "inject", "", "Failure injection selector for this run")
	flags.StringVar(&targetVPool, "target-vpool", "vpool-2", "Target virtual pool")
	flags.StringVar(&targetVArray, "target-varray", "", "Change the virtual array instead of the pool")
	flags.BoolVar(&async, "async", false, "Complete migrations in the background")
	return cmd
}
