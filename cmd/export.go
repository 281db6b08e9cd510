package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/davidroman0O/blockflow"
	"github.com/davidroman0O/blockflow/planner"
)

func newExportCommand() *cobra.Command {
	var (
		exportGroup        string
		array              string
		existingInitiators []string
		existingVolumes    []string
		addInitiators      []string
		removeInitiators   []string
		addVolumes         []string
		removeVolumes      []string
		inject             string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Change the initiators and volumes of an export group on the simulated array",
		Long: `Applies an export group change to the mask of --array. The mask is seeded
from --existing-initiators and --existing-volumes when either is given,
otherwise the additions create it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			c := *cfg
			if cmd.Flags().Changed("inject") {
				c.Failure.Selector = inject
			}
			o, err := open(ctx, blockflow.WithConfig(&c))
			if err != nil {
				return err
			}
			defer o.Close()

			if len(existingInitiators) > 0 || len(existingVolumes) > 0 {
				o.Array().AddMask(exportGroup, array, existingInitiators, existingVolumes)
			}

			sub, err := o.UpdateExport(ctx, planner.ExportChange{
				ExportGroup:      exportGroup,
				StorageSystem:    array,
				AddInitiators:    addInitiators,
				RemoveInitiators: removeInitiators,
				AddVolumes:       addVolumes,
				RemoveVolumes:    removeVolumes,
			})
			if sub != nil {
				printSubmission(cmd.OutOrStdout(), sub)
			}
			if err != nil {
				return err
			}
			if mask, ok := o.Array().Mask(exportGroup, array); ok {
				fmt.Fprintf(cmd.OutOrStdout(), "Mask %s on %s: initiators %v, volumes %v\n",
					exportGroup, array, mask.Initiators, mask.Volumes)
			}
			return exitError(sub)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&exportGroup, "export-group", "eg-1", "Export group")
	flags.StringVar(&array, "array", "array-1", "Storage system holding the mask")
	flags.StringSliceVar(&existingInitiators, "existing-initiators", nil, "Initiators already in the mask")
	flags.StringSliceVar(&existingVolumes, "existing-volumes", nil, "Volumes already in the mask")
	flags.StringSliceVar(&addInitiators, "add-initiators", nil, "Initiators to add")
	flags.StringSliceVar(&removeInitiators, "remove-initiators", nil, "Initiators to remove")
	flags.StringSliceVar(&addVolumes, "add-volumes", nil, "Volumes to add")
	flags.StringSliceVar(&removeVolumes, "remove-volumes", nil, "Volumes to remove")
	flags.StringVar(&inject, "inject", "", "Failure injection selector for this run")
	return cmd
}
