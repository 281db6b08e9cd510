package cmd

import (
	"fmt"
	"reflect"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	workflow "github.com/davidroman0O/blockflow/workflows"
	"github.com/davidroman0O/blockflow/workflows/store"
)

func newWorkflowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Inspect and recover persisted workflows",
		Long: `Reads workflow records from the coordination backend. Records only
outlive the process on the file, etcd, zookeeper and redis backends.`,
	}
	cmd.AddCommand(newWorkflowListCommand())
	cmd.AddCommand(newWorkflowShowCommand())
	cmd.AddCommand(newWorkflowRecoverCommand())
	cmd.AddCommand(newWorkflowSchemaCommand())
	return cmd
}

func newWorkflowListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List persisted workflows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer o.Close()

			summaries, err := o.Engine().List(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tSTATE\tPARENT\tSTEPS\tUPDATED")
			for _, s := range summaries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
					s.ID, s.Name, s.State, s.ParentID, s.Steps, s.Updated.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
}

func newWorkflowShowCommand() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "show <workflow-id>",
		Short: "Print a workflow record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer o.Close()

			w, err := o.Engine().Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return encode(cmd.OutOrStdout(), output, w)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "json", "Output format: json or yaml")
	return cmd
}

func newWorkflowRecoverCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "recover <workflow-id>",
		Short: "Resume a workflow left RUNNING or ROLLING_BACK by a stopped process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer o.Close()

			res, err := o.Recover(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Workflow %s: %s\n", res.WorkflowID, res.State)
			if cause := res.Cause(); cause != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Cause: %v\n", cause)
			}
			return nil
		},
	}
}

func newWorkflowSchemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON schema of workflow records",
		Args:  cobra.NoArgs,
		// the schema needs no configuration or backend
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			schema := store.TypeToSchema(reflect.TypeOf(workflow.Workflow{}))
			return encode(cmd.OutOrStdout(), "json", schema)
		},
	}
}
