package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/davidroman0O/blockflow/coordinator"
	"github.com/davidroman0O/blockflow/failure"
)

func newInjectCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inject",
		Short: "Manage the failure injection properties on the backend",
		Long: `Failure injection is driven by two properties stored on the coordination
backend: the selector (` + failure.PropertySelector + `) naming the failure
point, optionally with &n to fail only its n-th occurrence, and the reset
flag (` + failure.PropertyReset + `) that zeroes the occurrence counters
at the start of the next request.`,
	}
	cmd.AddCommand(newInjectSetCommand())
	cmd.AddCommand(newInjectResetCommand())
	cmd.AddCommand(newInjectShowCommand())
	return cmd
}

// withProperties runs fn on the properties of the configured backend
func withProperties(cmd *cobra.Command, fn func(p *coordinator.Properties) error) error {
	backend, err := coordinator.Open(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer backend.Close()
	return fn(coordinator.NewProperties(backend))
}

func newInjectSetCommand() *cobra.Command {
	var (
		occurrence int
		reset      bool
	)
	cmd := &cobra.Command{
		Use:   "set <failure-point>",
		Short: "Arm a failure point",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			selector := args[0]
			if occurrence > 0 {
				selector = failure.Selector(selector, occurrence)
			}
			return withProperties(cmd, func(p *coordinator.Properties) error {
				if err := p.SetProperty(cmd.Context(), failure.PropertySelector, selector); err != nil {
					return err
				}
				if reset {
					if err := p.SetProperty(cmd.Context(), failure.PropertyReset, "true"); err != nil {
						return err
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", failure.PropertySelector, selector)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&occurrence, "occurrence", "n", 0, "Fail only this occurrence, 0 fails every one")
	cmd.Flags().BoolVar(&reset, "reset", false, "Reset the occurrence counters on the next request")
	return cmd
}

func newInjectResetCommand() *cobra.Command {
	var disarm bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Reset the occurrence counters on the next request",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProperties(cmd, func(p *coordinator.Properties) error {
				if disarm {
					if err := p.SetProperty(cmd.Context(), failure.PropertySelector, ""); err != nil {
						return err
					}
				}
				return p.SetProperty(cmd.Context(), failure.PropertyReset, "true")
			})
		},
	}
	cmd.Flags().BoolVar(&disarm, "clear", false, "Disarm the failure point as well")
	return cmd
}

func newInjectShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the stored properties",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProperties(cmd, func(p *coordinator.Properties) error {
				all, err := p.All(cmd.Context())
				if err != nil {
					return err
				}
				names := make([]string, 0, len(all))
				for n := range all {
					names = append(names, n)
				}
				sort.Strings(names)
				for _, n := range names {
					fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", n, all[n])
				}
				return nil
			})
		},
	}
}
