package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ronappleton/runbook-engine/internal/runbook"
)

// ErrInvalid is returned by validate when the document has problems, so the
// process exits non-zero after the problems are printed.
var ErrInvalid = errors.New("runbook is invalid")

// NewRootCommand builds the CLI. serve runs the engine; it is also invoked
// when no subcommand is given.
func NewRootCommand(serve func(configPath string) error) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "runbook-engine",
		Short:         "Runbook orchestration and self-healing engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().String("config", "config.yaml", "Path to config file")

	run := func(c *cobra.Command, _ []string) error {
		configPath, _ := c.Flags().GetString("config")
		return serve(configPath)
	}
	cmd.RunE = run
	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the engine",
		Args:  cobra.NoArgs,
		RunE:  run,
	})
	cmd.AddCommand(newValidateCommand(), newOrderCommand())
	return cmd
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Check a runbook document and print every problem found",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			problems, err := problemsIn(args[0])
			if err != nil {
				return err
			}
			out := c.OutOrStdout()
			if len(problems) == 0 {
				fmt.Fprintf(out, "%s: ok\n", args[0])
				return nil
			}
			for _, p := range problems {
				fmt.Fprintf(out, "%s: %s\n", args[0], p)
			}
			return ErrInvalid
		},
	}
}

func newOrderCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "order <file>",
		Short: "Print the steps of a runbook in dependency order",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			rb, err := runbook.LoadFile(args[0])
			if err != nil {
				return err
			}
			if err := rb.Check(); err != nil {
				return err
			}
			for i, st := range rb.TopologicalOrder() {
				deps := "-"
				if len(st.DependsOn) > 0 {
					deps = strings.Join(st.DependsOn, ",")
				}
				fmt.Fprintf(c.OutOrStdout(), "%d\t%s\t%s\n", i+1, st.ID, deps)
			}
			return nil
		},
	}
}

// problemsIn loads path and returns schema and structural problems. Only
// unreadable files are errors.
func problemsIn(path string) ([]string, error) {
	rb, err := runbook.LoadFile(path)
	if err != nil {
		var verr *runbook.ValidationError
		if errors.As(err, &verr) {
			return verr.Problems, nil
		}
		return nil, err
	}
	return rb.Validate(), nil
}
