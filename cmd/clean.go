package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func (c *cli) newCleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Remove compiled templates from the compile directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, _, _, err := c.newEngine(cmd)
			if err != nil {
				return err
			}
			if e.CompileDir() == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "no compile directory configured")
				return nil
			}
			n, err := e.ClearAllCompiles()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d compiled templates from %s\n", n, e.CompileDir())
			return nil
		},
	}
}
