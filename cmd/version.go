package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/conneroisu/quill/internal/version"
)

func newVersionCmd() *cobra.Command {
	var (
		format   string
		detailed bool
	)
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long: `Display version information for quill: the release, the engine
version, the VCS revision and the Go toolchain.

Examples:
  quill version
  quill version --detailed
  quill version --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.Get()
			out := cmd.OutOrStdout()
			switch format {
			case "json":
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			case "text":
				if detailed {
					fmt.Fprintln(out, info.String())
					return nil
				}
				fmt.Fprintf(out, "quill %s\n", info.Short())
				return nil
			default:
				return fmt.Errorf("unsupported format: %s (supported: text, json)", format)
			}
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "text", "output format (text, json)")
	cmd.Flags().BoolVar(&detailed, "detailed", false, "show detailed version information")
	return cmd
}
