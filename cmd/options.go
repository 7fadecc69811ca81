package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/conneroisu/quill/internal/options"
)

// optionInfo describes one engine option in machine-readable output.
type optionInfo struct {
	Name    string `json:"name" yaml:"name"`
	Bit     string `json:"bit" yaml:"bit"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
}

type optionsReport struct {
	Mask    string       `json:"mask" yaml:"mask"`
	Options []optionInfo `json:"options" yaml:"options"`
}

func (c *cli) newOptionsCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "options",
		Short: "Show the engine options and the effective mask",
		Long: `List every engine option with its bit and whether the current
configuration enables it.

Examples:
  quill options
  quill options -O auto_escape -o json
  quill options -o yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := c.load(cmd)
			if err != nil {
				return err
			}
			mask, err := cfg.Mask()
			if err != nil {
				return err
			}
			return writeOptions(cmd, mask, format)
		},
	}
	cmd.Flags().StringVarP(&format, "output", "o", "table", "output format (table, json, yaml)")
	return cmd
}

func writeOptions(cmd *cobra.Command, mask options.Mask, format string) error {
	report := optionsReport{Mask: "0x" + mask.Hex()}
	for _, name := range options.Names() {
		flag, _ := options.Lookup(name)
		report.Options = append(report.Options, optionInfo{
			Name:    name,
			Bit:     fmt.Sprintf("0x%x", uint32(flag)),
			Enabled: mask.Has(flag),
		})
	}

	out := cmd.OutOrStdout()
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	case "yaml":
		enc := yaml.NewEncoder(out)
		defer enc.Close()
		return enc.Encode(report)
	case "table":
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "OPTION\tBIT\tENABLED")
		for _, o := range report.Options {
			fmt.Fprintf(w, "%s\t%s\t%t\n", o.Name, o.Bit, o.Enabled)
		}
		fmt.Fprintf(w, "\nmask %s\n", report.Mask)
		return w.Flush()
	default:
		return fmt.Errorf("unsupported format: %s (supported: table, json, yaml)", format)
	}
}
