package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/conneroisu/quill/internal/vars"
)

type renderOptions struct {
	varsFiles []string
	set       []string
	output    string
}

func (c *cli) newRenderCmd() *cobra.Command {
	o := &renderOptions{}
	cmd := &cobra.Command{
		Use:     "render NAME",
		Aliases: []string{"r"},
		Short:   "Render a template",
		Long: `Render a template from the template directory.

Variables come from JSON, YAML or HCL files given with --vars, then from
--set key=value pairs. Dotted keys nest and values are parsed as YAML
scalars, so --set user.age=30 sets an integer.

Examples:
  quill render page.tpl
  quill render page.tpl --vars site.yaml --set title=Home
  quill render mail.tpl --vars env.hcl -o out.html`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runRender(cmd, args[0], o)
		},
	}

	cmd.Flags().StringArrayVar(&o.varsFiles, "vars", nil, "variable file (.json, .yaml, .hcl), repeatable")
	cmd.Flags().StringArrayVarP(&o.set, "set", "s", nil, "variable as key=value, repeatable")
	cmd.Flags().StringVarP(&o.output, "output", "o", "", "write the result to a file instead of stdout")
	return cmd
}

func (c *cli) runRender(cmd *cobra.Command, name string, o *renderOptions) error {
	e, _, _, err := c.newEngine(cmd)
	if err != nil {
		return err
	}

	data, err := vars.LoadFiles(o.varsFiles...)
	if err != nil {
		return err
	}
	pairs, err := vars.ParsePairs(o.set)
	if err != nil {
		return err
	}
	vars.Merge(data, pairs)

	var w io.Writer = cmd.OutOrStdout()
	if o.output != "" && o.output != "-" {
		f, err := os.Create(o.output)
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		defer f.Close()
		w = f
	}
	return e.Display(cmd.Context(), w, name, data)
}
