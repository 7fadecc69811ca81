package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/conneroisu/quill/internal/build"
	"github.com/conneroisu/quill/internal/engine"
	"github.com/conneroisu/quill/internal/provider"
)

func (c *cli) newCompileCmd() *cobra.Command {
	var (
		keepGoing bool
		jobs      int
	)
	cmd := &cobra.Command{
		Use:     "compile [NAME...]",
		Aliases: []string{"c"},
		Short:   "Compile templates into the compile directory",
		Long: `Compile templates in parallel and store the artifacts in the compile
directory so later renders skip compilation. With no names every template under the template
directory is compiled. Without a compile directory this only checks that
the templates compile.

Examples:
  quill compile --compile-dir .quill/cache
  quill compile page.tpl layout.tpl
  quill compile --keep-going --jobs 4`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runCompile(cmd, args, keepGoing, jobs)
		},
	}
	cmd.Flags().BoolVarP(&keepGoing, "keep-going", "k", false, "report every failure instead of the first")
	cmd.Flags().IntVarP(&jobs, "jobs", "j", 0, "templates compiled in parallel (default GOMAXPROCS)")
	return cmd
}

func (c *cli) runCompile(cmd *cobra.Command, names []string, keepGoing bool, jobs int) error {
	e, _, logger, err := c.newEngine(cmd)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		names, err = listTemplates(e)
		if err != nil {
			return err
		}
	}

	pipeline := build.NewPipeline(e, build.WithWorkers(jobs))
	results := pipeline.Run(cmd.Context(), names)

	out := cmd.OutOrStdout()
	for _, r := range results {
		if r.Error != nil {
			logger.Error(cmd.Context(), r.Error, "Compilation failed", "template", r.Name)
			continue
		}
		fmt.Fprintf(out, "compiled %s (%d dependencies)\n", r.Name, len(r.Artifact.Deps))
	}

	failed := build.Failed(results)
	if len(failed) == 0 {
		m := pipeline.Metrics()
		logger.Debug(cmd.Context(), "Compilation finished", "templates", m.TotalBuilds, "average", m.AverageDuration)
		return nil
	}
	if !keepGoing {
		return failed[0].Error
	}
	return fmt.Errorf("%d of %d templates failed to compile", len(failed), len(names))
}

// listTemplates returns every template the default provider can list.
func listTemplates(e *engine.Engine) ([]string, error) {
	p, err := e.Provider("")
	if err != nil {
		return nil, err
	}
	lister, ok := p.(provider.Lister)
	if !ok {
		return nil, fmt.Errorf("template provider cannot list templates")
	}
	names, err := lister.List()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}
