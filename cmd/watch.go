package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/conneroisu/quill/internal/build"
	"github.com/conneroisu/quill/internal/engine"
	"github.com/conneroisu/quill/internal/logging"
	"github.com/conneroisu/quill/internal/watcher"
)

func (c *cli) newWatchCmd() *cobra.Command {
	var recompile bool
	cmd := &cobra.Command{
		Use:     "watch",
		Aliases: []string{"w"},
		Short:   "Watch templates and keep the compile directory current",
		Long: `Watch the template directory without serving. Changed templates and every
template built on them are invalidated; with --compile the changed
templates are compiled again right away.

Examples:
  quill watch --compile-dir .quill/cache --compile
  quill watch --debounce 500ms`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runWatch(cmd, recompile)
		},
	}
	cmd.Flags().BoolVar(&recompile, "compile", false, "recompile changed templates")
	cmd.Flags().Duration("debounce", 0, "delay before reacting to changes")
	return cmd
}

func (c *cli) runWatch(cmd *cobra.Command, recompile bool) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, cfg, logger, err := c.newEngine(cmd)
	if err != nil {
		return err
	}

	w, err := newTemplateWatcher(cfg, e, logger)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	w.AddHandler(func(ctx context.Context, events []watcher.ChangeEvent) error {
		for _, event := range events {
			fmt.Fprintf(out, "%s %s\n", event.Type, event.Name)
		}
		return nil
	})
	if recompile {
		w.AddHandler(recompileHandler(e, logger))
	}

	if err := w.Start(ctx); err != nil {
		return err
	}
	defer w.Stop()

	<-ctx.Done()
	return nil
}

// recompileHandler compiles every changed template that still exists.
func recompileHandler(e *engine.Engine, logger logging.Logger) watcher.Handler {
	pipeline := build.NewPipeline(e)
	return func(ctx context.Context, events []watcher.ChangeEvent) error {
		var names []string
		for _, name := range watcher.Names(events) {
			if e.TemplateExists(name) {
				names = append(names, name)
			}
		}
		results := pipeline.Run(ctx, names)
		for _, r := range results {
			if r.Error != nil {
				logger.Warn(ctx, r.Error, "Recompilation failed", "template", r.Name)
				continue
			}
			logger.Info(ctx, "Recompiled template", "template", r.Name, "duration", r.Duration)
		}
		if failed := build.Failed(results); len(failed) > 0 {
			return failed[0].Error
		}
		return nil
	}
}
