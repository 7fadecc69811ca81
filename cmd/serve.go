package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/conneroisu/quill/internal/config"
	"github.com/conneroisu/quill/internal/engine"
	"github.com/conneroisu/quill/internal/logging"
	"github.com/conneroisu/quill/internal/server"
	"github.com/conneroisu/quill/internal/watcher"
)

func (c *cli) newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"s"},
		Short:   "Serve rendered templates with live reload",
		Long: `Start an HTTP server rendering templates at /render/NAME. Query parameters
and JSON request bodies become template variables. When watching is enabled,
edited templates are recompiled on the next request and connected browsers
reload.

Examples:
  quill serve
  quill serve --port 3000 --host 0.0.0.0
  quill serve --watch=false --live-reload=false`,
		Args: cobra.NoArgs,
		RunE: c.runServe,
	}

	cmd.Flags().IntP("port", "p", 8080, "port to serve on")
	cmd.Flags().String("host", "localhost", "host to bind to")
	cmd.Flags().Bool("live-reload", true, "inject the live reload script and serve /ws")
	cmd.Flags().BoolP("watch", "w", true, "watch the template directory for changes")
	cmd.Flags().Duration("debounce", 0, "delay before reacting to changes")
	return cmd
}

func (c *cli) runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, cfg, logger, err := c.newEngine(cmd)
	if err != nil {
		return err
	}

	srv, err := server.New(e, cfg.Server, logger)
	if err != nil {
		return err
	}

	if cfg.Watch.Enabled {
		w, err := newTemplateWatcher(cfg, e, logger)
		if err != nil {
			return err
		}
		if cfg.Server.LiveReload {
			w.AddHandler(srv.Notify)
		}
		if err := w.Start(ctx); err != nil {
			return err
		}
		defer w.Stop()
	}

	return srv.Start(ctx)
}

// newTemplateWatcher watches the template directory and invalidates
// changed templates in e.
func newTemplateWatcher(cfg *config.Config, e *engine.Engine, logger logging.Logger) (*watcher.Watcher, error) {
	w, err := watcher.New(cfg.Engine.TemplateDir, cfg.Watch.Debounce, logger)
	if err != nil {
		return nil, err
	}
	w.AddFilter(watcher.NoHiddenFilter)
	w.AddFilter(watcher.NoTempFilter)
	if len(cfg.Watch.Extensions) > 0 {
		w.AddFilter(watcher.ExtFilter(cfg.Watch.Extensions...))
	}
	w.AddHandler(watcher.InvalidateHandler(e, logger))
	return w, nil
}
