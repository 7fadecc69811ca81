// Package cmd provides the command-line interface for quill.
//
// Configuration System:
//
//	Settings come from several sources, highest priority first:
//	1. Command-line flags (--template-dir, --port, ...)
//	2. Environment variables with the QUILL_ prefix (QUILL_SERVER_PORT)
//	3. The configuration file: --config, then QUILL_CONFIG_FILE, then
//	   .quill.yml in the working directory
//	4. Built-in defaults
package cmd

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/conneroisu/quill/internal/config"
	"github.com/conneroisu/quill/internal/engine"
	"github.com/conneroisu/quill/internal/logging"
	"github.com/conneroisu/quill/internal/options"
)

// flagKeys maps flag names to the configuration keys they override.
var flagKeys = map[string]string{
	"log-level":    "log.level",
	"log-format":   "log.format",
	"template-dir": "engine.template_dir",
	"extension":    "engine.extension",
	"compile-dir":  "cache.compile_dir",
	"port":         "server.port",
	"host":         "server.host",
	"live-reload":  "server.live_reload",
	"watch":        "watch.enabled",
	"debounce":     "watch.debounce",
}

// cli carries state shared by every command of one invocation.
type cli struct {
	viper   *viper.Viper
	cfgFile string
	options []string
}

// Execute runs the quill command line.
func Execute() error {
	return NewRootCommand().Execute()
}

// NewRootCommand builds the command tree with its own configuration state.
func NewRootCommand() *cobra.Command {
	c := &cli{viper: viper.New()}

	root := &cobra.Command{
		Use:   "quill",
		Short: "Compile and render quill templates",
		Long: `quill compiles brace-delimited templates into cached artifacts and
renders them with variables from files, flags or HTTP requests.

Quick Start:
  quill render page.tpl --vars site.yaml   Render a template
  quill compile                             Compile every template into the cache
  quill serve                               Serve templates with live reload
  quill options                             Show the engine option flags`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.initConfig(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&c.cfgFile, "config", "", "config file (default is .quill.yml, can also use QUILL_CONFIG_FILE env var)")
	pf.StringP("log-level", "l", "", "log level (debug, info, warn, error, off)")
	pf.String("log-format", "", "log format (text, json)")
	pf.StringP("template-dir", "d", "", "template directory")
	pf.String("extension", "", "template file extension")
	pf.String("compile-dir", "", "directory for compiled templates (empty keeps them in memory)")
	pf.StringArrayVarP(&c.options, "option", "O", nil, "set an engine option: name or name=false (repeatable)")

	root.AddCommand(
		c.newRenderCmd(),
		c.newCompileCmd(),
		c.newCleanCmd(),
		c.newOptionsCmd(),
		c.newServeCmd(),
		c.newWatchCmd(),
		newVersionCmd(),
	)
	return root
}

// initConfig locates the configuration file, enables QUILL_ environment
// overrides and binds the flags of the running command.
func (c *cli) initConfig(cmd *cobra.Command) error {
	v := c.viper
	if c.cfgFile != "" {
		v.SetConfigFile(c.cfgFile)
	} else if envConfigFile := os.Getenv(config.EnvPrefix + "_CONFIG_FILE"); envConfigFile != "" {
		v.SetConfigFile(envConfigFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName(config.FileName)
	}

	v.SetEnvPrefix(config.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("reading configuration: %w", err)
		}
	}

	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok || bindErr != nil {
			return
		}
		bindErr = v.BindPFlag(key, f)
	})
	return bindErr
}

// load reads the configuration, applies --option flags and builds the
// logger. Logs go to the command's error stream.
func (c *cli) load(cmd *cobra.Command) (*config.Config, logging.Logger, error) {
	cfg, err := config.LoadFrom(c.viper)
	if err != nil {
		return nil, nil, err
	}
	if err := applyOptionFlags(cfg.Engine.Options, c.options); err != nil {
		return nil, nil, err
	}
	logger, err := cfg.NewLogger(cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, err
	}
	if used := c.viper.ConfigFileUsed(); used != "" {
		logger.Debug(cmd.Context(), "Using config file", "path", used)
	}
	return cfg, logger, nil
}

// newEngine loads the configuration and builds the engine it describes.
func (c *cli) newEngine(cmd *cobra.Command) (*engine.Engine, *config.Config, logging.Logger, error) {
	cfg, logger, err := c.load(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	e, err := cfg.NewEngine(logger)
	if err != nil {
		return nil, nil, nil, err
	}
	return e, cfg, logger, nil
}

// applyOptionFlags parses "name" and "name=bool" settings into set.
func applyOptionFlags(set map[string]bool, flags []string) error {
	for _, flag := range flags {
		name, value, hasValue := strings.Cut(flag, "=")
		name = strings.TrimSpace(name)
		on := true
		if hasValue {
			b, err := strconv.ParseBool(strings.TrimSpace(value))
			if err != nil {
				return fmt.Errorf("option %s: %w", name, err)
			}
			on = b
		}
		if _, ok := options.Lookup(name); !ok {
			return fmt.Errorf("unknown option %q (see 'quill options')", name)
		}
		set[name] = on
	}
	return nil
}
