package config

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/conneroisu/quill/internal/engine"
	"github.com/conneroisu/quill/internal/lexer"
	"github.com/conneroisu/quill/internal/logging"
	"github.com/conneroisu/quill/internal/options"
	"github.com/conneroisu/quill/internal/provider"
	"github.com/conneroisu/quill/internal/registry"
)

// Default returns the configuration Load produces with nothing set.
func Default() *Config {
	config, err := LoadFrom(viper.New())
	if err != nil {
		// The defaults always validate.
		panic(err)
	}
	return config
}

// Mask converts the engine option table into a mask.
func (c *Config) Mask() (options.Mask, error) {
	return options.FromMap(c.Engine.Options)
}

// NewLogger builds the logger described by the log section.
func (c *Config) NewLogger(out io.Writer) (*logging.QuillLogger, error) {
	level, err := logging.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	return logging.NewLogger(&logging.LoggerConfig{
		Level:  level,
		Format: c.Log.Format,
		Output: out,
	}), nil
}

// EngineConfig translates the configuration into engine settings serving
// templates from the template directory.
func (c *Config) EngineConfig(logger logging.Logger) (engine.Config, error) {
	mask, err := c.Mask()
	if err != nil {
		return engine.Config{}, err
	}
	floating, ok := registry.ParseFloatingPolicy(c.Engine.Floating)
	if !ok {
		return engine.Config{}, fmt.Errorf("unknown floating policy %q", c.Engine.Floating)
	}

	cfg := engine.Config{
		Provider:        provider.NewFSProvider(c.Engine.TemplateDir, c.Engine.Extension),
		CompileDir:      c.Cache.CompileDir,
		Options:         mask,
		MacroLimit:      c.Engine.MacroLimit,
		MaxDepth:        c.Engine.MaxDepth,
		Floating:        floating,
		TableSize:       c.Cache.TableSize,
		BestEffortCache: c.Cache.BestEffort,
		Globals:         c.Engine.Globals,
		Logger:          logger,
	}
	if c.Engine.LeftDelim != "" {
		cfg.Delimiters = lexer.Delimiters{Open: c.Engine.LeftDelim, Close: c.Engine.RightDelim}
	}
	return cfg, nil
}

// NewEngine builds an engine from the configuration, creating the compile
// directory when it does not exist yet.
func (c *Config) NewEngine(logger logging.Logger) (*engine.Engine, error) {
	cfg, err := c.EngineConfig(logger)
	if err != nil {
		return nil, err
	}
	if cfg.CompileDir != "" {
		if err := os.MkdirAll(cfg.CompileDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating compile directory: %w", err)
		}
	}
	return engine.New(cfg)
}

// WriteFile writes the configuration as YAML.
func (c *Config) WriteFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding configuration: %w", err)
	}
	header := []byte("# quill configuration\n")
	return os.WriteFile(path, append(header, data...), 0o644)
}
