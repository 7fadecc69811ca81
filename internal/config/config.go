// Package config provides configuration management for quill using Viper
// for loading from files, environment variables and command-line flags.
//
// The configuration file is .quill.yml; environment variables use the
// QUILL_ prefix (QUILL_CACHE_COMPILE_DIR overrides cache.compile_dir).
// Sections cover the engine (template root, option flags, delimiters), the
// compile cache, the source watcher, the render server and logging.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	qerrors "github.com/conneroisu/quill/internal/errors"
	"github.com/conneroisu/quill/internal/logging"
	"github.com/conneroisu/quill/internal/options"
	"github.com/conneroisu/quill/internal/registry"
)

// EnvPrefix prefixes environment overrides.
const EnvPrefix = "QUILL"

// FileName is the default configuration file name without extension.
const FileName = ".quill"

type Config struct {
	Engine EngineConfig `mapstructure:"engine" yaml:"engine" json:"engine"`
	Cache  CacheConfig  `mapstructure:"cache" yaml:"cache" json:"cache"`
	Watch  WatchConfig  `mapstructure:"watch" yaml:"watch" json:"watch"`
	Server ServerConfig `mapstructure:"server" yaml:"server" json:"server"`
	Log    LogConfig    `mapstructure:"log" yaml:"log" json:"log"`
}

type EngineConfig struct {
	TemplateDir string          `mapstructure:"template_dir" yaml:"template_dir" json:"template_dir"`
	Extension   string          `mapstructure:"extension" yaml:"extension" json:"extension"`
	Options     map[string]bool `mapstructure:"options" yaml:"options" json:"options"`
	LeftDelim   string          `mapstructure:"left_delim" yaml:"left_delim" json:"left_delim"`
	RightDelim  string          `mapstructure:"right_delim" yaml:"right_delim" json:"right_delim"`
	MacroLimit  int             `mapstructure:"macro_limit" yaml:"macro_limit" json:"macro_limit"`
	MaxDepth    int             `mapstructure:"max_depth" yaml:"max_depth" json:"max_depth"`
	// Floating is "nearest" or "outermost".
	Floating string                 `mapstructure:"floating" yaml:"floating" json:"floating"`
	Globals  map[string]interface{} `mapstructure:"globals" yaml:"globals" json:"globals"`
}

type CacheConfig struct {
	// CompileDir holds compiled artifacts; empty keeps them in memory.
	CompileDir string `mapstructure:"compile_dir" yaml:"compile_dir" json:"compile_dir"`
	TableSize  int    `mapstructure:"table_size" yaml:"table_size" json:"table_size"`
	BestEffort bool   `mapstructure:"best_effort" yaml:"best_effort" json:"best_effort"`
}

type WatchConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Debounce time.Duration `mapstructure:"debounce" yaml:"debounce" json:"debounce"`
	// Extensions limits watched files; empty watches everything.
	Extensions []string `mapstructure:"extensions" yaml:"extensions" json:"extensions"`
}

type ServerConfig struct {
	Host           string   `mapstructure:"host" yaml:"host" json:"host"`
	Port           int      `mapstructure:"port" yaml:"port" json:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins" json:"allowed_origins"`
	LiveReload     bool     `mapstructure:"live_reload" yaml:"live_reload" json:"live_reload"`
	// VarsFiles are loaded for every request before query parameters.
	VarsFiles []string `mapstructure:"vars_files" yaml:"vars_files" json:"vars_files"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level" json:"level"`
	Format string `mapstructure:"format" yaml:"format" json:"format"`
}

// Load unmarshals the global viper instance, applies defaults and
// validates the result.
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom is Load over an explicit viper instance.
func LoadFrom(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, qerrors.WrapConfig(err, qerrors.ErrCodeConfigInvalid, "decoding configuration")
	}

	applyDefaults(v, &config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &config, nil
}

func applyDefaults(v *viper.Viper, config *Config) {
	if config.Engine.TemplateDir == "" {
		config.Engine.TemplateDir = "templates"
	}
	if config.Engine.Extension == "" {
		config.Engine.Extension = ".tpl"
	}
	if config.Engine.Options == nil {
		config.Engine.Options = make(map[string]bool)
	}
	if config.Engine.Floating == "" {
		config.Engine.Floating = "nearest"
	}

	if !v.IsSet("watch.enabled") {
		config.Watch.Enabled = true
	}
	if config.Watch.Debounce == 0 {
		config.Watch.Debounce = 100 * time.Millisecond
	}
	if len(config.Watch.Extensions) == 0 && !v.IsSet("watch.extensions") {
		config.Watch.Extensions = []string{config.Engine.Extension}
	}

	if config.Server.Host == "" {
		config.Server.Host = "localhost"
	}
	if config.Server.Port == 0 && !v.IsSet("server.port") {
		config.Server.Port = 8080
	}
	if !v.IsSet("server.live_reload") {
		config.Server.LiveReload = true
	}

	if config.Log.Level == "" {
		config.Log.Level = "info"
	}
	if config.Log.Format == "" {
		config.Log.Format = "text"
	}
}

// validateConfig validates configuration values for security and correctness
func validateConfig(config *Config) error {
	if err := validateEngineConfig(&config.Engine); err != nil {
		return fmt.Errorf("engine config: %w", err)
	}
	if err := validateCacheConfig(&config.Cache); err != nil {
		return fmt.Errorf("cache config: %w", err)
	}
	if config.Watch.Debounce < 0 {
		return fmt.Errorf("watch config: negative debounce %s", config.Watch.Debounce)
	}
	if err := validateServerConfig(&config.Server); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if _, err := logging.ParseLevel(config.Log.Level); err != nil {
		return fmt.Errorf("log config: %w", err)
	}
	if config.Log.Format != "text" && config.Log.Format != "json" {
		return fmt.Errorf("log config: format must be text or json, got %q", config.Log.Format)
	}
	return nil
}

func validateEngineConfig(config *EngineConfig) error {
	if err := validatePath(config.TemplateDir); err != nil {
		return fmt.Errorf("invalid template_dir '%s': %w", config.TemplateDir, err)
	}
	if _, err := options.FromMap(config.Options); err != nil {
		return err
	}
	if (config.LeftDelim == "") != (config.RightDelim == "") {
		return fmt.Errorf("left_delim and right_delim must be set together")
	}
	if config.LeftDelim != "" && config.LeftDelim == config.RightDelim {
		return fmt.Errorf("left_delim and right_delim must differ")
	}
	if config.MacroLimit < 0 || config.MaxDepth < 0 {
		return fmt.Errorf("macro_limit and max_depth must not be negative")
	}
	if _, ok := registry.ParseFloatingPolicy(config.Floating); !ok {
		return fmt.Errorf("floating must be nearest or outermost, got %q", config.Floating)
	}
	return nil
}

func validateCacheConfig(config *CacheConfig) error {
	if config.CompileDir != "" {
		if strings.Contains(filepath.Clean(config.CompileDir), "\x00") {
			return fmt.Errorf("compile_dir contains a NUL byte")
		}
	}
	if config.TableSize < 0 {
		return fmt.Errorf("table_size %d must not be negative", config.TableSize)
	}
	return nil
}

// validateServerConfig validates server configuration values
func validateServerConfig(config *ServerConfig) error {
	// Allow 0 for system-assigned ports.
	if config.Port < 0 || config.Port > 65535 {
		return fmt.Errorf("port %d is not in valid range 0-65535", config.Port)
	}

	dangerousChars := []string{";", "&", "|", "$", "`", "(", ")", "<", ">", "\"", "'", "\\"}
	for _, char := range dangerousChars {
		if strings.Contains(config.Host, char) {
			return fmt.Errorf("host contains dangerous character: %s", char)
		}
	}
	for _, path := range config.VarsFiles {
		if err := validatePath(path); err != nil {
			return fmt.Errorf("invalid vars file '%s': %w", path, err)
		}
	}
	return nil
}

// validatePath validates a file path for security
func validatePath(path string) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}

	cleanPath := filepath.Clean(path)
	if strings.Contains(cleanPath, "..") {
		return fmt.Errorf("path contains traversal: %s", path)
	}

	dangerousChars := []string{";", "&", "|", "$", "`", "(", ")", "<", ">", "\"", "'"}
	for _, char := range dangerousChars {
		if strings.Contains(cleanPath, char) {
			return fmt.Errorf("path contains dangerous character: %s", char)
		}
	}
	return nil
}
