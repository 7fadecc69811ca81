package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/quill/internal/options"
	"github.com/conneroisu/quill/internal/registry"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name        string
		setup       func(v *viper.Viper)
		expectError bool
		check       func(t *testing.T, c *Config)
	}{
		{
			name:  "defaults",
			setup: func(*viper.Viper) {},
			check: func(t *testing.T, c *Config) {
				assert.Equal(t, "templates", c.Engine.TemplateDir)
				assert.Equal(t, ".tpl", c.Engine.Extension)
				assert.Equal(t, "nearest", c.Engine.Floating)
				assert.True(t, c.Watch.Enabled)
				assert.Equal(t, 100*time.Millisecond, c.Watch.Debounce)
				assert.Equal(t, []string{".tpl"}, c.Watch.Extensions)
				assert.Equal(t, "localhost", c.Server.Host)
				assert.Equal(t, 8080, c.Server.Port)
				assert.True(t, c.Server.LiveReload)
				assert.Equal(t, "info", c.Log.Level)
				assert.Equal(t, "text", c.Log.Format)
			},
		},
		{
			name: "explicit values",
			setup: func(v *viper.Viper) {
				v.Set("engine.template_dir", "views")
				v.Set("engine.extension", ".html")
				v.Set("engine.options", map[string]interface{}{"auto_escape": true, "auto_reload": true})
				v.Set("cache.compile_dir", ".quill/compiled")
				v.Set("cache.best_effort", true)
				v.Set("watch.enabled", false)
				v.Set("watch.debounce", "250ms")
				v.Set("server.port", 0)
				v.Set("server.live_reload", false)
				v.Set("log.level", "debug")
			},
			check: func(t *testing.T, c *Config) {
				assert.Equal(t, "views", c.Engine.TemplateDir)
				assert.Equal(t, []string{".html"}, c.Watch.Extensions)
				assert.Equal(t, ".quill/compiled", c.Cache.CompileDir)
				assert.True(t, c.Cache.BestEffort)
				assert.False(t, c.Watch.Enabled)
				assert.Equal(t, 250*time.Millisecond, c.Watch.Debounce)
				assert.Equal(t, 0, c.Server.Port, "explicit zero port is kept")
				assert.False(t, c.Server.LiveReload)

				mask, err := c.Mask()
				require.NoError(t, err)
				assert.True(t, mask.Has(options.AutoEscape))
				assert.True(t, mask.Has(options.AutoReload))
			},
		},
		{
			name:        "undecodable port",
			setup:       func(v *viper.Viper) { v.Set("server.port", "invalid_port") },
			expectError: true,
		},
		{
			name:        "unknown option",
			setup:       func(v *viper.Viper) { v.Set("engine.options", map[string]interface{}{"turbo": true}) },
			expectError: true,
		},
		{
			name:        "port out of range",
			setup:       func(v *viper.Viper) { v.Set("server.port", 70000) },
			expectError: true,
		},
		{
			name:        "template dir traversal",
			setup:       func(v *viper.Viper) { v.Set("engine.template_dir", "../secrets") },
			expectError: true,
		},
		{
			name: "one delimiter only",
			setup: func(v *viper.Viper) {
				v.Set("engine.left_delim", "{{")
			},
			expectError: true,
		},
		{
			name:        "bad floating policy",
			setup:       func(v *viper.Viper) { v.Set("engine.floating", "innermost") },
			expectError: true,
		},
		{
			name:        "bad log level",
			setup:       func(v *viper.Viper) { v.Set("log.level", "loud") },
			expectError: true,
		},
		{
			name:        "bad log format",
			setup:       func(v *viper.Viper) { v.Set("log.format", "xml") },
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			tt.setup(v)

			config, err := LoadFrom(v)
			if tt.expectError {
				assert.Error(t, err)
				assert.Nil(t, config)
				return
			}
			require.NoError(t, err)
			tt.check(t, config)
		})
	}
}

func TestLoadUsesGlobalViper(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	viper.Set("engine.template_dir", "site")

	config, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "site", config.Engine.TemplateDir)
}

func TestLoadFromFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, FileName+".yml")
	require.NoError(t, os.WriteFile(file, []byte(`
engine:
  template_dir: pages
  options:
    auto_escape: true
server:
  port: 9000
`), 0o644))

	t.Setenv("QUILL_SERVER_PORT", "9100")

	v := viper.New()
	v.SetConfigFile(file)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	require.NoError(t, v.ReadInConfig())

	config, err := LoadFrom(v)
	require.NoError(t, err)
	assert.Equal(t, "pages", config.Engine.TemplateDir)
	assert.Equal(t, 9100, config.Server.Port, "environment overrides the file")
	assert.True(t, config.Engine.Options["auto_escape"])
}

func TestValidatePath(t *testing.T) {
	tests := []struct {
		path  string
		valid bool
	}{
		{"templates", true},
		{"./views/pages", true},
		{"", false},
		{"../outside", false},
		{"views/../../x", false},
		{"views;rm", false},
		{"$(whoami)", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			err := validatePath(tt.path)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestDefault(t *testing.T) {
	config := Default()
	assert.Equal(t, "templates", config.Engine.TemplateDir)
	mask, err := config.Mask()
	require.NoError(t, err)
	assert.Equal(t, options.Mask(0), mask)
}

func TestEngineConfig(t *testing.T) {
	config := Default()
	config.Engine.Options = map[string]bool{"auto_escape": true}
	config.Engine.LeftDelim = "{{"
	config.Engine.RightDelim = "}}"
	config.Engine.Floating = "outermost"
	config.Cache.TableSize = 16

	cfg, err := config.EngineConfig(nil)
	require.NoError(t, err)
	assert.True(t, cfg.Options.Has(options.AutoEscape))
	assert.Equal(t, "{{", cfg.Delimiters.Open)
	assert.Equal(t, "}}", cfg.Delimiters.Close)
	assert.Equal(t, registry.Outermost, cfg.Floating)
	assert.Equal(t, 16, cfg.TableSize)
	assert.NotNil(t, cfg.Provider)
}

func TestNewEngineRendersTemplates(t *testing.T) {
	dir := t.TempDir()
	templates := filepath.Join(dir, "templates")
	require.NoError(t, os.MkdirAll(templates, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(templates, "hello.tpl"), []byte("Hello {$name|upper}"), 0o644))

	config := Default()
	config.Engine.TemplateDir = templates
	config.Cache.CompileDir = filepath.Join(dir, "compiled")

	e, err := config.NewEngine(nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, e.Display(context.Background(), &buf, "hello.tpl", map[string]interface{}{"name": "ann"}))
	assert.Equal(t, "Hello ANN", buf.String())

	_, err = os.Stat(config.Cache.CompileDir)
	assert.NoError(t, err, "compile directory is created")
}

func TestNewLogger(t *testing.T) {
	config := Default()
	config.Log.Format = "json"
	var buf bytes.Buffer

	logger, err := config.NewLogger(&buf)
	require.NoError(t, err)
	logger.Info(context.Background(), "hello", "k", "v")
	assert.Contains(t, buf.String(), `"msg":"hello"`)

	config.Log.Level = "loud"
	_, err = config.NewLogger(&buf)
	assert.Error(t, err)
}

func TestWriteFileRoundTrip(t *testing.T) {
	config := Default()
	config.Engine.TemplateDir = "views"
	config.Engine.Options = map[string]bool{"auto_escape": true}
	config.Server.Port = 9000

	file := filepath.Join(t.TempDir(), ".quill.yml")
	require.NoError(t, config.WriteFile(file))

	v := viper.New()
	v.SetConfigFile(file)
	require.NoError(t, v.ReadInConfig())
	loaded, err := LoadFrom(v)
	require.NoError(t, err)

	assert.Equal(t, "views", loaded.Engine.TemplateDir)
	assert.Equal(t, 9000, loaded.Server.Port)
	assert.True(t, loaded.Engine.Options["auto_escape"])
	assert.Equal(t, config.Watch.Debounce, loaded.Watch.Debounce)
}
