package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/quill/internal/engine"
	qerrors "github.com/conneroisu/quill/internal/errors"
	"github.com/conneroisu/quill/internal/logging"
	"github.com/conneroisu/quill/internal/provider"
	"github.com/conneroisu/quill/internal/watcher"
)

func execute(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err != nil {
		t.Logf("stderr: %s", errOut.String())
	}
	return out.String(), err
}

func writeTemplates(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	}
	return dir
}

func TestRenderCommand(t *testing.T) {
	dir := writeTemplates(t, map[string]string{
		"page.tpl": "Hello {$name}, {$user.age}",
	})
	varsFile := filepath.Join(t.TempDir(), "site.yaml")
	require.NoError(t, os.WriteFile(varsFile, []byte("name: Ann\nuser:\n  age: 20\n"), 0o644))

	out, err := execute(t, context.Background(), "render", "page.tpl", "-d", dir, "--vars", varsFile, "--set", "user.age=30")
	require.NoError(t, err)
	assert.Equal(t, "Hello Ann, 30", out)
}

func TestRenderToFile(t *testing.T) {
	dir := writeTemplates(t, map[string]string{"page.tpl": "{$x}"})
	target := filepath.Join(t.TempDir(), "out.html")

	out, err := execute(t, context.Background(), "render", "page.tpl", "-d", dir, "-s", "x=done", "-o", target)
	require.NoError(t, err)
	assert.Empty(t, out)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "done", string(data))
}

func TestRenderErrors(t *testing.T) {
	dir := writeTemplates(t, map[string]string{"page.tpl": "x"})

	_, err := execute(t, context.Background(), "render", "missing.tpl", "-d", dir)
	require.Error(t, err)
	assert.True(t, qerrors.IsNotFound(err))

	_, err = execute(t, context.Background(), "render", "page.tpl", "-d", dir, "--vars", "vars.toml")
	assert.Error(t, err)

	_, err = execute(t, context.Background(), "render", "page.tpl", "-d", dir, "-O", "no_such_option")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no_such_option")

	_, err = execute(t, context.Background(), "render", "-d", dir)
	assert.Error(t, err, "a template name is required")
}

func TestCompileAndClean(t *testing.T) {
	dir := writeTemplates(t, map[string]string{
		"a.tpl":        "A",
		"b.tpl":        "B",
		"notes.txt":    "not a template",
		"nested/c.tpl": "C",
	})
	cacheDir := filepath.Join(t.TempDir(), "cache")

	out, err := execute(t, context.Background(), "compile", "-d", dir, "--compile-dir", cacheDir)
	require.NoError(t, err)
	assert.Equal(t, "compiled a.tpl (0 dependencies)\ncompiled b.tpl (0 dependencies)\ncompiled nested/c.tpl (0 dependencies)\n", out)

	entries, err := os.ReadDir(cacheDir)
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	out, err = execute(t, context.Background(), "clean", "-d", dir, "--compile-dir", cacheDir)
	require.NoError(t, err)
	assert.Contains(t, out, "removed 3 compiled templates")

	out, err = execute(t, context.Background(), "clean", "-d", dir)
	require.NoError(t, err)
	assert.Equal(t, "no compile directory configured\n", out)
}

func TestCompileFailures(t *testing.T) {
	dir := writeTemplates(t, map[string]string{
		"good.tpl":   "ok",
		"broken.tpl": "{if $x}",
	})

	_, err := execute(t, context.Background(), "compile", "-d", dir)
	require.Error(t, err)
	assert.True(t, qerrors.IsSyntax(err))

	out, err := execute(t, context.Background(), "compile", "-d", dir, "--keep-going")
	require.Error(t, err)
	assert.Equal(t, "1 of 2 templates failed to compile", err.Error())
	assert.Contains(t, out, "compiled good.tpl")

	out, err = execute(t, context.Background(), "compile", "good.tpl", "-d", dir)
	require.NoError(t, err)
	assert.Equal(t, "compiled good.tpl (0 dependencies)\n", out)
}

func TestOptionsCommand(t *testing.T) {
	dir := t.TempDir()

	out, err := execute(t, context.Background(), "options", "-d", dir, "-O", "auto_escape", "-O", "auto_trim=false", "-o", "json")
	require.NoError(t, err)

	var report optionsReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, "0x200", report.Mask)
	for _, o := range report.Options {
		assert.Equal(t, o.Name == "auto_escape", o.Enabled, o.Name)
	}

	out, err = execute(t, context.Background(), "options", "-d", dir, "-o", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "name: force_compile")
	assert.Contains(t, out, "bit: \"0x100\"")

	out, err = execute(t, context.Background(), "options", "-d", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "OPTION")
	assert.Contains(t, out, "mask 0x0")

	_, err = execute(t, context.Background(), "options", "-d", dir, "-o", "xml")
	assert.Error(t, err)
}

func TestConfigFile(t *testing.T) {
	dir := writeTemplates(t, map[string]string{"page.tpl": "[{$x}]"})
	cfgFile := filepath.Join(t.TempDir(), "quill.yml")
	cfg := "engine:\n  template_dir: " + dir + "\n  options:\n    auto_escape: true\n"
	require.NoError(t, os.WriteFile(cfgFile, []byte(cfg), 0o644))

	out, err := execute(t, context.Background(), "render", "page.tpl", "--config", cfgFile, "-s", "x=<b>")
	require.NoError(t, err)
	assert.Equal(t, "[&lt;b&gt;]", out)

	out, err = execute(t, context.Background(), "render", "page.tpl", "--config", cfgFile, "-s", "x=<b>", "-O", "auto_escape=false")
	require.NoError(t, err)
	assert.Equal(t, "[<b>]", out, "flags override the file")

	_, err = execute(t, context.Background(), "render", "page.tpl", "--config", filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}

func TestEnvironmentOverride(t *testing.T) {
	dir := writeTemplates(t, map[string]string{"page.tpl": "env"})
	t.Setenv("QUILL_ENGINE_TEMPLATE_DIR", dir)

	out, err := execute(t, context.Background(), "render", "page.tpl")
	require.NoError(t, err)
	assert.Equal(t, "env", out)
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, context.Background(), "version")
	require.NoError(t, err)
	assert.Contains(t, out, "quill ")

	out, err = execute(t, context.Background(), "version", "--format", "json")
	require.NoError(t, err)
	var info map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, engine.Version, info["engine"])

	out, err = execute(t, context.Background(), "version", "--detailed")
	require.NoError(t, err)
	assert.Contains(t, out, "Engine: "+engine.Version)

	_, err = execute(t, context.Background(), "version", "-f", "xml")
	assert.Error(t, err)
}

func TestApplyOptionFlags(t *testing.T) {
	tests := []struct {
		name    string
		flags   []string
		want    map[string]bool
		wantErr bool
	}{
		{"bare name", []string{"auto_escape"}, map[string]bool{"auto_escape": true}, false},
		{"explicit", []string{"auto_reload=true", "auto_trim=0"}, map[string]bool{"auto_reload": true, "auto_trim": false}, false},
		{"later wins", []string{"auto_escape", "auto_escape=false"}, map[string]bool{"auto_escape": false}, false},
		{"bad bool", []string{"auto_escape=maybe"}, nil, true},
		{"unknown", []string{"turbo"}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set := make(map[string]bool)
			err := applyOptionFlags(set, tt.flags)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, set)
		})
	}
}

func TestRecompileHandler(t *testing.T) {
	mem := provider.NewMemoryProvider(map[string]string{"a.tpl": "A", "bad.tpl": "{if 1}"})
	e, err := engine.New(engine.Config{Provider: mem, CompileDir: t.TempDir()})
	require.NoError(t, err)

	handler := recompileHandler(e, logging.NewNopLogger())
	require.NoError(t, handler(context.Background(), []watcher.ChangeEvent{{Name: "a.tpl"}, {Name: "gone.tpl"}}))
	assert.Equal(t, 1, e.Stats().StoreFiles)

	assert.Error(t, handler(context.Background(), []watcher.ChangeEvent{{Name: "bad.tpl"}}))
}

func TestWatchAndServeStop(t *testing.T) {
	if testing.Short() {
		t.Skip("starts a file watcher")
	}
	dir := writeTemplates(t, map[string]string{"page.tpl": "x"})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err := execute(t, ctx, "watch", "-d", dir, "--compile")
	assert.NoError(t, err)

	ctx, cancel = context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err = execute(t, ctx, "serve", "-d", dir, "--port", "0", "--host", "127.0.0.1")
	assert.NoError(t, err)

	_, err = execute(t, context.Background(), "watch", "-d", filepath.Join(dir, "missing"))
	assert.Error(t, err)
}
