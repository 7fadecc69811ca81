package provider

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qerrors "github.com/conneroisu/quill/internal/errors"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	file := filepath.Join(dir, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(file), 0o755))
	require.NoError(t, os.WriteFile(file, []byte(content), 0o644))
	return file
}

func TestFSProvider(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, dir, "layouts/base.tpl", "hello {$name}")
	writeFile(t, dir, "notes.txt", "ignored by List")

	p := NewFSProvider(dir, ".tpl")

	assert.True(t, p.Exists("layouts/base.tpl"))
	assert.False(t, p.Exists("layouts"))
	assert.False(t, p.Exists("missing.tpl"))

	src, fresh, err := p.Source("layouts/base.tpl")
	require.NoError(t, err)
	assert.Equal(t, "hello {$name}", src)

	token, err := p.Freshness("layouts/base.tpl")
	require.NoError(t, err)
	assert.Equal(t, fresh, token)

	later := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(file, later, later))
	changed, err := p.Freshness("layouts/base.tpl")
	require.NoError(t, err)
	assert.NotEqual(t, fresh, changed)

	names, err := p.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"layouts/base.tpl"}, names)
}

func TestFSProviderNotFound(t *testing.T) {
	p := NewFSProvider(t.TempDir(), "")

	_, _, err := p.Source("nope.tpl")
	require.Error(t, err)
	assert.True(t, qerrors.IsNotFound(err))
	assert.False(t, qerrors.IsSyntax(err))

	_, err = p.Freshness("nope.tpl")
	assert.True(t, qerrors.IsNotFound(err))
}

func TestFSProviderStaysInsideRoot(t *testing.T) {
	dir := t.TempDir()
	p := NewFSProvider(filepath.Join(dir, "templates"), "")
	writeFile(t, dir, "secret.tpl", "x")

	file, err := p.Path("../secret.tpl")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "templates", "secret.tpl"), file)
	assert.False(t, p.Exists("../secret.tpl"))
}

func TestMemoryProviderVersions(t *testing.T) {
	p := NewMemoryProvider(map[string]string{"a.tpl": "A"})

	_, v1, err := p.Source("a.tpl")
	require.NoError(t, err)

	p.Set("a.tpl", "A2")
	src, v2, err := p.Source("a.tpl")
	require.NoError(t, err)
	assert.Equal(t, "A2", src)
	assert.NotEqual(t, v1, v2)

	p.Remove("a.tpl")
	assert.False(t, p.Exists("a.tpl"))
	_, err = p.Freshness("a.tpl")
	assert.True(t, qerrors.IsNotFound(err))
}

func TestSetSchemes(t *testing.T) {
	def := NewMemoryProvider(map[string]string{"page.tpl": "default"})
	mail := NewMemoryProvider(map[string]string{"welcome.tpl": "mail"})

	s := NewSet(def)
	s.Add("mail", mail)

	src, _, err := s.Source("page.tpl")
	require.NoError(t, err)
	assert.Equal(t, "default", src)

	src, _, err = s.Source("mail:welcome.tpl")
	require.NoError(t, err)
	assert.Equal(t, "mail", src)

	assert.True(t, s.Exists("mail:welcome.tpl"))
	assert.False(t, s.Exists("mail:page.tpl"))

	_, _, err = s.Source("db:page.tpl")
	require.Error(t, err)
	assert.True(t, qerrors.IsConfig(err))
	assert.False(t, s.Exists("db:page.tpl"))
}

func TestSplit(t *testing.T) {
	tests := []struct{ ref, scheme, name string }{
		{"page.tpl", "", "page.tpl"},
		{"mail:welcome.tpl", "mail", "welcome.tpl"},
		{`C:\tpl\a.tpl`, "", `C:\tpl\a.tpl`},
		{":odd", "", ":odd"},
	}
	for _, tt := range tests {
		scheme, name := Split(tt.ref)
		assert.Equal(t, tt.scheme, scheme, tt.ref)
		assert.Equal(t, tt.name, name, tt.ref)
	}
}
