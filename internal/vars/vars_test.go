package vars

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qerrors "github.com/conneroisu/quill/internal/errors"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestFormatOf(t *testing.T) {
	testCases := []struct {
		path   string
		format Format
		ok     bool
	}{
		{"vars.json", FormatJSON, true},
		{"vars.yaml", FormatYAML, true},
		{"VARS.YML", FormatYAML, true},
		{"site.hcl", FormatHCL, true},
		{"prod.tfvars", FormatHCL, true},
		{"vars.toml", "", false},
	}

	for _, tc := range testCases {
		t.Run(tc.path, func(t *testing.T) {
			got, err := FormatOf(tc.path)
			if !tc.ok {
				require.Error(t, err)
				assert.True(t, qerrors.IsConfig(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.format, got)
		})
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "vars.json", `{"title": "Home", "count": 3, "tags": ["a", "b"], "user": {"name": "Ann"}}`)
	v, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "Home", v["title"])
	assert.Equal(t, 3, v["count"])
	assert.Equal(t, []interface{}{"a", "b"}, v["tags"])
	assert.Equal(t, map[string]interface{}{"name": "Ann"}, v["user"])
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "vars.yml", `
title: Home
draft: false
ratio: 1.5
codes:
  1: one
items:
  - name: a
  - name: b
`)
	v, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "Home", v["title"])
	assert.Equal(t, false, v["draft"])
	assert.Equal(t, 1.5, v["ratio"])
	assert.Equal(t, map[string]interface{}{"1": "one"}, v["codes"])
	items := v["items"].([]interface{})
	require.Len(t, items, 2)
	assert.Equal(t, map[string]interface{}{"name": "b"}, items[1])
}

func TestLoadHCL(t *testing.T) {
	path := writeFile(t, "site.hcl", `
title  = "Docs"
pages  = 12
ratio  = 0.25
public = true
tags   = ["go", "templates"]
owner  = {
  name  = "Ann"
  admin = false
}
nothing = null
`)
	v, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "Docs", v["title"])
	assert.Equal(t, int64(12), v["pages"])
	assert.Equal(t, 0.25, v["ratio"])
	assert.Equal(t, true, v["public"])
	assert.Equal(t, []interface{}{"go", "templates"}, v["tags"])
	assert.Equal(t, map[string]interface{}{"name": "Ann", "admin": false}, v["owner"])
	assert.Nil(t, v["nothing"])
	assert.Contains(t, v, "nothing")
}

func TestLoadErrors(t *testing.T) {
	testCases := []struct {
		name    string
		file    string
		content string
	}{
		{"bad json", "vars.json", `{"title": `},
		{"yaml list at top", "vars.yaml", "- a\n- b\n"},
		{"bad hcl", "vars.hcl", `title = `},
		{"hcl blocks", "vars.hcl", "page {\n  title = \"x\"\n}\n"},
		{"hcl variables", "vars.hcl", `title = var.name`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadFile(writeFile(t, tc.file, tc.content))
			require.Error(t, err)
			assert.True(t, qerrors.IsConfig(err))
		})
	}

	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestLoadFilesMerges(t *testing.T) {
	base := writeFile(t, "base.yaml", "site:\n  name: Docs\n  lang: en\ntitle: Base\n")
	page := writeFile(t, "page.json", `{"site": {"lang": "de"}, "title": "Page"}`)

	v, err := LoadFiles(base, page)
	require.NoError(t, err)
	assert.Equal(t, "Page", v["title"])
	assert.Equal(t, map[string]interface{}{"name": "Docs", "lang": "de"}, v["site"])
}

func TestParsePairs(t *testing.T) {
	v, err := ParsePairs([]string{
		"name=Ann",
		"count=3",
		"on=true",
		"tags=[a, b]",
		"empty=",
		"user.name=Bob",
		"user.age=40",
		"url=http://example.com/a?b=c",
	})
	require.NoError(t, err)

	assert.Equal(t, "Ann", v["name"])
	assert.Equal(t, 3, v["count"])
	assert.Equal(t, true, v["on"])
	assert.Equal(t, []interface{}{"a", "b"}, v["tags"])
	assert.Equal(t, "", v["empty"])
	assert.Equal(t, map[string]interface{}{"name": "Bob", "age": 40}, v["user"])
	assert.Equal(t, "http://example.com/a?b=c", v["url"])

	for _, bad := range [][]string{{"novalue"}, {"=x"}, {"a=1", "a.b=2"}} {
		_, err := ParsePairs(bad)
		assert.Error(t, err, bad)
	}
}

func TestMergeAndKeys(t *testing.T) {
	dst := map[string]interface{}{"a": 1, "m": map[string]interface{}{"x": 1}}
	Merge(dst, map[string]interface{}{"b": 2, "m": map[string]interface{}{"y": 2}})

	assert.Equal(t, map[string]interface{}{"x": 1, "y": 2}, dst["m"])
	assert.Equal(t, []string{"a", "b", "m"}, Keys(dst))
}
