// Package vars loads template variables from JSON, YAML and HCL files and
// from key=value pairs given on the command line.
package vars

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/gocty"
	"gopkg.in/yaml.v3"

	qerrors "github.com/conneroisu/quill/internal/errors"
)

// Format names a variable file syntax.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatHCL  Format = "hcl"
)

// FormatOf picks the format from a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".hcl", ".tfvars":
		return FormatHCL, nil
	}
	return "", qerrors.NewConfigError(qerrors.ErrCodeConfigInvalid, "unsupported variable file: "+path).
		WithContext("path", path)
}

// LoadFile reads a variable file. The top level must be a mapping.
func LoadFile(path string) (map[string]interface{}, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, qerrors.WrapConfig(err, qerrors.ErrCodeConfigInvalid, "reading variable file").
			WithContext("path", path)
	}
	return Parse(data, format, path)
}

// LoadFiles reads every file in order; later files override earlier keys.
func LoadFiles(paths ...string) (map[string]interface{}, error) {
	out := make(map[string]interface{})
	for _, p := range paths {
		v, err := LoadFile(p)
		if err != nil {
			return nil, err
		}
		Merge(out, v)
	}
	return out, nil
}

// Parse decodes data in format. filename only labels errors.
func Parse(data []byte, format Format, filename string) (map[string]interface{}, error) {
	switch format {
	case FormatJSON, FormatYAML:
		// JSON is a subset of YAML 1.2.
		out := make(map[string]interface{})
		if err := yaml.Unmarshal(data, &out); err != nil {
			return nil, qerrors.WrapConfig(err, qerrors.ErrCodeConfigInvalid, "parsing "+string(format)+" variables").
				WithContext("path", filename)
		}
		return normalize(out).(map[string]interface{}), nil
	case FormatHCL:
		return parseHCL(data, filename)
	}
	return nil, qerrors.NewConfigError(qerrors.ErrCodeConfigInvalid, "unknown variable format: "+string(format))
}

func parseHCL(data []byte, filename string) (map[string]interface{}, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, hclError(diags, filename)
	}
	attrs, diags := file.Body.JustAttributes()
	if diags.HasErrors() {
		return nil, hclError(diags, filename)
	}

	out := make(map[string]interface{}, len(attrs))
	for name, attr := range attrs {
		val, diags := attr.Expr.Value(nil)
		if diags.HasErrors() {
			return nil, hclError(diags, filename)
		}
		native, err := fromCty(val)
		if err != nil {
			return nil, qerrors.WrapConfig(err, qerrors.ErrCodeConfigInvalid, "converting HCL value").
				WithContext("path", filename).WithContext("attribute", name)
		}
		out[name] = native
	}
	return out, nil
}

func hclError(diags hcl.Diagnostics, filename string) error {
	return qerrors.NewConfigError(qerrors.ErrCodeConfigInvalid, "parsing HCL variables: "+diags.Error()).
		WithContext("path", filename)
}

// fromCty converts a cty value to plain Go values. Whole numbers become
// int64, other numbers float64.
func fromCty(v cty.Value) (interface{}, error) {
	if v.IsNull() || !v.IsKnown() {
		return nil, nil
	}

	ty := v.Type()
	switch {
	case ty == cty.String:
		return v.AsString(), nil

	case ty == cty.Number:
		bf := v.AsBigFloat()
		if bf.IsInt() {
			if i, acc := bf.Int64(); acc == big.Exact {
				return i, nil
			}
		}
		var f float64
		if err := gocty.FromCtyValue(v, &f); err != nil {
			return nil, err
		}
		return f, nil

	case ty == cty.Bool:
		return v.True(), nil

	case ty.IsListType() || ty.IsTupleType() || ty.IsSetType():
		list := make([]interface{}, 0, v.LengthInt())
		for it := v.ElementIterator(); it.Next(); {
			_, elem := it.Element()
			native, err := fromCty(elem)
			if err != nil {
				return nil, err
			}
			list = append(list, native)
		}
		return list, nil

	case ty.IsObjectType() || ty.IsMapType():
		m := make(map[string]interface{}, v.LengthInt())
		for it := v.ElementIterator(); it.Next(); {
			key, elem := it.Element()
			native, err := fromCty(elem)
			if err != nil {
				return nil, fmt.Errorf("in attribute %q: %w", key.AsString(), err)
			}
			m[key.AsString()] = native
		}
		return m, nil
	}
	return nil, fmt.Errorf("unsupported HCL type %s", ty.FriendlyName())
}

// normalize turns nested YAML mappings with non-string keys into
// map[string]interface{}.
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, val := range t {
			t[k] = normalize(val)
		}
		return t
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, val := range t {
			m[fmt.Sprint(k)] = normalize(val)
		}
		return m
	case []interface{}:
		for i, val := range t {
			t[i] = normalize(val)
		}
		return t
	}
	return v
}

// ParsePairs parses key=value pairs. Values are decoded as YAML scalars
// or flow collections, so n=3 is an integer and tags=[a, b] a list;
// anything that fails to decode stays a string. Dotted keys build nested
// maps.
func ParsePairs(pairs []string) (map[string]interface{}, error) {
	out := make(map[string]interface{})
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, qerrors.NewConfigError(qerrors.ErrCodeConfigInvalid, "expected key=value, got "+pair)
		}

		var value interface{} = raw
		var decoded interface{}
		if raw != "" && yaml.Unmarshal([]byte(raw), &decoded) == nil && decoded != nil {
			value = normalize(decoded)
		}
		if err := set(out, strings.Split(key, "."), value); err != nil {
			return nil, qerrors.WrapConfig(err, qerrors.ErrCodeConfigInvalid, "invalid variable "+key)
		}
	}
	return out, nil
}

func set(m map[string]interface{}, path []string, value interface{}) error {
	for i, part := range path[:len(path)-1] {
		next, ok := m[part]
		if !ok {
			child := make(map[string]interface{})
			m[part] = child
			m = child
			continue
		}
		child, ok := next.(map[string]interface{})
		if !ok {
			return fmt.Errorf("%s is not a map", strings.Join(path[:i+1], "."))
		}
		m = child
	}
	m[path[len(path)-1]] = value
	return nil
}

// Merge copies src into dst, merging nested maps key by key.
func Merge(dst, src map[string]interface{}) {
	for k, v := range src {
		if sm, ok := v.(map[string]interface{}); ok {
			if dm, ok := dst[k].(map[string]interface{}); ok {
				Merge(dm, sm)
				continue
			}
		}
		dst[k] = v
	}
}

// Keys returns the top-level keys in order.
func Keys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
