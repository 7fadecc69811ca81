// Package options defines the fixed set of engine option flags and the
// bitmask they pack into.
//
// Flags are the unit of configuration; a Mask is only their serialized form,
// used for cache keys and compiled file names.
package options

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	qerrors "github.com/conneroisu/quill/internal/errors"
)

// Flag is a single named engine option.
type Flag uint32

// Flag bit values. They stay stable across releases because they end up in
// cache file names.
const (
	DisableAccessor    Flag = 0x8
	DisableMethods     Flag = 0x10
	DisableNativeFuncs Flag = 0x20
	ForceInclude       Flag = 0x40
	AutoReload         Flag = 0x80
	ForceCompile       Flag = 0x100
	AutoEscape         Flag = 0x200
	DisableCache       Flag = 0x400
	ForceVerify        Flag = 0x800
	AutoTrim           Flag = 0x1000
)

var flagNames = map[string]Flag{
	"disable_accessor":     DisableAccessor,
	"disable_methods":      DisableMethods,
	"disable_native_funcs": DisableNativeFuncs,
	"force_include":        ForceInclude,
	"auto_reload":          AutoReload,
	"force_compile":        ForceCompile,
	"auto_escape":          AutoEscape,
	"disable_cache":        DisableCache,
	"force_verify":         ForceVerify,
	"auto_trim":            AutoTrim,
}

// all is the union of every known flag.
var all Mask

func init() {
	for _, f := range flagNames {
		all |= Mask(f)
	}
}

// String returns the flag's configuration name.
func (f Flag) String() string {
	for name, v := range flagNames {
		if v == f {
			return name
		}
	}
	return "flag(0x" + strconv.FormatUint(uint64(f), 16) + ")"
}

// Lookup returns the flag registered under name.
func Lookup(name string) (Flag, bool) {
	f, ok := flagNames[name]
	return f, ok
}

// Names returns every flag name in sorted order.
func Names() []string {
	names := make([]string, 0, len(flagNames))
	for name := range flagNames {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Mask is a packed set of flags.
type Mask uint32

// Has reports whether f is set.
func (m Mask) Has(f Flag) bool {
	return m&Mask(f) != 0
}

// With returns m with f set.
func (m Mask) With(f Flag) Mask {
	return m | Mask(f)
}

// Without returns m with f cleared.
func (m Mask) Without(f Flag) Mask {
	return m &^ Mask(f)
}

// Hex is the lowercase hexadecimal form used in cache keys.
func (m Mask) Hex() string {
	return strconv.FormatUint(uint64(m), 16)
}

// Valid reports whether m only carries known bits.
func (m Mask) Valid() bool {
	return m&^all == 0
}

// Merge sets every flag mapped to true, clears every flag mapped to false and
// leaves the rest untouched. An unknown name fails the whole merge and m is
// returned unchanged.
func (m Mask) Merge(set map[string]bool) (Mask, error) {
	out := m
	for name, on := range set {
		f, ok := flagNames[name]
		if !ok {
			return m, qerrors.ErrUnknownOption(name)
		}
		if on {
			out = out.With(f)
		} else {
			out = out.Without(f)
		}
	}
	return out, nil
}

// Map expands m into a name → bool table covering every known flag.
func (m Mask) Map() map[string]bool {
	out := make(map[string]bool, len(flagNames))
	for name, f := range flagNames {
		out[name] = m.Has(f)
	}
	return out
}

// String lists the set flag names joined by "|".
func (m Mask) String() string {
	var set []string
	for _, name := range Names() {
		if m.Has(flagNames[name]) {
			set = append(set, name)
		}
	}
	if len(set) == 0 {
		return "none"
	}
	return strings.Join(set, "|")
}

// FromMap builds a mask from a name → bool table.
func FromMap(set map[string]bool) (Mask, error) {
	return Mask(0).Merge(set)
}

// Parse accepts either a number ("0x280", "640") or a list of flag names
// separated by commas or "|" ("auto_reload,auto_escape").
func Parse(s string) (Mask, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "none" {
		return 0, nil
	}

	if n, err := strconv.ParseUint(s, 0, 32); err == nil {
		m := Mask(n)
		if !m.Valid() {
			return 0, qerrors.NewConfigError(
				qerrors.ErrCodeUnknownOption,
				fmt.Sprintf("option mask %s carries unknown bits 0x%x", s, uint32(m&^all)),
			)
		}
		return m, nil
	}

	var m Mask
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '|' }) {
		name := strings.TrimSpace(part)
		f, ok := flagNames[name]
		if !ok {
			return 0, qerrors.ErrUnknownOption(name)
		}
		m = m.With(f)
	}
	return m, nil
}
