//go:build property
// +build property

package options

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestMergeProperties checks merge read-back and idempotence over random
// flag tables.
func TestMergeProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	names := Names()
	genTable := gen.SliceOfN(len(names), gen.IntRange(0, 2)).Map(func(choice []int) map[string]bool {
		table := make(map[string]bool)
		for i, c := range choice {
			switch c {
			case 1:
				table[names[i]] = true
			case 2:
				table[names[i]] = false
			}
		}
		return table
	})

	properties.Property("merged flags read back as set", prop.ForAll(
		func(start uint32, table map[string]bool) bool {
			m := Mask(start) & all
			merged, err := m.Merge(table)
			if err != nil {
				return false
			}
			read := merged.Map()
			for name, on := range table {
				if read[name] != on {
					return false
				}
			}
			for name, f := range flagNames {
				if _, touched := table[name]; !touched && merged.Has(f) != m.Has(f) {
					return false
				}
			}
			return true
		},
		gen.UInt32(),
		genTable,
	))

	properties.Property("merge is idempotent", prop.ForAll(
		func(start uint32, table map[string]bool) bool {
			m := Mask(start) & all
			once, err1 := m.Merge(table)
			twice, err2 := once.Merge(table)
			return err1 == nil && err2 == nil && once == twice
		},
		gen.UInt32(),
		genTable,
	))

	properties.Property("hex round-trips through Parse", prop.ForAll(
		func(start uint32) bool {
			m := Mask(start) & all
			parsed, err := Parse("0x" + m.Hex())
			return err == nil && parsed == m
		},
		gen.UInt32(),
	))

	properties.TestingRun(t)
}
