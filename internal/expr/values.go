package expr

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Safe marks a string that must not be escaped again on output.
type Safe string

// IsSafe reports whether v is a Safe string.
func IsSafe(v interface{}) bool {
	_, ok := v.(Safe)
	return ok
}

// ToString converts a value to its printed form.
func ToString(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case Safe:
		return string(x)
	case []byte:
		return string(x)
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float32:
		return strconv.FormatFloat(float64(x), 'g', 10, 32)
	case float64:
		return strconv.FormatFloat(x, 'g', 15, 64)
	case fmt.Stringer:
		return x.String()
	case error:
		return x.Error()
	}
	return fmt.Sprintf("%v", v)
}

// Truthy reports whether v counts as true in a condition.
func Truthy(v interface{}) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != "" && x != "0"
	case Safe:
		return x != "" && x != "0"
	case int:
		return x != 0
	case int64:
		return x != 0
	case float64:
		return x != 0
	case []interface{}:
		return len(x) > 0
	case map[string]interface{}:
		return len(x) > 0
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return rv.Uint() != 0
	case reflect.Float32, reflect.Float64:
		return rv.Float() != 0
	case reflect.Slice, reflect.Map, reflect.Array, reflect.String:
		return rv.Len() > 0
	case reflect.Ptr, reflect.Interface:
		return !rv.IsNil()
	}
	return true
}

// Number converts v to a number. Integers come back as int64 with isInt
// set; numeric strings are parsed; nil is zero.
func Number(v interface{}) (i int64, f float64, isInt bool, ok bool) {
	switch x := v.(type) {
	case nil:
		return 0, 0, true, true
	case int:
		return int64(x), float64(x), true, true
	case int64:
		return x, float64(x), true, true
	case float64:
		return int64(x), x, false, true
	case string:
		return parseNumber(x)
	case Safe:
		return parseNumber(string(x))
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n := rv.Int()
		return n, float64(n), true, true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		n := rv.Uint()
		return int64(n), float64(n), true, true
	case reflect.Float32, reflect.Float64:
		n := rv.Float()
		return int64(n), n, false, true
	}
	return 0, 0, false, false
}

func parseNumber(s string) (int64, float64, bool, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, 0, false, false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, float64(n), true, true
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int64(f), f, false, true
	}
	return 0, 0, false, false
}

// ToInt converts v to an int64, truncating floats.
func ToInt(v interface{}) (int64, bool) {
	i, f, isInt, ok := Number(v)
	if !ok {
		return 0, false
	}
	if isInt {
		return i, true
	}
	return int64(f), true
}

func isNumeric(v interface{}) bool {
	switch v.(type) {
	case nil, bool:
		return false
	}
	_, _, _, ok := Number(v)
	return ok
}

func isStringy(v interface{}) bool {
	switch v.(type) {
	case string, Safe:
		return true
	}
	return false
}

// Equal is loose equality: numbers compare by value, numeric strings
// compare as numbers, everything else compares structurally.
func Equal(a, b interface{}) bool {
	if a == nil || b == nil {
		return !Truthy(a) && !Truthy(b)
	}
	if isNumeric(a) && isNumeric(b) {
		_, fa, _, _ := Number(a)
		_, fb, _, _ := Number(b)
		return fa == fb
	}
	if isStringy(a) || isStringy(b) {
		if _, isBool := a.(bool); isBool {
			return a.(bool) == Truthy(b)
		}
		if _, isBool := b.(bool); isBool {
			return b.(bool) == Truthy(a)
		}
		return ToString(a) == ToString(b)
	}
	if ba, ok := a.(bool); ok {
		return ba == Truthy(b)
	}
	if bb, ok := b.(bool); ok {
		return bb == Truthy(a)
	}
	return reflect.DeepEqual(a, b)
}

// StrictEqual requires the same kind of value: integers never equal floats
// and strings never equal numbers.
func StrictEqual(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ai, af, aInt, aNum := numberStrict(a)
	bi, bf, bInt, bNum := numberStrict(b)
	if aNum || bNum {
		if !(aNum && bNum) || aInt != bInt {
			return false
		}
		if aInt {
			return ai == bi
		}
		return af == bf
	}
	if isStringy(a) && isStringy(b) {
		return ToString(a) == ToString(b)
	}
	return reflect.DeepEqual(a, b)
}

func numberStrict(v interface{}) (int64, float64, bool, bool) {
	switch v.(type) {
	case string, Safe, nil, bool:
		return 0, 0, false, false
	}
	i, f, isInt, ok := Number(v)
	return i, f, isInt, ok
}

// Compare orders two values: numbers numerically, strings lexically.
func Compare(a, b interface{}) (int, error) {
	if isNumeric(a) && isNumeric(b) || (a == nil && isNumeric(b)) || (b == nil && isNumeric(a)) {
		_, fa, _, _ := Number(a)
		_, fb, _, _ := Number(b)
		switch {
		case fa < fb:
			return -1, nil
		case fa > fb:
			return 1, nil
		}
		return 0, nil
	}
	if isStringy(a) || isStringy(b) || a == nil || b == nil {
		return strings.Compare(ToString(a), ToString(b)), nil
	}
	return 0, fmt.Errorf("cannot compare %T and %T", a, b)
}

// Len returns the length of strings (in runes), slices, arrays and maps.
func Len(v interface{}) (int, bool) {
	switch x := v.(type) {
	case nil:
		return 0, true
	case string:
		return utf8.RuneCountInString(x), true
	case Safe:
		return utf8.RuneCountInString(string(x)), true
	case []interface{}:
		return len(x), true
	case map[string]interface{}:
		return len(x), true
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr && !rv.IsNil() {
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map, reflect.Chan:
		return rv.Len(), true
	case reflect.String:
		return utf8.RuneCountInString(rv.String()), true
	}
	return 0, false
}

// Iterable reports whether Entries can walk v.
func Iterable(v interface{}) bool {
	switch v.(type) {
	case []interface{}, map[string]interface{}:
		return true
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr && !rv.IsNil() {
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return true
	}
	return false
}

// Entry is one key/value pair of an iterable.
type Entry struct {
	Key   interface{}
	Value interface{}
}

// Entries lists the elements of a slice, array or map. Map entries are
// ordered by key so output is deterministic.
func Entries(v interface{}) ([]Entry, bool) {
	switch x := v.(type) {
	case nil:
		return nil, false
	case []interface{}:
		out := make([]Entry, len(x))
		for i, e := range x {
			out[i] = Entry{Key: int64(i), Value: e}
		}
		return out, true
	case map[string]interface{}:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]Entry, len(keys))
		for i, k := range keys {
			out[i] = Entry{Key: k, Value: x[k]}
		}
		return out, true
	}

	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr && !rv.IsNil() {
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]Entry, rv.Len())
		for i := range out {
			out[i] = Entry{Key: int64(i), Value: rv.Index(i).Interface()}
		}
		return out, true
	case reflect.Map:
		keys := rv.MapKeys()
		sort.Slice(keys, func(i, j int) bool {
			c, err := Compare(keys[i].Interface(), keys[j].Interface())
			if err != nil {
				return ToString(keys[i].Interface()) < ToString(keys[j].Interface())
			}
			return c < 0
		})
		out := make([]Entry, len(keys))
		for i, k := range keys {
			out[i] = Entry{Key: k.Interface(), Value: rv.MapIndex(k).Interface()}
		}
		return out, true
	}
	return nil, false
}

// Contains implements the "in" operator: element of a list, key of a map or
// substring of a string.
func Contains(container, item interface{}) bool {
	if isStringy(container) {
		return strings.Contains(ToString(container), ToString(item))
	}
	rv := reflect.ValueOf(container)
	for rv.Kind() == reflect.Ptr && !rv.IsNil() {
		rv = rv.Elem()
	}
	if rv.Kind() == reflect.Map {
		return Field(container, ToString(item)) != nil
	}
	entries, ok := Entries(container)
	if !ok {
		return false
	}
	for _, e := range entries {
		if Equal(e.Value, item) {
			return true
		}
	}
	return false
}

func arith(op string, a, b interface{}) (interface{}, error) {
	ai, af, aInt, aok := Number(a)
	bi, bf, bInt, bok := Number(b)
	if !aok || !bok {
		if op == "+" && (isStringy(a) || isStringy(b)) {
			return ToString(a) + ToString(b), nil
		}
		return nil, fmt.Errorf("unsupported operand types for %s: %T and %T", op, a, b)
	}
	ints := aInt && bInt

	switch op {
	case "+":
		if ints {
			return ai + bi, nil
		}
		return af + bf, nil
	case "-":
		if ints {
			return ai - bi, nil
		}
		return af - bf, nil
	case "*":
		if ints {
			return ai * bi, nil
		}
		return af * bf, nil
	case "/":
		if bf == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		if ints && ai%bi == 0 {
			return ai / bi, nil
		}
		return af / bf, nil
	case "%":
		if !ints {
			ai, bi = int64(math.Trunc(af)), int64(math.Trunc(bf))
		}
		if bi == 0 {
			return nil, fmt.Errorf("modulo by zero")
		}
		return ai % bi, nil
	}
	return nil, fmt.Errorf("unknown operator %s", op)
}
