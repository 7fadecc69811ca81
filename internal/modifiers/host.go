package modifiers

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"reflect"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/conneroisu/quill/internal/expr"
)

// Allowed lists the host functions callable while native functions are
// disabled.
var Allowed = []string{
	"count", "is_string", "is_array", "is_numeric", "is_int", "is_object",
	"strtotime", "gettype", "is_double", "json_encode", "json_decode",
	"ip2long", "long2ip", "strip_tags", "nl2br", "explode", "implode",
}

// Host maps host function names to implementations. Only names in Allowed
// survive disable_native_funcs.
var Host = map[string]expr.Func{
	"count":       count,
	"is_string":   isString,
	"is_array":    isArray,
	"is_numeric":  isNumeric,
	"is_int":      isInt,
	"is_object":   isObject,
	"is_double":   isDouble,
	"gettype":     getType,
	"strtotime":   strToTime,
	"json_encode": jsonEncode,
	"json_decode": jsonDecode,
	"ip2long":     ip2long,
	"long2ip":     long2ip,
	"strip_tags":  StripTags,
	"nl2br":       nl2br,
	"explode":     explode,
	"implode":     implode,
	"sprintf":     sprintf,
	"str_repeat":  strRepeat,
	"trim":        trim,
}

func count(args ...interface{}) (interface{}, error) {
	v := arg(args, 0)
	if !expr.Iterable(v) {
		if v == nil {
			return int64(0), nil
		}
		return int64(1), nil
	}
	n, _ := expr.Len(v)
	return int64(n), nil
}

func isString(args ...interface{}) (interface{}, error) {
	switch arg(args, 0).(type) {
	case string, expr.Safe:
		return true, nil
	}
	return false, nil
}

func isArray(args ...interface{}) (interface{}, error) {
	return expr.Iterable(arg(args, 0)), nil
}

func isNumeric(args ...interface{}) (interface{}, error) {
	switch arg(args, 0).(type) {
	case nil, bool:
		return false, nil
	}
	_, _, _, ok := expr.Number(arg(args, 0))
	return ok, nil
}

func isInt(args ...interface{}) (interface{}, error) {
	switch arg(args, 0).(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return true, nil
	}
	return false, nil
}

func isDouble(args ...interface{}) (interface{}, error) {
	switch arg(args, 0).(type) {
	case float32, float64:
		return true, nil
	}
	return false, nil
}

func isObject(args ...interface{}) (interface{}, error) {
	rv := reflect.ValueOf(arg(args, 0))
	for rv.Kind() == reflect.Ptr && !rv.IsNil() {
		rv = rv.Elem()
	}
	return rv.Kind() == reflect.Struct, nil
}

func getType(args ...interface{}) (interface{}, error) {
	v := arg(args, 0)
	switch v.(type) {
	case nil:
		return "NULL", nil
	case bool:
		return "boolean", nil
	case string, expr.Safe:
		return "string", nil
	case float32, float64:
		return "double", nil
	}
	if ok, _ := isInt(v); ok.(bool) {
		return "integer", nil
	}
	if expr.Iterable(v) {
		return "array", nil
	}
	return "object", nil
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	time.RFC1123Z,
	time.RFC1123,
	"02 Jan 2006",
	"Jan 2, 2006",
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "now":
		return time.Now(), nil
	case "today":
		y, m, d := time.Now().Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.Local), nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse %q as a time", s)
}

// strToTime returns a unix timestamp, or false when the string is not a
// recognised time.
func strToTime(args ...interface{}) (interface{}, error) {
	t, err := parseTime(stringArg(args, 0, ""))
	if err != nil {
		return false, nil
	}
	return t.Unix(), nil
}

func jsonEncode(args ...interface{}) (interface{}, error) {
	v := arg(args, 0)
	if s, ok := v.(expr.Safe); ok {
		v = string(s)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func jsonDecode(args ...interface{}) (interface{}, error) {
	var v interface{}
	if err := json.Unmarshal([]byte(stringArg(args, 0, "")), &v); err != nil {
		return nil, nil
	}
	return normalizeJSON(v), nil
}

// normalizeJSON turns whole float64 numbers into int64 so decoded values
// print the way literals do.
func normalizeJSON(v interface{}) interface{} {
	switch x := v.(type) {
	case float64:
		if x == float64(int64(x)) {
			return int64(x)
		}
	case []interface{}:
		for i := range x {
			x[i] = normalizeJSON(x[i])
		}
	case map[string]interface{}:
		for k := range x {
			x[k] = normalizeJSON(x[k])
		}
	}
	return v
}

func ip2long(args ...interface{}) (interface{}, error) {
	ip := net.ParseIP(stringArg(args, 0, "")).To4()
	if ip == nil {
		return false, nil
	}
	return int64(binary.BigEndian.Uint32(ip)), nil
}

func long2ip(args ...interface{}) (interface{}, error) {
	n := intArg(args, 0, 0)
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, uint32(n))
	return ip.String(), nil
}

// StripTags removes markup, keeping text content. Tags named in the
// optional second argument, written "<b><i>", are kept.
func StripTags(args ...interface{}) (interface{}, error) {
	keep := make(map[string]bool)
	for _, part := range strings.Split(stringArg(args, 1, ""), "<") {
		if name := strings.TrimSpace(strings.TrimSuffix(part, ">")); name != "" {
			keep[strings.ToLower(name)] = true
		}
	}

	z := html.NewTokenizer(strings.NewReader(stringArg(args, 0, "")))
	var b strings.Builder
	for {
		switch z.Next() {
		case html.ErrorToken:
			return b.String(), nil
		case html.TextToken:
			b.Write(z.Raw())
		case html.StartTagToken, html.EndTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			if keep[string(name)] {
				b.Write(z.Raw())
			}
		}
	}
}

func nl2br(args ...interface{}) (interface{}, error) {
	s := stringArg(args, 0, "")
	s = strings.ReplaceAll(s, "\r\n", "<br />\r\n")
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' && (i == 0 || s[i-1] != '\r') {
			b.WriteString("<br />")
		}
		b.WriteByte(s[i])
	}
	return b.String(), nil
}

func explode(args ...interface{}) (interface{}, error) {
	sep := stringArg(args, 0, "")
	if sep == "" {
		return nil, fmt.Errorf("explode: empty separator")
	}
	parts := strings.Split(stringArg(args, 1, ""), sep)
	if limit := intArg(args, 2, 0); limit > 0 {
		parts = strings.SplitN(stringArg(args, 1, ""), sep, int(limit))
	}
	out := make([]interface{}, len(parts))
	for i, p := range parts {
		out[i] = p
	}
	return out, nil
}

func implode(args ...interface{}) (interface{}, error) {
	sep, list := arg(args, 0), arg(args, 1)
	if list == nil {
		sep, list = "", sep
	}
	entries, ok := expr.Entries(list)
	if !ok {
		return nil, fmt.Errorf("implode: argument is not a list")
	}
	parts := make([]string, len(entries))
	for i, e := range entries {
		parts[i] = expr.ToString(e.Value)
	}
	return strings.Join(parts, expr.ToString(sep)), nil
}

func sprintf(args ...interface{}) (interface{}, error) {
	if len(args) == 0 {
		return "", nil
	}
	return fmt.Sprintf(expr.ToString(args[0]), args[1:]...), nil
}

func strRepeat(args ...interface{}) (interface{}, error) {
	n := intArg(args, 1, 0)
	if n < 0 {
		return nil, fmt.Errorf("str_repeat: negative count")
	}
	return strings.Repeat(stringArg(args, 0, ""), int(n)), nil
}

func trim(args ...interface{}) (interface{}, error) {
	if len(args) > 1 {
		return strings.Trim(stringArg(args, 0, ""), stringArg(args, 1, "")), nil
	}
	return strings.TrimSpace(stringArg(args, 0, "")), nil
}
