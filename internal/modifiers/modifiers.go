// Package modifiers provides the default template modifiers and the host
// functions templates may call when native functions are restricted.
package modifiers

import (
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/conneroisu/quill/internal/expr"
	"github.com/conneroisu/quill/internal/registry"
)

// Defaults maps modifier names to their implementations.
var Defaults = map[string]expr.Func{
	"upper":       Upper,
	"up":          Upper,
	"lower":       Lower,
	"low":         Lower,
	"ucfirst":     UcFirst,
	"title":       Title,
	"date_format": DateFormat,
	"date":        Date,
	"truncate":    Truncate,
	"escape":      Escape,
	"e":           Escape,
	"unescape":    Unescape,
	"strip":       Strip,
	"length":      Length,
	"iterable":    IsIterable,
	"raw":         Raw,
}

// Register adds the default modifiers and host functions to mods and
// allows the host functions listed in Allowed.
func Register(mods *registry.ModifierRegistry) {
	for name, fn := range Defaults {
		mods.AddModifier(name, fn)
	}
	for name, fn := range Host {
		mods.AddHostFunction(name, fn)
	}
	mods.Allow(Allowed...)
}

func arg(args []interface{}, i int) interface{} {
	if i < len(args) {
		return args[i]
	}
	return nil
}

func stringArg(args []interface{}, i int, def string) string {
	if i < len(args) && args[i] != nil {
		return expr.ToString(args[i])
	}
	return def
}

func intArg(args []interface{}, i int, def int64) int64 {
	if i < len(args) {
		if n, ok := expr.ToInt(args[i]); ok {
			return n
		}
	}
	return def
}

func boolArg(args []interface{}, i int) bool {
	return i < len(args) && expr.Truthy(args[i])
}

// Upper upper-cases the value.
func Upper(args ...interface{}) (interface{}, error) {
	return cases.Upper(language.Und).String(stringArg(args, 0, "")), nil
}

// Lower lower-cases the value.
func Lower(args ...interface{}) (interface{}, error) {
	return cases.Lower(language.Und).String(stringArg(args, 0, "")), nil
}

// UcFirst upper-cases the first letter only.
func UcFirst(args ...interface{}) (interface{}, error) {
	s := stringArg(args, 0, "")
	r, size := utf8.DecodeRuneInString(s)
	if size == 0 {
		return s, nil
	}
	return cases.Upper(language.Und).String(string(r)) + s[size:], nil
}

// Title capitalises every word.
func Title(args ...interface{}) (interface{}, error) {
	return cases.Title(language.Und).String(stringArg(args, 0, "")), nil
}

// Raw marks the value as already escaped.
func Raw(args ...interface{}) (interface{}, error) {
	return expr.Safe(stringArg(args, 0, "")), nil
}

// Truncate shortens a string to length runes, appending etc.
//
//	$s|truncate:length:etc:byWords:middle
func Truncate(args ...interface{}) (interface{}, error) {
	s := stringArg(args, 0, "")
	length := int(intArg(args, 1, 80))
	etc := stringArg(args, 2, "...")
	byWords := boolArg(args, 3)
	middle := boolArg(args, 4)

	runes := []rune(s)
	if length < 0 || len(runes) <= length {
		return s, nil
	}

	if middle {
		head := runes[:length/2]
		tail := runes[len(runes)-(length-len(head)):]
		if byWords {
			head = []rune(trimToWord(string(head), false))
			tail = []rune(trimToWord(string(tail), true))
		}
		return string(head) + etc + string(tail), nil
	}

	out := string(runes[:length])
	if byWords && !isSpace(runes[length]) {
		out = trimToWord(out, false)
	}
	return out + etc, nil
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}

// trimToWord drops a partial word from the end of s, or from the start
// when leading is set.
func trimToWord(s string, leading bool) string {
	if leading {
		if i := strings.IndexAny(s, " \t\n\r"); i >= 0 {
			return s[i+1:]
		}
		return s
	}
	if i := strings.LastIndexAny(s, " \t\n\r"); i >= 0 {
		return s[:i]
	}
	return s
}

var whitespace = regexp.MustCompile(`\s+`)

// Strip collapses runs of whitespace to one space and trims the ends.
// With toLine set, newlines are collapsed as well as spaces.
func Strip(args ...interface{}) (interface{}, error) {
	s := stringArg(args, 0, "")
	if boolArg(args, 1) {
		return strings.TrimSpace(whitespace.ReplaceAllString(s, " ")), nil
	}
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(strings.Join(strings.Fields(l), " "))
	}
	return strings.TrimSpace(strings.Join(lines, "\n")), nil
}

// Length counts runes of strings and elements of lists and maps. Other
// values have no length.
func Length(args ...interface{}) (interface{}, error) {
	n, ok := expr.Len(arg(args, 0))
	if !ok {
		return int64(0), nil
	}
	return int64(n), nil
}

// IsIterable reports whether foreach can walk the value.
func IsIterable(args ...interface{}) (interface{}, error) {
	return expr.Iterable(arg(args, 0)), nil
}

// Escape escapes for an output context: html (default), url or js.
func Escape(args ...interface{}) (interface{}, error) {
	s := stringArg(args, 0, "")
	switch mode := strings.ToLower(stringArg(args, 1, "html")); mode {
	case "html":
		return expr.Safe(html.EscapeString(s)), nil
	case "url":
		return expr.Safe(url.QueryEscape(s)), nil
	case "js", "javascript":
		return expr.Safe(escapeJS(s)), nil
	default:
		return nil, fmt.Errorf("unknown escape type %q", mode)
	}
}

// Unescape reverses Escape for html and url.
func Unescape(args ...interface{}) (interface{}, error) {
	s := stringArg(args, 0, "")
	switch mode := strings.ToLower(stringArg(args, 1, "html")); mode {
	case "html":
		return html.UnescapeString(s), nil
	case "url":
		out, err := url.QueryUnescape(s)
		if err != nil {
			return nil, err
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown escape type %q", mode)
	}
}

func escapeJS(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '\\', '\'', '"', '/':
			b.WriteByte('\\')
			b.WriteRune(r)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case '<', '>', '&':
			fmt.Fprintf(&b, `\u%04x`, r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// toTime accepts times, unix timestamps and strings strtotime understands.
func toTime(v interface{}) (time.Time, error) {
	switch x := v.(type) {
	case nil:
		return time.Now(), nil
	case time.Time:
		return x, nil
	case *time.Time:
		return *x, nil
	}
	if n, ok := expr.ToInt(v); ok {
		return time.Unix(n, 0), nil
	}
	return parseTime(expr.ToString(v))
}

// Date formats with PHP date() letters.
//
//	$ts|date:"Y-m-d H:i"
func Date(args ...interface{}) (interface{}, error) {
	t, err := toTime(arg(args, 0))
	if err != nil {
		return nil, err
	}
	return formatPHP(t, stringArg(args, 1, "Y m d")), nil
}

// DateFormat formats with strftime conversions.
//
//	$ts|date_format:"%Y-%m-%d"
func DateFormat(args ...interface{}) (interface{}, error) {
	t, err := toTime(arg(args, 0))
	if err != nil {
		return nil, err
	}
	return strftime(t, stringArg(args, 1, "%b %e, %Y")), nil
}

func formatPHP(t time.Time, layout string) string {
	var b strings.Builder
	escaped := false
	for _, r := range layout {
		if escaped {
			b.WriteRune(r)
			escaped = false
			continue
		}
		switch r {
		case '\\':
			escaped = true
		case 'd':
			b.WriteString(t.Format("02"))
		case 'j':
			fmt.Fprintf(&b, "%d", t.Day())
		case 'D':
			b.WriteString(t.Format("Mon"))
		case 'l':
			b.WriteString(t.Format("Monday"))
		case 'N':
			wd := int(t.Weekday())
			if wd == 0 {
				wd = 7
			}
			fmt.Fprintf(&b, "%d", wd)
		case 'w':
			fmt.Fprintf(&b, "%d", int(t.Weekday()))
		case 'z':
			fmt.Fprintf(&b, "%d", t.YearDay()-1)
		case 'm':
			b.WriteString(t.Format("01"))
		case 'n':
			fmt.Fprintf(&b, "%d", int(t.Month()))
		case 'M':
			b.WriteString(t.Format("Jan"))
		case 'F':
			b.WriteString(t.Format("January"))
		case 'Y':
			fmt.Fprintf(&b, "%04d", t.Year())
		case 'y':
			b.WriteString(t.Format("06"))
		case 'a':
			b.WriteString(t.Format("pm"))
		case 'A':
			b.WriteString(t.Format("PM"))
		case 'g':
			b.WriteString(t.Format("3"))
		case 'G':
			fmt.Fprintf(&b, "%d", t.Hour())
		case 'h':
			b.WriteString(t.Format("03"))
		case 'H':
			b.WriteString(t.Format("15"))
		case 'i':
			b.WriteString(t.Format("04"))
		case 's':
			b.WriteString(t.Format("05"))
		case 'T':
			b.WriteString(t.Format("MST"))
		case 'U':
			fmt.Fprintf(&b, "%d", t.Unix())
		case 'c':
			b.WriteString(t.Format(time.RFC3339))
		case 'r':
			b.WriteString(t.Format(time.RFC1123Z))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func strftime(t time.Time, layout string) string {
	var b strings.Builder
	for i := 0; i < len(layout); i++ {
		if layout[i] != '%' || i+1 == len(layout) {
			b.WriteByte(layout[i])
			continue
		}
		i++
		switch layout[i] {
		case 'a':
			b.WriteString(t.Format("Mon"))
		case 'A':
			b.WriteString(t.Format("Monday"))
		case 'b', 'h':
			b.WriteString(t.Format("Jan"))
		case 'B':
			b.WriteString(t.Format("January"))
		case 'd':
			b.WriteString(t.Format("02"))
		case 'e':
			fmt.Fprintf(&b, "%2d", t.Day())
		case 'j':
			fmt.Fprintf(&b, "%03d", t.YearDay())
		case 'm':
			b.WriteString(t.Format("01"))
		case 'y':
			b.WriteString(t.Format("06"))
		case 'Y':
			fmt.Fprintf(&b, "%04d", t.Year())
		case 'H':
			b.WriteString(t.Format("15"))
		case 'I':
			b.WriteString(t.Format("03"))
		case 'M':
			b.WriteString(t.Format("04"))
		case 'S':
			b.WriteString(t.Format("05"))
		case 'p':
			b.WriteString(t.Format("PM"))
		case 'Z':
			b.WriteString(t.Format("MST"))
		case 'z':
			b.WriteString(t.Format("-0700"))
		case 's':
			fmt.Fprintf(&b, "%d", t.Unix())
		case 'D':
			b.WriteString(t.Format("01/02/06"))
		case 'F':
			b.WriteString(t.Format("2006-01-02"))
		case 'T':
			b.WriteString(t.Format("15:04:05"))
		case 'R':
			b.WriteString(t.Format("15:04"))
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case '%':
			b.WriteByte('%')
		default:
			b.WriteByte('%')
			b.WriteByte(layout[i])
		}
	}
	return b.String()
}
