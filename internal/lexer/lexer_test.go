package lexer

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qerrors "github.com/conneroisu/quill/internal/errors"
)

func lit(text string) Segment { return Segment{Kind: Literal, Text: text} }
func tag(text string) Segment { return Segment{Kind: Tag, Text: text} }

// strip drops positions so expectations stay readable.
func strip(segs []Segment) []Segment {
	out := make([]Segment, len(segs))
	for i, s := range segs {
		out[i] = Segment{Kind: s.Kind, Text: s.Text}
	}
	return out
}

func TestLexSegments(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want []Segment
	}{
		{"plain text", "hello", []Segment{lit("hello")}},
		{"empty", "", nil},
		{"single tag", "{$x}", []Segment{tag("$x")}},
		{
			"mixed",
			"a{if $x}b{/if}c",
			[]Segment{lit("a"), tag("if $x"), lit("b"), tag("/if"), lit("c")},
		},
		{"brace then space is literal", "p { color: red }", []Segment{lit("p { color: red }")}},
		{"brace then newline is literal", "f() {\n}", []Segment{lit("f() {\n}")}},
		{"empty braces are literal", "x = {};", []Segment{lit("x = {};")}},
		{"trailing open brace", "a{", []Segment{lit("a{")}},
		{"comment dropped", "a{* note {$x} *}b", []Segment{lit("a"), lit("b")}},
		{
			"ignore region is verbatim",
			"{ignore}{$x} {if}{/ignore}{$y}",
			[]Segment{lit("{$x} {if}"), tag("$y")},
		},
		{"close delimiter in string", `{$x|default:"}"}`, []Segment{tag(`$x|default:"}"`)}},
		{"escaped quote in string", `{'it\'s}'}`, []Segment{tag(`'it\'s}'`)}},
		{"nested braces balance", "{$a|f:{$b}}", []Segment{tag("$a|f:{$b}")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			segs, err := All(tt.src, Delimiters{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, strip(segs))
		})
	}
}

func TestLexCustomDelimiters(t *testing.T) {
	segs, err := All("{x} <% $x %> {{ y }}", Delimiters{Open: "<%", Close: "%>"})
	require.NoError(t, err)
	assert.Equal(t, []Segment{lit("{x} <% $x %> {{ y }}")}, strip(segs))

	segs, err = All("a<%$x%>b", Delimiters{Open: "<%", Close: "%>"})
	require.NoError(t, err)
	assert.Equal(t, []Segment{lit("a"), tag("$x"), lit("b")}, strip(segs))
}

func TestLexPositions(t *testing.T) {
	segs, err := All("line1\n{$a}\n  {$b}", Delimiters{})
	require.NoError(t, err)
	require.Len(t, segs, 4)

	assert.Equal(t, 6, segs[1].Offset)
	assert.Equal(t, 2, segs[1].Line)
	assert.Equal(t, 3, segs[3].Line)

	line, col := Position("line1\n{$a}\n  {$b}", segs[3].Offset)
	assert.Equal(t, 3, line)
	assert.Equal(t, 3, col)
}

func TestLexErrors(t *testing.T) {
	tests := []struct {
		name     string
		src      string
		code     string
		expected string
		offset   int
	}{
		{"unterminated tag", "abc{$x", qerrors.ErrCodeUnterminatedTag, "}", 3},
		{"unterminated string", `{"abc}`, qerrors.ErrCodeUnterminatedString, `"`, 1},
		{"unterminated comment", "{* abc", qerrors.ErrCodeUnterminatedRegion, "*}", 0},
		{"unterminated ignore", "{ignore}abc", qerrors.ErrCodeUnterminatedRegion, "{/ignore}", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := All(tt.src, Delimiters{})
			require.Error(t, err)
			assert.True(t, qerrors.IsLex(err))
			assert.True(t, qerrors.HasCode(err, tt.code))

			var lexErr *qerrors.Error
			require.ErrorAs(t, err, &lexErr)
			assert.Equal(t, tt.offset, lexErr.Offset)
			assert.Equal(t, tt.expected, lexErr.Context["expected"])
		})
	}
}

func TestLexerRestartable(t *testing.T) {
	l := New("a{$b}c", Delimiters{})

	first, err := l.Next()
	require.NoError(t, err)
	assert.Equal(t, "a", first.Text)

	l.Reset()
	var texts []string
	for {
		seg, err := l.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		texts = append(texts, seg.Text)
	}
	assert.Equal(t, []string{"a", "$b", "c"}, texts)

	_, err = l.Next()
	assert.Equal(t, io.EOF, err)
}

func TestLexErrorIsSticky(t *testing.T) {
	l := New("ok{$x", Delimiters{})

	seg, err := l.Next()
	require.NoError(t, err)
	assert.Equal(t, "ok", seg.Text)

	_, err = l.Next()
	require.Error(t, err)
	_, err2 := l.Next()
	assert.Equal(t, err, err2)
}
