// Package lexer splits template text into literal and tag segments.
//
// The lexer is pull based: each call to Next runs state functions until a
// segment is ready. It never looks inside a tag body beyond what is needed
// to find the matching close delimiter.
package lexer

import (
	"io"
	"strings"

	qerrors "github.com/conneroisu/quill/internal/errors"
)

// Kind identifies a segment type.
type Kind int

const (
	// Literal is text copied to the output unchanged.
	Literal Kind = iota
	// Tag is a directive body, delimiters stripped.
	Tag
)

func (k Kind) String() string {
	if k == Tag {
		return "tag"
	}
	return "literal"
}

// Segment is one unit of lexer output.
type Segment struct {
	Kind Kind
	Text string
	// Offset is the byte offset of the segment start (the open delimiter for
	// tags).
	Offset int
	Line   int
}

// Delimiters are the strings that open and close a tag.
type Delimiters struct {
	Open  string
	Close string
}

// DefaultDelimiters are "{" and "}".
var DefaultDelimiters = Delimiters{Open: "{", Close: "}"}

// Valid reports whether both delimiters are set.
func (d Delimiters) Valid() bool {
	return d.Open != "" && d.Close != ""
}

const (
	commentMark = "*"
	ignoreTag   = "ignore"
)

type stateFn func(*Lexer) stateFn

// Lexer produces segments from a template source.
type Lexer struct {
	src    string
	delims Delimiters

	start int
	pos   int
	line  int

	state stateFn
	queue []Segment
	err   error
}

// New creates a lexer over src. Zero delimiters select the defaults.
func New(src string, delims Delimiters) *Lexer {
	if !delims.Valid() {
		delims = DefaultDelimiters
	}
	l := &Lexer{src: src, delims: delims}
	l.Reset()
	return l
}

// Reset rewinds the lexer to the beginning of the source.
func (l *Lexer) Reset() {
	l.start = 0
	l.pos = 0
	l.line = 1
	l.state = lexText
	l.queue = l.queue[:0]
	l.err = nil
}

// Next returns the next segment, io.EOF at the end of input, or a lexical
// error. Errors are sticky until Reset.
func (l *Lexer) Next() (Segment, error) {
	for len(l.queue) == 0 {
		if l.err != nil {
			return Segment{}, l.err
		}
		if l.state == nil {
			return Segment{}, io.EOF
		}
		l.state = l.state(l)
	}
	seg := l.queue[0]
	l.queue = l.queue[1:]
	return seg, nil
}

// All lexes the whole source.
func All(src string, delims Delimiters) ([]Segment, error) {
	l := New(src, delims)
	var out []Segment
	for {
		seg, err := l.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, seg)
	}
}

// skip consumes src[start:pos] without emitting anything.
func (l *Lexer) skip() {
	l.line += strings.Count(l.src[l.start:l.pos], "\n")
	l.start = l.pos
}

func (l *Lexer) emit(kind Kind, text string) {
	l.queue = append(l.queue, Segment{Kind: kind, Text: text, Offset: l.start, Line: l.line})
	l.skip()
}

func (l *Lexer) emitLiteral() {
	if l.pos > l.start {
		l.emit(Literal, l.src[l.start:l.pos])
	}
}

func (l *Lexer) fail(code string, offset int, expected, found string) stateFn {
	err := qerrors.NewLexError(code, offset, expected, found)
	err.Line, err.Column = Position(l.src, offset)
	l.err = err
	return nil
}

// lexText scans literal text up to the next open delimiter that starts a
// tag.
func lexText(l *Lexer) stateFn {
	for {
		i := strings.Index(l.src[l.pos:], l.delims.Open)
		if i < 0 {
			l.pos = len(l.src)
			l.emitLiteral()
			return nil
		}
		at := l.pos + i
		after := at + len(l.delims.Open)

		switch {
		case after >= len(l.src), isSpace(l.src[after]):
			l.pos = after
			continue
		case strings.HasPrefix(l.src[after:], l.delims.Close):
			l.pos = after + len(l.delims.Close)
			continue
		}

		l.pos = at
		l.emitLiteral()

		rest := l.src[after:]
		switch {
		case strings.HasPrefix(rest, commentMark):
			return lexComment
		case strings.HasPrefix(rest, ignoreTag+l.delims.Close):
			return lexIgnore
		}
		return lexTag
	}
}

func lexComment(l *Lexer) stateFn {
	end := commentMark + l.delims.Close
	body := l.pos + len(l.delims.Open) + len(commentMark)
	i := strings.Index(l.src[body:], end)
	if i < 0 {
		return l.fail(qerrors.ErrCodeUnterminatedRegion, l.pos, end, "end of input")
	}
	l.pos = body + i + len(end)
	l.skip()
	return lexText
}

func lexIgnore(l *Lexer) stateFn {
	open := l.delims.Open + ignoreTag + l.delims.Close
	end := l.delims.Open + "/" + ignoreTag + l.delims.Close
	start := l.pos
	body := l.pos + len(open)
	i := strings.Index(l.src[body:], end)
	if i < 0 {
		return l.fail(qerrors.ErrCodeUnterminatedRegion, start, end, "end of input")
	}

	l.pos = body
	l.skip()
	l.pos = body + i
	l.emitLiteral()
	l.pos += len(end)
	l.skip()
	return lexText
}

// lexTag finds the close delimiter matching the open delimiter at l.pos.
// Quoted strings are skipped whole and nested delimiter pairs are balanced.
func lexTag(l *Lexer) stateFn {
	open, close := l.delims.Open, l.delims.Close
	bodyStart := l.pos + len(open)
	depth := 0
	i := bodyStart

	for i < len(l.src) {
		c := l.src[i]
		switch {
		case c == '"' || c == '\'':
			end, ok := skipQuoted(l.src, i)
			if !ok {
				return l.fail(qerrors.ErrCodeUnterminatedString, i, string(c), "end of input")
			}
			i = end
			continue
		case strings.HasPrefix(l.src[i:], close):
			if depth == 0 {
				l.emit(Tag, l.src[bodyStart:i])
				l.pos = i + len(close)
				l.skip()
				return lexText
			}
			depth--
			i += len(close)
			continue
		case strings.HasPrefix(l.src[i:], open):
			depth++
			i += len(open)
			continue
		}
		i++
	}

	return l.fail(qerrors.ErrCodeUnterminatedTag, l.pos, close, "end of input")
}

// skipQuoted returns the index just past the string literal starting at i.
func skipQuoted(src string, i int) (int, bool) {
	quote := src[i]
	for j := i + 1; j < len(src); j++ {
		switch src[j] {
		case '\\':
			j++
		case quote:
			return j + 1, true
		}
	}
	return len(src), false
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// Position converts a byte offset into a 1-based line and column.
func Position(src string, offset int) (line, column int) {
	if offset > len(src) {
		offset = len(src)
	}
	before := src[:offset]
	line = strings.Count(before, "\n") + 1
	column = offset - strings.LastIndexByte(before, '\n')
	return line, column
}
