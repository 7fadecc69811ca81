package expr

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	qerrors "github.com/conneroisu/quill/internal/errors"
)

// TokenKind classifies expression tokens.
type TokenKind int

const (
	TokEOF TokenKind = iota
	TokVar           // $name
	TokIdent         // name, keywords
	TokInt           // 42, 0x2a
	TokFloat         // 1.5
	TokString        // 'a' or "a", unquoted
	TokOp            // operators and punctuation
)

func (k TokenKind) String() string {
	switch k {
	case TokEOF:
		return "end of expression"
	case TokVar:
		return "variable"
	case TokIdent:
		return "identifier"
	case TokInt, TokFloat:
		return "number"
	case TokString:
		return "string"
	default:
		return "operator"
	}
}

// Token is a lexical unit of an expression.
type Token struct {
	Kind TokenKind
	Text string
	Pos  int
}

func (t Token) String() string {
	if t.Kind == TokEOF {
		return t.Kind.String()
	}
	return fmt.Sprintf("%q", t.Text)
}

// operators are matched longest first.
var operators = []string{
	"===", "!==",
	"==", "!=", "<=", ">=", "&&", "||", "->", "=>", "?:",
	"<", ">", "=", "!", "+", "-", "*", "/", "%", "~", "?", ":", "|",
	".", ",", "(", ")", "[", "]", "$",
}

// Tokenize splits an expression into tokens, terminated by a TokEOF token.
func Tokenize(src string) ([]Token, error) {
	var toks []Token
	pos := 0

	for pos < len(src) {
		c := src[pos]
		if c == ' ' || c == '\t' || c == '\n' || c == '\r' {
			pos++
			continue
		}

		switch {
		case c == '$' && pos+1 < len(src) && isIdentStart(rune(src[pos+1])):
			end := scanIdent(src, pos+1)
			toks = append(toks, Token{Kind: TokVar, Text: src[pos+1 : end], Pos: pos})
			pos = end
			continue

		case isIdentStart(rune(c)) || c >= utf8.RuneSelf:
			r, _ := utf8.DecodeRuneInString(src[pos:])
			if !isIdentStart(r) {
				return nil, syntaxErr(pos, "unexpected character %q", r)
			}
			end := scanIdent(src, pos)
			toks = append(toks, Token{Kind: TokIdent, Text: src[pos:end], Pos: pos})
			pos = end
			continue

		case isDigit(c) || (c == '.' && pos+1 < len(src) && isDigit(src[pos+1]) && !afterOperand(toks)):
			tok, end := scanNumber(src, pos, !afterDot(toks))
			toks = append(toks, tok)
			pos = end
			continue

		case c == '"' || c == '\'':
			text, end, err := scanString(src, pos)
			if err != nil {
				return nil, err
			}
			toks = append(toks, Token{Kind: TokString, Text: text, Pos: pos})
			pos = end
			continue
		}

		matched := false
		for _, op := range operators {
			if strings.HasPrefix(src[pos:], op) {
				toks = append(toks, Token{Kind: TokOp, Text: op, Pos: pos})
				pos += len(op)
				matched = true
				break
			}
		}
		if !matched {
			return nil, syntaxErr(pos, "unexpected character %q", c)
		}
	}

	return append(toks, Token{Kind: TokEOF, Pos: len(src)}), nil
}

// afterOperand reports whether the previous token ends an operand, in which
// case a following "." is an accessor rather than the start of ".5".
func afterOperand(toks []Token) bool {
	if len(toks) == 0 {
		return false
	}
	last := toks[len(toks)-1]
	switch last.Kind {
	case TokVar, TokIdent, TokInt, TokFloat, TokString:
		return true
	case TokOp:
		return last.Text == ")" || last.Text == "]"
	}
	return false
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func scanIdent(src string, pos int) int {
	for pos < len(src) {
		r, w := utf8.DecodeRuneInString(src[pos:])
		if r != '_' && !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			break
		}
		pos += w
	}
	return pos
}

// afterDot reports whether the previous token is the "." accessor, so that
// "$a.0.1" reads as two index steps.
func afterDot(toks []Token) bool {
	return len(toks) > 0 && toks[len(toks)-1].Kind == TokOp && toks[len(toks)-1].Text == "."
}

func scanNumber(src string, pos int, fraction bool) (Token, int) {
	start := pos
	if strings.HasPrefix(src[pos:], "0x") || strings.HasPrefix(src[pos:], "0X") {
		pos += 2
		for pos < len(src) && strings.IndexByte("0123456789abcdefABCDEF", src[pos]) >= 0 {
			pos++
		}
		return Token{Kind: TokInt, Text: src[start:pos], Pos: start}, pos
	}

	kind := TokInt
	for pos < len(src) && isDigit(src[pos]) {
		pos++
	}
	if !fraction {
		return Token{Kind: kind, Text: src[start:pos], Pos: start}, pos
	}
	if pos+1 < len(src) && src[pos] == '.' && isDigit(src[pos+1]) {
		kind = TokFloat
		pos++
		for pos < len(src) && isDigit(src[pos]) {
			pos++
		}
	}
	if pos < len(src) && (src[pos] == 'e' || src[pos] == 'E') {
		exp := pos + 1
		if exp < len(src) && (src[exp] == '+' || src[exp] == '-') {
			exp++
		}
		if exp < len(src) && isDigit(src[exp]) {
			kind = TokFloat
			pos = exp
			for pos < len(src) && isDigit(src[pos]) {
				pos++
			}
		}
	}
	return Token{Kind: kind, Text: src[start:pos], Pos: start}, pos
}

func scanString(src string, pos int) (string, int, error) {
	quote := src[pos]
	var b strings.Builder
	for i := pos + 1; i < len(src); i++ {
		c := src[i]
		switch {
		case c == quote:
			return b.String(), i + 1, nil
		case c == '\\' && i+1 < len(src):
			i++
			next := src[i]
			if quote == '\'' {
				if next != '\'' && next != '\\' {
					b.WriteByte('\\')
				}
				b.WriteByte(next)
				continue
			}
			switch next {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'r':
				b.WriteByte('\r')
			case '"', '\\', '$':
				b.WriteByte(next)
			default:
				b.WriteByte('\\')
				b.WriteByte(next)
			}
		default:
			b.WriteByte(c)
		}
	}
	return "", len(src), syntaxErr(pos, "unterminated string literal")
}

func syntaxErr(pos int, format string, args ...interface{}) *qerrors.Error {
	err := qerrors.NewSyntaxError(qerrors.ErrCodeInvalidExpression, fmt.Sprintf(format, args...))
	err.Offset = pos
	return err
}
