package expr

import (
	"strconv"
	"strings"

	qerrors "github.com/conneroisu/quill/internal/errors"
)

// Options restrict what a Parser accepts.
type Options struct {
	// DenyGlobals rejects the "$." global accessor.
	DenyGlobals bool
	// DenyMethods rejects "->name(...)" method calls.
	DenyMethods bool
	// Modifier, when set, is asked whether a modifier name resolves.
	Modifier func(name string) bool
	// Function, when set, is asked whether a function name resolves.
	Function func(name string) bool
}

// Param is a "name=value" pair from a tag's parameter list.
type Param struct {
	Name  string
	Value *Node
}

// Parser is a recursive descent parser over one tag body. Tag compilers
// drive it piecewise: a foreach compiler reads an expression, the keyword
// "as", a variable and then parameters.
type Parser struct {
	src  string
	toks []Token
	pos  int
	opts Options
}

// NewParser tokenizes src.
func NewParser(src string, opts Options) (*Parser, error) {
	toks, err := Tokenize(src)
	if err != nil {
		return nil, err
	}
	return &Parser{src: src, toks: toks, opts: opts}, nil
}

// Parse parses src as a single complete expression.
func Parse(src string, opts Options) (*Node, error) {
	p, err := NewParser(src, opts)
	if err != nil {
		return nil, err
	}
	n, err := p.Expr()
	if err != nil {
		return nil, err
	}
	if err := p.End(); err != nil {
		return nil, err
	}
	return n, nil
}

// Peek returns the current token without consuming it.
func (p *Parser) Peek() Token {
	return p.toks[p.pos]
}

// PeekN returns the token n positions ahead.
func (p *Parser) PeekN(n int) Token {
	if p.pos+n >= len(p.toks) {
		return p.toks[len(p.toks)-1]
	}
	return p.toks[p.pos+n]
}

// Next consumes and returns the current token.
func (p *Parser) Next() Token {
	t := p.toks[p.pos]
	if t.Kind != TokEOF {
		p.pos++
	}
	return t
}

// Save returns a position for Restore.
func (p *Parser) Save() int { return p.pos }

// Restore rewinds to a position returned by Save.
func (p *Parser) Restore(pos int) { p.pos = pos }

// AtEnd reports whether every token has been consumed.
func (p *Parser) AtEnd() bool {
	return p.Peek().Kind == TokEOF
}

// Rest returns the unparsed source text.
func (p *Parser) Rest() string {
	return strings.TrimSpace(p.src[p.Peek().Pos:])
}

// IsOp reports whether the current token is the operator op.
func (p *Parser) IsOp(op string) bool {
	t := p.Peek()
	return t.Kind == TokOp && t.Text == op
}

// IsWord reports whether the current token is the identifier word.
func (p *Parser) IsWord(word string) bool {
	t := p.Peek()
	return t.Kind == TokIdent && t.Text == word
}

// AcceptOp consumes op if it is next.
func (p *Parser) AcceptOp(op string) bool {
	if p.IsOp(op) {
		p.pos++
		return true
	}
	return false
}

// AcceptWord consumes the identifier word if it is next.
func (p *Parser) AcceptWord(word string) bool {
	if p.IsWord(word) {
		p.pos++
		return true
	}
	return false
}

// ExpectOp consumes op or fails.
func (p *Parser) ExpectOp(op string) error {
	if !p.AcceptOp(op) {
		return p.unexpected("\"" + op + "\"")
	}
	return nil
}

// ExpectWord consumes the identifier word or fails.
func (p *Parser) ExpectWord(word string) error {
	if !p.AcceptWord(word) {
		return p.unexpected("\"" + word + "\"")
	}
	return nil
}

// Ident consumes an identifier.
func (p *Parser) Ident() (string, error) {
	t := p.Peek()
	if t.Kind != TokIdent {
		return "", p.unexpected("identifier")
	}
	p.pos++
	return t.Text, nil
}

// End fails unless every token has been consumed.
func (p *Parser) End() error {
	if !p.AtEnd() {
		return p.unexpected("end of expression")
	}
	return nil
}

func (p *Parser) unexpected(expected string) error {
	t := p.Peek()
	return syntaxErr(t.Pos, "unexpected %s, expecting %s", t, expected)
}

// Expr parses a full expression, ternary included.
func (p *Parser) Expr() (*Node, error) {
	cond, err := p.parseOr()
	if err != nil {
		return nil, err
	}

	pos := p.Peek().Pos
	switch {
	case p.AcceptOp("?:"):
		alt, err := p.Expr()
		if err != nil {
			return nil, err
		}
		return &Node{Kind: KindTernary, X: cond, Z: alt, Pos: pos}, nil
	case p.AcceptOp("?"):
		if p.AcceptOp(":") {
			alt, err := p.Expr()
			if err != nil {
				return nil, err
			}
			return &Node{Kind: KindTernary, X: cond, Z: alt, Pos: pos}, nil
		}
		then, err := p.Expr()
		if err != nil {
			return nil, err
		}
		if err := p.ExpectOp(":"); err != nil {
			return nil, err
		}
		alt, err := p.Expr()
		if err != nil {
			return nil, err
		}
		return &Node{Kind: KindTernary, X: cond, Y: then, Z: alt, Pos: pos}, nil
	}
	return cond, nil
}

// binaryLevel parses a left-associative chain of operators at one
// precedence level.
func (p *Parser) binaryLevel(next func() (*Node, error), ops map[string]string) (*Node, error) {
	left, err := next()
	if err != nil {
		return nil, err
	}
	for {
		t := p.Peek()
		if t.Kind != TokOp && t.Kind != TokIdent {
			return left, nil
		}
		op, ok := ops[t.Text]
		if !ok {
			return left, nil
		}
		p.pos++
		right, err := next()
		if err != nil {
			return nil, err
		}
		left = &Node{Kind: KindBinary, Op: op, X: left, Y: right, Pos: t.Pos}
	}
}

var (
	orOps       = map[string]string{"||": "||", "or": "||"}
	andOps      = map[string]string{"&&": "&&", "and": "&&"}
	equalityOps = map[string]string{"==": "==", "!=": "!=", "===": "===", "!==": "!=="}
	compareOps  = map[string]string{"<": "<", ">": ">", "<=": "<=", ">=": ">=", "in": "in"}
	additiveOps = map[string]string{"+": "+", "-": "-", "~": "~"}
	multOps     = map[string]string{"*": "*", "/": "/", "%": "%"}
)

func (p *Parser) parseOr() (*Node, error) {
	return p.binaryLevel(p.parseAnd, orOps)
}

func (p *Parser) parseAnd() (*Node, error) {
	return p.binaryLevel(p.parseEquality, andOps)
}

func (p *Parser) parseEquality() (*Node, error) {
	return p.binaryLevel(p.parseComparison, equalityOps)
}

func (p *Parser) parseComparison() (*Node, error) {
	return p.binaryLevel(p.parseAdditive, compareOps)
}

func (p *Parser) parseAdditive() (*Node, error) {
	return p.binaryLevel(p.parseMultiplicative, additiveOps)
}

func (p *Parser) parseMultiplicative() (*Node, error) {
	return p.binaryLevel(p.parseUnary, multOps)
}

func (p *Parser) parseUnary() (*Node, error) {
	t := p.Peek()
	switch {
	case t.Kind == TokOp && (t.Text == "!" || t.Text == "-" || t.Text == "+"):
		p.pos++
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &Node{Kind: KindUnary, Op: t.Text, X: x, Pos: t.Pos}, nil
	case t.Kind == TokIdent && t.Text == "not":
		p.pos++
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &Node{Kind: KindUnary, Op: "!", X: x, Pos: t.Pos}, nil
	}
	return p.parsePostfix(true)
}

// Value parses a single operand with its accessors but without modifiers
// or binary operators.
func (p *Parser) Value() (*Node, error) {
	return p.parsePostfix(false)
}

// Var parses an assignable variable reference such as "$a", "$a.b" or
// "$a[0]".
func (p *Parser) Var() (*Node, error) {
	t := p.Peek()
	if t.Kind != TokVar {
		return nil, p.unexpected("variable")
	}
	n, err := p.parsePostfix(false)
	if err != nil {
		return nil, err
	}
	if !n.IsAssignable() {
		return nil, syntaxErr(t.Pos, "%s is not assignable", n)
	}
	return n, nil
}

func (p *Parser) parsePostfix(modifiers bool) (*Node, error) {
	n, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		t := p.Peek()
		if t.Kind != TokOp {
			return n, nil
		}
		switch t.Text {
		case ".":
			p.pos++
			key := p.Next()
			switch key.Kind {
			case TokIdent, TokInt:
				n = &Node{Kind: KindField, X: n, Name: key.Text, Pos: t.Pos}
			case TokVar:
				n = &Node{Kind: KindIndex, X: n, Y: Var(key.Text), Pos: t.Pos}
			default:
				return nil, syntaxErr(key.Pos, "unexpected %s after \".\"", key)
			}
		case "[":
			p.pos++
			idx, err := p.Expr()
			if err != nil {
				return nil, err
			}
			if err := p.ExpectOp("]"); err != nil {
				return nil, err
			}
			n = &Node{Kind: KindIndex, X: n, Y: idx, Pos: t.Pos}
		case "->":
			p.pos++
			name, err := p.Ident()
			if err != nil {
				return nil, err
			}
			if p.IsOp("(") {
				if p.opts.DenyMethods {
					e := qerrors.NewSyntaxError(qerrors.ErrCodeMethodDenied, "method calls are disabled: "+name)
					e.Offset = t.Pos
					return nil, e
				}
				args, err := p.callArgs()
				if err != nil {
					return nil, err
				}
				n = &Node{Kind: KindMethod, X: n, Name: name, Args: args, Pos: t.Pos}
			} else {
				n = &Node{Kind: KindProp, X: n, Name: name, Pos: t.Pos}
			}
		case "|":
			if !modifiers {
				return n, nil
			}
			mod, err := p.modifier(n)
			if err != nil {
				return nil, err
			}
			n = mod
		default:
			return n, nil
		}
	}
}

// Modifiers parses a detached chain "|a:1|b" whose input is supplied at
// render time. The returned nodes have a nil X.
func (p *Parser) Modifiers() ([]*Node, error) {
	var chain []*Node
	for p.IsOp("|") {
		mod, err := p.modifier(nil)
		if err != nil {
			return nil, err
		}
		chain = append(chain, mod)
	}
	return chain, nil
}

func (p *Parser) modifier(x *Node) (*Node, error) {
	bar := p.Next()
	name, err := p.Ident()
	if err != nil {
		return nil, err
	}
	if p.opts.Modifier != nil && !p.opts.Modifier(name) {
		e := qerrors.NewSyntaxError(qerrors.ErrCodeUnknownModifier, "unknown modifier: "+name)
		e.Offset = bar.Pos
		return nil, e
	}
	mod := &Node{Kind: KindModifier, X: x, Name: name, Pos: bar.Pos}
	for p.AcceptOp(":") {
		arg, err := p.parsePostfix(false)
		if err != nil {
			return nil, err
		}
		mod.Args = append(mod.Args, arg)
	}
	return mod, nil
}

func (p *Parser) callArgs() ([]*Node, error) {
	if err := p.ExpectOp("("); err != nil {
		return nil, err
	}
	var args []*Node
	if p.AcceptOp(")") {
		return args, nil
	}
	for {
		arg, err := p.Expr()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		if p.AcceptOp(")") {
			return args, nil
		}
		if err := p.ExpectOp(","); err != nil {
			return nil, err
		}
	}
}

func (p *Parser) parsePrimary() (*Node, error) {
	t := p.Peek()
	switch t.Kind {
	case TokVar:
		p.pos++
		return &Node{Kind: KindVar, Name: t.Text, Pos: t.Pos}, nil

	case TokInt:
		p.pos++
		v, err := strconv.ParseInt(t.Text, 0, 64)
		if err != nil {
			return nil, syntaxErr(t.Pos, "invalid integer %s", t.Text)
		}
		return &Node{Kind: KindInt, Int: v, Pos: t.Pos}, nil

	case TokFloat:
		p.pos++
		text := t.Text
		if strings.HasPrefix(text, ".") {
			text = "0" + text
		}
		v, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, syntaxErr(t.Pos, "invalid number %s", t.Text)
		}
		return &Node{Kind: KindFloat, Float: v, Pos: t.Pos}, nil

	case TokString:
		p.pos++
		return &Node{Kind: KindString, Str: t.Text, Pos: t.Pos}, nil

	case TokIdent:
		switch strings.ToLower(t.Text) {
		case "true", "false":
			p.pos++
			return &Node{Kind: KindBool, Bool: strings.EqualFold(t.Text, "true"), Pos: t.Pos}, nil
		case "null", "nil":
			p.pos++
			return &Node{Kind: KindNull, Pos: t.Pos}, nil
		}
		if p.PeekN(1).Kind == TokOp && p.PeekN(1).Text == "(" {
			p.pos++
			if p.opts.Function != nil && !p.opts.Function(t.Text) {
				e := qerrors.NewSyntaxError(qerrors.ErrCodeUnknownFunction, "unknown function: "+t.Text)
				e.Offset = t.Pos
				return nil, e
			}
			args, err := p.callArgs()
			if err != nil {
				return nil, err
			}
			return &Node{Kind: KindCall, Name: t.Text, Args: args, Pos: t.Pos}, nil
		}
		return nil, syntaxErr(t.Pos, "unexpected identifier %q", t.Text)

	case TokOp:
		switch t.Text {
		case "(":
			p.pos++
			n, err := p.Expr()
			if err != nil {
				return nil, err
			}
			if err := p.ExpectOp(")"); err != nil {
				return nil, err
			}
			return n, nil
		case "[":
			return p.parseArray()
		case "$":
			p.pos++
			if p.opts.DenyGlobals {
				e := qerrors.NewSyntaxError(qerrors.ErrCodeAccessorDenied, "the $. accessor is disabled")
				e.Offset = t.Pos
				return nil, e
			}
			if err := p.ExpectOp("."); err != nil {
				return nil, err
			}
			name, err := p.Ident()
			if err != nil {
				return nil, err
			}
			return &Node{Kind: KindGlobal, Name: name, Pos: t.Pos}, nil
		}
	}
	return nil, p.unexpected("value")
}

func (p *Parser) parseArray() (*Node, error) {
	open := p.Next()
	n := &Node{Kind: KindArray, Pos: open.Pos}
	keyed := false
	for !p.AcceptOp("]") {
		if len(n.Args) > 0 {
			if err := p.ExpectOp(","); err != nil {
				return nil, err
			}
			if p.AcceptOp("]") {
				break
			}
		}
		v, err := p.Expr()
		if err != nil {
			return nil, err
		}
		var key *Node
		if p.AcceptOp("=>") {
			key = v
			if v, err = p.Expr(); err != nil {
				return nil, err
			}
			keyed = true
		}
		n.Args = append(n.Args, v)
		n.Keys = append(n.Keys, key)
	}
	if !keyed {
		n.Keys = nil
	}
	return n, nil
}

// Params parses "name=expr" pairs until the end of input. A bare variable
// ("$x") is accepted as shorthand for "x=$x".
func (p *Parser) Params() ([]Param, error) {
	var params []Param
	for !p.AtEnd() {
		t := p.Peek()
		switch {
		case t.Kind == TokIdent && p.PeekN(1).Kind == TokOp && p.PeekN(1).Text == "=":
			p.pos += 2
			v, err := p.Expr()
			if err != nil {
				return nil, err
			}
			params = append(params, Param{Name: t.Text, Value: v})
		case t.Kind == TokVar && (p.PeekN(1).Kind == TokEOF || p.PeekN(1).Kind == TokIdent || p.PeekN(1).Kind == TokVar):
			p.pos++
			params = append(params, Param{Name: t.Text, Value: Var(t.Text)})
		default:
			return nil, p.unexpected("parameter name=value")
		}
	}
	return params, nil
}
