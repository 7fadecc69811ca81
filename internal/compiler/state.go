package compiler

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/conneroisu/quill/internal/artifact"
	qerrors "github.com/conneroisu/quill/internal/errors"
	"github.com/conneroisu/quill/internal/expr"
	"github.com/conneroisu/quill/internal/lexer"
	"github.com/conneroisu/quill/internal/options"
	"github.com/conneroisu/quill/internal/provider"
	"github.com/conneroisu/quill/internal/registry"
)

// callSite is a macro call to check once every macro is known.
type callSite struct {
	name   string
	offset int
	line   int
	column int
	file   string
}

// state is one compilation in progress.
type state struct {
	c     *Compiler
	art   *artifact.Artifact
	stack []string

	// file and src are the source being lexed; they change while an
	// inserted template is compiled in place.
	file string
	src  string

	root   []*artifact.Node
	frames []*registry.Frame
	// floor is the frame depth the current source started at; an inserted
	// template cannot close frames below it.
	floor  int
	escape []bool

	tag     *registry.Tag
	argBase int

	blocks     map[string]*artifact.Node
	extends    string
	uses       []string
	namespaces map[string]bool
	calls      []callSite
	nextID     int
}

func newState(c *Compiler, name, src string, fresh provider.Freshness, stack []string) *state {
	return &state{
		c:          c,
		art:        artifact.New(name, c.cfg.Mask, fresh),
		stack:      stack,
		file:       name,
		src:        src,
		escape:     []bool{c.cfg.Mask.Has(options.AutoEscape)},
		blocks:     make(map[string]*artifact.Node),
		namespaces: map[string]bool{"macro": true},
	}
}

// registry.Compiler

func (s *state) Name() string { return s.art.Name }

func (s *state) Options() options.Mask { return s.c.cfg.Mask }

func (s *state) Parser(src string) (*expr.Parser, error) {
	p, err := expr.NewParser(src, s.c.exprOptions())
	if err != nil {
		return nil, s.exprErr(err)
	}
	return p, nil
}

func (s *state) Emit(n *artifact.Node) {
	if n.Line == 0 && s.tag != nil {
		n.Line = s.tag.Line
	}
	b := s.body()
	*b = append(*b, n)
}

func (s *state) Top() *registry.Frame {
	if len(s.frames) == 0 {
		return nil
	}
	return s.frames[len(s.frames)-1]
}

func (s *state) Escaping() bool {
	return s.escape[len(s.escape)-1]
}

func (s *state) Errorf(code, format string, args ...interface{}) error {
	e := qerrors.NewSyntaxError(code, fmt.Sprintf(format, args...))
	if s.tag != nil {
		s.position(e, s.tag.Offset)
	}
	return e
}

// body is where Emit appends.
func (s *state) body() *[]*artifact.Node {
	if top := s.Top(); top != nil {
		return top.Body
	}
	return &s.root
}

func (s *state) scope() []string {
	if len(s.frames) == 0 {
		return nil
	}
	names := make([]string, len(s.frames))
	for i, f := range s.frames {
		names[i] = f.Name
	}
	return names
}

func (s *state) position(e *qerrors.Error, offset int) {
	line, col := lexer.Position(s.src, offset)
	e.WithLocation(s.file, offset, line, col)
	if e.Scope == nil {
		e.WithScope(s.scope())
	}
}

// exprErr relocates an expression error from tag-relative to
// source-relative offsets.
func (s *state) exprErr(err error) error {
	var e *qerrors.Error
	if errors.As(err, &e) && e.Template == "" {
		s.position(e, s.argBase+e.Offset)
	}
	return err
}

// locate fills in the location of errors returned by tag parsers.
func (s *state) locate(err error) error {
	var e *qerrors.Error
	if errors.As(err, &e) {
		if e.Template == "" && s.tag != nil {
			s.position(e, s.tag.Offset)
		}
		return err
	}
	wrapped := qerrors.Wrap(err, qerrors.ErrorTypeSyntax, qerrors.ErrCodeInvalidExpression, "tag failed to compile")
	if s.tag != nil {
		s.position(wrapped, s.tag.Offset)
	}
	return wrapped
}

// run lexes and dispatches the current source.
func (s *state) run() error {
	lx := lexer.New(s.src, s.c.cfg.Delimiters)
	trim := s.c.cfg.Mask.Has(options.AutoTrim)

	var (
		pending   *lexer.Segment
		prevIsTag bool
	)
	next := func() (lexer.Segment, error) {
		if pending != nil {
			seg := *pending
			pending = nil
			return seg, nil
		}
		return lx.Next()
	}

	for {
		seg, err := next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return qerrors.Located(err, s.file)
		}

		if seg.Kind == lexer.Literal {
			if trim && prevIsTag && isBlankLine(seg.Text) {
				following, err := lx.Next()
				if err != nil && err != io.EOF {
					return qerrors.Located(err, s.file)
				}
				if err == nil {
					pending = &following
				}
				if err == nil && following.Kind == lexer.Tag {
					continue
				}
			}
			s.tag = nil
			s.Emit(artifact.Text(seg.Text))
			prevIsTag = false
			continue
		}

		if err := s.handleTag(seg); err != nil {
			return s.locate(err)
		}
		prevIsTag = true
	}

	if len(s.frames) > s.floor {
		top := s.Top()
		e := qerrors.NewSyntaxError(
			qerrors.ErrCodeUnterminatedBlock,
			fmt.Sprintf("unclosed tag {%s} opened on line %d", top.Name, top.Line),
		).WithContext("tag", top.Name)
		s.position(e, top.Offset)
		return e
	}
	return nil
}

func isBlankLine(s string) bool {
	return strings.TrimSpace(s) == "" && strings.Contains(s, "\n")
}

// splitName returns the leading tag identifier and the rest.
func splitName(body string) (string, string) {
	i := 0
	for i < len(body) {
		ch := body[i]
		if ch == '_' || ch >= 'a' && ch <= 'z' || ch >= 'A' && ch <= 'Z' || i > 0 && (ch == '.' || ch >= '0' && ch <= '9') {
			i++
			continue
		}
		break
	}
	return body[:i], strings.TrimSpace(body[i:])
}

func (s *state) newTag(seg lexer.Segment, name, args string) *registry.Tag {
	s.argBase = seg.Offset + len(s.c.cfg.Delimiters.Open)
	if i := strings.Index(seg.Text, args); args != "" && i >= 0 {
		s.argBase += i
	}
	return &registry.Tag{Name: name, Args: args, Offset: seg.Offset, Line: seg.Line}
}

func (s *state) handleTag(seg lexer.Segment) error {
	body := strings.TrimSpace(seg.Text)

	if strings.HasPrefix(body, "/") {
		name, args := splitName(strings.TrimSpace(body[1:]))
		s.tag = s.newTag(seg, name, args)
		return s.closeTag()
	}

	name, args := splitName(body)
	if name == "" {
		s.tag = s.newTag(seg, "", body)
		return s.expressionTag(body)
	}
	s.tag = s.newTag(seg, name, args)

	if parser, owner, levels, ok := s.nested(name); ok {
		s.tag.Owner = owner
		s.tag.Levels = levels
		return parser(s, s.tag)
	}

	if def, ok := s.c.cfg.Actions.Resolve(name); ok {
		return s.dispatch(def)
	}

	if i := strings.LastIndexByte(name, '.'); i > 0 {
		return s.macroCall(name[:i], name[i+1:], args)
	}

	if strings.HasPrefix(args, "(") || isKeyword(name) {
		s.tag = s.newTag(seg, "", body)
		return s.expressionTag(body)
	}

	if owners := s.c.cfg.Actions.Owners(name); len(owners) > 0 {
		return s.Errorf(qerrors.ErrCodeFloatingTag,
			"tag {%s} used outside its owning block (%s)", name, strings.Join(owners, ", "))
	}
	e := qerrors.ErrUnknownTag(name)
	s.position(e, seg.Offset)
	return e
}

func isKeyword(name string) bool {
	switch strings.ToLower(name) {
	case "true", "false", "null", "nil", "not":
		return true
	}
	return false
}

// nested finds the parser for a nested tag: the innermost frame's own
// nested tags first, then floating tags of enclosing frames.
func (s *state) nested(name string) (registry.Parser, *registry.Frame, int, bool) {
	top := s.Top()
	if top == nil {
		return nil, nil, 0, false
	}
	if top.Def.Declares(name) {
		return top.Def.Nested[name], top, 1, true
	}

	owner := -1
	for i := len(s.frames) - 2; i >= 0; i-- {
		if s.frames[i].Def.Floats(name) {
			owner = i
			if s.c.cfg.Floating == registry.Nearest {
				break
			}
		}
	}
	if owner < 0 {
		return nil, nil, 0, false
	}

	levels := 0
	for i := len(s.frames) - 1; i >= owner; i-- {
		if s.frames[i].Def.Declares(name) {
			levels++
		}
	}
	f := s.frames[owner]
	return f.Def.Nested[name], f, levels, true
}

func (s *state) dispatch(def *registry.TagDefinition) error {
	switch def.Kind {
	case registry.InlineCompiler:
		return def.Parser(s, s.tag)

	case registry.BlockCompiler:
		return s.open(def, def.Open)

	case registry.InlineFunction:
		if def.Parser != nil {
			return def.Parser(s, s.tag)
		}
		params, err := s.params(s.tag.Args)
		if err != nil {
			return err
		}
		s.Emit(&artifact.Node{Op: artifact.OpCall, Name: s.tag.Name, Params: params, Escape: s.Escaping()})
		return nil

	case registry.BlockFunction:
		open := def.Open
		if open == nil {
			open = openBlockFunction
		}
		return s.open(def, open)

	case registry.ModifierFunction:
		p, err := s.Parser(s.tag.Args)
		if err != nil {
			return err
		}
		x, err := s.expr(p)
		if err != nil {
			return err
		}
		mod := &expr.Node{Kind: expr.KindModifier, Name: s.tag.Name, X: x}
		s.Emit(artifact.Print(mod, s.Escaping()))
		return nil
	}
	return s.Errorf(qerrors.ErrCodeInternalError, "tag {%s} has unknown kind %s", s.tag.Name, def.Kind)
}

func openBlockFunction(c registry.Compiler, t *registry.Tag) error {
	s := c.(*state)
	params, err := s.params(t.Args)
	if err != nil {
		return err
	}
	n := &artifact.Node{Op: artifact.OpBlockCall, Name: t.Name, Params: params, Escape: s.Escaping()}
	s.Emit(n)
	t.Owner.Node = n
	return nil
}

// open runs an open parser and pushes the frame unless the parser closed
// it.
func (s *state) open(def *registry.TagDefinition, parser registry.Parser) error {
	frame := &registry.Frame{
		Name:   s.tag.Name,
		Def:    def,
		State:  make(map[string]interface{}),
		Offset: s.tag.Offset,
		Line:   s.tag.Line,
	}
	s.tag.Owner = frame
	if err := parser(s, s.tag); err != nil {
		return err
	}
	if frame.Closed {
		return nil
	}
	if frame.Body == nil {
		if frame.Node != nil {
			frame.Body = &frame.Node.Body
		} else {
			frame.Body = s.body()
		}
	}
	s.frames = append(s.frames, frame)
	return nil
}

func (s *state) closeTag() error {
	top := s.Top()
	name := s.tag.Name
	if len(s.frames) <= s.floor {
		return s.Errorf(qerrors.ErrCodeUnexpectedTag, "unexpected closing tag {/%s}", name)
	}
	if top.Name != name {
		return s.Errorf(qerrors.ErrCodeUnexpectedTag,
			"unexpected closing tag {/%s}, expecting {/%s}", name, top.Name)
	}

	s.frames = s.frames[:len(s.frames)-1]
	s.tag.Owner = top
	if top.Def.Close != nil {
		return top.Def.Close(s, s.tag)
	}
	return nil
}

// expr parses a complete expression from p.
func (s *state) expr(p *expr.Parser) (*expr.Node, error) {
	n, err := p.Expr()
	if err != nil {
		return nil, s.exprErr(err)
	}
	if err := p.End(); err != nil {
		return nil, s.exprErr(err)
	}
	return n, nil
}

// params parses a "name=value ..." list.
func (s *state) params(src string) ([]expr.Param, error) {
	p, err := s.Parser(src)
	if err != nil {
		return nil, err
	}
	params, err := p.Params()
	if err != nil {
		return nil, s.exprErr(err)
	}
	return params, nil
}

// printEscape decides escaping for a printed expression. An outermost
// escape or raw modifier turns automatic escaping off.
func (s *state) printEscape(n *expr.Node) bool {
	if n.Kind == expr.KindModifier {
		switch n.Name {
		case "raw", "escape", "e":
			return false
		}
	}
	return s.Escaping()
}

// expressionTag compiles "{$expr}" prints and "{$var = expr}" assignments.
func (s *state) expressionTag(body string) error {
	p, err := s.Parser(body)
	if err != nil {
		return err
	}

	if p.Peek().Kind == expr.TokVar {
		mark := p.Save()
		if target, err := p.Var(); err == nil && p.AcceptOp("=") {
			value, err := s.expr(p)
			if err != nil {
				return err
			}
			s.Emit(&artifact.Node{Op: artifact.OpAssign, Value: target, Expr: value})
			return nil
		}
		p.Restore(mark)
	}

	n, err := s.expr(p)
	if err != nil {
		return err
	}
	s.Emit(artifact.Print(n, s.printEscape(n)))
	return nil
}

func (s *state) macroCall(ns, name, args string) error {
	if !s.namespaces[ns] {
		e := qerrors.ErrUnknownTag(ns + "." + name)
		s.position(e, s.tag.Offset)
		return e
	}
	key := name
	if ns != "macro" {
		key = ns + "." + name
	}
	params, err := s.params(args)
	if err != nil {
		return err
	}
	line, col := lexer.Position(s.src, s.tag.Offset)
	s.calls = append(s.calls, callSite{name: key, offset: s.tag.Offset, line: line, column: col, file: s.file})
	s.Emit(&artifact.Node{Op: artifact.OpMacroCall, Name: key, Params: params})
	return nil
}

// insert compiles another template's source in place, sharing frames,
// blocks and macros with the current compilation.
func (s *state) insert(name string) error {
	for _, n := range s.stack {
		if n == name {
			return s.Errorf(qerrors.ErrCodeInheritanceCycle, "template %s inserts itself", name)
		}
	}
	if len(s.stack) >= s.c.cfg.MaxDepth {
		return s.Errorf(qerrors.ErrCodeInheritanceCycle, "template nesting deeper than %d at %s", s.c.cfg.MaxDepth, name)
	}
	if s.c.cfg.Loader == nil {
		return qerrors.ErrTemplateNotFound(name)
	}
	src, fresh, err := s.c.cfg.Loader.Source(name)
	if err != nil {
		return err
	}
	for _, f := range s.c.cfg.PreFilters {
		if src, err = f(name, src); err != nil {
			return err
		}
	}
	s.art.AddDependency(name, fresh)

	savedFile, savedSrc, savedTag, savedStack, savedFloor := s.file, s.src, s.tag, s.stack, s.floor
	s.file, s.src = name, src
	s.stack = append(append([]string(nil), s.stack...), name)
	s.floor = len(s.frames)

	err = s.run()

	s.file, s.src, s.tag, s.stack, s.floor = savedFile, savedSrc, savedTag, savedStack, savedFloor
	return err
}
