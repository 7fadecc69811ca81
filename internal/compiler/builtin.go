package compiler

import (
	"github.com/conneroisu/quill/internal/artifact"
	qerrors "github.com/conneroisu/quill/internal/errors"
	"github.com/conneroisu/quill/internal/expr"
	"github.com/conneroisu/quill/internal/options"
	"github.com/conneroisu/quill/internal/registry"
)

// RegisterBuiltins adds the built-in tags to actions, replacing any
// definitions of the same names.
func RegisterBuiltins(actions *registry.ActionRegistry) error {
	loop := func(elseTag string) (map[string]registry.Parser, map[string]bool) {
		nested := map[string]registry.Parser{
			"break":    flowTag(artifact.OpBreak),
			"continue": flowTag(artifact.OpContinue),
		}
		if elseTag != "" {
			nested[elseTag] = loopElse
		}
		return nested, map[string]bool{"break": true, "continue": true}
	}

	foreachNested, foreachFloating := loop("foreachelse")
	forNested, forFloating := loop("forelse")
	whileNested, whileFloating := loop("")

	defs := map[string]*registry.TagDefinition{
		"foreach": {Kind: registry.BlockCompiler, Open: openForeach, Nested: foreachNested, Floating: foreachFloating},
		"for":     {Kind: registry.BlockCompiler, Open: openFor, Nested: forNested, Floating: forFloating},
		"while":   {Kind: registry.BlockCompiler, Open: openWhile, Nested: whileNested, Floating: whileFloating},
		"if": {
			Kind:   registry.BlockCompiler,
			Open:   openIf,
			Nested: map[string]registry.Parser{"elseif": tagElseIf, "else": tagElse},
		},
		"switch": {
			Kind:  registry.BlockCompiler,
			Open:  openSwitch,
			Close: closeSwitch,
			Nested: map[string]registry.Parser{
				"case":    tagCase,
				"default": tagDefault,
				"break":   flowTag(artifact.OpBreak),
			},
			Floating: map[string]bool{"break": true},
		},
		"var":     {Kind: registry.BlockCompiler, Open: openVar},
		"set":     {Kind: registry.BlockCompiler, Open: openVar},
		"filter":  {Kind: registry.BlockCompiler, Open: openFilter},
		"include": {Kind: registry.InlineCompiler, Parser: tagInclude},
		"insert":  {Kind: registry.InlineCompiler, Parser: tagInsert},
		"block": {
			Kind:     registry.BlockCompiler,
			Open:     openBlock,
			Nested:   map[string]registry.Parser{"parent": tagParent},
			Floating: map[string]bool{"parent": true},
		},
		"extends":    {Kind: registry.InlineCompiler, Parser: tagExtends},
		"use":        {Kind: registry.InlineCompiler, Parser: tagUse},
		"macro":      {Kind: registry.BlockCompiler, Open: openMacro},
		"import":     {Kind: registry.InlineCompiler, Parser: tagImport},
		"cycle":      {Kind: registry.InlineCompiler, Parser: tagCycle},
		"raw":        {Kind: registry.InlineCompiler, Parser: tagRaw},
		"autoescape": {Kind: registry.BlockCompiler, Open: openAutoescape, Close: closeAutoescape},
	}

	for name, def := range defs {
		if err := actions.Register(name, def); err != nil {
			return err
		}
	}
	return nil
}

func stateOf(c registry.Compiler) *state {
	return c.(*state)
}

// staticName parses a tag argument that must be a literal template or
// block name. A bare identifier is accepted as well.
func staticName(s *state, t *registry.Tag, p *expr.Parser) (string, error) {
	tok := p.Peek()
	switch tok.Kind {
	case expr.TokString, expr.TokIdent:
		p.Next()
		return tok.Text, nil
	}
	return "", s.Errorf(qerrors.ErrCodeInvalidExpression, "{%s} needs a static name", t.Name)
}

func topLevel(s *state, t *registry.Tag) error {
	if len(s.frames) > 0 {
		return s.Errorf(qerrors.ErrCodeUnexpectedTag, "{%s} is only allowed at the top level", t.Name)
	}
	return nil
}

func noArgs(s *state, t *registry.Tag) error {
	if t.Args != "" {
		return s.Errorf(qerrors.ErrCodeInvalidExpression, "{%s} takes no arguments", t.Name)
	}
	return nil
}

// loopVars assigns index/first/last parameters to a loop node.
func loopVars(s *state, n *artifact.Node, params []expr.Param, extra func(expr.Param) (bool, error)) error {
	for _, prm := range params {
		if extra != nil {
			handled, err := extra(prm)
			if err != nil {
				return err
			}
			if handled {
				continue
			}
		}
		switch prm.Name {
		case "index", "first", "last":
			if !prm.Value.IsAssignable() {
				return s.Errorf(qerrors.ErrCodeInvalidExpression, "%s= needs a variable", prm.Name)
			}
		default:
			return s.Errorf(qerrors.ErrCodeInvalidExpression, "unknown parameter %s", prm.Name)
		}
		switch prm.Name {
		case "index":
			n.Index = prm.Value
		case "first":
			n.First = prm.Value
		case "last":
			n.Last = prm.Value
		}
	}
	return nil
}

func flowTag(op artifact.Op) registry.Parser {
	return func(c registry.Compiler, t *registry.Tag) error {
		s := stateOf(c)
		if err := noArgs(s, t); err != nil {
			return err
		}
		c.Emit(&artifact.Node{Op: op, Levels: t.Levels})
		return nil
	}
}

func loopElse(c registry.Compiler, t *registry.Tag) error {
	s := stateOf(c)
	if err := noArgs(s, t); err != nil {
		return err
	}
	if t.Owner.State["else"] != nil {
		return s.Errorf(qerrors.ErrCodeUnexpectedTag, "duplicate {%s}", t.Name)
	}
	t.Owner.State["else"] = true
	t.Owner.Body = &t.Owner.Node.Else
	return nil
}

// foreach $xs as [$k =>] $v [index=$i first=$f last=$l]
func openForeach(c registry.Compiler, t *registry.Tag) error {
	s := stateOf(c)
	p, err := c.Parser(t.Args)
	if err != nil {
		return err
	}
	from, err := p.Expr()
	if err != nil {
		return s.exprErr(err)
	}
	if err := p.ExpectWord("as"); err != nil {
		return s.exprErr(err)
	}
	n := &artifact.Node{Op: artifact.OpForeach, Expr: from}
	if n.Value, err = p.Var(); err != nil {
		return s.exprErr(err)
	}
	if p.AcceptOp("=>") {
		n.Key = n.Value
		if n.Value, err = p.Var(); err != nil {
			return s.exprErr(err)
		}
	}
	params, err := p.Params()
	if err != nil {
		return s.exprErr(err)
	}
	if err := loopVars(s, n, params, nil); err != nil {
		return err
	}
	c.Emit(n)
	t.Owner.Node = n
	return nil
}

// for $i=start to=end [step=n index=$i first=$f last=$l]
func openFor(c registry.Compiler, t *registry.Tag) error {
	s := stateOf(c)
	p, err := c.Parser(t.Args)
	if err != nil {
		return err
	}
	n := &artifact.Node{Op: artifact.OpFor}
	if n.Value, err = p.Var(); err != nil {
		return s.exprErr(err)
	}
	if err := p.ExpectOp("="); err != nil {
		return s.exprErr(err)
	}
	if n.From, err = p.Expr(); err != nil {
		return s.exprErr(err)
	}
	params, err := p.Params()
	if err != nil {
		return s.exprErr(err)
	}
	err = loopVars(s, n, params, func(prm expr.Param) (bool, error) {
		switch prm.Name {
		case "to":
			n.To = prm.Value
		case "step":
			n.Step = prm.Value
		default:
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	if n.To == nil {
		return s.Errorf(qerrors.ErrCodeInvalidExpression, "{for} needs to=")
	}
	c.Emit(n)
	t.Owner.Node = n
	return nil
}

func condition(c registry.Compiler, t *registry.Tag) (*expr.Node, error) {
	s := stateOf(c)
	if t.Args == "" {
		return nil, s.Errorf(qerrors.ErrCodeInvalidExpression, "{%s} needs a condition", t.Name)
	}
	p, err := c.Parser(t.Args)
	if err != nil {
		return nil, err
	}
	return s.expr(p)
}

func openWhile(c registry.Compiler, t *registry.Tag) error {
	cond, err := condition(c, t)
	if err != nil {
		return err
	}
	n := &artifact.Node{Op: artifact.OpWhile, Expr: cond}
	c.Emit(n)
	t.Owner.Node = n
	return nil
}

func openIf(c registry.Compiler, t *registry.Tag) error {
	cond, err := condition(c, t)
	if err != nil {
		return err
	}
	b := &artifact.Branch{Cond: cond}
	n := &artifact.Node{Op: artifact.OpIf, Branches: []*artifact.Branch{b}}
	c.Emit(n)
	t.Owner.Node = n
	t.Owner.Body = &b.Body
	return nil
}

func tagElseIf(c registry.Compiler, t *registry.Tag) error {
	s := stateOf(c)
	if t.Owner.State["else"] != nil {
		return s.Errorf(qerrors.ErrCodeUnexpectedTag, "{elseif} after {else}")
	}
	cond, err := condition(c, t)
	if err != nil {
		return err
	}
	b := &artifact.Branch{Cond: cond}
	t.Owner.Node.Branches = append(t.Owner.Node.Branches, b)
	t.Owner.Body = &b.Body
	return nil
}

func tagElse(c registry.Compiler, t *registry.Tag) error {
	return loopElse(c, t)
}

func openSwitch(c registry.Compiler, t *registry.Tag) error {
	cond, err := condition(c, t)
	if err != nil {
		return err
	}
	n := &artifact.Node{Op: artifact.OpSwitch, Expr: cond}
	c.Emit(n)
	t.Owner.Node = n

	// Only whitespace may appear before the first case.
	var preamble []*artifact.Node
	t.Owner.Body = &preamble
	t.Owner.State["preamble"] = &preamble
	return nil
}

func checkPreamble(s *state, f *registry.Frame) error {
	pre, ok := f.State["preamble"].(*[]*artifact.Node)
	if !ok {
		return nil
	}
	delete(f.State, "preamble")
	for _, n := range *pre {
		if n.Op != artifact.OpText || !isBlank(n.Text) {
			return s.Errorf(qerrors.ErrCodeUnexpectedTag, "content before the first {case} in {switch}")
		}
	}
	return nil
}

func isBlank(s string) bool {
	for _, r := range s {
		switch r {
		case ' ', '\t', '\n', '\r':
		default:
			return false
		}
	}
	return true
}

func tagCase(c registry.Compiler, t *registry.Tag) error {
	s := stateOf(c)
	if err := checkPreamble(s, t.Owner); err != nil {
		return err
	}
	if t.Args == "" {
		return s.Errorf(qerrors.ErrCodeInvalidExpression, "{case} needs a value")
	}
	p, err := c.Parser(t.Args)
	if err != nil {
		return err
	}
	cs := &artifact.Case{}
	for {
		v, err := p.Expr()
		if err != nil {
			return s.exprErr(err)
		}
		cs.Values = append(cs.Values, v)
		if !p.AcceptOp(",") {
			break
		}
	}
	if err := p.End(); err != nil {
		return s.exprErr(err)
	}
	t.Owner.Node.Cases = append(t.Owner.Node.Cases, cs)
	t.Owner.Body = &cs.Body
	return nil
}

func tagDefault(c registry.Compiler, t *registry.Tag) error {
	s := stateOf(c)
	if err := checkPreamble(s, t.Owner); err != nil {
		return err
	}
	return loopElse(c, t)
}

func closeSwitch(c registry.Compiler, t *registry.Tag) error {
	return checkPreamble(stateOf(c), t.Owner)
}

// var $x = expr | var $x[|mods] ... /var
func openVar(c registry.Compiler, t *registry.Tag) error {
	s := stateOf(c)
	p, err := c.Parser(t.Args)
	if err != nil {
		return err
	}
	target, err := p.Var()
	if err != nil {
		return s.exprErr(err)
	}
	if p.AcceptOp("=") {
		value, err := s.expr(p)
		if err != nil {
			return err
		}
		c.Emit(&artifact.Node{Op: artifact.OpAssign, Value: target, Expr: value})
		t.Owner.Closed = true
		return nil
	}

	mods, err := p.Modifiers()
	if err != nil {
		return s.exprErr(err)
	}
	if err := p.End(); err != nil {
		return s.exprErr(err)
	}
	n := &artifact.Node{Op: artifact.OpCapture, Value: target, Mods: mods}
	c.Emit(n)
	t.Owner.Node = n
	return nil
}

func openFilter(c registry.Compiler, t *registry.Tag) error {
	s := stateOf(c)
	p, err := c.Parser(t.Args)
	if err != nil {
		return err
	}
	mods, err := p.Modifiers()
	if err != nil {
		return s.exprErr(err)
	}
	if err := p.End(); err != nil {
		return s.exprErr(err)
	}
	if len(mods) == 0 {
		return s.Errorf(qerrors.ErrCodeInvalidExpression, "{filter} needs at least one modifier")
	}
	n := &artifact.Node{Op: artifact.OpFilter, Mods: mods}
	c.Emit(n)
	t.Owner.Node = n
	return nil
}

// include name [k=v ...]
func tagInclude(c registry.Compiler, t *registry.Tag) error {
	s := stateOf(c)
	p, err := c.Parser(t.Args)
	if err != nil {
		return err
	}
	name, err := p.Expr()
	if err != nil {
		return s.exprErr(err)
	}
	params, err := p.Params()
	if err != nil {
		return s.exprErr(err)
	}

	if name.Kind == expr.KindString && s.c.cfg.Loader != nil {
		fresh, err := s.c.cfg.Loader.Freshness(name.Str)
		switch {
		case err == nil:
			s.art.AddDependency(name.Str, fresh)
		case qerrors.IsNotFound(err) && !s.Options().Has(options.ForceInclude):
			return nil
		default:
			return err
		}
	}

	c.Emit(&artifact.Node{Op: artifact.OpInclude, Expr: name, Params: params})
	return nil
}

func tagInsert(c registry.Compiler, t *registry.Tag) error {
	s := stateOf(c)
	p, err := c.Parser(t.Args)
	if err != nil {
		return err
	}
	if p.Peek().Kind != expr.TokString {
		return s.Errorf(qerrors.ErrCodeInvalidExpression, "{insert} needs a quoted template name")
	}
	name := p.Next().Text
	if err := p.End(); err != nil {
		return s.exprErr(err)
	}
	return s.insert(name)
}

func openBlock(c registry.Compiler, t *registry.Tag) error {
	s := stateOf(c)
	p, err := c.Parser(t.Args)
	if err != nil {
		return err
	}
	name, err := staticName(s, t, p)
	if err != nil {
		return err
	}
	if err := p.End(); err != nil {
		return s.exprErr(err)
	}
	if _, dup := s.blocks[name]; dup {
		return s.Errorf(qerrors.ErrCodeUnexpectedTag, "block %s is already defined", name)
	}
	n := &artifact.Node{Op: artifact.OpBlock, Name: name}
	s.blocks[name] = n
	c.Emit(n)
	t.Owner.Node = n
	return nil
}

func tagParent(c registry.Compiler, t *registry.Tag) error {
	s := stateOf(c)
	if err := noArgs(s, t); err != nil {
		return err
	}
	c.Emit(&artifact.Node{Op: artifact.OpParent, Name: t.Owner.Node.Name})
	return nil
}

func tagExtends(c registry.Compiler, t *registry.Tag) error {
	s := stateOf(c)
	if err := topLevel(s, t); err != nil {
		return err
	}
	if s.extends != "" {
		return s.Errorf(qerrors.ErrCodeUnexpectedTag, "template already extends %s", s.extends)
	}
	p, err := c.Parser(t.Args)
	if err != nil {
		return err
	}
	if p.Peek().Kind != expr.TokString {
		return s.Errorf(qerrors.ErrCodeInvalidExpression, "{extends} needs a quoted template name")
	}
	s.extends = p.Next().Text
	return s.exprErr(p.End())
}

func tagUse(c registry.Compiler, t *registry.Tag) error {
	s := stateOf(c)
	if err := topLevel(s, t); err != nil {
		return err
	}
	p, err := c.Parser(t.Args)
	if err != nil {
		return err
	}
	if p.Peek().Kind != expr.TokString {
		return s.Errorf(qerrors.ErrCodeInvalidExpression, "{use} needs a quoted template name")
	}
	s.uses = append(s.uses, p.Next().Text)
	return s.exprErr(p.End())
}

// macro name(a, $b=1)
func openMacro(c registry.Compiler, t *registry.Tag) error {
	s := stateOf(c)
	if err := topLevel(s, t); err != nil {
		return err
	}
	p, err := c.Parser(t.Args)
	if err != nil {
		return err
	}
	name, err := p.Ident()
	if err != nil {
		return s.exprErr(err)
	}
	if _, dup := s.art.Macros[name]; dup {
		return s.Errorf(qerrors.ErrCodeUnexpectedTag, "macro %s is already defined", name)
	}

	m := &artifact.Macro{Name: name}
	if p.AcceptOp("(") {
		for !p.AcceptOp(")") {
			if len(m.Params) > 0 {
				if err := p.ExpectOp(","); err != nil {
					return s.exprErr(err)
				}
			}
			tok := p.Next()
			if tok.Kind != expr.TokVar && tok.Kind != expr.TokIdent {
				return s.Errorf(qerrors.ErrCodeInvalidExpression, "macro %s: unexpected %s in parameter list", name, tok)
			}
			prm := expr.Param{Name: tok.Text}
			if p.AcceptOp("=") {
				if prm.Value, err = p.Expr(); err != nil {
					return s.exprErr(err)
				}
			}
			m.Params = append(m.Params, prm)
		}
	}
	if err := p.End(); err != nil {
		return s.exprErr(err)
	}

	s.art.Macros[name] = m
	t.Owner.Body = &m.Body
	return nil
}

// import "file" [as ns] | import [a, b] from "file" [as ns]
func tagImport(c registry.Compiler, t *registry.Tag) error {
	s := stateOf(c)
	p, err := c.Parser(t.Args)
	if err != nil {
		return err
	}

	var names []string
	if p.AcceptOp("[") {
		for !p.AcceptOp("]") {
			if len(names) > 0 {
				if err := p.ExpectOp(","); err != nil {
					return s.exprErr(err)
				}
			}
			tok := p.Next()
			if tok.Kind != expr.TokIdent && tok.Kind != expr.TokString {
				return s.Errorf(qerrors.ErrCodeInvalidExpression, "unexpected %s in import list", tok)
			}
			names = append(names, tok.Text)
		}
		if err := p.ExpectWord("from"); err != nil {
			return s.exprErr(err)
		}
	}

	if p.Peek().Kind != expr.TokString {
		return s.Errorf(qerrors.ErrCodeInvalidExpression, "{import} needs a quoted template name")
	}
	file := p.Next().Text

	ns := "macro"
	if p.AcceptWord("as") {
		if ns, err = p.Ident(); err != nil {
			return s.exprErr(err)
		}
	}
	if err := p.End(); err != nil {
		return s.exprErr(err)
	}
	return s.importMacros(file, ns, names)
}

// cycle values [index=$i]
func tagCycle(c registry.Compiler, t *registry.Tag) error {
	s := stateOf(c)
	p, err := c.Parser(t.Args)
	if err != nil {
		return err
	}
	values, err := p.Value()
	if err != nil {
		return s.exprErr(err)
	}
	params, err := p.Params()
	if err != nil {
		return s.exprErr(err)
	}

	s.nextID++
	n := &artifact.Node{Op: artifact.OpCycle, ID: s.nextID, Expr: values, Escape: c.Escaping()}
	for _, prm := range params {
		if prm.Name != "index" {
			return s.Errorf(qerrors.ErrCodeInvalidExpression, "unknown parameter %s", prm.Name)
		}
		n.Index = prm.Value
	}
	c.Emit(n)
	return nil
}

func tagRaw(c registry.Compiler, t *registry.Tag) error {
	s := stateOf(c)
	p, err := c.Parser(t.Args)
	if err != nil {
		return err
	}
	n, err := s.expr(p)
	if err != nil {
		return err
	}
	c.Emit(artifact.Print(n, false))
	return nil
}

func openAutoescape(c registry.Compiler, t *registry.Tag) error {
	s := stateOf(c)
	on := true
	if t.Args != "" {
		p, err := c.Parser(t.Args)
		if err != nil {
			return err
		}
		n, err := s.expr(p)
		if err != nil {
			return err
		}
		if !n.IsLiteral() {
			return s.Errorf(qerrors.ErrCodeInvalidExpression, "{autoescape} needs a literal value")
		}
		v, _ := expr.Eval(n, nil)
		on = expr.Truthy(v)
	}
	s.escape = append(s.escape, on)
	return nil
}

func closeAutoescape(c registry.Compiler, _ *registry.Tag) error {
	s := stateOf(c)
	s.escape = s.escape[:len(s.escape)-1]
	return nil
}
