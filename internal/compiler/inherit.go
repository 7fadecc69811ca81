package compiler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/conneroisu/quill/internal/artifact"
	qerrors "github.com/conneroisu/quill/internal/errors"
)

// finalize resolves inheritance, uses and macro references once the whole
// source has been compiled.
func (s *state) finalize() error {
	overrides := make(map[string]*artifact.Node)
	for _, name := range s.uses {
		used, err := s.c.load(name, s.stack)
		if err != nil {
			return qerrors.Located(err, s.art.Name)
		}
		s.inherit(name, used)
		for blockName, b := range topBlocks(used.Body) {
			overrides[blockName] = b
		}
	}

	for name, b := range s.blocks {
		overrides[name] = b
	}
	if s.extends == "" {
		s.art.Body = substitute(s.root, overrides)
		return s.checkCalls()
	}

	parent, err := s.c.load(s.extends, s.stack)
	if err != nil {
		return qerrors.Located(err, s.art.Name)
	}
	s.inherit(s.extends, parent)

	var body []*artifact.Node
	for _, n := range s.root {
		if n.Op == artifact.OpAssign || n.Op == artifact.OpCapture {
			body = append(body, n)
		}
	}
	s.art.Body = append(body, substitute(parent.Body, overrides)...)
	return s.checkCalls()
}

// inherit records dep as a dependency and merges its macros without
// replacing local ones.
func (s *state) inherit(name string, dep *artifact.Artifact) {
	s.art.AddDependency(name, dep.Freshness)
	for _, d := range dep.Deps {
		s.art.AddDependency(d.Name, d.Freshness)
	}
	for key, m := range dep.Macros {
		if _, ok := s.art.Macros[key]; !ok {
			s.art.Macros[key] = m
		}
	}
}

// topBlocks collects named blocks, outermost definition first.
func topBlocks(body []*artifact.Node) map[string]*artifact.Node {
	blocks := make(map[string]*artifact.Node)
	artifact.Walk(body, func(n *artifact.Node) bool {
		if n.Op == artifact.OpBlock {
			if _, ok := blocks[n.Name]; !ok {
				blocks[n.Name] = n
			}
		}
		return true
	})
	return blocks
}

// substitute returns a copy of body where every block named in overrides
// takes the overriding body. A parent tag in the override renders the
// replaced body.
func substitute(body []*artifact.Node, overrides map[string]*artifact.Node) []*artifact.Node {
	if len(overrides) == 0 {
		return body
	}
	out := make([]*artifact.Node, len(body))
	for i, n := range body {
		out[i] = substituteNode(n, overrides)
	}
	return out
}

func substituteNode(n *artifact.Node, overrides map[string]*artifact.Node) *artifact.Node {
	if n.Op == artifact.OpBlock {
		if o, ok := overrides[n.Name]; ok && o != n {
			original := substitute(n.Body, overrides)
			return &artifact.Node{
				Op:   artifact.OpBlock,
				Name: n.Name,
				Line: o.Line,
				Body: replaceParent(substitute(o.Body, overrides), original),
			}
		}
	}

	c := *n
	if n.Branches != nil {
		c.Branches = make([]*artifact.Branch, len(n.Branches))
		for i, b := range n.Branches {
			c.Branches[i] = &artifact.Branch{Cond: b.Cond, Body: substitute(b.Body, overrides)}
		}
	}
	if n.Cases != nil {
		c.Cases = make([]*artifact.Case, len(n.Cases))
		for i, cs := range n.Cases {
			c.Cases[i] = &artifact.Case{Values: cs.Values, Body: substitute(cs.Body, overrides)}
		}
	}
	c.Body = substitute(n.Body, overrides)
	c.Else = substitute(n.Else, overrides)
	return &c
}

// replaceParent replaces parent nodes in body with copies of original.
// Nested blocks keep their own parent references.
func replaceParent(body, original []*artifact.Node) []*artifact.Node {
	var out []*artifact.Node
	for _, n := range body {
		switch n.Op {
		case artifact.OpParent:
			out = append(out, artifact.Clone(original)...)
			continue
		case artifact.OpBlock:
			out = append(out, n)
			continue
		}
		c := *n
		if n.Branches != nil {
			c.Branches = make([]*artifact.Branch, len(n.Branches))
			for i, b := range n.Branches {
				c.Branches[i] = &artifact.Branch{Cond: b.Cond, Body: replaceParent(b.Body, original)}
			}
		}
		if n.Cases != nil {
			c.Cases = make([]*artifact.Case, len(n.Cases))
			for i, cs := range n.Cases {
				c.Cases[i] = &artifact.Case{Values: cs.Values, Body: replaceParent(cs.Body, original)}
			}
		}
		c.Body = replaceParent(n.Body, original)
		c.Else = replaceParent(n.Else, original)
		out = append(out, &c)
	}
	return out
}

// checkCalls reports the first macro call naming an unknown macro.
func (s *state) checkCalls() error {
	for _, call := range s.calls {
		if _, ok := s.art.Macros[call.name]; ok {
			continue
		}
		e := qerrors.NewSyntaxError(qerrors.ErrCodeUndefinedMacro, "undefined macro: "+call.name)
		return e.WithLocation(call.file, call.offset, call.line, call.column)
	}
	return nil
}

// importMacros compiles file and copies the selected macros under ns.
// Calls between imported macros are rewritten to the namespaced keys.
func (s *state) importMacros(file, ns string, names []string) error {
	src, err := s.c.load(file, s.stack)
	if err != nil {
		return err
	}
	s.art.AddDependency(file, src.Freshness)
	for _, d := range src.Deps {
		s.art.AddDependency(d.Name, d.Freshness)
	}

	selected := names
	if len(selected) == 0 {
		for key := range src.Macros {
			selected = append(selected, key)
		}
		sort.Strings(selected)
	}
	for _, name := range selected {
		if _, ok := src.Macros[name]; !ok {
			return s.Errorf(qerrors.ErrCodeUndefinedMacro, "template %s has no macro %s", file, name)
		}
	}

	prefix := ""
	if ns != "macro" {
		prefix = ns + "."
		s.namespaces[ns] = true
	}

	for _, key := range macroClosure(src.Macros, selected) {
		m := src.Macros[key]
		copied := &artifact.Macro{Name: m.Name, Params: m.Params, Body: artifact.Clone(m.Body)}
		if prefix != "" {
			artifact.Walk(copied.Body, func(n *artifact.Node) bool {
				if n.Op == artifact.OpMacroCall {
					n.Name = prefix + n.Name
				}
				return true
			})
		}
		s.art.Macros[prefix+key] = copied
	}
	return nil
}

// macroClosure returns roots plus every macro they call, sorted.
func macroClosure(macros map[string]*artifact.Macro, roots []string) []string {
	seen := make(map[string]bool)
	var visit func(string)
	visit = func(key string) {
		m, ok := macros[key]
		if !ok || seen[key] {
			return
		}
		seen[key] = true
		artifact.Walk(m.Body, func(n *artifact.Node) bool {
			if n.Op == artifact.OpMacroCall {
				visit(n.Name)
			}
			return true
		})
	}
	for _, r := range roots {
		visit(r)
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// verify re-checks a compiled artifact before it is published.
func (c *Compiler) verify(a *artifact.Artifact) error {
	collector := qerrors.NewCollector()
	check := func(where string) func(*artifact.Node) bool {
		return func(n *artifact.Node) bool {
			switch n.Op {
			case artifact.OpMacroCall:
				if _, ok := a.Macros[n.Name]; !ok {
					collector.Add(qerrors.NewSyntaxError(qerrors.ErrCodeVerifyFailed,
						fmt.Sprintf("%s calls undefined macro %s", where, n.Name)).
						WithLocation(a.Name, 0, n.Line, 0))
				}
			case artifact.OpBreak, artifact.OpContinue:
				if n.Levels < 1 {
					collector.Add(qerrors.NewSyntaxError(qerrors.ErrCodeVerifyFailed,
						fmt.Sprintf("%s has %s without an enclosing loop", where, n.Op)).
						WithLocation(a.Name, 0, n.Line, 0))
				}
			case artifact.OpInclude:
				if n.Expr == nil {
					collector.Add(qerrors.NewSyntaxError(qerrors.ErrCodeVerifyFailed,
						fmt.Sprintf("%s has an include without a template name", where)).
						WithLocation(a.Name, 0, n.Line, 0))
				}
			}
			return true
		}
	}

	artifact.Walk(a.Body, check("body"))
	keys := make([]string, 0, len(a.Macros))
	for k := range a.Macros {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		artifact.Walk(a.Macros[k].Body, check("macro "+k))
	}

	data, err := a.Marshal()
	if err == nil {
		_, err = artifact.Unmarshal(data)
	}
	if err != nil {
		collector.Add(qerrors.NewSyntaxError(qerrors.ErrCodeVerifyFailed, "artifact does not round-trip: "+strings.TrimSpace(err.Error())))
	}
	return collector.Err(qerrors.ErrorTypeSyntax, qerrors.ErrCodeVerifyFailed)
}
