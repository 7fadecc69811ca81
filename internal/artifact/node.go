package artifact

import (
	"github.com/conneroisu/quill/internal/expr"
)

// Op identifies what a Node does when executed.
type Op string

const (
	OpText      Op = "text"
	OpPrint     Op = "print"
	OpIf        Op = "if"
	OpForeach   Op = "foreach"
	OpFor       Op = "for"
	OpWhile     Op = "while"
	OpSwitch    Op = "switch"
	OpBreak     Op = "break"
	OpContinue  Op = "continue"
	OpAssign    Op = "assign"
	OpCapture   Op = "capture"
	OpFilter    Op = "filter"
	OpInclude   Op = "include"
	OpBlock     Op = "block"
	OpParent    Op = "parent"
	OpMacroCall Op = "macro_call"
	OpCycle     Op = "cycle"
	OpCall      Op = "call"
	OpBlockCall Op = "block_call"
)

// Node is one instruction of a compiled template. Fields are used per Op:
//
//	text        Text
//	print       Expr, Escape
//	if          Branches, Else
//	foreach     Expr, Key, Value, Index, First, Last, Body, Else
//	for         Value, From, To, Step, Index, First, Last, Body, Else
//	while       Expr, Body
//	switch      Expr, Cases, Else
//	break       Levels
//	continue    Levels
//	assign      Value (target), Expr
//	capture     Value (target), Mods, Body
//	filter      Mods, Body
//	include     Expr (name), Params
//	block       Name, Body
//	macro_call  Name, Params
//	cycle       ID, Expr (values), Index, Escape
//	call        Name, Params, Escape
//	block_call  Name, Params, Body, Escape
type Node struct {
	Op     Op         `json:"op"`
	Text   string     `json:"text,omitempty"`
	Name   string     `json:"name,omitempty"`
	Expr   *expr.Node `json:"expr,omitempty"`
	Escape bool       `json:"escape,omitempty"`

	Key   *expr.Node `json:"key,omitempty"`
	Value *expr.Node `json:"value,omitempty"`
	Index *expr.Node `json:"index,omitempty"`
	First *expr.Node `json:"first,omitempty"`
	Last  *expr.Node `json:"last,omitempty"`
	From  *expr.Node `json:"from,omitempty"`
	To    *expr.Node `json:"to,omitempty"`
	Step  *expr.Node `json:"step,omitempty"`

	Branches []*Branch    `json:"branches,omitempty"`
	Cases    []*Case      `json:"cases,omitempty"`
	Params   []expr.Param `json:"params,omitempty"`
	Mods     []*expr.Node `json:"mods,omitempty"`

	Body []*Node `json:"body,omitempty"`
	Else []*Node `json:"else,omitempty"`

	Levels int `json:"levels,omitempty"`
	ID     int `json:"id,omitempty"`
	Line   int `json:"line,omitempty"`
}

// Branch is one "if"/"elseif" arm.
type Branch struct {
	Cond *expr.Node `json:"cond"`
	Body []*Node    `json:"body,omitempty"`
}

// Case is one "case" arm of a switch.
type Case struct {
	Values []*expr.Node `json:"values"`
	Body   []*Node      `json:"body,omitempty"`
}

// Macro is a named, parameterized body callable from templates.
type Macro struct {
	Name   string       `json:"name"`
	Params []expr.Param `json:"params,omitempty"`
	Body   []*Node      `json:"body,omitempty"`
}

// Text returns a literal text node.
func Text(s string) *Node {
	return &Node{Op: OpText, Text: s}
}

// Print returns a node that prints e.
func Print(e *expr.Node, escape bool) *Node {
	return &Node{Op: OpPrint, Expr: e, Escape: escape}
}

// Walk visits n and every node nested below it, depth first. Returning
// false from fn skips the children of that node.
func Walk(nodes []*Node, fn func(*Node) bool) {
	for _, n := range nodes {
		if n == nil || !fn(n) {
			continue
		}
		for _, b := range n.Branches {
			Walk(b.Body, fn)
		}
		for _, c := range n.Cases {
			Walk(c.Body, fn)
		}
		Walk(n.Body, fn)
		Walk(n.Else, fn)
	}
}

// Clone deep-copies a node list. Expression trees are shared; they are
// never mutated after parsing.
func Clone(nodes []*Node) []*Node {
	if nodes == nil {
		return nil
	}
	out := make([]*Node, len(nodes))
	for i, n := range nodes {
		out[i] = n.Clone()
	}
	return out
}

// Clone deep-copies n and its children.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	if n.Branches != nil {
		c.Branches = make([]*Branch, len(n.Branches))
		for i, b := range n.Branches {
			c.Branches[i] = &Branch{Cond: b.Cond, Body: Clone(b.Body)}
		}
	}
	if n.Cases != nil {
		c.Cases = make([]*Case, len(n.Cases))
		for i, cs := range n.Cases {
			c.Cases[i] = &Case{Values: cs.Values, Body: Clone(cs.Body)}
		}
	}
	c.Params = append([]expr.Param(nil), n.Params...)
	c.Mods = append([]*expr.Node(nil), n.Mods...)
	c.Body = Clone(n.Body)
	c.Else = Clone(n.Else)
	return &c
}
