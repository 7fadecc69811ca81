// Package expr parses and evaluates template expressions.
//
// Parsed expressions are plain data (Node trees) so that compiled templates
// can be persisted and reloaded without re-parsing.
package expr

import (
	"strconv"
	"strings"
)

// Kind is the node type. The string form is what ends up in persisted
// artifacts.
type Kind string

const (
	KindNull     Kind = "null"
	KindBool     Kind = "bool"
	KindInt      Kind = "int"
	KindFloat    Kind = "float"
	KindString   Kind = "str"
	KindArray    Kind = "array"    // Args are values, Keys parallel keys (nil for list items)
	KindVar      Kind = "var"      // $Name
	KindGlobal   Kind = "global"   // $.Name
	KindField    Kind = "field"    // X.Name
	KindIndex    Kind = "index"    // X[Y]
	KindProp     Kind = "prop"     // X->Name
	KindMethod   Kind = "method"   // X->Name(Args)
	KindCall     Kind = "call"     // Name(Args)
	KindModifier Kind = "modifier" // X|Name:Args; X is nil inside a detached chain
	KindUnary    Kind = "unary"
	KindBinary   Kind = "binary"
	KindTernary  Kind = "ternary" // X ? Y : Z, Y nil for X ?: Z
)

// Node is an expression tree node.
type Node struct {
	Kind  Kind    `json:"k"`
	Op    string  `json:"op,omitempty"`
	Name  string  `json:"n,omitempty"`
	Int   int64   `json:"i,omitempty"`
	Float float64 `json:"f,omitempty"`
	Str   string  `json:"s,omitempty"`
	Bool  bool    `json:"b,omitempty"`
	X     *Node   `json:"x,omitempty"`
	Y     *Node   `json:"y,omitempty"`
	Z     *Node   `json:"z,omitempty"`
	Args  []*Node `json:"a,omitempty"`
	Keys  []*Node `json:"ks,omitempty"`
	Pos   int     `json:"p,omitempty"`
}

// Literal constructors used by tag compilers.

// String returns a string literal node.
func String(s string) *Node { return &Node{Kind: KindString, Str: s} }

// Int returns an integer literal node.
func Int(i int64) *Node { return &Node{Kind: KindInt, Int: i} }

// Bool returns a boolean literal node.
func Bool(b bool) *Node { return &Node{Kind: KindBool, Bool: b} }

// Null returns the null literal.
func Null() *Node { return &Node{Kind: KindNull} }

// Var returns a variable reference.
func Var(name string) *Node { return &Node{Kind: KindVar, Name: name} }

// IsLiteral reports whether n is a constant scalar.
func (n *Node) IsLiteral() bool {
	switch n.Kind {
	case KindNull, KindBool, KindInt, KindFloat, KindString:
		return true
	}
	return false
}

// IsAssignable reports whether n can be the target of an assignment.
func (n *Node) IsAssignable() bool {
	switch n.Kind {
	case KindVar:
		return true
	case KindField, KindIndex:
		return n.X != nil && n.X.IsAssignable()
	}
	return false
}

// Root returns the variable name at the base of an accessor chain, or "".
func (n *Node) Root() string {
	for n != nil {
		switch n.Kind {
		case KindVar:
			return n.Name
		case KindField, KindIndex, KindProp:
			n = n.X
		default:
			return ""
		}
	}
	return ""
}

// Walk calls fn for n and every descendant in depth-first order, stopping
// early when fn returns false.
func (n *Node) Walk(fn func(*Node) bool) bool {
	if n == nil {
		return true
	}
	if !fn(n) {
		return false
	}
	for _, c := range []*Node{n.X, n.Y, n.Z} {
		if !c.Walk(fn) {
			return false
		}
	}
	for _, c := range n.Keys {
		if !c.Walk(fn) {
			return false
		}
	}
	for _, c := range n.Args {
		if !c.Walk(fn) {
			return false
		}
	}
	return true
}

// String renders n back into template expression syntax.
func (n *Node) String() string {
	if n == nil {
		return ""
	}
	switch n.Kind {
	case KindNull:
		return "null"
	case KindBool:
		return strconv.FormatBool(n.Bool)
	case KindInt:
		return strconv.FormatInt(n.Int, 10)
	case KindFloat:
		return strconv.FormatFloat(n.Float, 'g', -1, 64)
	case KindString:
		return strconv.Quote(n.Str)
	case KindArray:
		parts := make([]string, len(n.Args))
		for i, v := range n.Args {
			if i < len(n.Keys) && n.Keys[i] != nil {
				parts[i] = n.Keys[i].String() + " => " + v.String()
			} else {
				parts[i] = v.String()
			}
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case KindVar:
		return "$" + n.Name
	case KindGlobal:
		return "$." + n.Name
	case KindField:
		return n.X.String() + "." + n.Name
	case KindIndex:
		return n.X.String() + "[" + n.Y.String() + "]"
	case KindProp:
		return n.X.String() + "->" + n.Name
	case KindMethod:
		return n.X.String() + "->" + n.Name + "(" + joinNodes(n.Args) + ")"
	case KindCall:
		return n.Name + "(" + joinNodes(n.Args) + ")"
	case KindModifier:
		var b strings.Builder
		b.WriteString(n.X.String())
		b.WriteString("|")
		b.WriteString(n.Name)
		for _, a := range n.Args {
			b.WriteString(":")
			b.WriteString(a.String())
		}
		return b.String()
	case KindUnary:
		if n.Op == "not" {
			return "not " + n.X.String()
		}
		return n.Op + n.X.String()
	case KindBinary:
		return "(" + n.X.String() + " " + n.Op + " " + n.Y.String() + ")"
	case KindTernary:
		if n.Y == nil {
			return "(" + n.X.String() + " ?: " + n.Z.String() + ")"
		}
		return "(" + n.X.String() + " ? " + n.Y.String() + " : " + n.Z.String() + ")"
	}
	return "<" + string(n.Kind) + ">"
}

func joinNodes(nodes []*Node) string {
	parts := make([]string, len(nodes))
	for i, a := range nodes {
		parts[i] = a.String()
	}
	return strings.Join(parts, ", ")
}
