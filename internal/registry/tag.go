// Package registry holds the extensible tables the compiler dispatches
// through: tag definitions keyed by tag name, and modifiers plus host
// functions keyed by name.
package registry

import (
	"github.com/conneroisu/quill/internal/artifact"
	"github.com/conneroisu/quill/internal/expr"
	"github.com/conneroisu/quill/internal/options"
)

// Kind is the closed set of tag kinds.
type Kind int

const (
	// InlineCompiler compiles a self-contained tag in place.
	InlineCompiler Kind = iota
	// BlockCompiler has an open and a close tag with a body between.
	BlockCompiler
	// InlineFunction calls a host function with the tag's parameters.
	InlineFunction
	// BlockFunction calls a host function with the parameters and the
	// rendered body.
	BlockFunction
	// ModifierFunction prints the tag's expression through a modifier.
	ModifierFunction
)

func (k Kind) String() string {
	switch k {
	case InlineCompiler:
		return "inline"
	case BlockCompiler:
		return "block"
	case InlineFunction:
		return "function"
	case BlockFunction:
		return "block_function"
	case ModifierFunction:
		return "modifier"
	}
	return "unknown"
}

// Block reports whether tags of this kind open a scope.
func (k Kind) Block() bool {
	return k == BlockCompiler || k == BlockFunction
}

// Tag is one tag occurrence handed to a parser.
type Tag struct {
	// Name is the tag identifier, "/name" excluded.
	Name string
	// Args is the tag body after the name, trimmed.
	Args   string
	Offset int
	Line   int
	// Owner is the frame a nested or floating tag was routed to.
	Owner *Frame
	// Levels counts the frames from the innermost one down to Owner that
	// declare this tag, Owner included.
	Levels int
}

// Parser compiles one tag.
type Parser func(c Compiler, t *Tag) error

// TagDefinition describes how a tag name compiles.
type TagDefinition struct {
	Kind Kind

	// Parser compiles inline tags and function tags; the compiler supplies a
	// default parameter parser for function kinds when it is nil.
	Parser Parser
	// Open and Close compile the two ends of a block tag. A nil Close does
	// nothing beyond popping the frame.
	Open  Parser
	Close Parser
	// Nested lists the tags valid while the block is the innermost open one.
	Nested map[string]Parser
	// Floating is the subset of Nested also usable through intermediate
	// scopes.
	Floating map[string]bool

	Function      artifact.InlineFunc
	BlockFunction artifact.BlockFunc
	Modifier      expr.Func
}

// Declares reports whether the definition accepts tag as a nested tag.
func (d *TagDefinition) Declares(tag string) bool {
	_, ok := d.Nested[tag]
	return ok
}

// Floats reports whether tag may be used through intermediate scopes.
func (d *TagDefinition) Floats(tag string) bool {
	return d.Floating[tag]
}

// Frame is an open block scope on the compiler's stack.
type Frame struct {
	Name string
	Def  *TagDefinition
	// Node is the artifact node the block is building, if any.
	Node *artifact.Node
	// Body is where tags inside the block emit. Nested parsers move it,
	// e.g. "else" points it at Node.Else.
	Body *[]*artifact.Node
	// State is scratch space for the block's parsers.
	State  map[string]interface{}
	Offset int
	Line   int
	// Closed set by an open parser means the tag completed inline and no
	// frame is pushed.
	Closed bool
}

// Compiler is the view of an in-progress compilation given to tag parsers.
type Compiler interface {
	// Name is the template being compiled.
	Name() string
	Options() options.Mask
	// Parser returns an expression parser over src honoring the active
	// options and registries.
	Parser(src string) (*expr.Parser, error)
	// Emit appends n to the current body.
	Emit(n *artifact.Node)
	// Top returns the innermost open frame, or nil at the top level.
	Top() *Frame
	// Escaping reports whether prints are escaped at this point.
	Escaping() bool
	// Errorf returns a syntax error located at the current tag.
	Errorf(code, format string, args ...interface{}) error
}

// FloatingPolicy picks the owner of a floating tag when several open
// frames declare it.
type FloatingPolicy int

const (
	// Nearest routes to the innermost declaring frame.
	Nearest FloatingPolicy = iota
	// Outermost routes to the outermost declaring frame.
	Outermost
)

// ParseFloatingPolicy accepts "nearest" and "outermost".
func ParseFloatingPolicy(s string) (FloatingPolicy, bool) {
	switch s {
	case "", "nearest":
		return Nearest, true
	case "outermost":
		return Outermost, true
	}
	return Nearest, false
}
