// Package compiler turns template source into artifacts.
//
// Compilation is a single pass over lexer segments driving a stack of open
// block frames. Tags are resolved through the action registry: a tag nested
// in the innermost frame first, then floating tags of enclosing frames, then
// registered tags, then macro calls. Inheritance and imports are resolved
// after the pass by compiling the referenced templates with the same
// configuration.
package compiler

import (
	"fmt"

	"github.com/conneroisu/quill/internal/artifact"
	qerrors "github.com/conneroisu/quill/internal/errors"
	"github.com/conneroisu/quill/internal/expr"
	"github.com/conneroisu/quill/internal/lexer"
	"github.com/conneroisu/quill/internal/options"
	"github.com/conneroisu/quill/internal/provider"
	"github.com/conneroisu/quill/internal/registry"
)

// DefaultMaxDepth bounds extends/import/insert chains.
const DefaultMaxDepth = 32

// Loader supplies template sources and their freshness tokens.
type Loader interface {
	Source(name string) (string, provider.Freshness, error)
	Freshness(name string) (provider.Freshness, error)
}

// PreFilter rewrites source before it is lexed.
type PreFilter func(name, src string) (string, error)

// Config configures a Compiler.
type Config struct {
	Actions    *registry.ActionRegistry
	Modifiers  *registry.ModifierRegistry
	Loader     Loader
	Mask       options.Mask
	Delimiters lexer.Delimiters
	// MaxDepth bounds nested extends, import and insert. Zero selects
	// DefaultMaxDepth.
	MaxDepth   int
	Floating   registry.FloatingPolicy
	PreFilters []PreFilter
}

// Compiler compiles templates under one configuration. It is safe for
// concurrent use as long as the registries are.
type Compiler struct {
	cfg Config
}

// New creates a compiler. Missing registries are replaced by empty ones.
func New(cfg Config) *Compiler {
	if cfg.Actions == nil {
		cfg.Actions = registry.NewActionRegistry()
	}
	if cfg.Modifiers == nil {
		cfg.Modifiers = registry.NewModifierRegistry()
	}
	if !cfg.Delimiters.Valid() {
		cfg.Delimiters = lexer.DefaultDelimiters
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	return &Compiler{cfg: cfg}
}

// Mask returns the option mask artifacts are compiled under.
func (c *Compiler) Mask() options.Mask {
	return c.cfg.Mask
}

// Compile loads name from the loader and compiles it.
func (c *Compiler) Compile(name string) (*artifact.Artifact, error) {
	return c.load(name, nil)
}

// CompileSource compiles src as the template name. Templates it extends,
// imports or inserts are loaded through the loader.
func (c *Compiler) CompileSource(name, src string, fresh provider.Freshness) (*artifact.Artifact, error) {
	return c.compile(name, src, fresh, []string{name})
}

func (c *Compiler) load(name string, stack []string) (*artifact.Artifact, error) {
	for _, n := range stack {
		if n == name {
			return nil, qerrors.NewSyntaxError(
				qerrors.ErrCodeInheritanceCycle,
				fmt.Sprintf("template %s depends on itself", name),
			).WithScope(append(append([]string(nil), stack...), name))
		}
	}
	if len(stack) >= c.cfg.MaxDepth {
		return nil, qerrors.NewSyntaxError(
			qerrors.ErrCodeInheritanceCycle,
			fmt.Sprintf("template nesting deeper than %d at %s", c.cfg.MaxDepth, name),
		)
	}
	if c.cfg.Loader == nil {
		return nil, qerrors.ErrTemplateNotFound(name)
	}

	src, fresh, err := c.cfg.Loader.Source(name)
	if err != nil {
		return nil, err
	}
	return c.compile(name, src, fresh, append(append([]string(nil), stack...), name))
}

func (c *Compiler) compile(name, src string, fresh provider.Freshness, stack []string) (*artifact.Artifact, error) {
	for _, f := range c.cfg.PreFilters {
		var err error
		if src, err = f(name, src); err != nil {
			return nil, qerrors.Located(
				qerrors.Wrap(err, qerrors.ErrorTypeSyntax, qerrors.ErrCodeInvalidExpression, "pre-filter failed"),
				name,
			)
		}
	}

	s := newState(c, name, src, fresh, stack)
	if err := s.run(); err != nil {
		return nil, err
	}
	if err := s.finalize(); err != nil {
		return nil, err
	}
	if c.cfg.Mask.Has(options.ForceVerify) {
		if err := c.verify(s.art); err != nil {
			return nil, err
		}
	}
	return s.art, nil
}

// exprOptions derives expression parser restrictions from the mask.
func (c *Compiler) exprOptions() expr.Options {
	deny := c.cfg.Mask.Has(options.DisableNativeFuncs)
	return expr.Options{
		DenyGlobals: c.cfg.Mask.Has(options.DisableAccessor),
		DenyMethods: c.cfg.Mask.Has(options.DisableMethods),
		Modifier: func(name string) bool {
			if _, ok := c.cfg.Modifiers.ResolveModifier(name, deny); ok {
				return true
			}
			def, ok := c.cfg.Actions.Resolve(name)
			return ok && def.Kind == registry.ModifierFunction
		},
		Function: func(name string) bool {
			_, ok := c.cfg.Modifiers.ResolveFunction(name, deny)
			return ok
		},
	}
}
