package registry

import (
	"fmt"

	qerrors "github.com/conneroisu/quill/internal/errors"
)

// InlineTag is implemented by values registered with SmartInline.
type InlineTag interface {
	Compile(c Compiler, t *Tag) error
}

// BlockTag is implemented by values registered with SmartBlock.
type BlockTag interface {
	Open(c Compiler, t *Tag) error
	Close(c Compiler, t *Tag) error
}

// NestedTags is implemented by block tags that accept nested tags.
type NestedTags interface {
	// Nested returns the parser for a nested tag, or false when the value
	// has none.
	Nested(name string) (Parser, bool)
}

func registrationError(format string, args ...interface{}) error {
	return qerrors.NewConfigError(qerrors.ErrCodeRegistration, fmt.Sprintf(format, args...))
}

// SmartInline builds an inline definition from a value implementing
// InlineTag.
func SmartInline(name string, impl interface{}) (*TagDefinition, error) {
	tag, ok := impl.(InlineTag)
	if !ok {
		return nil, registrationError("%T cannot compile inline tag %s: missing Compile", impl, name)
	}
	return &TagDefinition{Kind: InlineCompiler, Parser: tag.Compile}, nil
}

// SmartBlock builds a block definition from a value implementing BlockTag.
// Every name in nested must be served by the value's NestedTags
// implementation; floating must be a subset of nested.
func SmartBlock(name string, impl interface{}, nested, floating []string) (*TagDefinition, error) {
	block, ok := impl.(BlockTag)
	if !ok {
		return nil, registrationError("%T cannot compile block tag %s: missing Open or Close", impl, name)
	}

	def := &TagDefinition{
		Kind:     BlockCompiler,
		Open:     block.Open,
		Close:    block.Close,
		Nested:   make(map[string]Parser, len(nested)),
		Floating: make(map[string]bool, len(floating)),
	}

	provider, _ := impl.(NestedTags)
	for _, tag := range nested {
		if provider == nil {
			return nil, registrationError("%T cannot compile tag %s nested in %s: missing Nested", impl, tag, name)
		}
		p, ok := provider.Nested(tag)
		if !ok || p == nil {
			return nil, registrationError("%T has no parser for tag %s nested in %s", impl, tag, name)
		}
		def.Nested[tag] = p
	}
	for _, tag := range floating {
		if _, ok := def.Nested[tag]; !ok {
			return nil, registrationError("floating tag %s is not nested in %s", tag, name)
		}
		def.Floating[tag] = true
	}
	return def, nil
}
