// Package quill compiles brace-delimited templates into cached artifacts
// and renders them.
//
// # Quick Start
//
//	e, err := quill.New(quill.Config{
//		Provider:   quill.NewFSProvider("templates", ".tpl"),
//		CompileDir: ".quill/cache",
//		Options:    quill.Mask(quill.AutoReload | quill.AutoEscape),
//	})
//	if err != nil {
//		return err
//	}
//	out, err := e.Fetch(ctx, "page.tpl", map[string]interface{}{"title": "Home"})
//
// # Architecture
//
// A template name is resolved through a Provider, tokenized, parsed by the
// tag-scope compiler and turned into an artifact. Artifacts are keyed by
// name and option mask, kept in an in-process table and, when a compile
// directory is configured, written to disk with an atomic rename so that
// concurrent processes never read a partial file.
//
// Tags, modifiers and host functions are extension points: AddCompiler,
// AddBlockCompiler, AddModifier, AddFunction and friends register new
// behavior, and any registry change discards artifacts compiled under the
// previous registry contents.
//
// # Templates
//
//	{extends 'layout.tpl'}
//	{block 'content'}
//	  {foreach $items as $item}<li>{$item.name|upper}</li>{/foreach}
//	{/block}
//
// See the cmd package for the quill command line built on this package.
package quill
