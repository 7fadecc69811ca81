package compiler

import (
	"bytes"
	"context"
	"errors"
	"html"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/quill/internal/artifact"
	qerrors "github.com/conneroisu/quill/internal/errors"
	"github.com/conneroisu/quill/internal/expr"
	"github.com/conneroisu/quill/internal/options"
	"github.com/conneroisu/quill/internal/provider"
	"github.com/conneroisu/quill/internal/registry"
)

type fixture struct {
	t        *testing.T
	mem      *provider.MemoryProvider
	actions  *registry.ActionRegistry
	mods     *registry.ModifierRegistry
	mask     options.Mask
	floating registry.FloatingPolicy
	filters  []PreFilter
}

func newFixture(t *testing.T, templates map[string]string) *fixture {
	t.Helper()
	actions := registry.NewActionRegistry()
	require.NoError(t, RegisterBuiltins(actions))

	mods := registry.NewModifierRegistry()
	mods.AddModifier("upper", func(args ...interface{}) (interface{}, error) {
		return strings.ToUpper(expr.ToString(args[0])), nil
	})
	mods.AddModifier("raw", func(args ...interface{}) (interface{}, error) {
		return expr.Safe(expr.ToString(args[0])), nil
	})
	mods.AddModifier("escape", func(args ...interface{}) (interface{}, error) {
		return expr.Safe(html.EscapeString(expr.ToString(args[0]))), nil
	})
	mods.AddHostFunction("count", func(args ...interface{}) (interface{}, error) {
		n, _ := expr.Len(args[0])
		return int64(n), nil
	})
	mods.AddHostFunction("exec", func(args ...interface{}) (interface{}, error) {
		return "ran", nil
	})
	mods.Allow("count")

	return &fixture{
		t:       t,
		mem:     provider.NewMemoryProvider(templates),
		actions: actions,
		mods:    mods,
	}
}

func (f *fixture) compiler() *Compiler {
	return New(Config{
		Actions:    f.actions,
		Modifiers:  f.mods,
		Loader:     f.mem,
		Mask:       f.mask,
		Floating:   f.floating,
		PreFilters: f.filters,
	})
}

func (f *fixture) compile(name string) (*artifact.Artifact, error) {
	return f.compiler().Compile(name)
}

// Env

func (f *fixture) Modifier(name string, mask options.Mask) (expr.Func, bool) {
	return f.mods.ResolveModifier(name, mask.Has(options.DisableNativeFuncs))
}

func (f *fixture) Function(name string, mask options.Mask) (expr.Func, bool) {
	return f.mods.ResolveFunction(name, mask.Has(options.DisableNativeFuncs))
}

func (f *fixture) InlineFunction(name string) (artifact.InlineFunc, bool) {
	def, ok := f.actions.Resolve(name)
	if !ok || def.Kind != registry.InlineFunction {
		return nil, false
	}
	return def.Function, true
}

func (f *fixture) BlockFunction(name string) (artifact.BlockFunc, bool) {
	def, ok := f.actions.Resolve(name)
	if !ok || def.Kind != registry.BlockFunction {
		return nil, false
	}
	return def.BlockFunction, true
}

func (f *fixture) Global(string) (interface{}, bool) { return nil, false }

func (f *fixture) Include(_ context.Context, name string, _ options.Mask) (*artifact.Artifact, error) {
	return f.compile(name)
}

func (f *fixture) MacroLimit() int { return 8 }

func (f *fixture) render(name string, vars map[string]interface{}) string {
	f.t.Helper()
	a, err := f.compile(name)
	require.NoError(f.t, err)
	var buf bytes.Buffer
	require.NoError(f.t, a.Render(context.Background(), &buf, vars, f))
	return buf.String()
}

func renderOne(t *testing.T, src string, vars map[string]interface{}) string {
	t.Helper()
	return newFixture(t, map[string]string{"page": src}).render("page", vars)
}

func compileErr(t *testing.T, src string, mask options.Mask) error {
	t.Helper()
	f := newFixture(t, map[string]string{"page": src})
	f.mask = mask
	_, err := f.compile("page")
	require.Error(t, err)
	return err
}

func TestCompilePrintAndEscape(t *testing.T) {
	f := newFixture(t, map[string]string{
		"page": `<p>{$name}</p>{$html|raw}{raw $html}{$html|escape}`,
	})
	f.mask = options.Mask(options.AutoEscape)
	out := f.render("page", map[string]interface{}{"name": "A&B", "html": "<i>"})
	assert.Equal(t, "<p>A&amp;B</p><i><i>&lt;i&gt;", out)

	f.mask = 0
	out = f.render("page", map[string]interface{}{"name": "A&B", "html": "<i>"})
	assert.Equal(t, "<p>A&B</p><i><i>&lt;i&gt;", out)
}

func TestCompileControlFlow(t *testing.T) {
	tests := []struct {
		name string
		src  string
		vars map[string]interface{}
		want string
	}{
		{
			"if elseif else",
			`{if $n > 10}big{elseif $n > 5}medium{else}small{/if}`,
			map[string]interface{}{"n": 7},
			"medium",
		},
		{
			"foreach with key and loop vars",
			`{foreach $items as $k => $v index=$i first=$f last=$l}{if $f}[{/if}{$i}:{$k}={$v}{if !$l},{/if}{if $l}]{/if}{foreachelse}none{/foreach}`,
			map[string]interface{}{"items": map[string]interface{}{"b": 2, "a": 1}},
			"[0:a=1,1:b=2]",
		},
		{
			"foreachelse",
			`{foreach $items as $v}{$v}{foreachelse}none{/foreach}`,
			map[string]interface{}{"items": []interface{}{}},
			"none",
		},
		{
			"for with step",
			`{for $i=1 to=10 step=3}{$i} {forelse}none{/for}`,
			nil,
			"1 4 7 10 ",
		},
		{
			"forelse",
			`{for $i=1 to=$n}{$i}{forelse}none{/for}`,
			map[string]interface{}{"n": 0},
			"none",
		},
		{
			"while with assignment",
			`{var $i = 0}{while $i < 3}{$i}{$i = $i + 1}{/while}`,
			nil,
			"012",
		},
		{
			"switch",
			`{switch $t}{case 'a', 'b'}AB{case 'c'}C{break}X{default}D{/switch}`,
			map[string]interface{}{"t": "c"},
			"C",
		},
		{
			"switch default",
			`{switch $t}
  {case 'a'}A{default}D{/switch}`,
			map[string]interface{}{"t": "z"},
			"D",
		},
		{
			"floating break and continue",
			`{foreach [1, 2, 3, 4] as $i}{if $i == 2}{continue}{/if}{if $i == 4}{break}{/if}{$i}{/foreach}`,
			nil,
			"13",
		},
		{
			"continue through switch",
			`{foreach [1, 2, 3] as $i}{switch $i}{case 2}{continue}{/switch}{$i}{/foreach}`,
			nil,
			"13",
		},
		{
			"capture with modifiers",
			`{var $x|upper}hello {$who}{/var}{$x}`,
			map[string]interface{}{"who": "bob"},
			"HELLO BOB",
		},
		{
			"filter",
			`{filter|upper}ab{$n}{/filter}`,
			map[string]interface{}{"n": "c"},
			"ABC",
		},
		{
			"cycle",
			`{foreach [1, 2, 3] as $i}{cycle ["a", "b"]}{/foreach}`,
			nil,
			"aba",
		},
		{
			"nested assignment",
			`{$a.b = 5}{set $c = $a.b * 2}{$a.b}/{$c}`,
			nil,
			"5/10",
		},
		{
			"function call",
			`{count([1, 2, 3])}`,
			nil,
			"3",
		},
		{
			"comments and ignore",
			`a{* hidden *}b{ignore}{$x}{/ignore}`,
			nil,
			"ab{$x}",
		},
		{
			"css braces pass through",
			`p { color: {$c}; }`,
			map[string]interface{}{"c": "red"},
			"p { color: red; }",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, renderOne(t, tt.src, tt.vars))
		})
	}
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		mask options.Mask
		code string
	}{
		{"unknown tag", `{frobnicate}`, 0, qerrors.ErrCodeUnknownTag},
		{"break outside loop", `{break}`, 0, qerrors.ErrCodeFloatingTag},
		{"else outside if", `{else}`, 0, qerrors.ErrCodeFloatingTag},
		{"mismatched close", `{if 1}{/foreach}`, 0, qerrors.ErrCodeUnexpectedTag},
		{"stray close", `{/if}`, 0, qerrors.ErrCodeUnexpectedTag},
		{"elseif after else", `{if 1}{else}{elseif 2}{/if}`, 0, qerrors.ErrCodeUnexpectedTag},
		{"unknown modifier", `{$x|nosuch}`, 0, qerrors.ErrCodeUnknownModifier},
		{"method denied", `{$u->Name()}`, options.Mask(options.DisableMethods), qerrors.ErrCodeMethodDenied},
		{"accessor denied", `{$.version}`, options.Mask(options.DisableAccessor), qerrors.ErrCodeAccessorDenied},
		{"native function denied", `{exec()}`, options.Mask(options.DisableNativeFuncs), qerrors.ErrCodeUnknownFunction},
		{"undefined macro", `{macro.nothing}`, 0, qerrors.ErrCodeUndefinedMacro},
		{"macro not top level", `{if 1}{macro m()}{/macro}{/if}`, 0, qerrors.ErrCodeUnexpectedTag},
		{"duplicate block", `{block "a"}{/block}{block "a"}{/block}`, 0, qerrors.ErrCodeUnexpectedTag},
		{"content before case", `{switch 1}x{case 1}{/switch}`, 0, qerrors.ErrCodeUnexpectedTag},
		{"self insert", `{insert "page"}`, 0, qerrors.ErrCodeInheritanceCycle},
		{"dynamic extends", `{extends $layout}`, 0, qerrors.ErrCodeInvalidExpression},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := compileErr(t, tt.src, tt.mask)
			assert.True(t, qerrors.HasCode(err, tt.code), "got %v", err)
		})
	}
}

func TestCompileUnterminatedBlock(t *testing.T) {
	err := compileErr(t, "{if $cond}body", 0)

	assert.True(t, qerrors.IsSyntax(err))
	assert.True(t, qerrors.HasCode(err, qerrors.ErrCodeUnterminatedBlock))
	assert.Contains(t, err.Error(), "{if}")

	var e *qerrors.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, "if", e.Context["tag"])
	assert.Equal(t, "page", e.Template)
}

func TestCompileFloatingTagNamesOwners(t *testing.T) {
	err := compileErr(t, "{if 1}{break}{/if}", 0)
	assert.Contains(t, err.Error(), "foreach")
	assert.Contains(t, err.Error(), "switch")

	var e *qerrors.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, []string{"if"}, e.Scope)
}

func TestCompileLexErrorIsLocated(t *testing.T) {
	err := compileErr(t, "ok {$x", 0)
	assert.True(t, qerrors.IsLex(err))

	var e *qerrors.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, "page", e.Template)
}

func TestCompileErrorLocation(t *testing.T) {
	err := compileErr(t, "line1\n  {$x|nosuch}", 0)

	var e *qerrors.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, "page", e.Template)
	assert.Equal(t, 2, e.Line)
}

func TestUndefinedMacroInInsertedTemplate(t *testing.T) {
	f := newFixture(t, map[string]string{
		"page": `<{insert "part"}>`,
		"part": `a@@  {macro.nothing}`,
	})
	f.filters = []PreFilter{func(_, src string) (string, error) {
		return strings.ReplaceAll(src, "@@", "\n"), nil
	}}

	_, err := f.compile("page")
	require.True(t, qerrors.HasCode(err, qerrors.ErrCodeUndefinedMacro))

	var e *qerrors.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, "part", e.Template)
	assert.Equal(t, 2, e.Line)
	assert.Equal(t, 3, e.Column, "position is taken from the filtered source")
}

func TestFloatingPolicy(t *testing.T) {
	src := `{foreach [1, 2] as $i}{foreach [1, 2] as $j}{if true}{break}{/if}{/foreach}{$i}{/foreach}`

	f := newFixture(t, map[string]string{"page": src})
	assert.Equal(t, "12", f.render("page", nil))

	f.floating = registry.Outermost
	assert.Equal(t, "", f.render("page", nil))
}

func TestExtends(t *testing.T) {
	f := newFixture(t, map[string]string{
		"layout": `<html>{block "title"}Default{/block}|{block "content"}{/block}</html>`,
		"page":   `{extends "layout"}{var $name = "Bob"}ignored{block "content"}Hi {$name}{/block}{block "title"}T {parent}{/block}`,
	})

	assert.Equal(t, "<html>T Default|Hi Bob</html>", f.render("page", nil))

	a, err := f.compile("page")
	require.NoError(t, err)
	require.Len(t, a.Deps, 1)
	assert.Equal(t, "layout", a.Deps[0].Name)
}

func TestExtendsMultiLevel(t *testing.T) {
	f := newFixture(t, map[string]string{
		"base": `[{block "a"}base{/block}{block "b"}B{/block}]`,
		"mid":  `{extends "base"}{block "a"}mid+{parent}{/block}`,
		"page": `{extends "mid"}{block "a"}page+{parent}{/block}`,
	})

	assert.Equal(t, "[page+mid+baseB]", f.render("page", nil))

	a, err := f.compile("page")
	require.NoError(t, err)
	var names []string
	for _, d := range a.Deps {
		names = append(names, d.Name)
	}
	assert.ElementsMatch(t, []string{"mid", "base"}, names)
}

func TestExtendsCycle(t *testing.T) {
	f := newFixture(t, map[string]string{
		"a": `{extends "b"}`,
		"b": `{extends "a"}`,
	})
	_, err := f.compile("a")
	require.Error(t, err)
	assert.True(t, qerrors.HasCode(err, qerrors.ErrCodeInheritanceCycle))
}

func TestUse(t *testing.T) {
	f := newFixture(t, map[string]string{
		"blocks": `{block "footer"}used footer{/block}`,
		"layout": `{block "header"}H{/block}/{block "footer"}F{/block}`,
		"page":   `{extends "layout"}{use "blocks"}{block "header"}h{/block}`,
		"solo":   `{use "blocks"}[{block "footer"}local{/block}]`,
		"mine":   `{extends "layout"}{use "blocks"}{block "footer"}mine{/block}`,
	})

	assert.Equal(t, "h/used footer", f.render("page", nil))
	assert.Equal(t, "[local]", f.render("solo", nil), "a template's own block wins over a used one")
	assert.Equal(t, "H/mine", f.render("mine", nil))
}

func TestMacros(t *testing.T) {
	out := renderOne(t, `{macro greet(name, punct="!")}Hi {$name}{$punct}{/macro}{macro.greet name="A"} {macro.greet name=$b punct="?"}`,
		map[string]interface{}{"b": "B"})
	assert.Equal(t, "Hi A! Hi B?", out)
}

func TestMacroRecursionLimit(t *testing.T) {
	f := newFixture(t, map[string]string{
		"page": `{macro loop(n)}{macro.loop n=$n}{/macro}{macro.loop n=1}`,
	})
	a, err := f.compile("page")
	require.NoError(t, err)

	err = a.Render(context.Background(), &bytes.Buffer{}, nil, f)
	require.Error(t, err)
	assert.True(t, qerrors.HasCode(err, qerrors.ErrCodeMacroRecursion))
	assert.Contains(t, err.Error(), "macro recursion limit exceeded")
}

func TestImport(t *testing.T) {
	f := newFixture(t, map[string]string{
		"lib":     `{macro bold(text)}<b>{$text}</b>{/macro}{macro wrap(text)}[{macro.bold text=$text}]{/macro}`,
		"aliased": `{import "lib" as ui}{ui.wrap text="x"}`,
		"listed":  `{import [bold] from "lib"}{macro.bold text="y"}`,
		"missing": `{import [nope] from "lib"}`,
	})

	assert.Equal(t, "[<b>x</b>]", f.render("aliased", nil))
	assert.Equal(t, "<b>y</b>", f.render("listed", nil))

	a, err := f.compile("aliased")
	require.NoError(t, err)
	assert.Contains(t, a.Macros, "ui.bold")
	assert.Contains(t, a.Macros, "ui.wrap")
	require.Len(t, a.Deps, 1)
	assert.Equal(t, "lib", a.Deps[0].Name)

	_, err = f.compile("missing")
	assert.True(t, qerrors.HasCode(err, qerrors.ErrCodeUndefinedMacro))
}

func TestIncludeAndInsert(t *testing.T) {
	f := newFixture(t, map[string]string{
		"page":  `{include "child" greeting="hi"}|{include "nope"}|<{insert "part"}>`,
		"child": `{$greeting} {$name}`,
		"part":  `{$v}`,
	})

	out := f.render("page", map[string]interface{}{"name": "Bob", "v": 1})
	assert.Equal(t, "hi Bob||<1>", out)

	a, err := f.compile("page")
	require.NoError(t, err)
	var names []string
	for _, d := range a.Deps {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"child", "part"}, names)

	f.mask = options.Mask(options.ForceInclude)
	_, err = f.compile("page")
	require.Error(t, err)
	assert.True(t, qerrors.IsNotFound(err))
}

func TestAutoescapeRegion(t *testing.T) {
	f := newFixture(t, map[string]string{
		"page": `{autoescape false}{$h}{/autoescape}{$h}{autoescape true}{$h}{/autoescape}`,
	})
	f.mask = options.Mask(options.AutoEscape)
	assert.Equal(t, "<b>&lt;b&gt;&lt;b&gt;", f.render("page", map[string]interface{}{"h": "<b>"}))
}

func TestAutoTrim(t *testing.T) {
	src := "{var $a = 1}\n{var $b = 2}\nX"
	f := newFixture(t, map[string]string{"page": src})
	assert.Equal(t, "\n\nX", f.render("page", nil))

	f.mask = options.Mask(options.AutoTrim)
	assert.Equal(t, "\nX", f.render("page", nil))
}

func TestFunctionTags(t *testing.T) {
	f := newFixture(t, map[string]string{
		"page": `{greet who="x"} {wrap tag="em"}y{/wrap}`,
	})
	require.NoError(t, f.actions.Register("greet", &registry.TagDefinition{
		Kind: registry.InlineFunction,
		Function: func(params map[string]interface{}) (interface{}, error) {
			return "hi " + expr.ToString(params["who"]), nil
		},
	}))
	require.NoError(t, f.actions.Register("wrap", &registry.TagDefinition{
		Kind: registry.BlockFunction,
		BlockFunction: func(params map[string]interface{}, content string) (interface{}, error) {
			tag := expr.ToString(params["tag"])
			return "<" + tag + ">" + content + "</" + tag + ">", nil
		},
	}))

	assert.Equal(t, "hi x <em>y</em>", f.render("page", nil))
}

type shoutTag struct{}

func (shoutTag) Open(c registry.Compiler, t *registry.Tag) error {
	n := &artifact.Node{Op: artifact.OpFilter, Mods: []*expr.Node{{Kind: expr.KindModifier, Name: "upper"}}}
	c.Emit(n)
	t.Owner.Node = n
	return nil
}

func (shoutTag) Close(registry.Compiler, *registry.Tag) error { return nil }

func TestSmartBlockCompiler(t *testing.T) {
	f := newFixture(t, map[string]string{"page": `{shout}hey {$n}{/shout}!`})
	def, err := registry.SmartBlock("shout", shoutTag{}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, f.actions.Register("shout", def))

	assert.Equal(t, "HEY YOU!", f.render("page", map[string]interface{}{"n": "you"}))
}

func TestModifierFunctionTag(t *testing.T) {
	f := newFixture(t, map[string]string{"page": `{loud $n}`})
	require.NoError(t, f.actions.Register("loud", &registry.TagDefinition{
		Kind: registry.ModifierFunction,
		Modifier: func(args ...interface{}) (interface{}, error) {
			return strings.ToUpper(expr.ToString(args[0])) + "!", nil
		},
	}))
	f.mods.AddModifier("loud", func(args ...interface{}) (interface{}, error) {
		return strings.ToUpper(expr.ToString(args[0])) + "!", nil
	})

	assert.Equal(t, "HEY!", f.render("page", map[string]interface{}{"n": "hey"}))
}

func TestPreFilters(t *testing.T) {
	f := newFixture(t, map[string]string{"page": `Hello NAME`})
	f.filters = []PreFilter{func(_, src string) (string, error) {
		return strings.ReplaceAll(src, "NAME", "{$name}"), nil
	}}
	assert.Equal(t, "Hello Ann", f.render("page", map[string]interface{}{"name": "Ann"}))
}

func TestForceVerify(t *testing.T) {
	f := newFixture(t, map[string]string{
		"page": `{macro m()}m{/macro}{foreach [1] as $i}{macro.m}{break}{/foreach}`,
	})
	f.mask = options.Mask(options.ForceVerify)
	assert.Equal(t, "m", f.render("page", nil))
}

func TestCompileSource(t *testing.T) {
	f := newFixture(t, map[string]string{"layout": `<{block "b"}{/block}>`})
	a, err := f.compiler().CompileSource("inline", `{extends "layout"}{block "b"}x{/block}`, 0)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, a.Render(context.Background(), &buf, nil, f))
	assert.Equal(t, "<x>", buf.String())
}
