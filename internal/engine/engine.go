// Package engine is the facade over the template pipeline. An Engine owns
// the option mask, the registries, the providers and the artifact caches,
// and turns template names into compiled artifacts ready to render.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/conneroisu/quill/internal/artifact"
	"github.com/conneroisu/quill/internal/cache"
	"github.com/conneroisu/quill/internal/compiler"
	qerrors "github.com/conneroisu/quill/internal/errors"
	"github.com/conneroisu/quill/internal/expr"
	"github.com/conneroisu/quill/internal/lexer"
	"github.com/conneroisu/quill/internal/logging"
	"github.com/conneroisu/quill/internal/modifiers"
	"github.com/conneroisu/quill/internal/options"
	"github.com/conneroisu/quill/internal/provider"
	"github.com/conneroisu/quill/internal/registry"
)

// Version is reported to templates as $.version.
var Version = "0.1.0"

// DefaultMacroLimit bounds nested macro calls during rendering.
const DefaultMacroLimit = 32

// PostFilter inspects or rewrites a freshly compiled artifact before it is
// cached.
type PostFilter func(a *artifact.Artifact) error

// Config configures an Engine.
type Config struct {
	// Provider serves template names without a scheme.
	Provider provider.Provider
	// CompileDir is where compiled artifacts are stored. Empty keeps
	// artifacts in memory only.
	CompileDir string
	Options    options.Mask
	Delimiters lexer.Delimiters
	// MacroLimit bounds macro nesting at render time.
	MacroLimit int
	// MaxDepth bounds extends/import/insert chains.
	MaxDepth int
	Floating registry.FloatingPolicy
	// TableSize is the in-process artifact table capacity.
	TableSize int
	// BestEffortCache logs cache I/O failures instead of returning them.
	BestEffortCache bool
	Globals         map[string]interface{}
	Logger          logging.Logger
	// NoBuiltins skips the default tags, modifiers and host functions.
	NoBuiltins bool
}

// Engine compiles, caches and renders templates. It is safe for concurrent
// use.
type Engine struct {
	cfg    Config
	logger logging.Logger

	mutex   sync.RWMutex
	mask    options.Mask
	store   *cache.Store
	pre     []compiler.PreFilter
	post    []PostFilter
	globals map[string]interface{}

	providers *provider.Set
	actions   *registry.ActionRegistry
	mods      *registry.ModifierRegistry
	table     *cache.Table

	// seen is the registry version the table was filled under.
	seen     atomic.Uint64
	compiles atomic.Int64
}

// New creates an engine. A compile directory, when configured, must exist
// and be writable.
func New(cfg Config) (*Engine, error) {
	if !cfg.Options.Valid() {
		return nil, qerrors.NewConfigError(qerrors.ErrCodeUnknownOption,
			fmt.Sprintf("option mask 0x%s has unknown bits", cfg.Options.Hex()))
	}
	if cfg.MacroLimit <= 0 {
		cfg.MacroLimit = DefaultMacroLimit
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = compiler.DefaultMaxDepth
	}
	if cfg.TableSize == 0 {
		cfg.TableSize = cache.DefaultCapacity
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	e := &Engine{
		cfg:       cfg,
		logger:    logger.WithComponent("engine"),
		mask:      cfg.Options,
		globals:   make(map[string]interface{}),
		providers: provider.NewSet(cfg.Provider),
		actions:   registry.NewActionRegistry(),
		mods:      registry.NewModifierRegistry(),
		table:     cache.NewTable(cfg.TableSize),
	}
	for k, v := range cfg.Globals {
		e.globals[k] = v
	}

	if !cfg.NoBuiltins {
		if err := compiler.RegisterBuiltins(e.actions); err != nil {
			return nil, err
		}
		modifiers.Register(e.mods)
	}

	if cfg.CompileDir != "" {
		if err := e.SetCompileDir(cfg.CompileDir); err != nil {
			return nil, err
		}
	}
	e.seen.Store(e.registryVersion())
	return e, nil
}

// SetCompileDir switches the on-disk store to dir after checking that it
// is writable. The in-memory table is flushed.
func (e *Engine) SetCompileDir(dir string) error {
	if err := cache.Probe(dir); err != nil {
		return err
	}
	e.mutex.Lock()
	e.store = cache.NewStore(dir)
	e.mutex.Unlock()
	e.Flush()
	return nil
}

// CompileDir returns the store directory, or "" without one.
func (e *Engine) CompileDir() string {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	if e.store == nil {
		return ""
	}
	return e.store.Dir()
}

// SetOptions replaces the option mask.
func (e *Engine) SetOptions(mask options.Mask) error {
	if !mask.Valid() {
		return qerrors.NewConfigError(qerrors.ErrCodeUnknownOption,
			fmt.Sprintf("option mask 0x%s has unknown bits", mask.Hex()))
	}
	e.mutex.Lock()
	changed := e.mask != mask
	e.mask = mask
	e.mutex.Unlock()
	if changed {
		e.Flush()
	}
	return nil
}

// MergeOptions sets flags mapped to true and clears flags mapped to false.
// An unknown flag name fails without changing anything.
func (e *Engine) MergeOptions(set map[string]bool) error {
	e.mutex.Lock()
	merged, err := e.mask.Merge(set)
	if err != nil {
		e.mutex.Unlock()
		return err
	}
	changed := e.mask != merged
	e.mask = merged
	e.mutex.Unlock()
	if changed {
		e.Flush()
	}
	return nil
}

// Options returns the current option mask.
func (e *Engine) Options() options.Mask {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.mask
}

// AddModifier registers a modifier.
func (e *Engine) AddModifier(name string, fn expr.Func) {
	e.mods.AddModifier(name, fn)
}

// AddHostFunction registers a host function callable from expressions.
func (e *Engine) AddHostFunction(name string, fn expr.Func) {
	e.mods.AddHostFunction(name, fn)
}

// AddAllowedFunctions extends the host functions allowed under
// disable_native_funcs.
func (e *Engine) AddAllowedFunctions(names ...string) {
	e.mods.Allow(names...)
}

// AddCompiler registers an inline tag compiled by parser.
func (e *Engine) AddCompiler(name string, parser registry.Parser) error {
	return e.actions.Register(name, &registry.TagDefinition{Kind: registry.InlineCompiler, Parser: parser})
}

// AddBlockCompiler registers a block tag. close may be nil. Every floating
// tag must appear in nested.
func (e *Engine) AddBlockCompiler(name string, open, close registry.Parser, nested map[string]registry.Parser, floating []string) error {
	def := &registry.TagDefinition{
		Kind:   registry.BlockCompiler,
		Open:   open,
		Close:  close,
		Nested: nested,
	}
	if len(floating) > 0 {
		def.Floating = make(map[string]bool, len(floating))
		for _, f := range floating {
			def.Floating[f] = true
		}
	}
	return e.actions.Register(name, def)
}

// AddCompilerSmart registers an inline tag implemented by a value with a
// Compile method.
func (e *Engine) AddCompilerSmart(name string, impl interface{}) error {
	def, err := registry.SmartInline(name, impl)
	if err != nil {
		return err
	}
	return e.actions.Register(name, def)
}

// AddBlockCompilerSmart registers a block tag implemented by a value with
// Open and Close methods, and Nested when nested tags are listed.
func (e *Engine) AddBlockCompilerSmart(name string, impl interface{}, nested, floating []string) error {
	def, err := registry.SmartBlock(name, impl, nested, floating)
	if err != nil {
		return err
	}
	return e.actions.Register(name, def)
}

// AddFunction registers an inline function tag: {name k=v ...}.
func (e *Engine) AddFunction(name string, fn artifact.InlineFunc) error {
	return e.actions.Register(name, &registry.TagDefinition{Kind: registry.InlineFunction, Function: fn})
}

// AddBlockFunction registers a block function tag receiving its rendered
// body: {name k=v}...{/name}.
func (e *Engine) AddBlockFunction(name string, fn artifact.BlockFunc) error {
	return e.actions.Register(name, &registry.TagDefinition{Kind: registry.BlockFunction, BlockFunction: fn})
}

// AddModifierFunction registers a tag printing its argument through fn:
// {name expr}.
func (e *Engine) AddModifierFunction(name string, fn expr.Func) error {
	return e.actions.Register(name, &registry.TagDefinition{Kind: registry.ModifierFunction, Modifier: fn})
}

// SetTagLoader installs a fallback for unregistered tag names.
func (e *Engine) SetTagLoader(loader registry.TagLoader) {
	e.actions.SetLoader(loader)
}

// SetModifierLoader installs a fallback for unregistered modifiers.
func (e *Engine) SetModifierLoader(loader registry.ModifierLoader) {
	e.mods.SetLoader(loader)
}

// Tags lists the registered tag names.
func (e *Engine) Tags() []string {
	return e.actions.Names()
}

// Modifiers lists the registered modifier names.
func (e *Engine) Modifiers() []string {
	return e.mods.Modifiers()
}

// AddProvider registers p for "scheme:name" templates.
func (e *Engine) AddProvider(scheme string, p provider.Provider) {
	e.providers.Add(scheme, p)
}

// Provider returns the provider for scheme; "" is the default provider.
func (e *Engine) Provider(scheme string) (provider.Provider, error) {
	return e.providers.Get(scheme)
}

// SetProvider replaces the default provider and flushes the table.
func (e *Engine) SetProvider(p provider.Provider) {
	e.providers.SetDefault(p)
	e.Flush()
}

// TemplateExists reports whether name resolves to a template.
func (e *Engine) TemplateExists(name string) bool {
	return e.providers.Exists(name)
}

// AddPreFilter adds a source rewrite applied before lexing.
func (e *Engine) AddPreFilter(f compiler.PreFilter) {
	e.mutex.Lock()
	e.pre = append(e.pre, f)
	e.mutex.Unlock()
	e.Flush()
}

// AddPostFilter adds a hook run on every compiled artifact.
func (e *Engine) AddPostFilter(f PostFilter) {
	e.mutex.Lock()
	e.post = append(e.post, f)
	e.mutex.Unlock()
	e.Flush()
}

// SetGlobal exposes v to templates as $.name.
func (e *Engine) SetGlobal(name string, v interface{}) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.globals[name] = v
}

// Flush drops every artifact from the in-memory table. Stored files are
// kept.
func (e *Engine) Flush() {
	e.table.Clear()
}

// Invalidate drops artifacts of the named templates and of every template
// depending on them, in memory and on disk. It returns how many artifacts
// were dropped.
func (e *Engine) Invalidate(names ...string) int {
	if len(names) == 0 {
		return 0
	}
	hit := make(map[string]bool, len(names))
	for _, n := range names {
		hit[n] = true
	}

	var dropped []*artifact.Artifact
	e.table.DeleteFunc(func(a *artifact.Artifact) bool {
		if hit[a.Name] {
			dropped = append(dropped, a)
			return true
		}
		for _, d := range a.Deps {
			if hit[d.Name] {
				dropped = append(dropped, a)
				return true
			}
		}
		return false
	})

	e.mutex.RLock()
	store, mask := e.store, e.mask
	e.mutex.RUnlock()
	if store != nil {
		for _, a := range dropped {
			if err := store.Remove(a.Name, a.Mask); err != nil {
				e.logger.Warn(context.Background(), err, "Failed to remove stale artifact", "template", a.Name)
			}
		}
		for n := range hit {
			if err := store.Remove(n, mask); err != nil {
				e.logger.Warn(context.Background(), err, "Failed to remove stale artifact", "template", n)
			}
		}
	}
	e.logger.Debug(context.Background(), "Invalidated templates", "names", names, "dropped", len(dropped))
	return len(dropped)
}

// ClearAllCompiles removes every stored artifact file and flushes the
// table. It returns how many files were removed.
func (e *Engine) ClearAllCompiles() (int, error) {
	e.Flush()
	e.mutex.RLock()
	store := e.store
	e.mutex.RUnlock()
	if store == nil {
		return 0, nil
	}
	return store.Clear()
}

// Stats describes the engine's caches.
type Stats struct {
	Table      cache.Stats `json:"table" yaml:"table"`
	Compiles   int64       `json:"compiles" yaml:"compiles"`
	StoreFiles int         `json:"store_files" yaml:"store_files"`
	CompileDir string      `json:"compile_dir,omitempty" yaml:"compile_dir,omitempty"`
	Options    string      `json:"options" yaml:"options"`
	Tags       int         `json:"tags" yaml:"tags"`
}

// Stats returns cache and compilation counters.
func (e *Engine) Stats() Stats {
	s := Stats{
		Table:    e.table.Stats(),
		Compiles: e.compiles.Load(),
		Options:  e.Options().String(),
		Tags:     e.actions.Count(),
	}
	e.mutex.RLock()
	store := e.store
	e.mutex.RUnlock()
	if store != nil {
		s.CompileDir = store.Dir()
		if files, err := store.Files(); err == nil {
			s.StoreFiles = len(files)
		}
	}
	return s
}

func (e *Engine) registryVersion() uint64 {
	return e.actions.Version() + e.mods.Version()
}

// syncRegistries flushes the table when a tag or modifier was registered
// since it was filled.
func (e *Engine) syncRegistries() {
	v := e.registryVersion()
	if old := e.seen.Load(); old != v && e.seen.CompareAndSwap(old, v) {
		e.logger.Debug(context.Background(), "Registries changed, flushing compiled templates")
		e.Flush()
	}
}
