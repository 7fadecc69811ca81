package engine

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/conneroisu/quill/internal/artifact"
	"github.com/conneroisu/quill/internal/cache"
	"github.com/conneroisu/quill/internal/compiler"
	qerrors "github.com/conneroisu/quill/internal/errors"
	"github.com/conneroisu/quill/internal/expr"
	"github.com/conneroisu/quill/internal/options"
	"github.com/conneroisu/quill/internal/registry"
)

// GetTemplate returns the artifact for name compiled under the engine
// options plus extra. Lookups go through the in-memory table, then the
// compile directory, and compile on a miss. With auto_reload set a cached
// artifact is reused only while its source and dependencies are
// unchanged; force_compile skips both caches.
func (e *Engine) GetTemplate(name string, extra options.Mask) (*artifact.Artifact, error) {
	return e.get(name, e.Options()|extra)
}

func (e *Engine) get(name string, mask options.Mask) (*artifact.Artifact, error) {
	e.syncRegistries()

	if mask.Has(options.ForceCompile) {
		return e.compile(name, mask, !mask.Has(options.DisableCache), false)
	}

	key := artifact.Key(name, mask)
	if a, ok := e.table.Get(key); ok {
		if !mask.Has(options.AutoReload) || a.Valid(e.providers) {
			return a, nil
		}
		e.logger.Debug(context.Background(), "Template changed, recompiling", "template", name)
		e.table.Delete(key)
		return e.compile(name, mask, !mask.Has(options.DisableCache), true)
	}

	if a, err := e.loadStored(name, mask); err != nil {
		return nil, err
	} else if a != nil {
		e.table.Set(a)
		return a, nil
	}
	return e.compile(name, mask, !mask.Has(options.DisableCache), true)
}

// loadStored reads a stored artifact. Artifacts compiled under other tag
// or modifier registrations, or invalid under auto_reload, count as misses.
func (e *Engine) loadStored(name string, mask options.Mask) (*artifact.Artifact, error) {
	store := e.currentStore()
	if store == nil || mask.Has(options.DisableCache) {
		return nil, nil
	}
	a, err := store.Load(name, mask)
	if err != nil {
		if e.cfg.BestEffortCache {
			e.logger.Warn(context.Background(), err, "Ignoring unreadable compiled template", "template", name)
			return nil, nil
		}
		return nil, qerrors.Located(err, name)
	}
	if a == nil {
		return nil, nil
	}
	if a.Registry != e.registryVersion() {
		e.logger.Debug(context.Background(), "Compiled template predates registry changes", "template", name)
		return nil, nil
	}
	if mask.Has(options.AutoReload) && !a.Valid(e.providers) {
		return nil, nil
	}
	return a, nil
}

// Compile compiles name under the engine options plus extra, bypassing
// both caches. With store set the result is written to the compile
// directory unless disable_cache is on. The result always replaces the
// in-memory entry.
func (e *Engine) Compile(name string, store bool, extra options.Mask) (*artifact.Artifact, error) {
	e.syncRegistries()
	mask := e.Options() | extra
	return e.compile(name, mask, store && !mask.Has(options.DisableCache), true)
}

func (e *Engine) compile(name string, mask options.Mask, persist, keep bool) (*artifact.Artifact, error) {
	start := time.Now()
	reg := e.registryVersion()
	a, err := e.compiler(mask).Compile(name)
	if err != nil {
		e.logger.Debug(context.Background(), "Compilation failed", "template", name, "error", err)
		return nil, err
	}
	a.Registry = reg
	if err := e.finish(a); err != nil {
		return nil, err
	}
	e.logger.Debug(context.Background(), "Compiled template",
		"template", name, "mask", mask.Hex(), "deps", len(a.Deps), "duration", time.Since(start))

	if persist {
		if err := e.persist(a); err != nil {
			return nil, err
		}
	}
	if keep {
		e.table.Set(a)
	}
	return a, nil
}

// CompileCode compiles inline source under the engine options. name is
// used in error messages; templates it extends or includes are loaded
// through the providers. The artifact is not cached.
func (e *Engine) CompileCode(code, name string) (*artifact.Artifact, error) {
	e.syncRegistries()
	if name == "" {
		name = "runtime template"
	}
	reg := e.registryVersion()
	a, err := e.compiler(e.Options()).CompileSource(name, code, 0)
	if err != nil {
		return nil, err
	}
	a.Registry = reg
	if err := e.finish(a); err != nil {
		return nil, err
	}
	return a, nil
}

func (e *Engine) compiler(mask options.Mask) *compiler.Compiler {
	e.mutex.RLock()
	pre := append([]compiler.PreFilter(nil), e.pre...)
	e.mutex.RUnlock()

	return compiler.New(compiler.Config{
		Actions:    e.actions,
		Modifiers:  e.mods,
		Loader:     e.providers,
		Mask:       mask,
		Delimiters: e.cfg.Delimiters,
		MaxDepth:   e.cfg.MaxDepth,
		Floating:   e.cfg.Floating,
		PreFilters: pre,
	})
}

// finish runs the post-filters.
func (e *Engine) finish(a *artifact.Artifact) error {
	e.mutex.RLock()
	post := append([]PostFilter(nil), e.post...)
	e.mutex.RUnlock()

	for _, f := range post {
		if err := f(a); err != nil {
			return qerrors.Located(
				qerrors.Wrap(err, qerrors.ErrorTypeSyntax, qerrors.ErrCodeVerifyFailed, "post-filter rejected template"),
				a.Name,
			)
		}
	}
	e.compiles.Add(1)
	return nil
}

func (e *Engine) persist(a *artifact.Artifact) error {
	store := e.currentStore()
	if store == nil {
		return nil
	}
	if err := store.Save(a); err != nil {
		if e.cfg.BestEffortCache {
			e.logger.Warn(context.Background(), err, "Failed to store compiled template", "template", a.Name)
			return nil
		}
		return qerrors.Located(err, a.Name)
	}
	e.logger.Debug(context.Background(), "Stored compiled template", "template", a.Name, "file", cache.FileName(a.Name, a.Mask))
	return nil
}

func (e *Engine) currentStore() *cache.Store {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.store
}

// Display renders name to w.
func (e *Engine) Display(ctx context.Context, w io.Writer, name string, vars map[string]interface{}) error {
	a, err := e.GetTemplate(name, 0)
	if err != nil {
		return err
	}
	return a.Render(ctx, w, vars, e)
}

// Fetch renders name and returns the output.
func (e *Engine) Fetch(ctx context.Context, name string, vars map[string]interface{}) (string, error) {
	var buf bytes.Buffer
	if err := e.Display(ctx, &buf, name, vars); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Pipe renders name and hands the output to sink in chunks of at least
// chunk bytes; the last chunk may be shorter. chunk <= 0 delivers the
// whole output at once.
func (e *Engine) Pipe(ctx context.Context, name string, vars map[string]interface{}, sink func(chunk []byte) error, chunk int) error {
	a, err := e.GetTemplate(name, 0)
	if err != nil {
		return err
	}
	w := &chunkWriter{sink: sink, size: chunk}
	if err := a.Render(ctx, w, vars, e); err != nil {
		return err
	}
	return w.flush()
}

type chunkWriter struct {
	sink func([]byte) error
	size int
	buf  []byte
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	if w.size > 0 && len(w.buf) >= w.size {
		if err := w.flush(); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func (w *chunkWriter) flush() error {
	if len(w.buf) == 0 {
		return nil
	}
	out := w.buf
	w.buf = nil
	return w.sink(out)
}

// artifact.Env

// Modifier resolves a modifier, falling back to modifier function tags.
func (e *Engine) Modifier(name string, mask options.Mask) (expr.Func, bool) {
	if fn, ok := e.mods.ResolveModifier(name, mask.Has(options.DisableNativeFuncs)); ok {
		return fn, true
	}
	if def, ok := e.actions.Resolve(name); ok && def.Kind == registry.ModifierFunction {
		return def.Modifier, true
	}
	return nil, false
}

// Function resolves a function called from an expression.
func (e *Engine) Function(name string, mask options.Mask) (expr.Func, bool) {
	return e.mods.ResolveFunction(name, mask.Has(options.DisableNativeFuncs))
}

// InlineFunction resolves an inline function tag.
func (e *Engine) InlineFunction(name string) (artifact.InlineFunc, bool) {
	def, ok := e.actions.Resolve(name)
	if !ok || def.Kind != registry.InlineFunction || def.Function == nil {
		return nil, false
	}
	return def.Function, true
}

// BlockFunction resolves a block function tag.
func (e *Engine) BlockFunction(name string) (artifact.BlockFunc, bool) {
	def, ok := e.actions.Resolve(name)
	if !ok || def.Kind != registry.BlockFunction || def.BlockFunction == nil {
		return nil, false
	}
	return def.BlockFunction, true
}

// Global serves $.name: the engine version, the process environment and
// values set with SetGlobal.
func (e *Engine) Global(name string) (interface{}, bool) {
	switch name {
	case "version":
		return Version, true
	case "env":
		env := make(map[string]interface{})
		for _, kv := range os.Environ() {
			if k, v, ok := strings.Cut(kv, "="); ok {
				env[k] = v
			}
		}
		return env, true
	}
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	v, ok := e.globals[name]
	return v, ok
}

// Include returns the artifact for an included template.
func (e *Engine) Include(_ context.Context, name string, mask options.Mask) (*artifact.Artifact, error) {
	return e.get(name, mask)
}

// MacroLimit bounds macro nesting.
func (e *Engine) MacroLimit() int {
	return e.cfg.MacroLimit
}
