package registry

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/conneroisu/quill/internal/expr"
)

// ModifierLoader resolves modifier names missing from the registry.
type ModifierLoader func(name string) (expr.Func, bool)

// ModifierRegistry holds modifiers and host functions. Host functions are
// the native callables; when native calls are denied only allow-listed ones
// resolve.
type ModifierRegistry struct {
	modifiers map[string]expr.Func
	host      map[string]expr.Func
	allowed   map[string]bool
	loader    ModifierLoader
	mutex     sync.RWMutex
	version   atomic.Uint64
}

// NewModifierRegistry creates an empty registry.
func NewModifierRegistry() *ModifierRegistry {
	return &ModifierRegistry{
		modifiers: make(map[string]expr.Func),
		host:      make(map[string]expr.Func),
		allowed:   make(map[string]bool),
	}
}

// AddModifier adds or replaces a modifier.
func (r *ModifierRegistry) AddModifier(name string, fn expr.Func) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.modifiers[name] = fn
	r.version.Add(1)
}

// AddHostFunction adds or replaces a host function.
func (r *ModifierRegistry) AddHostFunction(name string, fn expr.Func) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.host[name] = fn
	r.version.Add(1)
}

// Allow adds names to the allow-list consulted when native calls are denied.
func (r *ModifierRegistry) Allow(names ...string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	for _, name := range names {
		r.allowed[name] = true
	}
	r.version.Add(1)
}

// Allowed reports whether name is on the allow-list.
func (r *ModifierRegistry) Allowed(name string) bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return r.allowed[name]
}

// SetLoader installs the fallback resolver.
func (r *ModifierRegistry) SetLoader(loader ModifierLoader) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.loader = loader
	r.version.Add(1)
}

func (r *ModifierRegistry) hostFunc(name string, denyNative bool) (expr.Func, bool) {
	fn, ok := r.host[name]
	if !ok {
		return nil, false
	}
	if denyNative && !r.allowed[name] {
		return nil, false
	}
	return fn, true
}

// ResolveModifier looks name up among modifiers, then host functions, then
// the loader.
func (r *ModifierRegistry) ResolveModifier(name string, denyNative bool) (expr.Func, bool) {
	r.mutex.RLock()
	if fn, ok := r.modifiers[name]; ok {
		r.mutex.RUnlock()
		return fn, true
	}
	fn, ok := r.hostFunc(name, denyNative)
	loader := r.loader
	r.mutex.RUnlock()

	if ok {
		return fn, true
	}
	if loader != nil {
		return loader(name)
	}
	return nil, false
}

// ResolveFunction looks name up for a call expression: host functions
// first, then modifiers.
func (r *ModifierRegistry) ResolveFunction(name string, denyNative bool) (expr.Func, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	if fn, ok := r.hostFunc(name, denyNative); ok {
		return fn, true
	}
	fn, ok := r.modifiers[name]
	return fn, ok
}

// Modifiers returns the registered modifier names, sorted.
func (r *ModifierRegistry) Modifiers() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return sortedKeys(r.modifiers)
}

// HostFunctions returns the registered host function names, sorted.
func (r *ModifierRegistry) HostFunctions() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return sortedKeys(r.host)
}

// Version increases on every change.
func (r *ModifierRegistry) Version() uint64 {
	return r.version.Load()
}

func sortedKeys(m map[string]expr.Func) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
