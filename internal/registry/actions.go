package registry

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	qerrors "github.com/conneroisu/quill/internal/errors"
)

// TagLoader resolves tag names missing from the registry.
type TagLoader func(name string) (*TagDefinition, bool)

// ActionRegistry maps tag names to definitions.
type ActionRegistry struct {
	tags    map[string]*TagDefinition
	loader  TagLoader
	mutex   sync.RWMutex
	version atomic.Uint64
}

// NewActionRegistry creates an empty registry.
func NewActionRegistry() *ActionRegistry {
	return &ActionRegistry{
		tags: make(map[string]*TagDefinition),
	}
}

// Register adds or replaces the definition for name.
func (r *ActionRegistry) Register(name string, def *TagDefinition) error {
	if err := validate(name, def); err != nil {
		return err
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.tags[name] = def
	r.version.Add(1)
	return nil
}

func validate(name string, def *TagDefinition) error {
	fail := func(format string, args ...interface{}) error {
		return qerrors.NewConfigError(qerrors.ErrCodeRegistration, fmt.Sprintf(format, args...)).
			WithContext("tag", name)
	}
	if name == "" {
		return fail("tag name is empty")
	}
	if def == nil {
		return fail("tag %s has no definition", name)
	}

	switch def.Kind {
	case InlineCompiler:
		if def.Parser == nil {
			return fail("inline tag %s has no parser", name)
		}
	case BlockCompiler:
		if def.Open == nil {
			return fail("block tag %s has no open parser", name)
		}
	case InlineFunction:
		if def.Function == nil {
			return fail("function tag %s has no callback", name)
		}
	case BlockFunction:
		if def.BlockFunction == nil {
			return fail("block function tag %s has no callback", name)
		}
	case ModifierFunction:
		if def.Modifier == nil {
			return fail("modifier tag %s has no callback", name)
		}
	default:
		return fail("tag %s has unknown kind %d", name, def.Kind)
	}

	for tag := range def.Floating {
		if !def.Declares(tag) {
			return fail("floating tag %s is not nested in %s", tag, name)
		}
	}
	return nil
}

// Resolve returns the definition for name, asking the loader when the
// registry has none.
func (r *ActionRegistry) Resolve(name string) (*TagDefinition, bool) {
	r.mutex.RLock()
	def, ok := r.tags[name]
	loader := r.loader
	r.mutex.RUnlock()

	if ok {
		return def, true
	}
	if loader != nil {
		return loader(name)
	}
	return nil, false
}

// SetLoader installs the fallback resolver.
func (r *ActionRegistry) SetLoader(loader TagLoader) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.loader = loader
	r.version.Add(1)
}

// Remove drops name from the registry.
func (r *ActionRegistry) Remove(name string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, ok := r.tags[name]; ok {
		delete(r.tags, name)
		r.version.Add(1)
	}
}

// Owners returns every registered tag that declares tag as nested, sorted.
func (r *ActionRegistry) Owners(tag string) []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	var owners []string
	for name, def := range r.tags {
		if def.Declares(tag) {
			owners = append(owners, name)
		}
	}
	sort.Strings(owners)
	return owners
}

// Names returns every registered tag name, sorted.
func (r *ActionRegistry) Names() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	names := make([]string, 0, len(r.tags))
	for name := range r.tags {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered tags.
func (r *ActionRegistry) Count() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return len(r.tags)
}

// Version increases on every change; compiled artifacts built under an
// older version may be stale.
func (r *ActionRegistry) Version() uint64 {
	return r.version.Load()
}
