package provider

import (
	"sort"
	"sync"

	qerrors "github.com/conneroisu/quill/internal/errors"
)

type memoryEntry struct {
	source  string
	version Freshness
}

// MemoryProvider holds templates in memory. Every Set bumps a global version
// counter, which serves as the freshness token.
type MemoryProvider struct {
	mu        sync.RWMutex
	templates map[string]memoryEntry
	clock     Freshness
}

// NewMemoryProvider creates a provider preloaded with templates.
func NewMemoryProvider(templates map[string]string) *MemoryProvider {
	p := &MemoryProvider{templates: make(map[string]memoryEntry)}
	names := make([]string, 0, len(templates))
	for name := range templates {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p.Set(name, templates[name])
	}
	return p
}

// Set stores or replaces a template.
func (p *MemoryProvider) Set(name, source string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clock++
	p.templates[name] = memoryEntry{source: source, version: p.clock}
}

// Remove deletes a template.
func (p *MemoryProvider) Remove(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.templates, name)
}

// Exists reports whether name is stored.
func (p *MemoryProvider) Exists(name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.templates[name]
	return ok
}

// Source returns the stored template.
func (p *MemoryProvider) Source(name string) (string, Freshness, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.templates[name]
	if !ok {
		return "", 0, qerrors.ErrTemplateNotFound(name)
	}
	return e.source, e.version, nil
}

// Freshness returns the version of name.
func (p *MemoryProvider) Freshness(name string) (Freshness, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.templates[name]
	if !ok {
		return 0, qerrors.ErrTemplateNotFound(name)
	}
	return e.version, nil
}

// List returns the stored names in sorted order.
func (p *MemoryProvider) List() ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.templates))
	for name := range p.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
