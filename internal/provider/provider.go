// Package provider resolves template names to source text.
//
// A Provider knows whether a template exists, returns its source together
// with a freshness token, and can report the current token without reading
// the source. Tokens are opaque; equality is the only meaningful comparison.
package provider

import (
	"strings"
	"sync"

	qerrors "github.com/conneroisu/quill/internal/errors"
)

// Freshness is an opaque token that changes whenever a template's source
// changes: a modification time for files, a version counter for memory.
type Freshness int64

// Provider is the template source contract.
type Provider interface {
	Exists(name string) bool
	Source(name string) (string, Freshness, error)
	Freshness(name string) (Freshness, error)
}

// Lister is implemented by providers that can enumerate their templates.
type Lister interface {
	List() ([]string, error)
}

// Set routes "scheme:name" references to the provider registered for the
// scheme. Names without a scheme go to the default provider.
type Set struct {
	mu       sync.RWMutex
	fallback Provider
	schemes  map[string]Provider
}

// NewSet creates a Set whose unqualified names resolve through def.
func NewSet(def Provider) *Set {
	return &Set{
		fallback: def,
		schemes:  make(map[string]Provider),
	}
}

// Add registers p under scheme, replacing any previous provider.
func (s *Set) Add(scheme string, p Provider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schemes[scheme] = p
}

// SetDefault replaces the provider used for unqualified names.
func (s *Set) SetDefault(p Provider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback = p
}

// Get returns the provider registered under scheme. The empty scheme is the
// default provider.
func (s *Set) Get(scheme string) (Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if scheme == "" {
		if s.fallback == nil {
			return nil, qerrors.NewConfigError(qerrors.ErrCodeUnknownScheme, "no default template provider configured")
		}
		return s.fallback, nil
	}
	p, ok := s.schemes[scheme]
	if !ok {
		return nil, qerrors.NewConfigError(qerrors.ErrCodeUnknownScheme, "unknown template provider scheme: "+scheme)
	}
	return p, nil
}

// Schemes returns the registered scheme names.
func (s *Set) Schemes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.schemes))
	for k := range s.schemes {
		out = append(out, k)
	}
	return out
}

// Split separates "scheme:name" into its parts. A single-letter scheme is
// treated as a Windows drive and left in the name.
func Split(ref string) (scheme, name string) {
	i := strings.IndexByte(ref, ':')
	if i <= 1 {
		return "", ref
	}
	return ref[:i], ref[i+1:]
}

// Resolve returns the provider and provider-local name for ref.
func (s *Set) Resolve(ref string) (Provider, string, error) {
	scheme, name := Split(ref)
	p, err := s.Get(scheme)
	if err != nil {
		return nil, "", err
	}
	return p, name, nil
}

// Exists reports whether ref names an existing template.
func (s *Set) Exists(ref string) bool {
	p, name, err := s.Resolve(ref)
	if err != nil {
		return false
	}
	return p.Exists(name)
}

// Source reads ref through its provider.
func (s *Set) Source(ref string) (string, Freshness, error) {
	p, name, err := s.Resolve(ref)
	if err != nil {
		return "", 0, err
	}
	return p.Source(name)
}

// Freshness reports the current freshness token of ref.
func (s *Set) Freshness(ref string) (Freshness, error) {
	p, name, err := s.Resolve(ref)
	if err != nil {
		return 0, err
	}
	return p.Freshness(name)
}
