// Package artifact defines compiled templates and executes them.
//
// An Artifact is a tree of Nodes plus the metadata the cache needs to
// decide whether it is still fresh: the freshness token of its own source
// and of every template it was built from.
package artifact

import (
	"encoding/json"
	"fmt"
	"time"

	qerrors "github.com/conneroisu/quill/internal/errors"
	"github.com/conneroisu/quill/internal/options"
	"github.com/conneroisu/quill/internal/provider"
)

// FormatVersion changes whenever the persisted layout changes. Unmarshal
// rejects other versions with ErrCodeCacheStale and the store treats them
// as misses.
const FormatVersion = 1

// Dependency is a template an artifact was built from.
type Dependency struct {
	Name      string             `json:"name"`
	Freshness provider.Freshness `json:"freshness"`
}

// Artifact is a compiled template.
type Artifact struct {
	Version    int                `json:"version"`
	Name       string             `json:"name"`
	Mask       options.Mask       `json:"mask"`
	Registry   uint64             `json:"registry"`
	CompiledAt time.Time          `json:"compiled_at"`
	Freshness  provider.Freshness `json:"freshness"`
	Deps       []Dependency       `json:"deps,omitempty"`
	Body       []*Node            `json:"body,omitempty"`
	Macros     map[string]*Macro  `json:"macros,omitempty"`
}

// New creates an empty artifact for name compiled under mask.
func New(name string, mask options.Mask, fresh provider.Freshness) *Artifact {
	return &Artifact{
		Version:    FormatVersion,
		Name:       name,
		Mask:       mask,
		CompiledAt: time.Now(),
		Freshness:  fresh,
		Macros:     make(map[string]*Macro),
	}
}

// AddDependency records a dependency. The first token recorded for a name
// wins, and the artifact's own name is never a dependency.
func (a *Artifact) AddDependency(name string, fresh provider.Freshness) {
	if name == a.Name {
		return
	}
	for _, d := range a.Deps {
		if d.Name == name {
			return
		}
	}
	a.Deps = append(a.Deps, Dependency{Name: name, Freshness: fresh})
}

// FreshnessSource reports current freshness tokens.
type FreshnessSource interface {
	Freshness(name string) (provider.Freshness, error)
}

// Valid reports whether the artifact's source and every dependency still
// carry the tokens recorded at compile time. A dependency that can no
// longer be read makes the artifact invalid.
func (a *Artifact) Valid(src FreshnessSource) bool {
	if a.Version != FormatVersion {
		return false
	}
	if cur, err := src.Freshness(a.Name); err != nil || cur != a.Freshness {
		return false
	}
	for _, d := range a.Deps {
		if cur, err := src.Freshness(d.Name); err != nil || cur != d.Freshness {
			return false
		}
	}
	return true
}

// Key identifies the artifact in caches: the mask in hex and the name.
func (a *Artifact) Key() string {
	return Key(a.Name, a.Mask)
}

// Key builds the cache key for (name, mask).
func Key(name string, mask options.Mask) string {
	return mask.Hex() + "@" + name
}

// Marshal serializes the artifact.
func (a *Artifact) Marshal() ([]byte, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return nil, qerrors.NewInternalError(qerrors.ErrCodeInternalError, "cannot serialize artifact "+a.Name, err)
	}
	return data, nil
}

// Unmarshal decodes a serialized artifact and checks its format version.
// Undecodable data and other versions fail with ErrCodeCacheStale.
func Unmarshal(data []byte) (*Artifact, error) {
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, qerrors.NewCacheError(qerrors.ErrCodeCacheStale, "corrupt artifact", err)
	}
	if a.Version != FormatVersion {
		return nil, qerrors.NewCacheError(
			qerrors.ErrCodeCacheStale,
			fmt.Sprintf("artifact format version %d, want %d", a.Version, FormatVersion),
			nil,
		)
	}
	if a.Macros == nil {
		a.Macros = make(map[string]*Macro)
	}
	return &a, nil
}
