package provider

import (
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	qerrors "github.com/conneroisu/quill/internal/errors"
)

// FSProvider serves templates from a directory. The freshness token is the
// file's modification time in nanoseconds.
type FSProvider struct {
	root string
	ext  string
}

// NewFSProvider creates a provider rooted at dir. ext, when non-empty,
// restricts List to files with that extension.
func NewFSProvider(dir, ext string) *FSProvider {
	return &FSProvider{root: filepath.Clean(dir), ext: ext}
}

// Root returns the template directory.
func (p *FSProvider) Root() string {
	return p.root
}

// Path maps a template name to its file path. Names escaping the root are
// rejected.
func (p *FSProvider) Path(name string) (string, error) {
	clean := path.Clean("/" + filepath.ToSlash(name))
	if clean == "/" || strings.Contains(name, "\x00") {
		return "", qerrors.NewProviderError(qerrors.ErrCodeTemplateNotFound, "invalid template name: "+name, nil)
	}
	return filepath.Join(p.root, filepath.FromSlash(strings.TrimPrefix(clean, "/"))), nil
}

// Exists reports whether name is a regular file under the root.
func (p *FSProvider) Exists(name string) bool {
	file, err := p.Path(name)
	if err != nil {
		return false
	}
	info, err := os.Stat(file)
	return err == nil && info.Mode().IsRegular()
}

// Source reads name and returns its contents with the current freshness.
func (p *FSProvider) Source(name string) (string, Freshness, error) {
	file, err := p.Path(name)
	if err != nil {
		return "", 0, err
	}
	info, err := os.Stat(file)
	if err != nil {
		return "", 0, p.statError(name, err)
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return "", 0, qerrors.WrapProvider(err, qerrors.ErrCodeSourceUnreadable, "cannot read template "+name)
	}
	return string(data), Freshness(info.ModTime().UnixNano()), nil
}

// Freshness returns the modification time of name.
func (p *FSProvider) Freshness(name string) (Freshness, error) {
	file, err := p.Path(name)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(file)
	if err != nil {
		return 0, p.statError(name, err)
	}
	return Freshness(info.ModTime().UnixNano()), nil
}

// List returns every template under the root as slash-separated names.
func (p *FSProvider) List() ([]string, error) {
	var names []string
	err := filepath.WalkDir(p.root, func(file string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if p.ext != "" && filepath.Ext(file) != p.ext {
			return nil
		}
		rel, err := filepath.Rel(p.root, file)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, qerrors.WrapProvider(err, qerrors.ErrCodeSourceUnreadable, "cannot list templates in "+p.root)
	}
	return names, nil
}

func (p *FSProvider) statError(name string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return qerrors.ErrTemplateNotFound(name)
	}
	return qerrors.WrapProvider(err, qerrors.ErrCodeSourceUnreadable, "cannot stat template "+name)
}
