package cache

import (
	"errors"
	"fmt"
	"hash/crc32"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/conneroisu/quill/internal/artifact"
	qerrors "github.com/conneroisu/quill/internal/errors"
	"github.com/conneroisu/quill/internal/options"
)

// fileExt marks compiled artifact files; Clear removes nothing else.
const fileExt = ".quill.json"

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Store persists artifacts as one file per (name, mask) in a directory.
// Files are written to a temporary name and renamed into place, so readers
// see either the previous or the new artifact, never a partial one.
type Store struct {
	dir string
}

// NewStore returns a store rooted at dir. The directory is not checked;
// see Probe.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the store directory.
func (s *Store) Dir() string {
	return s.dir
}

// Probe checks that dir exists and is writable by creating and removing
// a temporary file.
func Probe(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return qerrors.NewConfigError(qerrors.ErrCodeCompileDir,
			fmt.Sprintf("compile directory %s: %v", dir, err))
	}
	if !info.IsDir() {
		return qerrors.NewConfigError(qerrors.ErrCodeCompileDir,
			fmt.Sprintf("compile directory %s is not a directory", dir))
	}
	f, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return qerrors.NewConfigError(qerrors.ErrCodeCompileDir,
			fmt.Sprintf("compile directory %s is not writable: %v", dir, err))
	}
	name := f.Name()
	f.Close()
	if err := os.Remove(name); err != nil {
		return qerrors.NewConfigError(qerrors.ErrCodeCompileDir,
			fmt.Sprintf("compile directory %s: %v", dir, err))
	}
	return nil
}

// FileName returns the file an artifact for (name, mask) is stored in:
// a readable base, the mask in hex, then a crc32 and the length of the
// full name. Different masks never share a file; a crc collision between
// names is caught by Load.
func FileName(name string, mask options.Mask) string {
	sum := crc32.Checksum([]byte(name), crcTable)
	return fmt.Sprintf("%s.%s.%08x.%d%s", baseName(name), mask.Hex(), sum, len(name), fileExt)
}

// baseName keeps the last path element of name with anything outside
// [A-Za-z0-9_-] replaced, so it is safe as a file name on every platform.
func baseName(name string) string {
	if i := strings.LastIndexAny(name, `/\:`); i >= 0 {
		name = name[i+1:]
	}
	name = strings.TrimSuffix(name, filepath.Ext(name))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "tpl"
	}
	return b.String()
}

// Path returns the full path for (name, mask).
func (s *Store) Path(name string, mask options.Mask) string {
	return filepath.Join(s.dir, FileName(name, mask))
}

// Load reads the artifact for (name, mask). A missing file returns
// (nil, nil), and so does a file recording another name or mask, another
// format version, or data that does not decode. Saving over it repairs it.
func (s *Store) Load(name string, mask options.Mask) (*artifact.Artifact, error) {
	data, err := os.ReadFile(s.Path(name, mask))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, qerrors.NewCacheError(qerrors.ErrCodeCacheRead, "cannot read compiled "+name, err)
	}
	a, err := artifact.Unmarshal(data)
	if err != nil {
		if qerrors.HasCode(err, qerrors.ErrCodeCacheStale) {
			return nil, nil
		}
		return nil, err
	}
	if a.Name != name || a.Mask != mask {
		return nil, nil
	}
	return a, nil
}

// Save writes a and publishes it with a rename.
func (s *Store) Save(a *artifact.Artifact) error {
	data, err := a.Marshal()
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return qerrors.NewCacheError(qerrors.ErrCodeCacheWrite, "cannot create temporary file for "+a.Name, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return qerrors.NewCacheError(qerrors.ErrCodeCacheWrite, "cannot write compiled "+a.Name, err)
	}
	if err := tmp.Close(); err != nil {
		return qerrors.NewCacheError(qerrors.ErrCodeCacheWrite, "cannot write compiled "+a.Name, err)
	}
	if err := os.Rename(tmpName, s.Path(a.Name, a.Mask)); err != nil {
		return qerrors.NewCacheError(qerrors.ErrCodeCacheWrite, "cannot publish compiled "+a.Name, err)
	}
	return nil
}

// Remove deletes the stored artifact for (name, mask) if there is one.
func (s *Store) Remove(name string, mask options.Mask) error {
	err := os.Remove(s.Path(name, mask))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return qerrors.NewCacheError(qerrors.ErrCodeCacheWrite, "cannot remove compiled "+name, err)
	}
	return nil
}

// Clear removes every compiled artifact file in the directory and returns
// how many were removed.
func (s *Store) Clear() (int, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*"+fileExt))
	if err != nil {
		return 0, qerrors.NewCacheError(qerrors.ErrCodeCacheWrite, "cannot list compile directory", err)
	}
	removed := 0
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, qerrors.NewCacheError(qerrors.ErrCodeCacheWrite, "cannot remove "+filepath.Base(m), err)
		}
		removed++
	}
	return removed, nil
}

// Files lists the compiled artifact files in the directory.
func (s *Store) Files() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*"+fileExt))
	if err != nil {
		return nil, qerrors.NewCacheError(qerrors.ErrCodeCacheRead, "cannot list compile directory", err)
	}
	return matches, nil
}
