package connector

import (
	"fmt"
	"path/filepath"

	"github.com/dop251/goja"
	"github.com/spf13/afero"
)

// Program is a compiled connector module.
type Program struct {
	Path    string
	program *goja.Program
}

// Loader resolves, checks and compiles connector sources.
type Loader struct {
	fs    afero.Fs
	root  string
	guard *Guard
}

// NewLoader creates a loader reading from fs. Relative connector paths are
// resolved against root; guard may be nil.
func NewLoader(fs afero.Fs, root string, guard *Guard) *Loader {
	return &Loader{fs: fs, root: root, guard: guard}
}

// Resolve returns the cleaned path a connector reference points to.
func (l *Loader) Resolve(path string) string {
	if !filepath.IsAbs(path) && l.root != "" {
		path = filepath.Join(l.root, path)
	}
	return filepath.Clean(path)
}

// Load reads and compiles the connector at path.
func (l *Loader) Load(path string) (*Program, error) {
	resolved := l.Resolve(path)
	if !l.guard.Allows(resolved) {
		return nil, fmt.Errorf("%w: %s", ErrPathDenied, resolved)
	}

	src, err := afero.ReadFile(l.fs, resolved)
	if err != nil {
		return nil, fmt.Errorf("failed to read connector: %w", err)
	}

	return Compile(resolved, string(src))
}

// Compile wraps a CommonJS-style source in a module function and compiles
// it. The module body runs once per session.
func Compile(name, src string) (*Program, error) {
	wrapped := "(function(module, exports) {\n" + src + "\n})"
	pgm, err := goja.Compile(name, wrapped, false)
	if err != nil {
		return nil, fmt.Errorf("failed to compile connector %s: %w", name, err)
	}
	return &Program{Path: name, program: pgm}, nil
}
