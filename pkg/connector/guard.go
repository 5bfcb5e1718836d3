package connector

import (
	"fmt"
	"path/filepath"

	"github.com/gobwas/glob"
)

// Guard restricts which connector files may be loaded. Denied patterns
// take precedence; when no allowed patterns are configured every path not
// denied is allowed.
type Guard struct {
	allowed []glob.Glob
	denied  []glob.Glob
}

// NewGuard compiles the allow and deny lists.
func NewGuard(allowed, denied []string) (*Guard, error) {
	g := &Guard{}

	for _, pattern := range allowed {
		compiled, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid allowed pattern '%s': %w", pattern, err)
		}
		g.allowed = append(g.allowed, compiled)
	}

	for _, pattern := range denied {
		compiled, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid denied pattern '%s': %w", pattern, err)
		}
		g.denied = append(g.denied, compiled)
	}

	return g, nil
}

// Allows reports whether path may be loaded.
func (g *Guard) Allows(path string) bool {
	if g == nil {
		return true
	}

	path = filepath.ToSlash(filepath.Clean(path))

	for _, pattern := range g.denied {
		if pattern.Match(path) {
			return false
		}
	}

	if len(g.allowed) == 0 {
		return true
	}

	for _, pattern := range g.allowed {
		if pattern.Match(path) {
			return true
		}
	}

	return false
}
