// Package resolver implements the host-to-application-root lookup the
// Host Router consults for every request.
package resolver

import (
	"os"
	"path/filepath"
	"strings"
)

// SymlinkResolver resolves a host to root/<firstLabel>, the convention
// of a symlink per application living directly under Root pointing at
// the real project directory.
type SymlinkResolver struct {
	Root string
}

// NewSymlinkResolver returns a resolver rooted at root.
func NewSymlinkResolver(root string) *SymlinkResolver {
	return &SymlinkResolver{Root: root}
}

// ResolveHost returns Root/<first label of host> if that entry exists.
func (s *SymlinkResolver) ResolveHost(host string) (string, bool) {
	label := firstLabel(host)
	if label == "" {
		return "", false
	}

	candidate := filepath.Join(s.Root, label)
	if _, err := os.Stat(candidate); err != nil {
		return "", false
	}
	return candidate, true
}

func firstLabel(host string) string {
	parts := strings.Split(host, ".")
	if len(parts) == 0 {
		return ""
	}
	return parts[0]
}
