package paths

import (
	"os"
	"path/filepath"
	"sync"
)

const defaultRoot = "/var/lib/shelfd"

// DatabaseFile is the library index inside the state root.
const DatabaseFile = "shelfd.db"

// EnvStateDir overrides the state root.
const EnvStateDir = "SHELFD_STATE_DIR"

var (
	root string
	once sync.Once
)

func resolveRoot() {
	candidate := os.Getenv(EnvStateDir)
	if candidate == "" {
		candidate = defaultRoot
	}
	root = filepath.Clean(candidate)
}

// Root returns the directory holding shelfd's persistent state.
func Root() string {
	once.Do(resolveRoot)
	return root
}

// Join resolves a path relative to the state root.
func Join(elements ...string) string {
	all := append([]string{Root()}, elements...)
	return filepath.Join(all...)
}

// LibraryDir is the default book directory under root, or under Root()
// when root is empty.
func LibraryDir(root string) string { return under(root, "library") }

// DatabasePath is the library index under root, or under Root() when root
// is empty.
func DatabasePath(root string) string { return under(root, DatabaseFile) }

func under(root, name string) string {
	if root == "" {
		return Join(name)
	}
	return filepath.Join(root, name)
}

// SetRootForTest resets the cached root so tests can override SHELFD_STATE_DIR.
func SetRootForTest(dir string) {
	if dir != "" {
		os.Setenv(EnvStateDir, dir)
	}
	root = ""
	once = sync.Once{}
}
