package paths

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func TestNoHardcodedStateDir(t *testing.T) {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatalf("unable to determine caller path")
	}
	root := filepath.Join(filepath.Dir(file), "..", "..", "..")
	allowed := map[string]struct{}{
		filepath.Clean(filepath.Join(root, "internal", "state", "paths", "paths.go")): {},
	}

	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			// The go tool ignores _ and . prefixed directories; so do we.
			name := d.Name()
			if path != root && (strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".go") {
			return nil
		}
		if _, ok := allowed[filepath.Clean(path)]; ok {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if strings.Contains(string(data), defaultRoot) {
			t.Fatalf("hard-coded state dir %q found in %s", defaultRoot, path)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk failed: %v", err)
	}
}

func TestJoinUsesOverride(t *testing.T) {
	dir := t.TempDir()
	SetRootForTest(dir)
	t.Cleanup(func() {
		os.Unsetenv(EnvStateDir)
		SetRootForTest("")
	})

	if got := DatabasePath(""); got != filepath.Join(dir, "shelfd.db") {
		t.Fatalf("DatabasePath = %q", got)
	}
	if got := LibraryDir(""); got != filepath.Join(dir, "library") {
		t.Fatalf("LibraryDir = %q", got)
	}
}

func TestHelpersUseGivenRoot(t *testing.T) {
	if got := DatabasePath("/srv/shelf"); got != filepath.Join("/srv/shelf", DatabaseFile) {
		t.Fatalf("DatabasePath = %q", got)
	}
	if got := LibraryDir("/srv/shelf"); got != filepath.Join("/srv/shelf", "library") {
		t.Fatalf("LibraryDir = %q", got)
	}
}
