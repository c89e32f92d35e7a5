package plugins

import (
	"os"
	"path/filepath"
	"testing"

	"polygene/testutil"
)

// TestPluginsDoNotImportBackends keeps plugins on the unit of work and
// composite contracts. Storage is chosen by the runtime, never by a plugin.
func TestPluginsDoNotImportBackends(t *testing.T) {
	entries, err := os.ReadDir(".")
	if err != nil {
		t.Fatalf("read plugins dir: %v", err)
	}
	checked := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		testutil.AssertNoDirectImports(t, filepath.Join(".", e.Name()), testutil.BackendImportForbidden,
			"plugin "+e.Name()+" must not select a storage backend")
		checked++
	}
	if checked == 0 {
		t.Fatalf("expected at least one plugin package")
	}
}
