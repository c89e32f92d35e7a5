package core

import (
	"go/types"
	"path/filepath"
	"runtime"
	"sort"
	"testing"

	"golang.org/x/tools/go/packages"
)

// TestStoreSPIImplementationsAreSanctioned fails when a type outside the known
// backend packages starts implementing entity.StoreSPI. Adding a backend means
// adding it here as well.
func TestStoreSPIImplementationsAreSanctioned(t *testing.T) {
	if testing.Short() {
		t.Skip("loads every package in the module")
	}
	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedTypes, Tests: true}
	pkgs, err := packages.Load(cfg, "polygene/...")
	if err != nil {
		t.Fatalf("load packages: %v", err)
	}
	var spi *types.Interface
	for _, p := range pkgs {
		if p.PkgPath != "polygene/pkg/entity" || p.Types == nil {
			continue
		}
		obj := p.Types.Scope().Lookup("StoreSPI")
		if obj == nil {
			t.Fatalf("entity.StoreSPI not found")
		}
		iface, ok := obj.Type().Underlying().(*types.Interface)
		if !ok {
			t.Fatalf("entity.StoreSPI is not an interface")
		}
		spi = iface
		break
	}
	if spi == nil {
		t.Fatalf("failed to resolve entity.StoreSPI")
	}
	allowed := map[string]struct{}{
		"polygene/internal/concurrency":                {},
		"polygene/internal/infra/persistence/memory":   {},
		"polygene/internal/infra/persistence/sqlstore": {},
		"polygene/internal/infra/persistence/sqlite":   {},
		"polygene/internal/infra/persistence/postgres": {},
		"polygene/internal/infra/persistence/prefs":    {},
		"polygene/internal/infra/persistence/mapstore": {},
		"polygene/internal/infra/persistence/dynamo":   {},
	}
	found := make(map[string]struct{})
	var unexpected []string
	for _, p := range pkgs {
		if p.Types == nil || p.Types.Scope() == nil {
			continue
		}
		for _, name := range p.Types.Scope().Names() {
			named, ok := p.Types.Scope().Lookup(name).Type().(*types.Named)
			if !ok {
				continue
			}
			if _, ok := named.Underlying().(*types.Struct); !ok {
				continue
			}
			if !types.Implements(types.NewPointer(named), spi) {
				continue
			}
			if _, ok := allowed[p.PkgPath]; !ok {
				unexpected = append(unexpected, p.PkgPath+"."+name)
				continue
			}
			found[p.PkgPath] = struct{}{}
		}
	}
	if len(unexpected) > 0 {
		sort.Strings(unexpected)
		_, file, line, _ := runtime.Caller(0)
		t.Fatalf("unexpected entity.StoreSPI implementations (extend the allowed list when adding a backend):\nfile=%s:%d\n%v", filepath.Base(file), line, unexpected)
	}
	for pkg := range allowed {
		if _, ok := found[pkg]; !ok {
			t.Fatalf("expected %s to implement entity.StoreSPI", pkg)
		}
	}
}
