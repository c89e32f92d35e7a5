package frog

import (
	"context"
	"errors"
	"strings"
	"testing"

	"polygene/internal/core"
	"polygene/internal/infra/persistence/memory"
	"polygene/internal/unitofwork"
	"polygene/pkg/entity"
)

func TestPluginRegistration(t *testing.T) {
	registry := core.NewPluginRegistry()
	if err := New().Register(registry); err != nil {
		t.Fatalf("register plugin: %v", err)
	}
	got := registry.Entities()
	if len(got) != 2 || got[0].Type != TypeHousing || got[1].Type != TypeOrganism {
		t.Fatalf("unexpected entities %+v", got)
	}
	if !got[1].HasAssociation("housing") {
		t.Fatalf("organism must declare housing association")
	}
}

func activate(t *testing.T) (*core.Runtime, *Plugin) {
	t.Helper()
	plugin := New()
	rt := core.NewRuntime(memory.NewStore(), core.WithModuleName("colony"))
	if _, err := rt.InstallPlugin(plugin); err != nil {
		t.Fatalf("install frog plugin: %v", err)
	}
	if err := rt.Activate(); err != nil {
		t.Fatalf("activate: %v", err)
	}
	return rt, plugin
}

func create(t *testing.T, ctx context.Context, uow *unitofwork.UnitOfWork, typeName string, id entity.Identity, props map[string]any) {
	t.Helper()
	b, err := uow.NewEntityBuilder(ctx, typeName)
	if err != nil {
		t.Fatalf("builder %s: %v", typeName, err)
	}
	b.WithIdentity(id)
	for name, v := range props {
		if err := b.SetProperty(name, v); err != nil {
			t.Fatalf("set %s: %v", name, err)
		}
	}
	if _, err := b.NewInstance(ctx); err != nil {
		t.Fatalf("new %s: %v", typeName, err)
	}
}

func TestFrogHabitatRuleOutcomes(t *testing.T) {
	rt, plugin := activate(t)
	ctx := context.Background()

	seed, err := rt.NewUnitOfWork(ctx, "seed colony")
	if err != nil {
		t.Fatalf("unit of work: %v", err)
	}
	create(t, ctx, seed, TypeHousing, "humid", map[string]any{"name": "Humid", "environment": "humid"})
	create(t, ctx, seed, TypeHousing, "dry", map[string]any{"name": "Dry", "environment": "dry"})
	create(t, ctx, seed, TypeOrganism, "water", map[string]any{"name": "Water", "species": "Tree Frog"})
	create(t, ctx, seed, TypeOrganism, "dust", map[string]any{"name": "Dust", "species": "Poison Dart Frog"})
	create(t, ctx, seed, TypeOrganism, "rex", map[string]any{"name": "Rex", "species": "Gecko"})
	if err := seed.Complete(ctx); err != nil {
		t.Fatalf("seed: %v", err)
	}

	organism, err := rt.NewComposite(TypeOrganism)
	if err != nil {
		t.Fatalf("composite: %v", err)
	}
	uow, err := rt.NewUnitOfWork(ctx, "house organisms")
	if err != nil {
		t.Fatalf("unit of work: %v", err)
	}
	uctx := unitofwork.NewContext(ctx, uow)
	for _, pair := range [][2]entity.Identity{{"water", "humid"}, {"dust", "dry"}, {"rex", "dry"}} {
		if _, err := organism.Invoke(uctx, CapabilityHusbandry, OperationHouse, pair[0], pair[1]); err != nil {
			t.Fatalf("house %s in %s: %v", pair[0], pair[1], err)
		}
	}
	if err := uow.Complete(ctx); err != nil {
		t.Fatalf("complete: %v", err)
	}

	warnings := plugin.Warnings()
	if len(warnings) != 1 || warnings[0].Organism != "dust" || warnings[0].Housing != "dry" || warnings[0].Rule != "frog_habitat_warning" {
		t.Fatalf("expected one habitat warning for dust, got %+v", warnings)
	}

	check, _ := rt.NewUnitOfWork(ctx, "check")
	defer check.Discard()
	st, err := check.Get(ctx, "rex")
	if err != nil {
		t.Fatalf("get rex: %v", err)
	}
	if housing, ok := st.Association("housing"); !ok || housing != "dry" {
		t.Fatalf("expected committed housing association, got %q %v", housing, ok)
	}
}

func TestHouseRejectsBadArguments(t *testing.T) {
	rt, _ := activate(t)
	ctx := context.Background()
	organism, err := rt.NewComposite(TypeOrganism)
	if err != nil {
		t.Fatalf("composite: %v", err)
	}
	if _, err := organism.Invoke(ctx, CapabilityHusbandry, OperationHouse, "water", entity.Identity("dry")); err == nil || !strings.Contains(err.Error(), "argument 0") {
		t.Fatalf("expected identity argument error, got %v", err)
	}
	if _, err := organism.Invoke(ctx, CapabilityHusbandry, OperationHouse, entity.Identity("water"), entity.Identity("dry")); err == nil || !strings.Contains(err.Error(), "no unit of work") {
		t.Fatalf("expected missing unit of work error, got %v", err)
	}

	uow, _ := rt.NewUnitOfWork(ctx, "misplaced")
	defer uow.Discard()
	uctx := unitofwork.NewContext(ctx, uow)
	create(t, ctx, uow, TypeOrganism, "a", map[string]any{"species": "Frog"})
	create(t, ctx, uow, TypeOrganism, "b", map[string]any{"species": "Frog"})
	if _, err := organism.Invoke(uctx, CapabilityHusbandry, OperationHouse, entity.Identity("a"), entity.Identity("b")); err == nil || !strings.Contains(err.Error(), "not a Housing") {
		t.Fatalf("expected housing type error, got %v", err)
	}
	if _, err := organism.Invoke(uctx, CapabilityHusbandry, OperationHouse, entity.Identity("a"), entity.Identity("nowhere")); !errors.Is(err, entity.ErrNoSuchEntity) {
		t.Fatalf("expected no such entity, got %v", err)
	}
}
