// Package storetest holds the behavioural contract every entity store backend
// must satisfy. Backend packages call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"polygene/pkg/entity"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) entity.StoreSPI

// Epoch is the unit-of-work clock used by the suite; millisecond precision
// keeps it representable by every backend.
var Epoch = time.Date(2024, 3, 14, 15, 9, 26, 535000000, time.UTC)

// PersonDescriptor declares one property of every value kind and one
// association of every association kind.
func PersonDescriptor() entity.Descriptor {
	return entity.Descriptor{
		Type: "Person",
		Properties: []entity.PropertyDescriptor{
			{Name: "name", Kind: entity.KindString},
			{Name: "age", Kind: entity.KindInt},
			{Name: "score", Kind: entity.KindFloat},
			{Name: "active", Kind: entity.KindBool},
			{Name: "born", Kind: entity.KindTime},
			{Name: "profile", Kind: entity.KindValue},
		},
		Associations:      []string{"spouse"},
		ManyAssociations:  []string{"children"},
		NamedAssociations: []string{"contacts"},
	}
}

// Module returns the module used by the suite.
func Module(t *testing.T) *entity.Module {
	t.Helper()
	m, err := entity.NewModule("storetest", "1.0.0", PersonDescriptor(), entity.Descriptor{
		Type:       "Pet",
		Properties: []entity.PropertyDescriptor{{Name: "name", Kind: entity.KindString}},
	})
	if err != nil {
		t.Fatalf("module: %v", err)
	}
	return m
}

// UnitOfWork returns a static unit of work with the given identity.
func UnitOfWork(m *entity.Module, id string, offset time.Duration) entity.StaticUnitOfWork {
	return entity.StaticUnitOfWork{Identity: id, Name: "storetest", Now: Epoch.Add(offset), Mod: m}
}

// Run executes the contract against stores produced by factory.
func Run(t *testing.T, factory Factory) {
	t.Helper()
	cases := []struct {
		name string
		fn   func(t *testing.T, store entity.StoreSPI)
	}{
		{"RoundTrip", testRoundTrip},
		{"NativeValuesRoundTrip", testNativeValuesRoundTrip},
		{"NoSuchEntity", testNoSuchEntity},
		{"NoSuchEntityType", testNoSuchEntityType},
		{"UpdateBumpsVersion", testUpdateBumpsVersion},
		{"StaleUpdateConflicts", testStaleUpdateConflicts},
		{"BatchIsAllOrNothing", testBatchIsAllOrNothing},
		{"Remove", testRemove},
		{"DuplicateNewRejected", testDuplicateNewRejected},
		{"CancelLeavesStoreUnchanged", testCancel},
		{"EntityStates", testEntityStates},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, factory(t))
		})
	}
}

// Commit applies and commits states under uow, failing the test on error.
func Commit(t *testing.T, store entity.StoreSPI, uow entity.StoreUnitOfWork, states ...*entity.State) {
	t.Helper()
	if err := TryCommit(store, uow, states...); err != nil {
		t.Fatalf("commit %s: %v", uow.ID(), err)
	}
}

// TryCommit applies and commits states under uow.
func TryCommit(store entity.StoreSPI, uow entity.StoreUnitOfWork, states ...*entity.State) error {
	ctx := context.Background()
	c, err := store.ApplyChanges(ctx, uow, states)
	if err != nil {
		return err
	}
	if err := c.Commit(ctx); err != nil {
		c.Cancel()
		return err
	}
	return nil
}

// NewPerson builds NEW Person state with every state kind populated.
func NewPerson(t *testing.T, store entity.StoreSPI, uow entity.StoreUnitOfWork, id entity.Identity) *entity.State {
	t.Helper()
	s, err := store.NewEntityState(context.Background(), uow, id, PersonDescriptor())
	if err != nil {
		t.Fatalf("new entity state: %v", err)
	}
	must(t, s.SetProperty("name", "Ada Lovelace"))
	must(t, s.SetProperty("age", int64(36)))
	must(t, s.SetProperty("score", 99.5))
	must(t, s.SetProperty("active", true))
	must(t, s.SetProperty("born", time.Date(1815, 12, 10, 8, 30, 0, 123456789, time.UTC)))
	must(t, s.SetProperty("profile", map[string]any{"langs": []any{"en", "fr"}, "rank": int64(1)}))
	must(t, s.SetAssociation("spouse", "william"))
	for _, child := range []entity.Identity{"byron", "annabella", "ralph"} {
		if _, err := s.AddManyAssociation("children", -1, child); err != nil {
			t.Fatalf("add child: %v", err)
		}
	}
	must(t, s.PutNamedAssociation("contacts", "mentor", "babbage"))
	must(t, s.PutNamedAssociation("contacts", "friend", "somerville"))
	return s
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func load(t *testing.T, store entity.StoreSPI, uow entity.StoreUnitOfWork, id entity.Identity) *entity.State {
	t.Helper()
	s, err := store.EntityStateOf(context.Background(), uow, id)
	if err != nil {
		t.Fatalf("load %s: %v", id, err)
	}
	return s
}

func testRoundTrip(t *testing.T, store entity.StoreSPI) {
	m := Module(t)
	u1 := UnitOfWork(m, "u1", 0)
	Commit(t, store, u1, NewPerson(t, store, u1, "ada"))

	reader := UnitOfWork(m, "reader", time.Minute)
	got := load(t, store, reader, "ada")
	if got.Status() != entity.StatusLoaded {
		t.Fatalf("expected LOADED, got %s", got.Status())
	}
	if got.Version() != "u1" {
		t.Fatalf("expected version u1, got %q", got.Version())
	}
	if got.Type() != "Person" {
		t.Fatalf("expected type Person, got %q", got.Type())
	}
	if !got.LastModified().Equal(Epoch) {
		t.Fatalf("expected last modified %v, got %v", Epoch, got.LastModified())
	}
	want := map[string]any{
		"name":    "Ada Lovelace",
		"age":     int64(36),
		"score":   99.5,
		"active":  true,
		"born":    time.Date(1815, 12, 10, 8, 30, 0, 123456789, time.UTC),
		"profile": map[string]any{"langs": []any{"en", "fr"}, "rank": int64(1)},
	}
	for name, expected := range want {
		v, ok := got.Property(name)
		if !ok {
			t.Fatalf("property %s missing", name)
		}
		if tv, isTime := v.(time.Time); isTime {
			if !tv.Equal(expected.(time.Time)) {
				t.Fatalf("property %s: expected %v, got %v", name, expected, tv)
			}
			continue
		}
		if !reflect.DeepEqual(v, expected) {
			t.Fatalf("property %s: expected %#v, got %#v", name, expected, v)
		}
	}
	if id, ok := got.Association("spouse"); !ok || id != "william" {
		t.Fatalf("expected spouse william, got %v %v", id, ok)
	}
	children := got.ManyAssociation("children")
	if !reflect.DeepEqual(children, []entity.Identity{"byron", "annabella", "ralph"}) {
		t.Fatalf("unexpected children order %v", children)
	}
	contacts := got.NamedAssociation("contacts")
	wantContacts := []entity.NamedReference{{Name: "mentor", Identity: "babbage"}, {Name: "friend", Identity: "somerville"}}
	if !reflect.DeepEqual(contacts, wantContacts) {
		t.Fatalf("unexpected contacts %v", contacts)
	}
	v, err := store.VersionOf(context.Background(), reader, "ada")
	if err != nil || v != "u1" {
		t.Fatalf("expected VersionOf u1, got %q %v", v, err)
	}
}

func testNativeValuesRoundTrip(t *testing.T, store entity.StoreSPI) {
	m := Module(t)
	u1 := UnitOfWork(m, "u1", 0)
	s, err := store.NewEntityState(context.Background(), u1, "ada", PersonDescriptor())
	must(t, err)
	if err := s.SetProperty("age", "thirty"); !errors.Is(err, entity.ErrInvalidValue) {
		t.Fatalf("expected invalid value for string age, got %v", err)
	}
	if err := s.SetProperty("active", 1); !errors.Is(err, entity.ErrInvalidValue) {
		t.Fatalf("expected invalid value for int bool, got %v", err)
	}
	must(t, s.SetProperty("age", 36))
	must(t, s.SetProperty("score", float32(0.5)))
	must(t, s.SetProperty("born", time.Date(1815, 12, 10, 9, 30, 0, 0, time.FixedZone("CET", 3600))))
	must(t, s.SetProperty("profile", map[string]any{"langs": []string{"en"}, "rank": 2.0, "ratio": 0.25}))
	Commit(t, store, u1, s)

	got := load(t, store, UnitOfWork(m, "reader", 0), "ada")
	want := map[string]any{
		"age":     int64(36),
		"score":   0.5,
		"born":    time.Date(1815, 12, 10, 8, 30, 0, 0, time.UTC),
		"profile": map[string]any{"langs": []any{"en"}, "rank": int64(2), "ratio": 0.25},
	}
	for name, expected := range want {
		v, _ := got.Property(name)
		if tv, isTime := v.(time.Time); isTime {
			if !tv.Equal(expected.(time.Time)) {
				t.Fatalf("property %s: expected %v, got %v", name, expected, tv)
			}
			continue
		}
		if !reflect.DeepEqual(v, expected) {
			t.Fatalf("property %s: expected %#v, got %#v", name, expected, v)
		}
	}
}

func testNoSuchEntity(t *testing.T, store entity.StoreSPI) {
	m := Module(t)
	uow := UnitOfWork(m, "u1", 0)
	_, err := store.EntityStateOf(context.Background(), uow, "ghost")
	var missing *entity.NoSuchEntityError
	if !errors.As(err, &missing) || missing.Identity != "ghost" {
		t.Fatalf("expected NoSuchEntityError for ghost, got %v", err)
	}
	if _, err := store.VersionOf(context.Background(), uow, "ghost"); !errors.Is(err, entity.ErrNoSuchEntity) {
		t.Fatalf("expected VersionOf NoSuchEntity, got %v", err)
	}
}

func testNoSuchEntityType(t *testing.T, store entity.StoreSPI) {
	m := Module(t)
	u1 := UnitOfWork(m, "u1", 0)
	pet, err := store.NewEntityState(context.Background(), u1, "rex", entity.Descriptor{
		Type:       "Pet",
		Properties: []entity.PropertyDescriptor{{Name: "name", Kind: entity.KindString}},
	})
	must(t, err)
	must(t, pet.SetProperty("name", "Rex"))
	Commit(t, store, u1, pet)

	narrow, err := entity.NewModule("narrow", "1.0.0", PersonDescriptor())
	must(t, err)
	_, err = store.EntityStateOf(context.Background(), UnitOfWork(narrow, "u2", 0), "rex")
	var unknown *entity.NoSuchEntityTypeError
	if !errors.As(err, &unknown) || unknown.Type != "Pet" {
		t.Fatalf("expected NoSuchEntityTypeError for Pet, got %v", err)
	}
}

func testUpdateBumpsVersion(t *testing.T, store entity.StoreSPI) {
	m := Module(t)
	u1 := UnitOfWork(m, "u1", 0)
	Commit(t, store, u1, NewPerson(t, store, u1, "ada"))

	u2 := UnitOfWork(m, "u2", time.Hour)
	s := load(t, store, u2, "ada")
	must(t, s.SetProperty("age", int64(37)))
	if _, err := s.RemoveManyAssociation("children", "annabella"); err != nil {
		t.Fatalf("remove child: %v", err)
	}
	must(t, s.SetAssociation("spouse", ""))
	if s.Status() != entity.StatusUpdated {
		t.Fatalf("expected UPDATED, got %s", s.Status())
	}
	Commit(t, store, u2, s)

	got := load(t, store, UnitOfWork(m, "u3", 0), "ada")
	if got.Version() != "u2" {
		t.Fatalf("expected version u2, got %q", got.Version())
	}
	if v, _ := got.Property("age"); v != int64(37) {
		t.Fatalf("expected age 37, got %v", v)
	}
	if _, ok := got.Association("spouse"); ok {
		t.Fatalf("expected spouse cleared")
	}
	if children := got.ManyAssociation("children"); !reflect.DeepEqual(children, []entity.Identity{"byron", "ralph"}) {
		t.Fatalf("unexpected children %v", children)
	}
	if !got.LastModified().Equal(Epoch.Add(time.Hour)) {
		t.Fatalf("expected last modified to follow committing unit, got %v", got.LastModified())
	}
}

func testStaleUpdateConflicts(t *testing.T, store entity.StoreSPI) {
	m := Module(t)
	u1 := UnitOfWork(m, "u1", 0)
	Commit(t, store, u1, NewPerson(t, store, u1, "ada"))

	a := UnitOfWork(m, "a", 0)
	b := UnitOfWork(m, "b", 0)
	sa := load(t, store, a, "ada")
	sb := load(t, store, b, "ada")
	must(t, sa.SetProperty("name", "A"))
	must(t, sb.SetProperty("name", "B"))
	Commit(t, store, a, sa)

	err := TryCommit(store, b, sb)
	if !errors.Is(err, entity.ErrConcurrentModification) {
		t.Fatalf("expected concurrent modification, got %v", err)
	}
	got := load(t, store, UnitOfWork(m, "check", 0), "ada")
	if v, _ := got.Property("name"); v != "A" || got.Version() != "a" {
		t.Fatalf("first writer must win, got %v at %q", v, got.Version())
	}
}

func testBatchIsAllOrNothing(t *testing.T, store entity.StoreSPI) {
	m := Module(t)
	u1 := UnitOfWork(m, "u1", 0)
	Commit(t, store, u1, NewPerson(t, store, u1, "ada"), NewPerson(t, store, u1, "grace"))

	stale := UnitOfWork(m, "stale", 0)
	staleGrace := load(t, store, stale, "grace")

	writer := UnitOfWork(m, "writer", 0)
	g := load(t, store, writer, "grace")
	must(t, g.SetProperty("name", "Grace Hopper"))
	Commit(t, store, writer, g)

	ada := load(t, store, stale, "ada")
	must(t, ada.SetProperty("name", "changed"))
	must(t, staleGrace.SetProperty("name", "stale"))
	fresh := NewPerson(t, store, stale, "alan")

	err := TryCommit(store, stale, fresh, ada, staleGrace)
	if !errors.Is(err, entity.ErrConcurrentModification) {
		t.Fatalf("expected concurrent modification, got %v", err)
	}
	check := UnitOfWork(m, "check", 0)
	if _, err := store.EntityStateOf(context.Background(), check, "alan"); !errors.Is(err, entity.ErrNoSuchEntity) {
		t.Fatalf("new entity from failed batch must not exist, got %v", err)
	}
	if got := load(t, store, check, "ada"); got.Version() != "u1" {
		t.Fatalf("ada must be untouched, got version %q", got.Version())
	}
	if got := load(t, store, check, "grace"); got.Version() != "writer" {
		t.Fatalf("grace must keep writer version, got %q", got.Version())
	}
}

func testRemove(t *testing.T, store entity.StoreSPI) {
	m := Module(t)
	u1 := UnitOfWork(m, "u1", 0)
	Commit(t, store, u1, NewPerson(t, store, u1, "ada"))

	u2 := UnitOfWork(m, "u2", 0)
	s := load(t, store, u2, "ada")
	s.Remove()
	Commit(t, store, u2, s)

	if _, err := store.EntityStateOf(context.Background(), UnitOfWork(m, "u3", 0), "ada"); !errors.Is(err, entity.ErrNoSuchEntity) {
		t.Fatalf("expected removed entity to be gone, got %v", err)
	}
}

func testDuplicateNewRejected(t *testing.T, store entity.StoreSPI) {
	m := Module(t)
	u1 := UnitOfWork(m, "u1", 0)
	Commit(t, store, u1, NewPerson(t, store, u1, "ada"))

	u2 := UnitOfWork(m, "u2", 0)
	err := TryCommit(store, u2, NewPerson(t, store, u2, "ada"))
	if !errors.Is(err, entity.ErrAlreadyExists) && !errors.Is(err, entity.ErrConcurrentModification) {
		t.Fatalf("expected duplicate identity to be rejected, got %v", err)
	}
	if got := load(t, store, UnitOfWork(m, "u3", 0), "ada"); got.Version() != "u1" {
		t.Fatalf("existing entity must be untouched, got %q", got.Version())
	}
}

func testCancel(t *testing.T, store entity.StoreSPI) {
	m := Module(t)
	u1 := UnitOfWork(m, "u1", 0)
	ctx := context.Background()
	c, err := store.ApplyChanges(ctx, u1, []*entity.State{NewPerson(t, store, u1, "ada")})
	must(t, err)
	c.Cancel()
	if _, err := store.EntityStateOf(ctx, UnitOfWork(m, "u2", 0), "ada"); !errors.Is(err, entity.ErrNoSuchEntity) {
		t.Fatalf("cancelled batch must not be visible, got %v", err)
	}
}

func testEntityStates(t *testing.T, store entity.StoreSPI) {
	m := Module(t)
	u1 := UnitOfWork(m, "u1", 0)
	Commit(t, store, u1, NewPerson(t, store, u1, "a"), NewPerson(t, store, u1, "b"), NewPerson(t, store, u1, "c"))

	ctx := context.Background()
	for round := 0; round < 2; round++ {
		it, err := store.EntityStates(ctx, m)
		must(t, err)
		states, err := entity.Collect(it)
		must(t, err)
		seen := make(map[entity.Identity]bool)
		for _, s := range states {
			seen[s.Identity()] = true
			if s.Status() != entity.StatusLoaded || s.Version() != "u1" {
				t.Fatalf("unexpected enumerated state %s %s %q", s.Identity(), s.Status(), s.Version())
			}
		}
		if len(seen) != 3 || !seen["a"] || !seen["b"] || !seen["c"] {
			t.Fatalf("round %d: expected a, b, c, got %v", round, seen)
		}
	}
	it, err := store.EntityStates(ctx, m)
	must(t, err)
	if !it.Next() {
		t.Fatalf("expected at least one state")
	}
	if err := it.Close(); err != nil {
		t.Fatalf("close mid-iteration: %v", err)
	}
}
