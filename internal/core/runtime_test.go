package core

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"polygene/internal/infra/persistence/memory"
	"polygene/internal/infra/persistence/storetest"
	"polygene/internal/unitofwork"
	"polygene/pkg/composite"
	"polygene/pkg/entity"
	"polygene/pkg/observe"
)

type testPlugin struct {
	name     string
	register func(*PluginRegistry) error
}

func (p testPlugin) Name() string    { return p.name }
func (p testPlugin) Version() string { return "1.2.3" }
func (p testPlugin) Register(r *PluginRegistry) error {
	return p.register(r)
}

// peoplePlugin registers Person and a Greeter capability that reads the
// person's name through the unit of work carried by ctx.
func peoplePlugin() Plugin {
	return testPlugin{name: "people", register: func(r *PluginRegistry) error {
		if err := r.RegisterEntity(storetest.PersonDescriptor()); err != nil {
			return err
		}
		r.RegisterAssembly(func(a *composite.Assembler) {
			a.Capability("Greeter").Operation("greet").Primary(composite.SharedPrimary(composite.PrimaryFunc(
				func(ctx context.Context, inv *composite.Invocation) (any, error) {
					uow, ok := unitofwork.FromContext(ctx)
					if !ok {
						return nil, errors.New("no unit of work")
					}
					st, err := uow.Get(ctx, inv.Arg(0).(entity.Identity))
					if err != nil {
						return nil, err
					}
					name, _ := st.Property("name")
					return "hello " + name.(string), nil
				})))
			a.Composite("Person", "Greeter")
		})
		return nil
	}}
}

type metricsCall struct {
	op      string
	success bool
}

type captureMetricsRecorder struct {
	calls []metricsCall
}

func (c *captureMetricsRecorder) Observe(_ context.Context, op string, success bool, _ time.Duration) {
	c.calls = append(c.calls, metricsCall{op: op, success: success})
}

func (c *captureMetricsRecorder) has(op string, success bool) bool {
	for _, call := range c.calls {
		if call.op == op && call.success == success {
			return true
		}
	}
	return false
}

func TestRuntimeInstallActivateAndRun(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	metrics := &captureMetricsRecorder{}
	rt := NewRuntime(store,
		WithModuleName("people-app"),
		WithApplicationVersion("2.0.0"),
		WithMetricsRecorder(metrics),
		WithClock(observe.ClockFunc(func() time.Time { return storetest.Epoch })),
	)
	meta, err := rt.InstallPlugin(peoplePlugin())
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	if meta.Name != "people" || meta.Version != "1.2.3" || len(meta.Entities) != 1 || meta.Entities[0] != "Person" {
		t.Fatalf("unexpected metadata %+v", meta)
	}
	if _, err := rt.NewUnitOfWork(ctx, "early"); !errors.Is(err, ErrNotActivated) {
		t.Fatalf("expected ErrNotActivated, got %v", err)
	}
	if err := rt.Activate(); err != nil {
		t.Fatalf("activate: %v", err)
	}
	module, err := rt.Module()
	if err != nil || module.Name() != "people-app" || module.Version() != "2.0.0" {
		t.Fatalf("unexpected module %v %v", module, err)
	}

	uow, err := rt.NewUnitOfWork(ctx, "create")
	if err != nil {
		t.Fatalf("new unit of work: %v", err)
	}
	b, err := uow.NewEntityBuilder(ctx, "Person")
	if err != nil {
		t.Fatalf("builder: %v", err)
	}
	if err := b.WithIdentity("ada").SetProperty("name", "Ada"); err != nil {
		t.Fatalf("set name: %v", err)
	}
	if _, err := b.NewInstance(ctx); err != nil {
		t.Fatalf("new instance: %v", err)
	}
	if err := uow.Complete(ctx); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if snap := store.ExportState()["ada"]; !snap.LastModified.Equal(storetest.Epoch) {
		t.Fatalf("expected runtime clock on stored state, got %v", snap.LastModified)
	}

	person, err := rt.NewComposite("Person")
	if err != nil {
		t.Fatalf("new composite: %v", err)
	}
	reader, err := rt.NewUnitOfWork(ctx, "greet")
	if err != nil {
		t.Fatalf("new unit of work: %v", err)
	}
	got, err := person.Invoke(unitofwork.NewContext(ctx, reader), "Greeter", "greet", entity.Identity("ada"))
	if err != nil || got != "hello Ada" {
		t.Fatalf("greet: %v %v", got, err)
	}
	if err := reader.Discard(); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if !metrics.has("uow.complete", true) || !metrics.has("Greeter.greet", true) {
		t.Fatalf("expected unit-of-work and composite metrics, got %+v", metrics.calls)
	}
}

func TestRuntimeInstallErrors(t *testing.T) {
	rt := NewRuntime(memory.NewStore())
	if _, err := rt.InstallPlugin(nil); err == nil {
		t.Fatalf("expected nil plugin error")
	}
	if _, err := rt.InstallPlugin(peoplePlugin()); err != nil {
		t.Fatalf("install: %v", err)
	}
	if _, err := rt.InstallPlugin(peoplePlugin()); err == nil || !strings.Contains(err.Error(), "already registered") {
		t.Fatalf("expected duplicate plugin error, got %v", err)
	}
	dupType := testPlugin{name: "other", register: func(r *PluginRegistry) error {
		return r.RegisterEntity(storetest.PersonDescriptor())
	}}
	if _, err := rt.InstallPlugin(dupType); err == nil || !strings.Contains(err.Error(), "entity type Person") {
		t.Fatalf("expected duplicate entity type error, got %v", err)
	}
	boom := errors.New("boom")
	failing := testPlugin{name: "failing", register: func(*PluginRegistry) error { return boom }}
	if _, err := rt.InstallPlugin(failing); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped register error, got %v", err)
	}
	if got := rt.RegisteredPlugins(); len(got) != 1 || got[0].Name != "people" {
		t.Fatalf("failed installs must not be recorded, got %+v", got)
	}
}

func TestRuntimeActivateOnce(t *testing.T) {
	rt := NewRuntime(memory.NewStore())
	if err := rt.Activate(); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := rt.Activate(); err == nil {
		t.Fatalf("expected second activation to fail")
	}
	if _, err := rt.InstallPlugin(peoplePlugin()); err == nil {
		t.Fatalf("expected install after activation to fail")
	}
	if _, err := rt.NewComposite("Person"); !errors.As(err, new(*composite.CapabilityDispatchError)) {
		t.Fatalf("expected undeclared composite error, got %v", err)
	}
}

func TestRuntimeActivateRejectsInvalidAssembly(t *testing.T) {
	rt := NewRuntime(memory.NewStore())
	broken := testPlugin{name: "broken", register: func(r *PluginRegistry) error {
		r.RegisterAssembly(func(a *composite.Assembler) { a.Capability("Empty") })
		return nil
	}}
	if _, err := rt.InstallPlugin(broken); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := rt.Activate(); !errors.Is(err, composite.ErrCapabilityDispatch) {
		t.Fatalf("expected dispatch error, got %v", err)
	}
	if _, err := rt.Composites(); !errors.Is(err, ErrNotActivated) {
		t.Fatalf("failed activation must leave runtime inactive, got %v", err)
	}
}

func TestPluginRegistryRejectsInvalidDescriptor(t *testing.T) {
	r := NewPluginRegistry()
	if err := r.RegisterEntity(entity.Descriptor{}); err == nil {
		t.Fatalf("expected validation error")
	}
	r.RegisterAssembly(nil)
	if len(r.assemblies) != 0 || len(r.Entities()) != 0 {
		t.Fatalf("registry must stay empty")
	}
}
