package frog

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"polygene/internal/core"
	"polygene/internal/unitofwork"
	"polygene/pkg/composite"
	"polygene/pkg/entity"
)

// Entity and capability names registered by the plugin.
const (
	TypeOrganism = "Organism"
	TypeHousing  = "Housing"

	CapabilityHusbandry = "Husbandry"
	OperationHouse      = "house"
)

// Warning is a non-fatal husbandry finding.
type Warning struct {
	Rule     string
	Organism entity.Identity
	Housing  entity.Identity
	Message  string
}

// Plugin implements the frog reference module: organisms, housing units, and a
// habitat check on every housing assignment.
type Plugin struct {
	mu       sync.Mutex
	warnings []Warning
}

// New constructs a frog plugin instance.
func New() *Plugin {
	return &Plugin{}
}

// Name returns the plugin identifier.
func (*Plugin) Name() string { return "frog" }

// Version returns the plugin semantic version.
func (*Plugin) Version() string { return "0.2.0" }

// Register declares the entity types and the Husbandry capability.
func (p *Plugin) Register(registry *core.PluginRegistry) error {
	if err := registry.RegisterEntity(entity.Descriptor{
		Type: TypeHousing,
		Properties: []entity.PropertyDescriptor{
			{Name: "name", Kind: entity.KindString},
			{Name: "environment", Kind: entity.KindString},
			{Name: "capacity", Kind: entity.KindInt, Initial: int64(1)},
		},
	}); err != nil {
		return err
	}
	if err := registry.RegisterEntity(entity.Descriptor{
		Type: TypeOrganism,
		Properties: []entity.PropertyDescriptor{
			{Name: "name", Kind: entity.KindString},
			{Name: "species", Kind: entity.KindString},
		},
		Associations: []string{"housing"},
	}); err != nil {
		return err
	}
	registry.RegisterAssembly(func(a *composite.Assembler) {
		a.Capability(CapabilityHusbandry).
			Operation(OperationHouse).
			Wrap(composite.SharedWrapper(composite.WrapperFunc(requireIdentities))).
			Primary(composite.SharedPrimary(composite.PrimaryFunc(house))).
			Observe(composite.SharedObserver(composite.ObserverFunc(p.habitatCheck)))
		a.Composite(TypeOrganism, CapabilityHusbandry)
	})
	return nil
}

// Warnings returns the findings recorded so far.
func (p *Plugin) Warnings() []Warning {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Warning(nil), p.warnings...)
}

func (p *Plugin) warn(w Warning) {
	p.mu.Lock()
	p.warnings = append(p.warnings, w)
	p.mu.Unlock()
}

// placement is the result of a Husbandry.house call.
type placement struct {
	Organism *entity.State
	Housing  *entity.State
}

func requireIdentities(ctx context.Context, inv *composite.Invocation, next composite.Next) (any, error) {
	for i := 0; i < 2; i++ {
		id, ok := inv.Arg(i).(entity.Identity)
		if !ok || id.IsZero() {
			return nil, fmt.Errorf("%s.%s: argument %d must be a non-empty identity", inv.Capability, inv.Operation, i)
		}
	}
	return next(ctx, inv)
}

// house assigns organism Arg(0) to housing Arg(1) inside the caller's unit of
// work.
func house(ctx context.Context, inv *composite.Invocation) (any, error) {
	uow, ok := unitofwork.FromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("house: no unit of work in context")
	}
	organism, err := uow.Get(ctx, inv.Arg(0).(entity.Identity))
	if err != nil {
		return nil, err
	}
	housing, err := uow.Get(ctx, inv.Arg(1).(entity.Identity))
	if err != nil {
		return nil, err
	}
	if housing.Type() != TypeHousing {
		return nil, fmt.Errorf("house: %s is a %s, not a %s", housing.Identity(), housing.Type(), TypeHousing)
	}
	if err := organism.SetAssociation("housing", housing.Identity()); err != nil {
		return nil, err
	}
	return placement{Organism: organism, Housing: housing}, nil
}

func (p *Plugin) habitatCheck(_ context.Context, _ *composite.Invocation, result any) error {
	placed, ok := result.(placement)
	if !ok {
		return nil
	}
	species, _ := placed.Organism.Property("species")
	if s, _ := species.(string); !strings.Contains(strings.ToLower(s), "frog") {
		return nil
	}
	env, _ := placed.Housing.Property("environment")
	e, _ := env.(string)
	e = strings.ToLower(e)
	if strings.Contains(e, "aquatic") || strings.Contains(e, "humid") {
		return nil
	}
	p.warn(Warning{
		Rule:     "frog_habitat_warning",
		Organism: placed.Organism.Identity(),
		Housing:  placed.Housing.Identity(),
		Message:  "frog assigned to non-aquatic/non-humid housing",
	})
	return nil
}
