package locations

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"

	"github.com/diwise/entity-session/pkg/entities"
	"github.com/diwise/entity-session/pkg/errors"
	"github.com/diwise/entity-session/pkg/types"
)

type Kind string

const (
	// Origin locations describe data that is already in place, registrations
	// are kept in memory
	Origin Kind = "origin"
	// Unmanaged locations register components but never move their data
	Unmanaged Kind = "unmanaged"
	// Managed locations copy component data through their accessor
	Managed Kind = "managed"
	// Memory locations keep their registrations in memory instead of on the server
	Memory Kind = "memory"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case Origin, Unmanaged, Managed, Memory:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown location kind %q", s)
}

const ComponentLocationType string = "ComponentLocation"

// Session is what a location needs to persist its registrations on the server
type Session interface {
	Create(entityType string, data map[string]any) (*entities.Entity, error)
	Delete(e *entities.Entity) error
	Select(expression string) ([]*entities.Entity, error)
}

type capability interface {
	addComponent(ctx context.Context, l *Location, component *entities.Entity, source *Location) (string, error)
	removeComponent(ctx context.Context, l *Location, component *entities.Entity, resourceIdentifier string) error
}

type registrations interface {
	register(ctx context.Context, l *Location, component *entities.Entity, resourceIdentifier string) error
	deregister(ctx context.Context, l *Location, component *entities.Entity) error
	lookup(ctx context.Context, l *Location, components []*entities.Entity) (map[string]string, error)
}

type Location struct {
	ID       string
	Name     string
	Kind     Kind
	Priority int

	Accessor  Accessor
	Structure Structure

	capability    capability
	registrations registrations
}

// New creates a location whose behaviour is selected by kind
func New(id, name string, kind Kind, priority int, accessor Accessor, structure Structure, session Session) (*Location, error) {
	l := &Location{
		ID:        id,
		Name:      name,
		Kind:      kind,
		Priority:  priority,
		Accessor:  accessor,
		Structure: structure,
	}

	if structure == nil {
		l.Structure = StandardStructure{}
	}

	switch kind {
	case Origin:
		l.capability = origin{}
	case Unmanaged:
		l.capability = unmanaged{}
	case Managed:
		l.capability = managed{}
	case Memory:
		l.capability = managed{}
	default:
		return nil, fmt.Errorf("unknown location kind %q", kind)
	}

	if kind == Memory || kind == Origin {
		l.registrations = &memoryRegistrations{entries: map[string]string{}}
	} else {
		if session == nil {
			return nil, fmt.Errorf("location %s requires a session", name)
		}
		l.registrations = &serverRegistrations{session: session}
	}

	if l.Accessor == nil && (kind == Managed || kind == Memory) {
		return nil, fmt.Errorf("location %s of kind %s requires an accessor", name, kind)
	}

	return l, nil
}

func (l *Location) String() string {
	return fmt.Sprintf("%s (%s)", l.Name, l.Kind)
}

// AddComponent places the data of component in this location, copying it from
// source when the location manages data, and registers the result.
func (l *Location) AddComponent(ctx context.Context, component *entities.Entity, source *Location) (string, error) {
	existing, err := l.registrations.lookup(ctx, l, []*entities.Entity{component})
	if err != nil {
		return "", err
	}
	if _, ok := existing[component.Key()]; ok {
		return "", errors.NewNotUniqueError(component.String() + " in " + l.Name)
	}

	resourceIdentifier, err := l.capability.addComponent(ctx, l, component, source)
	if err != nil {
		return "", err
	}

	if err := l.registrations.register(ctx, l, component, resourceIdentifier); err != nil {
		return "", err
	}

	return resourceIdentifier, nil
}

// Register records that component is found at resourceIdentifier without
// moving any data
func (l *Location) Register(ctx context.Context, component *entities.Entity, resourceIdentifier string) error {
	return l.registrations.register(ctx, l, component, resourceIdentifier)
}

func (l *Location) RemoveComponent(ctx context.Context, component *entities.Entity) error {
	resourceIdentifier, err := l.ResourceIdentifier(ctx, component)
	if err != nil {
		return err
	}

	if err := l.capability.removeComponent(ctx, l, component, resourceIdentifier); err != nil {
		return err
	}

	return l.registrations.deregister(ctx, l, component)
}

func (l *Location) ResourceIdentifier(ctx context.Context, component *entities.Entity) (string, error) {
	found, err := l.registrations.lookup(ctx, l, []*entities.Entity{component})
	if err != nil {
		return "", err
	}

	ri, ok := found[component.Key()]
	if !ok {
		return "", errors.NewComponentNotInLocationError(component.String(), l.Name)
	}

	return ri, nil
}

func members(component *entities.Entity) []*entities.Entity {
	v, err := component.Get("members")
	if err != nil || !types.IsSet(v) {
		return nil
	}

	if c, ok := v.(*entities.Collection); ok {
		return c.Items()
	}

	return nil
}

// Availability returns, per component key, the percentage of the component
// present in this location. Containers count their members.
func (l *Location) Availability(ctx context.Context, components []*entities.Entity) (map[string]float64, error) {
	lookup := []*entities.Entity{}
	for _, c := range components {
		if m := members(c); len(m) > 0 {
			lookup = append(lookup, m...)
		} else {
			lookup = append(lookup, c)
		}
	}

	found, err := l.registrations.lookup(ctx, l, lookup)
	if err != nil {
		return nil, err
	}

	availability := make(map[string]float64, len(components))

	for _, c := range components {
		m := members(c)
		if len(m) == 0 {
			if _, ok := found[c.Key()]; ok {
				availability[c.Key()] = 100
			} else {
				availability[c.Key()] = 0
			}
			continue
		}

		present := 0
		for _, member := range m {
			if _, ok := found[member.Key()]; ok {
				present++
			}
		}

		availability[c.Key()] = float64(present) / float64(len(m)) * 100
	}

	return availability, nil
}

type origin struct{}

// origin data is already where the structure says it is
func (origin) addComponent(ctx context.Context, l *Location, component *entities.Entity, source *Location) (string, error) {
	return l.Structure.ResourceIdentifier(component)
}

func (origin) removeComponent(ctx context.Context, l *Location, component *entities.Entity, resourceIdentifier string) error {
	return nil
}

type unmanaged struct{}

func (unmanaged) addComponent(ctx context.Context, l *Location, component *entities.Entity, source *Location) (string, error) {
	if source != nil {
		return source.ResourceIdentifier(ctx, component)
	}
	return l.Structure.ResourceIdentifier(component)
}

func (unmanaged) removeComponent(ctx context.Context, l *Location, component *entities.Entity, resourceIdentifier string) error {
	return nil
}

type managed struct{}

func (managed) addComponent(ctx context.Context, l *Location, component *entities.Entity, source *Location) (string, error) {
	target, err := l.Structure.ResourceIdentifier(component)
	if err != nil {
		return "", err
	}

	if source == nil || source.Accessor == nil {
		return "", fmt.Errorf("cannot add %s to %s without a source location that provides data", component, l.Name)
	}

	from, err := source.ResourceIdentifier(ctx, component)
	if err != nil {
		return "", err
	}

	r, err := source.Accessor.Read(ctx, from)
	if err != nil {
		return "", fmt.Errorf("failed to read %s from %s: %w", from, source.Name, err)
	}
	defer r.Close()

	if err := l.Accessor.Write(ctx, target, r); err != nil {
		return "", fmt.Errorf("failed to write %s to %s: %w", target, l.Name, err)
	}

	return target, nil
}

func (managed) removeComponent(ctx context.Context, l *Location, component *entities.Entity, resourceIdentifier string) error {
	err := l.Accessor.Remove(ctx, resourceIdentifier)
	if err != nil && !errors.Is(err, errors.ErrNotFound) {
		return err
	}
	return nil
}

type memoryRegistrations struct {
	entries map[string]string
}

func (m *memoryRegistrations) register(ctx context.Context, l *Location, component *entities.Entity, resourceIdentifier string) error {
	m.entries[component.Key()] = resourceIdentifier
	return nil
}

func (m *memoryRegistrations) deregister(ctx context.Context, l *Location, component *entities.Entity) error {
	delete(m.entries, component.Key())
	return nil
}

func (m *memoryRegistrations) lookup(ctx context.Context, l *Location, components []*entities.Entity) (map[string]string, error) {
	found := map[string]string{}
	for _, c := range components {
		if ri, ok := m.entries[c.Key()]; ok {
			found[c.Key()] = ri
		}
	}
	return found, nil
}

type serverRegistrations struct {
	session Session
}

func componentID(c *entities.Entity) (string, error) {
	identity, err := c.Identity()
	if err != nil {
		return "", err
	}
	return identity.PrimaryKey[0], nil
}

func (s *serverRegistrations) register(ctx context.Context, l *Location, component *entities.Entity, resourceIdentifier string) error {
	id, err := componentID(component)
	if err != nil {
		return err
	}

	_, err = s.session.Create(ComponentLocationType, map[string]any{
		"component_id":        id,
		"location_id":         l.ID,
		"resource_identifier": resourceIdentifier,
	})

	return err
}

func (s *serverRegistrations) find(l *Location, ids []string) ([]*entities.Entity, error) {
	quoted := make([]string, 0, len(ids))
	for _, id := range ids {
		quoted = append(quoted, fmt.Sprintf("%q", id))
	}

	return s.session.Select(fmt.Sprintf(
		`select id, component_id, resource_identifier from %s where location_id is %q and component_id in (%s)`,
		ComponentLocationType, l.ID, strings.Join(quoted, ", "),
	))
}

func (s *serverRegistrations) deregister(ctx context.Context, l *Location, component *entities.Entity) error {
	id, err := componentID(component)
	if err != nil {
		return err
	}

	found, err := s.find(l, []string{id})
	if err != nil {
		return err
	}

	for _, registration := range found {
		if err := s.session.Delete(registration); err != nil {
			return err
		}
	}

	return nil
}

func (s *serverRegistrations) lookup(ctx context.Context, l *Location, components []*entities.Entity) (map[string]string, error) {
	keys := map[string]string{}
	for _, c := range components {
		id, err := componentID(c)
		if err != nil {
			return nil, err
		}
		keys[id] = c.Key()
	}

	found := map[string]string{}
	if len(keys) == 0 {
		return found, nil
	}

	registrations, err := s.find(l, slices.Sorted(maps.Keys(keys)))
	if err != nil {
		return nil, err
	}

	for _, r := range registrations {
		id, err := entities.Value[string](r, "component_id")
		if err != nil {
			return nil, err
		}
		ri, err := entities.Value[string](r, "resource_identifier")
		if err != nil {
			return nil, err
		}
		if key, ok := keys[id]; ok {
			found[key] = ri
		}
	}

	return found, nil
}

// Registry holds the configured locations ordered by priority, lowest first
type Registry struct {
	locations []*Location
}

func NewRegistry(locations ...*Location) *Registry {
	r := &Registry{}
	for _, l := range locations {
		r.Add(l)
	}
	return r
}

func (r *Registry) Add(l *Location) {
	r.locations = append(r.locations, l)
	sort.SliceStable(r.locations, func(i, j int) bool {
		return r.locations[i].Priority < r.locations[j].Priority
	})
}

func (r *Registry) Remove(id string) {
	r.locations = slices.DeleteFunc(r.locations, func(l *Location) bool { return l.ID == id })
}

func (r *Registry) All() []*Location {
	return slices.Clone(r.locations)
}

func (r *Registry) Get(id string) (*Location, error) {
	for _, l := range r.locations {
		if l.ID == id || l.Name == id {
			return l, nil
		}
	}
	return nil, errors.NewNotFoundError(fmt.Sprintf("no location %q", id))
}

// Availabilities returns the availability of every component in every
// location, keyed by location id.
func (r *Registry) Availabilities(ctx context.Context, components []*entities.Entity) (map[string]map[string]float64, error) {
	result := make(map[string]map[string]float64, len(r.locations))

	for _, l := range r.locations {
		a, err := l.Availability(ctx, components)
		if err != nil {
			return nil, fmt.Errorf("failed to compute availability in %s: %w", l.Name, err)
		}
		result[l.ID] = a
	}

	return result, nil
}

// Pick returns the location with the highest priority that holds all of the
// component.
func (r *Registry) Pick(ctx context.Context, component *entities.Entity) (*Location, error) {
	for _, l := range r.locations {
		a, err := l.Availability(ctx, []*entities.Entity{component})
		if err != nil {
			return nil, err
		}
		if a[component.Key()] >= 100 {
			return l, nil
		}
	}

	return nil, errors.NewComponentNotInLocationError(component.String(), "any location")
}
