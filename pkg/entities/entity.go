package entities

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/diwise/entity-session/pkg/errors"
	"github.com/diwise/entity-session/pkg/operations"
	"github.com/diwise/entity-session/pkg/types"
)

// Session is the part of a session that entities and their attributes depend on
type Session interface {
	Create(entityType string, data map[string]any) (*Entity, error)
	Type(name string) (*EntityType, error)

	Populate(entities []*Entity, projections ...string) error
	AutoPopulating() bool
	WithoutAutoPopulate(fn func() error) error

	Recording() bool
	WithoutRecording(fn func() error) error
	Record(op operations.Operation)
	State(identity types.Identity) types.State

	Delete(e *Entity) error
	Logger() *slog.Logger
}

type Entity struct {
	entityType *EntityType
	session    Session
	storage    *Storage
}

type ChangeKind string

const (
	ChangeLocal  ChangeKind = "local"
	ChangeRemote ChangeKind = "remote"
)

type Change struct {
	Kind      ChangeKind
	Attribute string
	OldValue  any
	NewValue  any
}

type Field struct {
	Name  string
	Value string
}

func newEntity(s Session, t *EntityType) *Entity {
	return &Entity{
		entityType: t,
		session:    s,
		storage:    NewStorage(),
	}
}

// New constructs a locally originated entity and records its creation
func New(s Session, t *EntityType, data map[string]any) (*Entity, error) {
	e := newEntity(s, t)
	log := s.Logger()

	var mapped []*MappedAttribute

	err := s.WithoutAutoPopulate(func() error {
		return s.WithoutRecording(func() error {
			for name := range data {
				if _, ok := t.Attributes.Get(name); !ok && !strings.HasPrefix(name, "__") {
					log.Debug("ignoring unknown attribute", "entity_type", t.Name, "attribute", name)
				}
			}

			for _, attr := range t.Attributes.All() {
				if m, ok := attr.(*MappedAttribute); ok {
					if _, present := data[m.Name()]; present {
						mapped = append(mapped, m)
					}
					continue
				}

				value, present := data[attr.Name()]
				if !present {
					value = attr.DefaultValue(e)
					if !types.IsSet(value) {
						continue
					}
				}

				if err := attr.SetLocal(e, value); err != nil {
					return err
				}
			}

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	identity, err := e.Identity()
	if err != nil {
		return nil, err
	}

	if s.Recording() {
		snapshot := map[string]any{}
		for _, attr := range t.Attributes.All() {
			if _, ok := attr.(*MappedAttribute); ok {
				continue
			}
			if local := attr.Local(e); types.IsSet(local) {
				if c, ok := local.(*Collection); ok {
					local = c.Copy()
				}
				snapshot[attr.Name()] = local
			}
		}

		s.Record(operations.Create{
			EntityType: identity.EntityType,
			PrimaryKey: identity.PrimaryKey,
			Data:       snapshot,
		})
	}

	// mapped values are backed by child entities that link to this one, so
	// they can only be applied once the creation has been recorded
	for _, m := range mapped {
		if err := m.SetLocal(e, data[m.Name()]); err != nil {
			return nil, err
		}
	}

	return e, nil
}

// Reconstruct builds an entity from remote data. Only the attributes present
// in data are set and nothing is recorded.
func Reconstruct(s Session, t *EntityType, data map[string]any) (*Entity, error) {
	e := newEntity(s, t)

	for name, value := range data {
		if strings.HasPrefix(name, "__") {
			continue
		}

		attr, ok := t.Attributes.Get(name)
		if !ok {
			s.Logger().Debug("ignoring unknown attribute", "entity_type", t.Name, "attribute", name)
			continue
		}

		if err := attr.SetRemote(e, value); err != nil {
			return nil, fmt.Errorf("failed to reconstruct %s.%s: %w", t.Name, name, err)
		}
	}

	return e, nil
}

func (e *Entity) Type() *EntityType {
	return e.entityType
}

func (e *Entity) TypeName() string {
	return e.entityType.Name
}

func (e *Entity) Session() Session {
	return e.session
}

func (e *Entity) Storage() *Storage {
	return e.storage
}

func (e *Entity) Attribute(name string) (Attribute, error) {
	return e.entityType.Attribute(name)
}

func (e *Entity) Get(name string) (any, error) {
	attr, err := e.Attribute(name)
	if err != nil {
		return types.NotSet, err
	}
	return attr.Get(e)
}

func (e *Entity) Set(name string, value any) error {
	attr, err := e.Attribute(name)
	if err != nil {
		return err
	}
	return attr.SetLocal(e, value)
}

func (e *Entity) Unset(name string) error {
	return e.Set(name, types.NotSet)
}

// Clear drops every local value without recording anything
func (e *Entity) Clear() {
	for _, attr := range e.entityType.Attributes.All() {
		e.storage.SetLocal(attr.Name(), types.NotSet)
	}
}

func (e *Entity) IsModified(name string) bool {
	return e.storage.IsModified(name)
}

// Values returns every attribute that has a value. Unset scalar attributes
// are fetched with a single population call first.
func (e *Entity) Values() (map[string]any, error) {
	if e.session.AutoPopulating() && e.State() != types.StateCreated {
		missing := []string{}
		for _, attr := range e.entityType.Attributes.All() {
			if _, ok := attr.(*ScalarAttribute); ok && !attr.IsSet(e) {
				missing = append(missing, attr.Name())
			}
		}

		if len(missing) > 0 {
			if err := e.session.Populate([]*Entity{e}, missing...); err != nil {
				return nil, err
			}
		}
	}

	values := map[string]any{}
	for _, attr := range e.entityType.Attributes.All() {
		if v := e.storage.Value(attr.Name()); types.IsSet(v) {
			values[attr.Name()] = v
		}
	}

	return values, nil
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case time.Time:
		return v.Format(time.RFC3339Nano)
	case *Entity:
		if id, err := v.Identity(); err == nil {
			return strings.Join(id.PrimaryKey, ",")
		}
	}
	return fmt.Sprint(value)
}

// Identity is computed from the primary key attributes, preferring local
// values. Storage is read directly so that no population is triggered.
func (e *Entity) Identity() (types.Identity, error) {
	pk := make([]string, 0, len(e.entityType.PrimaryKey))

	for _, name := range e.entityType.PrimaryKey {
		value := e.storage.Value(name)
		if !types.IsSet(value) || value == nil {
			return types.Identity{}, errors.NewMissingPrimaryKeyError(e.entityType.Name, name)
		}
		pk = append(pk, stringify(value))
	}

	return types.NewIdentity(e.entityType.Name, pk...), nil
}

func (e *Entity) PrimaryKey() ([]Field, error) {
	identity, err := e.Identity()
	if err != nil {
		return nil, err
	}

	fields := make([]Field, 0, len(identity.PrimaryKey))
	for idx, name := range e.entityType.PrimaryKey {
		fields = append(fields, Field{Name: name, Value: identity.PrimaryKey[idx]})
	}

	return fields, nil
}

func (e *Entity) Key() string {
	return identityKey(e)
}

// Equal compares entities by identity only
func (e *Entity) Equal(other *Entity) bool {
	if e == other {
		return true
	}
	if e == nil || other == nil {
		return false
	}

	a, errA := e.Identity()
	b, errB := other.Identity()
	if errA != nil || errB != nil {
		return false
	}

	return a.Equal(b)
}

func (e *Entity) State() types.State {
	identity, err := e.Identity()
	if err != nil {
		return types.StateNone
	}
	return e.session.State(identity)
}

// checkNotDeleted fails for entities with a pending delete
func (e *Entity) checkNotDeleted() error {
	identity, err := e.Identity()
	if err != nil {
		return nil
	}

	if state := e.session.State(identity); state == types.StateDeleted {
		return errors.NewInvalidStateTransitionError(identity.String(), state.String(), types.StateModified.String())
	}

	return nil
}

func (e *Entity) String() string {
	if identity, err := e.Identity(); err == nil {
		return identity.String()
	}
	return e.entityType.Name + "(?)"
}

// Merge adopts the remote values of other that differ from those of e, and
// the local values of other where e has none. Scalars are merged first.
func (e *Entity) Merge(other *Entity) ([]Change, error) {
	changes := []Change{}

	if other == nil || other == e {
		return changes, nil
	}

	attributes := e.entityType.Attributes.All()
	ordered := make([]Attribute, 0, len(attributes))
	for _, attr := range attributes {
		if _, ok := attr.(*ScalarAttribute); ok {
			ordered = append(ordered, attr)
		}
	}
	for _, attr := range attributes {
		if _, ok := attr.(*ScalarAttribute); !ok {
			ordered = append(ordered, attr)
		}
	}

	for _, attr := range ordered {
		name := attr.Name()

		if incoming := other.storage.Remote(name); types.IsSet(incoming) {
			old := e.storage.Remote(name)

			if !valuesEqual(old, incoming) {
				adopted, err := attr.adopt(e, incoming, true)
				if err != nil {
					return changes, fmt.Errorf("failed to merge %s.%s: %w", e, name, err)
				}

				e.storage.SetRemote(name, adopted)
				e.refreshLocalCopy(attr, old, adopted)

				changes = append(changes, Change{Kind: ChangeRemote, Attribute: name, OldValue: old, NewValue: adopted})
			}
		}

		if incoming := other.storage.Local(name); types.IsSet(incoming) && !types.IsSet(e.storage.Local(name)) {
			adopted, err := attr.adopt(e, incoming, false)
			if err != nil {
				return changes, fmt.Errorf("failed to merge %s.%s: %w", e, name, err)
			}

			e.storage.SetLocal(name, adopted)
			changes = append(changes, Change{Kind: ChangeLocal, Attribute: name, OldValue: types.NotSet, NewValue: adopted})
		}
	}

	return changes, nil
}

// refreshLocalCopy replaces an unmodified copy-on-read collection with a copy
// of the new remote snapshot.
func (e *Entity) refreshLocalCopy(attr Attribute, oldRemote, newRemote any) {
	name := attr.Name()

	var local, remote *Collection
	switch l := e.storage.Local(name).(type) {
	case *Collection:
		local = l
		remote, _ = newRemote.(*Collection)
	case *MappedCollectionProxy:
		local = l.collection
		if p, ok := newRemote.(*MappedCollectionProxy); ok {
			remote = p.collection
		}
	default:
		return
	}

	if remote == nil {
		return
	}

	unchanged := (!types.IsSet(oldRemote) && local.Len() == 0) || valuesEqual(local, unwrapCollection(oldRemote))
	if !unchanged {
		return
	}

	refreshed := remote.Copy()
	refreshed.mutable = attr.Mutable()

	if p, ok := e.storage.Local(name).(*MappedCollectionProxy); ok {
		e.storage.SetLocal(name, &MappedCollectionProxy{collection: refreshed, attribute: p.attribute})
		return
	}

	e.storage.SetLocal(name, refreshed)
}

func unwrapCollection(value any) any {
	if p, ok := value.(*MappedCollectionProxy); ok {
		return p.collection
	}
	return value
}

// Value returns the value of an attribute converted to T
func Value[T any](e *Entity, name string) (T, error) {
	var zero T

	v, err := e.Get(name)
	if err != nil {
		return zero, err
	}

	if !types.IsSet(v) || v == nil {
		return zero, nil
	}

	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("attribute %s of %s holds %T", name, e, v)
	}

	return t, nil
}
