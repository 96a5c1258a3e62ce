package entities

import (
	"fmt"

	"github.com/diwise/entity-session/pkg/errors"
	"github.com/diwise/entity-session/pkg/operations"
	"github.com/diwise/entity-session/pkg/types"
	"github.com/google/uuid"
)

// Attribute is a typed accessor bound to an entity type. Values are kept in
// the storage of each entity, never in the attribute itself.
type Attribute interface {
	Name() string
	Mutable() bool
	Computed() bool
	DefaultValue(e *Entity) any

	Get(e *Entity) (any, error)
	Local(e *Entity) any
	Remote(e *Entity) any
	SetLocal(e *Entity, value any) error
	SetRemote(e *Entity, value any) error
	IsSet(e *Entity) bool
	IsModified(e *Entity) bool
	Populate(e *Entity) error

	// adopt rebinds a value taken from another instance of the same entity
	adopt(e *Entity, value any, remote bool) (any, error)
}

type AttributeOption func(*attribute)

func Immutable() AttributeOption {
	return func(a *attribute) {
		a.mutable = false
	}
}

// Computed marks attributes that are derived server side and never persisted
func Computed() AttributeOption {
	return func(a *attribute) {
		a.computed = true
	}
}

func Default(value any) AttributeOption {
	return func(a *attribute) {
		a.defaultValue = value
	}
}

func DefaultFunc(fn func(e *Entity) any) AttributeOption {
	return func(a *attribute) {
		a.defaultFunc = fn
	}
}

// UUID generates a new random identifier for each constructed entity
func UUID() AttributeOption {
	return DefaultFunc(func(*Entity) any {
		return uuid.NewString()
	})
}

type attribute struct {
	name         string
	mutable      bool
	computed     bool
	defaultValue any
	defaultFunc  func(e *Entity) any
}

func newAttribute(name string, options ...AttributeOption) attribute {
	a := attribute{
		name:         name,
		mutable:      true,
		defaultValue: types.NotSet,
	}

	for _, option := range options {
		option(&a)
	}

	return a
}

func (a *attribute) Name() string   { return a.name }
func (a *attribute) Mutable() bool  { return a.mutable }
func (a *attribute) Computed() bool { return a.computed }

func (a *attribute) DefaultValue(e *Entity) any {
	if a.defaultFunc != nil {
		return a.defaultFunc(e)
	}
	return a.defaultValue
}

func (a *attribute) Local(e *Entity) any {
	return e.storage.Local(a.name)
}

func (a *attribute) Remote(e *Entity) any {
	return e.storage.Remote(a.name)
}

func (a *attribute) IsSet(e *Entity) bool {
	return e.storage.IsSet(a.name)
}

func (a *attribute) IsModified(e *Entity) bool {
	return e.storage.IsModified(a.name)
}

func (a *attribute) setRemote(e *Entity, value any) {
	e.storage.SetRemote(a.name, value)
}

// setLocal enforces set-once semantics for immutable attributes and records
// the mutation when the session is recording.
func (a *attribute) setLocal(e *Entity, value any) error {
	if !a.mutable && types.IsSet(value) && a.IsSet(e) {
		return errors.NewImmutableAttributeError(a.name)
	}

	recording := e.session.Recording()
	if recording {
		if err := e.checkNotDeleted(); err != nil {
			return err
		}
	}

	old := e.storage.Local(a.name)
	e.storage.SetLocal(a.name, value)

	if recording {
		identity, err := e.Identity()
		if err != nil {
			e.storage.SetLocal(a.name, old)
			return err
		}

		e.session.Record(operations.Update{
			EntityType: identity.EntityType,
			PrimaryKey: identity.PrimaryKey,
			Attribute:  a.name,
			OldValue:   snapshot(old),
			NewValue:   snapshot(value),
		})
	}

	return nil
}

// snapshot detaches collection values from the live lists held in storage
func snapshot(value any) any {
	switch v := value.(type) {
	case *Collection:
		return v.Copy()
	case *MappedCollectionProxy:
		return &MappedCollectionProxy{collection: v.collection.Copy(), attribute: v.attribute}
	}
	return value
}

func getValue(a Attribute, e *Entity) (any, error) {
	if local := a.Local(e); types.IsSet(local) {
		return local, nil
	}

	if remote := a.Remote(e); types.IsSet(remote) {
		return remote, nil
	}

	if !e.session.AutoPopulating() || e.State() == types.StateCreated {
		return types.NotSet, nil
	}

	if err := a.Populate(e); err != nil {
		return types.NotSet, fmt.Errorf("failed to populate %s on %s: %w", a.Name(), e, err)
	}

	return a.Remote(e), nil
}

// ScalarAttribute holds a primitive value such as a string, number, boolean or time
type ScalarAttribute struct {
	attribute
}

func NewScalar(name string, options ...AttributeOption) *ScalarAttribute {
	return &ScalarAttribute{attribute: newAttribute(name, options...)}
}

func (a *ScalarAttribute) Get(e *Entity) (any, error) {
	return getValue(a, e)
}

func (a *ScalarAttribute) SetLocal(e *Entity, value any) error {
	return a.setLocal(e, value)
}

func (a *ScalarAttribute) SetRemote(e *Entity, value any) error {
	a.setRemote(e, value)
	return nil
}

func (a *ScalarAttribute) Populate(e *Entity) error {
	return e.session.Populate([]*Entity{e}, a.name)
}

func (a *ScalarAttribute) adopt(e *Entity, value any, remote bool) (any, error) {
	return value, nil
}

// ReferenceAttribute points at a single entity of EntityType
type ReferenceAttribute struct {
	attribute
	EntityType string
}

func NewReference(name, entityType string, options ...AttributeOption) *ReferenceAttribute {
	return &ReferenceAttribute{attribute: newAttribute(name, options...), EntityType: entityType}
}

func (a *ReferenceAttribute) Get(e *Entity) (any, error) {
	return getValue(a, e)
}

func checkReference(attribute string, value any) error {
	switch value.(type) {
	case *Entity, nil:
		return nil
	}

	if !types.IsSet(value) {
		return nil
	}

	return fmt.Errorf("attribute %q only accepts entities, got %T", attribute, value)
}

func (a *ReferenceAttribute) SetLocal(e *Entity, value any) error {
	if err := checkReference(a.name, value); err != nil {
		return err
	}
	return a.setLocal(e, value)
}

func (a *ReferenceAttribute) SetRemote(e *Entity, value any) error {
	if err := checkReference(a.name, value); err != nil {
		return err
	}
	a.setRemote(e, value)
	return nil
}

// Populate fetches the referenced entity together with its default projections
func (a *ReferenceAttribute) Populate(e *Entity) error {
	projections := []string{a.name}

	if referenced, err := e.session.Type(a.EntityType); err == nil && len(referenced.DefaultProjections) > 0 {
		projections = make([]string, 0, len(referenced.DefaultProjections))
		for _, p := range referenced.DefaultProjections {
			projections = append(projections, a.name+"."+p)
		}
	}

	return e.session.Populate([]*Entity{e}, projections...)
}

func (a *ReferenceAttribute) adopt(e *Entity, value any, remote bool) (any, error) {
	return value, nil
}

// CollectionAttribute holds an ordered list of entities of EntityType
type CollectionAttribute struct {
	attribute
	EntityType string
}

func NewCollection(name, entityType string, options ...AttributeOption) *CollectionAttribute {
	return &CollectionAttribute{attribute: newAttribute(name, options...), EntityType: entityType}
}

// Get copies a materialised remote collection into local storage on first read
// so that mutations never touch the remote snapshot.
func (a *CollectionAttribute) Get(e *Entity) (any, error) {
	if local := a.Local(e); types.IsSet(local) {
		return local, nil
	}

	remote, err := getValue(a, e)
	if err != nil {
		return types.NotSet, err
	}

	var value *Collection
	if rc, ok := remote.(*Collection); ok {
		value = rc.Copy()
	} else {
		value, _ = newCollection(e, a.name, nil)
	}
	value.mutable = a.mutable

	err = e.session.WithoutRecording(func() error {
		return a.attribute.setLocal(e, value)
	})
	if err != nil {
		if errors.Is(err, errors.ErrImmutableAttribute) {
			return remote, nil
		}
		return types.NotSet, err
	}

	return value, nil
}

func (a *CollectionAttribute) SetLocal(e *Entity, value any) error {
	if !types.IsSet(value) {
		return a.setLocal(e, value)
	}

	c, err := adaptCollection(e, a.name, value, a.mutable, false)
	if err != nil {
		return err
	}

	return a.setLocal(e, c)
}

func (a *CollectionAttribute) SetRemote(e *Entity, value any) error {
	if !types.IsSet(value) {
		a.setRemote(e, value)
		return nil
	}

	c, err := adaptCollection(e, a.name, value, false, true)
	if err != nil {
		return err
	}

	a.setRemote(e, c)
	return nil
}

func (a *CollectionAttribute) Populate(e *Entity) error {
	return e.session.Populate([]*Entity{e}, a.name)
}

func (a *CollectionAttribute) adopt(e *Entity, value any, remote bool) (any, error) {
	if !types.IsSet(value) {
		return value, nil
	}
	return adaptCollection(e, a.name, value, a.mutable && !remote, true)
}

// Creator builds the keyed entity backing a new key of a mapped collection
type Creator func(proxy *MappedCollectionProxy, data map[string]any) (*Entity, error)

// MappedAttribute exposes a collection of small key/value entities as a map
type MappedAttribute struct {
	attribute
	EntityType     string
	KeyAttribute   string
	ValueAttribute string
	Creator        Creator
}

func NewMapped(name, entityType, keyAttribute, valueAttribute string, creator Creator, options ...AttributeOption) *MappedAttribute {
	return &MappedAttribute{
		attribute:      newAttribute(name, options...),
		EntityType:     entityType,
		KeyAttribute:   keyAttribute,
		ValueAttribute: valueAttribute,
		Creator:        creator,
	}
}

func (a *MappedAttribute) Get(e *Entity) (any, error) {
	if local := a.Local(e); types.IsSet(local) {
		return local, nil
	}

	remote, err := getValue(a, e)
	if err != nil {
		return types.NotSet, err
	}

	var collection *Collection
	if rp, ok := remote.(*MappedCollectionProxy); ok {
		collection = rp.collection.Copy()
	} else {
		collection, _ = newCollection(e, a.name, nil)
	}
	collection.mutable = a.mutable

	value := &MappedCollectionProxy{collection: collection, attribute: a}

	err = e.session.WithoutRecording(func() error {
		return a.attribute.setLocal(e, value)
	})
	if err != nil {
		if errors.Is(err, errors.ErrImmutableAttribute) {
			return remote, nil
		}
		return types.NotSet, err
	}

	return value, nil
}

// SetLocal accepts a map for dictionary style assignment, the difference is
// applied through the proxy.
func (a *MappedAttribute) SetLocal(e *Entity, value any) error {
	if data, ok := value.(map[string]any); ok {
		current, err := a.Get(e)
		if err != nil {
			return err
		}

		proxy, ok := current.(*MappedCollectionProxy)
		if !ok {
			return fmt.Errorf("attribute %q of %s has no collection to update", a.name, e)
		}

		return proxy.Replace(data)
	}

	if !types.IsSet(value) {
		return a.setLocal(e, value)
	}

	proxy, err := a.adaptProxy(e, value, a.mutable)
	if err != nil {
		return err
	}

	return a.setLocal(e, proxy)
}

func (a *MappedAttribute) SetRemote(e *Entity, value any) error {
	if !types.IsSet(value) {
		a.setRemote(e, value)
		return nil
	}

	proxy, err := a.adaptProxy(e, value, false)
	if err != nil {
		return err
	}

	a.setRemote(e, proxy)
	return nil
}

func (a *MappedAttribute) Populate(e *Entity) error {
	return e.session.Populate([]*Entity{e}, a.name)
}

func (a *MappedAttribute) adopt(e *Entity, value any, remote bool) (any, error) {
	if !types.IsSet(value) {
		return value, nil
	}
	return a.adaptProxy(e, value, a.mutable && !remote)
}

func (a *MappedAttribute) adaptProxy(e *Entity, value any, mutable bool) (*MappedCollectionProxy, error) {
	if p, ok := value.(*MappedCollectionProxy); ok {
		value = p.collection
	}

	c, err := adaptCollection(e, a.name, value, mutable, true)
	if err != nil {
		return nil, err
	}

	return &MappedCollectionProxy{collection: c, attribute: a}, nil
}

// Attributes is an ordered registry of attributes with unique names
type Attributes struct {
	order  []Attribute
	byName map[string]Attribute
}

func NewAttributes(attributes ...Attribute) (*Attributes, error) {
	a := &Attributes{byName: map[string]Attribute{}}

	for _, attr := range attributes {
		if err := a.Add(attr); err != nil {
			return nil, err
		}
	}

	return a, nil
}

func (a *Attributes) Add(attribute Attribute) error {
	if _, exists := a.byName[attribute.Name()]; exists {
		return errors.NewNotUniqueError(attribute.Name())
	}

	a.order = append(a.order, attribute)
	a.byName[attribute.Name()] = attribute

	return nil
}

func (a *Attributes) Get(name string) (Attribute, bool) {
	attr, ok := a.byName[name]
	return attr, ok
}

func (a *Attributes) All() []Attribute {
	return append([]Attribute{}, a.order...)
}

func (a *Attributes) Names() []string {
	names := make([]string, 0, len(a.order))
	for _, attr := range a.order {
		names = append(names, attr.Name())
	}
	return names
}

func (a *Attributes) Len() int {
	return len(a.order)
}
