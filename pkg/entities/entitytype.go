package entities

import (
	"github.com/diwise/entity-session/pkg/errors"
)

// EntityType describes the attributes and primary key of one kind of entity
type EntityType struct {
	Name               string
	PrimaryKey         []string
	DefaultProjections []string
	Attributes         *Attributes
}

func NewEntityType(name string, primaryKey []string, attributes ...Attribute) (*EntityType, error) {
	registry, err := NewAttributes(attributes...)
	if err != nil {
		return nil, err
	}

	for _, pk := range primaryKey {
		if _, ok := registry.Get(pk); !ok {
			return nil, errors.NewUnknownAttributeError(name, pk)
		}
	}

	return &EntityType{
		Name:       name,
		PrimaryKey: primaryKey,
		Attributes: registry,
	}, nil
}

func (t *EntityType) WithDefaultProjections(projections ...string) *EntityType {
	t.DefaultProjections = projections
	return t
}

func (t *EntityType) Attribute(name string) (Attribute, error) {
	attr, ok := t.Attributes.Get(name)
	if !ok {
		return nil, errors.NewUnknownAttributeError(t.Name, name)
	}
	return attr, nil
}
