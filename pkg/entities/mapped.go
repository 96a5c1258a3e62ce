package entities

import (
	"fmt"
	"maps"
	"slices"

	"github.com/diwise/entity-session/pkg/errors"
	"github.com/diwise/entity-session/pkg/types"
)

// MappedCollectionProxy presents a collection of key/value entities as a map
type MappedCollectionProxy struct {
	collection *Collection
	attribute  *MappedAttribute
}

func (p *MappedCollectionProxy) Collection() *Collection {
	return p.collection
}

func (p *MappedCollectionProxy) Entity() *Entity {
	return p.collection.entity
}

func (p *MappedCollectionProxy) Attribute() *MappedAttribute {
	return p.attribute
}

func (p *MappedCollectionProxy) keyOf(item *Entity) (string, error) {
	k, err := item.Get(p.attribute.KeyAttribute)
	if err != nil {
		return "", err
	}
	return stringify(k), nil
}

func (p *MappedCollectionProxy) find(key string) (*Entity, error) {
	for _, item := range p.collection.items {
		k, err := p.keyOf(item)
		if err != nil {
			return nil, err
		}
		if k == key {
			return item, nil
		}
	}
	return nil, nil
}

func (p *MappedCollectionProxy) Get(key string) (any, error) {
	item, err := p.find(key)
	if err != nil {
		return types.NotSet, err
	}
	if item == nil {
		return types.NotSet, errors.NewNotFoundError(fmt.Sprintf("no key %q in %s", key, p.attribute.Name()))
	}
	return item.Get(p.attribute.ValueAttribute)
}

// Set updates the value of an existing key or creates a new keyed entity.
// Entities created by this call are recorded as a change of the collection,
// entities persisted by the creator are attached without recording.
func (p *MappedCollectionProxy) Set(key string, value any) error {
	item, err := p.find(key)
	if err != nil {
		return err
	}

	if item != nil {
		return item.Set(p.attribute.ValueAttribute, value)
	}

	if p.attribute.Creator == nil {
		return fmt.Errorf("mapped attribute %q has no creator", p.attribute.Name())
	}

	item, err = p.attribute.Creator(p, map[string]any{
		p.attribute.KeyAttribute:   key,
		p.attribute.ValueAttribute: value,
	})
	if err != nil {
		return err
	}

	if item.State() == types.StateCreated {
		return p.collection.Append(item)
	}

	return p.collection.entity.session.WithoutRecording(func() error {
		return p.collection.Append(item)
	})
}

// Delete removes the keyed entity from the collection and deletes it
func (p *MappedCollectionProxy) Delete(key string) error {
	item, err := p.find(key)
	if err != nil {
		return err
	}
	if item == nil {
		return errors.NewNotFoundError(fmt.Sprintf("no key %q in %s", key, p.attribute.Name()))
	}

	if err := p.collection.Remove(item); err != nil {
		return err
	}

	return p.collection.entity.session.Delete(item)
}

func (p *MappedCollectionProxy) Keys() ([]string, error) {
	keys := make([]string, 0, len(p.collection.items))
	for _, item := range p.collection.items {
		k, err := p.keyOf(item)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func (p *MappedCollectionProxy) Len() int {
	return p.collection.Len()
}

func (p *MappedCollectionProxy) Map() (map[string]any, error) {
	m := make(map[string]any, p.collection.Len())
	for _, item := range p.collection.items {
		k, err := p.keyOf(item)
		if err != nil {
			return nil, err
		}
		v, err := item.Get(p.attribute.ValueAttribute)
		if err != nil {
			return nil, err
		}
		m[k] = v
	}
	return m, nil
}

// Replace makes the proxy hold exactly data. Keys missing from data are
// deleted, the remaining keys are upserted in sorted order.
func (p *MappedCollectionProxy) Replace(data map[string]any) error {
	current, err := p.Map()
	if err != nil {
		return err
	}

	for _, key := range slices.Sorted(maps.Keys(current)) {
		if _, keep := data[key]; keep {
			continue
		}
		if err := p.Delete(key); err != nil {
			return err
		}
	}

	for _, key := range slices.Sorted(maps.Keys(data)) {
		if existing, ok := current[key]; ok && valuesEqual(existing, data[key]) {
			continue
		}
		if err := p.Set(key, data[key]); err != nil {
			return err
		}
	}

	return nil
}

// ParentLinkCreator creates keyed entities that point back at the owner of
// the proxy through parent_id and parent_type.
func ParentLinkCreator(p *MappedCollectionProxy, data map[string]any) (*Entity, error) {
	parent := p.collection.entity

	identity, err := parent.Identity()
	if err != nil {
		return nil, err
	}

	d := maps.Clone(data)
	d["parent_id"] = identity.PrimaryKey[0]
	d["parent_type"] = parent.TypeName()

	return parent.session.Create(p.attribute.EntityType, d)
}
