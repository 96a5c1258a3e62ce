package entities

import (
	"fmt"
	"slices"

	"github.com/diwise/entity-session/pkg/errors"
	"github.com/diwise/entity-session/pkg/operations"
)

// Collection is an ordered list of distinct entities owned by an attribute of
// another entity. Every structural change records the full list before and
// after the change.
type Collection struct {
	entity    *Entity
	attribute string
	items     []*Entity
	mutable   bool
}

func newCollection(e *Entity, attribute string, items []*Entity) (*Collection, error) {
	c := &Collection{
		entity:    e,
		attribute: attribute,
		items:     make([]*Entity, 0, len(items)),
		mutable:   true,
	}

	for _, item := range items {
		if item == nil {
			return nil, errors.NewNilCollectionItemError(attribute)
		}
		if c.indexOf(item) >= 0 {
			return nil, errors.NewDuplicateItemInCollectionError(item.String(), attribute)
		}
		c.items = append(c.items, item)
	}

	return c, nil
}

func adaptCollection(e *Entity, attribute string, value any, mutable, rebind bool) (*Collection, error) {
	var items []*Entity

	switch v := value.(type) {
	case *Collection:
		if !rebind && v.entity == e && v.attribute == attribute {
			v.mutable = mutable
			return v, nil
		}
		items = v.items
	case []*Entity:
		items = v
	case []any:
		items = make([]*Entity, 0, len(v))
		for _, item := range v {
			entity, ok := item.(*Entity)
			if !ok {
				return nil, fmt.Errorf("collection %q only accepts entities, got %T", attribute, item)
			}
			items = append(items, entity)
		}
	case nil:
	default:
		return nil, fmt.Errorf("collection %q cannot hold %T", attribute, value)
	}

	c, err := newCollection(e, attribute, items)
	if err != nil {
		return nil, err
	}
	c.mutable = mutable

	return c, nil
}

func (c *Collection) Entity() *Entity {
	return c.entity
}

func (c *Collection) Attribute() string {
	return c.attribute
}

func (c *Collection) Mutable() bool {
	return c.mutable
}

func (c *Collection) Len() int {
	return len(c.items)
}

func (c *Collection) At(index int) *Entity {
	return c.items[index]
}

func (c *Collection) Items() []*Entity {
	return slices.Clone(c.items)
}

func (c *Collection) Copy() *Collection {
	return &Collection{
		entity:    c.entity,
		attribute: c.attribute,
		items:     slices.Clone(c.items),
		mutable:   c.mutable,
	}
}

func (c *Collection) indexOf(item *Entity) int {
	for idx, existing := range c.items {
		if existing.Equal(item) {
			return idx
		}
	}
	return -1
}

func (c *Collection) Contains(item *Entity) bool {
	return c.indexOf(item) >= 0
}

// Equal compares the identity sets of two collections, ignoring order
func (c *Collection) Equal(other *Collection) bool {
	if c == other {
		return true
	}
	if c == nil || other == nil || len(c.items) != len(other.items) {
		return false
	}

	keys := make(map[string]int, len(c.items))
	for _, item := range c.items {
		keys[identityKey(item)]++
	}

	for _, item := range other.items {
		k := identityKey(item)
		if keys[k] == 0 {
			return false
		}
		keys[k]--
	}

	return true
}

func (c *Collection) mutate(fn func(items []*Entity) ([]*Entity, error)) error {
	if !c.mutable {
		return errors.NewImmutableCollectionError(c.attribute)
	}

	items, err := fn(slices.Clone(c.items))
	if err != nil {
		return err
	}

	if slices.Contains(items, nil) {
		return errors.NewNilCollectionItemError(c.attribute)
	}

	s := c.entity.session
	if !s.Recording() {
		c.items = items
		return nil
	}

	if err := c.entity.checkNotDeleted(); err != nil {
		return err
	}

	identity, err := c.entity.Identity()
	if err != nil {
		return err
	}

	old := c.Copy()
	c.items = items

	s.Record(operations.Update{
		EntityType: identity.EntityType,
		PrimaryKey: identity.PrimaryKey,
		Attribute:  c.attribute,
		OldValue:   old,
		NewValue:   c.Copy(),
	})

	return nil
}

func (c *Collection) Insert(index int, item *Entity) error {
	return c.mutate(func(items []*Entity) ([]*Entity, error) {
		if c.Contains(item) {
			return nil, errors.NewDuplicateItemInCollectionError(item.String(), c.attribute)
		}
		if index < 0 || index > len(items) {
			return nil, fmt.Errorf("index %d out of range for collection %q", index, c.attribute)
		}
		return slices.Insert(items, index, item), nil
	})
}

func (c *Collection) Append(item *Entity) error {
	return c.Insert(len(c.items), item)
}

// Set replaces the item at index. Setting an item already held at another
// index is rejected.
func (c *Collection) Set(index int, item *Entity) error {
	return c.mutate(func(items []*Entity) ([]*Entity, error) {
		if index < 0 || index >= len(items) {
			return nil, fmt.Errorf("index %d out of range for collection %q", index, c.attribute)
		}
		if existing := c.indexOf(item); existing >= 0 && existing != index {
			return nil, errors.NewDuplicateItemInCollectionError(item.String(), c.attribute)
		}
		items[index] = item
		return items, nil
	})
}

func (c *Collection) Delete(index int) error {
	return c.mutate(func(items []*Entity) ([]*Entity, error) {
		if index < 0 || index >= len(items) {
			return nil, fmt.Errorf("index %d out of range for collection %q", index, c.attribute)
		}
		return slices.Delete(items, index, index+1), nil
	})
}

func (c *Collection) Remove(item *Entity) error {
	index := c.indexOf(item)
	if index < 0 {
		return errors.NewNotFoundError(fmt.Sprintf("%s is not in collection %q", item, c.attribute))
	}
	return c.Delete(index)
}
