package entities

import (
	"github.com/diwise/entity-session/pkg/types"
)

// Resolver maps an entity to the instance that should be referenced in its place
type Resolver func(e *Entity) (*Entity, error)

// Canonicalise replaces every entity held by the reference, collection and
// mapped attributes of e with the instance returned by resolve. Both the
// local and the remote slot are rewritten. Nothing is recorded.
func Canonicalise(e *Entity, resolve Resolver) error {
	for _, attr := range e.entityType.Attributes.All() {
		name := attr.Name()

		if _, ok := attr.(*ScalarAttribute); ok {
			continue
		}

		local, err := canonicalValue(e.storage.Local(name), resolve)
		if err != nil {
			return err
		}
		e.storage.SetLocal(name, local)

		remote, err := canonicalValue(e.storage.Remote(name), resolve)
		if err != nil {
			return err
		}
		e.storage.SetRemote(name, remote)
	}

	return nil
}

func canonicalValue(value any, resolve Resolver) (any, error) {
	if !types.IsSet(value) {
		return value, nil
	}

	switch v := value.(type) {
	case *Entity:
		if v == nil {
			return value, nil
		}
		return resolve(v)
	case *Collection:
		return canonicalCollection(v, resolve)
	case *MappedCollectionProxy:
		c, err := canonicalCollection(v.collection, resolve)
		if err != nil {
			return nil, err
		}
		return &MappedCollectionProxy{collection: c, attribute: v.attribute}, nil
	}

	return value, nil
}

func canonicalCollection(c *Collection, resolve Resolver) (*Collection, error) {
	items := make([]*Entity, 0, len(c.items))

	for _, item := range c.items {
		resolved, err := resolve(item)
		if err != nil {
			return nil, err
		}
		items = append(items, resolved)
	}

	canonical, err := newCollection(c.entity, c.attribute, items)
	if err != nil {
		return nil, err
	}
	canonical.mutable = c.mutable

	return canonical, nil
}
