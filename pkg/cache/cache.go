package cache

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/diwise/entity-session/pkg/entities"
	"github.com/diwise/entity-session/pkg/errors"
	"github.com/diwise/entity-session/pkg/types"
)

// Cache maps keys made by a KeyMaker to canonical entities. Get returns an
// error matching errors.ErrNotFound on a miss.
type Cache interface {
	Get(ctx context.Context, key string) (*entities.Entity, error)
	Set(ctx context.Context, key string, e *entities.Entity) error
	Remove(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	Clear(ctx context.Context) error
}

type KeyMaker interface {
	Key(identity types.Identity) string
}

type KeyMakerFunc func(identity types.Identity) string

func (f KeyMakerFunc) Key(identity types.Identity) string {
	return f(identity)
}

// StandardKeyMaker joins the entity type and the primary key values with commas
var StandardKeyMaker KeyMaker = KeyMakerFunc(func(identity types.Identity) string {
	return identity.EntityType + "," + strings.Join(identity.PrimaryKey, ",")
})

func notFound(key string) error {
	return errors.NewNotFoundError(fmt.Sprintf("no cache entry for key %q", key))
}

// MemoryCache keeps entities in a map. It is not safe for concurrent use.
type MemoryCache struct {
	entries map[string]*entities.Entity
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: map[string]*entities.Entity{},
	}
}

func (c *MemoryCache) Get(ctx context.Context, key string) (*entities.Entity, error) {
	e, ok := c.entries[key]
	if !ok {
		return nil, notFound(key)
	}
	return e, nil
}

func (c *MemoryCache) Set(ctx context.Context, key string, e *entities.Entity) error {
	c.entries[key] = e
	return nil
}

func (c *MemoryCache) Remove(ctx context.Context, key string) error {
	if _, ok := c.entries[key]; !ok {
		return notFound(key)
	}
	delete(c.entries, key)
	return nil
}

func (c *MemoryCache) Keys(ctx context.Context) ([]string, error) {
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys, nil
}

func (c *MemoryCache) Clear(ctx context.Context) error {
	clear(c.entries)
	return nil
}

// LayeredCache consults its layers in order, fastest first
type LayeredCache struct {
	layers []Cache
}

func NewLayeredCache(layers ...Cache) *LayeredCache {
	return &LayeredCache{layers: layers}
}

func (c *LayeredCache) Layers() []Cache {
	return slices.Clone(c.layers)
}

// Get returns the first hit and copies it into every layer before the one
// it was found in.
func (c *LayeredCache) Get(ctx context.Context, key string) (*entities.Entity, error) {
	for idx, layer := range c.layers {
		e, err := layer.Get(ctx, key)
		if err != nil {
			if errors.Is(err, errors.ErrNotFound) {
				continue
			}
			return nil, err
		}

		for _, earlier := range c.layers[:idx] {
			if err := earlier.Set(ctx, key, e); err != nil {
				return nil, err
			}
		}

		return e, nil
	}

	return nil, notFound(key)
}

func (c *LayeredCache) Set(ctx context.Context, key string, e *entities.Entity) error {
	for _, layer := range c.layers {
		if err := layer.Set(ctx, key, e); err != nil {
			return err
		}
	}
	return nil
}

func (c *LayeredCache) Remove(ctx context.Context, key string) error {
	removed := false

	for _, layer := range c.layers {
		err := layer.Remove(ctx, key)
		if err == nil {
			removed = true
			continue
		}
		if !errors.Is(err, errors.ErrNotFound) {
			return err
		}
	}

	if !removed {
		return notFound(key)
	}

	return nil
}

func (c *LayeredCache) Keys(ctx context.Context) ([]string, error) {
	keys := []string{}

	for _, layer := range c.layers {
		k, err := layer.Keys(ctx)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k...)
	}

	slices.Sort(keys)
	return slices.Compact(keys), nil
}

func (c *LayeredCache) Clear(ctx context.Context) error {
	for _, layer := range c.layers {
		if err := layer.Clear(ctx); err != nil {
			return err
		}
	}
	return nil
}
