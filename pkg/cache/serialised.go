package cache

import (
	"context"
	"fmt"
	"io"

	"github.com/diwise/entity-session/pkg/entities"
)

// Store is a byte oriented key value store. Get returns an error matching
// errors.ErrNotFound on a miss.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	Clear(ctx context.Context) error
	io.Closer
}

type Serialiser interface {
	Encode(e *entities.Entity) ([]byte, error)
	Decode(data []byte) (*entities.Entity, error)
}

// SerialisedCache stores encoded entities in a Store
type SerialisedCache struct {
	store      Store
	serialiser Serialiser
}

func NewSerialisedCache(store Store, serialiser Serialiser) *SerialisedCache {
	return &SerialisedCache{
		store:      store,
		serialiser: serialiser,
	}
}

func (c *SerialisedCache) Get(ctx context.Context, key string) (*entities.Entity, error) {
	data, err := c.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	e, err := c.serialiser.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode cache entry %q: %w", key, err)
	}

	return e, nil
}

func (c *SerialisedCache) Set(ctx context.Context, key string, e *entities.Entity) error {
	data, err := c.serialiser.Encode(e)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry %q: %w", key, err)
	}
	return c.store.Set(ctx, key, data)
}

func (c *SerialisedCache) Remove(ctx context.Context, key string) error {
	return c.store.Remove(ctx, key)
}

func (c *SerialisedCache) Keys(ctx context.Context) ([]string, error) {
	return c.store.Keys(ctx)
}

func (c *SerialisedCache) Clear(ctx context.Context) error {
	return c.store.Clear(ctx)
}

func (c *SerialisedCache) Close() error {
	return c.store.Close()
}
