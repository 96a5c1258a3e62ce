package session

import (
	"fmt"

	"github.com/diwise/entity-session/pkg/codec"
	"github.com/diwise/entity-session/pkg/entities"
)

// Encode marshals v with the attributes selected by strategy
func (s *Session) Encode(v any, strategy codec.Strategy) ([]byte, error) {
	return codec.Encode(v, strategy)
}

// Decode unmarshals data. Entities are reconstructed, not merged.
func (s *Session) Decode(data []byte) (any, error) {
	return codec.Decode(data, s.Reconstruct)
}

// serialiser stores the persisted values of entities in byte caches
type serialiser struct {
	s *Session
}

func (z serialiser) Encode(e *entities.Entity) ([]byte, error) {
	return codec.Encode(e, codec.PersistedOnly)
}

func (z serialiser) Decode(data []byte) (*entities.Entity, error) {
	v, err := z.s.Decode(data)
	if err != nil {
		return nil, err
	}

	e, ok := v.(*entities.Entity)
	if !ok {
		return nil, fmt.Errorf("cache entry holds %T instead of an entity", v)
	}

	return e, nil
}
