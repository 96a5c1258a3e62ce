package session

import (
	"fmt"

	"github.com/diwise/entity-session/pkg/entities"
	errs "github.com/diwise/entity-session/pkg/errors"
)

// Merge reconciles e with the canonical instance of its identity and returns
// the canonical instance. Entities referenced by e are merged first.
func (s *Session) Merge(e *entities.Entity) (*entities.Entity, error) {
	var canonical *entities.Entity

	err := s.WithoutAutoPopulate(func() error {
		var err error
		canonical, err = s.merge(e, map[string]*entities.Entity{})
		return err
	})

	return canonical, err
}

// merge threads the entities resolved during one merge pass through merged,
// which ends reference cycles such as task -> project -> task.
func (s *Session) merge(incoming *entities.Entity, merged map[string]*entities.Entity) (*entities.Entity, error) {
	identity, err := incoming.Identity()
	if err != nil {
		return nil, err
	}

	key := s.keyMaker.Key(identity)
	if canonical, ok := merged[key]; ok {
		return canonical, nil
	}

	fresh := false

	canonical, err := s.cache.Get(s.ctx, key)
	if err != nil {
		if !errs.Is(err, errs.ErrNotFound) {
			return nil, err
		}

		canonical, err = entities.Reconstruct(s, incoming.Type(), map[string]any{})
		if err != nil {
			return nil, err
		}
		fresh = true
	}

	merged[key] = canonical

	resolve := func(nested *entities.Entity) (*entities.Entity, error) {
		if _, err := nested.Identity(); err != nil {
			s.Logger().Debug("leaving nested entity without identity as is", "entity", nested.String(), "parent", key)
			return nested, nil
		}
		return s.merge(nested, merged)
	}

	if err := entities.Canonicalise(incoming, resolve); err != nil {
		return nil, fmt.Errorf("failed to merge entities referenced by %s: %w", identity, err)
	}

	_, attached := s.attached[key]
	if !attached && !fresh && canonical != incoming {
		// loaded from a serialised cache layer, its references are not canonical yet
		if err := entities.Canonicalise(canonical, resolve); err != nil {
			return nil, fmt.Errorf("failed to merge entities referenced by %s: %w", identity, err)
		}
	}

	changes, err := canonical.Merge(incoming)
	if err != nil {
		return nil, err
	}

	if fresh || len(changes) > 0 {
		s.Logger().Debug("caching merged entity", "key", key, "changes", len(changes))
		if err := s.cache.Set(s.ctx, key, canonical); err != nil {
			return nil, fmt.Errorf("failed to cache %s: %w", identity, err)
		}
	}

	if existing, ok := s.attached[key]; ok && existing != canonical {
		return nil, fmt.Errorf("a different instance of %s is already attached: %w", identity, errs.ErrNotUnique)
	}
	s.attached[key] = canonical

	return canonical, nil
}
