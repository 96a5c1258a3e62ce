package session

import (
	"fmt"

	"github.com/diwise/entity-session/pkg/codec"
	"github.com/diwise/entity-session/pkg/entities"
	errs "github.com/diwise/entity-session/pkg/errors"
	"github.com/diwise/entity-session/pkg/events"
	"github.com/diwise/entity-session/pkg/operations"
	"github.com/diwise/entity-session/pkg/types"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Commit sends the pending operations as one optimised batch. On success the
// log is cleared, the local values of every touched entity are dropped and
// the returned data is merged. On failure the log is left as is.
func (s *Session) Commit() error {
	var err error

	ops := s.log.All()
	if len(ops) == 0 {
		return nil
	}

	ctx, span := tracer.Start(s.ctx, "commit", trace.WithAttributes(attribute.Int("operations", len(ops))))
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	batch := s.withoutMappedData(operations.Compile(ops))

	var records []map[string]any

	if len(batch) > 0 {
		var actions []map[string]any
		actions, err = codec.EncodePayloads(batch)
		if err != nil {
			return err
		}

		records, err = s.call(ctx, actions, false)
		if err != nil {
			return fmt.Errorf("commit failed: %w", err)
		}
	}

	s.log.Clear()

	err = s.WithoutAutoPopulate(func() error {
		for _, identity := range touched(ops) {
			if e, ok := s.attached[s.keyMaker.Key(identity)]; ok {
				promotePrimaryKey(e)
				e.Clear()
			}
		}

		for _, record := range records {
			if _, err := s.mergeValue(record["data"]); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return err
	}

	for _, op := range ops {
		if _, ok := op.(operations.Delete); ok {
			if err = s.evict(op.Identity()); err != nil {
				return err
			}
		}
	}

	s.Logger().Debug("committed batch", "operations", len(ops), "payloads", len(batch))

	_, err = s.hub.Publish(ctx, events.Event{
		Topic: events.TopicCommitted,
		Data:  map[string]any{"operations": len(ops), "payloads": len(batch)},
	}, false)

	return err
}

// withoutMappedData drops mapped attribute values from the batch. They are
// persisted through their own keyed entities.
func (s *Session) withoutMappedData(batch []*operations.Payload) []*operations.Payload {
	for _, p := range batch {
		t, err := s.Type(p.EntityType)
		if err != nil {
			continue
		}

		for name := range p.EntityData {
			if attr, ok := t.Attributes.Get(name); ok {
				if _, mapped := attr.(*entities.MappedAttribute); mapped {
					delete(p.EntityData, name)
				}
			}
		}
	}

	return operations.ElideEmpty(batch)
}

// promotePrimaryKey keeps a locally assigned key so that e can be found
// again once its local values are cleared.
func promotePrimaryKey(e *entities.Entity) {
	storage := e.Storage()
	for _, name := range e.Type().PrimaryKey {
		if local := storage.Local(name); types.IsSet(local) && !types.IsSet(storage.Remote(name)) {
			storage.SetRemote(name, local)
		}
	}
}

func (s *Session) evict(identity types.Identity) error {
	key := s.keyMaker.Key(identity)
	delete(s.attached, key)

	if err := s.cache.Remove(s.ctx, key); err != nil && !errs.Is(err, errs.ErrNotFound) {
		return err
	}

	return nil
}
