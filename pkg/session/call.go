package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/diwise/entity-session/pkg/codec"
	"github.com/diwise/entity-session/pkg/entities"
	errs "github.com/diwise/entity-session/pkg/errors"
)

// Call sends a batch of raw actions and returns the result records aligned
// with them. Entities in the results are merged into the session.
func (s *Session) Call(actions []map[string]any) ([]map[string]any, error) {
	return s.call(s.ctx, actions, true)
}

func (s *Session) call(ctx context.Context, actions []map[string]any, merge bool) ([]map[string]any, error) {
	body, err := json.Marshal(actions)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch: %w", err)
	}

	response, err := s.transport.Call(ctx, body)
	if err != nil {
		return nil, err
	}

	decoded, err := codec.Decode(response, s.Reconstruct)
	if err != nil {
		return nil, fmt.Errorf("failed to decode response: %s (%w)", err.Error(), errs.ErrBadResponse)
	}

	list, ok := decoded.([]any)
	if !ok {
		return nil, fmt.Errorf("expected a list of result records (%w)", errs.ErrBadResponse)
	}

	records := make([]map[string]any, 0, len(list))
	for _, item := range list {
		record, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("expected a result record, got %T (%w)", item, errs.ErrBadResponse)
		}

		if merge {
			if record["data"], err = s.mergeValue(record["data"]); err != nil {
				return nil, err
			}
		}

		records = append(records, record)
	}

	return records, nil
}

// mergeValue replaces every entity in a decoded value with its canonical instance
func (s *Session) mergeValue(value any) (any, error) {
	switch v := value.(type) {
	case *entities.Entity:
		return s.Merge(v)
	case []any:
		for idx, item := range v {
			merged, err := s.mergeValue(item)
			if err != nil {
				return nil, err
			}
			v[idx] = merged
		}
	}

	return value, nil
}
