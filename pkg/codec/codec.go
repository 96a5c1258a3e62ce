package codec

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/diwise/entity-session/pkg/entities"
	"github.com/diwise/entity-session/pkg/operations"
	"github.com/diwise/entity-session/pkg/types"
)

// Strategy selects which attributes of an entity are encoded
type Strategy string

const (
	All           Strategy = "all"
	SetOnly       Strategy = "set_only"
	ModifiedOnly  Strategy = "modified_only"
	PersistedOnly Strategy = "persisted_only"
)

const (
	EntityTypeKey string = "__entity_type__"
	TypeKey       string = "__type__"
	DateTime      string = "datetime"
)

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case All, SetOnly, ModifiedOnly, PersistedOnly:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown encoding strategy %q", s)
}

// Reconstructor builds an entity from decoded remote data
type Reconstructor func(entityType string, data map[string]any) (*entities.Entity, error)

// Encode marshals v to JSON. Entities at the top level are encoded with
// the attributes selected by strategy, nested entities as references.
func Encode(v any, strategy Strategy) ([]byte, error) {
	var encoded any
	var err error

	switch t := v.(type) {
	case *entities.Entity:
		encoded, err = EncodeEntity(t, strategy)
	case []*entities.Entity:
		list := make([]any, 0, len(t))
		for _, e := range t {
			m, err := EncodeEntity(e, strategy)
			if err != nil {
				return nil, err
			}
			list = append(list, m)
		}
		encoded = list
	default:
		encoded, err = EncodeValue(v)
	}

	if err != nil {
		return nil, err
	}

	return json.Marshal(encoded)
}

// EncodeEntity encodes e with its type marker and primary key followed by the
// attributes selected by strategy. Mapped attributes are never included.
func EncodeEntity(e *entities.Entity, strategy Strategy) (map[string]any, error) {
	data, err := Reference(e)
	if err != nil {
		return nil, err
	}

	storage := e.Storage()

	for _, attr := range e.Type().Attributes.All() {
		if _, mapped := attr.(*entities.MappedAttribute); mapped {
			continue
		}

		name := attr.Name()
		value := types.NotSet

		switch strategy {
		case All:
			if _, collection := attr.(*entities.CollectionAttribute); collection {
				// Get would copy the remote list into local storage
				value = storage.Value(name)
			} else if value, err = attr.Get(e); err != nil {
				return nil, err
			}
		case SetOnly:
			value = storage.Value(name)
		case ModifiedOnly:
			if attr.IsModified(e) {
				value = storage.Local(name)
			}
		case PersistedOnly:
			if !attr.Computed() {
				value = storage.Remote(name)
			}
		default:
			return nil, fmt.Errorf("unknown encoding strategy %q", strategy)
		}

		if !types.IsSet(value) {
			continue
		}

		if data[name], err = EncodeValue(value); err != nil {
			return nil, fmt.Errorf("failed to encode %s.%s: %w", e, name, err)
		}
	}

	return data, nil
}

// Reference encodes the identity of e
func Reference(e *entities.Entity) (map[string]any, error) {
	ref := map[string]any{EntityTypeKey: e.TypeName()}

	for _, name := range e.Type().PrimaryKey {
		value := e.Storage().Value(name)
		if !types.IsSet(value) {
			return nil, fmt.Errorf("cannot reference %s: primary key %q is not set", e.TypeName(), name)
		}

		encoded, err := EncodeValue(value)
		if err != nil {
			return nil, err
		}
		ref[name] = encoded
	}

	return ref, nil
}

// EncodeValue converts a single attribute value to its wire form
func EncodeValue(v any) (any, error) {
	switch t := v.(type) {
	case *entities.Entity:
		return Reference(t)
	case *entities.Collection:
		return encodeList(t.Items())
	case *entities.MappedCollectionProxy:
		return encodeList(t.Collection().Items())
	case []*entities.Entity:
		return encodeList(t)
	case time.Time:
		return map[string]any{TypeKey: DateTime, "value": t.Format(time.RFC3339Nano)}, nil
	case *time.Time:
		if t == nil {
			return nil, nil
		}
		return EncodeValue(*t)
	case []any:
		list := make([]any, 0, len(t))
		for _, item := range t {
			encoded, err := EncodeValue(item)
			if err != nil {
				return nil, err
			}
			list = append(list, encoded)
		}
		return list, nil
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, item := range t {
			if !types.IsSet(item) {
				continue
			}
			encoded, err := EncodeValue(item)
			if err != nil {
				return nil, err
			}
			m[k] = encoded
		}
		return m, nil
	}

	if !types.IsSet(v) {
		return nil, fmt.Errorf("cannot encode an unset value")
	}

	return v, nil
}

func encodeList(items []*entities.Entity) ([]any, error) {
	list := make([]any, 0, len(items))
	for _, item := range items {
		ref, err := Reference(item)
		if err != nil {
			return nil, err
		}
		list = append(list, ref)
	}
	return list, nil
}

// EncodePayloads converts a compiled batch into wire actions
func EncodePayloads(batch []*operations.Payload) ([]map[string]any, error) {
	actions := make([]map[string]any, 0, len(batch))

	for _, p := range batch {
		action := map[string]any{
			"action":      p.Action,
			"entity_type": p.EntityType,
			"entity_key":  p.EntityKey,
		}

		if p.Action != operations.ActionDelete {
			data, err := EncodeValue(p.EntityData)
			if err != nil {
				return nil, fmt.Errorf("failed to encode %s payload for %s: %w", p.Action, p.Identity(), err)
			}

			entityData := data.(map[string]any)
			entityData[EntityTypeKey] = p.EntityType
			action["entity_data"] = entityData
		}

		actions = append(actions, action)
	}

	return actions, nil
}

// Decode unmarshals data and replaces datetime and entity markers with their
// values. Nested values are decoded before the entity that holds them.
func Decode(data []byte, reconstruct Reconstructor) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal: %w", err)
	}
	return DecodeValue(v, reconstruct)
}

func DecodeValue(v any, reconstruct Reconstructor) (any, error) {
	switch t := v.(type) {
	case []any:
		list := make([]any, 0, len(t))
		for _, item := range t {
			decoded, err := DecodeValue(item, reconstruct)
			if err != nil {
				return nil, err
			}
			list = append(list, decoded)
		}
		return list, nil

	case map[string]any:
		if t[TypeKey] == DateTime {
			s, _ := t["value"].(string)
			return ParseDateTime(s)
		}

		m := make(map[string]any, len(t))
		for k, item := range t {
			decoded, err := DecodeValue(item, reconstruct)
			if err != nil {
				return nil, err
			}
			m[k] = decoded
		}

		if entityType, ok := m[EntityTypeKey].(string); ok && reconstruct != nil {
			return reconstruct(entityType, m)
		}

		return m, nil
	}

	return v, nil
}

// ParseDateTime accepts ISO-8601 timestamps with or without a zone
func ParseDateTime(s string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
		"2006-01-02",
	}

	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("invalid datetime %q", s)
}
