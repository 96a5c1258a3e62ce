package operations

import (
	"strings"

	"github.com/diwise/entity-session/pkg/types"
)

const (
	ActionCreate string = "create"
	ActionUpdate string = "update"
	ActionDelete string = "delete"
	ActionQuery  string = "query"
)

// Payload is a single wire action compiled from one or more operations.
// EntityData is nil for deletes.
type Payload struct {
	Action     string
	EntityType string
	EntityKey  []string
	EntityData map[string]any
}

func (p *Payload) Identity() types.Identity {
	return types.NewIdentity(p.EntityType, p.EntityKey...)
}

func (p *Payload) key() string {
	return p.EntityType + "," + strings.Join(p.EntityKey, ",")
}

// Compile converts recorded operations into an optimised batch. The passes
// depend on each other and must run in this order.
func Compile(ops []Operation) []*Payload {
	batch := ToPayloads(ops)

	batch = ElideCreatedThenDeleted(batch)
	batch = CollapseUpdates(batch)
	batch = StripUnset(batch)
	batch = ElideEmpty(batch)
	batch = FoldConsecutive(batch)

	return batch
}

func ToPayloads(ops []Operation) []*Payload {
	batch := make([]*Payload, 0, len(ops))

	for _, op := range ops {
		switch o := op.(type) {
		case Create:
			data := make(map[string]any, len(o.Data))
			for k, v := range o.Data {
				data[k] = v
			}
			batch = append(batch, &Payload{
				Action: ActionCreate, EntityType: o.EntityType, EntityKey: o.PrimaryKey, EntityData: data,
			})
		case Update:
			batch = append(batch, &Payload{
				Action: ActionUpdate, EntityType: o.EntityType, EntityKey: o.PrimaryKey,
				EntityData: map[string]any{o.Attribute: o.NewValue},
			})
		case Delete:
			batch = append(batch, &Payload{
				Action: ActionDelete, EntityType: o.EntityType, EntityKey: o.PrimaryKey,
			})
		}
	}

	return batch
}

// ElideCreatedThenDeleted drops every payload for identities that are both
// created and deleted in the batch.
func ElideCreatedThenDeleted(batch []*Payload) []*Payload {
	created := map[string]struct{}{}
	deleted := map[string]struct{}{}

	for _, p := range batch {
		switch p.Action {
		case ActionCreate:
			created[p.key()] = struct{}{}
		case ActionDelete:
			deleted[p.key()] = struct{}{}
		}
	}

	elide := map[string]struct{}{}
	for k := range deleted {
		if _, ok := created[k]; ok {
			elide[k] = struct{}{}
		}
	}

	if len(elide) == 0 {
		return batch
	}

	optimised := make([]*Payload, 0, len(batch))
	for _, p := range batch {
		if _, ok := elide[p.key()]; ok {
			continue
		}
		optimised = append(optimised, p)
	}

	return optimised
}

// CollapseUpdates keeps only the last update value per identity and attribute.
func CollapseUpdates(batch []*Payload) []*Payload {
	seen := map[string]struct{}{}

	for i := len(batch) - 1; i >= 0; i-- {
		p := batch[i]
		if p.Action != ActionUpdate {
			continue
		}

		for attr := range p.EntityData {
			k := p.key() + "/" + attr
			if _, ok := seen[k]; ok {
				delete(p.EntityData, attr)
				continue
			}
			seen[k] = struct{}{}
		}
	}

	return batch
}

// StripUnset removes local clears, they have no remote representation.
func StripUnset(batch []*Payload) []*Payload {
	for _, p := range batch {
		for attr, value := range p.EntityData {
			if !types.IsSet(value) {
				delete(p.EntityData, attr)
			}
		}
	}

	return batch
}

func ElideEmpty(batch []*Payload) []*Payload {
	optimised := make([]*Payload, 0, len(batch))

	for _, p := range batch {
		if p.Action != ActionDelete && len(p.EntityData) == 0 {
			continue
		}
		optimised = append(optimised, p)
	}

	return optimised
}

// FoldConsecutive merges an update into the immediately preceding create or
// update for the same identity.
func FoldConsecutive(batch []*Payload) []*Payload {
	optimised := make([]*Payload, 0, len(batch))
	var previous *Payload

	for _, p := range batch {
		if previous != nil && p.Action == ActionUpdate &&
			(previous.Action == ActionCreate || previous.Action == ActionUpdate) &&
			previous.key() == p.key() {
			for k, v := range p.EntityData {
				previous.EntityData[k] = v
			}
			continue
		}

		optimised = append(optimised, p)
		previous = p
	}

	return optimised
}
