package types

import (
	"strings"
)

type notSet struct{}

func (notSet) String() string { return "NOT_SET" }

// NotSet marks an attribute slot that holds no value. It is distinct from nil,
// which is a valid value for nullable attributes.
var NotSet any = notSet{}

func IsSet(value any) bool {
	return value != NotSet
}

// Identity uniquely names a remote entity
type Identity struct {
	EntityType string
	PrimaryKey []string
}

func NewIdentity(entityType string, primaryKey ...string) Identity {
	return Identity{EntityType: entityType, PrimaryKey: primaryKey}
}

func (i Identity) Equal(other Identity) bool {
	if i.EntityType != other.EntityType || len(i.PrimaryKey) != len(other.PrimaryKey) {
		return false
	}

	for idx := range i.PrimaryKey {
		if i.PrimaryKey[idx] != other.PrimaryKey[idx] {
			return false
		}
	}

	return true
}

func (i Identity) String() string {
	return i.EntityType + "(" + strings.Join(i.PrimaryKey, ",") + ")"
}

// State is derived from the pending operations that reference an entity
type State int

const (
	StateNone State = iota
	StateCreated
	StateModified
	StateDeleted
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateModified:
		return "modified"
	case StateDeleted:
		return "deleted"
	default:
		return "none"
	}
}
