package operations

import (
	"maps"
	"slices"

	"github.com/diwise/entity-session/pkg/types"
)

// Operation describes a local mutation that has not yet been sent to the remote.
type Operation interface {
	Identity() types.Identity
}

type Create struct {
	EntityType string
	PrimaryKey []string
	Data       map[string]any
}

func (c Create) Identity() types.Identity {
	return types.NewIdentity(c.EntityType, c.PrimaryKey...)
}

type Update struct {
	EntityType string
	PrimaryKey []string
	Attribute  string
	OldValue   any
	NewValue   any
}

func (u Update) Identity() types.Identity {
	return types.NewIdentity(u.EntityType, u.PrimaryKey...)
}

type Delete struct {
	EntityType string
	PrimaryKey []string
}

func (d Delete) Identity() types.Identity {
	return types.NewIdentity(d.EntityType, d.PrimaryKey...)
}

// Log is the ordered sequence of pending operations. It is not safe for
// concurrent use.
type Log struct {
	operations []Operation
}

func NewLog() *Log {
	return &Log{
		operations: make([]Operation, 0, 16),
	}
}

// Push appends a copy of op so that later changes to the caller's slices or
// maps cannot alter what has been recorded.
func (l *Log) Push(op Operation) {
	switch o := op.(type) {
	case Create:
		o.PrimaryKey = slices.Clone(o.PrimaryKey)
		o.Data = maps.Clone(o.Data)
		op = o
	case *Create:
		op = Create{EntityType: o.EntityType, PrimaryKey: slices.Clone(o.PrimaryKey), Data: maps.Clone(o.Data)}
	case Update:
		o.PrimaryKey = slices.Clone(o.PrimaryKey)
		op = o
	case *Update:
		c := *o
		c.PrimaryKey = slices.Clone(o.PrimaryKey)
		op = c
	case Delete:
		o.PrimaryKey = slices.Clone(o.PrimaryKey)
		op = o
	case *Delete:
		op = Delete{EntityType: o.EntityType, PrimaryKey: slices.Clone(o.PrimaryKey)}
	}

	l.operations = append(l.operations, op)
}

func (l *Log) All() []Operation {
	return slices.Clone(l.operations)
}

func (l *Log) Len() int {
	return len(l.operations)
}

func (l *Log) Clear() {
	l.operations = l.operations[:0]
}

// State replays the log for a single identity. A create is never downgraded to
// modified and a delete is final.
func (l *Log) State(identity types.Identity) types.State {
	state := types.StateNone

	for _, op := range l.operations {
		if !op.Identity().Equal(identity) {
			continue
		}

		switch op.(type) {
		case Create:
			state = types.StateCreated
		case Update:
			if state == types.StateNone {
				state = types.StateModified
			}
		case Delete:
			state = types.StateDeleted
		}
	}

	return state
}
