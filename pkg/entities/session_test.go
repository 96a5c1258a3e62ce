package entities

import (
	"io"
	"log/slog"
	"testing"

	"github.com/diwise/entity-session/pkg/errors"
	"github.com/diwise/entity-session/pkg/operations"
	"github.com/diwise/entity-session/pkg/types"
	"github.com/matryer/is"
)

type testSession struct {
	types        map[string]*EntityType
	log          *operations.Log
	recording    bool
	autoPopulate bool
	populated    [][]string
	populate     func(entities []*Entity, projections ...string) error
}

func newTestSession(is *is.I) *testSession {
	metadata, err := NewEntityType("Metadata", []string{"parent_id", "key"},
		NewScalar("parent_id", Immutable()),
		NewScalar("parent_type"),
		NewScalar("key", Immutable()),
		NewScalar("value"),
	)
	is.NoErr(err)

	project, err := NewEntityType("Project", []string{"id"},
		NewScalar("id", Immutable(), UUID()),
		NewScalar("name"),
		NewScalar("status", Default("open")),
		NewCollection("tasks", "Task"),
		NewCollection("archived_tasks", "Task", Immutable()),
		NewMapped("metadata", "Metadata", "key", "value", ParentLinkCreator),
	)
	is.NoErr(err)
	project.WithDefaultProjections("id", "name")

	task, err := NewEntityType("Task", []string{"id"},
		NewScalar("id", Immutable(), UUID()),
		NewScalar("name"),
		NewScalar("bid", Computed()),
		NewReference("project", "Project"),
	)
	is.NoErr(err)

	return &testSession{
		types: map[string]*EntityType{
			"Metadata": metadata,
			"Project":  project,
			"Task":     task,
		},
		log:       operations.NewLog(),
		recording: true,
	}
}

func (s *testSession) Create(entityType string, data map[string]any) (*Entity, error) {
	t, err := s.Type(entityType)
	if err != nil {
		return nil, err
	}
	return New(s, t, data)
}

func (s *testSession) reconstruct(is *is.I, entityType string, data map[string]any) *Entity {
	t, err := s.Type(entityType)
	is.NoErr(err)
	e, err := Reconstruct(s, t, data)
	is.NoErr(err)
	return e
}

func (s *testSession) Type(name string) (*EntityType, error) {
	t, ok := s.types[name]
	if !ok {
		return nil, errors.NewUnrecognisedEntityTypeError(name)
	}
	return t, nil
}

func (s *testSession) Populate(entities []*Entity, projections ...string) error {
	s.populated = append(s.populated, projections)
	if s.populate == nil {
		return nil
	}
	return s.WithoutAutoPopulate(func() error {
		return s.populate(entities, projections...)
	})
}

func (s *testSession) AutoPopulating() bool { return s.autoPopulate }

func (s *testSession) WithoutAutoPopulate(fn func() error) error {
	previous := s.autoPopulate
	s.autoPopulate = false
	defer func() { s.autoPopulate = previous }()
	return fn()
}

func (s *testSession) Recording() bool { return s.recording }

func (s *testSession) WithoutRecording(fn func() error) error {
	previous := s.recording
	s.recording = false
	defer func() { s.recording = previous }()
	return fn()
}

func (s *testSession) Record(op operations.Operation) {
	s.log.Push(op)
}

func (s *testSession) State(identity types.Identity) types.State {
	return s.log.State(identity)
}

func (s *testSession) Delete(e *Entity) error {
	identity, err := e.Identity()
	if err != nil {
		return err
	}

	if state := s.log.State(identity); state == types.StateDeleted {
		return errors.NewInvalidStateTransitionError(identity.String(), state.String(), state.String())
	}

	s.log.Push(operations.Delete{EntityType: identity.EntityType, PrimaryKey: identity.PrimaryKey})
	return nil
}

func (s *testSession) Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStorageDirtyTracking(t *testing.T) {
	is := is.New(t)

	s := NewStorage()
	is.True(!s.IsSet("name"))
	is.Equal(s.Value("name"), types.NotSet)

	s.SetRemote("name", "a")
	is.True(s.IsSet("name"))
	is.True(!s.IsModified("name"))

	s.SetLocal("name", "b")
	is.Equal(s.Value("name"), "b")
	is.True(s.IsModified("name"))

	s.SetLocal("name", "a")
	is.True(!s.IsModified("name"))
}
