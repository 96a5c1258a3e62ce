package entities

import (
	"testing"

	"github.com/diwise/entity-session/pkg/operations"
	"github.com/diwise/entity-session/pkg/types"
	"github.com/matryer/is"
)

func metadataOf(is *is.I, project *Entity) *MappedCollectionProxy {
	v, err := project.Get("metadata")
	is.NoErr(err)
	p, ok := v.(*MappedCollectionProxy)
	is.True(ok)
	return p
}

func TestConstructWithMappedValuesCreatesLinkedEntities(t *testing.T) {
	is := is.New(t)
	s := newTestSession(is)

	project, err := s.Create("Project", map[string]any{
		"id":       "p",
		"metadata": map[string]any{"b": "2", "a": "1"},
	})
	is.NoErr(err)

	m, err := metadataOf(is, project).Map()
	is.NoErr(err)
	is.Equal(m, map[string]any{"a": "1", "b": "2"})

	ops := s.log.All()
	is.Equal(ops[0].(operations.Create).EntityType, "Project")
	is.Equal(ops[1].(operations.Create).Data["parent_id"], "p")
	is.Equal(ops[1].(operations.Create).Data["parent_type"], "Project")
	is.Equal(ops[1].(operations.Create).Data["key"], "a")

	_, found := ops[0].(operations.Create).Data["metadata"]
	is.True(!found)
}

func TestReplaceDiffsAgainstCurrentKeys(t *testing.T) {
	is := is.New(t)
	s := newTestSession(is)

	project, err := s.Create("Project", map[string]any{
		"id":       "p",
		"metadata": map[string]any{"a": "1", "b": "2"},
	})
	is.NoErr(err)

	is.NoErr(project.Set("metadata", map[string]any{"b": "3", "c": "4"}))

	proxy := metadataOf(is, project)
	keys, err := proxy.Keys()
	is.NoErr(err)
	is.Equal(keys, []string{"b", "c"})

	v, err := proxy.Get("b")
	is.NoErr(err)
	is.Equal(v, "3")

	is.Equal(s.log.State(types.NewIdentity("Metadata", "p", "a")), types.StateDeleted)

	for _, p := range operations.Compile(s.log.All()) {
		is.True(!p.Identity().Equal(types.NewIdentity("Metadata", "p", "a")))
	}
}

func TestSettingUnchangedValueIsANoop(t *testing.T) {
	is := is.New(t)
	s := newTestSession(is)

	metadata := s.reconstruct(is, "Metadata", map[string]any{"parent_id": "p", "key": "a", "value": "1"})
	project := s.reconstruct(is, "Project", map[string]any{"id": "p", "metadata": []*Entity{metadata}})

	is.NoErr(project.Set("metadata", map[string]any{"a": "1"}))
	is.Equal(s.log.Len(), 0)

	is.NoErr(metadataOf(is, project).Set("a", "2"))
	is.Equal(s.log.Len(), 1)
	is.Equal(s.log.State(types.NewIdentity("Metadata", "p", "a")), types.StateModified)
}
