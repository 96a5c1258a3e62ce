package entities

import (
	"testing"

	"github.com/diwise/entity-session/pkg/errors"
	"github.com/diwise/entity-session/pkg/operations"
	"github.com/diwise/entity-session/pkg/types"
	"github.com/matryer/is"
)

func projectWithTasks(is *is.I, s *testSession, ids ...string) (*Entity, []*Entity) {
	tasks := []*Entity{}
	for _, id := range ids {
		tasks = append(tasks, s.reconstruct(is, "Task", map[string]any{"id": id}))
	}

	project := s.reconstruct(is, "Project", map[string]any{
		"id":             "p",
		"tasks":          tasks,
		"archived_tasks": tasks,
	})

	return project, tasks
}

func tasksOf(is *is.I, project *Entity, attribute string) *Collection {
	v, err := project.Get(attribute)
	is.NoErr(err)
	c, ok := v.(*Collection)
	is.True(ok)
	return c
}

func TestDuplicateInsertIsRejected(t *testing.T) {
	is := is.New(t)
	s := newTestSession(is)

	project, tasks := projectWithTasks(is, s, "a", "b")
	c := tasksOf(is, project, "tasks")

	duplicate := s.reconstruct(is, "Task", map[string]any{"id": "a"})
	err := c.Append(duplicate)
	is.True(errors.Is(err, errors.ErrDuplicateItemInCollection))
	is.Equal(c.Len(), 2)

	err = c.Set(1, tasks[0])
	is.True(errors.Is(err, errors.ErrDuplicateItemInCollection))
	is.NoErr(c.Set(0, duplicate)) // same identity at the same index

	is.Equal(s.log.Len(), 1)
}

func TestCopyOnReadIsolatesRemoteSnapshot(t *testing.T) {
	is := is.New(t)
	s := newTestSession(is)

	project, _ := projectWithTasks(is, s, "a", "b")
	attr, _ := project.Attribute("tasks")

	c := tasksOf(is, project, "tasks")
	is.True(!project.IsModified("tasks"))

	is.NoErr(c.Append(s.reconstruct(is, "Task", map[string]any{"id": "c"})))

	is.Equal(c.Len(), 3)
	is.Equal(attr.Remote(project).(*Collection).Len(), 2)
	is.True(project.IsModified("tasks"))
}

func TestCollectionMutationRecordsFullLists(t *testing.T) {
	is := is.New(t)
	s := newTestSession(is)

	project, tasks := projectWithTasks(is, s, "a", "b")
	c := tasksOf(is, project, "tasks")

	is.NoErr(c.Delete(0))

	is.Equal(s.log.Len(), 1)
	update := s.log.All()[0].(operations.Update)
	is.Equal(update.Attribute, "tasks")
	is.Equal(update.OldValue.(*Collection).Len(), 2)
	is.Equal(update.NewValue.(*Collection).Len(), 1)
	is.True(update.NewValue.(*Collection).At(0).Equal(tasks[1]))
	is.Equal(project.State(), types.StateModified)
}

func TestImmutableCollectionRejectsMutation(t *testing.T) {
	is := is.New(t)
	s := newTestSession(is)

	project, _ := projectWithTasks(is, s, "a")
	c := tasksOf(is, project, "archived_tasks")

	err := c.Append(s.reconstruct(is, "Task", map[string]any{"id": "b"}))
	is.True(errors.Is(err, errors.ErrImmutableCollection))
	is.Equal(c.Len(), 1)
	is.Equal(s.log.Len(), 0)
}

func TestCollectionEqualityIgnoresOrder(t *testing.T) {
	is := is.New(t)
	s := newTestSession(is)

	project, tasks := projectWithTasks(is, s, "a", "b")

	forward, err := newCollection(project, "tasks", tasks)
	is.NoErr(err)
	backward, err := newCollection(project, "tasks", []*Entity{tasks[1], tasks[0]})
	is.NoErr(err)

	is.True(forward.Equal(backward))
	is.NoErr(backward.Delete(0))
	is.True(!forward.Equal(backward))

	_, err = newCollection(project, "tasks", []*Entity{tasks[0], tasks[0]})
	is.True(errors.Is(err, errors.ErrDuplicateItemInCollection))
}

func TestMergeRefreshesUnmodifiedLocalCopy(t *testing.T) {
	is := is.New(t)
	s := newTestSession(is)

	project, _ := projectWithTasks(is, s, "a")
	_ = tasksOf(is, project, "tasks")

	incoming, _ := projectWithTasks(is, s, "a", "b")
	_, err := project.Merge(incoming)
	is.NoErr(err)

	is.Equal(tasksOf(is, project, "tasks").Len(), 2)
	is.True(!project.IsModified("tasks"))
}

func TestCollectionRejectsNilItems(t *testing.T) {
	is := is.New(t)
	s := newTestSession(is)

	project, _ := projectWithTasks(is, s, "a")
	c := tasksOf(is, project, "tasks")

	is.True(errors.Is(c.Append(nil), errors.ErrNilCollectionItem))
	is.True(errors.Is(c.Set(0, nil), errors.ErrNilCollectionItem))
	is.Equal(c.Len(), 1)
	is.Equal(s.log.Len(), 0)

	_, err := adaptCollection(project, "tasks", []*Entity{nil}, true, true)
	is.True(errors.Is(err, errors.ErrNilCollectionItem))
}

func TestRecordedCollectionUpdateIsNotAliased(t *testing.T) {
	is := is.New(t)
	s := newTestSession(is)

	project, tasks := projectWithTasks(is, s, "a", "b")
	is.NoErr(project.Set("tasks", []*Entity{tasks[0]}))

	c := tasksOf(is, project, "tasks")
	is.NoErr(c.Append(tasks[1]))
	is.Equal(c.Len(), 2)

	is.Equal(s.log.Len(), 2)
	update := s.log.All()[0].(operations.Update)
	is.Equal(update.NewValue.(*Collection).Len(), 1)
	is.True(update.NewValue.(*Collection) != c)
}
