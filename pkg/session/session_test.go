package session

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/diwise/entity-session/internal/pkg/application/remote"
	"github.com/diwise/entity-session/internal/pkg/infrastructure/router"
	"github.com/diwise/entity-session/internal/pkg/presentation/api"
	"github.com/diwise/entity-session/pkg/cache"
	"github.com/diwise/entity-session/pkg/codec"
	"github.com/diwise/entity-session/pkg/entities"
	errs "github.com/diwise/entity-session/pkg/errors"
	"github.com/diwise/entity-session/pkg/events"
	"github.com/diwise/entity-session/pkg/locations"
	"github.com/diwise/entity-session/pkg/transport"
	"github.com/diwise/entity-session/pkg/types"
	"github.com/matryer/is"
)

func TestLoadConfiguration(t *testing.T) {
	is := is.New(t)

	cfg, err := LoadConfiguration(context.Background(), strings.NewReader(testConfig))
	is.NoErr(err)

	is.Equal(cfg.ServerURL, "http://localhost:8080")
	is.Equal(cfg.APIUser, "tester")
	is.True(cfg.autoPopulate())
	is.Equal(len(cfg.Schemas), 4)
	is.Equal(cfg.Schemas[2].PrimaryKey, []string{"parent_id", "key"})

	project, err := cfg.Schemas[0].EntityType()
	is.NoErr(err)
	is.Equal(project.DefaultProjections, []string{"id", "name"})

	attr, err := project.Attribute("metadata")
	is.NoErr(err)
	mapped, ok := attr.(*entities.MappedAttribute)
	is.True(ok)
	is.Equal(mapped.KeyAttribute, "key")
	is.Equal(mapped.EntityType, "Metadata")

	attr, err = project.Attribute("id")
	is.NoErr(err)
	is.True(!attr.Mutable())
}

func TestUnknownAttributeKindIsRejected(t *testing.T) {
	is := is.New(t)

	schema := Schema{Name: "Broken", Attributes: []AttributeConfig{{Name: "id"}, {Name: "x", Kind: "bogus"}}}
	_, err := schema.EntityType()
	is.True(err != nil)
}

func TestUnrecognisedEntityType(t *testing.T) {
	is, s, _ := setupTest(t)

	_, err := s.Create("Unknown", map[string]any{"id": "x"})
	is.True(errs.Is(err, errs.ErrUnrecognisedEntityType))

	_, err = s.Get("Unknown", "x")
	is.True(errs.Is(err, errs.ErrUnrecognisedEntityType))
}

func TestMergeReturnsOneInstancePerIdentity(t *testing.T) {
	is, s, _ := setupTest(t)

	first, err := s.Reconstruct("Project", map[string]any{"id": "p9", "name": "first"})
	is.NoErr(err)
	second, err := s.Reconstruct("Project", map[string]any{"id": "p9", "name": "second"})
	is.NoErr(err)

	a, err := s.Merge(first)
	is.NoErr(err)
	b, err := s.Merge(second)
	is.NoErr(err)

	is.True(a == b) // merging the same identity twice must return the same instance

	name, err := entities.Value[string](a, "name")
	is.NoErr(err)
	is.Equal(name, "second")
}

func TestCompositeKeyMergeKeepsLatestValue(t *testing.T) {
	is, s, _ := setupTest(t)
	ctx := context.Background()

	for _, value := range []string{"v1", "v2"} {
		m, err := s.Reconstruct("Metadata", map[string]any{
			"parent_id": "P", "parent_type": "Project", "key": "k", "value": value,
		})
		is.NoErr(err)
		_, err = s.Merge(m)
		is.NoErr(err)
	}

	keys, err := s.Cache().Keys(ctx)
	is.NoErr(err)
	is.Equal(keys, []string{"Metadata,P,k"})

	cached, err := s.Cache().Get(ctx, keys[0])
	is.NoErr(err)
	is.Equal(cached.Storage().Remote("value"), "v2")
}

func TestCommitClearsLogAndLocalValues(t *testing.T) {
	is, s, stub := setupTest(t)

	p, err := s.Create("Project", map[string]any{"id": "p2", "name": "apollo"})
	is.NoErr(err)
	task, err := s.Create("Task", map[string]any{"id": "t9", "name": "launch", "project": p})
	is.NoErr(err)
	is.NoErr(p.Set("name", "artemis"))

	is.Equal(len(s.Operations()), 3)

	is.NoErr(s.Commit())
	is.Equal(len(s.Operations()), 0)
	is.Equal(stub.calls, 1)

	is.True(!types.IsSet(p.Storage().Local("name")))
	is.True(!types.IsSet(task.Storage().Local("name")))
	is.Equal(p.Storage().Remote("name"), "artemis")

	row, ok := stub.store.Row("Project", "p2")
	is.True(ok)
	is.Equal(row["name"], "artemis")
	is.Equal(row["status"], "open")

	row, ok = stub.store.Row("Task", "t9")
	is.True(ok)
	is.Equal(row["project"].(map[string]any)["id"], "p2")

	project, err := task.Get("project")
	is.NoErr(err)
	is.True(project.(*entities.Entity) == p) // the task must reference the canonical project

	is.Equal(s.Events().Pending(), 1)
	is.Equal(s.ProcessEvents(), 1)
}

func TestFailedCommitKeepsLog(t *testing.T) {
	is := is.New(t)

	cfg, err := LoadConfiguration(context.Background(), strings.NewReader(testConfig))
	is.NoErr(err)

	failing := transport.Func(func(ctx context.Context, batch json.RawMessage) (json.RawMessage, error) {
		return nil, errs.NewServerError("boom")
	})

	s, err := New(context.Background(), cfg, WithTransport(failing))
	is.NoErr(err)

	p, err := s.Create("Project", map[string]any{"id": "p3", "name": "gemini"})
	is.NoErr(err)

	err = s.Commit()
	is.True(errs.Is(err, errs.ErrServer))
	is.Equal(len(s.Operations()), 1)
	is.Equal(p.Storage().Local("name"), "gemini")
}

func TestCreatedThenDeletedIsNeverSent(t *testing.T) {
	is, s, stub := setupTest(t)

	task, err := s.Create("Task", map[string]any{"id": "t8", "name": "scrub"})
	is.NoErr(err)

	is.NoErr(s.Delete(task))

	err = s.Delete(task)
	is.True(errs.Is(err, errs.ErrInvalidStateTransition))

	err = task.Set("name", "again")
	is.True(errs.Is(err, errs.ErrInvalidStateTransition))

	is.NoErr(s.Commit())
	is.Equal(stub.calls, 0)
	is.Equal(len(s.Operations()), 0)
	is.Equal(stub.store.Len("Task"), 3)

	_, err = s.Cache().Get(context.Background(), "Task,t8")
	is.True(errs.Is(err, errs.ErrNotFound))
}

func TestDeleteIsCommitted(t *testing.T) {
	is, s, stub := setupTest(t)

	task, err := s.Get("Task", "t3")
	is.NoErr(err)

	is.NoErr(s.Delete(task))
	is.NoErr(s.Commit())

	is.Equal(stub.store.Len("Task"), 2)

	_, err = s.Get("Task", "t3")
	is.True(errs.Is(err, errs.ErrNotFound))
}

func TestGetUsesCacheAfterFirstFetch(t *testing.T) {
	is, s, stub := setupTest(t)

	a, err := s.Get("Project", "p1")
	is.NoErr(err)
	is.Equal(stub.calls, 1)

	b, err := s.Get("Project", "p1")
	is.NoErr(err)
	is.Equal(stub.calls, 1)
	is.True(a == b)

	name, err := entities.Value[string](a, "name")
	is.NoErr(err)
	is.Equal(name, "apollo")

	_, err = s.Get("Project", "missing")
	is.True(errs.Is(err, errs.ErrNotFound))

	_, err = s.Get("Metadata", "only-one-value")
	is.True(err != nil)
}

func TestAutoPopulateFetchesMissingScalar(t *testing.T) {
	is, s, stub := setupTest(t)

	task, err := s.Get("Task", "t1")
	is.NoErr(err)

	project, err := entities.Value[*entities.Entity](task, "project")
	is.NoErr(err)
	is.True(!types.IsSet(project.Storage().Remote("status")))

	calls := stub.calls

	status, err := entities.Value[string](project, "status")
	is.NoErr(err)
	is.Equal(status, "open")
	is.Equal(stub.calls, calls+1)

	p, err := s.Get("Project", "p1")
	is.NoErr(err)
	is.True(p == project)
}

func TestAutoPopulateFetchesReferenceWithProjections(t *testing.T) {
	is, s, stub := setupTest(t)

	task, err := s.Query(`select id from Task where id is "t2"`).One()
	is.NoErr(err)
	is.True(!types.IsSet(task.Storage().Remote("project")))

	project, err := entities.Value[*entities.Entity](task, "project")
	is.NoErr(err)
	is.True(project != nil)

	calls := stub.calls

	name, err := entities.Value[string](project, "name")
	is.NoErr(err)
	is.Equal(name, "apollo")
	is.Equal(stub.calls, calls) // the name was fetched together with the reference
}

func TestWithoutAutoPopulateLeavesValuesUnset(t *testing.T) {
	is, s, stub := setupTest(t)

	task, err := s.Query(`select id from Task where id is "t1"`).One()
	is.NoErr(err)

	calls := stub.calls
	err = s.WithoutAutoPopulate(func() error {
		v, err := task.Get("name")
		is.True(!types.IsSet(v))
		return err
	})
	is.NoErr(err)
	is.Equal(stub.calls, calls)
}

func TestPopulateManyEntitiesWithOneQuery(t *testing.T) {
	is, s, stub := setupTest(t)

	tasks, err := s.Select(`select id from Task`)
	is.NoErr(err)
	is.Equal(len(tasks), 3)

	calls := stub.calls
	is.NoErr(s.Populate(tasks, "name"))
	is.Equal(stub.calls, calls+1)

	for _, task := range tasks {
		is.True(types.IsSet(task.Storage().Remote("name")))
	}
}

func TestQueryResults(t *testing.T) {
	is, s, _ := setupTest(t)

	q := s.Query(`Task where project is "p1"`)
	is.Equal(q.Expression(), `select id, name, project from Task where project is "p1"`)

	n, err := q.Len()
	is.NoErr(err)
	is.Equal(n, 2)

	_, err = q.One()
	is.True(errs.Is(err, errs.ErrMultipleResultsFound))

	first, err := q.First()
	is.NoErr(err)
	second, err := q.At(1)
	is.NoErr(err)
	is.True(first != second)

	_, err = q.At(2)
	is.True(err != nil)

	_, err = s.Query(`Task where name is "nothing"`).One()
	is.True(errs.Is(err, errs.ErrNoResultFound))

	none, err := s.Query(`Task where name is "nothing"`).First()
	is.NoErr(err)
	is.True(none == nil)
}

func TestQueryFollowsPages(t *testing.T) {
	is, s, stub := setupTest(t, remote.WithPageSize(2))

	tasks, err := s.Query("select id from Task").All()
	is.NoErr(err)
	is.Equal(len(tasks), 3)
	is.Equal(stub.calls, 2)
}

func TestQueryKeepsLimitAcrossPages(t *testing.T) {
	is, s, stub := setupTest(t, remote.WithPageSize(1))

	tasks, err := s.Query("select id from Task limit 2").All()
	is.NoErr(err)
	is.Equal(len(tasks), 2)
	is.Equal(stub.calls, 2)

	limit, ok := trailingLimit("select id from Task where name is \"limit 9\" limit 5 offset 3")
	is.True(ok)
	is.Equal(limit, 5)

	_, ok = trailingLimit("select id from Task offset 3")
	is.True(!ok)
}

func TestRepeatedGetWithSerialisedCache(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	cfg, err := LoadConfiguration(ctx, strings.NewReader(testConfig))
	is.NoErr(err)

	store, err := cache.NewFileStore(ctx, filepath.Join(t.TempDir(), "entities.db"))
	is.NoErr(err)
	defer store.Close()

	z := &serialiser{}
	stub := &remoteStub{store: testStore(is)}

	s, err := New(ctx, cfg, WithTransport(stub), WithCache(cache.NewSerialisedCache(store, z)))
	is.NoErr(err)
	z.s = s

	first, err := s.Get("Project", "p1")
	is.NoErr(err)

	second, err := s.Get("Project", "p1")
	is.NoErr(err)
	is.True(first == second)

	keys, err := store.Keys(ctx)
	is.NoErr(err)
	is.Equal(len(keys), 1)
}

func TestResetDiscardsPendingChanges(t *testing.T) {
	is, s, _ := setupTest(t)
	ctx := context.Background()

	p, err := s.Get("Project", "p1")
	is.NoErr(err)
	is.NoErr(p.Set("name", "changed"))

	_, err = s.Create("Project", map[string]any{"id": "p7"})
	is.NoErr(err)

	is.NoErr(s.Reset())
	is.Equal(len(s.Operations()), 0)

	name, err := entities.Value[string](p, "name")
	is.NoErr(err)
	is.Equal(name, "apollo")

	_, err = s.Cache().Get(ctx, "Project,p7")
	is.True(errs.Is(err, errs.ErrNotFound))
}

func TestEncodeDecodeKeepsIdentityAndValues(t *testing.T) {
	is, s, _ := setupTest(t)

	due := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)

	p, err := s.Reconstruct("Project", map[string]any{"id": "p1"})
	is.NoErr(err)
	task, err := s.Reconstruct("Task", map[string]any{"id": "t1", "name": "launch", "due": due, "project": p})
	is.NoErr(err)

	data, err := s.Encode(task, codec.SetOnly)
	is.NoErr(err)

	v, err := s.Decode(data)
	is.NoErr(err)

	decoded, ok := v.(*entities.Entity)
	is.True(ok)
	is.True(decoded != task)
	is.True(decoded.Equal(task))

	is.Equal(decoded.Storage().Remote("name"), "launch")
	is.True(decoded.Storage().Remote("due").(time.Time).Equal(due))

	ref, ok := decoded.Storage().Remote("project").(*entities.Entity)
	is.True(ok)
	is.True(ref.Equal(p))
}

func TestMappedValuesArePersistedAsKeyedEntities(t *testing.T) {
	is, s, stub := setupTest(t)

	p, err := s.Create("Project", map[string]any{
		"id":       "p4",
		"name":     "skylab",
		"metadata": map[string]any{"colour": "red"},
	})
	is.NoErr(err)

	metadata, err := p.Get("metadata")
	is.NoErr(err)
	colour, err := metadata.(*entities.MappedCollectionProxy).Get("colour")
	is.NoErr(err)
	is.Equal(colour, "red")

	is.NoErr(s.Commit())

	row, ok := stub.store.Row("Metadata", "p4", "colour")
	is.True(ok)
	is.Equal(row["value"], "red")
	is.Equal(row["parent_type"], "Project")

	row, ok = stub.store.Row("Project", "p4")
	is.True(ok)
	_, hasMetadata := row["metadata"]
	is.True(!hasMetadata)
}

func TestSubscribersResolveTypesAndLocations(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	cfg, err := LoadConfiguration(ctx, strings.NewReader(testConfig))
	is.NoErr(err)

	hub := events.NewHub()

	is.NoErr(hub.Subscribe("types", events.TopicConstructEntityType, func(ctx context.Context, e events.Event) (any, error) {
		if e.Data["schema"] != "Task" {
			return nil, nil
		}
		return entities.NewEntityType("Task", []string{"id"},
			entities.NewScalar("id", entities.Immutable()),
			entities.NewScalar("extra"),
		)
	}))

	is.NoErr(hub.Subscribe("locations", events.TopicConfigureLocations, func(ctx context.Context, e events.Event) (any, error) {
		registry := e.Data["registry"].(*locations.Registry)
		l, err := locations.New("scratch", "scratch", locations.Memory, 5, locations.NewMemoryAccessor(), nil, nil)
		if err != nil {
			return nil, err
		}
		registry.Add(l)
		return nil, nil
	}))

	s, err := New(ctx, cfg, WithEventHub(hub), WithTransport(&remoteStub{store: testStore(is)}))
	is.NoErr(err)

	task, err := s.Type("Task")
	is.NoErr(err)
	_, err = task.Attribute("extra")
	is.NoErr(err)

	_, err = s.Locations().Get("scratch")
	is.NoErr(err)

	_, err = s.Type(locations.ComponentLocationType)
	is.NoErr(err)
}

func TestDuplicateEntityTypeIsRejected(t *testing.T) {
	is := is.New(t)

	cfg, err := LoadConfiguration(context.Background(), strings.NewReader(testConfig))
	is.NoErr(err)

	duplicate, err := entities.NewEntityType("Task", []string{"id"}, entities.NewScalar("id"))
	is.NoErr(err)

	_, err = New(context.Background(), cfg, WithEntityTypes(duplicate), WithTransport(&remoteStub{store: testStore(is)}))
	is.True(errs.Is(err, errs.ErrNotUnique))
}

func TestComponentRegistrationIsStoredRemotely(t *testing.T) {
	is, s, stub := setupTest(t)
	ctx := context.Background()

	archive, err := s.Locations().Get("archive")
	is.NoErr(err)

	component, err := s.Create("Component", map[string]any{"id": "c1", "name": "report", "file_type": ".pdf"})
	is.NoErr(err)

	ri, err := archive.AddComponent(ctx, component, nil)
	is.NoErr(err)
	is.Equal(ri, "archive/report.pdf")

	is.NoErr(s.Commit())
	is.Equal(stub.store.Len(locations.ComponentLocationType), 1)

	found, err := archive.ResourceIdentifier(ctx, component)
	is.NoErr(err)
	is.Equal(found, "archive/report.pdf")

	_, err = archive.AddComponent(ctx, component, nil)
	is.True(errs.Is(err, errs.ErrNotUnique))
}

func TestSessionOverHTTP(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	store := testStore(is)

	r := router.New("test")
	is.NoErr(api.RegisterHandlers(ctx, r, bytes.NewBufferString(testPolicy), store))

	ts := httptest.NewServer(r)
	defer ts.Close()

	cfg, err := LoadConfiguration(ctx, strings.NewReader(testConfig))
	is.NoErr(err)
	cfg.ServerURL = ts.URL

	s, err := New(ctx, cfg)
	is.NoErr(err)
	defer s.Close()

	p, err := s.Get("Project", "p1")
	is.NoErr(err)
	is.NoErr(p.Set("name", "artemis"))
	is.NoErr(s.Commit())

	row, _ := store.Row("Project", "p1")
	is.Equal(row["name"], "artemis")

	_, err = s.Create("Project", map[string]any{"id": "p1"})
	is.NoErr(err)

	err = s.Commit()
	is.True(errs.Is(err, errs.ErrServer))
	is.Equal(len(s.Operations()), 1)
}

func TestLayeredCacheSurvivesSessions(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	cfg, err := LoadConfiguration(ctx, strings.NewReader(testConfig))
	is.NoErr(err)
	cfg.Cache.File = t.TempDir() + "/cache.db"

	stub := &remoteStub{store: testStore(is)}

	s, err := New(ctx, cfg, WithTransport(stub))
	is.NoErr(err)

	_, err = s.Get("Task", "t1")
	is.NoErr(err)
	is.NoErr(s.Close())

	calls := stub.calls

	s, err = New(ctx, cfg, WithTransport(stub))
	is.NoErr(err)
	defer s.Close()

	task, err := s.Get("Task", "t1")
	is.NoErr(err)
	is.Equal(stub.calls, calls) // served from the file cache

	project, err := entities.Value[*entities.Entity](task, "project")
	is.NoErr(err)
	p, err := s.Get("Project", "p1")
	is.NoErr(err)
	is.True(p == project)
}

type remoteStub struct {
	store *remote.Store
	calls int
}

func (r *remoteStub) Call(ctx context.Context, batch json.RawMessage) (json.RawMessage, error) {
	r.calls++

	actions := []remote.Action{}
	if err := json.Unmarshal(batch, &actions); err != nil {
		return nil, err
	}

	results, err := r.store.Execute(ctx, actions)
	if err != nil {
		return nil, err
	}

	return json.Marshal(results)
}

func testStore(is *is.I, options ...remote.Option) *remote.Store {
	store := remote.New([]remote.Table{
		{Name: "Project", PrimaryKey: []string{"id"}},
		{Name: "Task", PrimaryKey: []string{"id"}},
		{Name: "Metadata", PrimaryKey: []string{"parent_id", "key"}},
		{Name: "Component", PrimaryKey: []string{"id"}},
		{Name: locations.ComponentLocationType, PrimaryKey: []string{"id"}},
	}, options...)

	project := map[string]any{remote.EntityTypeKey: "Project", "id": "p1"}

	is.NoErr(store.Seed("Project", map[string]any{"id": "p1", "name": "apollo", "status": "open"}))
	is.NoErr(store.Seed("Task",
		map[string]any{"id": "t1", "name": "launch", "project": project},
		map[string]any{"id": "t2", "name": "land", "project": project},
		map[string]any{"id": "t3", "name": "orbit"},
	))

	return store
}

func setupTest(t *testing.T, options ...remote.Option) (*is.I, *Session, *remoteStub) {
	is := is.New(t)
	ctx := context.Background()

	cfg, err := LoadConfiguration(ctx, strings.NewReader(testConfig))
	is.NoErr(err)

	stub := &remoteStub{store: testStore(is, options...)}

	s, err := New(ctx, cfg, WithTransport(stub), WithCache(cache.NewMemoryCache()))
	is.NoErr(err)

	return is, s, stub
}

const testConfig string = `
server_url: http://localhost:8080
api_user: tester
api_key: s3cr3t
schemas:
  - name: Project
    default_projections: [id, name]
    attributes:
      - name: id
        immutable: true
        generator: uuid
      - name: name
      - name: status
        default: open
      - name: metadata
        kind: mapped
        entity_type: Metadata
  - name: Task
    default_projections: [id, name, project]
    attributes:
      - name: id
        immutable: true
        generator: uuid
      - name: name
      - name: due
      - name: project
        kind: reference
        entity_type: Project
  - name: Metadata
    primary_key: [parent_id, key]
    attributes:
      - name: parent_id
        immutable: true
      - name: parent_type
      - name: key
        immutable: true
      - name: value
  - name: Component
    attributes:
      - name: id
        immutable: true
      - name: name
      - name: file_type
locations:
  - id: archive
    kind: unmanaged
    prefix: archive
`

const testPolicy string = `
package entity_session.authz

default allow := false

allow = response {
	input.token == "s3cr3t"
	response := {}
}
`
