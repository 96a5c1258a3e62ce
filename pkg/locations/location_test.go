package locations

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/diwise/entity-session/pkg/entities"
	"github.com/diwise/entity-session/pkg/errors"
	"github.com/diwise/entity-session/pkg/operations"
	"github.com/diwise/entity-session/pkg/types"
	"github.com/matryer/is"
)

// readOnlySession supports reading reconstructed entities only
type readOnlySession struct{}

func (readOnlySession) Create(string, map[string]any) (*entities.Entity, error) {
	return nil, errors.ErrInternal
}
func (readOnlySession) Type(name string) (*entities.EntityType, error) {
	return nil, errors.NewUnrecognisedEntityTypeError(name)
}
func (readOnlySession) Populate([]*entities.Entity, ...string) error { return nil }
func (readOnlySession) AutoPopulating() bool                          { return false }
func (readOnlySession) WithoutAutoPopulate(fn func() error) error     { return fn() }
func (readOnlySession) Recording() bool                               { return false }
func (readOnlySession) WithoutRecording(fn func() error) error        { return fn() }
func (readOnlySession) Record(operations.Operation)                   {}
func (readOnlySession) State(types.Identity) types.State              { return types.StateNone }
func (readOnlySession) Delete(*entities.Entity) error                 { return nil }
func (readOnlySession) Logger() *slog.Logger                          { return slog.Default() }

func componentType(is *is.I) *entities.EntityType {
	t, err := entities.NewEntityType("Component", []string{"id"},
		entities.NewScalar("id"),
		entities.NewScalar("name"),
		entities.NewScalar("file_type"),
		entities.NewReference("container", "Component"),
		entities.NewCollection("members", "Component"),
	)
	is.NoErr(err)
	return t
}

func component(is *is.I, data map[string]any) *entities.Entity {
	c, err := entities.Reconstruct(readOnlySession{}, componentType(is), data)
	is.NoErr(err)
	return c
}

func TestStandardStructure(t *testing.T) {
	is := is.New(t)

	sequence := component(is, map[string]any{"id": "seq", "name": "frames"})
	frame := component(is, map[string]any{"id": "f1", "name": "frame.0001", "file_type": ".exr", "container": sequence})
	single := component(is, map[string]any{"id": "c1", "name": "report", "file_type": ".pdf"})

	ri, err := StandardStructure{Prefix: "projects"}.ResourceIdentifier(frame)
	is.NoErr(err)
	is.Equal(ri, "projects/seq/frame.0001.exr")

	ri, err = StandardStructure{}.ResourceIdentifier(single)
	is.NoErr(err)
	is.Equal(ri, "report.pdf")
}

func TestManagedLocationCopiesFromOrigin(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	originAccessor := NewMemoryAccessor()
	is.NoErr(originAccessor.Write(ctx, "incoming/report.pdf", strings.NewReader("pdf data")))

	originLocation, err := New("origin", "origin", Origin, 100, originAccessor, nil, nil)
	is.NoErr(err)

	storage, err := New("storage", "storage", Memory, 1, NewMemoryAccessor(), StandardStructure{Prefix: "store"}, nil)
	is.NoErr(err)

	c := component(is, map[string]any{"id": "c1", "name": "report", "file_type": ".pdf"})

	_, err = storage.ResourceIdentifier(ctx, c)
	is.True(errors.Is(err, errors.ErrComponentNotInLocation))

	is.NoErr(originLocation.Register(ctx, c, "incoming/report.pdf"))

	ri, err := storage.AddComponent(ctx, c, originLocation)
	is.NoErr(err)
	is.Equal(ri, "store/report.pdf")

	r, err := storage.Accessor.Read(ctx, ri)
	is.NoErr(err)
	b, _ := io.ReadAll(r)
	is.Equal(string(b), "pdf data")

	_, err = storage.AddComponent(ctx, c, originLocation)
	is.True(errors.Is(err, errors.ErrNotUnique))

	is.NoErr(storage.RemoveComponent(ctx, c))
	exists, err := storage.Accessor.Exists(ctx, ri)
	is.NoErr(err)
	is.True(!exists)
}

func TestContainerAvailabilityCountsMembers(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	first := component(is, map[string]any{"id": "f1"})
	second := component(is, map[string]any{"id": "f2"})
	sequence := component(is, map[string]any{"id": "seq", "members": []*entities.Entity{first, second}})

	l, err := New("mem", "mem", Memory, 1, NewMemoryAccessor(), nil, nil)
	is.NoErr(err)
	is.NoErr(l.Register(ctx, first, "f1"))

	availability, err := l.Availability(ctx, []*entities.Entity{sequence, first, second})
	is.NoErr(err)
	is.Equal(availability[sequence.Key()], 50.0)
	is.Equal(availability[first.Key()], 100.0)
	is.Equal(availability[second.Key()], 0.0)
}

func TestRegistryPicksByPriority(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	c := component(is, map[string]any{"id": "c1"})

	low, _ := New("low", "low", Memory, 10, NewMemoryAccessor(), nil, nil)
	high, _ := New("high", "high", Memory, 1, NewMemoryAccessor(), nil, nil)
	r := NewRegistry(low, high)

	_, err := r.Pick(ctx, c)
	is.True(errors.Is(err, errors.ErrComponentNotInLocation))

	is.NoErr(low.Register(ctx, c, "c1"))
	picked, err := r.Pick(ctx, c)
	is.NoErr(err)
	is.Equal(picked.ID, "low")

	is.NoErr(high.Register(ctx, c, "c1"))
	picked, err = r.Pick(ctx, c)
	is.NoErr(err)
	is.Equal(picked.ID, "high")

	all, err := r.Availabilities(ctx, []*entities.Entity{c})
	is.NoErr(err)
	is.Equal(len(all), 2)
}

func TestServerBackedKindsRequireSession(t *testing.T) {
	is := is.New(t)

	_, err := New("m", "managed", Managed, 1, NewMemoryAccessor(), nil, nil)
	is.True(err != nil)

	_, err = ParseKind("elsewhere")
	is.True(err != nil)
}
