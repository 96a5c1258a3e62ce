package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strconv"

	"github.com/diwise/entity-session/pkg/cache"
	"github.com/diwise/entity-session/pkg/entities"
	errs "github.com/diwise/entity-session/pkg/errors"
	"github.com/diwise/entity-session/pkg/events"
	"github.com/diwise/entity-session/pkg/locations"
	"github.com/diwise/entity-session/pkg/operations"
	"github.com/diwise/entity-session/pkg/transport"
	"github.com/diwise/entity-session/pkg/types"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("entity-session/session")

// Session tracks the entities of one unit of work against a remote service.
// It is not safe for concurrent use.
type Session struct {
	ctx context.Context
	cfg *Config

	types     map[string]*entities.EntityType
	cache     cache.Cache
	keyMaker  cache.KeyMaker
	transport transport.Transport
	hub       *events.Hub
	locations *locations.Registry

	log      *operations.Log
	attached map[string]*entities.Entity

	recording    bool
	autoPopulate bool

	extraTypes []*entities.EntityType
	closers    []io.Closer
}

type Option func(*Session)

func WithTransport(t transport.Transport) Option {
	return func(s *Session) {
		s.transport = t
	}
}

// WithCache replaces the configured cache stack. Caches without an in-memory
// first layer are placed behind one so that repeated merges of an identity
// resolve to the attached instance.
func WithCache(c cache.Cache) Option {
	return func(s *Session) {
		s.cache = withMemoryLayer(c)
	}
}

func withMemoryLayer(c cache.Cache) cache.Cache {
	switch v := c.(type) {
	case *cache.MemoryCache:
		return v
	case *cache.LayeredCache:
		if layers := v.Layers(); len(layers) > 0 {
			if _, ok := layers[0].(*cache.MemoryCache); ok {
				return v
			}
		}
	}
	return cache.NewLayeredCache(cache.NewMemoryCache(), c)
}

func WithEventHub(h *events.Hub) Option {
	return func(s *Session) {
		s.hub = h
	}
}

func WithKeyMaker(k cache.KeyMaker) Option {
	return func(s *Session) {
		s.keyMaker = k
	}
}

// WithEntityTypes registers types in addition to the configured schemas
func WithEntityTypes(types ...*entities.EntityType) Option {
	return func(s *Session) {
		s.extraTypes = append(s.extraTypes, types...)
	}
}

func New(ctx context.Context, cfg *Config, options ...Option) (*Session, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	s := &Session{
		ctx:       ctx,
		cfg:       cfg,
		types:     map[string]*entities.EntityType{},
		keyMaker:  cache.StandardKeyMaker,
		log:       operations.NewLog(),
		attached:  map[string]*entities.Entity{},
		recording: true,
	}

	for _, option := range options {
		option(s)
	}

	s.autoPopulate = cfg.autoPopulate()

	if s.hub == nil {
		s.hub = events.NewHub()
	}

	if err := s.registerTypes(); err != nil {
		return nil, err
	}

	if s.cache == nil {
		c, err := s.newCache()
		if err != nil {
			s.Close()
			return nil, err
		}
		s.cache = c
	}

	if s.transport == nil {
		if cfg.ServerURL == "" {
			s.Close()
			return nil, fmt.Errorf("no server url configured and no transport supplied")
		}

		s.transport = transport.NewHTTPTransport(cfg.ServerURL,
			transport.APIUser(cfg.APIUser),
			transport.APIKey(cfg.APIKey),
			transport.Debug(strconv.FormatBool(cfg.Debug)),
		)
	}

	if cfg.Webhook != "" {
		if err := s.hub.Subscribe("webhook", events.TopicCommitted, events.Webhook(cfg.Webhook)); err != nil {
			s.Close()
			return nil, err
		}
	}

	if err := s.configureLocations(); err != nil {
		s.Close()
		return nil, err
	}

	return s, nil
}

func (s *Session) addType(t *entities.EntityType) error {
	if _, exists := s.types[t.Name]; exists {
		return errs.NewNotUniqueError(t.Name)
	}
	s.types[t.Name] = t
	return nil
}

// registerTypes builds the configured schemas. Subscribers to the construct
// event may supply their own type for a schema, the first one wins.
func (s *Session) registerTypes() error {
	for _, schema := range s.cfg.Schemas {
		t, err := schema.EntityType()
		if err != nil {
			return err
		}

		results, err := s.hub.Publish(s.ctx, events.Event{
			Topic: events.TopicConstructEntityType,
			Data:  map[string]any{"schema": schema.Name, "entity_type": t},
		}, true)
		if err != nil {
			return fmt.Errorf("failed to resolve entity type %s: %w", schema.Name, err)
		}

		for _, r := range results {
			if resolved, ok := r.(*entities.EntityType); ok {
				t = resolved
				break
			}
		}

		if err := s.addType(t); err != nil {
			return err
		}
	}

	for _, t := range s.extraTypes {
		if err := s.addType(t); err != nil {
			return err
		}
	}

	if _, ok := s.types[locations.ComponentLocationType]; !ok && len(s.cfg.Locations) > 0 {
		t, err := entities.NewEntityType(locations.ComponentLocationType, []string{"id"},
			entities.NewScalar("id", entities.Immutable(), entities.UUID()),
			entities.NewScalar("component_id", entities.Immutable()),
			entities.NewScalar("location_id", entities.Immutable()),
			entities.NewScalar("resource_identifier"),
		)
		if err != nil {
			return err
		}
		return s.addType(t.WithDefaultProjections("id", "component_id", "location_id", "resource_identifier"))
	}

	return nil
}

func (s *Session) newCache() (cache.Cache, error) {
	layers := []cache.Cache{cache.NewMemoryCache()}

	if s.cfg.Cache.File != "" {
		store, err := cache.NewFileStore(s.ctx, s.cfg.Cache.File)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, store)
		layers = append(layers, cache.NewSerialisedCache(store, serialiser{s}))
	}

	if s.cfg.Cache.Postgres {
		store, err := cache.NewPostgresStore(s.ctx, cache.LoadPostgresConfiguration(s.ctx).ConnStr())
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, store)
		layers = append(layers, cache.NewSerialisedCache(store, serialiser{s}))
	}

	return cache.NewLayeredCache(layers...), nil
}

// configureLocations builds the configured locations and lets subscribers
// adjust the registry through the configure event.
func (s *Session) configureLocations() error {
	s.locations = locations.NewRegistry()

	for _, cfg := range s.cfg.Locations {
		l, err := cfg.build(s)
		if err != nil {
			return err
		}
		s.locations.Add(l)
	}

	_, err := s.hub.Publish(s.ctx, events.Event{
		Topic: events.TopicConfigureLocations,
		Data:  map[string]any{"registry": s.locations},
	}, true)

	return err
}

func (s *Session) Context() context.Context {
	return s.ctx
}

func (s *Session) Logger() *slog.Logger {
	return logging.GetFromContext(s.ctx)
}

func (s *Session) Type(name string) (*entities.EntityType, error) {
	t, ok := s.types[name]
	if !ok {
		return nil, errs.NewUnrecognisedEntityTypeError(name)
	}
	return t, nil
}

func (s *Session) Types() []*entities.EntityType {
	names := slices.Sorted(maps.Keys(s.types))

	types := make([]*entities.EntityType, 0, len(names))
	for _, name := range names {
		types = append(types, s.types[name])
	}

	return types
}

func (s *Session) Cache() cache.Cache {
	return s.cache
}

func (s *Session) Events() *events.Hub {
	return s.hub
}

func (s *Session) Locations() *locations.Registry {
	return s.locations
}

func (s *Session) AutoPopulating() bool {
	return s.autoPopulate
}

func (s *Session) SetAutoPopulate(enabled bool) {
	s.autoPopulate = enabled
}

// WithoutAutoPopulate runs fn with population suspended
func (s *Session) WithoutAutoPopulate(fn func() error) error {
	previous := s.autoPopulate
	s.autoPopulate = false
	defer func() { s.autoPopulate = previous }()

	return fn()
}

func (s *Session) Recording() bool {
	return s.recording
}

// WithoutRecording runs fn without appending to the operation log
func (s *Session) WithoutRecording(fn func() error) error {
	previous := s.recording
	s.recording = false
	defer func() { s.recording = previous }()

	return fn()
}

func (s *Session) Record(op operations.Operation) {
	s.log.Push(op)
}

func (s *Session) State(identity types.Identity) types.State {
	return s.log.State(identity)
}

func (s *Session) Operations() []operations.Operation {
	return s.log.All()
}

// Create constructs a new entity, records its creation and returns the
// canonical instance for it.
func (s *Session) Create(entityType string, data map[string]any) (*entities.Entity, error) {
	t, err := s.Type(entityType)
	if err != nil {
		return nil, err
	}

	e, err := entities.New(s, t, data)
	if err != nil {
		return nil, err
	}

	return s.Merge(e)
}

// Reconstruct builds an entity from remote data without merging it
func (s *Session) Reconstruct(entityType string, data map[string]any) (*entities.Entity, error) {
	t, err := s.Type(entityType)
	if err != nil {
		return nil, err
	}
	return entities.Reconstruct(s, t, data)
}

// Delete marks e for deletion on the next commit
func (s *Session) Delete(e *entities.Entity) error {
	identity, err := e.Identity()
	if err != nil {
		return err
	}

	if state := s.log.State(identity); state == types.StateDeleted {
		return errs.NewInvalidStateTransitionError(identity.String(), state.String(), types.StateDeleted.String())
	}

	if s.recording {
		s.log.Push(operations.Delete{EntityType: identity.EntityType, PrimaryKey: identity.PrimaryKey})
	}

	return nil
}

// Get returns the entity with the given primary key, from the cache when
// possible and from the remote otherwise.
func (s *Session) Get(entityType string, key ...string) (*entities.Entity, error) {
	t, err := s.Type(entityType)
	if err != nil {
		return nil, err
	}

	if len(key) != len(t.PrimaryKey) {
		return nil, fmt.Errorf("%s has a primary key of %d values, got %d", t.Name, len(t.PrimaryKey), len(key))
	}

	identity := types.NewIdentity(t.Name, key...)

	cached, err := s.cache.Get(s.ctx, s.keyMaker.Key(identity))
	if err == nil {
		return s.Merge(cached)
	}
	if !errs.Is(err, errs.ErrNotFound) {
		return nil, err
	}

	expression := fmt.Sprintf("select %s from %s where %s",
		joinProjections(projectionsFor(t)), t.Name, keyCondition(t, [][]string{key}))

	e, err := s.Query(expression).First()
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, errs.NewNotFoundError(fmt.Sprintf("no entity %s", identity))
	}

	return e, nil
}

// Select runs expression and returns every resulting entity
func (s *Session) Select(expression string) ([]*entities.Entity, error) {
	return s.Query(expression).All()
}

// Reset drops every pending operation together with the local values of the
// entities they touched. Entities that were only created are forgotten.
func (s *Session) Reset() error {
	ops := s.log.All()
	s.log.Clear()

	created := map[string]bool{}
	for _, op := range ops {
		if _, ok := op.(operations.Create); ok {
			created[s.keyMaker.Key(op.Identity())] = true
		}
	}

	for _, identity := range touched(ops) {
		key := s.keyMaker.Key(identity)

		if created[key] {
			delete(s.attached, key)
			if err := s.cache.Remove(s.ctx, key); err != nil && !errs.Is(err, errs.ErrNotFound) {
				return err
			}
			continue
		}

		if e, ok := s.attached[key]; ok {
			e.Clear()
		}
	}

	return nil
}

// ProcessEvents runs the asynchronous events queued since the last call
func (s *Session) ProcessEvents() int {
	return s.hub.Drain(s.ctx)
}

func (s *Session) Close() error {
	if s.hub != nil {
		s.hub.Drain(s.ctx)
	}

	var errList []error
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			errList = append(errList, err)
		}
	}
	s.closers = nil

	return errors.Join(errList...)
}

func touched(ops []operations.Operation) []types.Identity {
	seen := map[string]bool{}
	identities := []types.Identity{}

	for _, op := range ops {
		identity := op.Identity()
		if seen[identity.String()] {
			continue
		}
		seen[identity.String()] = true
		identities = append(identities, identity)
	}

	return identities
}
