package remote

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/diwise/entity-session/pkg/errors"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
)

const (
	EntityTypeKey string = "__entity_type__"
	TypeKey       string = "__type__"
	DateTime      string = "datetime"
)

var ErrInvalidQuery = fmt.Errorf("invalid query")

// Table describes one entity type served by the store
type Table struct {
	Name       string
	PrimaryKey []string
}

// Action is one entry of a batch request
type Action struct {
	Action     string         `json:"action"`
	EntityType string         `json:"entity_type,omitempty"`
	EntityKey  []string       `json:"entity_key,omitempty"`
	EntityData map[string]any `json:"entity_data,omitempty"`
	Query      string         `json:"query,omitempty"`
}

type Executor interface {
	Execute(ctx context.Context, actions []Action) ([]map[string]any, error)
}

type table struct {
	Table
	rows map[string]map[string]any
}

// Store keeps rows in memory, keyed by primary key. A batch is applied
// completely or not at all.
type Store struct {
	mu       sync.Mutex
	tables   map[string]*table
	pageSize int
}

type Option func(*Store)

func WithPageSize(size int) Option {
	return func(s *Store) {
		s.pageSize = size
	}
}

func New(tables []Table, options ...Option) *Store {
	s := &Store{
		tables:   map[string]*table{},
		pageSize: 100,
	}

	for _, t := range tables {
		pk := t.PrimaryKey
		if len(pk) == 0 {
			pk = []string{"id"}
		}
		s.tables[t.Name] = &table{Table: Table{Name: t.Name, PrimaryKey: pk}, rows: map[string]map[string]any{}}
	}

	for _, option := range options {
		option(s)
	}

	return s
}

func (s *Store) table(name string) (*table, error) {
	t, ok := s.tables[name]
	if !ok {
		return nil, errors.NewUnrecognisedEntityTypeError(name)
	}
	return t, nil
}

// Seed inserts rows directly, replacing rows with the same key
func (s *Store) Seed(entityType string, rows ...map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.table(entityType)
	if err != nil {
		return err
	}

	for _, row := range rows {
		key, err := t.keyOf(row)
		if err != nil {
			return err
		}
		t.rows[key] = withoutMarkers(row)
	}

	return nil
}

// Len returns the number of rows of entityType
func (s *Store) Len(entityType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.tables[entityType]; ok {
		return len(t.rows)
	}
	return 0
}

// Row returns a copy of the row with the given key values
func (s *Store) Row(entityType string, key ...string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[entityType]
	if !ok {
		return nil, false
	}

	row, ok := t.rows[strings.Join(key, ",")]
	return maps.Clone(row), ok
}

func (t *table) keyOf(row map[string]any) (string, error) {
	values := make([]string, 0, len(t.PrimaryKey))
	for _, name := range t.PrimaryKey {
		v, ok := row[name]
		if !ok || v == nil {
			return "", fmt.Errorf("%s row is missing primary key %q", t.Name, name)
		}
		values = append(values, normalise(v))
	}
	return strings.Join(values, ","), nil
}

func withoutMarkers(data map[string]any) map[string]any {
	row := make(map[string]any, len(data))
	for k, v := range data {
		if k == EntityTypeKey {
			continue
		}
		row[k] = v
	}
	return row
}

func (s *Store) snapshot() map[string]map[string]map[string]any {
	snapshot := make(map[string]map[string]map[string]any, len(s.tables))
	for name, t := range s.tables {
		snapshot[name] = maps.Clone(t.rows)
	}
	return snapshot
}

func (s *Store) restore(snapshot map[string]map[string]map[string]any) {
	for name, rows := range snapshot {
		s.tables[name].rows = rows
	}
}

// Execute applies every action in order and returns one result record per
// action. Nothing is applied when an action fails.
func (s *Store) Execute(ctx context.Context, actions []Action) ([]map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := logging.GetFromContext(ctx)
	snapshot := s.snapshot()
	results := make([]map[string]any, 0, len(actions))

	for idx, action := range actions {
		result, err := s.execute(action)
		if err != nil {
			s.restore(snapshot)
			log.Debug("batch rejected", "index", idx, "action", action.Action, "entity_type", action.EntityType, "err", err.Error())
			return nil, fmt.Errorf("action %d (%s): %w", idx, action.Action, err)
		}
		results = append(results, result)
	}

	log.Debug("batch executed", "actions", len(actions))

	return results, nil
}

func (s *Store) execute(action Action) (map[string]any, error) {
	switch action.Action {
	case "create":
		return s.create(action)
	case "update":
		return s.update(action)
	case "delete":
		return s.delete(action)
	case "query":
		return s.query(action)
	}

	return nil, fmt.Errorf("unknown action %q (%w)", action.Action, ErrInvalidQuery)
}

func (s *Store) create(action Action) (map[string]any, error) {
	t, err := s.table(action.EntityType)
	if err != nil {
		return nil, err
	}

	row := withoutMarkers(action.EntityData)
	for idx, name := range t.PrimaryKey {
		if _, ok := row[name]; !ok && idx < len(action.EntityKey) {
			row[name] = action.EntityKey[idx]
		}
	}

	key, err := t.keyOf(row)
	if err != nil {
		return nil, fmt.Errorf("%s (%w)", err.Error(), ErrInvalidQuery)
	}

	if _, exists := t.rows[key]; exists {
		return nil, errors.NewNotUniqueError(t.Name + "(" + key + ")")
	}

	t.rows[key] = row

	return map[string]any{"action": action.Action, "data": s.render(t, row, nil)}, nil
}

func (s *Store) update(action Action) (map[string]any, error) {
	t, err := s.table(action.EntityType)
	if err != nil {
		return nil, err
	}

	key := strings.Join(action.EntityKey, ",")
	current, ok := t.rows[key]
	if !ok {
		return nil, errors.NewNotFoundError(fmt.Sprintf("no %s with key %q", t.Name, key))
	}

	row := maps.Clone(current)
	for k, v := range withoutMarkers(action.EntityData) {
		if slices.Contains(t.PrimaryKey, k) {
			continue
		}
		row[k] = v
	}
	t.rows[key] = row

	return map[string]any{"action": action.Action, "data": s.render(t, row, nil)}, nil
}

func (s *Store) delete(action Action) (map[string]any, error) {
	t, err := s.table(action.EntityType)
	if err != nil {
		return nil, err
	}

	key := strings.Join(action.EntityKey, ",")
	if _, ok := t.rows[key]; !ok {
		return nil, errors.NewNotFoundError(fmt.Sprintf("no %s with key %q", t.Name, key))
	}

	delete(t.rows, key)

	return map[string]any{"action": action.Action, "data": map[string]any{}}, nil
}

func (s *Store) query(action Action) (map[string]any, error) {
	q, err := ParseQuery(action.Query)
	if err != nil {
		return nil, fmt.Errorf("%s (%w)", err.Error(), ErrInvalidQuery)
	}

	t, err := s.table(q.EntityType)
	if err != nil {
		return nil, err
	}

	matches := []map[string]any{}
	for _, key := range slices.Sorted(maps.Keys(t.rows)) {
		row := t.rows[key]
		if q.Where == nil || q.Where.Matches(row) {
			matches = append(matches, row)
		}
	}

	start := min(q.Offset, len(matches))
	end := len(matches)
	if q.Limit > 0 {
		end = min(start+q.Limit, end)
	}
	pageEnd := min(start+s.pageSize, end)

	data := make([]any, 0, pageEnd-start)
	for _, row := range matches[start:pageEnd] {
		data = append(data, s.render(t, row, q.Fields))
	}

	result := map[string]any{"action": action.Action, "data": data}
	if pageEnd < end {
		result["metadata"] = map[string]any{"next": map[string]any{"offset": pageEnd}}
	}

	return result, nil
}

// render projects row onto fields. Dotted fields such as project.name embed
// the referenced rows with their own projections.
func (s *Store) render(t *table, row map[string]any, fields []string) map[string]any {
	out := map[string]any{EntityTypeKey: t.Name}
	for _, name := range t.PrimaryKey {
		out[name] = row[name]
	}

	if len(fields) == 0 || slices.Contains(fields, "*") {
		for k, v := range row {
			out[k] = v
		}
		return out
	}

	order := []string{}
	nested := map[string][]string{}

	for _, field := range fields {
		head, rest, dotted := strings.Cut(field, ".")
		if _, seen := nested[head]; !seen {
			order = append(order, head)
			nested[head] = []string{}
		}
		if dotted {
			nested[head] = append(nested[head], rest)
		}
	}

	for _, head := range order {
		value, ok := row[head]
		if !ok {
			continue
		}

		if len(nested[head]) == 0 {
			out[head] = value
			continue
		}

		out[head] = s.expand(value, nested[head])
	}

	return out
}

func (s *Store) expand(value any, fields []string) any {
	switch v := value.(type) {
	case []any:
		expanded := make([]any, 0, len(v))
		for _, item := range v {
			expanded = append(expanded, s.expand(item, fields))
		}
		return expanded

	case map[string]any:
		typeName, ok := v[EntityTypeKey].(string)
		if !ok {
			return value
		}

		t, ok := s.tables[typeName]
		if !ok {
			return value
		}

		key, err := t.keyOf(v)
		if err != nil {
			return value
		}

		row, ok := t.rows[key]
		if !ok {
			return value
		}

		return s.render(t, row, fields)
	}

	return value
}
