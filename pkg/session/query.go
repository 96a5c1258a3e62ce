package session

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/diwise/entity-session/pkg/entities"
	errs "github.com/diwise/entity-session/pkg/errors"
	"github.com/diwise/entity-session/pkg/operations"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// QueryResult is the lazily fetched result of a query expression. Rows are
// fetched on first access and kept for the life of the result.
type QueryResult struct {
	session    *Session
	expression string

	fetched bool
	items   []*entities.Entity
	err     error
}

// Query prepares expression for execution. Expressions that do not start
// with select, such as `Task where name is "x"`, select the default
// projections of their entity type.
func (s *Session) Query(expression string) *QueryResult {
	return &QueryResult{
		session:    s,
		expression: s.normaliseExpression(expression),
	}
}

func (s *Session) normaliseExpression(expression string) string {
	expression = strings.TrimSpace(expression)

	fields := strings.Fields(expression)
	if len(fields) == 0 || strings.EqualFold(fields[0], "select") {
		return expression
	}

	rest := expression
	if strings.EqualFold(fields[0], "from") {
		rest = strings.TrimSpace(expression[len(fields[0]):])
		fields = fields[1:]
	}

	if len(fields) == 0 {
		return expression
	}

	t, err := s.Type(fields[0])
	if err != nil {
		return expression
	}

	return fmt.Sprintf("select %s from %s", joinProjections(projectionsFor(t)), rest)
}

func (q *QueryResult) Expression() string {
	return q.expression
}

func (q *QueryResult) fetch() error {
	if q.fetched {
		return q.err
	}
	q.fetched = true

	s := q.session
	var err error

	ctx, span := tracer.Start(s.ctx, "query", trace.WithAttributes(attribute.String("query", q.expression)))
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	limit, limited := trailingLimit(q.expression)

	offset := 0
	for {
		expression := q.expression
		if offset > 0 {
			expression = fmt.Sprintf("%s offset %d", expression, offset)
			if limited {
				expression = fmt.Sprintf("%s limit %d", expression, limit-len(q.items))
			}
		}

		var records []map[string]any
		records, err = s.call(ctx, []map[string]any{{"action": operations.ActionQuery, "query": expression}}, true)
		if err != nil {
			q.err = err
			return err
		}

		if len(records) != 1 {
			err = fmt.Errorf("expected one result record, got %d (%w)", len(records), errs.ErrBadResponse)
			q.err = err
			return err
		}

		rows, _ := records[0]["data"].([]any)
		for _, row := range rows {
			if e, ok := row.(*entities.Entity); ok {
				q.items = append(q.items, e)
			}
		}

		if limited && len(q.items) >= limit {
			q.items = q.items[:limit]
			break
		}

		next, ok := nextOffset(records[0])
		if !ok || next <= offset {
			break
		}
		offset = next
	}

	return nil
}

// trailingLimit finds a limit clause among the trailing offset and limit
// clauses of expression. Later pages restate it, reduced by the rows
// already fetched.
func trailingLimit(expression string) (int, bool) {
	fields := strings.Fields(expression)

	for len(fields) >= 2 {
		keyword, value := fields[len(fields)-2], fields[len(fields)-1]

		n, err := strconv.Atoi(value)
		if err != nil {
			return 0, false
		}

		switch {
		case strings.EqualFold(keyword, "limit"):
			return n, n > 0
		case strings.EqualFold(keyword, "offset"):
			fields = fields[:len(fields)-2]
		default:
			return 0, false
		}
	}

	return 0, false
}

func nextOffset(record map[string]any) (int, bool) {
	metadata, ok := record["metadata"].(map[string]any)
	if !ok {
		return 0, false
	}

	next, ok := metadata["next"].(map[string]any)
	if !ok {
		return 0, false
	}

	switch v := next["offset"].(type) {
	case float64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(v)
		return n, err == nil
	}

	return 0, false
}

func (q *QueryResult) Len() (int, error) {
	if err := q.fetch(); err != nil {
		return 0, err
	}
	return len(q.items), nil
}

func (q *QueryResult) At(index int) (*entities.Entity, error) {
	if err := q.fetch(); err != nil {
		return nil, err
	}
	if index < 0 || index >= len(q.items) {
		return nil, fmt.Errorf("index %d out of range for %d results", index, len(q.items))
	}
	return q.items[index], nil
}

func (q *QueryResult) All() ([]*entities.Entity, error) {
	if err := q.fetch(); err != nil {
		return nil, err
	}
	return append([]*entities.Entity{}, q.items...), nil
}

// One returns the only result, failing when there are none or several
func (q *QueryResult) One() (*entities.Entity, error) {
	if err := q.fetch(); err != nil {
		return nil, err
	}

	switch len(q.items) {
	case 0:
		return nil, errs.NewNoResultFoundError(q.expression)
	case 1:
		return q.items[0], nil
	}

	return nil, errs.NewMultipleResultsFoundError(q.expression)
}

// First returns the first result, or nil when there is none
func (q *QueryResult) First() (*entities.Entity, error) {
	if err := q.fetch(); err != nil {
		return nil, err
	}
	if len(q.items) == 0 {
		return nil, nil
	}
	return q.items[0], nil
}

func projectionsFor(t *entities.EntityType) []string {
	if len(t.DefaultProjections) > 0 {
		return t.DefaultProjections
	}

	projections := []string{}
	for _, attr := range t.Attributes.All() {
		if _, ok := attr.(*entities.ScalarAttribute); ok {
			projections = append(projections, attr.Name())
		}
	}

	return projections
}

func joinProjections(projections []string) string {
	return strings.Join(projections, ", ")
}

// keyCondition matches any of keys, each holding one value per primary key
// attribute of t.
func keyCondition(t *entities.EntityType, keys [][]string) string {
	if len(t.PrimaryKey) == 1 {
		quoted := make([]string, 0, len(keys))
		for _, key := range keys {
			quoted = append(quoted, strconv.Quote(key[0]))
		}
		return fmt.Sprintf("%s in (%s)", t.PrimaryKey[0], strings.Join(quoted, ", "))
	}

	alternatives := make([]string, 0, len(keys))
	for _, key := range keys {
		terms := make([]string, 0, len(key))
		for idx, name := range t.PrimaryKey {
			terms = append(terms, fmt.Sprintf("%s is %s", name, strconv.Quote(key[idx])))
		}
		alternatives = append(alternatives, "("+strings.Join(terms, " and ")+")")
	}

	return strings.Join(alternatives, " or ")
}
