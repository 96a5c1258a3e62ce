package session

import (
	"fmt"
	"slices"
	"strings"

	"github.com/diwise/entity-session/pkg/entities"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Populate fetches projections for es with one query per entity type. The
// results are merged, entities that are not canonical adopt them as well.
// Without projections the default projections of each type are fetched.
func (s *Session) Populate(es []*entities.Entity, projections ...string) error {
	var err error

	_, span := tracer.Start(s.ctx, "populate",
		trace.WithAttributes(attribute.Int("entities", len(es))),
		trace.WithAttributes(attribute.StringSlice("projections", projections)),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	byType := map[string][]*entities.Entity{}
	order := []string{}

	for _, e := range es {
		if e == nil {
			continue
		}
		if _, ok := byType[e.TypeName()]; !ok {
			order = append(order, e.TypeName())
		}
		byType[e.TypeName()] = append(byType[e.TypeName()], e)
	}

	err = s.WithoutAutoPopulate(func() error {
		for _, typeName := range order {
			if err := s.populateType(byType[typeName], projections); err != nil {
				return err
			}
		}
		return nil
	})

	return err
}

func (s *Session) populateType(es []*entities.Entity, projections []string) error {
	t := es[0].Type()

	fields := slices.Clone(projections)
	if len(fields) == 0 {
		fields = projectionsFor(t)
	}

	keys := make([][]string, 0, len(es))
	byKey := map[string][]*entities.Entity{}

	for _, e := range es {
		identity, err := e.Identity()
		if err != nil {
			s.Logger().Debug("cannot populate entity without identity", "entity", e.String())
			continue
		}

		k := strings.Join(identity.PrimaryKey, ",")
		if _, seen := byKey[k]; !seen {
			keys = append(keys, identity.PrimaryKey)
		}
		byKey[k] = append(byKey[k], e)
	}

	if len(keys) == 0 {
		return nil
	}

	expression := fmt.Sprintf("select %s from %s where %s", joinProjections(fields), t.Name, keyCondition(t, keys))
	s.Logger().Debug("populating entities", "entity_type", t.Name, "count", len(keys), "query", expression)

	results, err := s.Query(expression).All()
	if err != nil {
		return fmt.Errorf("failed to populate %s: %w", t.Name, err)
	}

	for _, canonical := range results {
		identity, err := canonical.Identity()
		if err != nil {
			continue
		}

		for _, e := range byKey[strings.Join(identity.PrimaryKey, ",")] {
			if e == canonical {
				continue
			}
			if _, err := e.Merge(canonical); err != nil {
				return err
			}
		}
	}

	return nil
}
