package auth

import (
	"context"
	"fmt"
	"io"

	"github.com/diwise/entity-session/pkg/errors"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/open-policy-agent/opa/rego"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("entity-session/api/authz")

type Authorizer interface {
	CheckAccess(ctx context.Context, token, user, action, entityType string) error
}

type authorizerImpl struct {
	preparedQuery rego.PreparedEvalQuery
}

// NewAuthorizer prepares the policies in the entity_session.authz package for
// evaluation. Access is granted when allow is true or an object.
func NewAuthorizer(ctx context.Context, policies io.Reader) (Authorizer, error) {
	module, err := io.ReadAll(policies)
	if err != nil {
		return nil, fmt.Errorf("unable to read authz policies: %s", err.Error())
	}

	impl := &authorizerImpl{}

	impl.preparedQuery, err = rego.New(
		rego.Query("x = data.entity_session.authz.allow"),
		rego.Module("entity_session.rego", string(module)),
	).PrepareForEval(ctx)

	if err != nil {
		return nil, err
	}

	return impl, nil
}

func (a *authorizerImpl) CheckAccess(ctx context.Context, token, user, action, entityType string) error {
	var err error

	_, span := tracer.Start(ctx, "check-auth")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	input := map[string]any{
		"token":       token,
		"user":        user,
		"action":      action,
		"entity_type": entityType,
	}

	results, err := a.preparedQuery.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		err = fmt.Errorf("opa eval failed: %w", err)
		return err
	}

	if len(results) == 0 {
		err = errors.NewUnauthorizedError("opa query could not be satisfied")
		return err
	}

	switch binding := results[0].Bindings["x"].(type) {
	case bool:
		if !binding {
			err = errors.NewUnauthorizedError(fmt.Sprintf("%s is not allowed to %s %s", user, action, entityType))
			return err
		}
	case map[string]any:
	default:
		err = fmt.Errorf("opa error: unexpected result type %T", binding)
		return err
	}

	return nil
}
