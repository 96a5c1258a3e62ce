package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/diwise/entity-session/internal/pkg/application/remote"
	"github.com/diwise/entity-session/internal/pkg/presentation/api/auth"
	"github.com/diwise/entity-session/pkg/errors"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("entity-session/api")

const (
	TraceAttributeAPIUser   string = "api-user"
	TraceAttributeBatchSize string = "batch-size"
)

func RegisterHandlers(ctx context.Context, r chi.Router, policies io.Reader, app remote.Executor) error {
	authorizer, err := auth.NewAuthorizer(ctx, policies)
	if err != nil {
		return fmt.Errorf("failed to create api authorizer: %w", err)
	}

	r.Group(func(r chi.Router) {
		r.Use(
			Logger(logging.GetFromContext(ctx)),
			RequiredContentTypes([]string{"application/json"}),
		)

		r.Post("/api", NewBatchHandler(app, authorizer))
	})

	return nil
}

func Logger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			_, ctx, _ = o11y.AddTraceIDToLoggerAndStoreInContext(
				trace.SpanFromContext(ctx),
				logger,
				ctx)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func RequiredContentTypes(validTypes []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			contentType := r.Header.Get("Content-Type")
			isValidContentType := true

			if len(contentType) > 0 {
				isValidContentType = false

				for _, t := range validTypes {
					if strings.HasPrefix(contentType, t) {
						isValidContentType = true
						break
					}
				}
			}

			if isValidContentType {
				next.ServeHTTP(w, r)
			} else {
				http.Error(w, "unsupported media type", http.StatusUnsupportedMediaType)
			}
		})
	}
}

func traceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// NewBatchHandler executes a batch of actions after checking that the caller
// is allowed to perform each of them
func NewBatchHandler(app remote.Executor, authorizer auth.Authorizer) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error

		user := r.Header.Get("X-Api-User")

		ctx, span := tracer.Start(r.Context(), "execute-batch",
			trace.WithAttributes(attribute.String(TraceAttributeAPIUser, user)),
		)
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		log := logging.GetFromContext(ctx)

		body, err := io.ReadAll(r.Body)
		if err != nil {
			errors.NewInvalidRequest(fmt.Sprintf("unable to read request body: %s", err.Error()), traceID(ctx)).WriteResponse(w)
			return
		}

		actions := []remote.Action{}
		err = json.Unmarshal(body, &actions)
		if err != nil {
			errors.NewInvalidRequest(fmt.Sprintf("unable to decode batch: %s", err.Error()), traceID(ctx)).WriteResponse(w)
			return
		}

		span.SetAttributes(attribute.Int(TraceAttributeBatchSize, len(actions)))

		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

		for _, action := range actions {
			err = authorizer.CheckAccess(ctx, token, user, action.Action, entityTypeOf(action))
			if err != nil {
				log.Warn("access not granted", "user", user, "action", action.Action, "err", err.Error())
				errors.NewUnauthorizedRequest("access denied", traceID(ctx)).WriteResponse(w)
				return
			}
		}

		results, err := app.Execute(ctx, actions)
		if err != nil {
			log.Error("batch failed", "err", err.Error())
			mapToProblemReport(w, err, traceID(ctx))
			return
		}

		responseBody, err := json.Marshal(results)
		if err != nil {
			log.Error("failed to marshal batch results", "err", err.Error())
			errors.NewInternalError(err.Error(), traceID(ctx)).WriteResponse(w)
			return
		}

		w.Header().Add("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(responseBody)
	})
}

func entityTypeOf(action remote.Action) string {
	if action.EntityType != "" {
		return action.EntityType
	}

	if q, err := remote.ParseQuery(action.Query); err == nil {
		return q.EntityType
	}

	return ""
}

func mapToProblemReport(w http.ResponseWriter, err error, traceID string) {
	switch {
	case errors.Is(err, errors.ErrNotFound):
		errors.NewNotFound(err.Error(), traceID).WriteResponse(w)
	case errors.Is(err, errors.ErrUnrecognisedEntityType),
		errors.Is(err, errors.ErrNotUnique),
		errors.Is(err, remote.ErrInvalidQuery):
		errors.NewBadRequestData(err.Error(), traceID).WriteResponse(w)
	default:
		errors.NewInternalError(err.Error(), traceID).WriteResponse(w)
	}
}
