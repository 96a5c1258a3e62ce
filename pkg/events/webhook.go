package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("entity-session/events")

type notification struct {
	Topic string         `json:"topic"`
	Data  map[string]any `json:"data"`
}

// Webhook returns a handler that posts every event it receives to endpoint
func Webhook(endpoint string) Handler {
	httpClient := http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	return func(ctx context.Context, e Event) (any, error) {
		var err error

		ctx, span := tracer.Start(ctx, "post")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		body, err := json.Marshal(notification{Topic: e.Topic, Data: e.Data})
		if err != nil {
			err = fmt.Errorf("marshalling error (%w)", err)
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBuffer(body))
		if err != nil {
			err = fmt.Errorf("unable to create new request (%w)", err)
			return nil, err
		}

		req.Header.Add("Content-Type", "application/json")

		resp, err := httpClient.Do(req)
		if err != nil {
			err = fmt.Errorf("failed to send request (%w)", err)
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= http.StatusBadRequest {
			err = fmt.Errorf("webhook responded with status code %d", resp.StatusCode)
			return nil, err
		}

		return nil, nil
	}
}
