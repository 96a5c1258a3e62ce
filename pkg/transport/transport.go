package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"strings"

	"github.com/diwise/entity-session/pkg/errors"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Transport sends a batch of actions to the remote service and returns the
// results aligned by index.
type Transport interface {
	Call(ctx context.Context, batch json.RawMessage) (json.RawMessage, error)
}

// Func adapts an ordinary function to a Transport
type Func func(ctx context.Context, batch json.RawMessage) (json.RawMessage, error)

func (f Func) Call(ctx context.Context, batch json.RawMessage) (json.RawMessage, error) {
	return f(ctx, batch)
}

const (
	TraceAttributeAPIUser   string = "api-user"
	TraceAttributeBatchSize string = "batch-size"
)

var tracer = otel.Tracer("entity-session/transport")

func APIUser(user string) func(*httpTransport) {
	return func(t *httpTransport) {
		t.apiUser = user
	}
}

func APIKey(key string) func(*httpTransport) {
	return func(t *httpTransport) {
		t.apiKey = key
	}
}

func Debug(enabled string) func(*httpTransport) {
	return func(t *httpTransport) {
		t.debug = (enabled == "true")
	}
}

func WithHTTPClient(client *http.Client) func(*httpTransport) {
	return func(t *httpTransport) {
		t.httpClient = client
	}
}

func NewHTTPTransport(serverURL string, options ...func(*httpTransport)) Transport {
	t := &httpTransport{
		baseURL: strings.TrimSuffix(serverURL, "/"),
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}

	for _, option := range options {
		option(t)
	}

	return t
}

type httpTransport struct {
	baseURL    string
	apiUser    string
	apiKey     string
	debug      bool
	httpClient *http.Client
}

func (t *httpTransport) Call(ctx context.Context, batch json.RawMessage) (json.RawMessage, error) {
	var err error

	ctx, span := tracer.Start(ctx, "call",
		trace.WithAttributes(attribute.String(TraceAttributeAPIUser, t.apiUser)),
		trace.WithAttributes(attribute.Int(TraceAttributeBatchSize, len(batch))),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	response, responseBody, err := t.post(ctx, t.baseURL+"/api", batch)
	if err != nil {
		return nil, err
	}

	if response.StatusCode != http.StatusOK {
		contentType := response.Header.Get("Content-Type")
		if response.StatusCode >= http.StatusBadRequest && response.StatusCode <= http.StatusInternalServerError {
			err = errors.NewErrorFromProblemReport(response.StatusCode, contentType, responseBody)
			return nil, err
		}

		err = errors.NewServerError(fmt.Sprintf("server returned status code %d (content-type: %s, body: %s)", response.StatusCode, contentType, string(responseBody)))
		return nil, err
	}

	if !json.Valid(responseBody) {
		err = fmt.Errorf("server returned invalid json (%w)", errors.ErrBadResponse)
		return nil, err
	}

	return responseBody, nil
}

func (t *httpTransport) post(ctx context.Context, endpoint string, body []byte) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		err = fmt.Errorf("failed to create request: %s (%w)", err.Error(), errors.ErrInternal)
		return nil, nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}
	if t.apiUser != "" {
		req.Header.Set("X-Api-User", t.apiUser)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		err = fmt.Errorf("failed to send request: %s (%w)", err.Error(), errors.ErrRequest)
		return nil, nil, err
	}

	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		err = fmt.Errorf("failed to read response body: %s (%w)", err.Error(), errors.ErrBadResponse)
		return nil, nil, err
	}

	if t.debug && resp.StatusCode >= http.StatusBadRequest {
		reqbytes, _ := httputil.DumpRequest(req, false)
		respbytes, _ := httputil.DumpResponse(resp, false)

		log := logging.GetFromContext(ctx)
		log.Error("request failed", "request", string(reqbytes), "response", string(respbytes))
	}

	return resp, respBody, nil
}
