package events

import (
	"context"
	"net/http"
	"sync"
	"testing"

	"github.com/diwise/entity-session/pkg/errors"
	testutils "github.com/diwise/service-chassis/pkg/test/http"
	"github.com/diwise/service-chassis/pkg/test/http/expects"
	"github.com/diwise/service-chassis/pkg/test/http/response"
	"github.com/matryer/is"
)

func TestSynchronousPublishCollectsResults(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	h := NewHub()

	is.NoErr(h.Subscribe("first", "greeting", func(ctx context.Context, e Event) (any, error) {
		return "hello " + e.Data["name"].(string), nil
	}))
	is.NoErr(h.Subscribe("silent", "greeting", func(ctx context.Context, e Event) (any, error) {
		return nil, nil
	}))
	is.NoErr(h.Subscribe("other", "farewell", func(ctx context.Context, e Event) (any, error) {
		return "bye", nil
	}))

	results, err := h.Publish(ctx, Event{Topic: "greeting", Data: map[string]any{"name": "bob"}}, true)
	is.NoErr(err)
	is.Equal(results, []any{"hello bob"})
}

func TestDuplicateSubscriberIsRejected(t *testing.T) {
	is := is.New(t)

	h := NewHub()
	noop := func(ctx context.Context, e Event) (any, error) { return nil, nil }

	is.NoErr(h.Subscribe("a", "x", noop))
	err := h.Subscribe("a", "y", noop)
	is.True(errors.Is(err, errors.ErrNotUnique))

	is.NoErr(h.Unsubscribe("a"))
	is.True(errors.Is(h.Unsubscribe("a"), errors.ErrNotFound))
	is.NoErr(h.Subscribe("a", "y", noop))
}

func TestAsynchronousEventsRunOnDrain(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	h := NewHub()
	handled := 0

	is.NoErr(h.Subscribe("counter", TopicAny, func(ctx context.Context, e Event) (any, error) {
		handled++
		return nil, nil
	}))

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.Publish(ctx, Event{Topic: "tick"}, false)
		}()
	}
	wg.Wait()

	is.Equal(handled, 0)
	is.Equal(h.Pending(), 10)

	is.Equal(h.Drain(ctx), 10)
	is.Equal(handled, 10)
	is.Equal(h.Pending(), 0)
}

func TestWebhookPostsEvent(t *testing.T) {
	is := is.New(t)

	s := testutils.NewMockServiceThat(
		testutils.Expects(
			is,
			expects.RequestMethod(http.MethodPost),
			expects.RequestBodyContaining(`"topic":"session.committed"`),
		),
		testutils.Returns(
			response.Code(http.StatusOK),
		),
	)
	defer s.Close()

	h := NewHub()
	is.NoErr(h.Subscribe("webhook", TopicCommitted, Webhook(s.URL())))

	_, err := h.Publish(context.Background(), Event{Topic: TopicCommitted, Data: map[string]any{"payloads": 2}}, true)
	is.NoErr(err)
	is.Equal(s.RequestCount(), 1)
}
