package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/agentmarket/paynet/pkg/payments"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent(typ payments.EventType) payments.Event {
	return payments.Event{
		Type: typ,
		Channel: payments.ChannelInfo{
			ID:      "ch-1",
			State:   payments.StateClosed,
			Network: "base-sepolia",
			Deposit: 10_000_000,
			Spent:   4_000_000,
		},
		FinalAmount: 4_000_000,
		At:          time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestWebhookPublisher_SignsBody(t *testing.T) {
	key := []byte("secret")

	var got WebhookRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Equal(t, Sign(key, body), r.Header.Get(SignatureHeader))
		require.NoError(t, json.Unmarshal(body, &got))
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	p := NewWebhookPublisher(srv.URL, key)
	e := testEvent(payments.EventChannelClosed)
	require.NoError(t, p.Publish(context.Background(), e))
	require.NoError(t, p.Close())

	assert.Equal(t, "channel-closed", got.Type)
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, e, got.Data)
}

func TestWebhookPublisher_Failures(t *testing.T) {
	status, body := http.StatusOK, `{"success":false}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	p := NewWebhookPublisher(srv.URL, nil)
	require.ErrorContains(t, p.Publish(context.Background(), testEvent(payments.EventError)), "not success")

	status = http.StatusBadGateway
	require.ErrorContains(t, p.Publish(context.Background(), testEvent(payments.EventError)), "502")
}

type flakyPublisher struct {
	mx       sync.Mutex
	failures int
	got      []payments.Event
	closed   bool
}

func (f *flakyPublisher) Publish(_ context.Context, e payments.Event) error {
	f.mx.Lock()
	defer f.mx.Unlock()

	if f.failures > 0 {
		f.failures--
		return errors.New("broker unavailable")
	}
	f.got = append(f.got, e)
	return nil
}

func (f *flakyPublisher) Close() error {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.closed = true
	return nil
}

func TestDispatcher_RetriesAndDrains(t *testing.T) {
	pub := &flakyPublisher{failures: 2}
	d := NewDispatcher(pub, 16)
	d.retryDelay = time.Millisecond
	d.Start()

	d.Enqueue(testEvent(payments.EventChannelOpened))
	d.Enqueue(testEvent(payments.EventPaymentMade))
	d.Enqueue(testEvent(payments.EventChannelClosed))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Stop(ctx))

	require.Len(t, pub.got, 3)
	assert.Equal(t, payments.EventChannelOpened, pub.got[0].Type)
	assert.Equal(t, payments.EventChannelClosed, pub.got[2].Type)
	assert.True(t, pub.closed)
}

func TestDispatcher_GivesUp(t *testing.T) {
	pub := &flakyPublisher{failures: 100}
	d := NewDispatcher(pub, 4)
	d.retryDelay = time.Microsecond
	d.maxRetries = 2
	d.Start()

	d.Enqueue(testEvent(payments.EventChannelOpened))
	require.NoError(t, d.Stop(context.Background()))
	assert.Empty(t, pub.got)
	assert.Equal(t, 97, pub.failures)
}

func TestRoutingKey(t *testing.T) {
	assert.Equal(t, "channel-closed.base-sepolia", RoutingKey(testEvent(payments.EventChannelClosed)))
}

// requires running rabbitmq, url is taken from PAYNET_TEST_AMQP
func TestAMQPPublisher(t *testing.T) {
	url := os.Getenv("PAYNET_TEST_AMQP")
	if url == "" {
		t.Skip("PAYNET_TEST_AMQP is not set")
	}

	p, err := NewAMQPPublisher(AMQPConfig{URL: url, Exchange: "paynet.test"})
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Publish(context.Background(), testEvent(payments.EventPaymentMade)))
}
