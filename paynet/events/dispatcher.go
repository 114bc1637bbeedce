package events

import (
	"context"
	"time"

	"github.com/agentmarket/paynet/pkg/log"
	"github.com/agentmarket/paynet/pkg/payments"
)

type Publisher interface {
	Publish(ctx context.Context, e payments.Event) error
	Close() error
}

// Dispatcher delivers channel events to publisher in background,
// failed deliveries are retried with growing delay.
type Dispatcher struct {
	pub        Publisher
	queue      chan payments.Event
	maxRetries int
	retryDelay time.Duration
	done       chan struct{}
}

func NewDispatcher(pub Publisher, buffer int) *Dispatcher {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Dispatcher{
		pub:        pub,
		queue:      make(chan payments.Event, buffer),
		maxRetries: 5,
		retryDelay: 300 * time.Millisecond,
		done:       make(chan struct{}),
	}
}

// Enqueue never blocks, event is dropped when queue is full.
func (d *Dispatcher) Enqueue(e payments.Event) {
	select {
	case d.queue <- e:
	default:
		log.Warn().Str("type", string(e.Type)).Str("channel", e.Channel.ID).Msg("events queue is full, event dropped")
	}
}

func (d *Dispatcher) Start() {
	go func() {
		defer close(d.done)

		for e := range d.queue {
			d.deliver(e)
		}
	}()
}

func (d *Dispatcher) deliver(e payments.Event) {
	delay := d.retryDelay
	for i := 0; ; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := d.pub.Publish(ctx, e)
		cancel()
		if err == nil {
			return
		}

		if i >= d.maxRetries {
			log.Error().Err(err).Str("type", string(e.Type)).Str("channel", e.Channel.ID).Msg("failed to publish event, giving up")
			return
		}

		log.Warn().Err(err).Str("type", string(e.Type)).Str("channel", e.Channel.ID).Msg("failed to publish event, will be retried")
		time.Sleep(delay)
		delay *= 2
	}
}

// Stop waits until queued events are delivered and closes publisher.
// Enqueue must not be called after Stop.
func (d *Dispatcher) Stop(ctx context.Context) error {
	close(d.queue)

	select {
	case <-d.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return d.pub.Close()
}
