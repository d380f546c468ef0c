package notifier

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"GapSentinel/internal/model"
)

var errQueueFull = errors.New("alert queue full")

// Dispatcher pushes alerts to every transport off the scan path. Delivery
// failures are logged and counted, never returned.
type Dispatcher struct {
	transports []Transport
	timeout    time.Duration
	log        zerolog.Logger
	onFailure  func(transport string, err error)

	mu     sync.Mutex
	closed bool
	queue  chan model.AlertRecord
	done   chan struct{}
}

// NewDispatcher starts the delivery worker. queueSize bounds pending
// alerts; when full, new alerts are dropped.
func NewDispatcher(log zerolog.Logger, queueSize int, transports ...Transport) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 100
	}
	d := &Dispatcher{
		transports: transports,
		timeout:    45 * time.Second,
		log:        log.With().Str("component", "dispatcher").Logger(),
		queue:      make(chan model.AlertRecord, queueSize),
		done:       make(chan struct{}),
	}
	go d.run()
	return d
}

// OnFailure registers a hook called for each failed delivery.
func (d *Dispatcher) OnFailure(fn func(transport string, err error)) { d.onFailure = fn }

// Transports returns the configured transport names.
func (d *Dispatcher) Transports() []string {
	names := make([]string, len(d.transports))
	for i, t := range d.transports {
		names[i] = t.Name()
	}
	return names
}

// Dispatch enqueues alerts without blocking.
func (d *Dispatcher) Dispatch(recs []model.AlertRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	for _, rec := range recs {
		select {
		case d.queue <- rec:
		default:
			d.log.Warn().Str("alert", rec.ID).Msg("alert queue full, dropping")
			d.fail("queue", errQueueFull)
		}
	}
}

// Close stops accepting alerts and waits until queued ones are delivered or
// ctx expires.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for rec := range d.queue {
		for _, t := range d.transports {
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			err := t.Deliver(ctx, rec)
			cancel()
			if err != nil {
				d.log.Error().Err(err).Str("transport", t.Name()).Str("alert", rec.ID).Msg("alert delivery failed")
				d.fail(t.Name(), err)
			}
		}
	}
}

func (d *Dispatcher) fail(transport string, err error) {
	if d.onFailure != nil {
		d.onFailure(transport, err)
	}
}
