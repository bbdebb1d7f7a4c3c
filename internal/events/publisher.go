package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// shutdownGrace bounds the final flush on Close. The worker exits when it
// elapses even if the queue is not empty; delivery is at-most-once.
const shutdownGrace = 2 * time.Second

// Stats is a snapshot of publisher counters.
type Stats struct {
	Queued    int   `json:"queued"`
	Published int64 `json:"published"`
	Dropped   int64 `json:"dropped"`
	Failed    int64 `json:"failed"`
}

// Publisher is the bounded, fire-and-forget bridge to the event bus.
// Publish never blocks: when the queue is full the OLDEST event is dropped
// and the drop counter incremented (a bus outage must degrade telemetry,
// never proxy latency). A background worker drains the queue in batches.
type Publisher struct {
	bus          Bus
	batchSize    int
	batchTimeout time.Duration

	mu    sync.Mutex
	ring  []Event
	head  int
	count int

	notify chan struct{}
	stop   chan struct{}
	done   chan struct{}

	published atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64
}

// NewPublisher creates a Publisher and starts its drain worker.
func NewPublisher(bus Bus, capacity, batchSize int, batchTimeout time.Duration) *Publisher {
	if capacity <= 0 {
		capacity = 4096
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if batchSize > capacity {
		batchSize = capacity
	}
	if batchTimeout <= 0 {
		batchTimeout = time.Second
	}

	p := &Publisher{
		bus:          bus,
		batchSize:    batchSize,
		batchTimeout: batchTimeout,
		ring:         make([]Event, capacity),
		notify:       make(chan struct{}, 1),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	go p.worker()
	return p
}

// Publish enqueues an event. O(1), never blocks, safe for concurrent use.
func (p *Publisher) Publish(e Event) {
	p.mu.Lock()
	if p.count == len(p.ring) {
		// Full: overwrite the oldest.
		p.head = (p.head + 1) % len(p.ring)
		p.count--
		p.dropped.Add(1)
	}
	p.ring[(p.head+p.count)%len(p.ring)] = e
	p.count++
	shouldWake := p.count >= p.batchSize
	p.mu.Unlock()

	if shouldWake {
		select {
		case p.notify <- struct{}{}:
		default:
		}
	}
}

// take removes up to max events from the head of the queue.
func (p *Publisher) take(max int) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.count
	if n > max {
		n = max
	}
	if n == 0 {
		return nil
	}
	batch := make([]Event, n)
	for i := 0; i < n; i++ {
		batch[i] = p.ring[(p.head+i)%len(p.ring)]
	}
	p.head = (p.head + n) % len(p.ring)
	p.count -= n
	return batch
}

// worker drains the queue: a full batch as soon as one accumulates, or
// whatever is pending when the batch timeout fires.
func (p *Publisher) worker() {
	defer close(p.done)
	ticker := time.NewTicker(p.batchTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			p.finalFlush()
			return
		case <-p.notify:
		case <-ticker.C:
		}

		for {
			batch := p.take(p.batchSize)
			if len(batch) == 0 {
				break
			}
			p.forward(context.Background(), batch)
			if len(batch) < p.batchSize {
				break
			}
		}
	}
}

// forward hands one batch to the bus. Failures are counted, not retried.
func (p *Publisher) forward(ctx context.Context, batch []Event) {
	if err := p.bus.Publish(ctx, batch); err != nil {
		p.failed.Add(int64(len(batch)))
		log.Warn().Err(err).Int("batch", len(batch)).Msg("event bus publish failed")
		return
	}
	p.published.Add(int64(len(batch)))
}

// finalFlush drains what it can within the shutdown grace period.
func (p *Publisher) finalFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	for ctx.Err() == nil {
		batch := p.take(p.batchSize)
		if len(batch) == 0 {
			return
		}
		p.forward(ctx, batch)
	}
}

// Close stops the worker after a bounded final flush. Safe to call once.
func (p *Publisher) Close() {
	close(p.stop)
	<-p.done
}

// Stats returns current queue depth and counters.
func (p *Publisher) Stats() Stats {
	p.mu.Lock()
	queued := p.count
	p.mu.Unlock()
	return Stats{
		Queued:    queued,
		Published: p.published.Load(),
		Dropped:   p.dropped.Load(),
		Failed:    p.failed.Load(),
	}
}
