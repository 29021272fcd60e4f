package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/witlox/lacuna/pkg/config"
	"github.com/witlox/lacuna/pkg/domain"
)

// Chain is the asynchronous write path of the audit log. Callers enqueue
// records without blocking on storage; a single background writer assigns
// the hash chain and persists records in batches, so chain continuity
// never depends on caller scheduling.
//
// The queue is bounded. When it is full, a new record is admitted only by
// dropping the oldest queued record, and only once that record has waited
// longer than the configured MaxQueueAge; otherwise the new record is
// rejected with domain.ErrAuditBackpressure.
type Chain struct {
	store   Store
	logger  *slog.Logger
	metrics *Metrics
	cfg     config.AuditConfig

	mu     sync.Mutex
	queue  []queuedRecord
	closed bool

	notify  chan struct{}
	flushCh chan flushRequest
	stop    chan struct{}
	done    chan struct{}

	// lastHash is the chain seed for the next batch. Owned by the writer
	// goroutine after construction.
	lastHash string
}

type queuedRecord struct {
	record     domain.AuditRecord
	enqueuedAt time.Time
}

type flushRequest struct {
	ctx   context.Context
	reply chan error
}

// NewChain seeds the hash chain from the store's newest record and starts
// the background writer.
func NewChain(ctx context.Context, store Store, logger *slog.Logger, metrics *Metrics, cfg config.AuditConfig) (*Chain, error) {
	last, err := store.LastHash(ctx)
	if err != nil {
		return nil, fmt.Errorf("seed audit chain: %w", err)
	}

	c := &Chain{
		store:    store,
		logger:   logger,
		metrics:  metrics,
		cfg:      cfg,
		notify:   make(chan struct{}, 1),
		flushCh:  make(chan flushRequest),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		lastHash: last,
	}
	go c.run()
	return c, nil
}

// Append enqueues one record for persistence. It never blocks on storage.
func (c *Chain) Append(record domain.AuditRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.New("audit chain closed")
	}

	if len(c.queue) >= c.cfg.QueueSize {
		oldest := c.queue[0]
		if time.Since(oldest.enqueuedAt) < c.cfg.MaxQueueAge {
			c.metrics.Dropped.Inc()
			return domain.ErrAuditBackpressure
		}
		// The writer has been unable to persist the oldest record for the
		// whole grace period. Losing it is preferable to unbounded memory.
		c.queue = c.queue[1:]
		c.metrics.Dropped.Inc()
		c.logger.Warn("audit queue overflow, dropped oldest record",
			"record", oldest.record.ID,
			"age", time.Since(oldest.enqueuedAt),
			"error", domain.ErrAuditBackpressure)
	}

	c.queue = append(c.queue, queuedRecord{record: record, enqueuedAt: time.Now()})
	c.metrics.QueueDepth.Set(float64(len(c.queue)))

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

// Flush persists everything currently queued and returns once it is
// durable (or ctx expires).
func (c *Chain) Flush(ctx context.Context) error {
	req := flushRequest{ctx: ctx, reply: make(chan error, 1)}
	select {
	case c.flushCh <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return errors.New("audit chain closed")
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the queue and stops the writer. The drain is bounded by
// MaxQueueAge; records that cannot be persisted within it are lost and
// logged.
func (c *Chain) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.done
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.stop)
	<-c.done
	return nil
}

func (c *Chain) run() {
	defer close(c.done)

	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			drainCtx, cancel := context.WithTimeout(context.Background(), c.cfg.MaxQueueAge)
			if err := c.flushAll(drainCtx, nil); err != nil {
				c.logger.Error("audit records lost at shutdown", "pending", c.pending(), "error", err)
			}
			cancel()
			return
		case <-c.notify:
			for c.pending() >= c.cfg.BatchSize {
				if err := c.flushOne(context.Background(), c.stop); err != nil {
					break
				}
			}
		case <-ticker.C:
			if err := c.flushAll(context.Background(), c.stop); err != nil {
				c.logger.Error("audit flush failed", "error", err)
			}
		case req := <-c.flushCh:
			req.reply <- c.flushAll(req.ctx, c.stop)
		}
	}
}

func (c *Chain) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Chain) flushAll(ctx context.Context, abort <-chan struct{}) error {
	for c.pending() > 0 {
		if err := c.flushOne(ctx, abort); err != nil {
			return err
		}
	}
	return nil
}

// flushOne takes up to one batch off the queue, chains it onto lastHash
// and persists it. On failure the batch goes back to the front of the
// queue unhashed; the seed does not advance, so an intact retry chains
// the same records to the same hashes.
func (c *Chain) flushOne(ctx context.Context, abort <-chan struct{}) error {
	c.mu.Lock()
	n := len(c.queue)
	if n == 0 {
		c.mu.Unlock()
		return nil
	}
	if n > c.cfg.BatchSize {
		n = c.cfg.BatchSize
	}
	batch := make([]queuedRecord, n)
	copy(batch, c.queue[:n])
	c.queue = c.queue[n:]
	c.metrics.QueueDepth.Set(float64(len(c.queue)))
	c.mu.Unlock()

	records := make([]domain.AuditRecord, 0, n)
	enqueued := make([]time.Time, 0, n)
	prev := c.lastHash
	for _, q := range batch {
		r := q.record
		if r.RecordHash == "" {
			hash, err := r.ComputeHash(prev)
			if err != nil {
				c.metrics.Dropped.Inc()
				c.logger.Error("audit record not hashable, dropped", "record", r.ID, "error", err)
				continue
			}
			r.PreviousHash = prev
			r.RecordHash = hash
		}
		prev = r.RecordHash
		records = append(records, r)
		enqueued = append(enqueued, q.enqueuedAt)
	}
	if len(records) == 0 {
		return nil
	}

	if err := c.persist(ctx, abort, records); err != nil {
		// Requeue the batch at the front with its hashes stripped. lastHash
		// has not advanced, so an intact retry re-chains from the same seed
		// to the identical hashes, and if backpressure drops a requeued
		// record in the meantime the survivors re-chain cleanly instead of
		// keeping a link to a record that no longer exists.
		requeued := make([]queuedRecord, 0, len(records))
		for i, r := range records {
			r.PreviousHash = ""
			r.RecordHash = ""
			requeued = append(requeued, queuedRecord{record: r, enqueuedAt: enqueued[i]})
		}
		c.mu.Lock()
		c.queue = append(requeued, c.queue...)
		c.metrics.QueueDepth.Set(float64(len(c.queue)))
		c.mu.Unlock()
		return err
	}

	c.lastHash = prev
	c.metrics.Appended.Add(float64(len(records)))
	c.metrics.BatchRecords.Observe(float64(len(records)))
	return nil
}

// persist retries the same batch with exponential backoff until the store
// accepts it, abort fires, or ctx expires. A nil abort channel never
// fires, which the shutdown drain relies on: its retry budget is the ctx
// deadline alone.
func (c *Chain) persist(ctx context.Context, abort <-chan struct{}, records []domain.AuditRecord) error {
	backoff := 100 * time.Millisecond
	for {
		err := c.store.AppendBatch(ctx, records)
		if err == nil {
			return nil
		}
		c.metrics.FlushFailures.Inc()
		c.logger.Error("audit batch persist failed, will retry same batch",
			"records", len(records), "error", err)

		select {
		case <-ctx.Done():
			return err
		case <-abort:
			return err
		case <-time.After(backoff):
		}
		if backoff < 5*time.Second {
			backoff *= 2
		}
	}
}
