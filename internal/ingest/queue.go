package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type pendingBatch struct {
	producerID string
	records    []map[string]any
}

// QueueSnapshot is the async queue state surfaced through /health.
type QueueSnapshot struct {
	PendingBatches int
	PendingRecords int
	Draining       bool
	FlushedBatches int64
	FlushedRecords int64
	LastFlushAt    string
	LastError      string
}

// queue implements the ingest async mode: records accumulate per-producer
// until a coalescing window elapses, at which point a single drain
// flushes everything accumulated so far into per-producer NDJSON shards
// and triggers one incremental indexing pass. Grounded on the teacher's
// ticker-plus-buffer worker shape, adapted from a channel-fed batch
// writer to a timer-reset coalescing queue per spec §4.3.
type queue struct {
	logsRoot string
	indexFn  func(ctx context.Context) error

	mu       sync.Mutex
	pending  []pendingBatch
	draining bool
	timer    *time.Timer
	window   time.Duration

	flushedBatches int64
	flushedRecords int64
	lastFlushAt    string
	lastError      string
}

func newQueue(logsRoot string, indexFn func(ctx context.Context) error) *queue {
	return &queue{logsRoot: logsRoot, indexFn: indexFn}
}

// enqueue appends a batch and (re)schedules a flush window bounds from
// now. A flush already in flight is left alone; draining appends any new
// arrivals to the next round.
func (q *queue) enqueue(producerID string, records []map[string]any, window time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(records) > 0 {
		q.pending = append(q.pending, pendingBatch{producerID: producerID, records: records})
	}

	q.window = window
	q.armTimerLocked(window)
}

// armTimerLocked (re)starts the one-shot flush timer. Callers must hold
// q.mu. A failed drain calls this again with the same window so a batch
// that errors out keeps retrying on its own instead of waiting for the
// next /api/ingest call to arm a fresh timer.
func (q *queue) armTimerLocked(window time.Duration) {
	if q.timer != nil {
		q.timer.Stop()
	}
	q.timer = time.AfterFunc(window, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = q.drainOnce(ctx)
	})
}

// drainOnce flushes every currently-pending batch, merging records of the
// same producer into a single write per producer, then runs one
// incremental index pass. If a shard write fails, the batches of producers
// not yet written are re-prepended so the next flush retries them; on any
// failure the error is recorded for /health and also returned.
func (q *queue) drainOnce(ctx context.Context) error {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return nil
	}
	batch := q.pending
	q.pending = nil
	if len(batch) == 0 {
		q.mu.Unlock()
		return nil
	}
	q.draining = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	merged := mergeByProducer(batch)
	recordCount := 0
	written := make(map[string]bool, len(merged))
	for producerID, records := range merged {
		if err := appendShard(q.logsRoot, producerID, records); err != nil {
			var unflushed []pendingBatch
			for _, b := range batch {
				if !written[b.producerID] {
					unflushed = append(unflushed, b)
				}
			}
			q.requeue(unflushed)
			q.recordError(fmt.Errorf("flush producer %s: %w", producerID, err))
			q.rescheduleAfterFailure()
			return err
		}
		written[producerID] = true
		recordCount += len(records)
	}

	if q.indexFn != nil {
		if err := q.indexFn(ctx); err != nil {
			q.recordError(fmt.Errorf("post-flush index: %w", err))
			q.rescheduleAfterFailure()
			return err
		}
	}

	q.mu.Lock()
	q.flushedBatches += int64(len(batch))
	q.flushedRecords += int64(recordCount)
	q.lastFlushAt = time.Now().UTC().Format(time.RFC3339Nano)
	q.lastError = ""
	q.mu.Unlock()
	return nil
}

func (q *queue) requeue(batch []pendingBatch) {
	q.mu.Lock()
	q.pending = append(batch, q.pending...)
	q.mu.Unlock()
}

// rescheduleAfterFailure re-arms the flush timer after a failed drain so a
// batch with nothing else arriving keeps retrying rather than sitting idle
// until the next /api/ingest call happens to arm one.
func (q *queue) rescheduleAfterFailure() {
	q.mu.Lock()
	defer q.mu.Unlock()
	window := q.window
	if window <= 0 {
		window = time.Second
	}
	q.armTimerLocked(window)
}

func (q *queue) recordError(err error) {
	q.mu.Lock()
	q.lastError = err.Error()
	q.mu.Unlock()
}

func (q *queue) snapshot() QueueSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	records := 0
	for _, b := range q.pending {
		records += len(b.records)
	}
	return QueueSnapshot{
		PendingBatches: len(q.pending),
		PendingRecords: records,
		Draining:       q.draining,
		FlushedBatches: q.flushedBatches,
		FlushedRecords: q.flushedRecords,
		LastFlushAt:    q.lastFlushAt,
		LastError:      q.lastError,
	}
}

func mergeByProducer(batches []pendingBatch) map[string][]map[string]any {
	out := make(map[string][]map[string]any)
	for _, b := range batches {
		out[b.producerID] = append(out[b.producerID], b.records...)
	}
	return out
}
