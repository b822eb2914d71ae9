// Package ingest implements the ingest pipeline (spec component C3): HTTP
// intake authentication, payload normalization, NDJSON shard persistence,
// and triggering the incremental indexer, either synchronously per
// request or through a coalescing asynchronous queue.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Result is returned by Accept for both the synchronous and queued path.
// Queued responses carry the accepted/rejected counts of the parsed body;
// the records themselves are persisted later, on flush.
type Result struct {
	Accepted   int
	Rejected   int
	Queued     bool
	ProducerID string
	ReceivedAt string
}

// ErrBodyTooLarge is returned by Accept when the request body exceeds the
// configured maximum.
type ErrBodyTooLarge struct{ MaxBytes int64 }

func (e ErrBodyTooLarge) Error() string {
	return fmt.Sprintf("request body exceeds max of %d bytes", e.MaxBytes)
}

// ErrInvalidPayload is returned when the body is not valid JSON or is
// neither an array nor an object with a "logs" array.
type ErrInvalidPayload struct{ Reason string }

func (e ErrInvalidPayload) Error() string { return e.Reason }

// Pipeline owns the logs root, body size limit, and queueing mode.
type Pipeline struct {
	logsRoot    string
	maxBody     int64
	indexFn     func(ctx context.Context) error
	async       bool
	flushWindow time.Duration

	queue *queue
}

// New builds a Pipeline. indexFn is invoked after a successful write to
// trigger an incremental indexing pass; it is typically
// Indexer.RunIncremental adapted to drop the report value.
func New(logsRoot string, maxBodyBytes int64, async bool, flushWindow time.Duration, indexFn func(ctx context.Context) error) *Pipeline {
	p := &Pipeline{
		logsRoot:    logsRoot,
		maxBody:     maxBodyBytes,
		indexFn:     indexFn,
		async:       async,
		flushWindow: flushWindow,
	}
	if async {
		p.queue = newQueue(logsRoot, indexFn)
	}
	return p
}

// IsAsync reports whether this pipeline queues writes instead of writing
// synchronously.
func (p *Pipeline) IsAsync() bool { return p.async }

// Accept reads, validates, and normalizes an ingest request body, then
// either writes it synchronously or enqueues it for the async flusher.
func (p *Pipeline) Accept(ctx context.Context, producerID string, body io.Reader) (Result, error) {
	limited := io.LimitReader(body, p.maxBody+1)
	raw, err := io.ReadAll(limited)
	if err != nil {
		return Result{}, fmt.Errorf("read body: %w", err)
	}
	if int64(len(raw)) > p.maxBody {
		return Result{}, ErrBodyTooLarge{MaxBytes: p.maxBody}
	}

	records, rejected, err := parsePayload(raw)
	if err != nil {
		return Result{}, err
	}

	receivedAt := time.Now().UTC().Format(time.RFC3339Nano)
	normalized := normalizeRecords(records, producerID, receivedAt)

	if p.async {
		p.queue.enqueue(producerID, normalized, p.flushWindow)
		return Result{
			Accepted:   len(normalized),
			Rejected:   rejected,
			Queued:     true,
			ProducerID: producerID,
			ReceivedAt: receivedAt,
		}, nil
	}

	if len(normalized) > 0 {
		if err := appendShard(p.logsRoot, producerID, normalized); err != nil {
			return Result{}, fmt.Errorf("write ndjson shard: %w", err)
		}
		if p.indexFn != nil {
			if err := p.indexFn(ctx); err != nil {
				return Result{}, fmt.Errorf("post-write index: %w", err)
			}
		}
	}

	return Result{
		Accepted:   len(normalized),
		Rejected:   rejected,
		Queued:     false,
		ProducerID: producerID,
		ReceivedAt: receivedAt,
	}, nil
}

// QueueSnapshot reports the async queue's current state for /health; it
// returns a zero snapshot when the pipeline runs synchronously.
func (p *Pipeline) QueueSnapshot() QueueSnapshot {
	if p.queue == nil {
		return QueueSnapshot{}
	}
	return p.queue.snapshot()
}

// Shutdown drains any pending queued writes once and returns the flush
// error, if any, to the caller.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	if p.queue == nil {
		return nil
	}
	return p.queue.drainOnce(ctx)
}

// parsePayload accepts a JSON array of objects or an object with a "logs"
// array. Non-object elements increment rejected but do not abort the
// batch. An empty body is treated as an empty array.
func parsePayload(raw []byte) (records []map[string]any, rejected int, err error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, 0, nil
	}

	var anyValue any
	if err := json.Unmarshal(trimmed, &anyValue); err != nil {
		return nil, 0, ErrInvalidPayload{Reason: "invalid json"}
	}

	var elements []any
	switch v := anyValue.(type) {
	case []any:
		elements = v
	case map[string]any:
		logs, ok := v["logs"]
		if !ok {
			return nil, 0, ErrInvalidPayload{Reason: `object payload must have a "logs" array`}
		}
		arr, ok := logs.([]any)
		if !ok {
			return nil, 0, ErrInvalidPayload{Reason: `"logs" must be an array`}
		}
		elements = arr
	default:
		return nil, 0, ErrInvalidPayload{Reason: "payload must be a JSON array or an object with a logs array"}
	}

	for _, el := range elements {
		obj, ok := el.(map[string]any)
		if !ok {
			rejected++
			continue
		}
		records = append(records, obj)
	}
	return records, rejected, nil
}

// normalizeRecords copies each record, overwriting producerId with the
// server-resolved value and stamping a shared ingestedAt for the batch.
// This is the only place producerId is set, preventing forgery.
func normalizeRecords(records []map[string]any, producerID, ingestedAt string) []map[string]any {
	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		copied := make(map[string]any, len(rec)+2)
		for k, v := range rec {
			copied[k] = v
		}
		copied["producerId"] = producerID
		copied["ingestedAt"] = ingestedAt
		out = append(out, copied)
	}
	return out
}

// appendShard writes records as NDJSON to
// logs/ingest/<producerId>/<UTC-date>.ndjson relative to root, appending
// to the file and creating the parent directory on demand.
func appendShard(root, producerID string, records []map[string]any) error {
	date := time.Now().UTC().Format("2006-01-02")
	dir := filepath.Join(root, "ingest", producerID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create producer dir: %w", err)
	}

	var buf bytes.Buffer
	for _, rec := range records {
		line, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	path := filepath.Join(dir, date+".ndjson")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open shard: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("append shard: %w", err)
	}
	return nil
}
