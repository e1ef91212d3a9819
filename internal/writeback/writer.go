// Package writeback performs the oracle's deferred writes. Telemetry events
// and signed credentials are queued after a certificate is issued and written
// by a background worker with bounded backoff. Writes that still fail are
// parked on a durable FailureQueue for replay.
package writeback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aceteam-ai/greencert/internal/retry"
	"github.com/aceteam-ai/greencert/internal/telemetry"
)

// Task kinds
const (
	KindTelemetry  = "telemetry"
	KindCredential = "credential"
)

var (
	// ErrQueueFull is recorded when a task could not be queued
	ErrQueueFull = errors.New("write-back queue full")

	// ErrClosed is recorded when a task arrives after Close
	ErrClosed = errors.New("write-back writer closed")

	// ErrUnknownKind is returned for a task with an unrecognised kind
	ErrUnknownKind = errors.New("unknown write-back task kind")
)

// Task is one deferred write.
type Task struct {
	Kind          string             `json:"kind"`
	InferenceID   string             `json:"inference_id"`
	CertificateID string             `json:"certificate_id,omitempty"`
	Reading       *telemetry.Reading `json:"reading,omitempty"`
	Verified      bool               `json:"verified,omitempty"`
	Document      json.RawMessage    `json:"document,omitempty"`
	Reason        string             `json:"reason,omitempty"`
	FailedAt      time.Time          `json:"failed_at,omitzero"`
}

// TelemetryTask records an ingested reading.
func TelemetryTask(r telemetry.Reading, verified bool) Task {
	return Task{Kind: KindTelemetry, InferenceID: r.InferenceID, Reading: &r, Verified: verified}
}

// CredentialTask records a signed credential document.
func CredentialTask(inferenceID, certificateID string, document []byte) Task {
	return Task{Kind: KindCredential, InferenceID: inferenceID, CertificateID: certificateID, Document: document}
}

// Sink is the store the writer writes to.
type Sink interface {
	SaveTelemetry(ctx context.Context, r telemetry.Reading, verified bool) error
	SaveCredential(ctx context.Context, inferenceID, certificateID string, document []byte) error
}

// FailureQueue durably parks tasks that could not be written.
type FailureQueue interface {
	Push(ctx context.Context, t Task) error

	// Drain calls fn for every parked task and removes the ones fn accepts.
	// It returns how many were removed.
	Drain(ctx context.Context, fn func(Task) error) (int, error)
}

// WriterConfig holds configuration for the write-back worker.
type WriterConfig struct {
	// Sink receives the writes
	Sink Sink

	// Failures parks exhausted tasks (optional; without it they are dropped and logged)
	Failures FailureQueue

	// Retry bounds attempts per task
	Retry retry.Policy

	// QueueSize is the in-memory buffer (default: 256)
	QueueSize int

	// LogFn is called for log messages (optional)
	LogFn func(level, msg string)
}

// Stats counts task outcomes.
type Stats struct {
	Written   int64
	Escalated int64
	Dropped   int64
}

// Writer runs deferred writes on a single worker goroutine.
type Writer struct {
	sink     Sink
	failures FailureQueue
	policy   retry.Policy
	logFn    func(level, msg string)

	mu     sync.RWMutex
	closed bool
	queue  chan Task

	written   atomic.Int64
	escalated atomic.Int64
	dropped   atomic.Int64
}

// NewWriter creates a new write-back writer. Call Start to process tasks.
func NewWriter(cfg WriterConfig) *Writer {
	size := cfg.QueueSize
	if size <= 0 {
		size = 256
	}
	return &Writer{
		sink:     cfg.Sink,
		failures: cfg.Failures,
		policy:   cfg.Retry,
		logFn:    cfg.LogFn,
		queue:    make(chan Task, size),
	}
}

// Enqueue hands t to the worker without blocking. When the buffer is full
// or the writer is closed the task goes straight to the failure queue.
func (w *Writer) Enqueue(ctx context.Context, t Task) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		w.escalate(ctx, t, ErrClosed)
		return
	}
	select {
	case w.queue <- t:
	default:
		w.escalate(ctx, t, ErrQueueFull)
	}
}

// Start processes queued tasks until Close is called and the buffer is
// drained.
func (w *Writer) Start(ctx context.Context) error {
	for t := range w.queue {
		if err := w.Apply(ctx, t); err != nil {
			w.escalate(ctx, t, err)
		}
	}
	return nil
}

// Close stops accepting tasks. Start returns once buffered tasks are done.
func (w *Writer) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
}

// Apply writes t with retry. It is also the replay path.
func (w *Writer) Apply(ctx context.Context, t Task) error {
	op := func() error {
		switch t.Kind {
		case KindTelemetry:
			if t.Reading == nil {
				return retry.Permanent(fmt.Errorf("%w: telemetry task without reading", ErrUnknownKind))
			}
			return w.sink.SaveTelemetry(ctx, *t.Reading, t.Verified)
		case KindCredential:
			return w.sink.SaveCredential(ctx, t.InferenceID, t.CertificateID, t.Document)
		default:
			return retry.Permanent(fmt.Errorf("%w: %q", ErrUnknownKind, t.Kind))
		}
	}
	notify := func(err error, wait time.Duration) {
		w.log("warning", "write-back: %s %s failed, retrying in %s: %v", t.Kind, t.InferenceID, wait, err)
	}
	if err := w.policy.Do(ctx, op, notify); err != nil {
		return err
	}
	w.written.Add(1)
	return nil
}

// Replay drains the failure queue through Apply.
func (w *Writer) Replay(ctx context.Context) (int, error) {
	if w.failures == nil {
		return 0, nil
	}
	n, err := w.failures.Drain(ctx, func(t Task) error {
		return w.Apply(ctx, t)
	})
	if n > 0 {
		w.log("success", "write-back: replayed %d parked writes", n)
	}
	return n, err
}

// Stats returns outcome counters.
func (w *Writer) Stats() Stats {
	return Stats{
		Written:   w.written.Load(),
		Escalated: w.escalated.Load(),
		Dropped:   w.dropped.Load(),
	}
}

func (w *Writer) escalate(ctx context.Context, t Task, cause error) {
	t.Reason = cause.Error()
	t.FailedAt = time.Now().UTC()

	if w.failures == nil {
		w.dropped.Add(1)
		w.log("error", "write-back: dropping %s %s: %v", t.Kind, t.InferenceID, cause)
		return
	}
	// The request that produced t may already be gone.
	if err := w.failures.Push(context.WithoutCancel(ctx), t); err != nil {
		w.dropped.Add(1)
		w.log("error", "write-back: failure queue rejected %s %s: %v (cause: %v)", t.Kind, t.InferenceID, err, cause)
		return
	}
	w.escalated.Add(1)
	w.log("warning", "write-back: parked %s %s: %v", t.Kind, t.InferenceID, cause)
}

func (w *Writer) log(level, format string, args ...any) {
	if w.logFn != nil {
		w.logFn(level, fmt.Sprintf(format, args...))
	}
}
