// internal/writeback/failures.go
package writeback

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/aceteam-ai/greencert/internal/redis"
)

// RedisQueue parks tasks on a Redis stream.
type RedisQueue struct {
	client *redis.Client
	stream string
}

// NewRedisQueue creates a failure queue on stream (default: redis.PersistenceDLQ).
func NewRedisQueue(client *redis.Client, stream string) *RedisQueue {
	if stream == "" {
		stream = redis.PersistenceDLQ
	}
	return &RedisQueue{client: client, stream: stream}
}

// Push parks t on the stream.
func (q *RedisQueue) Push(ctx context.Context, t Task) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	return q.client.MoveToDLQ(ctx, q.stream, redis.DLQEntry{
		Kind:    t.Kind,
		Key:     t.InferenceID,
		Reason:  t.Reason,
		MovedAt: t.FailedAt,
		Payload: payload,
	})
}

// Drain replays every entry on the stream. Entries that fn rejects stay
// parked; entries whose payload cannot be decoded are left for inspection.
func (q *RedisQueue) Drain(ctx context.Context, fn func(Task) error) (int, error) {
	entries, err := q.client.ReadDLQ(ctx, q.stream)
	if err != nil {
		return 0, err
	}

	var done []string
	var errs []error
	for _, e := range entries {
		var t Task
		if err := json.Unmarshal(e.Payload, &t); err != nil {
			errs = append(errs, fmt.Errorf("entry %s: %w", e.ID, err))
			continue
		}
		if err := fn(t); err != nil {
			errs = append(errs, fmt.Errorf("entry %s: %w", e.ID, err))
			continue
		}
		done = append(done, e.ID)
	}

	if err := q.client.RemoveFromDLQ(ctx, q.stream, done...); err != nil {
		return 0, fmt.Errorf("remove replayed entries: %w", err)
	}
	return len(done), errors.Join(errs...)
}

// SpoolQueue parks tasks as JSON lines in a local file. It is used when
// Redis is not configured.
type SpoolQueue struct {
	path string
	mu   sync.Mutex
}

// NewSpoolQueue creates a spool at path, creating the directory if needed.
func NewSpoolQueue(path string) (*SpoolQueue, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	return &SpoolQueue{path: path}, nil
}

// Path returns the spool file location.
func (q *SpoolQueue) Path() string { return q.path }

// Push appends t to the spool.
func (q *SpoolQueue) Push(_ context.Context, t Task) error {
	line, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	f, err := os.OpenFile(q.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open spool: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write spool: %w", err)
	}
	return f.Sync()
}

// Drain replays the spool and rewrites it with whatever is left.
func (q *SpoolQueue) Drain(ctx context.Context, fn func(Task) error) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	f, err := os.Open(q.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("open spool: %w", err)
	}
	var lines [][]byte
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		lines = append(lines, append([]byte(nil), sc.Bytes()...))
	}
	f.Close()
	if err := sc.Err(); err != nil {
		return 0, fmt.Errorf("read spool: %w", err)
	}

	var keep [][]byte
	var errs []error
	done := 0
	for i, line := range lines {
		if ctx.Err() != nil {
			keep = append(keep, lines[i:]...)
			errs = append(errs, ctx.Err())
			break
		}
		var t Task
		if err := json.Unmarshal(line, &t); err != nil {
			keep = append(keep, line)
			errs = append(errs, fmt.Errorf("line %d: %w", i+1, err))
			continue
		}
		if err := fn(t); err != nil {
			keep = append(keep, line)
			errs = append(errs, fmt.Errorf("line %d: %w", i+1, err))
			continue
		}
		done++
	}

	if err := q.rewrite(keep); err != nil {
		return done, err
	}
	return done, errors.Join(errs...)
}

func (q *SpoolQueue) rewrite(lines [][]byte) error {
	if len(lines) == 0 {
		if err := os.Remove(q.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove spool: %w", err)
		}
		return nil
	}

	tmp := q.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("rewrite spool: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, line := range lines {
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("rewrite spool: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("rewrite spool: %w", err)
	}
	return os.Rename(tmp, q.path)
}
