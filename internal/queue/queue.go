// SPDX-License-Identifier: MIT

// Package queue implements the persistent retry queue for fire-and-forget
// POSTs (command acks, proof-of-play batches). Entries survive restarts:
// the queue file is replaced atomically on every mutation, so an
// acknowledgement that was accepted locally is never lost to a crash.
package queue

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
)

// DefaultMaxRetries is used when an entry does not specify its own limit.
const DefaultMaxRetries = 10

// Entry is one queued request.
type Entry struct {
	ID         string          `json:"id"`
	Method     string          `json:"method"`
	URL        string          `json:"url"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	MaxRetries int             `json:"maxRetries"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// Queue is an append-only persistent FIFO of retryable requests.
type Queue struct {
	mu      sync.Mutex
	path    string
	entries []Entry
	logger  *slog.Logger
	wake    chan struct{}
}

// New loads (or creates) the queue persisted at path.
func New(path string, logger *slog.Logger) (*Queue, error) {
	q := &Queue{
		path:   path,
		logger: logger,
		wake:   make(chan struct{}, 1),
	}

	data, err := os.ReadFile(path) // #nosec G304 -- path comes from configuration
	switch {
	case os.IsNotExist(err):
		// First boot; empty queue.
	case err != nil:
		return nil, fmt.Errorf("read queue file: %w", err)
	default:
		if err := json.Unmarshal(data, &q.entries); err != nil {
			// A corrupt queue file must not brick the device. Start empty;
			// the damage is bounded to unacknowledged retries.
			q.logf("queue file corrupt, starting empty", slog.String("path", path), slog.Any("error", err))
			q.entries = nil
		}
	}
	return q, nil
}

// Enqueue appends a request and persists the queue.
func (q *Queue) Enqueue(method, url string, payload any, maxRetries int) (string, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("encode queued payload: %w", err)
		}
		raw = data
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	entry := Entry{
		ID:         uuid.NewString(),
		Method:     method,
		URL:        url,
		Payload:    raw,
		MaxRetries: maxRetries,
		EnqueuedAt: time.Now().UTC(),
	}

	q.mu.Lock()
	q.entries = append(q.entries, entry)
	err := q.persistLocked()
	q.mu.Unlock()
	if err != nil {
		return "", err
	}

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return entry.ID, nil
}

// Len returns the number of pending entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Peek returns a copy of the head entry.
func (q *Queue) Peek() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return Entry{}, false
	}
	return q.entries[0], true
}

// ack removes the head entry (by ID) after successful delivery.
func (q *Queue) ack(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e.ID == id {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return q.persistLocked()
		}
	}
	return nil
}

// fail increments the attempt counter; the entry is dropped once its attempts
// reach its retry budget (MaxRetries).
func (q *Queue) fail(id string) (dropped bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.entries {
		if q.entries[i].ID != id {
			continue
		}
		q.entries[i].Attempts++
		if q.entries[i].Attempts >= q.entries[i].MaxRetries {
			q.logf("dropping queued request after retry budget",
				slog.String("url", q.entries[i].URL),
				slog.Int("attempts", q.entries[i].Attempts))
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return true, q.persistLocked()
		}
		return false, q.persistLocked()
	}
	return false, nil
}

func (q *Queue) persistLocked() error {
	data, err := json.Marshal(q.entries)
	if err != nil {
		return fmt.Errorf("encode queue: %w", err)
	}
	if err := renameio.WriteFile(q.path, data, 0600); err != nil {
		return fmt.Errorf("persist queue: %w", err)
	}
	return nil
}

func (q *Queue) logf(msg string, args ...any) {
	if q.logger != nil {
		q.logger.Warn(msg, args...)
	}
}
