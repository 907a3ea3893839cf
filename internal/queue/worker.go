// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// Poster delivers one queued request. The backend HTTP client satisfies this.
type Poster interface {
	PostJSON(ctx context.Context, path string, body, out any) error
}

const (
	initialRetryDelay = 1 * time.Second
	maxRetryDelay     = 60 * time.Second
	idlePollInterval  = 15 * time.Second
)

// Worker drains the queue in the background. It implements suture.Service:
// Serve blocks until the context is cancelled, retrying the head entry with
// exponential backoff and moving on only when it is delivered or dropped.
type Worker struct {
	queue  *Queue
	poster Poster
	logger *slog.Logger
}

// NewWorker creates a drain worker for q.
func NewWorker(q *Queue, poster Poster, logger *slog.Logger) *Worker {
	return &Worker{queue: q, poster: poster, logger: logger}
}

// String names the service in supervisor logs.
func (w *Worker) String() string { return "request-queue-worker" }

// Serve drains the queue until ctx is cancelled.
func (w *Worker) Serve(ctx context.Context) error {
	delay := initialRetryDelay

	for {
		entry, ok := w.queue.Peek()
		if !ok {
			// Idle: wait for an enqueue or the periodic re-check.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-w.queue.wake:
			case <-time.After(idlePollInterval):
			}
			delay = initialRetryDelay
			continue
		}

		var payload any
		if len(entry.Payload) > 0 {
			payload = json.RawMessage(entry.Payload)
		}

		err := w.poster.PostJSON(ctx, entry.URL, payload, nil)
		if err == nil {
			if err := w.queue.ack(entry.ID); err != nil {
				w.logf("persist after ack failed", slog.Any("error", err))
			}
			delay = initialRetryDelay
			continue
		}

		dropped, perr := w.queue.fail(entry.ID)
		if perr != nil {
			w.logf("persist after failure failed", slog.Any("error", perr))
		}
		if dropped {
			delay = initialRetryDelay
			continue
		}

		w.logf("queued request failed, backing off",
			slog.String("url", entry.URL),
			slog.Duration("delay", delay),
			slog.Any("error", err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxRetryDelay {
			delay = maxRetryDelay
		}
	}
}

func (w *Worker) logf(msg string, args ...any) {
	if w.logger != nil {
		w.logger.Warn(msg, args...)
	}
}
