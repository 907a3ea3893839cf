// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakePoster struct {
	calls   atomic.Int64
	failFor atomic.Int64 // fail the first N calls
}

func (f *fakePoster) PostJSON(ctx context.Context, path string, body, out any) error {
	n := f.calls.Add(1)
	if n <= f.failFor.Load() {
		return errors.New("backend unavailable")
	}
	return nil
}

func TestEnqueuePersistsAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")

	q, err := New(path, nil)
	require.NoError(t, err)

	_, err = q.Enqueue("POST", "/v1/device/d1/commands/c1/ack",
		map[string]any{"success": true}, 5)
	require.NoError(t, err)
	require.Equal(t, 1, q.Len())

	// Simulate restart.
	q2, err := New(path, nil)
	require.NoError(t, err)
	require.Equal(t, 1, q2.Len())

	head, ok := q2.Peek()
	require.True(t, ok)
	require.Equal(t, "/v1/device/d1/commands/c1/ack", head.URL)
	require.Equal(t, 5, head.MaxRetries)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(head.Payload, &payload))
	require.Equal(t, true, payload["success"])
}

func TestCorruptQueueFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	q, err := New(path, nil)
	require.NoError(t, err)
	require.Equal(t, 0, q.Len())
}

func TestWorkerDeliversAndAcks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	q, err := New(path, nil)
	require.NoError(t, err)

	_, err = q.Enqueue("POST", "/ack/1", nil, 3)
	require.NoError(t, err)

	poster := &fakePoster{}
	w := NewWorker(q, poster, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = w.Serve(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return q.Len() == 0 }, 3*time.Second, 10*time.Millisecond)
	cancel()
	<-done
	require.GreaterOrEqual(t, poster.calls.Load(), int64(1))
}

func TestWorkerRetriesWithBackoffThenDelivers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	q, err := New(path, nil)
	require.NoError(t, err)

	_, err = q.Enqueue("POST", "/ack/2", nil, 10)
	require.NoError(t, err)

	poster := &fakePoster{}
	poster.failFor.Store(2)
	w := NewWorker(q, poster, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Serve(ctx) }()

	require.Eventually(t, func() bool { return q.Len() == 0 }, 10*time.Second, 20*time.Millisecond)
	require.Equal(t, int64(3), poster.calls.Load())
}

func TestEntryDroppedAfterRetryBudget(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	q, err := New(path, nil)
	require.NoError(t, err)

	_, err = q.Enqueue("POST", "/ack/3", nil, 2)
	require.NoError(t, err)

	poster := &fakePoster{}
	poster.failFor.Store(1 << 30) // always fail
	w := NewWorker(q, poster, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Serve(ctx) }()

	require.Eventually(t, func() bool { return q.Len() == 0 }, 10*time.Second, 20*time.Millisecond)
}
