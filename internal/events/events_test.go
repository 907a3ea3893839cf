// SPDX-License-Identifier: MIT

package events

import (
	"sync"
	"testing"
	"time"
)

func TestEmitPreservesOrder(t *testing.T) {
	e := NewEmitter[int]()

	var mu sync.Mutex
	var got []int
	e.Subscribe(func(v int) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, v)
	})

	for i := range 100 {
		e.Emit(i)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 100 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 100 {
		t.Fatalf("delivered %d events, want 100", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("event %d out of order: got %d", i, v)
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	e := NewEmitter[string]()

	var mu sync.Mutex
	count := 0
	unsubscribe := e.Subscribe(func(string) {
		mu.Lock()
		defer mu.Unlock()
		count++
	})

	e.Emit("one")
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := count
		mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	unsubscribe()
	e.Emit("two")
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("count = %d, want 1 after unsubscribe", count)
	}
}

func TestEmitNeverBlocksWithSlowSubscriber(t *testing.T) {
	e := NewEmitter[int]()
	release := make(chan struct{})
	e.Subscribe(func(int) { <-release })

	done := make(chan struct{})
	go func() {
		for i := range 50 {
			e.Emit(i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a slow subscriber")
	}
	close(release)
}

func TestCloseDropsSubscribersAndEvents(t *testing.T) {
	e := NewEmitter[int]()

	var mu sync.Mutex
	count := 0
	e.Subscribe(func(int) {
		mu.Lock()
		defer mu.Unlock()
		count++
	})

	e.Close()
	e.Emit(1)
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Errorf("count = %d, want 0 after close", count)
	}
}
