package signaling

import (
	"testing"
	"time"
)

func TestOutbox_FIFOAndByteBudget(t *testing.T) {
	q := newOutbox(10)
	if !q.Enqueue([]byte("abcd")) || !q.Enqueue([]byte("efgh")) {
		t.Fatalf("expected frames within budget to be accepted")
	}
	if q.Enqueue([]byte("ijk")) {
		t.Fatalf("expected frame exceeding budget to be dropped")
	}
	if q.Enqueue(make([]byte, 11)) {
		t.Fatalf("expected oversized frame to be dropped")
	}

	f, ok := q.Dequeue()
	if !ok || string(f) != "abcd" {
		t.Fatalf("Dequeue=%q,%v want abcd", f, ok)
	}
	// Space freed by Dequeue is reusable.
	if !q.Enqueue([]byte("ij")) {
		t.Fatalf("expected frame to fit after dequeue")
	}
	f, _ = q.Dequeue()
	if string(f) != "efgh" {
		t.Fatalf("Dequeue=%q want efgh", f)
	}
	f, _ = q.Dequeue()
	if string(f) != "ij" {
		t.Fatalf("Dequeue=%q want ij", f)
	}
}

func TestOutbox_CloseDrainsQueuedFrames(t *testing.T) {
	q := newOutbox(64)
	q.Enqueue([]byte("last words"))
	q.Close()

	if q.Enqueue([]byte("late")) {
		t.Fatalf("expected enqueue after close to fail")
	}
	f, ok := q.Dequeue()
	if !ok || string(f) != "last words" {
		t.Fatalf("Dequeue=%q,%v want queued frame", f, ok)
	}
	if _, ok := q.Dequeue(); ok {
		t.Fatalf("expected closed and drained queue to report done")
	}
}

func TestOutbox_DequeueUnblocksOnClose(t *testing.T) {
	q := newOutbox(64)
	done := make(chan bool, 1)
	go func() {
		_, ok := q.Dequeue()
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	q.Discard()

	select {
	case ok := <-done:
		if ok {
			t.Fatalf("expected Dequeue to report closed")
		}
	case <-time.After(time.Second):
		t.Fatalf("Dequeue did not unblock")
	}
}
