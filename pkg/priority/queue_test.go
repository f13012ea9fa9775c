package priority

import (
	"testing"
	"time"
)

func TestControlLaneServedFirst(t *testing.T) {
	q := New(4, 4, 3)
	for i := 0; i < 3; i++ {
		if !q.TryPushLow(i) {
			t.Fatalf("low push %d rejected", i)
		}
	}
	if !q.TryPushHigh("clear") {
		t.Fatal("high push rejected")
	}

	f, ok := q.Pop()
	if !ok {
		t.Fatal("pop after push reported closed")
	}
	if f != "clear" {
		t.Fatalf("expected the control frame first, got %v", f)
	}
}

func TestFullLaneDropsInsteadOfBlocking(t *testing.T) {
	q := New(1, 1, 3)
	if !q.TryPushLow("a") || q.TryPushLow("b") {
		t.Fatal("second low push must be rejected by a full lane")
	}
	if !q.TryPushHigh("x") || q.TryPushHigh("y") {
		t.Fatal("second high push must be rejected by a full lane")
	}
	s := q.Stats()
	if s.LowPush != 1 || s.HighPush != 1 {
		t.Fatalf("push stats = %+v", s)
	}
}

func TestEveryFrameIsEventuallyServed(t *testing.T) {
	q := New(16, 16, 2)
	for i := 0; i < 10; i++ {
		q.TryPushHigh(i)
		q.TryPushLow(100 + i)
	}
	seen := 0
	for seen < 20 {
		if _, ok := q.Pop(); !ok {
			t.Fatal("queue closed with frames pending")
		}
		seen++
	}
	s := q.Stats()
	if s.HighPop != 10 || s.LowPop != 10 {
		t.Fatalf("pop stats = %+v", s)
	}
}

func TestCloseUnblocksPop(t *testing.T) {
	q := New(1, 1, 3)
	result := make(chan bool, 1)
	go func() {
		_, ok := q.Pop()
		result <- ok
	}()
	time.Sleep(10 * time.Millisecond)
	q.Close()
	q.Close() // second close is a no-op

	select {
	case ok := <-result:
		if ok {
			t.Fatal("pop on a closed queue must report not-ok")
		}
	case <-time.After(time.Second):
		t.Fatal("pop still blocked after close")
	}
}
