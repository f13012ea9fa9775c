// Package priority gives control frames a fast lane past audio. A
// barge-in clear must not sit behind a backlog of media chunks.
package priority

import "sync/atomic"

type Stats struct {
	HighPush int64
	LowPush  int64
	HighPop  int64
	LowPop   int64
}

type Queue interface {
	TryPushHigh(f any) bool
	TryPushLow(f any) bool
	Pop() (any, bool)
	Close()
	Stats() Stats
}

// PriorityQueue is a two-lane bounded queue. Pushes never block; a full
// lane drops, and the orchestrator decides what dropping means per
// backpressure mode. Pop is single-consumer.
type PriorityQueue struct {
	high     chan any
	low      chan any
	done     chan struct{}
	fairness int
	streak   int
	highPush int64
	lowPush  int64
	highPop  int64
	lowPop   int64
}

// New sizes the two lanes. fairness caps how many high-lane frames may
// be served in a row while the low lane has work waiting, so a burst of
// control traffic cannot starve audio forever.
func New(highCap, lowCap, fairness int) *PriorityQueue {
	if fairness <= 0 {
		fairness = 3
	}
	return &PriorityQueue{
		high:     make(chan any, highCap),
		low:      make(chan any, lowCap),
		done:     make(chan struct{}),
		fairness: fairness,
	}
}

func (q *PriorityQueue) TryPushHigh(f any) bool {
	select {
	case q.high <- f:
		atomic.AddInt64(&q.highPush, 1)
		return true
	default:
		return false
	}
}

func (q *PriorityQueue) TryPushLow(f any) bool {
	select {
	case q.low <- f:
		atomic.AddInt64(&q.lowPush, 1)
		return true
	default:
		return false
	}
}

// Pop blocks until a frame is available or the queue is closed,
// preferring the high lane until the fairness streak runs out.
func (q *PriorityQueue) Pop() (any, bool) {
	if q.streak < q.fairness {
		select {
		case f := <-q.high:
			q.streak++
			atomic.AddInt64(&q.highPop, 1)
			return f, true
		default:
		}
	}
	q.streak = 0
	select {
	case f := <-q.high:
		q.streak = 1
		atomic.AddInt64(&q.highPop, 1)
		return f, true
	case f := <-q.low:
		atomic.AddInt64(&q.lowPop, 1)
		return f, true
	case <-q.done:
		return nil, false
	}
}

// Close unblocks pending and future Pop calls. Frames still queued are
// abandoned; callers drain before closing if they care.
func (q *PriorityQueue) Close() {
	select {
	case <-q.done:
	default:
		close(q.done)
	}
}

func (q *PriorityQueue) Stats() Stats {
	return Stats{
		HighPush: atomic.LoadInt64(&q.highPush),
		LowPush:  atomic.LoadInt64(&q.lowPush),
		HighPop:  atomic.LoadInt64(&q.highPop),
		LowPop:   atomic.LoadInt64(&q.lowPop),
	}
}
