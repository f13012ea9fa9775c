// Package mock provides an in-memory transport. Frames go in and out
// over channels with no network leg, which is enough to exercise the
// whole pipeline including mark-based playback tracking.
package mock

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/PsiTechC/Convis-1-sub000/pkg/frames"
)

type Transport struct {
	recvCh chan frames.Frame
	sentCh chan frames.Frame
	closed atomic.Bool
	mu     sync.Mutex
}

func New() *Transport {
	return &Transport{
		recvCh: make(chan frames.Frame, 256),
		sentCh: make(chan frames.Frame, 256),
	}
}

func (t *Transport) Name() string { return "mock" }

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		<-ctx.Done()
		_ = t.Stop()
	}()
	return nil
}

func (t *Transport) Stop() error {
	if t.closed.CompareAndSwap(false, true) {
		t.mu.Lock()
		close(t.recvCh)
		close(t.sentCh)
		t.mu.Unlock()
	}
	return nil
}

func (t *Transport) Recv() <-chan frames.Frame { return t.recvCh }

// Send records the outbound frame and, for marks, echoes an ack back
// inbound the way a real telephony peer would after playback.
func (t *Transport) Send(f frames.Frame) error {
	if t.closed.Load() {
		return nil
	}
	offer(t.sentCh, f)
	if cf, ok := f.(frames.ControlFrame); ok && cf.Code() == frames.ControlMark {
		meta := cf.Meta()
		t.Push(frames.NewControlFrame(meta[frames.MetaStreamID], cf.PTS(), frames.ControlMarkAck, meta))
	}
	return nil
}

// Push injects an inbound frame, standing in for the remote caller.
func (t *Transport) Push(f frames.Frame) {
	if t.closed.Load() {
		return
	}
	offer(t.recvCh, f)
}

// Sent exposes outbound frames for inspection.
func (t *Transport) Sent() <-chan frames.Frame { return t.sentCh }

// offer drops the frame when the buffer is full; tests that overrun the
// buffer are asserting on backpressure, not delivery.
func offer(ch chan frames.Frame, f frames.Frame) {
	select {
	case ch <- f:
	default:
	}
}
