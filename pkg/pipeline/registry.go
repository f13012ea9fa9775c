package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Session is one live call: its orchestrator plus the ids the transport
// stamped on it.
type Session struct {
	CallSID  string
	StreamID string
	TraceID  string
	Orch     Orchestrator
	Ctx      context.Context
	Cancel   context.CancelFunc
	Created  time.Time
}

// SessionFactory builds and wires an orchestrator for a new call. The
// registry starts it.
type SessionFactory func(ctx context.Context, callSID, streamID, traceID string) (Orchestrator, error)

// SessionRegistry tracks live sessions by call SID. Lookups happen per
// media frame, so the map is a sync.Map and the count is kept
// separately for the drain path.
type SessionRegistry struct {
	sessions sync.Map
	count    atomic.Int64
	factory  SessionFactory
	draining atomic.Bool
}

func NewSessionRegistry(factory SessionFactory) *SessionRegistry {
	return &SessionRegistry{factory: factory}
}

// GetOrCreate returns the session for callSID, building one on first
// sight. The bool reports whether this call created it. Twilio can
// deliver the webhook and the first media frame concurrently, so a
// losing racer stops its freshly built orchestrator and adopts the
// stored one.
func (r *SessionRegistry) GetOrCreate(callSID, streamID, traceID string) (*Session, bool, error) {
	if callSID == "" {
		return nil, false, nil
	}
	if v, ok := r.sessions.Load(callSID); ok {
		return v.(*Session), false, nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	orch, err := r.factory(ctx, callSID, streamID, traceID)
	if err != nil {
		cancel()
		return nil, false, err
	}
	if err := orch.Start(); err != nil {
		cancel()
		return nil, false, err
	}
	sess := &Session{
		CallSID:  callSID,
		StreamID: streamID,
		TraceID:  traceID,
		Orch:     orch,
		Ctx:      ctx,
		Cancel:   cancel,
		Created:  time.Now(),
	}
	actual, loaded := r.sessions.LoadOrStore(callSID, sess)
	if loaded {
		_ = orch.Stop()
		cancel()
		return actual.(*Session), false, nil
	}
	r.count.Add(1)
	return sess, true, nil
}

func (r *SessionRegistry) Get(callSID string) (*Session, bool) {
	if v, ok := r.sessions.Load(callSID); ok {
		return v.(*Session), true
	}
	return nil, false
}

// Remove tears a session down: stop the orchestrator first so frames
// already enqueued, the call_end itself included, drain through the
// chain before the context cancel closes the provider sessions. Safe
// for unknown SIDs.
func (r *SessionRegistry) Remove(callSID string) {
	v, ok := r.sessions.LoadAndDelete(callSID)
	if !ok {
		return
	}
	sess := v.(*Session)
	if sess.Orch != nil {
		_ = sess.Orch.Stop()
	}
	if sess.Cancel != nil {
		sess.Cancel()
	}
	r.count.Add(-1)
}

func (r *SessionRegistry) CloseAll() {
	r.sessions.Range(func(key, _ any) bool {
		if callSID, ok := key.(string); ok {
			r.Remove(callSID)
		}
		return true
	})
}

func (r *SessionRegistry) Count() int64 {
	return r.count.Load()
}

// SetDraining flags shutdown so the transport can refuse new calls
// while existing ones play out.
func (r *SessionRegistry) SetDraining(v bool) {
	r.draining.Store(v)
}

func (r *SessionRegistry) Draining() bool {
	return r.draining.Load()
}

// WaitForEmpty polls until every session is gone or ctx ends, returning
// whether the registry emptied in time.
func (r *SessionRegistry) WaitForEmpty(ctx context.Context, interval time.Duration) bool {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if r.Count() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
