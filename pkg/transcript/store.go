package transcript

import "sync"

// Store holds the recorder for each live call. Recorders are removed when
// the call finishes and ownership passes to whoever takes them.
type Store struct {
	mu   sync.Mutex
	byID map[string]*Recorder
}

func NewStore() *Store {
	return &Store{byID: make(map[string]*Recorder)}
}

func (s *Store) Put(rec *Recorder) {
	if rec == nil || rec.CallSID() == "" {
		return
	}
	s.mu.Lock()
	s.byID[rec.CallSID()] = rec
	s.mu.Unlock()
}

func (s *Store) Get(callSID string) *Recorder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byID[callSID]
}

// Take removes and returns the recorder, or nil when the call is unknown.
func (s *Store) Take(callSID string) *Recorder {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.byID[callSID]
	delete(s.byID, callSID)
	return rec
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}
