package storage

import (
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/snoopwire/snoopwire/internal/id"
	"github.com/snoopwire/snoopwire/pkg/capture"
	"github.com/snoopwire/snoopwire/pkg/logging"
)

// DefaultMemoryMaxSize bounds the memory backend when no explicit
// maximum is configured.
const DefaultMemoryMaxSize = 1000

// MemoryStore is a bounded in-memory capture store. Once the configured
// maximum is exceeded the oldest flow is evicted, FIFO.
//
// Records are deep-copied on every write and read, so publication is a
// single pointer swap under the mutex and callers can never observe a
// record mid-mutation.
type MemoryStore struct {
	mu      sync.RWMutex
	seq     id.Sequence
	order   []int64
	flows   map[int64]*capture.Request
	maxSize int
	closed  bool
	log     *slog.Logger
}

// NewMemoryStore creates a memory-backed store.
func NewMemoryStore(opts Options) *MemoryStore {
	maxSize := opts.MaxSize
	if maxSize <= 0 {
		maxSize = DefaultMemoryMaxSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &MemoryStore{
		flows:   make(map[int64]*capture.Request),
		maxSize: maxSize,
		log:     logger,
	}
}

// Add implements Store.
func (s *MemoryStore) Add(req *capture.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	req.ID = s.seq.Next()
	s.flows[req.ID] = req.Clone()
	s.order = append(s.order, req.ID)

	if len(s.order) > s.maxSize {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.flows, oldest)
		s.log.Debug("evicted oldest request", "id", oldest)
	}
	return nil
}

// AttachResponse implements Store.
func (s *MemoryStore) AttachResponse(reqID int64, resp *capture.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	flow, ok := s.flows[reqID]
	if !ok {
		// Evicted before the response arrived; drop it the way the
		// disk backend drops responses for cleared requests.
		s.log.Debug("response for unknown request", "id", reqID)
		return ErrNotFound
	}

	// Build-then-swap: clone the published record, attach, republish.
	updated := flow.Clone()
	updated.Response = resp.Clone()
	s.flows[reqID] = updated
	return nil
}

// AttachCert records origin certificate metadata against a stored flow.
func (s *MemoryStore) AttachCert(reqID int64, cert *capture.CertInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	flow, ok := s.flows[reqID]
	if !ok {
		return ErrNotFound
	}

	updated := flow.Clone()
	updated.Cert = cert
	s.flows[reqID] = updated
	return nil
}

// AppendWSMessage implements Store.
func (s *MemoryStore) AppendWSMessage(reqID int64, msg capture.WebSocketMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	flow, ok := s.flows[reqID]
	if !ok {
		return ErrNotFound
	}

	updated := flow.Clone()
	updated.WSMessages = append(updated.WSMessages, msg)
	s.flows[reqID] = updated
	return nil
}

// All implements Store.
func (s *MemoryStore) All() []*capture.Request {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*capture.Request, 0, len(s.order))
	for _, reqID := range s.order {
		out = append(out, s.flows[reqID].Clone())
	}
	return out
}

// Last implements Store.
func (s *MemoryStore) Last() *capture.Request {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.order) == 0 {
		return nil
	}
	return s.flows[s.order[len(s.order)-1]].Clone()
}

// Get implements Store.
func (s *MemoryStore) Get(reqID int64) (*capture.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	flow, ok := s.flows[reqID]
	if !ok {
		return nil, ErrNotFound
	}
	return flow.Clone(), nil
}

// Find implements Store.
func (s *MemoryStore) Find(pat *regexp.Regexp, timeout time.Duration, requireResponse bool) (*capture.Request, error) {
	deadline := time.Now().Add(timeout)
	for {
		if req := s.findOnce(pat, requireResponse); req != nil {
			return req, nil
		}
		if !time.Now().Before(deadline) {
			return nil, ErrCaptureTimeout
		}
		time.Sleep(findPollInterval)
	}
}

func (s *MemoryStore) findOnce(pat *regexp.Regexp, requireResponse bool) *capture.Request {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, reqID := range s.order {
		flow := s.flows[reqID]
		if !pat.MatchString(flow.URL) {
			continue
		}
		if requireResponse && flow.Response == nil {
			continue
		}
		return flow.Clone()
	}
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(reqID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.flows[reqID]; !ok {
		return ErrNotFound
	}
	delete(s.flows, reqID)
	for i, stored := range s.order {
		if stored == reqID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// Clear implements Store.
func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.flows = make(map[int64]*capture.Request)
	s.order = nil
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.flows = make(map[int64]*capture.Request)
	s.order = nil
	return nil
}

// Len returns the number of stored flows.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}
