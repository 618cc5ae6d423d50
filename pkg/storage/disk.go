package storage

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/snoopwire/snoopwire/internal/id"
	"github.com/snoopwire/snoopwire/pkg/capture"
	"github.com/snoopwire/snoopwire/pkg/logging"
)

const (
	// storageDirName is the well-known directory created under BaseDir.
	storageDirName = ".snoopwire"

	// staleSessionAge is how old an abandoned session directory must be
	// before startup cleanup removes it.
	staleSessionAge = 24 * time.Hour

	requestMetaFile  = "request.json"
	requestBodyFile  = "request.body"
	responseMetaFile = "response.json"
	responseBodyFile = "response.body"
)

// DiskStore persists each captured flow as metadata and body blobs
// under its own subdirectory, keeping only a lightweight index in
// memory. Flows are loaded lazily on read.
//
// Layout: <base>/.snoopwire/storage-<uuid>/request-<id>/{request.json,
// request.body, response.json, response.body}. WebSocket messages are
// held in memory against the owning flow, mirroring the index.
type DiskStore struct {
	mu         sync.RWMutex
	seq        id.Sequence
	sessionDir string
	homeDir    string
	order      []int64
	index      map[int64]*diskEntry
	maxSize    int
	closed     bool
	log        *slog.Logger
}

// diskEntry is the in-memory index record for one persisted flow.
type diskEntry struct {
	url         string
	dir         string
	hasResponse bool
	wsMessages  []capture.WebSocketMessage
}

// requestMeta is the JSON shape of request.json.
type requestMeta struct {
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	URL     string      `json:"url"`
	Headers [][2]string `json:"headers"`
	Date    time.Time   `json:"date"`
}

// responseMeta is the JSON shape of response.json.
type responseMeta struct {
	StatusCode int               `json:"statusCode"`
	Reason     string            `json:"reason"`
	Headers    [][2]string       `json:"headers"`
	Date       time.Time         `json:"date"`
	Cert       *capture.CertInfo `json:"cert,omitempty"`
}

// NewDiskStore creates a disk-backed store rooted under opts.BaseDir,
// cleaning up any stale session directories left by earlier runs.
func NewDiskStore(opts Options) (*DiskStore, error) {
	baseDir := opts.BaseDir
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("%w: resolving home directory: %v", ErrStorage, err)
		}
		baseDir = home
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	homeDir := filepath.Join(baseDir, storageDirName)
	sessionDir := filepath.Join(homeDir, "storage-"+uuid.NewString())
	if err := os.MkdirAll(sessionDir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: creating session directory: %v", ErrStorage, err)
	}

	s := &DiskStore{
		sessionDir: sessionDir,
		homeDir:    homeDir,
		index:      make(map[int64]*diskEntry),
		maxSize:    opts.MaxSize,
		log:        logger,
	}
	s.cleanupStaleSessions()
	return s, nil
}

// SessionDir returns the directory this store writes flows under.
func (s *DiskStore) SessionDir() string {
	return s.sessionDir
}

// cleanupStaleSessions removes session directories from previous runs
// that were never cleaned up (crashed processes, kill -9).
func (s *DiskStore) cleanupStaleSessions() {
	entries, err := os.ReadDir(s.homeDir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-staleSessionAge)
	for _, entry := range entries {
		dir := filepath.Join(s.homeDir, entry.Name())
		if dir == s.sessionDir {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			s.log.Debug("removing stale storage session", "dir", dir)
			_ = os.RemoveAll(dir)
		}
	}
}

func (s *DiskStore) requestDir(reqID int64) string {
	return filepath.Join(s.sessionDir, fmt.Sprintf("request-%d", reqID))
}

// writeFileAtomic writes data to a temp file in dir then renames it
// into place, so a concurrent reader sees either no file or a complete
// one.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

func headerPairs(h *capture.Headers) [][2]string {
	var pairs [][2]string
	if h == nil {
		return pairs
	}
	h.Walk(func(k, v string) bool {
		pairs = append(pairs, [2]string{k, v})
		return true
	})
	return pairs
}

func headersFromPairs(pairs [][2]string) *capture.Headers {
	h := capture.NewHeaders()
	for _, p := range pairs {
		h.Add(p[0], p[1])
	}
	return h
}

// Add implements Store.
func (s *DiskStore) Add(req *capture.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	reqID := s.seq.Next()
	dir := s.requestDir(reqID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("%w: creating request directory: %v", ErrStorage, err)
	}

	meta := requestMeta{
		ID:      reqID,
		Method:  req.Method,
		URL:     req.URL,
		Headers: headerPairs(req.Headers),
		Date:    req.Date,
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("%w: encoding request metadata: %v", ErrStorage, err)
	}

	// Body first, metadata last: the metadata rename publishes the flow.
	if len(req.Body) > 0 {
		if err := writeFileAtomic(filepath.Join(dir, requestBodyFile), req.Body); err != nil {
			return fmt.Errorf("%w: writing request body: %v", ErrStorage, err)
		}
	}
	if err := writeFileAtomic(filepath.Join(dir, requestMetaFile), metaBytes); err != nil {
		return fmt.Errorf("%w: writing request metadata: %v", ErrStorage, err)
	}

	req.ID = reqID
	s.index[reqID] = &diskEntry{url: req.URL, dir: dir}
	s.order = append(s.order, reqID)

	if s.maxSize > 0 && len(s.order) > s.maxSize {
		oldest := s.order[0]
		s.order = s.order[1:]
		if entry, ok := s.index[oldest]; ok {
			delete(s.index, oldest)
			_ = os.RemoveAll(entry.dir)
			s.log.Debug("evicted oldest request", "id", oldest)
		}
	}
	return nil
}

// AttachResponse implements Store.
func (s *DiskStore) AttachResponse(reqID int64, resp *capture.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	entry, ok := s.index[reqID]
	if !ok {
		s.log.Debug("response for request no longer stored", "id", reqID)
		return ErrNotFound
	}

	meta := responseMeta{
		StatusCode: resp.StatusCode,
		Reason:     resp.Reason,
		Headers:    headerPairs(resp.Headers),
		Date:       resp.Date,
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("%w: encoding response metadata: %v", ErrStorage, err)
	}

	if len(resp.Body) > 0 {
		if err := writeFileAtomic(filepath.Join(entry.dir, responseBodyFile), resp.Body); err != nil {
			return fmt.Errorf("%w: writing response body: %v", ErrStorage, err)
		}
	}
	if err := writeFileAtomic(filepath.Join(entry.dir, responseMetaFile), metaBytes); err != nil {
		return fmt.Errorf("%w: writing response metadata: %v", ErrStorage, err)
	}

	// Only flagged once both blobs are durably in place.
	entry.hasResponse = true
	return nil
}

// AttachCert records origin certificate metadata against a stored flow.
// It piggybacks on the response metadata file, so it must be called
// after AttachResponse.
func (s *DiskStore) AttachCert(reqID int64, cert *capture.CertInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.index[reqID]
	if !ok || !entry.hasResponse {
		return ErrNotFound
	}

	metaPath := filepath.Join(entry.dir, responseMetaFile)
	raw, err := os.ReadFile(metaPath)
	if err != nil {
		return fmt.Errorf("%w: reading response metadata: %v", ErrStorage, err)
	}
	var meta responseMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return fmt.Errorf("%w: decoding response metadata: %v", ErrStorage, err)
	}
	meta.Cert = cert
	updated, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("%w: encoding response metadata: %v", ErrStorage, err)
	}
	if err := writeFileAtomic(metaPath, updated); err != nil {
		return fmt.Errorf("%w: writing response metadata: %v", ErrStorage, err)
	}
	return nil
}

// AppendWSMessage implements Store. Messages live in the in-memory
// index beside the flow they belong to.
func (s *DiskStore) AppendWSMessage(reqID int64, msg capture.WebSocketMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	entry, ok := s.index[reqID]
	if !ok {
		return ErrNotFound
	}
	entry.wsMessages = append(entry.wsMessages, msg.Clone())
	return nil
}

// load reads one flow back from disk. Caller must hold at least a read
// lock over the index.
func (s *DiskStore) load(reqID int64) (*capture.Request, error) {
	entry, ok := s.index[reqID]
	if !ok {
		return nil, ErrNotFound
	}

	raw, err := os.ReadFile(filepath.Join(entry.dir, requestMetaFile))
	if err != nil {
		return nil, fmt.Errorf("%w: reading request metadata: %v", ErrStorage, err)
	}
	var meta requestMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("%w: decoding request metadata: %v", ErrStorage, err)
	}

	req := &capture.Request{
		ID:      meta.ID,
		Method:  meta.Method,
		URL:     meta.URL,
		Headers: headersFromPairs(meta.Headers),
		Date:    meta.Date,
	}
	if body, err := os.ReadFile(filepath.Join(entry.dir, requestBodyFile)); err == nil {
		req.Body = body
	}

	if entry.hasResponse {
		if resp, cert, err := s.loadResponse(entry); err == nil {
			req.Response = resp
			req.Cert = cert
		} else {
			s.log.Debug("response blob unreadable", "id", reqID, "error", err)
		}
	}

	for _, msg := range entry.wsMessages {
		req.WSMessages = append(req.WSMessages, msg.Clone())
	}
	return req, nil
}

func (s *DiskStore) loadResponse(entry *diskEntry) (*capture.Response, *capture.CertInfo, error) {
	raw, err := os.ReadFile(filepath.Join(entry.dir, responseMetaFile))
	if err != nil {
		return nil, nil, err
	}
	var meta responseMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, nil, err
	}

	resp := &capture.Response{
		StatusCode: meta.StatusCode,
		Reason:     meta.Reason,
		Headers:    headersFromPairs(meta.Headers),
		Date:       meta.Date,
	}
	if body, err := os.ReadFile(filepath.Join(entry.dir, responseBodyFile)); err == nil {
		resp.Body = body
	}
	return resp, meta.Cert, nil
}

// All implements Store.
func (s *DiskStore) All() []*capture.Request {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*capture.Request, 0, len(s.order))
	for _, reqID := range s.order {
		req, err := s.load(reqID)
		if err != nil {
			s.log.Debug("skipping unreadable request", "id", reqID, "error", err)
			continue
		}
		out = append(out, req)
	}
	return out
}

// Last implements Store.
func (s *DiskStore) Last() *capture.Request {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.order) == 0 {
		return nil
	}
	req, err := s.load(s.order[len(s.order)-1])
	if err != nil {
		return nil
	}
	return req
}

// Get implements Store.
func (s *DiskStore) Get(reqID int64) (*capture.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.load(reqID)
}

// Find implements Store. Matching happens against the in-memory URL
// index; only a matching flow is loaded from disk.
func (s *DiskStore) Find(pat *regexp.Regexp, timeout time.Duration, requireResponse bool) (*capture.Request, error) {
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

func (s *DiskStore) findOnce(pat *regexp.Regexp, requireResponse bool) *capture.Request {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, reqID := range s.order {
		entry := s.index[reqID]
		if !pat.MatchString(entry.url) {
			continue
		}
		if requireResponse && !entry.hasResponse {
			continue
		}
		req, err := s.load(reqID)
		if err != nil {
			continue
		}
		return req
	}
	return nil
}

// Delete implements Store.
func (s *DiskStore) Delete(reqID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.index[reqID]
	if !ok {
		return ErrNotFound
	}
	delete(s.index, reqID)
	for i, stored := range s.order {
		if stored == reqID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	_ = os.RemoveAll(entry.dir)
	return nil
}

// Clear implements Store.
func (s *DiskStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range s.index {
		_ = os.RemoveAll(entry.dir)
	}
	s.index = make(map[int64]*diskEntry)
	s.order = nil
	return nil
}

// Close implements Store: clears stored flows and removes the session
// directory, plus the parent directory when no other session remains.
func (s *DiskStore) Close() error {
	if err := s.Clear(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	_ = os.RemoveAll(s.sessionDir)
	// Best effort; fails while other sessions exist.
	_ = os.Remove(s.homeDir)
	return nil
}

// Len returns the number of indexed flows.
func (s *DiskStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}
