// Package storage provides the capture store: an indexed, thread-safe
// record of requests, responses and WebSocket messages that passed
// through the proxy. Two interchangeable backends exist: a bounded
// in-memory store and a disk-backed store with lazy loading.
package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/snoopwire/snoopwire/pkg/capture"
)

// Errors returned by capture stores.
var (
	// ErrNotFound is returned when no record exists for an id.
	ErrNotFound = errors.New("request not found")

	// ErrCaptureTimeout is returned by Find when no matching record
	// appears within the deadline.
	ErrCaptureTimeout = errors.New("timed out waiting for request")

	// ErrStorage wraps persistence failures. A storage failure never
	// blocks delivery of the response to the client; the flow is
	// degraded to uncaptured instead.
	ErrStorage = errors.New("storage failure")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store is closed")
)

// findPollInterval is how often Find re-checks the index while waiting.
const findPollInterval = 50 * time.Millisecond

// Store is the capture store contract shared by the memory and disk
// backends.
//
// Publication is atomic: a reader never observes a half-written record.
// Records handed out by read operations are private copies; mutating
// them does not affect the store.
type Store interface {
	// Add captures a request, assigning it the next id in arrival order.
	Add(req *capture.Request) error

	// AttachResponse publishes a completed response against a request id.
	AttachResponse(id int64, resp *capture.Response) error

	// AppendWSMessage appends a WebSocket message to an upgraded flow.
	AppendWSMessage(id int64, msg capture.WebSocketMessage) error

	// All returns a chronological snapshot of every stored request.
	All() []*capture.Request

	// Last returns the most recently stored request, or nil.
	Last() *capture.Request

	// Get returns the request with the given id.
	Get(id int64) (*capture.Request, error)

	// Find polls until a stored request whose URL matches pat appears,
	// or the timeout elapses (ErrCaptureTimeout). With requireResponse,
	// only records carrying a response are considered. A zero timeout
	// checks exactly once.
	Find(pat *regexp.Regexp, timeout time.Duration, requireResponse bool) (*capture.Request, error)

	// Delete removes the request with the given id.
	Delete(id int64) error

	// Clear removes every stored request.
	Clear() error

	// Close releases the store's resources. The disk backend removes
	// its session directory.
	Close() error
}

// CertAttacher is an optional extension for recording origin TLS
// certificate metadata against a stored flow. Both built-in backends
// implement it; callers should type-assert.
type CertAttacher interface {
	AttachCert(id int64, cert *capture.CertInfo) error
}

// Kind selects a store backend.
type Kind string

const (
	// KindMemory keeps flows in a bounded in-memory buffer.
	KindMemory Kind = "memory"
	// KindDisk persists flow blobs under a session directory.
	KindDisk Kind = "disk"
)

// Options configures store construction.
type Options struct {
	// Kind selects the backend. Defaults to KindDisk.
	Kind Kind

	// BaseDir is the parent directory for the disk backend. Defaults to
	// the user's home directory.
	BaseDir string

	// MaxSize bounds the number of stored flows. Zero means unbounded
	// for the disk backend and DefaultMemoryMaxSize for the memory
	// backend. When the bound is hit the oldest flow is evicted.
	MaxSize int

	// Logger receives storage diagnostics. Nil disables logging.
	Logger *slog.Logger
}

// New builds a Store for the given options.
func New(opts Options) (Store, error) {
	switch opts.Kind {
	case KindMemory:
		return NewMemoryStore(opts), nil
	case KindDisk, "":
		return NewDiskStore(opts)
	default:
		return nil, fmt.Errorf("unknown storage kind: %q", opts.Kind)
	}
}
