// Package proxy implements an intercepting HTTP/HTTPS proxy for test
// harnesses. It terminates TLS with certificates minted by a local CA,
// records decoded request/response pairs into a capture store, and
// exposes hooks that can inspect, mutate, or short-circuit traffic in
// flight.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/snoopwire/snoopwire/pkg/capture"
	"github.com/snoopwire/snoopwire/pkg/logging"
	"github.com/snoopwire/snoopwire/pkg/storage"
	"github.com/snoopwire/snoopwire/pkg/upstream"
)

const (
	// DefaultMaxBodySize is the maximum body size buffered for capture (10MB).
	DefaultMaxBodySize = 10 * 1024 * 1024
	// DefaultMaxWorkers bounds concurrent client connections.
	DefaultMaxWorkers = 256
)

// Options configures an Engine.
type Options struct {
	// Addr is the listen address, e.g. "127.0.0.1:0".
	Addr string

	// Store receives captured exchanges. Nil defaults to a bounded
	// in-memory store.
	Store storage.Store

	// CA issues leaf certificates for TLS interception. Nil disables
	// interception: CONNECT targets are tunneled opaquely.
	CA *CA

	// Scope decides which exchanges are captured. Nil captures
	// everything except OPTIONS requests.
	Scope *ScopeFilter

	// Connector dials origins, honoring any upstream proxy. Nil means
	// direct connections with default timeouts.
	Connector *upstream.Connector

	// DisableEncoding forces "Accept-Encoding: identity" on forwarded
	// requests so origins respond uncompressed.
	DisableEncoding bool

	// SuppressConnectionErrors demotes client disconnects and upstream
	// dial failures to debug logging.
	SuppressConnectionErrors *bool

	// MaxWorkers bounds concurrent connections. Zero applies
	// DefaultMaxWorkers.
	MaxWorkers int64

	// MaxBodySize bounds how many body bytes are captured per request
	// or response. Bodies past the bound are still relayed in full,
	// streamed rather than buffered. Zero applies DefaultMaxBodySize.
	MaxBodySize int64

	// Logger for engine diagnostics. Nil disables logging.
	Logger *slog.Logger
}

// Engine is the proxy server. Create one with New, start it with
// Start or ListenAndServe, and query captured traffic through the
// Requests family of methods while it runs.
type Engine struct {
	store     storage.Store
	ca        *CA
	scope     *ScopeFilter
	connector *upstream.Connector
	chain     *interceptorChain
	log       *slog.Logger

	addr            string
	disableEncoding bool
	suppressConnErr bool
	maxBody         int64

	sem *semaphore.Weighted

	mu       sync.Mutex
	ln       net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	connWG   sync.WaitGroup
	baseCtx  context.Context
	stopBase context.CancelFunc
}

// New validates opts and creates an Engine. The listener is not opened
// until Start.
func New(opts Options) (*Engine, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("%w: listen address required", ErrConfiguration)
	}

	store := opts.Store
	if store == nil {
		store = storage.NewMemoryStore(storage.Options{})
	}

	scope := opts.Scope
	if scope == nil {
		var err error
		scope, err = NewScopeFilter(nil, nil, nil)
		if err != nil {
			return nil, err
		}
	}

	connector := opts.Connector
	if connector == nil {
		connector = upstream.New(upstream.Options{})
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	workers := opts.MaxWorkers
	if workers <= 0 {
		workers = DefaultMaxWorkers
	}

	suppress := true
	if opts.SuppressConnectionErrors != nil {
		suppress = *opts.SuppressConnectionErrors
	}

	maxBody := opts.MaxBodySize
	if maxBody <= 0 {
		maxBody = DefaultMaxBodySize
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:           store,
		ca:              opts.CA,
		scope:           scope,
		connector:       connector,
		chain:           &interceptorChain{},
		log:             logger,
		addr:            opts.Addr,
		disableEncoding: opts.DisableEncoding,
		suppressConnErr: suppress,
		maxBody:         maxBody,
		conns:           make(map[net.Conn]struct{}),
		sem:             semaphore.NewWeighted(workers),
		baseCtx:         ctx,
		stopBase:        cancel,
	}, nil
}

// Start opens the listener and begins serving in a background
// goroutine. It returns once the listener is bound.
func (e *Engine) Start() error {
	ln, err := net.Listen("tcp", e.addr)
	if err != nil {
		return fmt.Errorf("%w: listening on %s: %v", ErrConfiguration, e.addr, err)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		_ = ln.Close()
		return fmt.Errorf("%w: engine already closed", ErrConfiguration)
	}
	e.ln = ln
	e.mu.Unlock()

	e.log.Info("proxy listening", "addr", ln.Addr().String())

	go e.serve(ln)
	return nil
}

// ListenAndServe opens the listener and serves until Close is called
// or the listener fails.
func (e *Engine) ListenAndServe() error {
	ln, err := net.Listen("tcp", e.addr)
	if err != nil {
		return fmt.Errorf("%w: listening on %s: %v", ErrConfiguration, e.addr, err)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		_ = ln.Close()
		return fmt.Errorf("%w: engine already closed", ErrConfiguration)
	}
	e.ln = ln
	e.mu.Unlock()

	e.log.Info("proxy listening", "addr", ln.Addr().String())
	e.serve(ln)
	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (e *Engine) Addr() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ln == nil {
		return ""
	}
	return e.ln.Addr().String()
}

// serve accepts connections until the listener closes. Each connection
// is handled in its own goroutine, bounded by the worker semaphore.
func (e *Engine) serve(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			e.mu.Lock()
			closed := e.closed
			e.mu.Unlock()
			if !closed {
				e.log.Error("accept failed", "error", err)
			}
			return
		}

		if err := e.sem.Acquire(e.baseCtx, 1); err != nil {
			_ = conn.Close()
			return
		}

		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			e.sem.Release(1)
			_ = conn.Close()
			return
		}
		e.conns[conn] = struct{}{}
		e.mu.Unlock()

		e.connWG.Add(1)
		go func() {
			defer e.connWG.Done()
			defer e.sem.Release(1)
			defer func() {
				e.mu.Lock()
				delete(e.conns, conn)
				e.mu.Unlock()
			}()
			e.handleConn(conn)
		}()
	}
}

// Close stops the listener, waits for in-flight connections, and
// closes the capture store.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	ln := e.ln
	for conn := range e.conns {
		_ = conn.Close()
	}
	e.mu.Unlock()

	e.stopBase()
	if ln != nil {
		_ = ln.Close()
	}
	e.connWG.Wait()

	e.log.Info("proxy stopped")
	return e.store.Close()
}

// CertificateAuthority returns the engine's CA, or nil when TLS
// interception is disabled.
func (e *Engine) CertificateAuthority() *CA {
	return e.ca
}

// Store returns the capture store.
func (e *Engine) Store() storage.Store {
	return e.store
}

// Scope returns the capture scope filter.
func (e *Engine) Scope() *ScopeFilter {
	return e.scope
}

// SetRequestInterceptor installs fn as the request hook, replacing any
// previous one. Pass nil to remove.
func (e *Engine) SetRequestInterceptor(fn RequestInterceptor) {
	e.chain.setRequest(fn)
}

// SetResponseInterceptor installs fn as the response hook, replacing
// any previous one. Pass nil to remove.
func (e *Engine) SetResponseInterceptor(fn ResponseInterceptor) {
	e.chain.setResponse(fn)
}

// Requests returns all captured requests in arrival order.
func (e *Engine) Requests() []*capture.Request {
	return e.store.All()
}

// LastRequest returns the most recently captured request, or nil.
func (e *Engine) LastRequest() *capture.Request {
	return e.store.Last()
}

// GetRequest returns the captured request with the given id.
func (e *Engine) GetRequest(id int64) (*capture.Request, error) {
	return e.store.Get(id)
}

// IterRequests calls fn for each captured request in arrival order,
// stopping early if fn returns false.
func (e *Engine) IterRequests(fn func(*capture.Request) bool) {
	for _, r := range e.store.All() {
		if !fn(r) {
			return
		}
	}
}

// WaitFor blocks until a captured request whose URL matches pattern
// appears, or the timeout expires with storage.ErrCaptureTimeout.
// When requireResponse is true only requests that already carry a
// response qualify.
func (e *Engine) WaitFor(pattern string, timeout time.Duration, requireResponse bool) (*capture.Request, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: pattern %q: %v", ErrConfiguration, pattern, err)
	}
	return e.store.Find(re, timeout, requireResponse)
}

// DeleteRequest removes a single captured request.
func (e *Engine) DeleteRequest(id int64) error {
	return e.store.Delete(id)
}

// ClearRequests removes all captured requests.
func (e *Engine) ClearRequests() error {
	return e.store.Clear()
}

// logConnError logs connection-level failures, demoted to debug when
// suppression is on.
func (e *Engine) logConnError(msg string, err error, attrs ...any) {
	attrs = append(attrs, "error", err)
	if e.suppressConnErr || errors.Is(err, net.ErrClosed) {
		e.log.Debug(msg, attrs...)
		return
	}
	e.log.Error(msg, attrs...)
}
