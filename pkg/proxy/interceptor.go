package proxy

import (
	"fmt"
	"sync"

	"github.com/snoopwire/snoopwire/pkg/capture"
)

// RequestInterceptor runs on every in-scope request before it is
// forwarded. It may mutate the request in place, or short-circuit the
// exchange with Abort or CreateResponse.
type RequestInterceptor func(req *capture.Request)

// ResponseInterceptor runs on every in-scope response before it is
// relayed to the client. The request carries whatever mutations the
// request hook applied; the response body is already decoded.
type ResponseInterceptor func(req *capture.Request, resp *capture.Response)

// interceptorChain holds the active hooks. At most one of each kind is
// registered at a time; setting a new hook replaces the old one.
type interceptorChain struct {
	mu       sync.RWMutex
	request  RequestInterceptor
	response ResponseInterceptor
}

func (c *interceptorChain) setRequest(fn RequestInterceptor) {
	c.mu.Lock()
	c.request = fn
	c.mu.Unlock()
}

func (c *interceptorChain) setResponse(fn ResponseInterceptor) {
	c.mu.Lock()
	c.response = fn
	c.mu.Unlock()
}

// runRequest invokes the request hook. A panic in the hook is
// recovered and reported as ErrInterceptor.
func (c *interceptorChain) runRequest(req *capture.Request) (err error) {
	c.mu.RLock()
	fn := c.request
	c.mu.RUnlock()

	if fn == nil {
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: request hook panicked: %v", ErrInterceptor, r)
		}
	}()
	fn(req)
	return nil
}

// runResponse invokes the response hook, recovering panics.
func (c *interceptorChain) runResponse(req *capture.Request, resp *capture.Response) (err error) {
	c.mu.RLock()
	fn := c.response
	c.mu.RUnlock()

	if fn == nil {
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: response hook panicked: %v", ErrInterceptor, r)
		}
	}()
	fn(req, resp)
	return nil
}
