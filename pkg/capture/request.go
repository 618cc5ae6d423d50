package capture

import (
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Request represents a single captured HTTP request.
//
// A Request is owned exclusively by its connection handler while in
// flight and may be freely mutated by a request interceptor during that
// window. Once published to a storage.Store it must be treated as
// immutable; the store hands out copies to readers.
type Request struct {
	// ID is assigned at capture time, strictly increasing in arrival order.
	// Zero means the request was never captured.
	ID int64

	Method  string
	URL     string
	Headers *Headers
	Body    []byte

	// Date is the time the request arrived at the proxy.
	Date time.Time

	// Response is nil until the transaction completes or an interceptor
	// short-circuits it.
	Response *Response

	// WSMessages holds captured WebSocket messages for upgraded flows.
	WSMessages []WebSocketMessage

	// Cert describes the origin server's TLS leaf certificate, when the
	// flow was intercepted over TLS.
	Cert *CertInfo
}

// NewRequest builds a Request from wire data. Headers may be nil.
func NewRequest(method, rawurl string, headers *Headers, body []byte) *Request {
	if headers == nil {
		headers = &Headers{}
	}
	return &Request{
		Method:  method,
		URL:     rawurl,
		Headers: headers,
		Body:    body,
		Date:    time.Now(),
	}
}

// Path returns the path component of the request URL.
func (r *Request) Path() string {
	u, err := url.Parse(r.URL)
	if err != nil {
		return ""
	}
	return u.Path
}

// QueryString returns the raw query string of the request URL.
func (r *Request) QueryString() string {
	u, err := url.Parse(r.URL)
	if err != nil {
		return ""
	}
	return u.RawQuery
}

// Host returns the host (with port, if present) of the request URL.
func (r *Request) Host() string {
	u, err := url.Parse(r.URL)
	if err != nil {
		return ""
	}
	return u.Host
}

// CreateResponse attaches a caller-supplied response to the request.
// When called from a request interceptor, the attached response is
// returned to the client directly and the upstream leg is skipped.
// Returns an error for a status code outside 100-599.
func (r *Request) CreateResponse(statusCode int, headers *Headers, body []byte) error {
	if statusCode < 100 || statusCode > 599 {
		return fmt.Errorf("unknown status code: %d", statusCode)
	}
	if headers == nil {
		headers = &Headers{}
	}
	r.Response = &Response{
		StatusCode: statusCode,
		Reason:     http.StatusText(statusCode),
		Headers:    headers,
		Body:       body,
		Date:       time.Now(),
	}
	return nil
}

// Abort signals that this request is to be terminated with an error
// status. It is shorthand for CreateResponse with an empty body.
func (r *Request) Abort(statusCode int) error {
	return r.CreateResponse(statusCode, NewHeaders(), nil)
}

// Clone returns a deep copy of the request and everything attached to it.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	c := *r
	c.Headers = r.Headers.Clone()
	if r.Body != nil {
		c.Body = append([]byte(nil), r.Body...)
	}
	c.Response = r.Response.Clone()
	if r.WSMessages != nil {
		c.WSMessages = make([]WebSocketMessage, len(r.WSMessages))
		for i, m := range r.WSMessages {
			c.WSMessages[i] = m.Clone()
		}
	}
	if r.Cert != nil {
		cert := *r.Cert
		cert.AltNames = append([]string(nil), r.Cert.AltNames...)
		c.Cert = &cert
	}
	return &c
}

func (r *Request) String() string {
	return r.URL
}

// Response represents the origin's (or an interceptor's) answer to a
// captured request.
type Response struct {
	StatusCode int
	Reason     string
	Headers    *Headers

	// Body holds the response body, decoded from any content-encoding
	// unless encoding was explicitly disabled at the engine level.
	Body []byte

	// Date is the time the response completed.
	Date time.Time
}

// Clone returns a deep copy of the response, or nil for a nil receiver.
func (resp *Response) Clone() *Response {
	if resp == nil {
		return nil
	}
	c := *resp
	c.Headers = resp.Headers.Clone()
	if resp.Body != nil {
		c.Body = append([]byte(nil), resp.Body...)
	}
	return &c
}

func (resp *Response) String() string {
	return fmt.Sprintf("%d %s", resp.StatusCode, resp.Reason)
}

// WebSocketMessage is a single WebSocket data frame observed on an
// upgraded flow. Messages are append-only on the owning Request.
type WebSocketMessage struct {
	// FromClient is true for client-to-server frames.
	FromClient bool

	// Content is the frame payload.
	Content []byte

	// Binary distinguishes binary frames from text frames.
	Binary bool

	// Date is the time the frame was observed.
	Date time.Time
}

// Clone returns a deep copy of the message.
func (m WebSocketMessage) Clone() WebSocketMessage {
	c := m
	if m.Content != nil {
		c.Content = append([]byte(nil), m.Content...)
	}
	return c
}

func (m WebSocketMessage) String() string {
	if m.Binary {
		return fmt.Sprintf("<%d bytes of binary websocket data>", len(m.Content))
	}
	return string(m.Content)
}

// CertInfo carries metadata about the origin server's TLS leaf
// certificate as observed during interception.
type CertInfo struct {
	Subject            string
	Issuer             string
	Serial             string
	SignatureAlgorithm string
	AltNames           []string
	NotBefore          time.Time
	NotAfter           time.Time
	Expired            bool
	Organization       string
	CommonName         string
}
