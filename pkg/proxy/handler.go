package proxy

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/snoopwire/snoopwire/internal/id"
	"github.com/snoopwire/snoopwire/pkg/capture"
	"github.com/snoopwire/snoopwire/pkg/storage"
)

// hopByHopHeaders are stripped before forwarding in either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// handleConn serves one client connection: CONNECT requests switch to
// TLS interception, everything else runs the plain HTTP proxy loop.
func (e *Engine) handleConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	connID := id.Short()
	e.log.Debug("client connected", "conn", connID, "remote", conn.RemoteAddr().String())

	br := bufio.NewReader(conn)
	for {
		req, err := http.ReadRequest(br)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				e.logConnError("reading client request", err, "conn", connID)
			}
			return
		}

		if req.Method == http.MethodConnect {
			e.handleConnect(conn, req)
			return
		}

		if !e.handleExchange(conn, br, req, "http", "") {
			return
		}
	}
}

// handleExchange runs one request/response exchange. hostOverride is
// set on the intercepted-TLS path, where the request line carries only
// the path. It returns false when the connection must not be reused.
func (e *Engine) handleExchange(clientConn net.Conn, clientBuf *bufio.Reader, r *http.Request, scheme, hostOverride string) bool {
	target := hostOverride
	if target == "" {
		target = r.Host
		if r.URL.IsAbs() {
			target = r.URL.Host
		}
	}
	if target == "" {
		e.writeError(clientConn, http.StatusBadRequest, "missing target host")
		return false
	}
	target = ensurePort(target, scheme)

	fullURL := requestURL(r, scheme, target)

	body, reqRest, reqOverflow, err := readBodyPrefix(r.Body, e.maxBody)
	if err != nil {
		e.logConnError("reading request body", err, "url", fullURL)
		e.writeError(clientConn, http.StatusBadGateway, "error reading request body")
		return false
	}

	wantsUpgrade := isWebSocketUpgrade(r.Header)

	capURL := fullURL
	if wantsUpgrade {
		capURL = websocketURL(fullURL)
	}

	capReq := capture.NewRequest(r.Method, capURL, capture.HeadersFromHTTP(r.Header), body)
	captured := e.scope.InScope(r.Method, fullURL)

	if captured {
		if err := e.chain.runRequest(capReq); err != nil {
			e.log.Error("request interceptor failed", "url", fullURL, "error", err)
			e.writeError(clientConn, http.StatusInternalServerError, "interceptor error")
			return false
		}
		if err := e.store.Add(capReq); err != nil {
			e.log.Error("storing request", "url", fullURL, "error", err)
			captured = false
		}
	}

	// A hook may have answered the request itself; nothing goes
	// upstream even when storing the capture failed.
	if capReq.Response != nil {
		e.log.Debug("request answered by hook", "id", capReq.ID, "url", fullURL, "status", capReq.Response.StatusCode)
		if capReq.ID != 0 {
			if err := e.store.AttachResponse(capReq.ID, capReq.Response); err != nil {
				e.log.Error("storing injected response", "id", capReq.ID, "error", err)
			}
		}
		ok := e.writeCaptureResponse(clientConn, capReq.Response, r)
		if reqRest != nil {
			// The request body was never drained; drop the connection.
			_ = reqRest.Close()
			return false
		}
		return ok
	}

	// Hooks may mutate the captured body, but past the capture bound
	// the original stream is relayed as-is.
	outBody := io.Reader(bytes.NewReader(capReq.Body))
	outLen := int64(len(capReq.Body))
	if reqOverflow {
		outBody = io.MultiReader(bytes.NewReader(body), reqRest)
		outLen = r.ContentLength
	}

	resp, upConn, upBuf, certInfo, ok := e.forward(clientConn, r, capReq, scheme, target, fullURL, outBody, outLen)
	if reqRest != nil {
		_ = reqRest.Close()
	}
	if !ok {
		return false
	}
	defer func() { _ = upConn.Close() }()

	isUpgrade := resp.StatusCode == http.StatusSwitchingProtocols && isWebSocketUpgrade(resp.Header)
	if isUpgrade {
		if captured {
			upgradeResp := &capture.Response{
				StatusCode: resp.StatusCode,
				Reason:     reasonPhrase(resp),
				Headers:    capture.HeadersFromHTTP(resp.Header),
				Date:       time.Now(),
			}
			if err := e.store.AttachResponse(capReq.ID, upgradeResp); err != nil {
				e.log.Error("storing upgrade response", "id", capReq.ID, "error", err)
			}
			if certInfo != nil {
				e.attachCert(capReq.ID, certInfo)
			}
		}
		return e.relayWebSocket(clientConn, clientBuf, upConn, upBuf, resp, capReq.ID, captured)
	}

	if !captured {
		// Uncaptured: stream the origin response through untouched.
		err := resp.Write(clientConn)
		_ = resp.Body.Close()
		if err != nil {
			e.logConnError("writing response", err, "url", fullURL)
			return false
		}
		return !r.Close && !resp.Close
	}

	respBody, respRest, respOverflow, err := readBodyPrefix(resp.Body, e.maxBody)
	if err != nil {
		e.logConnError("reading response body", err, "url", fullURL)
		e.writeError(clientConn, http.StatusBadGateway, "error reading response body")
		return false
	}

	capResp := &capture.Response{
		StatusCode: resp.StatusCode,
		Reason:     reasonPhrase(resp),
		Headers:    capture.HeadersFromHTTP(resp.Header),
		Body:       respBody,
		Date:       time.Now(),
	}

	if respOverflow {
		// The store gets a truncated, still-encoded prefix. Response
		// hooks are skipped: their mutations could not reach the wire.
		e.log.Debug("response past capture bound, relaying as stream", "id", capReq.ID, "url", fullURL)
		if err := e.store.AttachResponse(capReq.ID, capResp); err != nil {
			e.log.Error("storing response", "id", capReq.ID, "error", err)
		}
		if certInfo != nil {
			e.attachCert(capReq.ID, certInfo)
		}
		resp.Body = &bodyRemainder{
			Reader: io.MultiReader(bytes.NewReader(respBody), respRest),
			Closer: respRest,
		}
		err := resp.Write(clientConn)
		_ = respRest.Close()
		if err != nil {
			e.logConnError("writing response", err, "url", fullURL)
			return false
		}
		return !r.Close && !resp.Close
	}

	// Hooks and the store see the decoded body.
	encoding := resp.Header.Get("Content-Encoding")
	if decoded, err := capture.DecodeBody(respBody, encoding); err == nil {
		capResp.Body = decoded
	} else {
		e.log.Debug("leaving body encoded", "id", capReq.ID, "encoding", encoding, "error", err)
	}
	capResp.Headers.Del("Content-Encoding")
	capResp.Headers.Del("Content-Length")

	if err := e.chain.runResponse(capReq, capResp); err != nil {
		e.log.Error("response interceptor failed", "id", capReq.ID, "error", err)
		e.writeError(clientConn, http.StatusInternalServerError, "interceptor error")
		return false
	}
	if err := e.store.AttachResponse(capReq.ID, capResp); err != nil {
		e.log.Error("storing response", "id", capReq.ID, "error", err)
	}
	if certInfo != nil {
		e.attachCert(capReq.ID, certInfo)
	}
	return e.writeCaptureResponse(clientConn, capResp, r)
}

// forward dials the origin (or upstream proxy) and performs the
// request, returning the parsed response, the upstream connection and
// its buffered reader, and origin certificate metadata for TLS
// targets. On failure it answers the client itself and returns
// ok=false.
func (e *Engine) forward(clientConn net.Conn, r *http.Request, capReq *capture.Request, scheme, target, fullURL string, body io.Reader, length int64) (*http.Response, net.Conn, *bufio.Reader, *capture.CertInfo, bool) {
	route, err := e.connector.Connect(e.baseCtx, scheme, target)
	if err != nil {
		e.logConnError("connecting upstream", err, "target", target)
		e.writeError(clientConn, http.StatusBadGateway, "error connecting to target")
		return nil, nil, nil, nil, false
	}
	upConn := route.Conn

	var certInfo *capture.CertInfo
	if scheme == "https" {
		host, _, _ := net.SplitHostPort(target)
		tlsConn := tls.Client(upConn, e.connector.TLSConfig(host))
		if err := tlsConn.Handshake(); err != nil {
			_ = upConn.Close()
			e.logConnError("TLS handshake with origin", err, "target", target)
			e.writeError(clientConn, http.StatusBadGateway, "TLS handshake with target failed")
			return nil, nil, nil, nil, false
		}
		state := tlsConn.ConnectionState()
		if len(state.PeerCertificates) > 0 {
			certInfo = certInfoFrom(state.PeerCertificates[0])
		}
		upConn = tlsConn
	}

	outReq, err := e.buildOutbound(r, capReq, body, length)
	if err != nil {
		_ = upConn.Close()
		e.log.Error("building outbound request", "url", fullURL, "error", err)
		e.writeError(clientConn, http.StatusInternalServerError, "error building request")
		return nil, nil, nil, nil, false
	}
	if route.ViaHTTPProxy && route.ProxyAuth != "" {
		outReq.Header.Set("Proxy-Authorization", route.ProxyAuth)
	}

	// HTTP proxies expect absolute-form requests on the proxy leg.
	if route.ViaHTTPProxy {
		err = outReq.WriteProxy(upConn)
	} else {
		err = outReq.Write(upConn)
	}
	if err != nil {
		_ = upConn.Close()
		e.logConnError("writing upstream request", err, "target", target)
		e.writeError(clientConn, http.StatusBadGateway, "error sending request")
		return nil, nil, nil, nil, false
	}

	upBuf := bufio.NewReader(upConn)
	resp, err := http.ReadResponse(upBuf, outReq)
	if err != nil {
		_ = upConn.Close()
		e.logConnError("reading upstream response", err, "target", target)
		e.writeError(clientConn, http.StatusBadGateway, "error reading response")
		return nil, nil, nil, nil, false
	}

	return resp, upConn, upBuf, certInfo, true
}

// buildOutbound assembles the forwarded request from the (possibly
// hook-mutated) captured request. body and length come from the
// caller so oversized request bodies can be streamed.
func (e *Engine) buildOutbound(r *http.Request, capReq *capture.Request, body io.Reader, length int64) (*http.Request, error) {
	// The capture URL may carry a ws/wss scheme; forward as HTTP.
	rawurl := capReq.URL
	if u, err := url.Parse(rawurl); err == nil {
		switch u.Scheme {
		case "ws":
			u.Scheme = "http"
			rawurl = u.String()
		case "wss":
			u.Scheme = "https"
			rawurl = u.String()
		}
	}

	outReq, err := http.NewRequest(capReq.Method, rawurl, body)
	if err != nil {
		return nil, err
	}
	outReq.ContentLength = length
	outReq.Header = capReq.Headers.ToHTTP()

	for _, h := range hopByHopHeaders {
		if h == "Upgrade" && isWebSocketUpgrade(r.Header) {
			continue
		}
		outReq.Header.Del(h)
	}
	if isWebSocketUpgrade(r.Header) {
		outReq.Header.Set("Connection", "Upgrade")
	}

	if ae := outReq.Header.Get("Accept-Encoding"); ae != "" || e.disableEncoding {
		outReq.Header.Set("Accept-Encoding", capture.FilterAcceptEncoding(ae, e.disableEncoding))
	}
	// The ContentLength field governs what goes on the wire.
	outReq.Header.Del("Content-Length")
	return outReq, nil
}

// writeCaptureResponse relays a captured (decoded, possibly mutated)
// response to the client.
func (e *Engine) writeCaptureResponse(clientConn net.Conn, capResp *capture.Response, r *http.Request) bool {
	resp := &http.Response{
		StatusCode:    capResp.StatusCode,
		Status:        statusLine(capResp),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        capResp.Headers.ToHTTP(),
		Body:          io.NopCloser(bytes.NewReader(capResp.Body)),
		ContentLength: int64(len(capResp.Body)),
	}
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.Header.Del("Transfer-Encoding")

	if err := resp.Write(clientConn); err != nil {
		e.logConnError("writing response", err)
		return false
	}
	return !r.Close
}

// attachCert records origin certificate metadata when the store
// supports it.
func (e *Engine) attachCert(reqID int64, cert *capture.CertInfo) {
	attacher, ok := e.store.(storage.CertAttacher)
	if !ok {
		return
	}
	if err := attacher.AttachCert(reqID, cert); err != nil {
		e.log.Error("storing certificate info", "id", reqID, "error", err)
	}
}

// writeError answers the client with a plain-text error response.
func (e *Engine) writeError(conn net.Conn, statusCode int, message string) {
	body := []byte(message)
	resp := &http.Response{
		StatusCode:    statusCode,
		Status:        http.StatusText(statusCode),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        make(http.Header),
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
	}
	resp.Header.Set("Content-Type", "text/plain")
	_ = resp.Write(conn)
}

// bodyRemainder rejoins bytes peeked past the capture bound with the
// unread tail of the original body.
type bodyRemainder struct {
	io.Reader
	io.Closer
}

// readBodyPrefix reads at most limit bytes of body. When the body ends
// within the limit it is closed and overflow is false. Otherwise rest
// carries the unread remainder and the caller owns closing it; the
// prefix is what gets captured while rest is relayed verbatim.
func readBodyPrefix(body io.ReadCloser, limit int64) (prefix []byte, rest io.ReadCloser, overflow bool, err error) {
	if body == nil {
		return nil, nil, false, nil
	}
	prefix, err = io.ReadAll(io.LimitReader(body, limit))
	if err != nil {
		_ = body.Close()
		return nil, nil, false, err
	}
	if int64(len(prefix)) < limit {
		_ = body.Close()
		return prefix, nil, false, nil
	}

	// Exactly limit bytes read: peek one byte to tell a body of exactly
	// limit bytes apart from a larger one.
	var peek [1]byte
	for {
		n, rerr := body.Read(peek[:])
		if n > 0 {
			rest = &bodyRemainder{
				Reader: io.MultiReader(bytes.NewReader(peek[:1]), body),
				Closer: body,
			}
			return prefix, rest, true, nil
		}
		if rerr != nil {
			_ = body.Close()
			if errors.Is(rerr, io.EOF) {
				return prefix, nil, false, nil
			}
			return nil, nil, false, rerr
		}
	}
}

// requestURL reconstructs the full URL of a proxied request.
func requestURL(r *http.Request, scheme, target string) string {
	if r.URL.IsAbs() {
		return r.URL.String()
	}
	host := stripDefaultPort(target, scheme)
	return scheme + "://" + host + r.URL.RequestURI()
}

// websocketURL rewrites the captured URL scheme for upgrade requests
// so WebSocket flows are identifiable in the store.
func websocketURL(rawurl string) string {
	switch {
	case strings.HasPrefix(rawurl, "https://"):
		return "wss://" + strings.TrimPrefix(rawurl, "https://")
	case strings.HasPrefix(rawurl, "http://"):
		return "ws://" + strings.TrimPrefix(rawurl, "http://")
	default:
		return rawurl
	}
}

func isWebSocketUpgrade(h http.Header) bool {
	if !strings.EqualFold(h.Get("Upgrade"), "websocket") {
		return false
	}
	for _, v := range h.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
				return true
			}
		}
	}
	return false
}

// ensurePort appends the scheme's default port when target has none.
func ensurePort(target, scheme string) string {
	if _, _, err := net.SplitHostPort(target); err == nil {
		return target
	}
	if scheme == "https" {
		return net.JoinHostPort(target, "443")
	}
	return net.JoinHostPort(target, "80")
}

// stripDefaultPort removes the scheme's default port for URL display.
func stripDefaultPort(target, scheme string) string {
	host, port, err := net.SplitHostPort(target)
	if err != nil {
		return target
	}
	if (scheme == "https" && port == "443") || (scheme == "http" && port == "80") {
		return host
	}
	return target
}

// reasonPhrase extracts the reason phrase from a response status line.
func reasonPhrase(resp *http.Response) string {
	if i := strings.IndexByte(resp.Status, ' '); i >= 0 {
		return resp.Status[i+1:]
	}
	return http.StatusText(resp.StatusCode)
}

// statusLine builds the full status text for a captured response.
func statusLine(capResp *capture.Response) string {
	reason := capResp.Reason
	if reason == "" {
		reason = http.StatusText(capResp.StatusCode)
	}
	return strconv.Itoa(capResp.StatusCode) + " " + reason
}

func certInfoFrom(cert *x509.Certificate) *capture.CertInfo {
	info := &capture.CertInfo{
		Subject:            cert.Subject.String(),
		Issuer:             cert.Issuer.String(),
		Serial:             cert.SerialNumber.String(),
		SignatureAlgorithm: cert.SignatureAlgorithm.String(),
		NotBefore:          cert.NotBefore,
		NotAfter:           cert.NotAfter,
		Expired:            time.Now().After(cert.NotAfter),
		CommonName:         cert.Subject.CommonName,
	}
	if len(cert.Subject.Organization) > 0 {
		info.Organization = cert.Subject.Organization[0]
	}
	info.AltNames = append(info.AltNames, cert.DNSNames...)
	for _, ip := range cert.IPAddresses {
		info.AltNames = append(info.AltNames, ip.String())
	}
	return info
}
