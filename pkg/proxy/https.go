package proxy

import (
	"bufio"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
)

// connectEstablished is the synthetic reply that accepts a CONNECT.
const connectEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"

// handleConnect intercepts a CONNECT request. Hosts excluded from
// interception, and all hosts when no CA is configured, are tunneled
// as opaque bytes. Everything else gets a leaf certificate and a
// decrypted request loop.
func (e *Engine) handleConnect(conn net.Conn, r *http.Request) {
	host := ensurePort(r.Host, "https")
	hostOnly, _, err := net.SplitHostPort(host)
	if err != nil {
		e.writeError(conn, http.StatusBadRequest, "bad CONNECT target")
		return
	}

	if e.ca == nil || e.scope.ExcludedHost(host) {
		e.tunnel(conn, host)
		return
	}

	cert, err := e.ca.HostCert(hostOnly)
	if err != nil {
		// Interception is best effort: fall back to a blind tunnel
		// rather than breaking the client's connection.
		e.log.Error("issuing leaf certificate", "host", hostOnly, "error", err)
		e.tunnel(conn, host)
		return
	}

	if _, err := conn.Write([]byte(connectEstablished)); err != nil {
		e.logConnError("accepting CONNECT", err, "host", host)
		return
	}

	//nolint:gosec // clients negotiate their own minimum version
	tlsConn := tls.Server(conn, &tls.Config{
		Certificates: []tls.Certificate{*cert},
	})
	if err := tlsConn.Handshake(); err != nil {
		e.logConnError("TLS handshake with client", err, "host", host)
		return
	}
	defer func() { _ = tlsConn.Close() }()

	e.log.Debug("intercepting TLS", "host", host)

	displayHost := stripDefaultPort(host, "https")
	br := bufio.NewReader(tlsConn)
	for {
		req, err := http.ReadRequest(br)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				e.logConnError("reading intercepted request", err, "host", host)
			}
			return
		}
		req.URL.Scheme = "https"
		req.URL.Host = displayHost

		if !e.handleExchange(tlsConn, br, req, "https", host) {
			return
		}
	}
}

// tunnel relays a CONNECT target as raw bytes in both directions,
// honoring any upstream proxy for the outbound leg.
func (e *Engine) tunnel(conn net.Conn, host string) {
	route, err := e.connector.Connect(e.baseCtx, "https", host)
	if err != nil {
		e.logConnError("tunneling CONNECT", err, "host", host)
		e.writeError(conn, http.StatusBadGateway, "error connecting to target")
		return
	}
	targetConn := route.Conn

	if _, err := conn.Write([]byte(connectEstablished)); err != nil {
		e.logConnError("accepting CONNECT", err, "host", host)
		_ = targetConn.Close()
		return
	}

	e.log.Debug("tunneling", "host", host)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(targetConn, conn)
		_ = targetConn.Close()
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(conn, targetConn)
		_ = conn.Close()
	}()
	wg.Wait()
}
