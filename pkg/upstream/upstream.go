// Package upstream resolves and dials routes to origin servers,
// optionally chaining through a configured HTTP or SOCKS proxy.
package upstream

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/snoopwire/snoopwire/pkg/logging"
)

// ErrUpstreamConnection wraps any failure to reach the origin: DNS,
// connection refused, proxy authentication, or a failed SOCKS
// handshake. It is never fatal to the listener.
var ErrUpstreamConnection = errors.New("upstream connection failed")

// DefaultTimeout is used when no connection timeout is configured.
const DefaultTimeout = 30 * time.Second

// Scheme identifies the type of upstream proxy.
type Scheme string

// Supported upstream proxy schemes.
const (
	SchemeHTTP    Scheme = "http"
	SchemeHTTPS   Scheme = "https"
	SchemeSOCKS4  Scheme = "socks4"
	SchemeSOCKS5  Scheme = "socks5"
	SchemeSOCKS5H Scheme = "socks5h"
)

// ProxyConfig describes a configured upstream proxy.
type ProxyConfig struct {
	// Scheme is the proxy protocol.
	Scheme Scheme

	// Host is the proxy address as host:port.
	Host string

	// Username and Password come from the userinfo part of the proxy URL.
	Username string
	Password string

	// CustomAuthorization, when set, is sent verbatim as the
	// Proxy-Authorization value instead of Basic credentials.
	CustomAuthorization string

	// NoProxy lists hostnames (exact or suffix, case-insensitive) that
	// bypass the proxy and are dialed directly.
	NoProxy []string
}

// ParseProxyURL parses scheme://[user:pass@]host:port into a ProxyConfig.
func ParseProxyURL(raw string) (*ProxyConfig, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream proxy url %q: %w", raw, err)
	}

	scheme := Scheme(strings.ToLower(u.Scheme))
	switch scheme {
	case SchemeHTTP, SchemeHTTPS, SchemeSOCKS4, SchemeSOCKS5, SchemeSOCKS5H:
	default:
		return nil, fmt.Errorf("unsupported upstream proxy scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("upstream proxy url %q has no host", raw)
	}

	host := u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(u.Hostname(), defaultProxyPort(scheme))
	}

	cfg := &ProxyConfig{Scheme: scheme, Host: host}
	if u.User != nil {
		cfg.Username = u.User.Username()
		cfg.Password, _ = u.User.Password()
	}
	return cfg, nil
}

func defaultProxyPort(scheme Scheme) string {
	switch scheme {
	case SchemeHTTPS:
		return "443"
	case SchemeSOCKS4, SchemeSOCKS5, SchemeSOCKS5H:
		return "1080"
	default:
		return "8080"
	}
}

// AuthorizationValue returns the Proxy-Authorization value for the leg
// to the upstream proxy, or "" when no authentication is configured.
// This value is never forwarded to the origin server.
func (c *ProxyConfig) AuthorizationValue() string {
	if c == nil {
		return ""
	}
	if c.CustomAuthorization != "" {
		return c.CustomAuthorization
	}
	if c.Username != "" || c.Password != "" {
		creds := c.Username + ":" + c.Password
		return "Basic " + base64.StdEncoding.EncodeToString([]byte(creds))
	}
	return ""
}

// Bypassed reports whether host matches the no_proxy list. Matching is
// case-insensitive against the bare hostname: exact match, or suffix
// match on a label boundary ("example.com" bypasses "www.example.com").
func (c *ProxyConfig) Bypassed(host string) bool {
	if c == nil {
		return false
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(host)

	for _, entry := range c.NoProxy {
		entry = strings.ToLower(strings.TrimSpace(entry))
		entry = strings.TrimPrefix(entry, ".")
		if entry == "" {
			continue
		}
		if host == entry || strings.HasSuffix(host, "."+entry) {
			return true
		}
	}
	return false
}

// Options configures a Connector.
type Options struct {
	// Proxy is an optional upstream proxy route. Nil means direct.
	Proxy *ProxyConfig

	// Timeout bounds each dial. Zero means DefaultTimeout.
	Timeout time.Duration

	// VerifyTLS enables certificate verification when the connector
	// itself establishes TLS (HTTPS proxies and the TLSConfig helper).
	VerifyTLS bool

	// Logger receives route diagnostics. Nil disables logging.
	Logger *slog.Logger
}

// Connector dials origin servers, applying the configured upstream
// proxy and bypass rules. It is safe for concurrent use.
type Connector struct {
	proxy   *ProxyConfig
	timeout time.Duration
	verify  bool
	log     *slog.Logger
}

// Route is an established connection to (or towards) the target.
type Route struct {
	// Conn is the raw connection. For HTTPS targets the caller is
	// expected to run its own TLS handshake on top.
	Conn net.Conn

	// ViaHTTPProxy is true when Conn terminates at an HTTP proxy that
	// expects absolute-form request URLs (plain HTTP targets only).
	ViaHTTPProxy bool

	// ProxyAuth is the Proxy-Authorization value that must accompany
	// each request written on a ViaHTTPProxy route.
	ProxyAuth string
}

// New creates a Connector.
func New(opts Options) *Connector {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &Connector{
		proxy:   opts.Proxy,
		timeout: timeout,
		verify:  opts.VerifyTLS,
		log:     logger,
	}
}

// Timeout returns the configured dial timeout.
func (c *Connector) Timeout() time.Duration {
	return c.timeout
}

// TLSConfig returns the client TLS configuration to use against origin
// servers, honoring the connector's verification setting.
func (c *Connector) TLSConfig(serverName string) *tls.Config {
	return &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: !c.verify, //nolint:gosec // interception proxy; verification is configurable
	}
}

// Connect resolves the route for target (host:port) with the given
// scheme ("http" or "https") and dials it.
func (c *Connector) Connect(ctx context.Context, scheme, target string) (*Route, error) {
	host := target
	if h, _, err := net.SplitHostPort(target); err == nil {
		host = h
	}

	if c.proxy == nil || c.proxy.Bypassed(host) {
		conn, err := c.dialDirect(ctx, target)
		if err != nil {
			return nil, err
		}
		return &Route{Conn: conn}, nil
	}

	switch c.proxy.Scheme {
	case SchemeHTTP, SchemeHTTPS:
		return c.connectHTTPProxy(ctx, scheme, target)
	case SchemeSOCKS4:
		conn, err := c.dialSOCKS4(ctx, target)
		if err != nil {
			return nil, err
		}
		return &Route{Conn: conn}, nil
	case SchemeSOCKS5, SchemeSOCKS5H:
		conn, err := c.dialSOCKS5(ctx, target)
		if err != nil {
			return nil, err
		}
		return &Route{Conn: conn}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported proxy scheme %q", ErrUpstreamConnection, c.proxy.Scheme)
	}
}

func (c *Connector) dialDirect(ctx context.Context, target string) (net.Conn, error) {
	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s: %v", ErrUpstreamConnection, target, err)
	}
	return conn, nil
}

// dialProxy opens the transport connection to the upstream proxy
// itself, wrapping it in TLS for https proxies.
func (c *Connector) dialProxy(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "tcp", c.proxy.Host)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing proxy %s: %v", ErrUpstreamConnection, c.proxy.Host, err)
	}

	if c.proxy.Scheme == SchemeHTTPS {
		hostname := c.proxy.Host
		if h, _, err := net.SplitHostPort(hostname); err == nil {
			hostname = h
		}
		tlsConn := tls.Client(conn, c.TLSConfig(hostname))
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("%w: TLS handshake with proxy %s: %v", ErrUpstreamConnection, c.proxy.Host, err)
		}
		return tlsConn, nil
	}
	return conn, nil
}

// connectHTTPProxy establishes a route through an HTTP(S) proxy. HTTPS
// targets get a CONNECT tunnel; plain HTTP targets reuse the proxy
// connection in absolute-form mode.
func (c *Connector) connectHTTPProxy(ctx context.Context, scheme, target string) (*Route, error) {
	conn, err := c.dialProxy(ctx)
	if err != nil {
		return nil, err
	}
	auth := c.proxy.AuthorizationValue()

	if scheme != "https" {
		return &Route{Conn: conn, ViaHTTPProxy: true, ProxyAuth: auth}, nil
	}

	connectReq := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: target},
		Host:   target,
		Header: make(http.Header),
	}
	if auth != "" {
		connectReq.Header.Set("Proxy-Authorization", auth)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(c.timeout))
	}
	defer func() { _ = conn.SetDeadline(time.Time{}) }()

	if err := connectReq.Write(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: writing CONNECT to proxy: %v", ErrUpstreamConnection, err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), connectReq)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: reading CONNECT response: %v", ErrUpstreamConnection, err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode == http.StatusProxyAuthRequired {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: proxy authentication failed for %s", ErrUpstreamConnection, c.proxy.Host)
	}
	if resp.StatusCode != http.StatusOK {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: proxy refused CONNECT to %s: %s", ErrUpstreamConnection, target, resp.Status)
	}

	c.log.Debug("tunnel established via HTTP proxy", "proxy", c.proxy.Host, "target", target)
	return &Route{Conn: conn, ProxyAuth: auth}, nil
}
