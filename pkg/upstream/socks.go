package upstream

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"

	xproxy "golang.org/x/net/proxy"
)

// dialSOCKS5 tunnels to target through a SOCKS5 proxy. For the socks5
// scheme the target hostname is resolved locally before the handshake;
// socks5h passes the hostname through so the proxy resolves it.
func (c *Connector) dialSOCKS5(ctx context.Context, target string) (net.Conn, error) {
	var auth *xproxy.Auth
	if c.proxy.Username != "" || c.proxy.Password != "" {
		auth = &xproxy.Auth{User: c.proxy.Username, Password: c.proxy.Password}
	}

	if c.proxy.Scheme == SchemeSOCKS5 {
		resolved, err := resolveTarget(ctx, target)
		if err != nil {
			return nil, fmt.Errorf("%w: resolving %s: %v", ErrUpstreamConnection, target, err)
		}
		target = resolved
	}

	forward := &net.Dialer{Timeout: c.timeout}
	dialer, err := xproxy.SOCKS5("tcp", c.proxy.Host, auth, forward)
	if err != nil {
		return nil, fmt.Errorf("%w: configuring SOCKS5 proxy %s: %v", ErrUpstreamConnection, c.proxy.Host, err)
	}

	ctxDialer, ok := dialer.(xproxy.ContextDialer)
	if !ok {
		conn, err := dialer.Dial("tcp", target)
		if err != nil {
			return nil, fmt.Errorf("%w: SOCKS5 dial %s via %s: %v", ErrUpstreamConnection, target, c.proxy.Host, err)
		}
		return conn, nil
	}

	conn, err := ctxDialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, fmt.Errorf("%w: SOCKS5 dial %s via %s: %v", ErrUpstreamConnection, target, c.proxy.Host, err)
	}
	return conn, nil
}

// resolveTarget replaces the hostname in host:port with one of its IP
// addresses, preferring IPv4.
func resolveTarget(ctx context.Context, target string) (string, error) {
	host, port, err := net.SplitHostPort(target)
	if err != nil {
		return "", err
	}
	if net.ParseIP(host) != nil {
		return target, nil
	}

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return "", err
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("no addresses for %s", host)
	}
	pick := addrs[0].IP
	for _, a := range addrs {
		if v4 := a.IP.To4(); v4 != nil {
			pick = v4
			break
		}
	}
	return net.JoinHostPort(pick.String(), port), nil
}

// dialSOCKS4 performs a minimal SOCKS4 CONNECT handshake. SOCKS4 only
// carries IPv4 addresses, so the target is resolved locally. The
// configured username is sent as the SOCKS4 userid field.
func (c *Connector) dialSOCKS4(ctx context.Context, target string) (net.Conn, error) {
	resolved, err := resolveTarget(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("%w: resolving %s: %v", ErrUpstreamConnection, target, err)
	}
	host, portStr, err := net.SplitHostPort(resolved)
	if err != nil {
		return nil, fmt.Errorf("%w: bad target %s: %v", ErrUpstreamConnection, target, err)
	}
	ip := net.ParseIP(host).To4()
	if ip == nil {
		return nil, fmt.Errorf("%w: SOCKS4 requires an IPv4 target, got %s", ErrUpstreamConnection, host)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("%w: bad target port %s", ErrUpstreamConnection, portStr)
	}

	conn, err := c.dialProxy(ctx)
	if err != nil {
		return nil, err
	}

	// VN=4 CD=1(CONNECT) DSTPORT DSTIP USERID NUL
	req := make([]byte, 0, 9+len(c.proxy.Username))
	req = append(req, 0x04, 0x01)
	req = binary.BigEndian.AppendUint16(req, uint16(port))
	req = append(req, ip...)
	req = append(req, []byte(c.proxy.Username)...)
	req = append(req, 0x00)

	if _, err := conn.Write(req); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: SOCKS4 request to %s: %v", ErrUpstreamConnection, c.proxy.Host, err)
	}

	// VN CD DSTPORT DSTIP
	reply := make([]byte, 8)
	if _, err := io.ReadFull(conn, reply); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: SOCKS4 reply from %s: %v", ErrUpstreamConnection, c.proxy.Host, err)
	}
	if reply[1] != 0x5a {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: SOCKS4 proxy %s rejected connect (code 0x%02x)", ErrUpstreamConnection, c.proxy.Host, reply[1])
	}
	return conn, nil
}
