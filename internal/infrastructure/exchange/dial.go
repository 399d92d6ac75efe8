package exchange

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// proxyDialer returns a dialer through the SOCKS5 proxy at addr. addr is
// either host:port or a socks5:// / socks5h:// URL with optional credentials.
// An empty addr returns nil.
func proxyDialer(addr string) (dialFunc, error) {
	if addr == "" {
		return nil, nil
	}
	raw := addr
	if !strings.Contains(raw, "://") {
		raw = "socks5h://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse proxy %q: %w", addr, err)
	}
	d, err := proxy.FromURL(u, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("socks5 dialer: %w", err)
	}
	if cd, ok := d.(proxy.ContextDialer); ok {
		return cd.DialContext, nil
	}
	return func(_ context.Context, network, addr string) (net.Conn, error) {
		return d.Dial(network, addr)
	}, nil
}

func newHTTPClient(proxyAddr string, timeout time.Duration) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	dial, err := proxyDialer(proxyAddr)
	if err != nil {
		return nil, err
	}
	if dial != nil {
		transport.Proxy = nil
		transport.DialContext = dial
	}
	transport.IdleConnTimeout = 90 * time.Second
	transport.TLSHandshakeTimeout = 10 * time.Second
	return &http.Client{Transport: transport, Timeout: timeout}, nil
}
