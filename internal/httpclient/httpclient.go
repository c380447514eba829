// Package httpclient builds the HTTP client shared by all outbound
// requests, with optional proxy support.
package httpclient

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"
)

// New returns a client with the given timeout. proxyURL may be empty
// for direct connections, an http(s):// proxy, or a socks5:// proxy
// with optional user:password credentials in the URL.
func New(timeout time.Duration, proxyURL string) (*http.Client, error) {
	client := &http.Client{Timeout: timeout}
	if proxyURL == "" {
		return client, nil
	}

	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url: %w", err)
	}

	switch u.Scheme {
	case "http", "https":
		client.Transport = &http.Transport{Proxy: http.ProxyURL(u)}
	case "socks5":
		dialer, err := proxy.FromURL(u, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("socks5 proxy: %w", err)
		}
		contextDialer, ok := dialer.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("socks5 proxy: dialer lacks context support")
		}
		client.Transport = &http.Transport{DialContext: contextDialer.DialContext}
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	return client, nil
}
