// Package relay drives the per-request attempt loop: candidate selection,
// header resolution, body conversion, upstream calls, error classification,
// and failover.
package relay

import (
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"

	"github.com/relaypool/relaypool/internal/typ"
)

// NewHTTPClient builds a fresh client for one upstream call honoring the
// provider's proxy settings. A fresh outbound connection per attempt is safer
// than a shared pool on failover: a half-dead keep-alive connection must not
// poison the retry.
//
// totalTimeout bounds the whole exchange and must be zero for streaming
// responses, whose read deadline is enforced per chunk instead.
func NewHTTPClient(prov *typ.Provider, connectTimeout, totalTimeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: connectTimeout}
	transport := &http.Transport{
		DialContext:       dialer.DialContext,
		DisableKeepAlives: true,
	}

	if prov.ProxyURL != "" {
		applyProxy(transport, prov.ProxyURL, dialer)
	}

	return &http.Client{
		Transport: transport,
		Timeout:   totalTimeout,
	}
}

func applyProxy(transport *http.Transport, proxyURL string, dialer *net.Dialer) {
	parsed, err := url.Parse(proxyURL)
	if err != nil {
		logrus.Errorf("Failed to parse proxy URL %s: %v, connecting directly", proxyURL, err)
		return
	}

	switch parsed.Scheme {
	case "http", "https":
		transport.Proxy = http.ProxyURL(parsed)
	case "socks5":
		socksDialer, err := proxy.SOCKS5("tcp", parsed.Host, nil, dialer)
		if err != nil {
			logrus.Errorf("Failed to create SOCKS5 proxy dialer: %v, connecting directly", err)
			return
		}
		if contextDialer, ok := socksDialer.(proxy.ContextDialer); ok {
			transport.DialContext = contextDialer.DialContext
		}
	default:
		logrus.Errorf("Unsupported proxy scheme %s, supported schemes are http, https, socks5", parsed.Scheme)
	}
}
