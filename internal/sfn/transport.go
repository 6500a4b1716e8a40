package sfn

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	utls "github.com/refraction-networking/utls"
)

// NewImpersonatingTransport builds an http.Client whose TLS ClientHello
// matches a real Chrome 131 handshake, the Go equivalent of curl_cffi's
// browser impersonation (§4.5.2). Every connection gets a fresh uTLS
// client so concurrent requests don't share (and serialize on) one
// handshake state.
func NewImpersonatingTransport(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: timeout}

	transport := &http.Transport{
		DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			rawConn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, fmt.Errorf("sfn: dial: %w", err)
			}

			host, _, err := net.SplitHostPort(addr)
			if err != nil {
				host = addr
			}

			uconn := utls.UClient(rawConn, &utls.Config{ServerName: host}, utls.HelloChrome_131)
			if err := uconn.HandshakeContext(ctx); err != nil {
				rawConn.Close()
				return nil, fmt.Errorf("sfn: tls handshake: %w", err)
			}
			return uconn, nil
		},
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}

// fallbackTransport builds a plain client on the standard TLS stack, with
// no fingerprint impersonation. Nothing in the package calls it: NewClient
// falls back to http.DefaultClient when given a nil client.
func fallbackTransport(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &http.Transport{TLSClientConfig: &tls.Config{}},
		Timeout:   timeout,
	}
}
