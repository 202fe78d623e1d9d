// Package tlsutil 为 teamflow 的出站 HTTP 连接（图执行器、健康检查）
// 提供统一的 TLS 加固设置：TLS 1.2+，仅 AEAD 密码套件。
package tlsutil

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

const defaultDialTimeout = 30 * time.Second

// DefaultTLSConfig returns a hardened TLS configuration.
func DefaultTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
		},
	}
}

// SecureTransport returns an http.Transport with TLS hardening.
func SecureTransport() *http.Transport {
	return newTransport(defaultDialTimeout)
}

// StreamingTransport 用于长连接事件流：connectTimeout 同时限制建连、
// TLS 握手与等待响应头，响应体读取不设超时。connectTimeout<=0 时使用默认值。
func StreamingTransport(connectTimeout time.Duration) *http.Transport {
	if connectTimeout <= 0 {
		return newTransport(defaultDialTimeout)
	}
	tr := newTransport(connectTimeout)
	tr.TLSHandshakeTimeout = connectTimeout
	tr.ResponseHeaderTimeout = connectTimeout
	return tr
}

// SecureHTTPClient returns an http.Client with TLS hardening and an overall timeout.
func SecureHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: SecureTransport(),
	}
}

func newTransport(dialTimeout time.Duration) *http.Transport {
	return &http.Transport{
		Proxy:           http.ProxyFromEnvironment,
		TLSClientConfig: DefaultTLSConfig(),
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
