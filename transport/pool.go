package transport

import (
	"crypto/tls"
	"net"
	"net/http"
	"sync/atomic"
	"time"
)

// PoolConfig tunes the shared http.Transport backing a Transport.
type PoolConfig struct {
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	MaxConnsPerHost       int
	IdleConnTimeout       time.Duration
	TLSHandshakeTimeout   time.Duration
	DialTimeout           time.Duration
	KeepAlive             time.Duration
	ResponseHeaderTimeout time.Duration
	ExpectContinueTimeout time.Duration
	ForceHTTP2            bool
}

// DefaultPoolConfig returns sane pool defaults for a single upstream host.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   16,
		MaxConnsPerHost:       32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		DialTimeout:           10 * time.Second,
		KeepAlive:             30 * time.Second,
		ExpectContinueTimeout: time.Second,
		ForceHTTP2:            true,
	}
}

// PoolMetrics is an atomic-counter snapshot of client activity,
// wrapped around the shared transport's RoundTrip.
type PoolMetrics struct {
	activeConnections atomic.Int64
	totalRequests      atomic.Int64
	totalErrors        atomic.Int64
	connectionReuses   atomic.Int64
}

// Snapshot returns the current counter values.
func (m *PoolMetrics) Snapshot() (active, total, errs, reuses int64) {
	return m.activeConnections.Load(), m.totalRequests.Load(), m.totalErrors.Load(), m.connectionReuses.Load()
}

// NewPooledClient builds an *http.Client with a shared, tuned
// transport and a metrics-observing RoundTripper, for use with New.
func NewPooledClient(cfg PoolConfig, timeout time.Duration) (*http.Client, *PoolMetrics) {
	dialer := &net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: cfg.KeepAlive}

	t := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ExpectContinueTimeout: cfg.ExpectContinueTimeout,
	}
	if cfg.ForceHTTP2 {
		t.TLSClientConfig = &tls.Config{
			NextProtos: []string{"h2", "http/1.1"},
			MinVersion: tls.VersionTLS12,
		}
		t.ForceAttemptHTTP2 = true
	}

	metrics := &PoolMetrics{}
	client := &http.Client{
		Transport: &metricsRoundTripper{inner: t, metrics: metrics},
		Timeout:   timeout,
	}
	return client, metrics
}

type metricsRoundTripper struct {
	inner   http.RoundTripper
	metrics *PoolMetrics
}

func (m *metricsRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	m.metrics.activeConnections.Add(1)
	defer m.metrics.activeConnections.Add(-1)
	m.metrics.totalRequests.Add(1)

	resp, err := m.inner.RoundTrip(req)
	if err != nil {
		m.metrics.totalErrors.Add(1)
		return nil, err
	}
	if !resp.Close {
		m.metrics.connectionReuses.Add(1)
	}
	return resp, nil
}
