// Package provider implements the Provider Pipeline (spec 4.F): per-provider
// pooled HTTP transports, the single outbound call (headers, outbound codec,
// timeout, error classification), and the retry-with-key-rotation loop above
// it. Connection pooling is adapted from the pack's shared ConnectionPool
// pattern (a per-provider http.Transport/http.Client cache with a metrics-
// observing RoundTripper), generalized from "avoid isolated pools per
// connector" to "avoid isolated pools per upstream LLM provider."
package provider

import (
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// PoolConfig tunes one provider's shared transport.
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

// DefaultPoolConfig returns production-grade defaults: generous per-host
// idle capacity since every key of a provider shares one transport, no
// response-header timeout (the per-call context deadline governs that
// instead), and HTTP/2 preferred where the upstream supports it.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   32,
		MaxConnsPerHost:       64,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		DialTimeout:           10 * time.Second,
		KeepAlive:             30 * time.Second,
		ExpectContinueTimeout: time.Second,
		ForceHTTP2:            true,
	}
}

// Metrics tracks per-provider connection-pool utilization.
type Metrics struct {
	activeConnections sync.Map // providerID -> *int64
	totalRequests     sync.Map
	totalErrors       sync.Map
	connectionReuses  sync.Map
}

// Snapshot is a point-in-time metrics view for one provider.
type Snapshot struct {
	ActiveConnections int64
	TotalRequests     int64
	TotalErrors       int64
	ConnectionReuses  int64
}

func (m *Metrics) snapshot(providerID string) Snapshot {
	load := func(store *sync.Map) int64 {
		if v, ok := store.Load(providerID); ok {
			return atomic.LoadInt64(v.(*int64))
		}
		return 0
	}
	return Snapshot{
		ActiveConnections: load(&m.activeConnections),
		TotalRequests:     load(&m.totalRequests),
		TotalErrors:       load(&m.totalErrors),
		ConnectionReuses:  load(&m.connectionReuses),
	}
}

func counter(store *sync.Map, key string) *int64 {
	if v, ok := store.Load(key); ok {
		return v.(*int64)
	}
	c := new(int64)
	actual, _ := store.LoadOrStore(key, c)
	return actual.(*int64)
}

// ConnectionPool lazily builds and caches one http.Client per provider.
type ConnectionPool struct {
	mu         sync.RWMutex
	transports map[string]*http.Transport
	clients    map[string]*http.Client
	configs    map[string]PoolConfig
	defaults   PoolConfig
	metrics    *Metrics
}

// NewConnectionPool builds an empty pool using defaults for any provider
// not explicitly configured.
func NewConnectionPool(defaults PoolConfig) *ConnectionPool {
	return &ConnectionPool{
		transports: make(map[string]*http.Transport),
		clients:    make(map[string]*http.Client),
		configs:    make(map[string]PoolConfig),
		defaults:   defaults,
		metrics:    &Metrics{},
	}
}

// Configure sets a custom pool config for one provider, invalidating any
// transport already built for it so the new config takes effect.
func (p *ConnectionPool) Configure(providerID string, cfg PoolConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.configs[providerID] = cfg
	delete(p.transports, providerID)
	delete(p.clients, providerID)
}

// Client returns the shared client for a provider, building it (and its
// backing transport) on first access. The client carries no Timeout field,
// matching the teacher's deliberate choice not to cap its upstream client
// since a streaming call can legitimately run for minutes; callers bound a
// single call's duration with their own context deadline instead.
func (p *ConnectionPool) Client(providerID string) *http.Client {
	p.mu.RLock()
	if c, ok := p.clients[providerID]; ok {
		p.mu.RUnlock()
		return c
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[providerID]; ok {
		return c
	}

	cfg := p.configFor(providerID)
	transport := p.buildTransport(cfg)
	p.transports[providerID] = transport

	client := &http.Client{
		Transport: &metricsRoundTripper{inner: transport, providerID: providerID, metrics: p.metrics},
	}
	p.clients[providerID] = client
	return client
}

// Metrics returns a snapshot of one provider's connection metrics, for the
// /admin/ws live feed.
func (p *ConnectionPool) Metrics(providerID string) Snapshot {
	return p.metrics.snapshot(providerID)
}

// Close releases idle connections across every provider's transport.
func (p *ConnectionPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.transports {
		t.CloseIdleConnections()
	}
}

func (p *ConnectionPool) configFor(providerID string) PoolConfig {
	if cfg, ok := p.configs[providerID]; ok {
		return cfg
	}
	return p.defaults
}

func (p *ConnectionPool) buildTransport(cfg PoolConfig) *http.Transport {
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
		t.TLSClientConfig = &tls.Config{NextProtos: []string{"h2", "http/1.1"}, MinVersion: tls.VersionTLS12}
		t.ForceAttemptHTTP2 = true
	}
	return t
}

type metricsRoundTripper struct {
	inner      http.RoundTripper
	providerID string
	metrics    *Metrics
}

func (m *metricsRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	active := counter(&m.metrics.activeConnections, m.providerID)
	atomic.AddInt64(active, 1)
	defer atomic.AddInt64(active, -1)
	atomic.AddInt64(counter(&m.metrics.totalRequests, m.providerID), 1)

	resp, err := m.inner.RoundTrip(req)
	if err != nil {
		atomic.AddInt64(counter(&m.metrics.totalErrors, m.providerID), 1)
		return nil, err
	}
	if !resp.Close {
		atomic.AddInt64(counter(&m.metrics.connectionReuses, m.providerID), 1)
	}
	return resp, nil
}
