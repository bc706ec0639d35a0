// Package metrics implements the telemetry pipeline: per-request capture,
// eager live-stats updates, a bounded in-memory buffer, and the background
// hour/day rollups.
package metrics

import (
	"log"
	"sync"
	"time"

	"github.com/essajiwa/tunneld/internal/database"
	"github.com/essajiwa/tunneld/internal/server/geo"
	"github.com/google/uuid"
)

const (
	// flushThreshold triggers a non-blocking flush once the buffer reaches it.
	flushThreshold = 100
	// bufferHardCap is the drop-on-saturation bound for the buffer.
	bufferHardCap = 1000

	flushInterval = 2 * time.Minute
	decayInterval = 10 * time.Minute
	decayAge      = 10 * time.Minute
)

// Metric is one finalized request observation.
type Metric struct {
	TunnelID     string
	Timestamp    time.Time
	Method       string
	Path         string
	StatusCode   int
	ResponseTime int64 // milliseconds
	RequestSize  int64
	ResponseSize int64
	ClientIP     string
	Country      string
}

// capture is the in-flight snapshot taken at request ingress.
type capture struct {
	tunnelID    string
	method      string
	path        string
	clientIP    string
	userAgent   string
	requestSize int64
	start       time.Time
}

// Pipeline is the process-scoped telemetry state. Nothing lives as ambient
// package state; the server owns exactly one Pipeline.
type Pipeline struct {
	repo     *database.Repository
	resolver *geo.Resolver

	mu        sync.Mutex
	inflight  map[string]*capture
	buffer    []*Metric
	uniqueIPs map[hourKey]map[string]struct{}

	flushCh chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup
}

type hourKey struct {
	tunnelID string
	hour     time.Time
}

// NewPipeline creates a pipeline over the repository and country resolver.
func NewPipeline(repo *database.Repository, resolver *geo.Resolver) *Pipeline {
	return &Pipeline{
		repo:      repo,
		resolver:  resolver,
		inflight:  make(map[string]*capture),
		uniqueIPs: make(map[hourKey]map[string]struct{}),
		flushCh:   make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
}

// Start launches the flush worker and the daily rollup timer.
func (p *Pipeline) Start() {
	p.wg.Add(2)
	go p.run()
	go p.runDaily()
}

// Stop drains the pipeline: the worker performs one final flush on its way
// out.
func (p *Pipeline) Stop() {
	close(p.stop)
	p.wg.Wait()
}

// Capture snapshots a request at ingress and returns its telemetry id.
func (p *Pipeline) Capture(tunnelID, method, path, clientIP, userAgent string, requestSize int64) string {
	id := uuid.New().String()
	p.mu.Lock()
	p.inflight[id] = &capture{
		tunnelID:    tunnelID,
		method:      method,
		path:        path,
		clientIP:    clientIP,
		userAgent:   userAgent,
		requestSize: requestSize,
		start:       time.Now(),
	}
	p.mu.Unlock()
	return id
}

// Finalize completes a captured request after its response has been written:
// it buffers the metric, bumps the live counters, and records the request
// log row. Persistence failures are logged and never surface to the caller;
// the response is already out.
func (p *Pipeline) Finalize(id string, statusCode int, responseSize int64) {
	p.mu.Lock()
	c, ok := p.inflight[id]
	if ok {
		delete(p.inflight, id)
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	now := time.Now().UTC()
	responseTime := time.Since(c.start).Milliseconds()
	country := p.resolver.ResolveCountry(c.clientIP)

	m := &Metric{
		TunnelID:     c.tunnelID,
		Timestamp:    now,
		Method:       c.method,
		Path:         c.path,
		StatusCode:   statusCode,
		ResponseTime: responseTime,
		RequestSize:  c.requestSize,
		ResponseSize: responseSize,
		ClientIP:     c.clientIP,
		Country:      country,
	}
	p.append(m)

	if err := p.repo.UpsertLiveStats(c.tunnelID, float64(responseTime), statusCode >= 400, now); err != nil {
		log.Printf("Failed to update live stats for %s: %v", c.tunnelID, err)
	}
	if err := p.repo.AddTunnelTraffic(c.tunnelID, 1, c.requestSize+responseSize); err != nil {
		log.Printf("Failed to update tunnel counters for %s: %v", c.tunnelID, err)
	}
	if err := p.repo.InsertRequestLog(&database.RequestLog{
		TunnelID:     c.tunnelID,
		Path:         c.path,
		Method:       c.method,
		StatusCode:   statusCode,
		ResponseTime: responseTime,
		RequestSize:  c.requestSize,
		ResponseSize: responseSize,
		ClientIP:     c.clientIP,
		Country:      country,
		UserAgent:    c.userAgent,
		Timestamp:    now,
	}); err != nil {
		log.Printf("Failed to insert request log for %s: %v", c.tunnelID, err)
	}
}

// InFlight returns the number of captured-but-unfinalized requests.
func (p *Pipeline) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inflight)
}

// BufferLen returns the current buffered metric count.
func (p *Pipeline) BufferLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer)
}

func (p *Pipeline) append(m *Metric) {
	key := hourKey{tunnelID: m.TunnelID, hour: m.Timestamp.Truncate(time.Hour)}

	p.mu.Lock()
	if len(p.buffer) >= bufferHardCap {
		p.mu.Unlock()
		log.Printf("Metrics buffer saturated, dropping metric for %s", m.TunnelID)
		p.triggerFlush()
		return
	}
	p.buffer = append(p.buffer, m)
	ips := p.uniqueIPs[key]
	if ips == nil {
		ips = make(map[string]struct{})
		p.uniqueIPs[key] = ips
	}
	ips[m.ClientIP] = struct{}{}
	full := len(p.buffer) >= flushThreshold
	p.mu.Unlock()

	if full {
		p.triggerFlush()
	}
}

// triggerFlush nudges the worker without blocking; concurrent triggers
// coalesce into one pass.
func (p *Pipeline) triggerFlush() {
	select {
	case p.flushCh <- struct{}{}:
	default:
	}
}

func (p *Pipeline) run() {
	defer p.wg.Done()

	flushTicker := time.NewTicker(flushInterval)
	defer flushTicker.Stop()
	decayTicker := time.NewTicker(decayInterval)
	defer decayTicker.Stop()

	for {
		select {
		case <-p.flushCh:
			p.Flush()
		case <-flushTicker.C:
			p.Flush()
		case <-decayTicker.C:
			p.decay()
		case <-p.stop:
			p.Flush()
			return
		}
	}
}

// Flush rolls the buffered metrics up into hourly rows. A panic is contained
// here: the batch in hand is discarded and the worker keeps running.
func (p *Pipeline) Flush() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic in metrics flush: %v", r)
		}
	}()

	p.mu.Lock()
	batch := p.buffer
	p.buffer = nil
	ips := p.uniqueIPs
	p.uniqueIPs = make(map[hourKey]map[string]struct{})
	p.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	groups := make(map[hourKey][]*Metric)
	for _, m := range batch {
		key := hourKey{tunnelID: m.TunnelID, hour: m.Timestamp.Truncate(time.Hour)}
		groups[key] = append(groups[key], m)
	}

	for key, metrics := range groups {
		stats := aggregateHour(key, metrics, ips[key])
		if err := p.repo.UpsertHourlyStats(stats); err != nil {
			log.Printf("Failed to upsert hourly stats for %s@%s: %v",
				key.tunnelID, key.hour.Format(time.RFC3339), err)
			p.requeue(metrics)
		}
	}
}

// requeue puts a failed group back for the next flush, bounded by the hard
// cap.
func (p *Pipeline) requeue(metrics []*Metric) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.buffer)+len(metrics) > bufferHardCap {
		log.Printf("Dropping %d metrics after flush failure: buffer saturated", len(metrics))
		return
	}
	for _, m := range metrics {
		p.buffer = append(p.buffer, m)
		key := hourKey{tunnelID: m.TunnelID, hour: m.Timestamp.Truncate(time.Hour)}
		ips := p.uniqueIPs[key]
		if ips == nil {
			ips = make(map[string]struct{})
			p.uniqueIPs[key] = ips
		}
		ips[m.ClientIP] = struct{}{}
	}
}

func (p *Pipeline) decay() {
	cutoff := time.Now().UTC().Add(-decayAge)
	n, err := p.repo.DecayLiveStats(cutoff)
	if err != nil {
		log.Printf("Failed to decay live stats: %v", err)
		return
	}
	if n > 0 {
		log.Printf("Decayed live stats for %d tunnels", n)
	}
}
