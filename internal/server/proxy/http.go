// Package proxy implements the public HTTP front-end: it resolves the
// tunnel named by the first path segment and forwards the request over the
// owning agent session.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/essajiwa/tunneld/internal/database"
	"github.com/essajiwa/tunneld/internal/server/metrics"
	"github.com/essajiwa/tunneld/internal/server/registry"
	"github.com/essajiwa/tunneld/internal/server/relay"
	"github.com/essajiwa/tunneld/pkg/protocol"
)

// Proxy forwards public requests addressed as /{identifier}/{rest...}.
type Proxy struct {
	ctx      context.Context
	repo     *database.Repository
	registry *registry.Registry
	relay    *relay.Relay
	pipeline *metrics.Pipeline
	maxBody  int64
}

// New creates the front-end. ctx is the server lifetime; its cancellation
// turns in-flight forwards into 503s.
func New(ctx context.Context, repo *database.Repository, reg *registry.Registry, rel *relay.Relay, pipeline *metrics.Pipeline, maxBody int64) *Proxy {
	return &Proxy{
		ctx:      ctx,
		repo:     repo,
		registry: reg,
		relay:    rel,
		pipeline: pipeline,
		maxBody:  maxBody,
	}
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	identifier, rest := splitTunnelPath(r.URL.Path)
	if identifier == "" {
		writeError(w, http.StatusBadRequest, "missing tunnel identifier")
		return
	}

	tunnel, err := p.repo.GetTunnelByIdentifier(identifier)
	if err != nil {
		log.Printf("Tunnel lookup failed for %s: %v", identifier, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if tunnel == nil {
		writeError(w, http.StatusNotFound, "tunnel not found")
		return
	}

	if !tunnel.IsActive {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"error": "tunnel is not connected",
			"tunnel": map[string]interface{}{
				"id":               tunnel.ID,
				"lastConnected":    tunnel.LastConnected,
				"lastDisconnected": tunnel.LastDisconnected,
			},
		})
		return
	}

	sess, ok := p.registry.Get(tunnel.ID)
	if !ok {
		// Persisted active with no live session: repair the row best-effort.
		if err := p.repo.MarkTunnelDisconnected(tunnel.ID, time.Now().UTC()); err != nil {
			log.Printf("Failed to reconcile tunnel %s: %v", tunnel.ID, err)
		}
		writeError(w, http.StatusBadGateway, "tunnel agent not connected")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, p.maxBody)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	targetPath := "/" + rest
	if r.URL.RawQuery != "" {
		targetPath += "?" + r.URL.RawQuery
	}

	captureID := p.pipeline.Capture(tunnel.ID, r.Method, "/"+rest,
		clientIP(r), r.UserAgent(), int64(len(body)))

	resp, err := p.relay.Forward(p.ctx, sess, r.Method, targetPath,
		flattenHeaders(r.Header), string(body))

	var status int
	var written int64
	if err != nil {
		status = statusForForwardError(err)
		written = writeError(w, status, err.Error())
	} else {
		status, written = p.writeAgentResponse(w, resp)
	}

	p.pipeline.Finalize(captureID, status, written)

	log.Printf("[%s] %s /%s -> %d (%d bytes, %v)",
		tunnel.Subdomain, r.Method, rest, status, written, time.Since(start))
}

// writeAgentResponse copies the agent frame onto the HTTP response: headers
// verbatim, status defaulting to 200, and the body as-is. Structured bodies
// are re-serialised JSON and default the content type.
func (p *Proxy) writeAgentResponse(w http.ResponseWriter, resp *protocol.ResponseFrame) (int, int64) {
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}

	body, structured := resp.BodyBytes()
	if structured && w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}

	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	n, _ := w.Write(body)
	return status, int64(n)
}

func statusForForwardError(err error) int {
	switch {
	case errors.Is(err, relay.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, relay.ErrDisconnected):
		return http.StatusBadGateway
	case errors.Is(err, relay.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// splitTunnelPath parses "/" <identifier> ( "/" <rest> )?.
func splitTunnelPath(path string) (string, string) {
	path = strings.TrimPrefix(path, "/")
	if idx := strings.IndexByte(path, '/'); idx >= 0 {
		return path[:idx], path[idx+1:]
	}
	return path, ""
}

// flattenHeaders collapses multi-valued headers into the single-string map
// carried by a request frame.
func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for key, values := range h {
		out[key] = strings.Join(values, ", ")
	}
	return out
}

// clientIP prefers the first X-Forwarded-For hop, falling back to the
// transport peer.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.IndexByte(xff, ','); idx >= 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) int64 {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	data, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	n, _ := w.Write(data)
	return int64(n)
}

func writeError(w http.ResponseWriter, status int, message string) int64 {
	return writeJSON(w, status, map[string]string{"error": message})
}

// HandleHealthCheck reports liveness and the number of connected agents.
func (p *Proxy) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "healthy",
		"sessions": p.registry.Count(),
	})
}
