// Package database provides data models and persistence for tunneld.
//
// The schema has seven tables: users, tunnels, live_stats, hourly_stats,
// daily_stats, request_logs, and device_auth_codes. A tunnel owns its stats
// and request-log rows; deleting a tunnel cascades. The same repository runs
// against SQLite and PostgreSQL through a dialect-aware store.
package database

import (
	"encoding/json"
	"sort"
	"time"
)

// User is an external identity referenced by tunnels and device-auth codes.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Tunnel is a named, owned forwarding endpoint. The local port is advisory
// only; the server never opens it.
type Tunnel struct {
	ID               string     `json:"id"`
	UserID           string     `json:"userId"`
	Subdomain        string     `json:"subdomain"`
	Name             string     `json:"name"`
	Description      string     `json:"description,omitempty"`
	LocalPort        int        `json:"localPort,omitempty"`
	Protocol         string     `json:"protocol"`
	CustomDomain     string     `json:"customDomain,omitempty"`
	IsActive         bool       `json:"isActive"`
	ConnectedAt      *time.Time `json:"connectedAt,omitempty"`
	LastConnected    *time.Time `json:"lastConnected,omitempty"`
	LastDisconnected *time.Time `json:"lastDisconnected,omitempty"`
	TotalRequests    int64      `json:"totalRequests"`
	TotalBandwidth   int64      `json:"totalBandwidth"`
	CreatedAt        time.Time  `json:"createdAt"`
}

// LiveStats holds the rolling per-tunnel counters mutated on every completed
// request. AvgResponseTime is last-wins and ErrorRate is an accumulator, not
// a rate; both are consumed as-is by dashboards.
type LiveStats struct {
	TunnelID         string    `json:"tunnelId"`
	RequestsLast5Min int64     `json:"requestsLast5Min"`
	RequestsLast1Hr  int64     `json:"requestsLast1Hour"`
	AvgResponseTime  float64   `json:"avgResponseTime"`
	ErrorRate        float64   `json:"errorRate"`
	LastUpdated      time.Time `json:"lastUpdated"`
}

// HourlyStats aggregates one tunnel's traffic for one UTC hour.
type HourlyStats struct {
	TunnelID        string    `json:"tunnelId"`
	Hour            time.Time `json:"hour"`
	TotalRequests   int64     `json:"totalRequests"`
	SuccessRequests int64     `json:"successRequests"`
	ErrorRequests   int64     `json:"errorRequests"`
	AvgResponseTime float64   `json:"avgResponseTime"`
	TotalBandwidth  int64     `json:"totalBandwidth"`
	UniqueIPs       int64     `json:"uniqueIps"`
	TopPaths        TopK      `json:"topPaths"`
	TopCountries    TopK      `json:"topCountries"`
	StatusCodes     TopK      `json:"statusCodes"`
}

// DailyStats rolls a day of hourly rows up into one record.
type DailyStats struct {
	TunnelID        string    `json:"tunnelId"`
	Date            time.Time `json:"date"`
	TotalRequests   int64     `json:"totalRequests"`
	SuccessRequests int64     `json:"successRequests"`
	ErrorRequests   int64     `json:"errorRequests"`
	AvgResponseTime float64   `json:"avgResponseTime"`
	TotalBandwidth  int64     `json:"totalBandwidth"`
	UniqueIPs       int64     `json:"uniqueIps"`
	PeakHour        int       `json:"peakHour"`
}

// RequestLog is one row per completed public request.
type RequestLog struct {
	ID           int64     `json:"id"`
	TunnelID     string    `json:"tunnelId"`
	Path         string    `json:"path"`
	Method       string    `json:"method"`
	StatusCode   int       `json:"statusCode"`
	ResponseTime int64     `json:"responseTime"`
	RequestSize  int64     `json:"requestSize"`
	ResponseSize int64     `json:"responseSize"`
	ClientIP     string    `json:"clientIp"`
	Country      string    `json:"country,omitempty"`
	UserAgent    string    `json:"userAgent,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// DeviceAuthCode is a short-lived activation code binding a headless agent to
// a user account. UserID and Token are populated by the browser-side flow.
type DeviceAuthCode struct {
	Code      string    `json:"code"`
	DeviceID  string    `json:"deviceId"`
	UserID    string    `json:"userId,omitempty"`
	Token     string    `json:"token,omitempty"`
	ExpiresAt time.Time `json:"expiresAt"`
	IsUsed    bool      `json:"isUsed"`
	Claimed   bool      `json:"claimed"`
	CreatedAt time.Time `json:"createdAt"`
}

// TopEntry is one (label, count) pair of a top-k mapping.
type TopEntry struct {
	Label string `json:"label"`
	Count int64  `json:"count"`
}

// TopK is an ordered set of at most k entries sorted by count descending.
// It is persisted as a JSON array so the ordering survives the round trip.
type TopK []TopEntry

// TopKFromCounts builds a TopK from a histogram, truncated to limit entries.
func TopKFromCounts(counts map[string]int64, limit int) TopK {
	out := make(TopK, 0, len(counts))
	for label, n := range counts {
		out = append(out, TopEntry{Label: label, Count: n})
	}
	out.sortDesc()
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Merge folds other into t and returns the result re-truncated to limit.
func (t TopK) Merge(other TopK, limit int) TopK {
	counts := make(map[string]int64, len(t)+len(other))
	for _, e := range t {
		counts[e.Label] += e.Count
	}
	for _, e := range other {
		counts[e.Label] += e.Count
	}
	return TopKFromCounts(counts, limit)
}

// Count returns the count stored for label, or zero.
func (t TopK) Count(label string) int64 {
	for _, e := range t {
		if e.Label == label {
			return e.Count
		}
	}
	return 0
}

func (t TopK) sortDesc() {
	sort.SliceStable(t, func(i, j int) bool {
		if t[i].Count != t[j].Count {
			return t[i].Count > t[j].Count
		}
		return t[i].Label < t[j].Label
	})
}

func (t TopK) encode() (string, error) {
	if len(t) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(t)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeTopK(s string) (TopK, error) {
	if s == "" {
		return nil, nil
	}
	var t TopK
	if err := json.Unmarshal([]byte(s), &t); err != nil {
		return nil, err
	}
	return t, nil
}
