package metrics

import (
	"log"
	"strconv"
	"time"

	"github.com/essajiwa/tunneld/internal/database"
)

const topKLimit = 10

// aggregateHour computes one hourly-stats row from a flushed group. ips is
// the unique-IP helper set accumulated during capture; when it is nil, the
// distinct IPs of the batch stand in.
func aggregateHour(key hourKey, metrics []*Metric, ips map[string]struct{}) *database.HourlyStats {
	var (
		total, success, failures int64
		responseTimeSum          int64
		bandwidth                int64
	)
	paths := make(map[string]int64)
	countries := make(map[string]int64)
	statusCodes := make(map[string]int64)

	if ips == nil {
		ips = make(map[string]struct{})
		for _, m := range metrics {
			ips[m.ClientIP] = struct{}{}
		}
	}

	for _, m := range metrics {
		total++
		if m.StatusCode >= 400 {
			failures++
		} else {
			success++
		}
		responseTimeSum += m.ResponseTime
		bandwidth += m.RequestSize + m.ResponseSize
		paths[m.Method+" "+m.Path]++
		if m.Country != "" {
			countries[m.Country]++
		}
		statusCodes[strconv.Itoa(m.StatusCode)]++
	}

	avg := 0.0
	if total > 0 {
		avg = float64(responseTimeSum) / float64(total)
	}

	return &database.HourlyStats{
		TunnelID:        key.tunnelID,
		Hour:            key.hour,
		TotalRequests:   total,
		SuccessRequests: success,
		ErrorRequests:   failures,
		AvgResponseTime: avg,
		TotalBandwidth:  bandwidth,
		UniqueIPs:       int64(len(ips)),
		TopPaths:        database.TopKFromCounts(paths, topKLimit),
		TopCountries:    database.TopKFromCounts(countries, topKLimit),
		StatusCodes:     database.TopKFromCounts(statusCodes, topKLimit),
	}
}

// runDaily arms a timer for the next local midnight and rolls up yesterday
// once per day after that.
func (p *Pipeline) runDaily() {
	defer p.wg.Done()

	timer := time.NewTimer(untilNextMidnight(time.Now()))
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			p.RollupDaily(time.Now())
			timer.Reset(24 * time.Hour)
		case <-p.stop:
			return
		}
	}
}

func untilNextMidnight(now time.Time) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
	return next.Sub(now)
}

// RollupDaily folds yesterday's hourly rows (local calendar day) into one
// daily row per tunnel. The averaged avg_response_time across hour rows is
// approximate, as is summing unique-IP counts.
func (p *Pipeline) RollupDaily(now time.Time) {
	loc := now.Location()
	yesterday := now.AddDate(0, 0, -1)
	start := time.Date(yesterday.Year(), yesterday.Month(), yesterday.Day(), 0, 0, 0, 0, loc)
	end := start.AddDate(0, 0, 1)

	rows, err := p.repo.ListHourlyStatsBetween(start.UTC(), end.UTC())
	if err != nil {
		log.Printf("Daily rollup query failed: %v", err)
		return
	}
	if len(rows) == 0 {
		return
	}

	date := time.Date(yesterday.Year(), yesterday.Month(), yesterday.Day(), 0, 0, 0, 0, time.UTC)

	byTunnel := make(map[string][]*database.HourlyStats)
	for _, row := range rows {
		byTunnel[row.TunnelID] = append(byTunnel[row.TunnelID], row)
	}

	for tunnelID, hours := range byTunnel {
		daily := &database.DailyStats{TunnelID: tunnelID, Date: date}
		var responseTimeSum float64
		var peakRequests int64 = -1
		for _, h := range hours {
			daily.TotalRequests += h.TotalRequests
			daily.SuccessRequests += h.SuccessRequests
			daily.ErrorRequests += h.ErrorRequests
			daily.TotalBandwidth += h.TotalBandwidth
			daily.UniqueIPs += h.UniqueIPs
			responseTimeSum += h.AvgResponseTime
			if h.TotalRequests > peakRequests {
				peakRequests = h.TotalRequests
				daily.PeakHour = h.Hour.In(loc).Hour()
			}
		}
		daily.AvgResponseTime = responseTimeSum / float64(len(hours))

		if err := p.repo.UpsertDailyStats(daily); err != nil {
			log.Printf("Failed to upsert daily stats for %s: %v", tunnelID, err)
		}
	}
	log.Printf("Daily rollup completed for %d tunnels (%s)", len(byTunnel), date.Format("2006-01-02"))
}
