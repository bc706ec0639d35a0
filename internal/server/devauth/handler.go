// Package devauth exposes the device activation endpoints a headless agent
// uses to obtain a session token. The browser-side sign-in that approves a
// code lives elsewhere; this package only issues codes and hands the bound
// token back to the polling agent.
package devauth

import (
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/essajiwa/tunneld/internal/database"
	"github.com/essajiwa/tunneld/internal/server/auth"
	"github.com/essajiwa/tunneld/internal/server/ratelimit"
	"github.com/gorilla/mux"
)

const (
	codeTTL       = 15 * time.Minute
	codeAttempts  = 10
	sweepInterval = time.Hour
)

// Handler serves the device-auth endpoints.
type Handler struct {
	repo *database.Repository

	createLimit *ratelimit.Limiter
	verifyLimit *ratelimit.Limiter
	pollLimit   *ratelimit.Limiter

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewHandler creates the device-auth handler with the standard per-IP
// limits: 5/min create, 10/min verify, 30/min poll.
func NewHandler(repo *database.Repository) *Handler {
	return &Handler{
		repo:        repo,
		createLimit: ratelimit.New(5, time.Minute),
		verifyLimit: ratelimit.New(10, time.Minute),
		pollLimit:   ratelimit.New(30, time.Minute),
		stop:        make(chan struct{}),
	}
}

// Register mounts the endpoints on the router.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/auth/device/code", h.handleCreate).Methods(http.MethodPost)
	r.HandleFunc("/auth/device/verify", h.handleVerify).Methods(http.MethodPost)
	r.HandleFunc("/auth/device/poll", h.handlePoll).Methods(http.MethodGet)
}

// StartSweeper launches the expired-code cleanup loop.
func (h *Handler) StartSweeper() {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				n, err := h.repo.DeleteExpiredDeviceCodes(time.Now().UTC())
				if err != nil {
					log.Printf("Failed to delete expired device codes: %v", err)
				} else if n > 0 {
					log.Printf("Deleted %d expired device codes", n)
				}
				h.createLimit.Sweep()
				h.verifyLimit.Sweep()
				h.pollLimit.Sweep()
			case <-h.stop:
				return
			}
		}
	}()
}

// Stop halts the sweeper.
func (h *Handler) Stop() {
	close(h.stop)
	h.wg.Wait()
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	if !h.createLimit.Allow(clientIP(r)) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var code string
	for attempt := 0; attempt < codeAttempts; attempt++ {
		candidate, err := auth.NewDeviceCode()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to generate code")
			return
		}
		existing, err := h.repo.FindDeviceCode(candidate)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if existing == nil {
			code = candidate
			break
		}
	}
	if code == "" {
		writeError(w, http.StatusInternalServerError, "failed to allocate device code")
		return
	}

	record := &database.DeviceAuthCode{
		Code:      code,
		DeviceID:  auth.NewDeviceID(),
		ExpiresAt: time.Now().UTC().Add(codeTTL),
	}
	if err := h.repo.CreateDeviceCode(record); err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"code":      record.Code,
		"deviceId":  record.DeviceID,
		"expiresAt": record.ExpiresAt,
	})
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	if !h.verifyLimit.Allow(clientIP(r)) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}

	record, err := h.repo.FindDeviceCode(strings.ToUpper(req.Code))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	valid := record != nil && !record.IsUsed && record.ExpiresAt.After(time.Now().UTC())
	resp := map[string]interface{}{"valid": valid}
	if record != nil {
		resp["expiresAt"] = record.ExpiresAt
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handlePoll(w http.ResponseWriter, r *http.Request) {
	if !h.pollLimit.Allow(clientIP(r)) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	code := strings.ToUpper(r.URL.Query().Get("code"))
	if code == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}

	record, err := h.repo.FindDeviceCode(code)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if record == nil {
		writeError(w, http.StatusNotFound, "unknown device code")
		return
	}
	if record.IsUsed {
		writeError(w, http.StatusGone, "device code already used")
		return
	}
	if record.ExpiresAt.Before(time.Now().UTC()) {
		writeError(w, http.StatusGone, "device code expired")
		return
	}
	if record.Token == "" {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "pending"})
		return
	}

	if err := h.repo.ClaimDeviceCode(code); err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": record.Token})
}

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

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
