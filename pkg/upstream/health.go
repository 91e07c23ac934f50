package upstream

import (
	"errors"
	"sync"
	"time"
)

const (
	HealthUnknown = "unknown"
	HealthOnline  = "online"
	HealthOffline = "offline"
	HealthBlocked = "blocked"
	// HealthRejecting means the upstream answered but refused the request.
	HealthRejecting = "rejecting"
)

type HealthSnapshot struct {
	Status     string    `json:"status"`
	ResponseMS int64     `json:"response_ms"`
	CheckedAt  time.Time `json:"checked_at,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
}

// Health keeps the most recent observation of upstream reachability, fed by
// the client's own create and query calls. There is no active probing: every
// probe would have to forge a session and create a real task.
type Health struct {
	mu   sync.RWMutex
	snap HealthSnapshot
	now  func() time.Time
}

func NewHealth() *Health {
	return &Health{
		snap: HealthSnapshot{Status: HealthUnknown},
		now:  time.Now,
	}
}

func (h *Health) Record(latency time.Duration, err error) {
	if h == nil {
		return
	}
	snap := HealthSnapshot{
		Status:     HealthOnline,
		ResponseMS: latency.Milliseconds(),
		CheckedAt:  h.now().UTC(),
	}
	if err != nil {
		snap.LastError = err.Error()
		var httpErr *HTTPError
		switch {
		case IsBlocked(err):
			snap.Status = HealthBlocked
		case errors.Is(err, ErrRejected), errors.As(err, &httpErr) && httpErr.StatusCode < 500:
			snap.Status = HealthRejecting
		default:
			snap.Status = HealthOffline
		}
	}
	h.mu.Lock()
	h.snap = snap
	h.mu.Unlock()
}

func (h *Health) Snapshot() HealthSnapshot {
	if h == nil {
		return HealthSnapshot{Status: HealthUnknown}
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.snap
}
