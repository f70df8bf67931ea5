package models

import "time"

// Worker is one backend process instance in the health registry. Each
// process writes only its own row; every process reads all rows.
type Worker struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Active         bool       `json:"active"`
	Healthy        bool       `json:"healthy"`
	Load           int        `json:"load"`
	Capacity       int        `json:"capacity"`
	Priority       int        `json:"priority"`
	ResponseTimeMs int        `json:"response_time_ms"`
	LastHeartbeat  *time.Time `json:"last_heartbeat,omitempty"`
}

// Stale reports whether the worker's heartbeat is older than the
// staleness threshold. A nil heartbeat (newly joined, never beaten) is
// not stale; staleness is a read-time judgment, never written back.
func (w Worker) Stale(now time.Time, threshold time.Duration) bool {
	if w.LastHeartbeat == nil {
		return false
	}
	return now.Sub(*w.LastHeartbeat) > threshold
}

// Eligible reports whether the worker can accept another device session.
func (w Worker) Eligible(now time.Time, threshold time.Duration) bool {
	return w.Active && w.Healthy && w.Load < w.Capacity && !w.Stale(now, threshold)
}

// LoadRatio is load over capacity, used as an assignment tie-breaker.
func (w Worker) LoadRatio() float64 {
	if w.Capacity <= 0 {
		return 1
	}
	return float64(w.Load) / float64(w.Capacity)
}
