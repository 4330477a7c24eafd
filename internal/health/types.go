package health

import "time"

// Status represents the health state of a tracked dependency
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// Snapshot is a point-in-time view of one dependency's health
type Snapshot struct {
	Name          string    `json:"name"`
	Status        Status    `json:"status"`
	LastChecked   time.Time `json:"lastChecked"`
	LastSuccessAt time.Time `json:"lastSuccessAt,omitempty"`
	FailureCount  int       `json:"failureCount"`
	LastError     string    `json:"lastError,omitempty"`
	LatencyMs     int       `json:"latencyMs"`
}

// Transition describes a health state change worth announcing
type Transition struct {
	Name      string
	From      Status
	To        Status
	LastError string
}
