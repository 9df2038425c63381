package entities

import "time"

type HealthStatus string

const (
	HealthStatusOK          HealthStatus = "ok"
	HealthStatusUnavailable HealthStatus = "unavailable"
)

type HealthResponse struct {
	Status  HealthStatus `json:"status"`
	Failing []string     `json:"failing,omitempty"`
}

type ScanRequest struct {
	// At overrides the scan clock, the day window is derived from it.
	At *time.Time `json:"at,omitempty"`
}

type ScanResponse struct {
	Published int      `json:"published"`
	Skipped   bool     `json:"skipped"`
	Errors    []string `json:"errors,omitempty"`
}
