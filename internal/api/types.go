// Package api provides the local status HTTP server.
package api

// HealthResponse represents the health check response
type HealthResponse struct {
	Status string `json:"status" example:"healthy"`
}

// ReadinessResponse represents the readiness check response
type ReadinessResponse struct {
	Status  string `json:"status" example:"ready"`
	Backend string `json:"backend" example:"healthy"`
}
