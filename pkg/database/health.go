package database

import (
	"context"
	"time"
)

// HealthStatus describes database reachability for the status surface.
type HealthStatus struct {
	Reachable bool   `json:"reachable"`
	Error     string `json:"error,omitempty"`
	Path      string `json:"path"`
}

// Health pings the database with a short timeout.
func (c *Client) Health(ctx context.Context) HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	status := HealthStatus{Path: c.path}
	if err := c.db.PingContext(ctx); err != nil {
		status.Error = err.Error()
		return status
	}
	var one int
	if err := c.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		status.Error = err.Error()
		return status
	}
	status.Reachable = true
	return status
}
