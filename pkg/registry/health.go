package registry

import (
	"context"
	"time"
)

// Health checks the registry and its session store.
func (r *Registry) Health(ctx context.Context) *HealthOutput {
	store := "disabled"
	status := "healthy"

	if r.store != nil {
		if err := r.store.Ping(ctx); err != nil {
			store = "error"
			status = "degraded"
		} else {
			store = "ok"
		}
	}

	return &HealthOutput{
		Status: status,
		Checks: HealthChecks{
			Store:  store,
			Agents: r.Count(),
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}
