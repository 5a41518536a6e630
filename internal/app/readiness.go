package app

import (
	"context"
	"fmt"
)

// Pinger is the minimal interface for a database handle capable of Ping.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// BuildReadinessChecks returns the database readiness check.
func BuildReadinessChecks(db Pinger) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if db == nil {
			return fmt.Errorf("db not configured")
		}
		return db.PingContext(ctx)
	}
}
