package health

import (
	"context"
	"time"
)

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// DatabaseChecker reports whether db answers a ping within two seconds.
func DatabaseChecker(name string, db Pinger) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			return Status{Name: name, Healthy: false, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	}
}

// LoopChecker reports whether a background loop (expiration scheduler,
// reconciliation timer) is running.
func LoopChecker(name string, running func() bool) Checker {
	return func(_ context.Context) Status {
		if !running() {
			return Status{Name: name, Healthy: false, Detail: "not running"}
		}
		return Status{Name: name, Healthy: true}
	}
}
