package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	id "opsgate/pkg/domain"
	"opsgate/pkg/platform/circuit"
)

// GuardedStore wraps a flaky sink (typically Kafka) with a circuit breaker.
// While the breaker is open, appends are dropped instead of stalling the
// audit pipeline; a periodic probe rediscovers a recovered sink.
type GuardedStore struct {
	inner   Store
	breaker *circuit.Breaker
	logger  *slog.Logger

	probeInterval time.Duration
	mu            sync.Mutex
	lastProbe     time.Time
}

// NewGuardedStore wraps the store. The breaker opens after five consecutive
// failures and probes the sink every 30 seconds while open.
func NewGuardedStore(inner Store, name string, logger *slog.Logger) *GuardedStore {
	return &GuardedStore{
		inner:         inner,
		breaker:       circuit.New(name),
		logger:        logger,
		probeInterval: 30 * time.Second,
	}
}

func (g *GuardedStore) Append(ctx context.Context, event Event) error {
	if g.breaker.IsOpen() && !g.shouldProbe() {
		return nil
	}

	if err := g.inner.Append(ctx, event); err != nil {
		if _, change := g.breaker.RecordFailure(); change.Opened {
			g.logger.Warn("audit sink suspended",
				"sink", g.breaker.Name(), "error", err)
		}
		return err
	}

	if _, change := g.breaker.RecordSuccess(); change.Closed {
		g.logger.Info("audit sink recovered", "sink", g.breaker.Name())
	}
	return nil
}

func (g *GuardedStore) ListByUser(ctx context.Context, userID id.UserID) ([]Event, error) {
	return g.inner.ListByUser(ctx, userID)
}

func (g *GuardedStore) shouldProbe() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if time.Since(g.lastProbe) < g.probeInterval {
		return false
	}
	g.lastProbe = time.Now()
	return true
}
