package audit

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "opsgate/pkg/domain"
)

type flakyStore struct {
	err     error
	appends int
}

func (s *flakyStore) Append(context.Context, Event) error {
	s.appends++
	return s.err
}

func (s *flakyStore) ListByUser(context.Context, id.UserID) ([]Event, error) {
	return nil, nil
}

func TestGuardedStoreOpensAfterRepeatedFailures(t *testing.T) {
	ctx := context.Background()
	inner := &flakyStore{err: errors.New("broker down")}
	g := NewGuardedStore(inner, "test-sink", slog.New(slog.DiscardHandler))

	for i := 0; i < 5; i++ {
		require.Error(t, g.Append(ctx, Event{Action: "login"}))
	}
	assert.Equal(t, 5, inner.appends)

	// Breaker is open: appends are dropped without reaching the sink,
	// except the periodic probe, which already fired once above.
	g.mu.Lock()
	g.lastProbe = time.Now()
	g.mu.Unlock()
	for i := 0; i < 10; i++ {
		require.NoError(t, g.Append(ctx, Event{Action: "login"}))
	}
	assert.Equal(t, 5, inner.appends)
}

func TestGuardedStoreProbesAndRecovers(t *testing.T) {
	ctx := context.Background()
	inner := &flakyStore{err: errors.New("broker down")}
	g := NewGuardedStore(inner, "test-sink", slog.New(slog.DiscardHandler))
	g.probeInterval = time.Millisecond

	for i := 0; i < 5; i++ {
		require.Error(t, g.Append(ctx, Event{Action: "login"}))
	}

	// Sink recovers; the next probe closes the breaker again.
	inner.err = nil
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, g.Append(ctx, Event{Action: "login"}))

	before := inner.appends
	require.NoError(t, g.Append(ctx, Event{Action: "login"}))
	assert.Equal(t, before+1, inner.appends, "closed breaker passes every append through")
}

func TestGuardedStorePassesThroughWhenHealthy(t *testing.T) {
	ctx := context.Background()
	inner := &flakyStore{}
	g := NewGuardedStore(inner, "test-sink", slog.New(slog.DiscardHandler))

	for i := 0; i < 3; i++ {
		require.NoError(t, g.Append(ctx, Event{Action: "login"}))
	}
	assert.Equal(t, 3, inner.appends)
}
