package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/signal_copy_trader/internal/domain"
	"go.uber.org/zap"
)

func TestCapacityGateNeverOverAdmits(t *testing.T) {
	g := NewCapacityGate(5)
	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, rejected := 0, 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := g.TryAcquire(fmt.Sprintf("T-%d", i))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else if errors.Is(err, domain.ErrCapacityExceeded) {
				rejected++
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 5, ok)
	assert.Equal(t, 45, rejected)
	assert.Equal(t, 5, g.Active())
}

func TestCapacityGateReleaseAndRestore(t *testing.T) {
	g := NewCapacityGate(1)
	require.NoError(t, g.TryAcquire("A"))
	require.NoError(t, g.TryAcquire("A"), "re-acquiring the same trade is a no-op")
	assert.ErrorIs(t, g.TryAcquire("B"), domain.ErrCapacityExceeded)

	g.Release("A")
	require.NoError(t, g.TryAcquire("B"))

	g.Restore("C")
	assert.Equal(t, 2, g.Active())
}

func TestAdmissionBreakerTripsAndRecovers(t *testing.T) {
	cfg := BreakerSettings{ConsecutiveFailures: 3, Window: time.Minute, Cooldown: 50 * time.Millisecond}
	b := NewAdmissionBreaker(cfg, zap.NewNop(), nil)

	for i := 0; i < 3; i++ {
		ticket, err := b.Admit()
		require.NoError(t, err)
		ticket.Resolve(false)
		ticket.Resolve(true) // ignored, first outcome wins
	}
	assert.Equal(t, gobreaker.StateOpen, b.State())

	_, err := b.Admit()
	assert.ErrorIs(t, err, domain.ErrAdmissionPaused)

	time.Sleep(80 * time.Millisecond)
	ticket, err := b.Admit()
	require.NoError(t, err, "half-open lets one trial through")
	_, err = b.Admit()
	assert.ErrorIs(t, err, domain.ErrAdmissionPaused)

	ticket.Resolve(true)
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestCapacityGateSync(t *testing.T) {
	repo := newMemRepo()
	ctx := context.Background()
	require.NoError(t, repo.SaveTrade(ctx, &domain.Trade{ID: "X", State: domain.StateTPSLPlaced}))
	require.NoError(t, repo.SaveTrade(ctx, &domain.Trade{ID: "Y", State: domain.StateDone}))

	g := NewCapacityGate(10)
	require.NoError(t, g.Sync(ctx, repo))
	assert.Equal(t, 1, g.Active())
}
