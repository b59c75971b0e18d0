package tiered

import (
	"context"
	"testing"
	"time"

	"github.com/smolin/medvault/internal/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbe_StartsOptimistic(t *testing.T) {
	p := NewProbe(func(context.Context) error { return nil }, time.Hour, nil)
	defer p.Stop()
	assert.True(t, p.Online())
}

func TestProbe_MarkTransitions(t *testing.T) {
	p := NewProbe(func(context.Context) error { return nil }, time.Hour, nil)
	defer p.Stop()

	p.MarkOffline()
	assert.False(t, p.Online())
	p.MarkOnline()
	assert.True(t, p.Online())
}

func TestPingStore_NotFoundStillCountsAsReachable(t *testing.T) {
	rs := remote.NewMemory()
	check := PingStore(rs, "medications")

	require.NoError(t, check(context.Background()))

	rs.SetUnavailable(true)
	assert.Error(t, check(context.Background()))
}

func TestProbe_BackgroundCheckRecovers(t *testing.T) {
	rs := remote.NewMemory()
	rs.SetUnavailable(true)

	p := NewProbe(PingStore(rs, "medications"), 10*time.Millisecond, nil)
	defer p.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	require.Eventually(t, func() bool { return !p.Online() },
		time.Second, 5*time.Millisecond, "probe should notice the outage")

	rs.SetUnavailable(false)
	require.Eventually(t, p.Online,
		time.Second, 5*time.Millisecond, "probe should notice the recovery")
}
