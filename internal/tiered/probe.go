package tiered

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/smolin/medvault/internal/common"
	"github.com/smolin/medvault/internal/logging"
	"github.com/smolin/medvault/internal/remote"
)

// Probe tracks remote reachability. While the remote is known
// unavailable the facade skips it entirely instead of paying a network
// timeout on every call; a background check flips the flag back once
// the remote answers again.
type Probe struct {
	check    func(ctx context.Context) error
	interval time.Duration
	log      logging.Logger

	mu     sync.Mutex
	online bool

	stopOnce sync.Once
	stop     chan struct{}
}

// NewProbe starts optimistic: the remote is assumed reachable until a
// call fails.
func NewProbe(check func(ctx context.Context) error, interval time.Duration, log logging.Logger) *Probe {
	if log == nil {
		log = logging.NopLogger{}
	}
	return &Probe{
		check:    check,
		interval: interval,
		log:      log,
		online:   true,
		stop:     make(chan struct{}),
	}
}

// PingStore builds a probe check out of a cheap read against the store.
// Any answer, including "not found", proves reachability; only
// transport failures count as offline.
func PingStore(store remote.Store, collection string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := store.GetByID(ctx, collection, "__reachability_probe__")
		if err != nil && errors.Is(err, common.ErrRemoteUnavailable) {
			return err
		}
		return nil
	}
}

// Start launches the periodic background check. Stop via Stop or by
// cancelling ctx.
func (p *Probe) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stop:
				return
			case <-ticker.C:
				was := p.Online()
				if err := p.check(ctx); err != nil {
					p.MarkOffline()
					if was {
						p.log.Warn(ctx, "remote store unreachable", "err", err)
					}
				} else {
					p.MarkOnline()
					if !was {
						p.log.Info(ctx, "remote store reachable again")
					}
				}
			}
		}
	}()
}

// Stop terminates the background check.
func (p *Probe) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

// Online reports the current reachability belief.
func (p *Probe) Online() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online
}

// MarkOffline records a failed remote call.
func (p *Probe) MarkOffline() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online = false
}

// MarkOnline records a successful remote call.
func (p *Probe) MarkOnline() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online = true
}
