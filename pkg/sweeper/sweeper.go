package sweeper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gentmat/bore-control/pkg/cache"
	"github.com/gentmat/bore-control/pkg/clock"
	"github.com/gentmat/bore-control/pkg/instance"
	"github.com/gentmat/bore-control/pkg/log"
	"github.com/gentmat/bore-control/pkg/metrics"
	"github.com/gentmat/bore-control/pkg/relay"
	"github.com/gentmat/bore-control/pkg/store"
	"github.com/gentmat/bore-control/pkg/token"
	"github.com/gentmat/bore-control/pkg/types"
)

// Config holds the sweeper intervals and timeouts
type Config struct {
	HeartbeatTimeout   time.Duration
	CheckInterval      time.Duration
	TokenReapInterval  time.Duration
	RelayProbeInterval time.Duration
}

// Sweeper runs the background maintenance loops: demoting silent instances
// to offline, reaping expired tunnel tokens, and probing relays.
type Sweeper struct {
	cfg      Config
	store    store.Store
	manager  *instance.Manager
	broker   *token.Broker
	registry *relay.Registry
	liveness *cache.Liveness
	clock    clock.Clock

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// New creates a sweeper
func New(cfg Config, st store.Store, mgr *instance.Manager, broker *token.Broker, registry *relay.Registry, liveness *cache.Liveness, clk clock.Clock) *Sweeper {
	if clk == nil {
		clk = clock.Real()
	}
	return &Sweeper{
		cfg:      cfg,
		store:    st,
		manager:  mgr,
		broker:   broker,
		registry: registry,
		liveness: liveness,
		clock:    clk,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the loops
func (s *Sweeper) Start() {
	s.wg.Add(3)
	go s.loop(s.cfg.CheckInterval, s.DemoteSilent)
	go s.loop(s.cfg.TokenReapInterval, s.ReapTokens)
	go s.loop(s.cfg.RelayProbeInterval, s.ProbeRelays)
	log.WithComponent("sweeper").Info().
		Dur("check_interval", s.cfg.CheckInterval).
		Dur("heartbeat_timeout", s.cfg.HeartbeatTimeout).
		Msg("sweeper started")
}

// Stop signals the loops and waits for them to drain
func (s *Sweeper) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Sweeper) loop(interval time.Duration, pass func(context.Context)) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			pass(ctx)
			cancel()
		case <-s.stopCh:
			return
		}
	}
}

// DemoteSilent marks connected instances offline when their last heartbeat
// is older than the heartbeat timeout. Instances stuck in starting, whose
// relay callback never came, move to error instead so they stop holding a
// quota slot.
func (s *Sweeper) DemoteSilent(ctx context.Context) {
	instances, err := s.store.ListInstancesByStatuses(ctx,
		types.StatusStarting, types.StatusActive, types.StatusOnline, types.StatusIdle, types.StatusDegraded)
	if err != nil {
		log.WithComponent("sweeper").Error().Err(err).Msg("failed to list connected instances")
		metrics.UpdateComponent("store", false, err.Error())
		return
	}
	metrics.UpdateComponent("store", true, "connected")

	now := s.clock.Now()
	for _, inst := range instances {
		lastSeen, ok := s.liveness.LastSeen(ctx, inst.ID)
		if !ok {
			// No liveness entry at all; fall back to the instance's
			// last update so a freshly connected tunnel gets a full
			// timeout window before demotion.
			lastSeen = inst.UpdatedAt
		}
		if now.Sub(lastSeen) < s.cfg.HeartbeatTimeout {
			continue
		}

		target, reason := types.StatusOffline, "heartbeat timeout"
		if inst.Status == types.StatusStarting {
			target, reason = types.StatusError, "tunnel never connected"
		}
		if _, err := s.manager.ApplyStatus(ctx, inst.ID, target, reason); err != nil {
			log.WithInstanceID(inst.ID).Error().Err(err).Msg("failed to demote silent instance")
			continue
		}
		metrics.InstancesDemoted.Inc()
		log.WithInstanceID(inst.ID).Warn().
			Time("last_seen", lastSeen).
			Str("status", string(target)).
			Msg("silent instance demoted")
	}
}

// ReapTokens deletes expired tunnel tokens
func (s *Sweeper) ReapTokens(ctx context.Context) {
	if _, err := s.broker.ReapExpired(ctx); err != nil {
		log.WithComponent("sweeper").Error().Err(err).Msg("token reap failed")
	}
}

// ProbeRelays health-checks every known relay through its circuit breaker
// and reports fleet health to the health endpoint.
func (s *Sweeper) ProbeRelays(ctx context.Context) {
	relays := s.registry.List()
	healthy := 0
	for _, r := range relays {
		if err := s.registry.Probe(ctx, r.ID); err != nil {
			log.WithRelayID(r.ID).Debug().Err(err).Msg("relay probe failed")
			continue
		}
		healthy++
	}
	if len(relays) == 0 {
		metrics.UpdateComponent("relays", false, "no relays registered")
		return
	}
	metrics.UpdateComponent("relays", healthy > 0, fmt.Sprintf("%d/%d relays healthy", healthy, len(relays)))
}
