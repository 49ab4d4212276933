package relay

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gentmat/bore-control/pkg/breaker"
	"github.com/gentmat/bore-control/pkg/cache"
	"github.com/gentmat/bore-control/pkg/clock"
	"github.com/gentmat/bore-control/pkg/errdefs"
	"github.com/gentmat/bore-control/pkg/events"
	"github.com/gentmat/bore-control/pkg/log"
	"github.com/gentmat/bore-control/pkg/metrics"
	"github.com/gentmat/bore-control/pkg/store"
	"github.com/gentmat/bore-control/pkg/types"
)

// bandwidth reports are smoothed so a single burst does not flip scheduling
const bandwidthAlpha = 0.3

// ProbeFunc checks whether a relay is reachable and serving
type ProbeFunc func(ctx context.Context, r *types.Relay) error

// Registry tracks the relay fleet. The in-memory map is authoritative for
// scheduling; the store mirrors it so registrations survive restarts.
type Registry struct {
	store      store.Store
	bus        *events.Bus
	clock      clock.Clock
	probeFn    ProbeFunc
	breakerCfg breaker.Settings
	loads      *cache.RelayLoads

	mu       sync.RWMutex
	relays   map[string]*types.Relay
	breakers map[string]*breaker.Breaker
}

// NewRegistry creates a relay registry. probeFn may be nil to use the
// default HTTP health probe.
func NewRegistry(st store.Store, bus *events.Bus, clk clock.Clock, breakerCfg breaker.Settings, probeFn ProbeFunc) *Registry {
	if clk == nil {
		clk = clock.Real()
	}
	if probeFn == nil {
		probeFn = httpProbe
	}
	return &Registry{
		store:      st,
		bus:        bus,
		clock:      clk,
		probeFn:    probeFn,
		breakerCfg: breakerCfg,
		relays:     make(map[string]*types.Relay),
		breakers:   make(map[string]*breaker.Breaker),
	}
}

// SetLoadMirror attaches a cache mirror for load reports, so other control
// plane replicas can read recent relay load without hitting the store.
func (reg *Registry) SetLoadMirror(loads *cache.RelayLoads) {
	reg.loads = loads
}

func httpProbe(ctx context.Context, r *types.Relay) error {
	url := fmt.Sprintf("http://%s:%d/health", r.Host, r.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("relay %s health returned %d", r.ID, resp.StatusCode)
	}
	return nil
}

// Hydrate loads persisted relays into the registry, typically at startup
func (reg *Registry) Hydrate(ctx context.Context) error {
	relays, err := reg.store.ListRelays(ctx)
	if err != nil {
		return err
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	for _, r := range relays {
		cp := *r
		reg.relays[cp.ID] = &cp
	}
	reg.updateMetricsLocked()
	return nil
}

// Register adds or refreshes a relay. Load counters are preserved across
// re-registration of a known relay.
func (reg *Registry) Register(ctx context.Context, r *types.Relay) error {
	if r.ID == "" || r.Host == "" || r.Port == 0 {
		return errdefs.Validation("relay id, host, and port are required")
	}
	if r.MaxTunnels <= 0 {
		return errdefs.Validation("relay max_tunnels must be positive")
	}

	now := reg.clock.Now()
	r.Status = types.RelayActive
	r.LastHealthCheck = now

	reg.mu.Lock()
	if existing, ok := reg.relays[r.ID]; ok {
		r.CurrentLoad = existing.CurrentLoad
		r.CurrentBW = existing.CurrentBW
	}
	cp := *r
	reg.relays[cp.ID] = &cp
	if _, ok := reg.breakers[cp.ID]; !ok {
		cfg := reg.breakerCfg
		cfg.Name = "relay-" + cp.ID
		reg.breakers[cp.ID] = breaker.New(cfg)
	}
	reg.updateMetricsLocked()
	reg.mu.Unlock()

	if err := reg.store.UpsertRelay(ctx, r); err != nil {
		return err
	}

	logger := log.WithRelayID(r.ID)
	logger.Info().Str("host", r.Host).Int("port", r.Port).Str("location", r.Location).Msg("relay registered")

	reg.bus.Publish(&events.Event{
		Type: events.EventRelayRegistered,
		Metadata: map[string]string{
			"relayId":  r.ID,
			"location": r.Location,
		},
	})
	return nil
}

// ReportLoad updates a relay's tunnel count and bandwidth. Bandwidth is
// folded into an exponential moving average.
func (reg *Registry) ReportLoad(ctx context.Context, relayID string, activeTunnels int, bwMbps float64) error {
	reg.mu.Lock()
	r, ok := reg.relays[relayID]
	if !ok {
		reg.mu.Unlock()
		return errdefs.NotFound("relay not found")
	}
	r.CurrentLoad = activeTunnels
	if r.CurrentBW == 0 {
		r.CurrentBW = bwMbps
	} else {
		r.CurrentBW = bandwidthAlpha*bwMbps + (1-bandwidthAlpha)*r.CurrentBW
	}
	load, bw := r.CurrentLoad, r.CurrentBW
	reg.mu.Unlock()

	reg.updateMetrics()
	if reg.loads != nil {
		reg.loads.Store(ctx, relayID, load, bw)
	}
	return reg.store.UpdateRelayLoad(ctx, relayID, load, bw)
}

// Best picks the relay with the lowest utilization among active relays with
// free tunnel slots. A preferred host wins when it is eligible. Ties break
// by relay ID so placement is deterministic.
func (reg *Registry) Best(preferredHost *string) (*types.Relay, error) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	var candidates []*types.Relay
	for _, r := range reg.relays {
		if r.Status != types.RelayActive {
			continue
		}
		if r.CurrentLoad >= r.MaxTunnels {
			continue
		}
		candidates = append(candidates, r)
	}
	if len(candidates) == 0 {
		return nil, errdefs.CapacityExceeded("no relay capacity available")
	}

	if preferredHost != nil {
		for _, r := range candidates {
			if r.Host == *preferredHost {
				cp := *r
				return &cp, nil
			}
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		ui, uj := candidates[i].Utilization(), candidates[j].Utilization()
		if ui != uj {
			return ui < uj
		}
		return candidates[i].ID < candidates[j].ID
	})
	cp := *candidates[0]
	return &cp, nil
}

// Get returns a copy of the relay by ID
func (reg *Registry) Get(relayID string) (*types.Relay, error) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.relays[relayID]
	if !ok {
		return nil, errdefs.NotFound("relay not found")
	}
	cp := *r
	return &cp, nil
}

// List returns all known relays sorted by ID
func (reg *Registry) List() []*types.Relay {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make([]*types.Relay, 0, len(reg.relays))
	for _, r := range reg.relays {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FleetStats aggregates utilization over active relays. An empty fleet
// yields zero-valued stats rather than an error.
func (reg *Registry) FleetStats() types.FleetStats {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	stats := types.FleetStats{Servers: []types.RelayDetail{}}
	for _, r := range reg.relays {
		if r.Status != types.RelayActive {
			continue
		}
		stats.ServerCount++
		stats.TotalCapacity += r.MaxTunnels
		stats.TotalLoad += r.CurrentLoad
		stats.TotalBandwidth += r.MaxBandwidth / 1000
		stats.UsedBandwidth += r.CurrentBW / 1000
		stats.Servers = append(stats.Servers, types.RelayDetail{
			ID:             r.ID,
			Location:       r.Location,
			Load:           r.CurrentLoad,
			MaxTunnels:     r.MaxTunnels,
			UtilizationPct: r.Utilization(),
		})
	}
	sort.Slice(stats.Servers, func(i, j int) bool { return stats.Servers[i].ID < stats.Servers[j].ID })

	if stats.TotalCapacity > 0 {
		stats.UtilizationPct = float64(stats.TotalLoad) / float64(stats.TotalCapacity) * 100
	}
	if stats.TotalBandwidth > 0 {
		stats.BWUtilizationPct = stats.UsedBandwidth / stats.TotalBandwidth * 100
	}
	return stats
}

// Probe health-checks a relay through its circuit breaker, flipping its
// status on failure and recovery.
func (reg *Registry) Probe(ctx context.Context, relayID string) error {
	reg.mu.RLock()
	r, ok := reg.relays[relayID]
	var cp types.Relay
	if ok {
		cp = *r
	}
	br := reg.breakers[relayID]
	reg.mu.RUnlock()

	if !ok {
		return errdefs.NotFound("relay not found")
	}
	if br == nil {
		cfg := reg.breakerCfg
		cfg.Name = "relay-" + relayID
		br = breaker.New(cfg)
		reg.mu.Lock()
		reg.breakers[relayID] = br
		reg.mu.Unlock()
	}

	err := br.Do(ctx, func(callCtx context.Context) error {
		return reg.probeFn(callCtx, &cp)
	})

	now := reg.clock.Now()
	if err != nil {
		reg.setStatus(ctx, relayID, types.RelayUnhealthy, now)
		return err
	}
	reg.setStatus(ctx, relayID, types.RelayActive, now)
	return nil
}

func (reg *Registry) setStatus(ctx context.Context, relayID string, status types.RelayStatus, at time.Time) {
	reg.mu.Lock()
	r, ok := reg.relays[relayID]
	if !ok {
		reg.mu.Unlock()
		return
	}
	prev := r.Status
	r.Status = status
	r.LastHealthCheck = at
	reg.updateMetricsLocked()
	reg.mu.Unlock()

	if prev == status {
		return
	}

	if err := reg.store.SetRelayStatus(ctx, relayID, status, at); err != nil {
		log.WithRelayID(relayID).Warn().Err(err).Msg("failed to persist relay status")
	}

	switch status {
	case types.RelayUnhealthy:
		log.WithRelayID(relayID).Warn().Msg("relay marked unhealthy")
		reg.bus.Publish(&events.Event{
			Type:     events.EventRelayUnhealthy,
			Metadata: map[string]string{"relayId": relayID},
		})
	case types.RelayActive:
		log.WithRelayID(relayID).Info().Msg("relay recovered")
		reg.bus.Publish(&events.Event{
			Type:     events.EventRelayRecovered,
			Metadata: map[string]string{"relayId": relayID},
		})
	}
}

// BreakerStats returns per-relay circuit breaker snapshots sorted by name
func (reg *Registry) BreakerStats() []breaker.Stats {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make([]breaker.Stats, 0, len(reg.breakers))
	for _, br := range reg.breakers {
		out = append(out, br.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (reg *Registry) updateMetrics() {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	reg.updateMetricsLocked()
}

func (reg *Registry) updateMetricsLocked() {
	counts := map[types.RelayStatus]int{}
	var capacity, load int
	for _, r := range reg.relays {
		counts[r.Status]++
		if r.Status == types.RelayActive {
			capacity += r.MaxTunnels
			load += r.CurrentLoad
		}
	}
	for _, st := range []types.RelayStatus{types.RelayActive, types.RelayUnhealthy, types.RelayInactive} {
		metrics.RelaysTotal.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
	if capacity > 0 {
		metrics.FleetUtilization.Set(float64(load) / float64(capacity) * 100)
	} else {
		metrics.FleetUtilization.Set(0)
	}
}
