// Package health implements the Health Monitor (C5): per-service container
// status tracking with at-most-one-inspection-in-flight and unhealthy
// emission. Grounded on the teacher's StateTracker (internal/core/state.go)
// mutex-guarded map shape, repurposed from DNS-intent bookkeeping to
// container-health bookkeeping.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/auto-dns/fblaster/internal/dockercli"
)

// ContainerStatus is the tracked health state for one compose service
// (spec.md §3).
type ContainerStatus struct {
	Label       string
	ContainerID string
	LastHealthy time.Time
}

// Monitor tracks container health for every service label in a manifest.
// Lock discipline mirrors the teacher's StateTracker: one sync.RWMutex
// guarding the whole map.
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]*ContainerStatus
	inflight map[string]context.CancelFunc
	restart  map[string]bool

	client             dockerCli
	logger             zerolog.Logger
	checkInterval      time.Duration
	illHealthTolerance time.Duration
	unhealthy          chan string
}

// dockerCli is the subset of *dockercli.Client the monitor calls.
type dockerCli interface {
	ResolveContainerID(ctx context.Context, label string) (string, error)
	Inspect(ctx context.Context, containerID string) (healthView, error)
}

// healthView is satisfied by container.InspectResponse via the adapter in
// adapter.go; kept narrow here so tests can fake it without importing the
// Docker SDK.
type healthView interface {
	HealthStatus() (status string, ok bool)
}

// NewMonitor constructs a Monitor bound to client, polling every
// checkInterval and reporting services unhealthy after illHealthTolerance
// of no healthy observation (spec.md §4.5, §6 --health-check-interval /
// --ill-health-tolerance).
func NewMonitor(client dockerCli, checkInterval, illHealthTolerance time.Duration, logger zerolog.Logger) *Monitor {
	return &Monitor{
		statuses:           make(map[string]*ContainerStatus),
		inflight:           make(map[string]context.CancelFunc),
		restart:            make(map[string]bool),
		client:             client,
		logger:             logger.With().Str("component", "health").Logger(),
		checkInterval:      checkInterval,
		illHealthTolerance: illHealthTolerance,
		unhealthy:          make(chan string, 16),
	}
}

// Watch starts one goroutine per label, each ticking every checkInterval.
// Callers obtain unhealthy labels via Unhealthy(). Watch returns
// immediately; the monitor runs until ctx is cancelled.
func (m *Monitor) Watch(ctx context.Context, labels []string) {
	m.mu.Lock()
	for _, label := range labels {
		if _, exists := m.statuses[label]; exists {
			continue
		}
		m.statuses[label] = &ContainerStatus{Label: label, LastHealthy: time.Now()}
	}
	m.mu.Unlock()

	for _, label := range labels {
		go m.watchLabel(ctx, label)
	}
}

func (m *Monitor) watchLabel(ctx context.Context, label string) {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()
	logger := m.logger.With().Str("label", label).Logger()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// tick runs in its own goroutine so this loop keeps consuming
			// ticks while an inspection is outstanding - otherwise a hung
			// Inspect call would block watchLabel from ever reading the next
			// tick, and the inflight-cancellation below it would never fire.
			go m.tick(ctx, label, logger)
		}
	}
}

func (m *Monitor) tick(ctx context.Context, label string, logger zerolog.Logger) {
	m.mu.Lock()
	status := m.statuses[label]
	containerID := status.ContainerID
	if cancel, ok := m.inflight[label]; ok {
		cancel()
	}
	tickCtx, cancel := context.WithCancel(ctx)
	m.inflight[label] = cancel
	m.mu.Unlock()
	defer cancel()

	if containerID == "" {
		id, err := m.resolveWithRetry(tickCtx, label)
		if err != nil {
			return
		}
		containerID = id
		m.mu.Lock()
		status.ContainerID = containerID
		m.mu.Unlock()
	}

	for {
		view, err := m.client.Inspect(tickCtx, containerID)
		switch {
		case err == nil:
			statusStr, hasHealth := view.HealthStatus()
			m.mu.Lock()
			if !hasHealth || statusStr != "unhealthy" {
				status.LastHealthy = time.Now()
			}
			m.mu.Unlock()
		case dockercli.IsNotFound(err):
			logger.Info().Msg("container no longer exists, will re-resolve on next tick")
			m.mu.Lock()
			status.ContainerID = ""
			status.LastHealthy = time.Now()
			m.mu.Unlock()
		default:
			logger.Warn().Err(err).Msg("inspect failed, retrying on a delay")
			select {
			case <-time.After(10 * time.Second):
				continue
			case <-tickCtx.Done():
			}
		}
		break
	}

	m.mu.RLock()
	stale := time.Since(status.LastHealthy) > m.illHealthTolerance
	m.mu.RUnlock()
	if stale {
		select {
		case m.unhealthy <- label:
		default:
		}
	}
}

func (m *Monitor) resolveWithRetry(ctx context.Context, label string) (string, error) {
	sub := time.NewTicker(time.Second)
	defer sub.Stop()
	for {
		id, err := m.client.ResolveContainerID(ctx, label)
		if err == nil && id != "" {
			return id, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-sub.C:
		}
	}
}

// Unhealthy emits a label whenever its LastHealthy observation falls
// outside illHealthTolerance (spec.md §4.5).
func (m *Monitor) Unhealthy() <-chan string {
	return m.unhealthy
}

// TryBeginRestart reports whether label has no restart already in flight,
// atomically marking it in-flight if so. Callers must call FinishRestart
// when the restart completes (spec.md's per-label at-most-one-restart rule).
func (m *Monitor) TryBeginRestart(label string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.restart[label] {
		return false
	}
	m.restart[label] = true
	return true
}

// FinishRestart clears label's in-flight restart marker.
func (m *Monitor) FinishRestart(label string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.restart, label)
}

// Status returns a snapshot of label's tracked status.
func (m *Monitor) Status(label string) (ContainerStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.statuses[label]
	if !ok {
		return ContainerStatus{}, false
	}
	return *s, true
}
