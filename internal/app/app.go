// Package app implements the Controller (C8): top-level bootstrap, the
// respawn/health-rebind hand-off, and clean shutdown. Grounded on the
// teacher's App.New/Run/Close wiring shape (internal/app/app.go) - construct
// every dependency in New, store the handles, tear them down in reverse
// inside shutdown - expanded from three dependencies (docker client, etcd
// client, sync engine) to the full eight-component graph.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/auto-dns/fblaster/internal/compose"
	"github.com/auto-dns/fblaster/internal/config"
	"github.com/auto-dns/fblaster/internal/dockercli"
	"github.com/auto-dns/fblaster/internal/health"
	"github.com/auto-dns/fblaster/internal/metrics"
	"github.com/auto-dns/fblaster/internal/pipeline"
	"github.com/auto-dns/fblaster/internal/proc"
	"github.com/auto-dns/fblaster/internal/registry"
	"github.com/auto-dns/fblaster/internal/signalbus"
	"github.com/auto-dns/fblaster/internal/versionstore"
)

const (
	manifestFileName = "docker-compose.yml"
	derivedFileName  = "fblaster-docker-compose.yml"
)

// State is the Controller's lifecycle stage (spec.md §4.8).
type State int32

const (
	Initializing State = iota
	Running
	ShuttingDown
	Exited
)

// App is the Controller (C8): it owns the manifest, the version store, the
// current orchestration child, and the health monitor's binding to that
// child's derived manifest.
type App struct {
	cfg    *config.Config
	logger zerolog.Logger

	docker *dockercli.Client
	rec    *metrics.Recorder

	base       *compose.Manifest
	initial    []compose.ImageRef
	registryAuth map[string]string
	credentials  map[string]registry.Credential

	derivedPath string

	mu           sync.Mutex
	child        *proc.Handle
	monitor      *health.Monitor
	monitorStop  context.CancelFunc

	state atomic.Int32

	shutdownOnce sync.Once
}

// New runs the Controller's startup sequence (spec.md §4.8 steps 1-6): it
// logs into every configured registry, parses the base manifest, reconciles
// the version store, spawns the initial orchestration child, and binds the
// Health Monitor to it. Steps 7-8 (poller/pipeline wiring, shutdown once ctx
// is cancelled) happen in Run; the SIGINT/SIGTERM handler that cancels that
// ctx is installed by the command in cmd/fblaster.
func New(cfg *config.Config, logger zerolog.Logger) (*App, error) {
	a := &App{
		cfg:         cfg,
		logger:      logger,
		derivedPath: filepath.Join(cfg.Directory, derivedFileName),
	}
	a.state.Store(int32(Initializing))

	docker, err := dockercli.New(cfg.Directory, logger)
	if err != nil {
		return nil, fmt.Errorf("app: constructing docker client: %w", err)
	}
	a.docker = docker

	rec, err := metrics.New(context.Background())
	if err != nil {
		return nil, fmt.Errorf("app: constructing metrics recorder: %w", err)
	}
	a.rec = rec

	// Step 2: log into every registry a --credentials file was given for,
	// and build the auth material both the registry poller (basic auth)
	// and the Engine API (X-Registry-Auth header) need.
	a.registryAuth = make(map[string]string, len(cfg.Credentials))
	a.credentials = make(map[string]registry.Credential, len(cfg.Credentials))
	for reg, path := range cfg.Credentials {
		user, pass, err := config.ReadCredential(path)
		if err != nil {
			return nil, fmt.Errorf("app: reading credentials for %s: %w", reg, err)
		}
		if err := docker.Login(context.Background(), reg, user, pass); err != nil {
			return nil, fmt.Errorf("app: logging into %s: %w", reg, err)
		}
		a.credentials[reg] = registry.Credential{Username: user, Password: pass}
		a.registryAuth[reg] = dockercli.EncodeAuth(user, pass)
	}

	// Step 3-4: parse the base manifest and compute the initial tracked set.
	manifestPath := filepath.Join(cfg.Directory, manifestFileName)
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("app: reading manifest %s: %w", manifestPath, err)
	}
	base, err := compose.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("app: parsing manifest: %w", err)
	}
	a.base = base

	tracked := compose.NewTrackedSet(cfg.Images)
	initialFromManifest := compose.ExtractTracked(base, tracked)

	// Step 5: reconcile with the version store - this determines the
	// effective starting tags (spec.md §4.4, §4.8 step 5).
	loaded, ok, err := versionstore.Load(cfg.Directory)
	if err != nil {
		return nil, fmt.Errorf("app: loading version store: %w", err)
	}
	initial := initialFromManifest
	if ok {
		initial = versionstore.Reconcile(initialFromManifest, loaded)
	}
	a.initial = initial

	// Step 6: merge, write the derived manifest, spawn the child, and bind
	// the Health Monitor to it.
	merged := compose.Merge(base, initial)
	derivedData, err := compose.Serialize(merged)
	if err != nil {
		return nil, fmt.Errorf("app: serializing derived manifest: %w", err)
	}
	if err := os.WriteFile(a.derivedPath, derivedData, 0o644); err != nil {
		return nil, fmt.Errorf("app: writing derived manifest: %w", err)
	}

	child, err := proc.Spawn(context.Background(), a.childArgv(), proc.SpawnOptions{Dir: cfg.Directory}, logger)
	if err != nil {
		return nil, fmt.Errorf("app: spawning initial child: %w", err)
	}
	a.child = child

	a.bindHealthMonitor(merged)

	return a, nil
}

// childArgv is the argv used to (re)spawn the orchestration child against
// the derived manifest this instance maintains.
func (a *App) childArgv() []string {
	return []string{"docker", "compose", "-f", a.derivedPath, "up"}
}

// bindHealthMonitor cancels any previously-bound Health Monitor and starts a
// fresh one watching manifest's service labels - the cyclic-lifetime
// hand-off spec.md §9 describes ("the Controller cancels the old health
// task before publishing the new child handle").
func (a *App) bindHealthMonitor(manifest *compose.Manifest) {
	a.mu.Lock()
	if a.monitorStop != nil {
		a.monitorStop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	monitor := health.NewMonitor(health.NewClientAdapter(a.docker), a.cfg.HealthCheckInterval, a.cfg.IllHealthTolerance, a.logger)
	monitor.Watch(ctx, compose.Labels(manifest))

	a.monitor = monitor
	a.monitorStop = cancel
	a.mu.Unlock()

	go a.watchHealthRestarts(ctx, monitor)
}

// watchHealthRestarts turns a monitor's unhealthy labels into restarts, at
// most one in flight per label. It is started fresh for every health.Monitor
// bindHealthMonitor creates and
// stops the moment that binding is superseded (ctx is its monitorStop), so a
// respawn never leaves a goroutine listening on a monitor nobody advances
// anymore.
func (a *App) watchHealthRestarts(ctx context.Context, monitor *health.Monitor) {
	for {
		select {
		case <-ctx.Done():
			return
		case label, ok := <-monitor.Unhealthy():
			if !ok {
				return
			}
			if !monitor.TryBeginRestart(label) {
				continue
			}
			go a.restartLabel(ctx, monitor, label)
		}
	}
}

// onRespawn is the Update Pipeline's respawn callback (spec.md §4.6 step 5's
// "caller-supplied OnRespawn"): it rebinds the Health Monitor to the newly
// respawned child's manifest and then records the new child handle.
func (a *App) onRespawn(h *proc.Handle, manifest *compose.Manifest) {
	a.bindHealthMonitor(manifest)
	a.mu.Lock()
	a.child = h
	a.mu.Unlock()
}

// Run executes the Controller's steady state (spec.md §4.8 steps 7-8): it
// starts the Registry Poller wired through the Update Pipeline, logs the
// errors the pipeline reports, and blocks until ctx is cancelled, at which point
// it runs the single idempotent shutdown sequence.
func (a *App) Run(ctx context.Context) error {
	a.state.Store(int32(Running))
	a.logger.Info().Msg("controller running")

	regClient := registry.NewClient(a.cfg.Insecure, a.credentials)
	poller := registry.NewPoller(regClient, a.rec, a.logger)
	ticks := interruptibleInterval(ctx, a.cfg.PollInterval, signalbus.Listen(ctx))
	snapshots := poller.Watch(ctx, a.initial, ticks)

	pl := pipeline.New(pipeline.Config{
		Dir:             a.cfg.Directory,
		DerivedPath:     a.derivedPath,
		ChildArgv:       a.childArgv(),
		Debounce:        a.cfg.Debounce,
		ShutdownTimeout: a.cfg.ShutdownTimeout,
		RegistryAuth:    a.registryAuth,
	}, a.docker, a.base, a.child, a.rec, a.onRespawn, a.logger)

	persistErrs := pl.Run(ctx, a.initial, snapshots)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for err := range persistErrs {
			a.logger.Error().Err(err).Msg("pipeline reported an error")
		}
	}()

	<-ctx.Done()
	a.shutdown()
	wg.Wait()
	return nil
}

func (a *App) restartLabel(ctx context.Context, monitor *health.Monitor, label string) {
	defer monitor.FinishRestart(label)

	status, ok := monitor.Status(label)
	if !ok || status.ContainerID == "" {
		a.logger.Warn().Str("label", label).Msg("health restart requested but no container id resolved yet")
		return
	}

	a.logger.Warn().Str("label", label).Msg("restarting unhealthy service")
	if err := a.docker.RestartService(ctx, status.ContainerID, int(a.cfg.ShutdownTimeout/time.Second)); err != nil {
		a.logger.Error().Err(err).Str("label", label).Msg("health restart failed")
	}
	a.rec.RecordHealthRestart(ctx, label)
}

// shutdown runs the single idempotent shutdown sequence (spec.md §4.8 step
// 8): stop the health monitor, shut down the orchestration child, and flush
// metrics. The pipeline's own goroutine observes ctx.Done() directly and
// needs no separate signal here.
func (a *App) shutdown() {
	a.shutdownOnce.Do(func() {
		a.state.Store(int32(ShuttingDown))
		a.logger.Info().Msg("shutting down")

		a.mu.Lock()
		if a.monitorStop != nil {
			a.monitorStop()
		}
		child := a.child
		a.mu.Unlock()

		if child != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
			if err := proc.Shutdown(shutdownCtx, child); err != nil {
				a.logger.Warn().Err(err).Msg("child shutdown reported an error")
			}
			cancel()
		}

		if err := a.docker.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("closing docker client")
		}

		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.rec.Shutdown(flushCtx); err != nil {
			a.logger.Warn().Err(err).Msg("flushing metrics")
		}
		cancel()

		a.state.Store(int32(Exited))
	})
}

// interruptibleInterval yields on a fixed period, or immediately when pokes
// delivers a value - in which case the interval resets from that moment
// (spec.md §4.2's "interruptible interval").
func interruptibleInterval(ctx context.Context, period time.Duration, pokes <-chan struct{}) <-chan time.Time {
	out := make(chan time.Time)

	go func() {
		defer close(out)
		timer := time.NewTimer(period)
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case t := <-timer.C:
				select {
				case out <- t:
				case <-ctx.Done():
					return
				}
				timer.Reset(period)
			case _, ok := <-pokes:
				if !ok {
					pokes = nil
					continue
				}
				select {
				case out <- time.Now():
				case <-ctx.Done():
					return
				}
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(period)
			}
		}
	}()

	return out
}
