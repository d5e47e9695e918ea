// Package pipeline implements the Update Pipeline (C6): debounce the
// Registry Poller's snapshots, pair each with its predecessor, pull changed
// images, rewrite and respawn the orchestration child, and persist the
// version store - with at-most-one-sequence-in-flight cancellation, so a
// fresher snapshot abandons whatever pull/restart attempt is running.
// Grounded on the teacher's SyncEngine.Run (internal/core/engine.go)
// ticker+select loop, generalized from one reconciliation tick into a
// multi-stage pipeline with its own cancellation per stage.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/auto-dns/fblaster/internal/compose"
	"github.com/auto-dns/fblaster/internal/metrics"
	"github.com/auto-dns/fblaster/internal/proc"
	"github.com/auto-dns/fblaster/internal/util"
	"github.com/auto-dns/fblaster/internal/versionstore"
)

const (
	pullRetryInterval    = 3 * time.Second
	restartRetryInterval = 3 * time.Second
)

// PullError wraps a pull-stage failure (spec.md §7 PullFailed).
type PullError struct{ Err error }

func (e *PullError) Error() string { return fmt.Sprintf("pipeline: pull-stage: %v", e.Err) }
func (e *PullError) Unwrap() error { return e.Err }

// RestartError wraps a restart-stage failure (spec.md §7 RestartFailed).
type RestartError struct{ Err error }

func (e *RestartError) Error() string { return fmt.Sprintf("pipeline: restart-stage: %v", e.Err) }
func (e *RestartError) Unwrap() error { return e.Err }

// dockerOps is the narrow subset of *dockercli.Client the pull and restart
// stages call, kept as an interface so tests can fake registry pulls
// without a real Engine API connection.
type dockerOps interface {
	ImagePull(ctx context.Context, ref compose.ImageRef, registryAuth string) error
	ComposeStop(ctx context.Context) error
}

// Config bundles the fixed parameters of a Pipeline.
type Config struct {
	Dir             string   // working directory (spec.md §6 --directory)
	DerivedPath     string   // absolute path to fblaster-docker-compose.yml
	ChildArgv       []string // argv used to respawn the orchestration child
	Debounce        time.Duration
	ShutdownTimeout time.Duration
	RegistryAuth    map[string]string // registry host -> base64 X-Registry-Auth header
}

// Pipeline runs the Update Pipeline (C6) over a stream of tracked-image
// snapshots produced by the Registry Poller (C2).
type Pipeline struct {
	cfg    Config
	docker dockerOps
	base   *compose.Manifest
	logger zerolog.Logger
	rec    *metrics.Recorder

	onRespawn func(*proc.Handle, *compose.Manifest)

	mu    sync.Mutex
	child *proc.Handle
}

// New constructs a Pipeline. initialChild is the child handle spawned by the
// Controller (C8) before polling starts; it is the first handle the
// restart-stage will shut down. onRespawn, if non-nil, is invoked after every
// successful respawn so the Controller can rebind the Health Monitor to the
// new derived manifest.
func New(cfg Config, docker dockerOps, base *compose.Manifest, initialChild *proc.Handle, rec *metrics.Recorder, onRespawn func(*proc.Handle, *compose.Manifest), logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		docker:    docker,
		base:      base,
		logger:    logger.With().Str("component", "pipeline").Logger(),
		rec:       rec,
		onRespawn: onRespawn,
		child:     initialChild,
	}
}

// Run starts the pipeline's single worker goroutine and returns a channel
// that receives persist-stage errors (spec.md §4.6 step 6: "not retried on
// failure; failure surfaces via the error channel"). The channel is closed
// when ctx is cancelled or snapshots is closed.
func (p *Pipeline) Run(ctx context.Context, initial []compose.ImageRef, snapshots <-chan []compose.ImageRef) <-chan error {
	errCh := make(chan error, 1)
	debounced := debounce(ctx, snapshots, p.cfg.Debounce)

	go func() {
		defer close(errCh)
		previous := initial

		var cancel context.CancelFunc
		var done chan struct{}

		abandonInFlight := func() {
			if cancel == nil {
				return
			}
			cancel()
			<-done
			cancel, done = nil, nil
		}
		defer abandonInFlight()

		for {
			select {
			case <-ctx.Done():
				return
			case next, ok := <-debounced:
				if !ok {
					return
				}
				// Cancellation rule: a fresh pair abandons whatever
				// pull/restart sequence is in flight and waits for it to
				// actually stop before starting the new one, so the two
				// never touch the shared child handle concurrently.
				abandonInFlight()

				workCtx, workCancel := context.WithCancel(ctx)
				workDone := make(chan struct{})
				cancel, done = workCancel, workDone

				prev := previous
				go func() {
					defer close(workDone)
					if updated, ok := p.process(workCtx, prev, next, errCh); ok {
						previous = updated
					}
				}()
			}
		}
	}()

	return errCh
}

// process runs the pull-stage, restart-stage, and persist-stage for one
// (previous, next) pair. It returns (next, true) once the restart-stage has
// succeeded - the persist-stage's own success does not gate the pairwise
// advance, matching spec.md's "respawn then persist" ordering. It returns
// (nil, false) if ctx is cancelled before the restart-stage succeeds, in
// which case the caller must retry the same previous against a fresher next.
func (p *Pipeline) process(ctx context.Context, previous, next []compose.ImageRef, errCh chan<- error) ([]compose.ImageRef, bool) {
	changed := changedRefs(previous, next)
	if len(changed) > 0 {
		changedNames := util.Map(changed, func(r compose.ImageRef) string { return r.String() })
		p.logger.Info().Strs("images", changedNames).Msg("tag change detected, entering pull-stage")

		start := time.Now()
		if err := p.pullStage(ctx, changed); err != nil {
			return nil, false
		}
		if p.rec != nil {
			p.rec.RecordPullStageDuration(ctx, time.Since(start))
		}
	}

	if err := p.restartStage(ctx, next); err != nil {
		return nil, false
	}

	if err := versionstore.Save(p.cfg.Dir, next); err != nil {
		select {
		case errCh <- fmt.Errorf("pipeline: persist-stage: %w", err):
		default:
		}
	}

	return next, true
}

// pullStage retries the whole pull-stage every pullRetryInterval until it
// succeeds or ctx is cancelled (spec.md §4.6 step 4).
func (p *Pipeline) pullStage(ctx context.Context, changed []compose.ImageRef) error {
	for {
		if err := p.pullAll(ctx, changed); err == nil {
			return nil
		} else if ctx.Err() != nil {
			return ctx.Err()
		} else {
			p.logger.Warn().Err(err).Msg("pull-stage failed, retrying")
		}

		select {
		case <-time.After(pullRetryInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// pullAll pulls every changed image concurrently, returning the first error
// encountered. A cancelled pull-stage leaves no partially-pulled image
// observable beyond what the Engine API's own atomicity already guarantees
// (spec.md §5).
func (p *Pipeline) pullAll(ctx context.Context, refs []compose.ImageRef) error {
	var wg sync.WaitGroup
	errs := make(chan error, len(refs))

	for _, ref := range refs {
		wg.Add(1)
		go func(ref compose.ImageRef) {
			defer wg.Done()
			auth := p.cfg.RegistryAuth[ref.Registry]
			err := p.docker.ImagePull(ctx, ref, auth)
			if p.rec != nil {
				p.rec.RecordPull(ctx, ref.String(), err == nil)
			}
			if err != nil {
				errs <- &PullError{Err: fmt.Errorf("%s: %w", ref.String(), err)}
			}
		}(ref)
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		return err
	}
	return nil
}

// restartStage retries the whole restart-stage every restartRetryInterval
// until it succeeds or ctx is cancelled (spec.md §4.6 step 5).
func (p *Pipeline) restartStage(ctx context.Context, next []compose.ImageRef) error {
	for {
		ok, err := p.respawn(ctx, next)
		if err == nil {
			if p.rec != nil {
				p.rec.RecordRespawn(ctx, ok)
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.logger.Warn().Err(err).Msg("restart-stage failed, retrying")

		select {
		case <-time.After(restartRetryInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// respawn merges next onto the base manifest, writes the derived manifest,
// shuts down the current child, issues the defensive compose stop, and
// spawns a replacement - always merging against the original base manifest,
// never a previously-derived one, so divergence never accumulates (spec.md
// §4.6 "base manifest").
func (p *Pipeline) respawn(ctx context.Context, next []compose.ImageRef) (bool, error) {
	merged := compose.Merge(p.base, next)
	data, err := compose.Serialize(merged)
	if err != nil {
		return false, &RestartError{Err: err}
	}
	if err := os.WriteFile(p.cfg.DerivedPath, data, 0o644); err != nil {
		return false, &RestartError{Err: fmt.Errorf("writing derived manifest: %w", err)}
	}

	p.mu.Lock()
	oldChild := p.child
	p.mu.Unlock()

	if oldChild != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, p.cfg.ShutdownTimeout)
		err := proc.Shutdown(shutdownCtx, oldChild)
		cancel()
		if err != nil {
			p.logger.Warn().Err(err).Msg("child shutdown reported an error, proceeding with restart")
		}
		// The old handle is spent; a retry after a failed Spawn below must
		// not shut it down a second time.
		p.mu.Lock()
		p.child = nil
		p.mu.Unlock()
	}

	// Vestigial defensive stop: the respawned child reasserts desired state
	// on its own, but the orchestration runtime has historically left
	// residual containers behind a bare shutdown (spec.md §9, kept per
	// "omit only with care").
	if err := p.docker.ComposeStop(ctx); err != nil {
		p.logger.Warn().Err(err).Msg("defensive compose stop failed, proceeding with restart")
	}

	if err := ctx.Err(); err != nil {
		return false, &RestartError{Err: err}
	}
	// The child is not bound to ctx: ctx is cancelled as soon as a newer pair
	// arrives, and the child is stopped only through proc.Shutdown above.
	newChild, err := proc.Spawn(context.Background(), p.cfg.ChildArgv, proc.SpawnOptions{Dir: p.cfg.Dir}, p.logger)
	if err != nil {
		return false, &RestartError{Err: fmt.Errorf("spawning replacement child: %w", err)}
	}

	p.mu.Lock()
	p.child = newChild
	p.mu.Unlock()

	if p.onRespawn != nil {
		p.onRespawn(newChild, merged)
	}
	return true, nil
}

// changedRefs returns the entries of next whose tag differs from previous's
// entry of the same (Registry, Image).
func changedRefs(previous, next []compose.ImageRef) []compose.ImageRef {
	prevTag := make(map[string]string, len(previous))
	for _, r := range previous {
		prevTag[r.Key()] = r.Tag
	}
	return util.Filter(next, func(r compose.ImageRef) bool {
		return prevTag[r.Key()] != r.Tag
	})
}

// debounce forwards the most recent value from in whenever window has
// elapsed since the last arrival, resetting the timer on every new value
// (spec.md §4.6 step 2).
func debounce(ctx context.Context, in <-chan []compose.ImageRef, window time.Duration) <-chan []compose.ImageRef {
	out := make(chan []compose.ImageRef)

	go func() {
		defer close(out)

		var pending []compose.ImageRef
		var have bool
		var timerC <-chan time.Time
		var timer *time.Timer

		for {
			select {
			case v, ok := <-in:
				if !ok {
					if have {
						select {
						case out <- pending:
						case <-ctx.Done():
						}
					}
					return
				}
				pending = v
				have = true
				if timer != nil {
					timer.Stop()
				}
				timer = time.NewTimer(window)
				timerC = timer.C
			case <-timerC:
				select {
				case out <- pending:
				case <-ctx.Done():
					return
				}
				have = false
				timerC = nil
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}
