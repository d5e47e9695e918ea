// Package signalbus implements the Signal Channel (C7): translating an
// external SIGUSR2 poke into an immediate poll tick, and a secondary
// "--signal-poll" invocation that resolves the running peer's container
// name and delivers the signal through the orchestration runtime. Grounded
// on the teacher's cmd/docker-coredns-sync/root.go os/signal handling
// (signal.Notify feeding a goroutine) generalized to a second signal and a
// send-mode.
package signalbus

import (
	"context"
	"crypto/md5"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/auto-dns/fblaster/internal/proc"
)

// Listen subscribes to SIGUSR2 and returns a channel that receives a value
// each time the process is signalled. The channel is buffered to size 1 so
// bursts of pokes coalesce into "a poll is due", matching the one poll tick
// a poke is meant to force (spec.md §4.2's "interruptible interval").
// Listen stops the subscription and closes the returned channel when ctx is
// cancelled.
func Listen(ctx context.Context) <-chan struct{} {
	sigCh := make(chan struct{}, 1)
	osCh := make(chan os.Signal, 1)
	signal.Notify(osCh, syscall.SIGUSR2)

	go func() {
		defer signal.Stop(osCh)
		for {
			select {
			case <-ctx.Done():
				close(sigCh)
				return
			case <-osCh:
				select {
				case sigCh <- struct{}{}:
				default:
				}
			}
		}
	}()

	return sigCh
}

// PeerName computes the container name the external launcher gave the
// running supervisor for dir: fblaster-{md5(abs(dir))} (spec.md §6 "Peer
// addressing").
func PeerName(absDir string) string {
	sum := md5.Sum([]byte(absDir)) //nolint:gosec // identity hash for a container name, not a security boundary
	return fmt.Sprintf("fblaster-%x", sum)
}

// Poke delivers SIGUSR2 to the running peer owning absDir via the
// orchestration runtime's "kill --signal" facility, shelling out through
// internal/proc the same way internal/dockercli does for every other
// orchestration-runtime command (spec.md §4.7).
func Poke(ctx context.Context, absDir string, logger zerolog.Logger) error {
	name := PeerName(absDir)
	argv := []string{"docker", "kill", "--signal=SIGUSR2", name}

	h, err := proc.Spawn(ctx, argv, proc.SpawnOptions{}, logger)
	if err != nil {
		return fmt.Errorf("signalbus: delivering poke to %s: %w", name, err)
	}
	if err := proc.Wait(h); err != nil {
		return fmt.Errorf("signalbus: no running peer for %s: %w", name, err)
	}
	return nil
}
