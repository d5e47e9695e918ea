package proc

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpawnWaitCapturesStdoutAndExitsCleanly(t *testing.T) {
	ctx := context.Background()
	h, err := Spawn(ctx, []string{"sh", "-c", "echo hello; echo world"}, SpawnOptions{CaptureStdout: true}, zerolog.Nop())
	require.NoError(t, err)

	err = Wait(h)
	require.NoError(t, err)
	assert.Equal(t, "hello\nworld\n", h.Stdout())
}

func TestWaitReturnsExitErrorWithStderr(t *testing.T) {
	ctx := context.Background()
	h, err := Spawn(ctx, []string{"sh", "-c", "echo boom 1>&2; exit 3"}, SpawnOptions{}, zerolog.Nop())
	require.NoError(t, err)

	err = Wait(h)
	require.Error(t, err)

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Contains(t, exitErr.Stderr, "boom")
	assert.Contains(t, exitErr.Error(), "boom")
}

func TestExitErrorFallsBackToUnknownError(t *testing.T) {
	err := &ExitError{Argv: []string{"true"}, Stderr: "   "}
	assert.Contains(t, err.Error(), "Unknown error")
}

func TestShutdownSendsSignalAndWaits(t *testing.T) {
	ctx := context.Background()
	h, err := Spawn(ctx, []string{"sh", "-c", "trap 'exit 0' TERM; sleep 30"}, SpawnOptions{}, zerolog.Nop())
	require.NoError(t, err)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = Shutdown(shutdownCtx, h)
	require.NoError(t, err)
}
