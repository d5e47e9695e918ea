package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInterruptibleIntervalTicksOnPeriod(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pokes := make(chan struct{})
	ticks := interruptibleInterval(ctx, 20*time.Millisecond, pokes)

	select {
	case <-ticks:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for scheduled tick")
	}
}

func TestInterruptibleIntervalPreemptedByPoke(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pokes := make(chan struct{}, 1)
	ticks := interruptibleInterval(ctx, time.Hour, pokes)

	start := time.Now()
	pokes <- struct{}{}

	select {
	case <-ticks:
		assert.Less(t, time.Since(start), time.Second, "a poke must preempt the scheduled interval immediately")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for poke-induced tick")
	}
}

func TestInterruptibleIntervalClosesOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pokes := make(chan struct{})
	ticks := interruptibleInterval(ctx, time.Hour, pokes)
	cancel()

	select {
	case _, ok := <-ticks:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

func TestStateConstantsOrder(t *testing.T) {
	require.Less(t, int32(Initializing), int32(Running))
	require.Less(t, int32(Running), int32(ShuttingDown))
	require.Less(t, int32(ShuttingDown), int32(Exited))
}
