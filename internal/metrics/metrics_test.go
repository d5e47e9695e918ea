package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewDefaultsToStdoutExporter(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	rec, err := New(context.Background())
	require.NoError(t, err)
	defer rec.Shutdown(context.Background())

	ctx := context.Background()
	rec.RecordRegistryPoll(ctx, "cat-image")
	rec.RecordUpgradeSelected(ctx, "cat-image")
	rec.RecordPull(ctx, "cat-image", true)
	rec.RecordRespawn(ctx, true)
	rec.RecordHealthRestart(ctx, "cat")
	rec.RecordPullStageDuration(ctx, 250*time.Millisecond)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, rec.provider.ForceFlush(shutdownCtx))
}
