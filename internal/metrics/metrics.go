// Package metrics instruments the long-running loops (Registry Poller,
// Health Monitor, Update Pipeline) with OpenTelemetry counters and a
// histogram. Grounded on bvboe-b2s-go's scanner-core/metrics/otel.go
// exporter-construction shape (meter provider + periodic reader), adapted
// to export to stdout by default (a self-hosted, single-operator tool has
// no collector to assume) with the OTLP gRPC exporter swapped in when
// OTEL_EXPORTER_OTLP_ENDPOINT is set.
package metrics

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Recorder holds the counters and histogram this tool emits.
type Recorder struct {
	provider *sdkmetric.MeterProvider

	registryPolls     metric.Int64Counter
	upgradesSelected  metric.Int64Counter
	pulls             metric.Int64Counter
	respawns          metric.Int64Counter
	healthRestarts    metric.Int64Counter
	pullStageDuration metric.Float64Histogram
}

// New constructs a Recorder. If the OTEL_EXPORTER_OTLP_ENDPOINT environment
// variable is set, metrics are pushed via OTLP gRPC; otherwise they are
// written to stdout on each collection interval, so no collector is assumed
// by default.
func New(ctx context.Context) (*Recorder, error) {
	reader, err := newReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("metrics: constructing exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)
	meter := provider.Meter("fblaster")

	registryPolls, err := meter.Int64Counter("fblaster_registry_polls_total",
		metric.WithDescription("Registry tag-list polls issued, per image"))
	if err != nil {
		return nil, err
	}
	upgradesSelected, err := meter.Int64Counter("fblaster_upgrades_selected_total",
		metric.WithDescription("Compatible upgrade tags selected by the caret-range rule"))
	if err != nil {
		return nil, err
	}
	pulls, err := meter.Int64Counter("fblaster_image_pulls_total",
		metric.WithDescription("Image pulls attempted"))
	if err != nil {
		return nil, err
	}
	respawns, err := meter.Int64Counter("fblaster_respawns_total",
		metric.WithDescription("Orchestration child respawns"))
	if err != nil {
		return nil, err
	}
	healthRestarts, err := meter.Int64Counter("fblaster_health_restarts_total",
		metric.WithDescription("Service restarts triggered by the health monitor"))
	if err != nil {
		return nil, err
	}
	pullStageDuration, err := meter.Float64Histogram("fblaster_pull_stage_duration_seconds",
		metric.WithDescription("Wall-clock duration of the pipeline's pull stage"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return &Recorder{
		provider:          provider,
		registryPolls:     registryPolls,
		upgradesSelected:  upgradesSelected,
		pulls:             pulls,
		respawns:          respawns,
		healthRestarts:    healthRestarts,
		pullStageDuration: pullStageDuration,
	}, nil
}

func newReader(ctx context.Context) (sdkmetric.Reader, error) {
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		exporter, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpoint(endpoint))
		if err != nil {
			return nil, err
		}
		return sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(30*time.Second)), nil
	}

	exporter, err := stdoutmetric.New(stdoutmetric.WithoutTimestamps())
	if err != nil {
		return nil, err
	}
	return sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(time.Minute)), nil
}

// RecordRegistryPoll increments the per-image poll counter.
func (r *Recorder) RecordRegistryPoll(ctx context.Context, image string) {
	r.registryPolls.Add(ctx, 1, metric.WithAttributes(imageAttr(image)))
}

// RecordUpgradeSelected increments the selected-upgrade counter.
func (r *Recorder) RecordUpgradeSelected(ctx context.Context, image string) {
	r.upgradesSelected.Add(ctx, 1, metric.WithAttributes(imageAttr(image)))
}

// RecordPull increments the pull counter, tagged with success/failure.
func (r *Recorder) RecordPull(ctx context.Context, image string, ok bool) {
	r.pulls.Add(ctx, 1, metric.WithAttributes(imageAttr(image), okAttr(ok)))
}

// RecordRespawn increments the respawn counter.
func (r *Recorder) RecordRespawn(ctx context.Context, ok bool) {
	r.respawns.Add(ctx, 1, metric.WithAttributes(okAttr(ok)))
}

// RecordHealthRestart increments the health-triggered restart counter.
func (r *Recorder) RecordHealthRestart(ctx context.Context, label string) {
	r.healthRestarts.Add(ctx, 1, metric.WithAttributes(labelAttr(label)))
}

// RecordPullStageDuration records how long a pull stage took.
func (r *Recorder) RecordPullStageDuration(ctx context.Context, d time.Duration) {
	r.pullStageDuration.Record(ctx, d.Seconds())
}

// Shutdown flushes and stops the meter provider.
func (r *Recorder) Shutdown(ctx context.Context) error {
	return r.provider.Shutdown(ctx)
}

func imageAttr(image string) attribute.KeyValue { return attribute.String("image", image) }
func labelAttr(label string) attribute.KeyValue { return attribute.String("label", label) }
func okAttr(ok bool) attribute.KeyValue {
	if ok {
		return attribute.String("result", "ok")
	}
	return attribute.String("result", "error")
}
