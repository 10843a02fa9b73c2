package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/wolfeidau/assetpipe"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Build metrics
	BuildsTotal       metric.Int64Counter
	BuildErrorsTotal  metric.Int64Counter
	BuildDuration     metric.Float64Histogram
	BuildsCancelled   metric.Int64Counter
	OutputConflicts   metric.Int64Counter
	RuleOverlapsTotal metric.Int64Counter

	// File metrics
	FilesProcessedTotal metric.Int64Counter
	FilesPassedThrough  metric.Int64Counter
	FilesFailedTotal    metric.Int64Counter
	FilesCopiedTotal    metric.Int64Counter

	// Stage metrics
	StageRunsTotal   metric.Int64Counter
	StageErrorsTotal metric.Int64Counter
	StageDuration    metric.Float64Histogram

	// Byte metrics
	BytesIn  metric.Int64Counter
	BytesOut metric.Int64Counter

	// Dev server metrics
	RebuildsTotal    metric.Int64Counter
	ReloadClients    metric.Int64UpDownCounter
	ReloadsPublished metric.Int64Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

// Tracer returns the tracer used for build and stage spans.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// initMetrics creates and registers all metric instruments
func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(instrumentationName)

	m := &Metrics{}

	// Build metrics
	m.BuildsTotal, _ = meter.Int64Counter(
		"assetpipe.builds.total",
		metric.WithDescription("Total number of builds started"),
		metric.WithUnit("{build}"),
	)

	m.BuildErrorsTotal, _ = meter.Int64Counter(
		"assetpipe.builds.errors.total",
		metric.WithDescription("Total number of builds that failed"),
		metric.WithUnit("{build}"),
	)

	m.BuildDuration, _ = meter.Float64Histogram(
		"assetpipe.builds.duration",
		metric.WithDescription("Duration of builds from plan to commit"),
		metric.WithUnit("ms"),
	)

	m.BuildsCancelled, _ = meter.Int64Counter(
		"assetpipe.builds.cancelled.total",
		metric.WithDescription("Total number of builds stopped by cancellation"),
		metric.WithUnit("{build}"),
	)

	m.OutputConflicts, _ = meter.Int64Counter(
		"assetpipe.plan.output_conflicts.total",
		metric.WithDescription("Total number of plans rejected for conflicting output paths"),
		metric.WithUnit("{conflict}"),
	)

	m.RuleOverlapsTotal, _ = meter.Int64Counter(
		"assetpipe.plan.rule_overlaps.total",
		metric.WithDescription("Total number of stages superseded by overlapping rules"),
		metric.WithUnit("{overlap}"),
	)

	// File metrics
	m.FilesProcessedTotal, _ = meter.Int64Counter(
		"assetpipe.files.processed.total",
		metric.WithDescription("Total number of source files run through a pipeline"),
		metric.WithUnit("{file}"),
	)

	m.FilesPassedThrough, _ = meter.Int64Counter(
		"assetpipe.files.passthrough.total",
		metric.WithDescription("Total number of files matched by no rule and copied unchanged"),
		metric.WithUnit("{file}"),
	)

	m.FilesFailedTotal, _ = meter.Int64Counter(
		"assetpipe.files.failed.total",
		metric.WithDescription("Total number of files skipped after a stage failure"),
		metric.WithUnit("{file}"),
	)

	m.FilesCopiedTotal, _ = meter.Int64Counter(
		"assetpipe.files.copied.total",
		metric.WithDescription("Total number of files copied by copy patterns"),
		metric.WithUnit("{file}"),
	)

	// Stage metrics
	m.StageRunsTotal, _ = meter.Int64Counter(
		"assetpipe.stages.runs.total",
		metric.WithDescription("Total number of stage invocations"),
		metric.WithUnit("{run}"),
	)

	m.StageErrorsTotal, _ = meter.Int64Counter(
		"assetpipe.stages.errors.total",
		metric.WithDescription("Total number of stage invocations that failed"),
		metric.WithUnit("{error}"),
	)

	m.StageDuration, _ = meter.Float64Histogram(
		"assetpipe.stages.duration",
		metric.WithDescription("Duration of stage invocations"),
		metric.WithUnit("ms"),
	)

	// Byte metrics
	m.BytesIn, _ = meter.Int64Counter(
		"assetpipe.bytes.in.total",
		metric.WithDescription("Total number of source bytes read"),
		metric.WithUnit("By"),
	)

	m.BytesOut, _ = meter.Int64Counter(
		"assetpipe.bytes.out.total",
		metric.WithDescription("Total number of artifact bytes written"),
		metric.WithUnit("By"),
	)

	// Dev server metrics
	m.RebuildsTotal, _ = meter.Int64Counter(
		"assetpipe.devserver.rebuilds.total",
		metric.WithDescription("Total number of rebuilds triggered by file changes"),
		metric.WithUnit("{build}"),
	)

	m.ReloadClients, _ = meter.Int64UpDownCounter(
		"assetpipe.devserver.reload_clients",
		metric.WithDescription("Number of connected live reload clients"),
		metric.WithUnit("{client}"),
	)

	m.ReloadsPublished, _ = meter.Int64Counter(
		"assetpipe.devserver.reloads.total",
		metric.WithDescription("Total number of reload events published"),
		metric.WithUnit("{event}"),
	)

	return m
}
