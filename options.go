package autolog

import (
	"log/slog"
	"time"
)

// Option configures an Autologger.
type Option func(*resolvedOptions)

// resolvedOptions holds explicit overrides of the environment configuration.
// Pointer fields distinguish "unset" from the zero value.
type resolvedOptions struct {
	logger        *slog.Logger
	version       string
	client        TrackingClient
	trackingURI   string
	artifactRoot  string
	experimentID  string
	logModels     *bool
	everyNIter    int
	exclusive     *bool
	disable       *bool
	silent        *bool
	flushInterval time.Duration
	flushEvery    int
	spoolDir      string
	telemetry     *bool

	metricsExporter string
}

// WithLogger sets the structured logger. If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version reported in telemetry resources.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithTrackingClient replaces the client built from the tracking URI.
func WithTrackingClient(c TrackingClient) Option {
	return func(o *resolvedOptions) { o.client = c }
}

// WithTrackingURI overrides AUTOLOG_TRACKING_URI.
func WithTrackingURI(uri string) Option {
	return func(o *resolvedOptions) { o.trackingURI = uri }
}

// WithArtifactRoot overrides AUTOLOG_ARTIFACT_ROOT.
func WithArtifactRoot(root string) Option {
	return func(o *resolvedOptions) { o.artifactRoot = root }
}

// WithExperimentID overrides AUTOLOG_EXPERIMENT_ID.
func WithExperimentID(id string) Option {
	return func(o *resolvedOptions) { o.experimentID = id }
}

// WithLogModels controls whether trained models are recorded as artifacts.
func WithLogModels(v bool) Option {
	return func(o *resolvedOptions) { o.logModels = &v }
}

// WithEveryNIter sets the metric sampling interval (epochs or steps).
func WithEveryNIter(n int) Option {
	return func(o *resolvedOptions) { o.everyNIter = n }
}

// WithExclusive stops autologging into runs the user started.
func WithExclusive(v bool) Option {
	return func(o *resolvedOptions) { o.exclusive = &v }
}

// WithDisable turns autologging off for every flavor.
func WithDisable(v bool) Option {
	return func(o *resolvedOptions) { o.disable = &v }
}

// WithSilent suppresses autolog's own warnings; errors are still logged.
func WithSilent(v bool) Option {
	return func(o *resolvedOptions) { o.silent = &v }
}

// WithFlushInterval sets how often buffered metrics are sent.
func WithFlushInterval(d time.Duration) Option {
	return func(o *resolvedOptions) { o.flushInterval = d }
}

// WithBatchFlushEvery sets after how many recording calls a run's buffer
// is handed to the flush queue.
func WithBatchFlushEvery(n int) Option {
	return func(o *resolvedOptions) { o.flushEvery = n }
}

// WithSpoolDir enables the dead-letter spool for metrics the tracking
// store rejected.
func WithSpoolDir(dir string) Option {
	return func(o *resolvedOptions) { o.spoolDir = dir }
}

// WithTelemetry controls OpenTelemetry initialization. Embedders that set
// up their own providers pass false.
func WithTelemetry(v bool) Option {
	return func(o *resolvedOptions) { o.telemetry = &v }
}

// WithMetricsExporter selects "otlp" or "prometheus" for autolog's own
// metrics. With "prometheus", serve telemetry's scrape handler yourself.
func WithMetricsExporter(name string) Option {
	return func(o *resolvedOptions) { o.metricsExporter = name }
}
