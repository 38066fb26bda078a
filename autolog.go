// Package autolog records the training runs of host ML frameworks into a
// tracking store without changes to the training code.
//
// A host framework exposes its training entry points (Keras-style fit,
// estimator train) as TrainFunc values. Wrap returns a TrainFunc that, on
// every call, makes sure a run is active, records the call's parameters,
// injects a callback that samples per-epoch or per-step metrics, uploads
// artifacts once training returns and ends the run if autologging started
// it. Tracking failures are logged and never reach the training code.
//
// Basic usage:
//
//	al, err := autolog.New(autolog.WithTrackingURI("sqlite:///tmp/runs.db"))
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer al.Shutdown(context.Background())
//	fit := al.Wrap(autolog.KerasFit, model.Fit)
//	history, err := fit(ctx, autolog.Call{Target: model, Kwargs: kwargs})
package autolog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/autolog/internal/config"
	"github.com/ashita-ai/autolog/internal/ctxutil"
	"github.com/ashita-ai/autolog/internal/integrations"
	"github.com/ashita-ai/autolog/internal/params"
	"github.com/ashita-ai/autolog/internal/runs"
	"github.com/ashita-ai/autolog/internal/service/flush"
	"github.com/ashita-ai/autolog/internal/storage"
	"github.com/ashita-ai/autolog/internal/storage/sqlite"
	"github.com/ashita-ai/autolog/internal/telemetry"
	"github.com/ashita-ai/autolog/internal/tracking"
	"github.com/ashita-ai/autolog/internal/tracking/rest"
	"github.com/ashita-ai/autolog/migrations"
)

const finalizeTimeout = 30 * time.Second

// Autologger wires the metric pipeline, the active-run stack and the
// integration registry. One Autologger serves any number of wrapped entry
// points and concurrent training calls.
type Autologger struct {
	cfg          config.Config
	logger       *slog.Logger
	client       tracking.Client
	closeClient  func(context.Context)
	scheduler    *flush.Scheduler
	spool        *flush.Spool
	fluent       *runs.Fluent
	manager      *runs.Manager
	extractor    *params.Extractor
	registry     *integrations.Registry
	tracer       trace.Tracer
	otelShutdown telemetry.Shutdown
	version      string

	shutdownOnce sync.Once
	shutdownErr  error
}

// New loads configuration from the environment (and a .env file if
// present), applies option overrides, opens the tracking store and returns
// a ready Autologger. It does NOT start the background flush loop; call
// Start for periodic flushing. Without it, metrics are sent when each
// training call ends.
func New(opts ...Option) (*Autologger, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	applyOverrides(&cfg, o)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Silent {
		logger = slog.New(minLevelHandler{min: slog.LevelError, next: logger.Handler()})
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	otelShutdown := telemetry.Shutdown(func(context.Context) error { return nil })
	if o.telemetry == nil || *o.telemetry {
		otelShutdown, err = telemetry.Init(context.Background(), telemetry.Options{
			Endpoint:        cfg.OTELEndpoint,
			ServiceName:     cfg.ServiceName,
			Version:         version,
			Insecure:        cfg.OTELInsecure,
			MetricsExporter: cfg.MetricsExporter,
		})
		if err != nil {
			return nil, fmt.Errorf("telemetry: %w", err)
		}
	}

	client, closeClient := o.client, func(context.Context) {}
	if client == nil {
		client, closeClient, err = openClient(context.Background(), cfg, logger)
		if err != nil {
			_ = otelShutdown(context.Background())
			return nil, err
		}
	}

	spool, err := flush.NewSpool(logger, flush.SpoolConfig{Dir: cfg.SpoolDir})
	if err != nil {
		closeClient(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("spool: %w", err)
	}

	scheduler := flush.NewScheduler(flush.NewQueue(), client, logger, flush.Options{
		Interval: cfg.FlushInterval,
		MaxBatch: cfg.MaxBatch,
		Spool:    spool,
	})
	fluent := runs.NewFluent(client, cfg.ExperimentID, logger)

	logger.Debug("autolog: initialized",
		"version", version,
		"tracking_uri", redactURI(cfg.TrackingURI),
		"artifact_root", cfg.ArtifactRoot,
		"every_n_iter", cfg.EveryNIter,
		"log_models", cfg.LogModels,
		"exclusive", cfg.Exclusive,
	)

	return &Autologger{
		cfg:          cfg,
		logger:       logger,
		client:       client,
		closeClient:  closeClient,
		scheduler:    scheduler,
		spool:        spool,
		fluent:       fluent,
		manager:      runs.NewManager(fluent, logger),
		extractor:    params.NewExtractor(logger),
		registry:     integrations.NewRegistry(cfg.Disable),
		tracer:       telemetry.Tracer("autolog"),
		otelShutdown: otelShutdown,
		version:      version,
	}, nil
}

func applyOverrides(cfg *config.Config, o resolvedOptions) {
	if o.trackingURI != "" {
		cfg.TrackingURI = o.trackingURI
	}
	if o.artifactRoot != "" {
		cfg.ArtifactRoot = o.artifactRoot
	}
	if o.experimentID != "" {
		cfg.ExperimentID = o.experimentID
	}
	if o.logModels != nil {
		cfg.LogModels = *o.logModels
	}
	if o.everyNIter != 0 {
		cfg.EveryNIter = o.everyNIter
	}
	if o.exclusive != nil {
		cfg.Exclusive = *o.exclusive
	}
	if o.disable != nil {
		cfg.Disable = *o.disable
	}
	if o.silent != nil {
		cfg.Silent = *o.silent
	}
	if o.flushInterval != 0 {
		cfg.FlushInterval = o.flushInterval
	}
	if o.flushEvery != 0 {
		cfg.BatchFlushEvery = o.flushEvery
	}
	if o.spoolDir != "" {
		cfg.SpoolDir = o.spoolDir
	}
	if o.metricsExporter != "" {
		cfg.MetricsExporter = o.metricsExporter
	}
}

// openClient builds the tracking client named by cfg.TrackingURI.
func openClient(ctx context.Context, cfg config.Config, logger *slog.Logger) (tracking.Client, func(context.Context), error) {
	uri := cfg.TrackingURI
	switch {
	case uri == "memory:":
		return tracking.NewMemory(cfg.ArtifactRoot), func(context.Context) {}, nil

	case strings.HasPrefix(uri, "sqlite://"):
		store, err := sqlite.Open(ctx, strings.TrimPrefix(uri, "sqlite://"), cfg.ArtifactRoot, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite: %w", err)
		}
		return store, func(context.Context) {
			if err := store.Close(); err != nil {
				logger.Warn("autolog: close sqlite store", "error", err)
			}
		}, nil

	case strings.HasPrefix(uri, "postgres://"), strings.HasPrefix(uri, "postgresql://"):
		db, err := storage.New(ctx, uri, cfg.ArtifactRoot, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("storage: %w", err)
		}
		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			db.Close(ctx)
			return nil, nil, fmt.Errorf("migrations: %w", err)
		}
		db.RegisterPoolMetrics()
		return db, db.Close, nil

	case strings.HasPrefix(uri, "http://"), strings.HasPrefix(uri, "https://"):
		return rest.New(rest.Config{
			BaseURL: uri,
			Token:   cfg.TrackingToken,
			Timeout: cfg.HTTPTimeout,
		}, logger), func(context.Context) {}, nil
	}
	return nil, nil, fmt.Errorf("autolog: unsupported tracking uri %q", redactURI(uri))
}

// Start begins the background flush loop and re-sends metrics left in the
// dead-letter spool by a previous process. Calling Start is optional.
func (a *Autologger) Start(ctx context.Context) {
	a.scheduler.Start(ctx)
}

// Shutdown sends every queued metric, closes the spool and the tracking
// store, and flushes telemetry. Runs still active are left as they are.
// Later calls return the first result.
func (a *Autologger) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() {
		a.scheduler.Drain(ctx)
		var errs []error
		if a.spool != nil {
			if err := a.spool.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close spool: %w", err))
			}
		}
		a.closeClient(ctx)
		if err := a.otelShutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
		}
		if n := a.scheduler.Dropped(); n > 0 {
			a.logger.Warn("autolog: metric points were dropped", "count", n)
		}
		a.shutdownErr = errors.Join(errs...)
	})
	return a.shutdownErr
}

// Client returns the tracking client runs are written to.
func (a *Autologger) Client() TrackingClient { return a.client }

// Enable turns autologging back on for a flavor (or an alias such as "keras").
func (a *Autologger) Enable(flavor string) { a.registry.Enable(flavor) }

// Disable turns autologging off for a flavor. Wrapped calls of that flavor
// pass straight through to the training function.
func (a *Autologger) Disable(flavor string) { a.registry.Disable(flavor) }

// StartRun starts a run and makes it active. Training calls made while it
// is active log into it and leave it open.
func (a *Autologger) StartRun(ctx context.Context, opts RunOptions) (Run, error) {
	return a.fluent.Start(ctx, opts)
}

// EndRun ends the innermost active run.
func (a *Autologger) EndRun(ctx context.Context, status RunStatus) error {
	return a.fluent.End(ctx, status)
}

// ActiveRun returns the innermost run started with StartRun. Runs created
// by autologging are private to their training call; see RunID.
func (a *Autologger) ActiveRun() (Run, bool) {
	return a.fluent.Active()
}

// RunID returns the run the autologged training call owning ctx logs
// into. Training code and host callbacks use it to add their own data to
// the right run when several models train at once.
func RunID(ctx context.Context) (string, bool) {
	if _, ok := ctxutil.InAutologCall(ctx); !ok {
		return "", false
	}
	return ctxutil.RunIDFromContext(ctx), true
}

// redactURI hides credentials embedded in a URI before it is logged.
func redactURI(uri string) string {
	scheme, rest, ok := strings.Cut(uri, "://")
	if !ok {
		return uri
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		return scheme + "://***@" + rest[at+1:]
	}
	return uri
}

// minLevelHandler drops records below min. Used for silent mode.
type minLevelHandler struct {
	min  slog.Level
	next slog.Handler
}

func (h minLevelHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return l >= h.min && h.next.Enabled(ctx, l)
}

func (h minLevelHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.next.Handle(ctx, r)
}

func (h minLevelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return minLevelHandler{min: h.min, next: h.next.WithAttrs(attrs)}
}

func (h minLevelHandler) WithGroup(name string) slog.Handler {
	return minLevelHandler{min: h.min, next: h.next.WithGroup(name)}
}
