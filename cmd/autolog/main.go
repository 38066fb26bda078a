// Command autolog inspects tracking stores written by autolog and runs a
// simulated training session against them.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/autolog"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("AUTOLOG_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd(logger).ExecuteContext(ctx); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	trackingURI  string
	artifactRoot string
	experimentID string
	jsonOut      bool
}

func newRootCmd(logger *slog.Logger) *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "autolog",
		Short:         "Inspect autologged training runs",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&g.trackingURI, "tracking-uri", "", "tracking store (defaults to AUTOLOG_TRACKING_URI)")
	pf.StringVar(&g.artifactRoot, "artifact-root", "", "artifact root for new runs (defaults to AUTOLOG_ARTIFACT_ROOT)")
	pf.StringVar(&g.experimentID, "experiment", "", "experiment id")
	pf.BoolVar(&g.jsonOut, "json", false, "print JSON instead of tables")

	root.AddCommand(
		newRunsCmd(g, logger),
		newMetricsCmd(g, logger),
		newArtifactsCmd(g, logger),
		newSimulateCmd(g, logger),
	)
	return root
}

// open builds an Autologger for one command invocation. The caller must
// call Shutdown.
func (g *globalFlags) open(logger *slog.Logger, extra ...autolog.Option) (*autolog.Autologger, error) {
	opts := []autolog.Option{
		autolog.WithLogger(logger),
		autolog.WithVersion(version),
		autolog.WithTrackingURI(g.trackingURI),
		autolog.WithArtifactRoot(g.artifactRoot),
		autolog.WithExperimentID(g.experimentID),
		autolog.WithTelemetry(false),
	}
	al, err := autolog.New(append(opts, extra...)...)
	if err != nil {
		return nil, fmt.Errorf("open tracking store: %w", err)
	}
	return al, nil
}

func shutdown(al *autolog.Autologger, logger *slog.Logger) {
	if err := al.Shutdown(context.Background()); err != nil {
		logger.Warn("autolog: shutdown", "error", err)
	}
}
