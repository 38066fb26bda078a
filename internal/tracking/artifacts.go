package tracking

import (
	"context"
	"fmt"

	"github.com/ashita-ai/autolog/internal/artifacts"
	"github.com/ashita-ai/autolog/internal/model"
)

// RunArtifacts implements the artifact half of Client for stores that keep
// artifacts in an artifacts.Repository rooted at each run's artifact URI.
type RunArtifacts struct {
	// ArtifactURI resolves a run's artifact root.
	ArtifactURI func(ctx context.Context, runID string) (string, error)
}

func (a RunArtifacts) repo(ctx context.Context, runID string) (artifacts.Repository, error) {
	uri, err := a.ArtifactURI(ctx, runID)
	if err != nil {
		return nil, err
	}
	repo, err := artifacts.Open(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("tracking: open artifact repository for run %s: %w", runID, err)
	}
	return repo, nil
}

func (a RunArtifacts) LogArtifact(ctx context.Context, runID, localFile, artifactPath string) error {
	repo, err := a.repo(ctx, runID)
	if err != nil {
		return err
	}
	return repo.LogArtifact(ctx, localFile, artifactPath)
}

func (a RunArtifacts) LogArtifacts(ctx context.Context, runID, localDir, artifactPath string) error {
	repo, err := a.repo(ctx, runID)
	if err != nil {
		return err
	}
	return repo.LogArtifacts(ctx, localDir, artifactPath)
}

func (a RunArtifacts) ListArtifacts(ctx context.Context, runID, path string) ([]model.FileInfo, error) {
	repo, err := a.repo(ctx, runID)
	if err != nil {
		return nil, err
	}
	return repo.ListArtifacts(ctx, path)
}

// RunArtifactURI is the artifact root of a new run under root.
func RunArtifactURI(root, experimentID, runID string) string {
	return artifacts.JoinURI(root, experimentID, runID, "artifacts")
}
