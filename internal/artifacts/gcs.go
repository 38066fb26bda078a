package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/ashita-ai/autolog/internal/model"
)

// GCS stores artifacts under a prefix of a Google Cloud Storage bucket.
type GCS struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCS creates a repository using application default credentials, or the
// service-account key named by GOOGLE_APPLICATION_CREDENTIALS.
func NewGCS(ctx context.Context, bucket, prefix string) (*GCS, error) {
	if bucket == "" {
		return nil, fmt.Errorf("artifacts: gs uri has no bucket")
	}
	var opts []option.ClientOption
	if keyPath := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"); keyPath != "" {
		opts = append(opts, option.WithCredentialsFile(keyPath))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("artifacts: create gcs client: %w", err)
	}
	return &GCS{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

// Close releases the underlying client.
func (r *GCS) Close() error {
	return r.client.Close()
}

func (r *GCS) LogArtifact(ctx context.Context, localFile, artifactPath string) error {
	key := objectKey(r.prefix, artifactPath, filepath.Base(localFile))
	if err := r.upload(ctx, localFile, key); err != nil {
		return fmt.Errorf("artifacts: gcs log artifact: %w", err)
	}
	return nil
}

func (r *GCS) LogArtifacts(ctx context.Context, localDir, artifactPath string) error {
	files, err := localFiles(localDir)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelUploads)
	for _, rel := range files {
		g.Go(func() error {
			return r.upload(gctx, filepath.Join(localDir, filepath.FromSlash(rel)), objectKey(r.prefix, artifactPath, rel))
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("artifacts: gcs log artifacts: %w", err)
	}
	return nil
}

func (r *GCS) upload(ctx context.Context, localFile, key string) error {
	f, err := os.Open(localFile) //nolint:gosec // artifact paths are chosen by the caller
	if err != nil {
		return fmt.Errorf("open %s: %w", localFile, err)
	}
	defer func() { _ = f.Close() }()

	w := r.client.Bucket(r.bucket).Object(key).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return fmt.Errorf("copy %s to gs://%s/%s: %w", localFile, r.bucket, key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for gs://%s/%s: %w", r.bucket, key, err)
	}
	return nil
}

func (r *GCS) ListArtifacts(ctx context.Context, dir string) ([]model.FileInfo, error) {
	prefix := dirPrefix(objectKey(r.prefix, dir))
	base := dirPrefix(r.prefix)

	var infos []model.FileInfo
	it := r.client.Bucket(r.bucket).Objects(ctx, &storage.Query{Prefix: prefix, Delimiter: "/"})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("artifacts: gcs list %s: %w", prefix, err)
		}
		if attrs.Prefix != "" {
			rel := strings.TrimSuffix(strings.TrimPrefix(attrs.Prefix, base), "/")
			infos = append(infos, model.FileInfo{Path: rel, IsDir: true})
			continue
		}
		if attrs.Name == prefix {
			continue
		}
		infos = append(infos, model.FileInfo{
			Path:     strings.TrimPrefix(attrs.Name, base),
			FileSize: attrs.Size,
		})
	}
	return infos, nil
}
