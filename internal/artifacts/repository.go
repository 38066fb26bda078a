// Package artifacts stores run artifacts (files and directory trees) in a
// local directory, an S3 bucket or a GCS bucket, selected by URI scheme.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/ashita-ai/autolog/internal/model"
)

// ErrUnsupportedScheme is returned by Open for URIs no repository handles.
var ErrUnsupportedScheme = errors.New("artifacts: unsupported uri scheme")

// Repository stores the artifacts of a single run.
type Repository interface {
	// LogArtifact copies one local file under artifactPath.
	LogArtifact(ctx context.Context, localFile, artifactPath string) error
	// LogArtifacts copies the contents of localDir under artifactPath.
	LogArtifacts(ctx context.Context, localDir, artifactPath string) error
	// ListArtifacts lists the direct children of dir ("" for the root).
	ListArtifacts(ctx context.Context, dir string) ([]model.FileInfo, error)
}

// Open returns the repository rooted at uri.
//
//	/abs/path, ./rel, file:///abs  local filesystem
//	s3://bucket/prefix             Amazon S3
//	gs://bucket/prefix             Google Cloud Storage
func Open(ctx context.Context, uri string) (Repository, error) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// Plain paths, including Windows drive letters.
		return NewLocal(uri), nil
	}
	switch u.Scheme {
	case "file":
		return NewLocal(u.Path), nil
	case "s3":
		return NewS3(ctx, u.Host, strings.TrimPrefix(u.Path, "/"))
	case "gs":
		return NewGCS(ctx, u.Host, strings.TrimPrefix(u.Path, "/"))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}

// JoinURI appends path elements to an artifact root URI.
func JoinURI(root string, elem ...string) string {
	u, err := url.Parse(root)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		return filepath.Join(append([]string{root}, elem...)...)
	}
	u.Path = path.Join(append([]string{u.Path}, elem...)...)
	if u.Scheme == "file" {
		return "file://" + u.Path
	}
	return u.String()
}

// localFiles returns the slash-separated paths of every regular file under
// dir, relative to dir.
func localFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("artifacts: walk %s: %w", dir, err)
	}
	return files, nil
}

// objectKey joins a key prefix and an artifact-relative path.
func objectKey(prefix string, elem ...string) string {
	parts := make([]string, 0, len(elem)+1)
	if prefix != "" {
		parts = append(parts, prefix)
	}
	for _, e := range elem {
		if e != "" {
			parts = append(parts, e)
		}
	}
	return path.Join(parts...)
}

// dirPrefix returns key with exactly one trailing slash, or "" for "".
func dirPrefix(key string) string {
	if key == "" {
		return ""
	}
	return strings.TrimSuffix(key, "/") + "/"
}

func fileSize(p string) int64 {
	st, err := os.Stat(p)
	if err != nil {
		return 0
	}
	return st.Size()
}
