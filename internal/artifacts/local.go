package artifacts

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/ashita-ai/autolog/internal/model"
)

// Local stores artifacts in a directory on the local filesystem.
type Local struct {
	root string
}

// NewLocal returns a repository rooted at dir. The directory is created lazily.
func NewLocal(dir string) *Local {
	return &Local{root: dir}
}

// Root returns the repository's root directory.
func (l *Local) Root() string { return l.root }

func (l *Local) LogArtifact(_ context.Context, localFile, artifactPath string) error {
	dst := filepath.Join(l.root, filepath.FromSlash(artifactPath), filepath.Base(localFile))
	if err := copyFile(localFile, dst); err != nil {
		return fmt.Errorf("artifacts: log artifact: %w", err)
	}
	return nil
}

func (l *Local) LogArtifacts(ctx context.Context, localDir, artifactPath string) error {
	files, err := localFiles(localDir)
	if err != nil {
		return err
	}
	dstRoot := filepath.Join(l.root, filepath.FromSlash(artifactPath))
	if err := os.MkdirAll(dstRoot, 0o750); err != nil {
		return fmt.Errorf("artifacts: create %s: %w", dstRoot, err)
	}
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		src := filepath.Join(localDir, filepath.FromSlash(rel))
		dst := filepath.Join(dstRoot, filepath.FromSlash(rel))
		if err := copyFile(src, dst); err != nil {
			return fmt.Errorf("artifacts: log artifacts: %w", err)
		}
	}
	return nil
}

func (l *Local) ListArtifacts(_ context.Context, dir string) ([]model.FileInfo, error) {
	full := filepath.Join(l.root, filepath.FromSlash(dir))
	entries, err := os.ReadDir(full)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("artifacts: list %s: %w", dir, err)
	}
	infos := make([]model.FileInfo, 0, len(entries))
	for _, e := range entries {
		rel := filepath.ToSlash(filepath.Join(filepath.FromSlash(dir), e.Name()))
		fi := model.FileInfo{Path: rel, IsDir: e.IsDir()}
		if !e.IsDir() {
			fi.FileSize = fileSize(filepath.Join(full, e.Name()))
		}
		infos = append(infos, fi)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })
	return infos, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src) //nolint:gosec // artifact paths are chosen by the caller
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer func() { _ = in.Close() }()

	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(dst), err)
	}
	out, err := os.Create(dst) //nolint:gosec // see above
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return out.Close()
}
