package artifacts

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/autolog/internal/model"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestOpenSelectsRepositoryByScheme(t *testing.T) {
	ctx := context.Background()

	repo, err := Open(ctx, t.TempDir())
	require.NoError(t, err)
	assert.IsType(t, &Local{}, repo)

	repo, err = Open(ctx, "file:///tmp/mlruns")
	require.NoError(t, err)
	require.IsType(t, &Local{}, repo)
	assert.Equal(t, "/tmp/mlruns", repo.(*Local).Root())

	_, err = Open(ctx, "ftp://host/path")
	assert.ErrorIs(t, err, ErrUnsupportedScheme)
}

func TestJoinURI(t *testing.T) {
	assert.Equal(t, filepath.Join("mlruns", "0", "abc", "artifacts"), JoinURI("mlruns", "0", "abc", "artifacts"))
	assert.Equal(t, "s3://bucket/root/0/abc/artifacts", JoinURI("s3://bucket/root", "0", "abc", "artifacts"))
	assert.Equal(t, "gs://bucket/0/abc", JoinURI("gs://bucket", "0", "abc"))
	assert.Equal(t, "file:///tmp/mlruns/0", JoinURI("file:///tmp/mlruns", "0"))
}

func TestLocalLogAndList(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	repo := NewLocal(root)

	src := t.TempDir()
	writeFile(t, filepath.Join(src, "model_summary.txt"), "Model: sequential")
	require.NoError(t, repo.LogArtifact(ctx, filepath.Join(src, "model_summary.txt"), ""))

	logs := t.TempDir()
	writeFile(t, filepath.Join(logs, "train", "events.out"), "e1")
	writeFile(t, filepath.Join(logs, "validation", "events.out"), "e2")
	require.NoError(t, repo.LogArtifacts(ctx, logs, "tensorboard_logs"))

	top, err := repo.ListArtifacts(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []model.FileInfo{
		{Path: "model_summary.txt", FileSize: int64(len("Model: sequential"))},
		{Path: "tensorboard_logs", IsDir: true},
	}, top)

	sub, err := repo.ListArtifacts(ctx, "tensorboard_logs")
	require.NoError(t, err)
	require.Len(t, sub, 2)
	assert.Equal(t, "tensorboard_logs/train", sub[0].Path)
	assert.True(t, sub[0].IsDir)

	data, err := os.ReadFile(filepath.Join(root, "tensorboard_logs", "validation", "events.out"))
	require.NoError(t, err)
	assert.Equal(t, "e2", string(data))
}

func TestLocalListMissingDirIsEmpty(t *testing.T) {
	infos, err := NewLocal(filepath.Join(t.TempDir(), "nope")).ListArtifacts(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, infos)
}

// fakeS3 keeps objects in memory and implements delimiter listing.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objects == nil {
		f.objects = map[string][]byte{}
	}
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := aws.ToString(in.Prefix)
	delim := aws.ToString(in.Delimiter)
	seen := map[string]bool{}
	out := &s3.ListObjectsV2Output{}
	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		rest := strings.TrimPrefix(k, prefix)
		if i := strings.Index(rest, delim); delim != "" && i >= 0 {
			cp := prefix + rest[:i+1]
			if !seen[cp] {
				seen[cp] = true
				out.CommonPrefixes = append(out.CommonPrefixes, types.CommonPrefix{Prefix: aws.String(cp)})
			}
			continue
		}
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k), Size: aws.Int64(int64(len(f.objects[k])))})
	}
	return out, nil
}

func TestS3LogAndList(t *testing.T) {
	ctx := context.Background()
	fake := &fakeS3{}
	repo := newS3WithClient(fake, "bucket", "/root/0/run1/artifacts/")

	src := t.TempDir()
	writeFile(t, filepath.Join(src, "model_summary.txt"), "summary")
	writeFile(t, filepath.Join(src, "logs", "train", "a.out"), "a")
	writeFile(t, filepath.Join(src, "logs", "b.out"), "bb")

	require.NoError(t, repo.LogArtifact(ctx, filepath.Join(src, "model_summary.txt"), ""))
	require.NoError(t, repo.LogArtifacts(ctx, filepath.Join(src, "logs"), "tensorboard_logs"))

	assert.Contains(t, fake.objects, "root/0/run1/artifacts/model_summary.txt")
	assert.Contains(t, fake.objects, "root/0/run1/artifacts/tensorboard_logs/train/a.out")
	assert.Contains(t, fake.objects, "root/0/run1/artifacts/tensorboard_logs/b.out")

	top, err := repo.ListArtifacts(ctx, "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []model.FileInfo{
		{Path: "tensorboard_logs", IsDir: true},
		{Path: "model_summary.txt", FileSize: 7},
	}, top)

	sub, err := repo.ListArtifacts(ctx, "tensorboard_logs")
	require.NoError(t, err)
	assert.ElementsMatch(t, []model.FileInfo{
		{Path: "tensorboard_logs/train", IsDir: true},
		{Path: "tensorboard_logs/b.out", FileSize: 2},
	}, sub)
}
