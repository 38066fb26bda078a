package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/autolog/internal/model"
)

// maxParallelUploads bounds concurrent object uploads per LogArtifacts call.
const maxParallelUploads = 8

// s3API is the subset of *s3.Client the repository uses.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3 stores artifacts under a key prefix of an S3 bucket.
type S3 struct {
	client s3API
	bucket string
	prefix string
}

// NewS3 creates a repository using the default AWS credential chain
// (environment, shared config, instance role).
func NewS3(ctx context.Context, bucket, prefix string) (*S3, error) {
	if bucket == "" {
		return nil, fmt.Errorf("artifacts: s3 uri has no bucket")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("artifacts: load aws config: %w", err)
	}
	return newS3WithClient(s3.NewFromConfig(cfg), bucket, prefix), nil
}

func newS3WithClient(client s3API, bucket, prefix string) *S3 {
	return &S3{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func (r *S3) LogArtifact(ctx context.Context, localFile, artifactPath string) error {
	key := objectKey(r.prefix, artifactPath, filepath.Base(localFile))
	if err := r.put(ctx, localFile, key); err != nil {
		return fmt.Errorf("artifacts: s3 log artifact: %w", err)
	}
	return nil
}

func (r *S3) LogArtifacts(ctx context.Context, localDir, artifactPath string) error {
	files, err := localFiles(localDir)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelUploads)
	for _, rel := range files {
		g.Go(func() error {
			return r.put(gctx, filepath.Join(localDir, filepath.FromSlash(rel)), objectKey(r.prefix, artifactPath, rel))
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("artifacts: s3 log artifacts: %w", err)
	}
	return nil
}

func (r *S3) put(ctx context.Context, localFile, key string) error {
	f, err := os.Open(localFile) //nolint:gosec // artifact paths are chosen by the caller
	if err != nil {
		return fmt.Errorf("open %s: %w", localFile, err)
	}
	defer func() { _ = f.Close() }()

	_, err = r.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", r.bucket, key, err)
	}
	return nil
}

func (r *S3) ListArtifacts(ctx context.Context, dir string) ([]model.FileInfo, error) {
	prefix := dirPrefix(objectKey(r.prefix, dir))
	base := dirPrefix(r.prefix)

	var infos []model.FileInfo
	p := s3.NewListObjectsV2Paginator(r.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(r.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("artifacts: s3 list %s: %w", prefix, err)
		}
		for _, cp := range page.CommonPrefixes {
			rel := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), base), "/")
			infos = append(infos, model.FileInfo{Path: rel, IsDir: true})
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if key == prefix {
				continue
			}
			infos = append(infos, model.FileInfo{
				Path:     strings.TrimPrefix(key, base),
				FileSize: aws.ToInt64(obj.Size),
			})
		}
	}
	return infos, nil
}
