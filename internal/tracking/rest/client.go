// Package rest implements tracking.Client against an MLflow-compatible
// tracking server over its REST API.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/autolog/internal/model"
	"github.com/ashita-ai/autolog/internal/tracking"
)

const (
	apiPrefix       = "/api/2.0/mlflow"
	proxyPrefix     = "/api/2.0/mlflow-artifacts/artifacts"
	proxyScheme     = "mlflow-artifacts:"
	searchPageSize  = 1000
	maxProxyUploads = 4
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the tracking server (e.g. "http://localhost:5000").
	BaseURL string

	// Token, when set, is sent as a bearer token.
	Token string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with Timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP tracking client. All methods are safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger

	direct tracking.RunArtifacts
}

var _ tracking.Client = (*Client)(nil)

// New creates a Client from the given configuration.
func New(cfg Config, logger *slog.Logger) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  httpClient,
		logger:  logger,
	}
	c.direct = tracking.RunArtifacts{ArtifactURI: c.artifactURI}
	return c
}

func (c *Client) CreateRun(ctx context.Context, params model.CreateRunParams) (model.Run, error) {
	expID := params.ExperimentID
	if expID == "" {
		expID = model.DefaultExperimentID
	}
	start := params.StartTime
	if start == 0 {
		start = model.NowMillis()
	}
	var resp runResponse
	if err := c.post(ctx, apiPrefix+"/runs/create", createRunRequest{
		ExperimentID: expID,
		RunName:      params.RunName,
		StartTime:    start,
		Tags:         tagsToWire(params.Tags),
	}, &resp); err != nil {
		return model.Run{}, err
	}
	return resp.Run.toModel(), nil
}

func (c *Client) GetRun(ctx context.Context, runID string) (model.Run, error) {
	var resp runResponse
	if err := c.get(ctx, apiPrefix+"/runs/get", url.Values{"run_id": {runID}}, &resp); err != nil {
		return model.Run{}, err
	}
	return resp.Run.toModel(), nil
}

func (c *Client) UpdateRun(ctx context.Context, runID string, status model.RunStatus, endTime int64) error {
	req := updateRunRequest{RunID: runID, Status: string(status)}
	if status.Terminal() {
		req.EndTime = endTime
	}
	return c.post(ctx, apiPrefix+"/runs/update", req, nil)
}

// ListRuns pages through runs/search, newest first.
func (c *Client) ListRuns(ctx context.Context, experimentID string) ([]model.Run, error) {
	if experimentID == "" {
		experimentID = model.DefaultExperimentID
	}
	var (
		out   []model.Run
		token string
	)
	for {
		var resp searchRunsResponse
		if err := c.post(ctx, apiPrefix+"/runs/search", searchRunsRequest{
			ExperimentIDs: []string{experimentID},
			MaxResults:    searchPageSize,
			OrderBy:       []string{"attributes.start_time DESC"},
			PageToken:     token,
		}, &resp); err != nil {
			return nil, err
		}
		for _, r := range resp.Runs {
			out = append(out, r.toModel())
		}
		if resp.NextPageToken == "" {
			return out, nil
		}
		token = resp.NextPageToken
	}
}

func (c *Client) LogBatch(ctx context.Context, runID string, batch tracking.Batch) error {
	if batch.Empty() {
		return nil
	}
	return c.post(ctx, apiPrefix+"/runs/log-batch", logBatchRequest{
		RunID:   runID,
		Metrics: toWireMetrics(batch.Metrics),
		Params:  paramsToWire(batch.Params),
		Tags:    tagsToWire(batch.Tags),
	}, nil)
}

func (c *Client) GetMetricHistory(ctx context.Context, runID, key string) ([]model.Metric, error) {
	var (
		out   []model.Metric
		token string
	)
	for {
		q := url.Values{"run_id": {runID}, "metric_key": {key}}
		if token != "" {
			q.Set("page_token", token)
		}
		var resp metricHistoryResponse
		if err := c.get(ctx, apiPrefix+"/metrics/get-history", q, &resp); err != nil {
			return nil, err
		}
		out = append(out, fromWireMetrics(resp.Metrics)...)
		if resp.NextPageToken == "" {
			return out, nil
		}
		token = resp.NextPageToken
	}
}

// LogArtifact uploads one file. Runs whose artifact URI uses the
// mlflow-artifacts scheme are uploaded through the server's proxy; other
// URIs are written directly to the underlying store.
func (c *Client) LogArtifact(ctx context.Context, runID, localFile, artifactPath string) error {
	base, proxied, err := c.proxyBase(ctx, runID)
	if err != nil {
		return err
	}
	if !proxied {
		return c.direct.LogArtifact(ctx, runID, localFile, artifactPath)
	}
	return c.upload(ctx, localFile, path.Join(base, artifactPath, filepath.Base(localFile)))
}

// LogArtifacts uploads every file under localDir.
func (c *Client) LogArtifacts(ctx context.Context, runID, localDir, artifactPath string) error {
	base, proxied, err := c.proxyBase(ctx, runID)
	if err != nil {
		return err
	}
	if !proxied {
		return c.direct.LogArtifacts(ctx, runID, localDir, artifactPath)
	}

	var files []string
	err = filepath.WalkDir(localDir, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		files = append(files, p)
		return nil
	})
	if err != nil {
		return fmt.Errorf("rest: walk %s: %w", localDir, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxProxyUploads)
	for _, f := range files {
		rel, err := filepath.Rel(localDir, f)
		if err != nil {
			return err
		}
		dst := path.Join(base, artifactPath, filepath.ToSlash(rel))
		g.Go(func() error { return c.upload(gctx, f, dst) })
	}
	return g.Wait()
}

// ListArtifacts asks the server, which can read every artifact store it
// hands out URIs for.
func (c *Client) ListArtifacts(ctx context.Context, runID, dir string) ([]model.FileInfo, error) {
	q := url.Values{"run_id": {runID}}
	if dir != "" {
		q.Set("path", dir)
	}
	var resp listArtifactsResponse
	if err := c.get(ctx, apiPrefix+"/artifacts/list", q, &resp); err != nil {
		return nil, err
	}
	out := make([]model.FileInfo, 0, len(resp.Files))
	for _, f := range resp.Files {
		out = append(out, model.FileInfo{Path: f.Path, IsDir: f.IsDir, FileSize: int64(f.FileSize)})
	}
	return out, nil
}

func (c *Client) artifactURI(ctx context.Context, runID string) (string, error) {
	run, err := c.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}
	return run.Info.ArtifactURI, nil
}

// proxyBase returns the proxy path of a run's artifact root when the run
// uses the mlflow-artifacts scheme.
func (c *Client) proxyBase(ctx context.Context, runID string) (string, bool, error) {
	uri, err := c.artifactURI(ctx, runID)
	if err != nil {
		return "", false, err
	}
	if !strings.HasPrefix(uri, proxyScheme) {
		return "", false, nil
	}
	u, err := url.Parse(uri)
	if err != nil {
		return "", false, fmt.Errorf("rest: parse artifact uri %q: %w", uri, err)
	}
	return strings.TrimPrefix(u.Path, "/"), true, nil
}

func (c *Client) upload(ctx context.Context, localFile, dst string) error {
	f, err := os.Open(localFile) //nolint:gosec // artifact paths are chosen by the caller
	if err != nil {
		return fmt.Errorf("rest: open %s: %w", localFile, err)
	}
	defer func() { _ = f.Close() }()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+proxyPrefix+"/"+dst, f)
	if err != nil {
		return fmt.Errorf("rest: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	return c.doRequest(req, nil)
}

func (c *Client) post(ctx context.Context, p string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("rest: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+p, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("rest: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(req, dest)
}

func (c *Client) get(ctx context.Context, p string, query url.Values, dest any) error {
	target := c.baseURL + p
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("rest: create request: %w", err)
	}

	return c.doRequest(req, dest)
}

func (c *Client) doRequest(req *http.Request, dest any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("rest: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("rest: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil || len(bodyBytes) == 0 {
		return nil
	}
	if err := json.Unmarshal(bodyBytes, dest); err != nil {
		return fmt.Errorf("rest: decode response: %w", err)
	}
	return nil
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var e errorResponse
	if err := json.Unmarshal(body, &e); err == nil && e.Message != "" {
		apiErr.Code = e.ErrorCode
		apiErr.Message = e.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}
	return apiErr
}
