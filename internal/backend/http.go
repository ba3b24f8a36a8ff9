package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"embedd/internal/tokenizer"
)

// httpBackend drives an out-of-process compute server over HTTP. The server
// loads the weights once per process; this client sends tokenized batches and
// receives one vector per batch item.
type httpBackend struct {
	client   *retryablehttp.Client
	baseURL  string
	maxBatch int
}

type loadRequest struct {
	ModelDir   string            `json:"model_dir"`
	Dtype      DType             `json:"dtype"`
	Pooling    Pool              `json:"pooling,omitempty"`
	Classify   bool              `json:"classify,omitempty"`
	ScratchDir string            `json:"scratch_dir,omitempty"`
	Extra      map[string]string `json:"extra,omitempty"`
}

type loadResponse struct {
	MaxBatchSize int `json:"max_batch_size"`
}

type batchItem struct {
	InputIDs     []uint32 `json:"input_ids"`
	TokenTypeIDs []uint32 `json:"token_type_ids"`
	PositionIDs  []uint32 `json:"position_ids"`
}

type embedRequest struct {
	Batch []batchItem `json:"batch"`
}

type embedResponse struct {
	Results [][]float64 `json:"results"`
}

func newHTTPBackend(ctx context.Context, opts Options) (*httpBackend, error) {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.Logger = nil

	b := &httpBackend{
		client:  client,
		baseURL: strings.TrimRight(opts.URL, "/"),
	}
	// Load the model on the compute server. The server answers with the
	// maximum batch request count it is willing to serve.
	var loaded loadResponse
	err := b.postJSON(ctx, "/load", loadRequest{
		ModelDir:   opts.ModelDir,
		Dtype:      opts.Dtype,
		Pooling:    opts.ModelType.Pooling,
		Classify:   opts.ModelType.Classify,
		ScratchDir: opts.ScratchDir,
		Extra:      opts.Extra,
	}, &loaded)
	if err != nil {
		return nil, fmt.Errorf("could not create backend: %w", err)
	}
	b.maxBatch = loaded.MaxBatchSize
	return b, nil
}

func (b *httpBackend) MaxBatchSize() int { return b.maxBatch }

func (b *httpBackend) Health(ctx context.Context) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/health", nil)
	if err != nil {
		return &HealthError{err: err}
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return &HealthError{err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &HealthError{err: fmt.Errorf("compute server returned %s", resp.Status)}
	}
	return nil
}

func (b *httpBackend) Embed(ctx context.Context, batch []tokenizer.Encoding) ([][]float64, error) {
	items := make([]batchItem, len(batch))
	for i, enc := range batch {
		items[i] = batchItem{InputIDs: enc.IDs, TokenTypeIDs: enc.TypeIDs, PositionIDs: enc.Positions}
	}
	var out embedResponse
	if err := b.postJSON(ctx, "/embed", embedRequest{Batch: items}, &out); err != nil {
		return nil, err
	}
	if len(out.Results) != len(batch) {
		return nil, fmt.Errorf("compute server returned %d results for %d inputs", len(out.Results), len(batch))
	}
	return out.Results, nil
}

func (b *httpBackend) Close() error {
	b.client.HTTPClient.CloseIdleConnections()
	return nil
}

func (b *httpBackend) postJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("compute server %s: %s: %s", path, resp.Status, strings.TrimSpace(string(msg)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
