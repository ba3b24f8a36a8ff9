// Package hub resolves model artifacts from a HuggingFace-hub compatible
// remote into a local cache directory. The pipeline assembler downloads the
// full artifact set once at startup; download failures are fatal.
package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultBaseURL is the public hub endpoint.
	DefaultBaseURL = "https://huggingface.co"
	// EnvToken names the access token variable for gated repositories.
	EnvToken = "HF_TOKEN"
)

// requiredFiles must all resolve for an artifact set to be usable.
var requiredFiles = []string{"config.json", "tokenizer.json"}

// weightFiles are tried in order; the first one present in the repository wins.
var weightFiles = []string{"model.safetensors", "pytorch_model.bin"}

// DownloadError reports a failed artifact resolution: network failure,
// missing repository or missing revision.
type DownloadError struct {
	msg string
	err error
}

func (e *DownloadError) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *DownloadError) Unwrap() error { return e.err }

// IsDownloadError reports whether err is (or wraps) a DownloadError.
func IsDownloadError(err error) bool {
	var de *DownloadError
	return errors.As(err, &de)
}

// Client downloads model artifacts with retries.
type Client struct {
	http     *retryablehttp.Client
	baseURL  string
	token    string
	cacheDir string
	log      zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at a different hub endpoint.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithToken sets the access token for gated repositories.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithLogger installs a structured logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// New builds a hub client caching artifacts under cacheDir.
func New(cacheDir string, opts ...Option) *Client {
	h := retryablehttp.NewClient()
	h.RetryMax = 4
	h.RetryWaitMin = 200 * time.Millisecond
	h.RetryWaitMax = 5 * time.Second
	h.Logger = nil
	c := &Client{
		http:     h,
		baseURL:  DefaultBaseURL,
		token:    os.Getenv(EnvToken),
		cacheDir: cacheDir,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Download fetches all files required for a model revision and returns the
// local artifact directory. A model id naming an existing local directory is
// used as-is without any network access. Files already cached are not
// re-fetched.
func (c *Client) Download(ctx context.Context, modelID, revision string) (string, error) {
	if fi, err := os.Stat(modelID); err == nil && fi.IsDir() {
		return modelID, nil
	}
	if revision == "" {
		revision = "main"
	}
	dir := filepath.Join(c.cacheDir, strings.ReplaceAll(modelID, "/", "--"), revision)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", &DownloadError{msg: "create cache dir", err: err}
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range requiredFiles {
		name := name
		g.Go(func() error {
			return c.fetchFile(gctx, modelID, revision, name, dir)
		})
	}
	g.Go(func() error {
		var lastErr error
		for _, name := range weightFiles {
			if err := c.fetchFile(gctx, modelID, revision, name, dir); err == nil {
				return nil
			} else if gctx.Err() != nil {
				return err
			} else {
				lastErr = err
			}
		}
		return &DownloadError{msg: "no weight files found for " + modelID, err: lastErr}
	})
	if err := g.Wait(); err != nil {
		if IsDownloadError(err) {
			return "", err
		}
		return "", &DownloadError{msg: "could not download model artifacts", err: err}
	}
	c.log.Info().Str("model", modelID).Str("revision", revision).
		Dur("dur", time.Since(start)).Str("dir", dir).Msg("artifacts resolved")
	return dir, nil
}

func (c *Client) fetchFile(ctx context.Context, modelID, revision, name, dir string) error {
	dest := filepath.Join(dir, name)
	if _, err := os.Stat(dest); err == nil {
		return nil
	}
	url := fmt.Sprintf("%s/%s/resolve/%s/%s", c.baseURL, modelID, revision, name)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &DownloadError{msg: "build request for " + name, err: err}
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &DownloadError{msg: "fetch " + name, err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &DownloadError{msg: fmt.Sprintf("fetch %s: %s", name, resp.Status)}
	}

	// Write to a temp file first so a partial download never looks cached.
	tmp, err := os.CreateTemp(dir, name+".part-*")
	if err != nil {
		return &DownloadError{msg: "create temp file for " + name, err: err}
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return &DownloadError{msg: "write " + name, err: err}
	}
	if err := tmp.Close(); err != nil {
		return &DownloadError{msg: "close " + name, err: err}
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return &DownloadError{msg: "finalize " + name, err: err}
	}
	c.log.Debug().Str("file", name).Str("model", modelID).Msg("downloaded")
	return nil
}
