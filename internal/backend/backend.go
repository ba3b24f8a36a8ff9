// Package backend drives the tensor compute backend. The backend is consumed
// strictly through this contract: a synchronous health probe and a batched
// inference call returning one numeric vector per input encoding.
package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"embedd/internal/common/fsutil"
	"embedd/internal/tokenizer"
)

// DType selects the numeric precision the backend computes with.
type DType string

const (
	DTypeFloat32 DType = "float32"
	DTypeFloat16 DType = "float16"
)

// Pool selects the pooling strategy for embedding models.
type Pool string

const (
	PoolCLS  Pool = "cls"
	PoolMean Pool = "mean"
)

// ModelType tells the backend what to compute.
type ModelType struct {
	// Pooling applies to embedding models.
	Pooling Pool
	// Classify marks sequence classification; the backend then returns one
	// logit vector per input instead of a pooled embedding.
	Classify bool
}

// Backend is the compute contract consumed by the inference engine.
type Backend interface {
	// Health probes the backend. A non-nil error means unhealthy.
	Health(ctx context.Context) error
	// MaxBatchSize is the backend-chosen maximum batch request count.
	// Zero means unbounded.
	MaxBatchSize() int
	// Embed runs one batched inference call. The result holds exactly one
	// vector per input encoding, in input order.
	Embed(ctx context.Context, batch []tokenizer.Encoding) ([][]float64, error)
	Close() error
}

// Options configure backend construction.
type Options struct {
	// ModelDir is the resolved artifact directory.
	ModelDir  string
	Dtype     DType
	ModelType ModelType
	// ScratchDir is backend scratch space, created if absent.
	ScratchDir string
	// URL of the compute server this process drives.
	URL string
	// Extra carries backend-specific settings passed through verbatim.
	Extra map[string]string
}

// HealthError reports a failed health probe.
type HealthError struct{ err error }

func (e *HealthError) Error() string { return "backend is not healthy: " + e.err.Error() }
func (e *HealthError) Unwrap() error { return e.err }

// IsHealthError reports whether err is (or wraps) a HealthError.
func IsHealthError(err error) bool {
	var he *HealthError
	return errors.As(err, &he)
}

// weightFiles are accepted in preference order.
var weightFiles = []string{"model.safetensors", "pytorch_model.bin"}

// New constructs the compute backend against a resolved artifact directory.
// Construction failures (missing weights, unreachable compute server) are
// fatal to startup.
func New(ctx context.Context, opts Options) (Backend, error) {
	if _, err := findWeights(opts.ModelDir); err != nil {
		return nil, err
	}
	if opts.ScratchDir != "" {
		if err := os.MkdirAll(opts.ScratchDir, 0o755); err != nil {
			return nil, fmt.Errorf("create scratch dir: %w", err)
		}
	}
	if opts.Dtype == "" {
		opts.Dtype = DTypeFloat32
	}
	if opts.URL == "" {
		return nil, fmt.Errorf("no compute server URL configured")
	}
	return newHTTPBackend(ctx, opts)
}

func findWeights(modelDir string) (string, error) {
	for _, name := range weightFiles {
		if p := filepath.Join(modelDir, name); fsutil.FileExists(p) {
			return p, nil
		}
	}
	return "", fmt.Errorf("no model weights found in %s (expected one of %v)", modelDir, weightFiles)
}
