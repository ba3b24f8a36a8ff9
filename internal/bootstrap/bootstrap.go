// Package bootstrap assembles the inference pipeline at process start:
// artifact resolution, descriptor parsing, tokenizer preparation, backend
// construction, a mandatory health check, and finally the request queue and
// engine. The assembler runs exactly once per process; any failure is
// terminal and the process must restart to retry.
package bootstrap

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/rs/zerolog"

	"embedd/internal/backend"
	"embedd/internal/hub"
	"embedd/internal/infer"
	"embedd/internal/model"
	"embedd/internal/queue"
	"embedd/internal/tokenizer"
	"embedd/pkg/types"
)

// State is one step of the assembly sequence.
type State string

const (
	StateUnconfigured       State = "unconfigured"
	StateArtifactsResolving State = "artifacts_resolving"
	StateConfigParsed       State = "config_parsed"
	StateTokenizerReady     State = "tokenizer_ready"
	StateBackendConstructed State = "backend_constructed"
	StateHealthChecked      State = "health_checked"
	StateReady              State = "ready"
	// StateFailed is terminal: there is no transition out of it.
	StateFailed State = "failed"
)

// Options configure one assembly run.
type Options struct {
	ModelID  string
	Revision string
	Hub      *hub.Client

	Dtype      backend.DType
	Pooling    backend.Pool
	BackendURL string
	ScratchDir string

	MaxBatchTokens        int
	MaxConcurrentRequests int
	MaxClientBatchSize    int
	TokenizationWorkers   int

	Version string

	// NewBackend overrides backend construction. Defaults to backend.New.
	NewBackend func(ctx context.Context, opts backend.Options) (backend.Backend, error)
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.Dtype == "" {
		opts.Dtype = backend.DTypeFloat32
	}
	if opts.Pooling == "" {
		opts.Pooling = backend.PoolMean
	}
	if opts.MaxBatchTokens <= 0 {
		opts.MaxBatchTokens = 16384
	}
	if opts.MaxConcurrentRequests <= 0 {
		opts.MaxConcurrentRequests = 512
	}
	if opts.MaxClientBatchSize <= 0 {
		opts.MaxClientBatchSize = 32
	}
	if opts.TokenizationWorkers <= 0 {
		opts.TokenizationWorkers = runtime.NumCPU()
	}
	if opts.NewBackend == nil {
		opts.NewBackend = backend.New
	}
	return opts
}

// Engine is the assembled, process-wide inference pipeline.
type Engine struct {
	Infer  *infer.Infer
	Config *model.Config
	Limits model.Limits
	Info   types.Info
}

// Assembler tracks the assembly state machine.
type Assembler struct {
	mu     sync.Mutex
	state  State
	reason string
	ran    bool
	log    zerolog.Logger
}

// NewAssembler starts in the Unconfigured state.
func NewAssembler(log zerolog.Logger) *Assembler {
	return &Assembler{state: StateUnconfigured, log: log}
}

// State returns the current assembly state.
func (a *Assembler) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Ready reports whether the pipeline reached Ready.
func (a *Assembler) Ready() bool { return a.State() == StateReady }

// FailureReason returns the terminal failure reason, if any.
func (a *Assembler) FailureReason() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reason
}

func (a *Assembler) transition(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
	a.log.Info().Str("state", string(s)).Msg("pipeline state")
}

func (a *Assembler) fail(step string, err error) error {
	wrapped := fmt.Errorf("%s: %w", step, err)
	a.mu.Lock()
	a.state = StateFailed
	a.reason = wrapped.Error()
	a.mu.Unlock()
	a.log.Error().Err(err).Str("step", step).Msg("pipeline assembly failed")
	return wrapped
}

// Assemble runs the bootstrap sequence. It blocks until the pipeline is
// Ready or has failed; no transition is retried.
func (a *Assembler) Assemble(ctx context.Context, o Options) (*Engine, error) {
	a.mu.Lock()
	if a.ran {
		a.mu.Unlock()
		return nil, fmt.Errorf("pipeline assembly already ran; restart the process to retry")
	}
	a.ran = true
	a.mu.Unlock()

	opts := o.withDefaults()

	a.transition(StateArtifactsResolving)
	modelDir, err := opts.Hub.Download(ctx, opts.ModelID, opts.Revision)
	if err != nil {
		return nil, a.fail("could not download model artifacts", err)
	}

	cfg, err := model.Load(modelDir)
	if err != nil {
		return nil, a.fail("could not read model descriptor", err)
	}
	limits, err := cfg.Resolve()
	if err != nil {
		return nil, a.fail("could not resolve runtime limits", err)
	}
	a.transition(StateConfigParsed)

	tk, err := tokenizer.Load(modelDir)
	if err != nil {
		return nil, a.fail("could not load tokenizer", err)
	}
	a.transition(StateTokenizerReady)

	modelType := backend.ModelType{Pooling: opts.Pooling}
	if cfg.Classifier() {
		modelType = backend.ModelType{Classify: true}
	}
	bk, err := opts.NewBackend(ctx, backend.Options{
		ModelDir:   modelDir,
		Dtype:      opts.Dtype,
		ModelType:  modelType,
		ScratchDir: opts.ScratchDir,
		URL:        opts.BackendURL,
	})
	if err != nil {
		return nil, a.fail("could not create backend", err)
	}
	a.transition(StateBackendConstructed)

	// The pipeline must never report Ready while unhealthy.
	if err := bk.Health(ctx); err != nil {
		bk.Close()
		return nil, a.fail("backend failed its health check", err)
	}
	a.transition(StateHealthChecked)

	tokenization := tokenizer.New(opts.TokenizationWorkers, tk, limits.MaxInputLength, limits.PositionOffset)
	maxBatchRequests := bk.MaxBatchSize()
	q := queue.New(bk, opts.MaxBatchTokens, maxBatchRequests, opts.MaxConcurrentRequests)
	eng := infer.New(tokenization, q, opts.MaxConcurrentRequests, bk)

	info := types.Info{
		ModelID:               opts.ModelID,
		ModelSHA:              opts.Revision,
		ModelDtype:            string(opts.Dtype),
		ModelType:             modelTypeInfo(cfg, opts.Pooling),
		MaxConcurrentRequests: opts.MaxConcurrentRequests,
		MaxInputLength:        limits.MaxInputLength,
		MaxBatchTokens:        opts.MaxBatchTokens,
		MaxBatchRequests:      maxBatchRequests,
		MaxClientBatchSize:    opts.MaxClientBatchSize,
		TokenizationWorkers:   opts.TokenizationWorkers,
		Version:               opts.Version,
	}

	a.transition(StateReady)
	a.log.Info().Str("model", opts.ModelID).Int("max_input_length", limits.MaxInputLength).
		Int("position_offset", limits.PositionOffset).Msg("inference engine ready")
	return &Engine{Infer: eng, Config: cfg, Limits: limits, Info: info}, nil
}

func modelTypeInfo(cfg *model.Config, pooling backend.Pool) types.ModelType {
	if cfg.Classifier() {
		return types.ModelType{Classifier: &types.ClassifierModel{
			ID2Label: cfg.ID2Label,
			Label2ID: cfg.Label2ID,
		}}
	}
	return types.ModelType{Embedding: &types.EmbeddingModel{Pooling: string(pooling)}}
}
