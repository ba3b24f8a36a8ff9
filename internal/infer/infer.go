// Package infer binds the tokenization service, the batching queue and the
// compute backend into the long-lived inference engine. The engine is
// constructed exactly once at startup and shared read-only by every request
// handler; the only mutable shared state lives inside the queue.
package infer

import (
	"context"
	"math"
	"sync"

	"golang.org/x/sync/semaphore"
	"gonum.org/v1/gonum/floats"

	"embedd/internal/backend"
	"embedd/internal/queue"
	"embedd/internal/tokenizer"
	"embedd/pkg/types"
)

// Infer is the inference engine entry point.
type Infer struct {
	tokenization *tokenizer.Tokenization
	queue        *queue.Queue
	backend      backend.Backend

	sem           *semaphore.Weighted
	maxConcurrent int
}

// New composes the engine. maxConcurrentRequests bounds admission into the
// inference path; requests beyond the ceiling fail fast instead of queueing.
func New(tokenization *tokenizer.Tokenization, q *queue.Queue, maxConcurrentRequests int, bk backend.Backend) *Infer {
	if maxConcurrentRequests < 1 {
		maxConcurrentRequests = 1
	}
	return &Infer{
		tokenization:  tokenization,
		queue:         q,
		backend:       bk,
		sem:           semaphore.NewWeighted(int64(maxConcurrentRequests)),
		maxConcurrent: maxConcurrentRequests,
	}
}

// MaxConcurrentRequests returns the admission ceiling.
func (i *Infer) MaxConcurrentRequests() int { return i.maxConcurrent }

// Permit is a concurrency admission token. Release is idempotent and is
// always called by the engine methods that consume the permit.
type Permit struct {
	sem  *semaphore.Weighted
	once sync.Once
}

// Release returns the permit to the engine.
func (p *Permit) Release() {
	p.once.Do(func() { p.sem.Release(1) })
}

// TryAcquirePermit admits one request into the inference path. It never
// blocks: when the ceiling is reached it fails immediately with an
// Overloaded error so the caller can back off.
func (i *Infer) TryAcquirePermit() (*Permit, error) {
	if !i.sem.TryAcquire(1) {
		return nil, Errorf(types.ErrorTypeOverloaded, "model is overloaded, please retry later")
	}
	return &Permit{sem: i.sem}, nil
}

// Embedding is the result of one embed call.
type Embedding struct {
	Results []float64
	// PromptTokens is the real tokenizer count for the input.
	PromptTokens int
}

// Embed tokenizes one sequence, submits it to the batching queue and awaits
// the batched result. The permit is released on every path; a cancelled
// context abandons the entry without its result reaching any other caller.
func (i *Infer) Embed(ctx context.Context, seq types.Sequence, truncate, normalize bool, permit *Permit) (Embedding, error) {
	defer permit.Release()
	enc, err := i.tokenization.Encode(ctx, seq, truncate)
	if err != nil {
		return Embedding{}, classifyTokenization(err)
	}
	vec, err := i.await(ctx, enc)
	if err != nil {
		return Embedding{}, err
	}
	if normalize {
		if norm := floats.Norm(vec, 2); norm > 0 {
			floats.Scale(1/norm, vec)
		}
	}
	return Embedding{Results: vec, PromptTokens: enc.Len()}, nil
}

// Classification is the result of one predict call: one score per label id,
// in label-id order.
type Classification struct {
	Scores       []float64
	PromptTokens int
}

// Predict runs a classifier model over one sequence. Unless rawScores is set
// the logits are turned into probabilities with a softmax.
func (i *Infer) Predict(ctx context.Context, seq types.Sequence, truncate, rawScores bool, permit *Permit) (Classification, error) {
	defer permit.Release()
	enc, err := i.tokenization.Encode(ctx, seq, truncate)
	if err != nil {
		return Classification{}, classifyTokenization(err)
	}
	scores, err := i.await(ctx, enc)
	if err != nil {
		return Classification{}, err
	}
	if !rawScores {
		softmax(scores)
	}
	return Classification{Scores: scores, PromptTokens: enc.Len()}, nil
}

func (i *Infer) await(ctx context.Context, enc tokenizer.Encoding) ([]float64, error) {
	respCh, err := i.queue.Submit(ctx, enc)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, wrap(types.ErrorTypeBackend, err)
	}
	select {
	case res := <-respCh:
		if res.Err != nil {
			return nil, wrap(types.ErrorTypeBackend, res.Err)
		}
		return res.Vector, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Health probes the backend through the engine.
func (i *Infer) Health(ctx context.Context) error {
	if err := i.backend.Health(ctx); err != nil {
		return wrap(types.ErrorTypeUnhealthy, err)
	}
	return nil
}

// Close tears the engine down. Only used on process shutdown.
func (i *Infer) Close() error {
	i.tokenization.Close()
	i.queue.Close()
	return i.backend.Close()
}

func softmax(scores []float64) {
	if len(scores) == 0 {
		return
	}
	max := floats.Max(scores)
	for idx, s := range scores {
		scores[idx] = math.Exp(s - max)
	}
	if sum := floats.Sum(scores); sum > 0 {
		floats.Scale(1/sum, scores)
	}
}
