// Package queue groups admitted requests into backend batches. A batch is
// bounded by a token budget and by the backend-chosen request count budget;
// results are fanned back to each submitter over its own channel, so a result
// can never be applied to another caller.
package queue

import (
	"context"
	"errors"

	"embedd/internal/backend"
	"embedd/internal/tokenizer"
)

// Result delivers the output vector for one submitted encoding.
type Result struct {
	Vector []float64
	Err    error
}

type entry struct {
	ctx  context.Context
	enc  tokenizer.Encoding
	resp chan Result
}

// Queue owns the batching loop. Construct with New, release with Close.
type Queue struct {
	entries chan *entry
	stop    chan struct{}
	stopped chan struct{}

	maxBatchTokens   int
	maxBatchRequests int
}

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("queue is closed")

// New starts the batching loop against the given backend.
// maxBatchRequests zero means unbounded; capacity bounds the submit channel.
func New(bk backend.Backend, maxBatchTokens, maxBatchRequests, capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	q := &Queue{
		entries:          make(chan *entry, capacity),
		stop:             make(chan struct{}),
		stopped:          make(chan struct{}),
		maxBatchTokens:   maxBatchTokens,
		maxBatchRequests: maxBatchRequests,
	}
	go q.run(bk)
	return q
}

// Submit hands one encoding to the batcher. The returned channel receives
// exactly one Result unless the caller's context is cancelled first, in which
// case the entry is dropped before it joins a batch.
func (q *Queue) Submit(ctx context.Context, enc tokenizer.Encoding) (<-chan Result, error) {
	select {
	case <-q.stop:
		return nil, ErrClosed
	default:
	}
	e := &entry{ctx: ctx, enc: enc, resp: make(chan Result, 1)}
	select {
	case q.entries <- e:
		return e.resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.stop:
		return nil, ErrClosed
	}
}

// Close stops the batching loop after the in-flight batch completes.
func (q *Queue) Close() {
	close(q.stop)
	<-q.stopped
}

func (q *Queue) run(bk backend.Backend) {
	defer close(q.stopped)
	var pending *entry
	for {
		first := pending
		pending = nil
		if first == nil {
			select {
			case first = <-q.entries:
			case <-q.stop:
				return
			}
		}
		if first.ctx.Err() != nil {
			continue
		}
		batch := []*entry{first}
		tokens := first.enc.Len()

	collect:
		for q.maxBatchRequests == 0 || len(batch) < q.maxBatchRequests {
			select {
			case e := <-q.entries:
				if e.ctx.Err() != nil {
					continue
				}
				if q.maxBatchTokens > 0 && tokens+e.enc.Len() > q.maxBatchTokens {
					// Over the token budget: hold it for the next batch.
					pending = e
					break collect
				}
				batch = append(batch, e)
				tokens += e.enc.Len()
			default:
				break collect
			}
		}
		q.flush(bk, batch)
	}
}

func (q *Queue) flush(bk backend.Backend, batch []*entry) {
	encs := make([]tokenizer.Encoding, len(batch))
	for i, e := range batch {
		encs[i] = e.enc
	}
	results, err := bk.Embed(context.Background(), encs)
	for i, e := range batch {
		if err != nil {
			e.resp <- Result{Err: err}
			continue
		}
		e.resp <- Result{Vector: results[i]}
	}
}
