package tokenizer

import (
	"context"
	"errors"
	"fmt"

	"embedd/pkg/types"
)

// InputTooLongError reports an input that exceeds the effective token
// capacity and was not allowed to be truncated.
type InputTooLongError struct {
	Count int
	Max   int
}

func (e *InputTooLongError) Error() string {
	return fmt.Sprintf("inputs must have less than %d tokens, got %d", e.Max, e.Count)
}

// IsInputTooLong reports whether err is (or wraps) an InputTooLongError.
func IsInputTooLong(err error) bool {
	var te *InputTooLongError
	return errors.As(err, &te)
}

type encodeJob struct {
	seq      types.Sequence
	truncate bool
	resp     chan encodeResult
}

type encodeResult struct {
	enc Encoding
	err error
}

// Tokenization is the tokenization service: a fixed pool of workers encoding
// sequences against the prepared tokenizer, enforcing the effective input
// length and assigning position ids starting at the positional offset.
type Tokenization struct {
	jobs           chan encodeJob
	maxInputLength int
	positionOffset int
	workers        int
}

// New starts workers goroutines. Close releases them.
func New(workers int, tk *Tokenizer, maxInputLength, positionOffset int) *Tokenization {
	if workers < 1 {
		workers = 1
	}
	t := &Tokenization{
		jobs:           make(chan encodeJob, workers*4),
		maxInputLength: maxInputLength,
		positionOffset: positionOffset,
		workers:        workers,
	}
	for i := 0; i < workers; i++ {
		go t.worker(tk)
	}
	return t
}

// Workers returns the pool size.
func (t *Tokenization) Workers() int { return t.workers }

// Encode tokenizes one sequence on the worker pool. It honors ctx while
// queueing and while waiting for the result.
func (t *Tokenization) Encode(ctx context.Context, seq types.Sequence, truncate bool) (Encoding, error) {
	job := encodeJob{seq: seq, truncate: truncate, resp: make(chan encodeResult, 1)}
	select {
	case t.jobs <- job:
	case <-ctx.Done():
		return Encoding{}, ctx.Err()
	}
	select {
	case res := <-job.resp:
		return res.enc, res.err
	case <-ctx.Done():
		return Encoding{}, ctx.Err()
	}
}

// Close stops the worker pool. Encode must not be called after Close.
func (t *Tokenization) Close() { close(t.jobs) }

func (t *Tokenization) worker(tk *Tokenizer) {
	for job := range t.jobs {
		enc := tk.Encode(job.seq)
		if enc.Len() > t.maxInputLength {
			if !job.truncate {
				job.resp <- encodeResult{err: &InputTooLongError{Count: enc.Len(), Max: t.maxInputLength}}
				continue
			}
			enc.IDs = enc.IDs[:t.maxInputLength]
			enc.TypeIDs = enc.TypeIDs[:t.maxInputLength]
		}
		enc.Positions = make([]uint32, enc.Len())
		for i := range enc.Positions {
			enc.Positions[i] = uint32(t.positionOffset + i)
		}
		job.resp <- encodeResult{enc: enc}
	}
}
