package queue

import (
	"context"
	"errors"
	"sync"
	"testing"

	"embedd/internal/tokenizer"
)

// recordingBackend captures each flushed batch and answers with a vector
// whose single element is the batch-global input index.
type recordingBackend struct {
	mu      sync.Mutex
	batches [][]int
	seen    int
	err     error
	block   chan struct{}
}

func (b *recordingBackend) Health(ctx context.Context) error { return nil }
func (b *recordingBackend) MaxBatchSize() int                { return 0 }
func (b *recordingBackend) Close() error                     { return nil }

func (b *recordingBackend) Embed(ctx context.Context, batch []tokenizer.Encoding) ([][]float64, error) {
	if b.block != nil {
		<-b.block
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	sizes := make([]int, len(batch))
	out := make([][]float64, len(batch))
	for i, enc := range batch {
		sizes[i] = enc.Len()
		out[i] = []float64{float64(b.seen)}
		b.seen++
	}
	b.batches = append(b.batches, sizes)
	if b.err != nil {
		return nil, b.err
	}
	return out, nil
}

func encOf(n int) tokenizer.Encoding {
	enc := tokenizer.Encoding{IDs: make([]uint32, n), TypeIDs: make([]uint32, n)}
	return enc
}

func TestQueueDeliversResult(t *testing.T) {
	bk := &recordingBackend{}
	q := New(bk, 0, 0, 8)
	defer q.Close()

	ch, err := q.Submit(context.Background(), encOf(3))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	res := <-ch
	if res.Err != nil {
		t.Fatalf("result: %v", res.Err)
	}
	if len(res.Vector) != 1 {
		t.Fatalf("unexpected vector: %v", res.Vector)
	}
}

func TestQueueTokenBudgetSplitsBatches(t *testing.T) {
	// Hold the first flush so all entries pile up, then verify the token
	// budget splits them.
	bk := &recordingBackend{block: make(chan struct{})}
	q := New(bk, 10, 0, 8)
	defer q.Close()

	var chans []<-chan Result
	// Entry of 6 tokens starts a batch; the next 6-token entry busts the
	// 10-token budget and is held for the following batch.
	for i := 0; i < 3; i++ {
		ch, err := q.Submit(context.Background(), encOf(6))
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		chans = append(chans, ch)
	}
	close(bk.block)
	for i, ch := range chans {
		if res := <-ch; res.Err != nil {
			t.Fatalf("result %d: %v", i, res.Err)
		}
	}
	bk.mu.Lock()
	defer bk.mu.Unlock()
	for _, sizes := range bk.batches {
		total := 0
		for _, n := range sizes {
			total += n
		}
		if total > 10 {
			t.Fatalf("batch exceeds token budget: %v", bk.batches)
		}
	}
}

func TestQueueRequestBudget(t *testing.T) {
	bk := &recordingBackend{block: make(chan struct{})}
	q := New(bk, 0, 2, 8)
	defer q.Close()

	var chans []<-chan Result
	for i := 0; i < 5; i++ {
		ch, err := q.Submit(context.Background(), encOf(1))
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		chans = append(chans, ch)
	}
	close(bk.block)
	for i, ch := range chans {
		if res := <-ch; res.Err != nil {
			t.Fatalf("result %d: %v", i, res.Err)
		}
	}
	bk.mu.Lock()
	defer bk.mu.Unlock()
	for _, sizes := range bk.batches {
		if len(sizes) > 2 {
			t.Fatalf("batch exceeds request budget: %v", bk.batches)
		}
	}
}

func TestQueueOrderWithinBatch(t *testing.T) {
	bk := &recordingBackend{block: make(chan struct{})}
	q := New(bk, 0, 0, 8)
	defer q.Close()

	var chans []<-chan Result
	for i := 0; i < 4; i++ {
		ch, err := q.Submit(context.Background(), encOf(1))
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		chans = append(chans, ch)
	}
	close(bk.block)
	prev := -1.0
	for i, ch := range chans {
		res := <-ch
		if res.Err != nil {
			t.Fatalf("result %d: %v", i, res.Err)
		}
		if res.Vector[0] <= prev {
			t.Fatalf("results out of submit order: %d got %v after %v", i, res.Vector[0], prev)
		}
		prev = res.Vector[0]
	}
}

func TestQueueBackendErrorFansOut(t *testing.T) {
	wantErr := errors.New("compute blew up")
	bk := &recordingBackend{err: wantErr, block: make(chan struct{})}
	q := New(bk, 0, 0, 8)
	defer q.Close()

	ch1, err := q.Submit(context.Background(), encOf(1))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	ch2, err := q.Submit(context.Background(), encOf(1))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	close(bk.block)
	for _, ch := range []<-chan Result{ch1, ch2} {
		if res := <-ch; !errors.Is(res.Err, wantErr) {
			t.Fatalf("expected backend error, got %v", res.Err)
		}
	}
}

func TestQueueSkipsCancelledEntries(t *testing.T) {
	bk := &recordingBackend{block: make(chan struct{})}
	q := New(bk, 0, 0, 8)
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	if _, err := q.Submit(ctx, encOf(1)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	cancel()
	ch, err := q.Submit(context.Background(), encOf(1))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	close(bk.block)
	if res := <-ch; res.Err != nil {
		t.Fatalf("live entry must still be served: %v", res.Err)
	}
}

func TestQueueSubmitAfterClose(t *testing.T) {
	bk := &recordingBackend{}
	q := New(bk, 0, 0, 1)
	q.Close()
	if _, err := q.Submit(context.Background(), encOf(1)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
