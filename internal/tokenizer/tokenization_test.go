package tokenizer

import (
	"context"
	"testing"

	"embedd/pkg/types"
)

func newTestPool(t *testing.T, maxInputLength, positionOffset int) *Tokenization {
	t.Helper()
	tk, err := FromDocument(Patch(wordpieceDoc()))
	if err != nil {
		t.Fatalf("from document: %v", err)
	}
	pool := New(2, tk, maxInputLength, positionOffset)
	t.Cleanup(pool.Close)
	return pool
}

func TestTokenizationPositions(t *testing.T) {
	pool := newTestPool(t, 512, 2)
	enc, err := pool.Encode(context.Background(), types.Single("hello world"), false)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if enc.Len() != 4 {
		t.Fatalf("got %d tokens, want 4", enc.Len())
	}
	for i, pos := range enc.Positions {
		if pos != uint32(2+i) {
			t.Fatalf("position %d: got %d, want %d", i, pos, 2+i)
		}
	}
}

func TestTokenizationTooLong(t *testing.T) {
	pool := newTestPool(t, 3, 0)
	_, err := pool.Encode(context.Background(), types.Single("hello world"), false)
	if !IsInputTooLong(err) {
		t.Fatalf("expected input-too-long error, got %v", err)
	}
}

func TestTokenizationTruncate(t *testing.T) {
	pool := newTestPool(t, 3, 0)
	enc, err := pool.Encode(context.Background(), types.Single("hello world"), true)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if enc.Len() != 3 {
		t.Fatalf("got %d tokens after truncation, want 3", enc.Len())
	}
	if len(enc.Positions) != 3 {
		t.Fatalf("positions not sized to the truncated encoding: %v", enc.Positions)
	}
}

func TestTokenizationCancelledOnSubmit(t *testing.T) {
	// No workers and no channel buffer, so the submit path blocks and the
	// cancelled context is the only way out.
	pool := &Tokenization{jobs: make(chan encodeJob), maxInputLength: 512}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := pool.Encode(ctx, types.Single("hello"), false); err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestTokenizationConcurrent(t *testing.T) {
	pool := newTestPool(t, 512, 0)
	done := make(chan error, 16)
	for i := 0; i < 16; i++ {
		go func() {
			_, err := pool.Encode(context.Background(), types.Pair("hello", "world"), false)
			done <- err
		}()
	}
	for i := 0; i < 16; i++ {
		if err := <-done; err != nil {
			t.Fatalf("encode %d: %v", i, err)
		}
	}
}
