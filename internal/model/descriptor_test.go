package model

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(content), 0o644); err != nil {
		t.Fatalf("write config.json: %v", err)
	}
	return dir
}

func TestLoadBert(t *testing.T) {
	dir := writeConfig(t, `{"model_type":"bert","max_position_embeddings":512,"pad_token_id":0}`)
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	limits, err := cfg.Resolve()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if limits.MaxInputLength != 512 || limits.PositionOffset != 0 {
		t.Fatalf("unexpected limits: %+v", limits)
	}
	if cfg.Classifier() {
		t.Fatalf("bare bert config must not be a classifier")
	}
}

func TestResolveRobertaOffset(t *testing.T) {
	// roberta reserves pad_token_id+1 leading positions, so the usable
	// length is 514-2 = 512.
	dir := writeConfig(t, `{"model_type":"roberta","max_position_embeddings":514,"pad_token_id":1}`)
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	limits, err := cfg.Resolve()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if limits.PositionOffset != 2 {
		t.Fatalf("got offset %d, want 2", limits.PositionOffset)
	}
	if limits.MaxInputLength != 512 {
		t.Fatalf("got max input length %d, want 512", limits.MaxInputLength)
	}
}

func TestResolveNoOffsetKeepsCapacity(t *testing.T) {
	dir := writeConfig(t, `{"model_type":"bert","max_position_embeddings":514,"pad_token_id":1}`)
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	limits, err := cfg.Resolve()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if limits.MaxInputLength != 514 || limits.PositionOffset != 0 {
		t.Fatalf("unexpected limits: %+v", limits)
	}
}

func TestResolveOffsetFamilies(t *testing.T) {
	for _, family := range []string{"xlm-roberta", "camembert"} {
		dir := writeConfig(t, `{"model_type":"`+family+`","max_position_embeddings":514,"pad_token_id":1}`)
		cfg, err := Load(dir)
		if err != nil {
			t.Fatalf("%s: load: %v", family, err)
		}
		limits, err := cfg.Resolve()
		if err != nil {
			t.Fatalf("%s: resolve: %v", family, err)
		}
		if limits.PositionOffset != 2 || limits.MaxInputLength != 512 {
			t.Fatalf("%s: unexpected limits: %+v", family, limits)
		}
	}
}

func TestLoadNPositionsAlias(t *testing.T) {
	dir := writeConfig(t, `{"model_type":"gpt2","n_positions":1024}`)
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxPositionEmbeddings != 1024 {
		t.Fatalf("n_positions alias not applied: %+v", cfg)
	}
}

func TestLoadClassifierLabels(t *testing.T) {
	dir := writeConfig(t, `{"model_type":"bert","max_position_embeddings":512,"id2label":{"0":"NEGATIVE","1":"POSITIVE"},"label2id":{"NEGATIVE":0,"POSITIVE":1}}`)
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.Classifier() {
		t.Fatalf("id2label must mark the model as a classifier")
	}
	if cfg.ID2Label["1"] != "POSITIVE" {
		t.Fatalf("unexpected id2label: %+v", cfg.ID2Label)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(t.TempDir()); !IsDescriptorError(err) {
		t.Fatalf("missing config.json: expected descriptor error, got %v", err)
	}
	dir := writeConfig(t, `not json`)
	if _, err := Load(dir); !IsDescriptorError(err) {
		t.Fatalf("malformed json: expected descriptor error, got %v", err)
	}
	dir = writeConfig(t, `{"max_position_embeddings":512}`)
	if _, err := Load(dir); !IsDescriptorError(err) {
		t.Fatalf("missing model_type: expected descriptor error, got %v", err)
	}
	dir = writeConfig(t, `{"model_type":"bert"}`)
	if _, err := Load(dir); !IsDescriptorError(err) {
		t.Fatalf("missing max_position_embeddings: expected descriptor error, got %v", err)
	}
}

func TestResolveDegenerateLimits(t *testing.T) {
	cfg := &Config{ModelType: "roberta", MaxPositionEmbeddings: 2, PadTokenID: 1}
	if _, err := cfg.Resolve(); !IsDescriptorError(err) {
		t.Fatalf("expected descriptor error for zero usable length, got %v", err)
	}
}
