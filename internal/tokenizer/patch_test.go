package tokenizer

import (
	"reflect"
	"testing"
)

func TestPatchDisablesPadding(t *testing.T) {
	doc := map[string]any{
		"padding": map[string]any{"strategy": "BatchLongest"},
		"model":   map[string]any{"type": "BPE"},
	}
	out := Patch(doc)
	if out["padding"] != nil {
		t.Fatalf("padding must be nil after patch, got %v", out["padding"])
	}
	if doc["padding"] == nil {
		t.Fatalf("patch must not mutate its argument")
	}
}

func TestPatchMetaspacePrependScheme(t *testing.T) {
	doc := map[string]any{
		"pre_tokenizer": map[string]any{
			"type":             "Metaspace",
			"replacement":      "▁",
			"add_prefix_space": true,
			"prepend_scheme":   "always",
		},
	}
	out := Patch(doc)
	pre := out["pre_tokenizer"].(map[string]any)
	if pre["prepend_scheme"] != "first" {
		t.Fatalf("got prepend_scheme %v, want first", pre["prepend_scheme"])
	}
	if _, ok := pre["add_prefix_space"]; ok {
		t.Fatalf("add_prefix_space must be dropped")
	}
	// The original document keeps its settings.
	orig := doc["pre_tokenizer"].(map[string]any)
	if orig["prepend_scheme"] != "always" || orig["add_prefix_space"] != true {
		t.Fatalf("patch mutated its argument: %v", orig)
	}
}

func TestPatchMetaspaceInsideSequence(t *testing.T) {
	doc := map[string]any{
		"pre_tokenizer": map[string]any{
			"type": "Sequence",
			"pretokenizers": []any{
				map[string]any{"type": "WhitespaceSplit"},
				map[string]any{"type": "Metaspace", "prepend_scheme": "always"},
			},
		},
	}
	out := Patch(doc)
	members := out["pre_tokenizer"].(map[string]any)["pretokenizers"].([]any)
	if members[0].(map[string]any)["type"] != "WhitespaceSplit" {
		t.Fatalf("non-metaspace member must be left untouched")
	}
	if members[1].(map[string]any)["prepend_scheme"] != "first" {
		t.Fatalf("nested metaspace not patched: %v", members[1])
	}
}

func TestPatchIdempotent(t *testing.T) {
	doc := map[string]any{
		"padding":       map[string]any{"strategy": "Fixed"},
		"pre_tokenizer": map[string]any{"type": "Metaspace", "add_prefix_space": true},
	}
	once := Patch(doc)
	twice := Patch(once)
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("patch is not idempotent:\nonce:  %v\ntwice: %v", once, twice)
	}
}

func TestPatchNoPreTokenizer(t *testing.T) {
	out := Patch(map[string]any{"model": map[string]any{"type": "WordPiece"}})
	if _, ok := out["pre_tokenizer"]; ok {
		t.Fatalf("patch must not invent a pre_tokenizer")
	}
}
