// Package tokenizer loads a serialized tokenizer (tokenizer.json), applies
// the serving compatibility patch and runs the tokenization worker pool that
// feeds the inference engine.
package tokenizer

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"embedd/pkg/types"
)

// Encoding is the tokenized form of one input sequence.
type Encoding struct {
	IDs       []uint32
	TypeIDs   []uint32
	Positions []uint32
}

// Len returns the token count of the encoding.
func (e Encoding) Len() int { return len(e.IDs) }

// Tokenizer is a tokenizer prepared for this engine: padding disabled,
// metaspace prepend behavior pinned, vocabulary indexed for encoding.
type Tokenizer struct {
	doc   map[string]any
	vocab map[string]uint32

	unk    uint32
	hasUnk bool

	// Wordpiece continuation prefix, e.g. "##". Empty for other models.
	continuingPrefix string
	// Metaspace whitespace marker, e.g. "▁". Empty when no metaspace
	// pre-tokenizer is active.
	metaspace string
	lowercase bool

	cls, sep    uint32
	hasSpecials bool
}

// Load reads tokenizer.json from an artifact directory. A missing file or a
// malformed schema is fatal to startup and is not retried.
func Load(modelDir string) (*Tokenizer, error) {
	path := modelDir + string(os.PathSeparator) + "tokenizer.json"
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tokenizer.json not found, only fast tokenizers are supported: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse tokenizer.json: %w", err)
	}
	return FromDocument(Patch(doc))
}

// FromDocument builds a Tokenizer from an already patched document.
func FromDocument(doc map[string]any) (*Tokenizer, error) {
	modelDoc, ok := doc["model"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("tokenizer.json has no model section")
	}
	tk := &Tokenizer{doc: doc, vocab: make(map[string]uint32)}

	modelType, _ := modelDoc["type"].(string)
	switch modelType {
	case "WordPiece":
		if err := tk.indexVocabMap(modelDoc); err != nil {
			return nil, err
		}
		tk.continuingPrefix, _ = modelDoc["continuing_subword_prefix"].(string)
		if tk.continuingPrefix == "" {
			tk.continuingPrefix = "##"
		}
	case "BPE":
		if err := tk.indexVocabMap(modelDoc); err != nil {
			return nil, err
		}
	case "Unigram":
		entries, ok := modelDoc["vocab"].([]any)
		if !ok {
			return nil, fmt.Errorf("unigram tokenizer has no vocab")
		}
		for i, entry := range entries {
			pair, ok := entry.([]any)
			if !ok || len(pair) < 1 {
				return nil, fmt.Errorf("unigram vocab entry %d is malformed", i)
			}
			token, ok := pair[0].(string)
			if !ok {
				return nil, fmt.Errorf("unigram vocab entry %d is malformed", i)
			}
			tk.vocab[token] = uint32(i)
		}
		if id, ok := modelDoc["unk_id"].(float64); ok {
			tk.unk = uint32(id)
			tk.hasUnk = true
		}
	default:
		return nil, fmt.Errorf("unsupported tokenizer model type %q", modelType)
	}

	if !tk.hasUnk {
		if unk, ok := modelDoc["unk_token"].(string); ok {
			if id, ok := tk.vocab[unk]; ok {
				tk.unk = id
				tk.hasUnk = true
			}
		}
	}
	tk.metaspace = metaspaceMarker(doc["pre_tokenizer"])
	tk.lowercase = wantsLowercase(doc["normalizer"])
	tk.findSpecials()
	return tk, nil
}

func (t *Tokenizer) indexVocabMap(modelDoc map[string]any) error {
	vocab, ok := modelDoc["vocab"].(map[string]any)
	if !ok {
		return fmt.Errorf("tokenizer vocab is missing or malformed")
	}
	for token, id := range vocab {
		n, ok := id.(float64)
		if !ok {
			return fmt.Errorf("tokenizer vocab id for %q is not a number", token)
		}
		t.vocab[token] = uint32(n)
	}
	return nil
}

// metaspaceMarker returns the whitespace replacement marker of the active
// metaspace pre-tokenizer, looking through a composite Sequence if needed.
func metaspaceMarker(pre any) string {
	m, ok := pre.(map[string]any)
	if !ok {
		return ""
	}
	switch m["type"] {
	case "Metaspace":
		if r, ok := m["replacement"].(string); ok && r != "" {
			return r
		}
		return "▁"
	case "Sequence":
		members, _ := m["pretokenizers"].([]any)
		for _, member := range members {
			if marker := metaspaceMarker(member); marker != "" {
				return marker
			}
		}
	}
	return ""
}

func wantsLowercase(norm any) bool {
	m, ok := norm.(map[string]any)
	if !ok {
		return false
	}
	switch m["type"] {
	case "Lowercase":
		return true
	case "BertNormalizer":
		lower, _ := m["lowercase"].(bool)
		return lower
	case "Sequence":
		members, _ := m["normalizers"].([]any)
		for _, member := range members {
			if wantsLowercase(member) {
				return true
			}
		}
	}
	return false
}

func (t *Tokenizer) findSpecials() {
	for _, pair := range [][2]string{{"[CLS]", "[SEP]"}, {"<s>", "</s>"}} {
		cls, okCls := t.vocab[pair[0]]
		sep, okSep := t.vocab[pair[1]]
		if okCls && okSep {
			t.cls, t.sep = cls, sep
			t.hasSpecials = true
			return
		}
	}
}

// Encode converts a sequence into token ids with segment type ids. The
// segmentation is a greedy longest-match against the serialized vocabulary,
// honoring the patched metaspace marker and wordpiece continuation prefix.
func (t *Tokenizer) Encode(seq types.Sequence) Encoding {
	var enc Encoding
	if t.hasSpecials {
		enc.push(t.cls, 0)
	}
	for _, id := range t.encodeText(seq.First) {
		enc.push(id, 0)
	}
	if t.hasSpecials {
		enc.push(t.sep, 0)
	}
	if seq.Paired {
		for _, id := range t.encodeText(seq.Second) {
			enc.push(id, 1)
		}
		if t.hasSpecials {
			enc.push(t.sep, 1)
		}
	}
	return enc
}

func (e *Encoding) push(id, typeID uint32) {
	e.IDs = append(e.IDs, id)
	e.TypeIDs = append(e.TypeIDs, typeID)
}

func (t *Tokenizer) encodeText(text string) []uint32 {
	if t.lowercase {
		text = strings.ToLower(text)
	}
	var out []uint32
	for _, word := range strings.Fields(text) {
		if t.metaspace != "" {
			word = t.metaspace + word
		}
		out = append(out, t.encodeWord(word)...)
	}
	return out
}

func (t *Tokenizer) encodeWord(word string) []uint32 {
	var out []uint32
	runes := []rune(word)
	start := 0
	for start < len(runes) {
		matched := false
		for end := len(runes); end > start; end-- {
			piece := string(runes[start:end])
			if start > 0 && t.continuingPrefix != "" {
				piece = t.continuingPrefix + piece
			}
			if id, ok := t.vocab[piece]; ok {
				out = append(out, id)
				start = end
				matched = true
				break
			}
		}
		if !matched {
			// No vocab entry covers this rune; fall back to unk and move on.
			if t.hasUnk {
				out = append(out, t.unk)
			}
			start++
		}
	}
	return out
}
