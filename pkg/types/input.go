package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// Sequence is one logical model input unit: a single text or an ordered pair
// of texts (for cross-encoder style inputs). For a pair, order is significant
// and is preserved end-to-end.
type Sequence struct {
	First  string
	Second string
	Paired bool
}

// Single wraps one text into a Sequence.
func Single(text string) Sequence { return Sequence{First: text} }

// Pair wraps two texts into an ordered pair Sequence.
func Pair(first, second string) Sequence {
	return Sequence{First: first, Second: second, Paired: true}
}

// Chars returns the total rune count across both members.
func (s Sequence) Chars() int {
	n := utf8.RuneCountInString(s.First)
	if s.Paired {
		n += utf8.RuneCountInString(s.Second)
	}
	return n
}

// ShapeError reports a payload that falls outside the accepted input grammar.
type ShapeError struct {
	// Index is the zero-based batch element at fault, or -1 when the
	// violation is not attributable to a single element.
	Index int
	msg   string
}

func (e *ShapeError) Error() string { return e.msg }

// IsShapeError reports whether err is (or wraps) a ShapeError.
func IsShapeError(err error) bool {
	var se *ShapeError
	return errors.As(err, &se)
}

func shapeErrorf(index int, format string, args ...any) *ShapeError {
	return &ShapeError{Index: index, msg: fmt.Sprintf(format, args...)}
}

// PredictInput is the normalized form of the permissive `inputs` wire value:
// a string, a pair of strings [a, b], or a batch mixing single-element and
// two-element string lists [[a], [b, c], ...].
type PredictInput struct {
	// Sequences holds the normalized inputs in wire order.
	Sequences []Sequence
	// Batch records whether the payload used the batch form. A batch response
	// is nested even when the batch contains one sequence.
	Batch bool
}

// UnmarshalJSON is a hand-written recursive-descent normalizer: the shape of
// the first top-level element decides between the flat and batch forms, then
// every element is validated eagerly. It never reorders or drops elements and
// fails closed for anything outside the grammar.
func (p *PredictInput) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return shapeErrorf(-1, "inputs cannot be empty")
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		p.Sequences = []Sequence{Single(s)}
		p.Batch = false
		return nil
	case '[':
		var elems []json.RawMessage
		if err := json.Unmarshal(data, &elems); err != nil {
			return shapeErrorf(-1, "inputs must be a string, a pair of strings or a batch of string lists")
		}
		if len(elems) == 0 {
			return shapeErrorf(-1, "inputs cannot be an empty list")
		}
		if first := bytes.TrimSpace(elems[0]); len(first) > 0 && first[0] == '[' {
			return p.unmarshalBatch(elems)
		}
		// Flat form: exactly one or two bare strings.
		var texts []string
		if err := json.Unmarshal(data, &texts); err != nil {
			return shapeErrorf(-1, "inputs must contain only strings or only string lists")
		}
		seq, err := sequenceFromTexts(texts, -1)
		if err != nil {
			return err
		}
		p.Sequences = []Sequence{seq}
		p.Batch = false
		return nil
	default:
		return shapeErrorf(-1, "inputs must be a string or a list")
	}
}

func (p *PredictInput) unmarshalBatch(elems []json.RawMessage) error {
	seqs := make([]Sequence, 0, len(elems))
	for i, e := range elems {
		var texts []string
		if err := json.Unmarshal(e, &texts); err != nil {
			return shapeErrorf(i, "batch element %d must be a list of strings", i)
		}
		seq, err := sequenceFromTexts(texts, i)
		if err != nil {
			return err
		}
		seqs = append(seqs, seq)
	}
	p.Sequences = seqs
	p.Batch = true
	return nil
}

// sequenceFromTexts validates arity. A second element stays the second member
// of the pair; nothing is reordered.
func sequenceFromTexts(texts []string, index int) (Sequence, error) {
	switch len(texts) {
	case 1:
		return Single(texts[0]), nil
	case 2:
		return Pair(texts[0], texts[1]), nil
	default:
		return Sequence{}, shapeErrorf(index, "a sequence must be one string or a pair of strings, got %d elements", len(texts))
	}
}

// EmbedInput is the simpler input grammar used by /embed and the
// OpenAI-compatible dialect: a string or a non-empty list of strings.
type EmbedInput struct {
	Texts []string
	Batch bool
}

func (in *EmbedInput) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		in.Texts = []string{s}
		in.Batch = false
		return nil
	}
	var texts []string
	if err := json.Unmarshal(data, &texts); err != nil {
		return shapeErrorf(-1, "input must be a string or a list of strings")
	}
	if len(texts) == 0 {
		return shapeErrorf(-1, "input cannot be an empty list")
	}
	in.Texts = texts
	in.Batch = true
	return nil
}
