// Package model reads the model descriptor (config.json) shipped with a
// downloaded artifact set and derives the runtime limits the rest of the
// pipeline is sized from.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Config is the parsed model descriptor. Immutable once loaded.
type Config struct {
	Architectures         []string          `json:"architectures"`
	ModelType             string            `json:"model_type"`
	MaxPositionEmbeddings int               `json:"max_position_embeddings"`
	NPositions            int               `json:"n_positions"`
	PadTokenID            int               `json:"pad_token_id"`
	ID2Label              map[string]string `json:"id2label"`
	Label2ID              map[string]int    `json:"label2id"`
}

// Limits are derived from the descriptor, never stored on the wire.
type Limits struct {
	// MaxInputLength is the effective token capacity per sequence.
	MaxInputLength int
	// PositionOffset is the number of reserved leading position ids.
	// Non-zero only for architecture families that reserve them.
	PositionOffset int
}

// DescriptorError reports a missing or malformed model descriptor.
// Descriptor failures are fatal at startup and are never retried.
type DescriptorError struct {
	msg string
	err error
}

func (e *DescriptorError) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *DescriptorError) Unwrap() error { return e.err }

// IsDescriptorError reports whether err is (or wraps) a DescriptorError.
func IsDescriptorError(err error) bool {
	var de *DescriptorError
	return errors.As(err, &de)
}

// positionOffsetFamilies is the static allow-list of architecture families
// that reserve leading position ids (offset = pad_token_id + 1).
var positionOffsetFamilies = map[string]bool{
	"roberta":     true,
	"xlm-roberta": true,
	"camembert":   true,
}

// Load reads and parses config.json from an artifact directory.
func Load(modelDir string) (*Config, error) {
	path := filepath.Join(modelDir, "config.json")
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, &DescriptorError{msg: "config.json not found", err: err}
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, &DescriptorError{msg: "failed to parse config.json", err: err}
	}
	// n_positions is an accepted alias for max_position_embeddings.
	if cfg.MaxPositionEmbeddings == 0 {
		cfg.MaxPositionEmbeddings = cfg.NPositions
	}
	if cfg.ModelType == "" {
		return nil, &DescriptorError{msg: "config.json is missing model_type"}
	}
	if cfg.MaxPositionEmbeddings <= 0 {
		return nil, &DescriptorError{msg: "config.json is missing max_position_embeddings"}
	}
	return &cfg, nil
}

// Resolve computes the runtime limits from the descriptor.
func (c *Config) Resolve() (Limits, error) {
	offset := 0
	if positionOffsetFamilies[c.ModelType] {
		offset = c.PadTokenID + 1
	}
	maxLen := c.MaxPositionEmbeddings - offset
	if maxLen <= 0 {
		return Limits{}, &DescriptorError{msg: fmt.Sprintf(
			"max_position_embeddings %d leaves no room after position offset %d",
			c.MaxPositionEmbeddings, offset)}
	}
	return Limits{MaxInputLength: maxLen, PositionOffset: offset}, nil
}

// Classifier reports whether the descriptor declares label maps, which marks
// the model as a sequence classifier rather than an embedding model.
func (c *Config) Classifier() bool { return len(c.ID2Label) > 0 }
