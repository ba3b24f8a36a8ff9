package types

import "encoding/json"

// EmbeddingModel describes an embedding-capable model.
type EmbeddingModel struct {
	// Pooling strategy applied to token embeddings.
	// example: mean
	Pooling string `json:"pooling"`
}

// ClassifierModel describes a sequence-classification model.
type ClassifierModel struct {
	ID2Label map[string]string `json:"id2label"`
	Label2ID map[string]int    `json:"label2id"`
}

// ModelType reports the served model capability. Exactly one field is set.
type ModelType struct {
	Embedding  *EmbeddingModel  `json:"embedding,omitempty"`
	Classifier *ClassifierModel `json:"classifier,omitempty"`
}

// Info is returned by GET /info.
type Info struct {
	// Model info.
	// example: thenlper/gte-base
	ModelID    string    `json:"model_id"`
	ModelSHA   string    `json:"model_sha,omitempty"`
	ModelDtype string    `json:"model_dtype"`
	ModelType  ModelType `json:"model_type"`
	// Router parameters.
	MaxConcurrentRequests int `json:"max_concurrent_requests"`
	MaxInputLength        int `json:"max_input_length"`
	MaxBatchTokens        int `json:"max_batch_tokens"`
	MaxBatchRequests      int `json:"max_batch_requests,omitempty"`
	MaxClientBatchSize    int `json:"max_client_batch_size"`
	TokenizationWorkers   int `json:"tokenization_workers"`
	// Router info.
	Version string `json:"version"`
}

// EmbedRequest is the payload for POST /embed.
type EmbedRequest struct {
	Inputs   EmbedInput `json:"inputs"`
	Truncate bool       `json:"truncate"`
	// Normalize defaults to true when omitted.
	Normalize bool `json:"normalize"`
}

// UnmarshalJSON applies the normalize=true default before decoding.
func (r *EmbedRequest) UnmarshalJSON(data []byte) error {
	type plain EmbedRequest
	req := plain{Normalize: true}
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}
	*r = EmbedRequest(req)
	return nil
}

// EmbedResponse is an ordered list of embedding vectors, one per input
// sequence, in input order. A single input yields a length-1 outer list.
type EmbedResponse [][]float64

// PredictRequest is the payload for POST /predict.
type PredictRequest struct {
	Inputs    PredictInput `json:"inputs"`
	Truncate  bool         `json:"truncate"`
	RawScores bool         `json:"raw_scores"`
}

// Prediction is one scored label.
type Prediction struct {
	// example: 0.5
	Score float64 `json:"score"`
	// example: admiration
	Label string `json:"label"`
}

// OpenAICompatRequest is the payload for POST /v1/embeddings.
type OpenAICompatRequest struct {
	Input EmbedInput `json:"input"`
	Model string     `json:"model,omitempty"`
	User  string     `json:"user,omitempty"`
}

// OpenAICompatEmbedding wraps one vector with its zero-based input index.
type OpenAICompatEmbedding struct {
	Object    string    `json:"object"`
	Embedding []float64 `json:"embedding"`
	Index     int       `json:"index"`
}

// OpenAICompatUsage reports real tokenizer counts, not a heuristic.
type OpenAICompatUsage struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// OpenAICompatResponse is the response for POST /v1/embeddings.
type OpenAICompatResponse struct {
	Object string                  `json:"object"`
	Data   []OpenAICompatEmbedding `json:"data"`
	Model  string                  `json:"model"`
	Usage  OpenAICompatUsage       `json:"usage"`
}

// ErrorType tags every user-visible error with its taxonomy kind.
type ErrorType string

const (
	ErrorTypeUnhealthy  ErrorType = "Unhealthy"
	ErrorTypeBackend    ErrorType = "Backend"
	ErrorTypeOverloaded ErrorType = "Overloaded"
	ErrorTypeValidation ErrorType = "Validation"
	ErrorTypeTokenizer  ErrorType = "Tokenizer"
)

// ErrorResponse is the plain-dialect error payload.
type ErrorResponse struct {
	// example: inputs must have less than 512 tokens
	Error     string    `json:"error"`
	ErrorType ErrorType `json:"error_type"`
}

// OpenAICompatErrorResponse carries the numeric status code alongside the
// same taxonomy tag.
type OpenAICompatErrorResponse struct {
	Message   string    `json:"message"`
	Code      int       `json:"code"`
	ErrorType ErrorType `json:"type"`
}
