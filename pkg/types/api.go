package types

// ChatMessageIn is one message in a chat completion request body.
type ChatMessageIn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionRequest is the body of POST /v1/chat/completions.
type ChatCompletionRequest struct {
	Model            string          `json:"model"`
	Messages         []ChatMessageIn `json:"messages"`
	Stream           bool            `json:"stream,omitempty"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	TopK             *int            `json:"top_k,omitempty"`
	MaxTokens        *int            `json:"max_tokens,omitempty"`
	Stop             []string        `json:"stop,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	Seed             *int64          `json:"seed,omitempty"`
	SessionID        string          `json:"session_id,omitempty"`
}

// CompletionRequest is the body of POST /v1/completions.
type CompletionRequest struct {
	Model            string   `json:"model"`
	Prompt           string   `json:"prompt"`
	Stream           bool     `json:"stream,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	TopK             *int     `json:"top_k,omitempty"`
	MaxTokens        *int     `json:"max_tokens,omitempty"`
	Stop             []string `json:"stop,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
	Seed             *int64   `json:"seed,omitempty"`
}

// Usage reports token accounting for a completed request.
type Usage struct {
	PromptTokens     int  `json:"prompt_tokens"`
	CompletionTokens int  `json:"completion_tokens"`
	TotalTokens      int  `json:"total_tokens"`
	Truncated        bool `json:"truncated,omitempty"`
}

// ChatCompletionChoice is one entry in a non-streaming chat completion response.
type ChatCompletionChoice struct {
	Index        int           `json:"index"`
	Message      ChatMessageIn `json:"message"`
	FinishReason FinishReason  `json:"finish_reason"`
}

// ChatCompletionResponse is the body returned by a non-streaming chat completion.
type ChatCompletionResponse struct {
	ID      string                  `json:"id"`
	Object  string                  `json:"object"`
	Created int64                   `json:"created"`
	Model   string                  `json:"model"`
	Choices []ChatCompletionChoice  `json:"choices"`
	Usage   Usage                   `json:"usage"`
}

// ChatCompletionDelta carries the incremental content of one SSE chunk.
type ChatCompletionDelta struct {
	Role    Role   `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// ChatCompletionChunkChoice is one choice in a streaming SSE chunk.
type ChatCompletionChunkChoice struct {
	Index        int                  `json:"index"`
	Delta        ChatCompletionDelta  `json:"delta"`
	FinishReason *FinishReason        `json:"finish_reason"`
}

// ChatCompletionChunk is one `data:` frame of a streaming chat completion.
type ChatCompletionChunk struct {
	ID      string                      `json:"id"`
	Object  string                      `json:"object"`
	Created int64                       `json:"created"`
	Model   string                      `json:"model"`
	Choices []ChatCompletionChunkChoice `json:"choices"`
	Usage   *Usage                      `json:"usage,omitempty"`
}

// CompletionChoice is one entry in a /v1/completions response.
type CompletionChoice struct {
	Index        int          `json:"index"`
	Text         string       `json:"text"`
	FinishReason FinishReason `json:"finish_reason"`
}

// CompletionResponse is the body returned by a non-streaming text completion.
type CompletionResponse struct {
	ID      string              `json:"id"`
	Object  string              `json:"object"`
	Created int64               `json:"created"`
	Model   string              `json:"model"`
	Choices []CompletionChoice  `json:"choices"`
	Usage   Usage               `json:"usage"`
}

// EmbeddingsRequest is the body of POST /v1/embeddings.
type EmbeddingsRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

// EmbeddingDatum is one vector in an embeddings response.
type EmbeddingDatum struct {
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
}

// EmbeddingsResponse is the body returned by POST /v1/embeddings.
type EmbeddingsResponse struct {
	Data  []EmbeddingDatum `json:"data"`
	Model string           `json:"model"`
	Usage Usage            `json:"usage"`
}

// ModelListEntry is one model entry in GET /v1/models.
type ModelListEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelListResponse is the body returned by GET /v1/models.
type ModelListResponse struct {
	Object string           `json:"object"`
	Data   []ModelListEntry `json:"data"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the message and kind of a capi error.
type ErrorDetail struct {
	Message string `json:"message"`
	Kind    string `json:"kind"`
}
