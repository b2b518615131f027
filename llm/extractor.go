// ABOUTME: Structured-output LLM client over the OpenAI Chat Completions API with base URL support.
// ABOUTME: Serves Groq and other OpenAI-compatible providers for metric extraction and summarization.
package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// GroqBaseURL is the OpenAI-compatible endpoint for Groq-hosted models.
const GroqBaseURL = "https://api.groq.com/openai/v1"

// Extractor produces structured values and free-text summaries from an
// OpenAI-compatible Chat Completions endpoint. Both calls are
// synchronous and may fail; callers contain failures per work item.
type Extractor struct {
	client openai.Client
	model  string
}

// NewExtractor creates an Extractor for the given model. An empty
// baseURL targets the OpenAI API itself; pass GroqBaseURL (or any other
// compatible endpoint) to route elsewhere.
func NewExtractor(apiKey, model, baseURL string) *Extractor {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Extractor{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

// Model returns the model name the extractor sends requests to.
func (e *Extractor) Model() string { return e.model }

// ExtractJSON sends prompt with a json_schema response format and
// unmarshals the model's reply into out. schemaName labels the schema
// for the provider; schema is a JSON Schema object.
func (e *Extractor) ExtractJSON(ctx context.Context, prompt, schemaName string, schema map[string]any, out any) error {
	params := openai.ChatCompletionNewParams{
		Model: e.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   schemaName,
					Schema: schema,
				},
			},
		},
	}

	resp, err := e.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return fmt.Errorf("chat completion: empty choices")
	}

	content := resp.Choices[0].Message.Content
	if err := json.Unmarshal([]byte(content), out); err != nil {
		return fmt.Errorf("decode structured output: %w", err)
	}
	return nil
}

// Complete sends prompt and returns the model's plain-text reply.
func (e *Extractor) Complete(ctx context.Context, prompt string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: e.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
	}

	resp, err := e.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion: empty choices")
	}
	return resp.Choices[0].Message.Content, nil
}
