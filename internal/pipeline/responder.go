package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/tetrixcorps/voicecore/internal/metrics"
)

// Responder turns a caller transcript into spoken-response text.
type Responder interface {
	Respond(ctx context.Context, transcript, industry string) (string, error)
}

const responderSystemPrompt = `You are a phone assistant answering a live call.
Reply in one or two short spoken sentences. Do not use markup, lists or
emoji; the reply is read aloud to the caller verbatim.`

// OpenAIResponder generates responses with the OpenAI chat completions API.
type OpenAIResponder struct {
	client openai.Client
	model  openai.ChatModel
}

// NewOpenAIResponder creates a responder using the given API key.
func NewOpenAIResponder(apiKey string) *OpenAIResponder {
	return &OpenAIResponder{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  openai.ChatModelGPT4oMini,
	}
}

// Respond asks the model for a short spoken reply to the transcript.
func (r *OpenAIResponder) Respond(ctx context.Context, transcript, industry string) (string, error) {
	start := time.Now()

	system := responderSystemPrompt
	if industry != "" {
		system += " The caller reached the " + industry + " line."
	}

	resp, err := r.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: r.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(transcript),
		},
		MaxTokens: openai.Int(120),
	})
	if err != nil {
		metrics.Errors.WithLabelValues("responder").Inc()
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}

	metrics.StageDuration.WithLabelValues("responder").Observe(time.Since(start).Seconds())
	return resp.Choices[0].Message.Content, nil
}
