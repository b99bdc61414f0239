package generation

import (
	"context"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ent0n29/jackie/internal/history"
)

// ChatClient is the part of the go-openai client used here.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIAdapter sends turns to an OpenAI compatible chat completion endpoint,
// Azure deployments included.
type OpenAIAdapter struct {
	client      ChatClient
	model       string
	temperature float32
	backend     string
}

// NewOpenAIAdapter wraps an existing chat client.
func NewOpenAIAdapter(client ChatClient, model string, temperature float32) *OpenAIAdapter {
	if strings.TrimSpace(model) == "" {
		model = DefaultOpenAIModel
	}
	return &OpenAIAdapter{client: client, model: model, temperature: temperature, backend: "openai"}
}

// NewOpenAIAdapterFromConfig talks to api.openai.com with cfg.OpenAIAPIKey.
func NewOpenAIAdapterFromConfig(cfg Config) *OpenAIAdapter {
	return NewOpenAIAdapter(openai.NewClient(strings.TrimSpace(cfg.OpenAIAPIKey)), cfg.OpenAIModel, temperatureOrDefault(cfg.Temperature))
}

// NewAzureAdapter targets one Azure OpenAI deployment.
func NewAzureAdapter(cfg Config) *OpenAIAdapter {
	clientCfg := openai.DefaultAzureConfig(strings.TrimSpace(cfg.AzureAPIKey), strings.TrimSpace(cfg.AzureEndpoint))
	clientCfg.APIVersion = strings.TrimSpace(cfg.AzureAPIVersion)
	if clientCfg.APIVersion == "" {
		clientCfg.APIVersion = DefaultAzureAPIVersion
	}
	deployment := strings.TrimSpace(cfg.AzureDeployment)
	clientCfg.AzureModelMapperFunc = func(string) string { return deployment }

	a := NewOpenAIAdapter(openai.NewClientWithConfig(clientCfg), deployment, temperatureOrDefault(cfg.Temperature))
	a.backend = "azure"
	return a
}

func temperatureOrDefault(t float32) float32 {
	if t <= 0 {
		return DefaultTemperature
	}
	return t
}

func (a *OpenAIAdapter) Generate(ctx context.Context, req Request) (Response, error) {
	started := time.Now()
	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       a.model,
		Messages:    buildChatMessages(req),
		Temperature: a.temperature,
	})
	if err != nil {
		return Response{}, fmt.Errorf("%s chat completion: %w", a.backend, err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, ErrEmptyReply
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return Response{}, ErrEmptyReply
	}
	return Response{Text: text, Backend: a.backend, Latency: time.Since(started)}, nil
}

// buildChatMessages lays the prompt out as system instructions, context block,
// prior window, then the new message.
func buildChatMessages(req Request) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.History)+3)
	if s := strings.TrimSpace(req.SystemInstructions); s != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: s})
	}
	if s := strings.TrimSpace(req.ContextBlock); s != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: s})
	}
	for _, m := range req.History {
		role := openai.ChatMessageRoleUser
		if m.Role == history.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Message})
	return msgs
}
