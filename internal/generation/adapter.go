// Package generation produces assistant replies from a language model backend.
package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/jackie/internal/history"
)

var ErrEmptyReply = errors.New("generation returned an empty reply")

// Request is everything a backend needs for one reply. History is the context
// window as it was before Message was appended.
type Request struct {
	SystemInstructions string            `json:"system"`
	ContextBlock       string            `json:"context,omitempty"`
	History            []history.Message `json:"history,omitempty"`
	Message            string            `json:"message"`
}

// Response is a generated reply and the backend that produced it.
type Response struct {
	Text    string        `json:"text"`
	Backend string        `json:"backend,omitempty"`
	Latency time.Duration `json:"-"`
}

// Adapter generates one reply per call.
type Adapter interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

// Config controls adapter construction.
type Config struct {
	Mode string

	AzureEndpoint   string
	AzureAPIKey     string
	AzureDeployment string
	AzureAPIVersion string

	OpenAIAPIKey string
	OpenAIModel  string

	HTTPURL string

	Temperature float32
}

const (
	DefaultAzureAPIVersion = "2025-01-01-preview"
	DefaultOpenAIModel     = "gpt-4o-mini"
	DefaultTemperature     = 0.7
)

func (c Config) azureReady() bool {
	return strings.TrimSpace(c.AzureEndpoint) != "" &&
		strings.TrimSpace(c.AzureAPIKey) != "" &&
		strings.TrimSpace(c.AzureDeployment) != ""
}

// NewAdapter builds the backend selected by cfg.Mode. Auto mode never fails and
// falls back to the mock when nothing is configured.
func NewAdapter(cfg Config) (Adapter, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		return newAutoAdapter(cfg), nil
	case "azure":
		if !cfg.azureReady() {
			return nil, errors.New("azure mode requires endpoint, api key and deployment name")
		}
		return NewAzureAdapter(cfg), nil
	case "openai":
		if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
			return nil, errors.New("openai mode requires an api key")
		}
		return NewOpenAIAdapterFromConfig(cfg), nil
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("http mode requires a generation url")
		}
		return NewHTTPAdapter(cfg.HTTPURL), nil
	case "mock":
		return NewMockAdapter(), nil
	default:
		return nil, fmt.Errorf("unsupported generation mode %q", cfg.Mode)
	}
}

// newAutoAdapter picks the first configured backend, Azure first. A configured
// HTTP backend is kept as the fallback of a model backend.
func newAutoAdapter(cfg Config) Adapter {
	var primary Adapter
	switch {
	case cfg.azureReady():
		primary = NewAzureAdapter(cfg)
	case strings.TrimSpace(cfg.OpenAIAPIKey) != "":
		primary = NewOpenAIAdapterFromConfig(cfg)
	}

	var secondary Adapter
	if strings.TrimSpace(cfg.HTTPURL) != "" {
		secondary = NewHTTPAdapter(cfg.HTTPURL)
	}

	switch {
	case primary != nil && secondary != nil:
		return NewFallbackAdapter(primary, secondary)
	case primary != nil:
		return primary
	case secondary != nil:
		return secondary
	default:
		return NewMockAdapter()
	}
}

// Describe names the backend chain of an adapter for startup logs.
func Describe(a Adapter) string {
	switch v := a.(type) {
	case *FallbackAdapter:
		return Describe(v.Primary()) + "+" + Describe(v.Secondary())
	case *OpenAIAdapter:
		return v.backend
	case *HTTPAdapter:
		return "http"
	case *MockAdapter:
		return "mock"
	case nil:
		return "none"
	default:
		return fmt.Sprintf("%T", a)
	}
}
