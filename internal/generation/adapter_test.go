package generation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ent0n29/jackie/internal/history"
	"github.com/ent0n29/jackie/internal/reliability"
)

type errAdapter struct{}

func (errAdapter) Generate(context.Context, Request) (Response, error) {
	return Response{}, errors.New("primary down")
}

type cancelAdapter struct{}

func (cancelAdapter) Generate(context.Context, Request) (Response, error) {
	return Response{}, context.Canceled
}

type countingAdapter struct {
	text  string
	calls int
}

func (a *countingAdapter) Generate(context.Context, Request) (Response, error) {
	a.calls++
	return Response{Text: a.text}, nil
}

type fakeChatClient struct {
	resp openai.ChatCompletionResponse
	err  error
	last openai.ChatCompletionRequest
}

func (c *fakeChatClient) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	c.last = req
	return c.resp, c.err
}

func TestNewAdapterAutoFallsBackToMock(t *testing.T) {
	a, err := NewAdapter(Config{Mode: "auto"})
	if err != nil {
		t.Fatalf("NewAdapter() error = %v", err)
	}
	if Describe(a) != "mock" {
		t.Fatalf("Describe() = %q, want mock", Describe(a))
	}

	resp, err := a.Generate(context.Background(), Request{Message: "hello"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if !strings.Contains(resp.Text, "I heard you: hello") {
		t.Fatalf("unexpected response text: %q", resp.Text)
	}
}

func TestNewAdapterAutoPrefersAzureWithHTTPFallback(t *testing.T) {
	a, err := NewAdapter(Config{
		AzureEndpoint:   "https://example.openai.azure.com",
		AzureAPIKey:     "key",
		AzureDeployment: "gpt-4o",
		HTTPURL:         "http://127.0.0.1:1/generate",
	})
	if err != nil {
		t.Fatalf("NewAdapter() error = %v", err)
	}
	if got := Describe(a); got != "azure+http" {
		t.Fatalf("Describe() = %q, want azure+http", got)
	}
}

func TestNewAdapterRejectsIncompleteModes(t *testing.T) {
	for _, cfg := range []Config{
		{Mode: "azure", AzureEndpoint: "https://x"},
		{Mode: "openai"},
		{Mode: "http"},
		{Mode: "telepathy"},
	} {
		if _, err := NewAdapter(cfg); err == nil {
			t.Fatalf("NewAdapter(%+v) expected error", cfg)
		}
	}
}

func TestOpenAIAdapterBuildsPromptInOrder(t *testing.T) {
	client := &fakeChatClient{resp: openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: " hey there "}}},
	}}
	a := NewOpenAIAdapter(client, "", 0.7)

	resp, err := a.Generate(context.Background(), Request{
		SystemInstructions: "persona",
		ContextBlock:       "profile",
		History: []history.Message{
			history.NewUserMessage("hi", time.Time{}),
			history.NewAssistantMessage("hello", time.Time{}),
		},
		Message: "how are you?",
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if resp.Text != "hey there" || resp.Backend != "openai" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if client.last.Model != DefaultOpenAIModel {
		t.Fatalf("model = %q, want %q", client.last.Model, DefaultOpenAIModel)
	}

	wantRoles := []string{
		openai.ChatMessageRoleSystem,
		openai.ChatMessageRoleSystem,
		openai.ChatMessageRoleUser,
		openai.ChatMessageRoleAssistant,
		openai.ChatMessageRoleUser,
	}
	if len(client.last.Messages) != len(wantRoles) {
		t.Fatalf("messages = %d, want %d", len(client.last.Messages), len(wantRoles))
	}
	for i, role := range wantRoles {
		if client.last.Messages[i].Role != role {
			t.Fatalf("message %d role = %q, want %q", i, client.last.Messages[i].Role, role)
		}
	}
	if client.last.Messages[4].Content != "how are you?" {
		t.Fatalf("last message = %q", client.last.Messages[4].Content)
	}
}

func TestOpenAIAdapterEmptyReply(t *testing.T) {
	a := NewOpenAIAdapter(&fakeChatClient{}, "m", 0.7)
	if _, err := a.Generate(context.Background(), Request{Message: "x"}); !errors.Is(err, ErrEmptyReply) {
		t.Fatalf("error = %v, want ErrEmptyReply", err)
	}

	a = NewOpenAIAdapter(&fakeChatClient{err: errors.New("429")}, "m", 0.7)
	if _, err := a.Generate(context.Background(), Request{Message: "x"}); err == nil {
		t.Fatalf("expected client error")
	}
}

func TestFallbackAdapterUsesFallback(t *testing.T) {
	a := NewFallbackAdapter(errAdapter{}, &countingAdapter{text: "fallback"})
	resp, err := a.Generate(context.Background(), Request{Message: "x"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if resp.Text != "fallback" {
		t.Fatalf("resp.Text = %q, want fallback", resp.Text)
	}
}

func TestFallbackAdapterSkipsFallbackOnCanceledContext(t *testing.T) {
	fb := &countingAdapter{text: "fallback"}
	a := NewFallbackAdapter(cancelAdapter{}, fb)
	_, err := a.Generate(context.Background(), Request{Message: "x"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if fb.calls != 0 {
		t.Fatalf("fallback should not be called, calls = %d", fb.calls)
	}
}

var fastRetry = reliability.Policy{Attempts: 3, Base: time.Millisecond, Cap: 2 * time.Millisecond}

func TestHTTPAdapterRetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"response": "hi " + req.Message})
	}))
	defer srv.Close()

	a := NewHTTPAdapter(srv.URL).WithRetry(fastRetry)
	resp, err := a.Generate(context.Background(), Request{Message: "ada"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if resp.Text != "hi ada" {
		t.Fatalf("resp.Text = %q, want %q", resp.Text, "hi ada")
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
}

func TestHTTPAdapterDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "bad", http.StatusBadRequest)
	}))
	defer srv.Close()

	a := NewHTTPAdapter(srv.URL).WithRetry(fastRetry)
	if _, err := a.Generate(context.Background(), Request{Message: "x"}); err == nil {
		t.Fatalf("expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestHTTPAdapterPlainTextBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("  plain reply \n"))
	}))
	defer srv.Close()

	resp, err := NewHTTPAdapter(srv.URL).Generate(context.Background(), Request{Message: "x"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if resp.Text != "plain reply" {
		t.Fatalf("resp.Text = %q", resp.Text)
	}
}

func TestMockAdapterRemembersLastUserMessage(t *testing.T) {
	resp, err := NewMockAdapter().Generate(context.Background(), Request{
		Message: "and now?",
		History: []history.Message{history.NewUserMessage("first", time.Time{})},
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if !strings.Contains(resp.Text, "Earlier you said: first") {
		t.Fatalf("unexpected mock reply: %q", resp.Text)
	}
}
