package generation

import (
	"context"
	"fmt"
	"strings"

	"github.com/ent0n29/jackie/internal/history"
)

// MockAdapter gives deterministic local replies when no model backend is set up.
type MockAdapter struct{}

// NewMockAdapter returns an adapter that echoes the message.
func NewMockAdapter() *MockAdapter { return &MockAdapter{} }

func (a *MockAdapter) Generate(ctx context.Context, req Request) (Response, error) {
	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	default:
	}
	return Response{Text: buildMockReply(req), Backend: "mock"}, nil
}

func buildMockReply(req Request) string {
	base := strings.TrimSpace(req.Message)
	if base == "" {
		base = "I am listening."
	}

	var last string
	for i := len(req.History) - 1; i >= 0; i-- {
		if req.History[i].Role == history.RoleUser {
			last = strings.TrimSpace(req.History[i].Content)
			break
		}
	}
	if last == "" {
		return fmt.Sprintf("I heard you: %s", base)
	}
	return fmt.Sprintf("I heard you: %s\nEarlier you said: %s", base, last)
}
