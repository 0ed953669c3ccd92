package transcribe

import (
	"context"
	"fmt"
)

type mockProvider struct {
	text string
}

// NewMock returns a provider that answers with text, or a length marker when text is empty.
func NewMock(text string) Provider {
	return &mockProvider{text: text}
}

func (m *mockProvider) Transcribe(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if m.text != "" {
		return Result{Text: m.text, Confidence: 1}, nil
	}
	return Result{Text: fmt.Sprintf("[mock transcript lang=%s bytes=%d]", req.Language, len(req.Audio))}, nil
}
