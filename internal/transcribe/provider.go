// Package transcribe turns recorded audio into text.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jesuslovei/memory-check-drive/internal/config"
)

const (
	ModeMock   = "mock"
	ModeOpenAI = "openai"
	ModeExec   = "exec"
)

// Request is one recording to transcribe. Language is a catalog language
// code; providers translate it with their hint table.
type Request struct {
	Audio    []byte
	Language string
	MIMEType string
	Filename string
}

// Result captures provider output.
type Result struct {
	Text       string
	Confidence float64
}

// Provider abstracts transcription backends.
type Provider interface {
	Transcribe(ctx context.Context, req Request) (Result, error)
}

// Error is a failed transcription. The submission is aborted and nothing is recorded.
type Error struct {
	Provider string
	Timeout  bool
	Err      error
}

func (e *Error) Error() string {
	if e.Timeout {
		return fmt.Sprintf("transcription via %s timed out: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("transcription via %s failed: %v", e.Provider, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds the provider selected by cfg.Mode, bounded by cfg.TimeoutMS.
func New(cfg config.TranscriptionConfig) (Provider, error) {
	var (
		p   Provider
		err error
	)
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	switch mode {
	case "", ModeMock:
		mode = ModeMock
		p = NewMock(cfg.MockText)
	case ModeOpenAI:
		p, err = NewOpenAI(cfg.OpenAI, nil)
	case ModeExec:
		p, err = NewExec(cfg.Exec, cfg.PCM)
	default:
		return nil, fmt.Errorf("unknown transcription mode %q", cfg.Mode)
	}
	if err != nil {
		return nil, err
	}
	p = WithLanguageHints(p, cfg.LanguageHints)
	return WithTimeout(mode, p, time.Duration(cfg.TimeoutMS)*time.Millisecond), nil
}

type hinted struct {
	next  Provider
	hints map[string]string
}

// WithLanguageHints rewrites catalog language codes ("kr") into provider codes ("ko").
func WithLanguageHints(p Provider, hints map[string]string) Provider {
	if len(hints) == 0 {
		return p
	}
	return &hinted{next: p, hints: hints}
}

func (h *hinted) Transcribe(ctx context.Context, req Request) (Result, error) {
	if code, ok := h.hints[req.Language]; ok {
		req.Language = code
	}
	return h.next.Transcribe(ctx, req)
}

type bounded struct {
	name    string
	next    Provider
	timeout time.Duration
}

// WithTimeout bounds every call by timeout and wraps failures in *Error. A
// provider that ignores cancellation is abandoned when the deadline passes.
func WithTimeout(name string, p Provider, timeout time.Duration) Provider {
	return &bounded{name: name, next: p, timeout: timeout}
}

type outcome struct {
	res Result
	err error
}

func (b *bounded) Transcribe(ctx context.Context, req Request) (Result, error) {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	done := make(chan outcome, 1)
	go func() {
		res, err := b.next.Transcribe(ctx, req)
		done <- outcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return Result{}, b.wrap(ctx, out.err)
		}
		out.res.Text = strings.TrimSpace(out.res.Text)
		return out.res, nil
	case <-ctx.Done():
		return Result{}, b.wrap(ctx, ctx.Err())
	}
}

func (b *bounded) wrap(ctx context.Context, err error) error {
	timeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)
	var terr *Error
	if errors.As(err, &terr) {
		terr.Timeout = terr.Timeout || timeout
		return terr
	}
	return &Error{Provider: b.name, Timeout: timeout, Err: err}
}
