package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/jesuslovei/memory-check-drive/internal/config"
)

// ErrMissingAPIKey is returned on first use when no API key is configured.
var ErrMissingAPIKey = errors.New("openai api key is not configured")

type openAIProvider struct {
	endpoint   string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewOpenAI returns a client for the /audio/transcriptions endpoint. A nil
// client uses http.DefaultClient; the timeout comes from the caller's context.
func NewOpenAI(cfg config.OpenAIConfig, client *http.Client) (Provider, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("openai endpoint is empty")
	}
	if client == nil {
		client = http.DefaultClient
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-transcribe"
	}
	return &openAIProvider{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:     cfg.APIKey,
		model:      model,
		httpClient: client,
	}, nil
}

type openAIResponse struct {
	Text  string `json:"text"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (p *openAIProvider) Transcribe(ctx context.Context, req Request) (Result, error) {
	if p.apiKey == "" {
		return Result{}, ErrMissingAPIKey
	}

	body, contentType, err := p.encode(req)
	if err != nil {
		return Result{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/audio/transcriptions", body)
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, err
	}
	var parsed openAIResponse
	decodeErr := json.Unmarshal(data, &parsed)
	if resp.StatusCode != http.StatusOK {
		if decodeErr == nil && parsed.Error != nil && parsed.Error.Message != "" {
			return Result{}, fmt.Errorf("openai returned status %s: %s", resp.Status, parsed.Error.Message)
		}
		return Result{}, fmt.Errorf("openai returned status %s", resp.Status)
	}
	if decodeErr != nil {
		return Result{}, fmt.Errorf("decode openai response: %w", decodeErr)
	}
	return Result{Text: parsed.Text}, nil
}

func (p *openAIProvider) encode(req Request) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	filename := req.Filename
	if filename == "" {
		filename = "recording.webm"
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	if req.MIMEType != "" {
		header.Set("Content-Type", req.MIMEType)
	} else {
		header.Set("Content-Type", "application/octet-stream")
	}
	part, err := mw.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(req.Audio); err != nil {
		return nil, "", err
	}

	fields := map[string]string{
		"model":           p.model,
		"response_format": "json",
	}
	if req.Language != "" {
		fields["language"] = req.Language
	}
	for _, key := range []string{"model", "language", "response_format"} {
		value, ok := fields[key]
		if !ok {
			continue
		}
		if err := mw.WriteField(key, value); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}
