package textgen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
)

const DefaultModel = "claude-sonnet-4-5-20250929"

type Request struct {
	// Section names the report section being generated, e.g. "goals".
	Section   string
	System    string
	Prompt    string
	MaxTokens int
	// Fallback, when set, is returned as a successful result after every
	// attempt has failed.
	Fallback *string
}

type Provider interface {
	Generate(ctx context.Context, req Request) (string, error)
	Name() string
}

type GenkitProvider struct {
	g     *genkit.Genkit
	model string
}

// NewGenkitProvider initializes genkit with the anthropic plugin. An empty
// apiKey falls back to ANTHROPIC_API_KEY.
func NewGenkitProvider(ctx context.Context, apiKey, model string) (*GenkitProvider, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic api key is required")
	}
	model = strings.TrimSpace(model)
	if model == "" {
		model = DefaultModel
	}
	g := genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
		APIKey:  apiKey,
		BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
	}))
	return &GenkitProvider{g: g, model: model}, nil
}

func (p *GenkitProvider) Name() string {
	return "anthropic/" + p.model
}

func (p *GenkitProvider) Generate(ctx context.Context, req Request) (string, error) {
	opts := []ai.GenerateOption{
		ai.WithModelName(p.Name()),
		ai.WithPrompt(literal(req.Prompt)),
	}
	if system := strings.TrimSpace(req.System); system != "" {
		opts = append(opts, ai.WithSystem(literal(system)))
	}
	resp, err := genkit.Generate(ctx, p.g, opts...)
	if err != nil {
		return "", fmt.Errorf("genkit generate: %w", err)
	}
	return resp.Text(), nil
}

// literal escapes text for ai.WithPrompt and ai.WithSystem, which pass their
// argument through fmt.Sprintf.
func literal(text string) string {
	return strings.ReplaceAll(text, "%", "%%")
}

// HTTPProvider posts requests to a report-generation endpoint that answers
// {"content": "..."}.
type HTTPProvider struct {
	endpoint   string
	token      string
	httpClient *http.Client
}

func NewHTTPProvider(endpoint, token string, httpClient *http.Client) *HTTPProvider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	return &HTTPProvider{
		endpoint:   strings.TrimSpace(endpoint),
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
	}
}

func (p *HTTPProvider) Name() string {
	return "http"
}

type httpGenerateRequest struct {
	Section   string `json:"section,omitempty"`
	System    string `json:"system,omitempty"`
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"maxTokens,omitempty"`
}

type httpGenerateResponse struct {
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

func (p *HTTPProvider) Generate(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(httpGenerateRequest{
		Section:   req.Section,
		System:    req.System,
		Prompt:    req.Prompt,
		MaxTokens: req.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.token)
	}
	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	var out httpGenerateResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode generation response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("generation failed: %s", out.Error)
	}
	return out.Content, nil
}
