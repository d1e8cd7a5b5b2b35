package cloud

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"traffic-eye/internal/config"
)

var (
	ErrUnknownProvider = errors.New("unknown cloud provider")
	ErrNoAPIKey        = errors.New("cloud api key not configured")
)

const (
	geminiBaseURL = "https://generativelanguage.googleapis.com/v1beta/models"
	openAIAPIURL  = "https://api.openai.com/v1/chat/completions"
)

type Request struct {
	ViolationType string
	Image         []byte
}

type Result struct {
	Confirmed     bool            `json:"is_violation"`
	ViolationType string          `json:"violation_type,omitempty"`
	Confidence    float64         `json:"confidence"`
	PlateNumber   string          `json:"plate_number,omitempty"`
	Description   string          `json:"description,omitempty"`
	Raw           json.RawMessage `json:"raw,omitempty"`
}

// Verifier asks a vision model whether the evidence shows a violation.
// Transport failures and non-2xx replies are errors; an unreadable answer is
// an unconfirmed result.
type Verifier interface {
	Provider() string
	Verify(ctx context.Context, req Request) (*Result, error)
}

func NewVerifier(cfg config.CloudConfig) (Verifier, error) {
	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	client := &http.Client{Timeout: cfg.Timeout}
	if cfg.Timeout <= 0 {
		client.Timeout = 30 * time.Second
	}

	switch cfg.Provider {
	case "gemini":
		base := cfg.Endpoint
		if base == "" {
			base = geminiBaseURL
		}
		return &GeminiClient{apiKey: cfg.APIKey, model: cfg.Model, baseURL: strings.TrimRight(base, "/"), httpClient: client}, nil
	case "openai":
		url := cfg.Endpoint
		if url == "" {
			url = openAIAPIURL
		}
		return &OpenAIClient{apiKey: cfg.APIKey, model: cfg.Model, url: url, httpClient: client}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}
}

func buildPrompt(violationType string) string {
	if violationType == "" {
		violationType = "unknown"
	}
	return "Analyze this traffic camera image. Answer in JSON format with these fields:\n" +
		"- is_violation: boolean (true if a traffic violation is visible)\n" +
		fmt.Sprintf("- violation_type: string (expected: '%s', or 'none')\n", violationType) +
		"- confidence: float (0.0 to 1.0)\n" +
		"- plate_number: string or null (vehicle license plate if readable)\n" +
		"- description: string (brief description of what you see)\n\n" +
		"Focus on: Is there a clear traffic violation? Can you read any license plates?"
}

type GeminiClient struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiRequest struct {
	Contents []struct {
		Parts []geminiPart `json:"parts"`
	} `json:"contents"`
	GenerationConfig struct {
		Temperature     float64 `json:"temperature"`
		MaxOutputTokens int     `json:"maxOutputTokens"`
	} `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

func (c *GeminiClient) Provider() string { return "gemini" }

func (c *GeminiClient) Verify(ctx context.Context, req Request) (*Result, error) {
	var body geminiRequest
	body.Contents = make([]struct {
		Parts []geminiPart `json:"parts"`
	}, 1)
	body.Contents[0].Parts = []geminiPart{
		{Text: buildPrompt(req.ViolationType)},
		{InlineData: &geminiInlineData{MimeType: "image/jpeg", Data: base64.StdEncoding.EncodeToString(req.Image)}},
	}
	body.GenerationConfig.Temperature = 0.1
	body.GenerationConfig.MaxOutputTokens = 500

	url := fmt.Sprintf("%s/%s:generateContent?key=%s", c.baseURL, c.model, c.apiKey)
	raw, err := postJSON(ctx, c.httpClient, url, nil, body)
	if err != nil {
		return nil, err
	}

	var resp geminiResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return unconfirmed(raw), nil
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return unconfirmed(raw), nil
	}
	return ParseVerdict(resp.Candidates[0].Content.Parts[0].Text, raw), nil
}

type OpenAIClient struct {
	apiKey     string
	model      string
	url        string
	httpClient *http.Client
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float64         `json:"temperature"`
}

type openAIMessage struct {
	Role    string              `json:"role"`
	Content []openAIContentPart `json:"content"`
}

type openAIContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
}

type openAIImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *OpenAIClient) Provider() string { return "openai" }

func (c *OpenAIClient) Verify(ctx context.Context, req Request) (*Result, error) {
	body := openAIRequest{
		Model: c.model,
		Messages: []openAIMessage{
			{
				Role: "user",
				Content: []openAIContentPart{
					{Type: "text", Text: buildPrompt(req.ViolationType)},
					{
						Type: "image_url",
						ImageURL: &openAIImageURL{
							URL:    fmt.Sprintf("data:image/jpeg;base64,%s", base64.StdEncoding.EncodeToString(req.Image)),
							Detail: "high",
						},
					},
				},
			},
		},
		MaxTokens:   500,
		Temperature: 0.1,
	}

	headers := map[string]string{"Authorization": fmt.Sprintf("Bearer %s", c.apiKey)}
	raw, err := postJSON(ctx, c.httpClient, c.url, headers, body)
	if err != nil {
		return nil, err
	}

	var resp openAIResponse
	if err := json.Unmarshal(raw, &resp); err != nil || len(resp.Choices) == 0 {
		return unconfirmed(raw), nil
	}
	return ParseVerdict(resp.Choices[0].Message.Content, raw), nil
}

func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, payload any) ([]byte, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("cloud api returned %d: %s", resp.StatusCode, truncate(string(body), 200))
	}
	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
