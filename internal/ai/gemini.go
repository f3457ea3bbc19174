package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// GeminiProvider talks to the Google generative language REST API
// (v1beta). One instance is bound to one model.
type GeminiProvider struct {
	BaseURL string
	APIKey  string
	Model   string
	Client  *http.Client
}

func NewGeminiProvider(baseURL, apiKey, model string) *GeminiProvider {
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	if model == "" {
		model = "gemini-1.5-flash"
	}
	return &GeminiProvider{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Model:   model,
		Client:  &http.Client{Timeout: 90 * time.Second},
	}
}

type geminiBlob struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiPart struct {
	Text       string      `json:"text,omitempty"`
	InlineData *geminiBlob `json:"inline_data,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature     float64 `json:"temperature"`
	TopK            int     `json:"topK"`
	TopP            float64 `json:"topP"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type geminiGenerateReq struct {
	Contents         []geminiContent        `json:"contents"`
	GenerationConfig geminiGenerationConfig `json:"generationConfig"`
}

type geminiAPIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

type geminiGenerateResp struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
	Error *geminiAPIError `json:"error,omitempty"`
}

type geminiModelList struct {
	Models []struct {
		Name                       string   `json:"name"`
		DisplayName                string   `json:"displayName"`
		Description                string   `json:"description"`
		InputTokenLimit            int      `json:"inputTokenLimit"`
		OutputTokenLimit           int      `json:"outputTokenLimit"`
		SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
	} `json:"models"`
	Error *geminiAPIError `json:"error,omitempty"`
}

// geminiContents maps provider-neutral history to the wire shape. The API
// expects role "model" where we store "assistant".
func geminiContents(messages []Message) []geminiContent {
	out := make([]geminiContent, 0, len(messages))
	for _, m := range messages {
		role := "user"
		if m.Role == "assistant" || m.Role == "model" {
			role = "model"
		}
		parts := make([]geminiPart, 0, len(m.Parts))
		for _, p := range m.Parts {
			if p.InlineData != nil {
				parts = append(parts, geminiPart{InlineData: &geminiBlob{
					MIMEType: p.InlineData.MIMEType,
					Data:     p.InlineData.Data,
				}})
				continue
			}
			parts = append(parts, geminiPart{Text: p.Text})
		}
		out = append(out, geminiContent{Role: role, Parts: parts})
	}
	return out
}

func defaultGenerationConfig() geminiGenerationConfig {
	return geminiGenerationConfig{
		Temperature:     0.7,
		TopK:            40,
		TopP:            0.95,
		MaxOutputTokens: 8192,
	}
}

// classifyHTTPError maps API failures onto the package error taxonomy.
func classifyHTTPError(status int, body []byte) error {
	var decoded struct {
		Error *geminiAPIError `json:"error"`
	}
	msg := ""
	if err := json.Unmarshal(body, &decoded); err == nil && decoded.Error != nil {
		msg = decoded.Error.Message
	}
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	if msg == "" {
		msg = fmt.Sprintf("status %d", status)
	}
	switch status {
	case http.StatusBadRequest, http.StatusTooManyRequests:
		return fmt.Errorf("gemini: %w: %s", ErrThrottled, msg)
	default:
		return fmt.Errorf("gemini: %w: %s", ErrGenerationFailed, msg)
	}
}

// collectText extracts candidate text from one response payload and reports
// safety blocks as ErrSafetyBlocked.
func collectText(resp *geminiGenerateResp) (string, error) {
	if resp.Error != nil {
		return "", fmt.Errorf("gemini: %w: %s", ErrGenerationFailed, resp.Error.Message)
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return "", fmt.Errorf("gemini: %w (%s)", ErrSafetyBlocked, resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) == 0 {
		return "", nil
	}
	cand := resp.Candidates[0]
	if cand.FinishReason == "SAFETY" {
		return "", fmt.Errorf("gemini: %w", ErrSafetyBlocked)
	}
	var b strings.Builder
	for _, p := range cand.Content.Parts {
		b.WriteString(p.Text)
	}
	return b.String(), nil
}

func (p *GeminiProvider) endpoint(method string, stream bool) string {
	u := fmt.Sprintf("%s/models/%s:%s", strings.TrimRight(p.BaseURL, "/"), p.Model, method)
	q := url.Values{"key": {p.APIKey}}
	if stream {
		q.Set("alt", "sse")
	}
	return u + "?" + q.Encode()
}

func (p *GeminiProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	if p.Client == nil {
		return "", errors.New("gemini: http client is nil")
	}
	if strings.TrimSpace(p.APIKey) == "" {
		return "", errors.New("gemini: api key is required")
	}

	body, err := json.Marshal(geminiGenerateReq{
		Contents:         geminiContents(messages),
		GenerationConfig: defaultGenerationConfig(),
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint("generateContent", false), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("gemini: %w: %v", ErrGenerationFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
		return "", classifyHTTPError(resp.StatusCode, raw)
	}

	var decoded geminiGenerateResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("gemini: decode response: %w", err)
	}
	return collectText(&decoded)
}

// StreamChat emits incremental text chunks over SSE. Both channels close
// when streaming ends.
func (p *GeminiProvider) StreamChat(ctx context.Context, messages []Message) (<-chan string, <-chan error) {
	chunks := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		if p.Client == nil {
			errs <- errors.New("gemini: http client is nil")
			return
		}
		if strings.TrimSpace(p.APIKey) == "" {
			errs <- errors.New("gemini: api key is required")
			return
		}

		body, err := json.Marshal(geminiGenerateReq{
			Contents:         geminiContents(messages),
			GenerationConfig: defaultGenerationConfig(),
		})
		if err != nil {
			errs <- err
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint("streamGenerateContent", true), bytes.NewReader(body))
		if err != nil {
			errs <- err
			return
		}
		req.Header.Set("Content-Type", "application/json")

		// Streaming can outlast the default client timeout; ctx governs it.
		if p.Client.Timeout != 0 && p.Client.Timeout < 30*time.Second {
			p.Client.Timeout = 0
		}

		resp, err := p.Client.Do(req)
		if err != nil {
			errs <- fmt.Errorf("gemini: %w: %v", ErrGenerationFailed, err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
			errs <- classifyHTTPError(resp.StatusCode, raw)
			return
		}

		sc := bufio.NewScanner(resp.Body)
		buf := make([]byte, 0, 64*1024)
		sc.Buffer(buf, 2*1024*1024)

		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" {
				continue
			}
			var decoded geminiGenerateResp
			if err := json.Unmarshal([]byte(data), &decoded); err != nil {
				errs <- fmt.Errorf("gemini: decode chunk: %w", err)
				return
			}
			text, err := collectText(&decoded)
			if err != nil {
				errs <- err
				return
			}
			if text != "" {
				chunks <- text
			}
		}

		if err := sc.Err(); err != nil {
			errs <- fmt.Errorf("gemini: %w: %v", ErrGenerationFailed, err)
		}
	}()

	return chunks, errs
}

// preferredModelOrder pins the common models to the top of the catalog.
var preferredModelOrder = []string{"gemini-1.5-flash", "gemini-1.5-pro", "gemini-pro"}

// ListModels fetches the model catalog, keeping only content-generation
// models. The caller decides how failures fall back (see DefaultModels).
func (p *GeminiProvider) ListModels(ctx context.Context) ([]ModelInfo, error) {
	if strings.TrimSpace(p.APIKey) == "" {
		return nil, errors.New("gemini: api key is required")
	}

	u := fmt.Sprintf("%s/models?%s", strings.TrimRight(p.BaseURL, "/"),
		url.Values{"key": {p.APIKey}}.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gemini: list models: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
		return nil, classifyHTTPError(resp.StatusCode, raw)
	}

	var decoded geminiModelList
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("gemini: decode model list: %w", err)
	}
	if decoded.Error != nil {
		return nil, fmt.Errorf("gemini: list models: %s", decoded.Error.Message)
	}

	out := make([]ModelInfo, 0, len(decoded.Models))
	for _, m := range decoded.Models {
		if !supportsGenerateContent(m.SupportedGenerationMethods) {
			continue
		}
		name := strings.TrimPrefix(m.Name, "models/")
		if strings.Contains(name, "embedding") || strings.Contains(name, "aqa") {
			continue
		}
		display := m.DisplayName
		if display == "" {
			display = name
		}
		out = append(out, ModelInfo{
			Name:             name,
			DisplayName:      display,
			Description:      m.Description,
			InputTokenLimit:  m.InputTokenLimit,
			OutputTokenLimit: m.OutputTokenLimit,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return modelRank(out[i].Name) < modelRank(out[j].Name)
	})
	return out, nil
}

func supportsGenerateContent(methods []string) bool {
	for _, m := range methods {
		if m == "generateContent" {
			return true
		}
	}
	return false
}

func modelRank(name string) int {
	for i, n := range preferredModelOrder {
		if n == name {
			return i
		}
	}
	return len(preferredModelOrder)
}

// DefaultModels is the hardcoded catalog used when the live listing is
// unavailable.
func DefaultModels() []ModelInfo {
	return []ModelInfo{
		{
			Name:             "gemini-1.5-flash",
			DisplayName:      "Gemini 1.5 Flash",
			Description:      "Fast and efficient model for most tasks, 1M context window.",
			InputTokenLimit:  1000000,
			OutputTokenLimit: 8192,
		},
		{
			Name:             "gemini-1.5-pro",
			DisplayName:      "Gemini 1.5 Pro",
			Description:      "Most capable model for complex tasks, 2M context window.",
			InputTokenLimit:  2000000,
			OutputTokenLimit: 8192,
		},
		{
			Name:             "gemini-pro",
			DisplayName:      "Gemini Pro",
			Description:      "Previous generation general-purpose model.",
			InputTokenLimit:  30720,
			OutputTokenLimit: 2048,
		},
	}
}
