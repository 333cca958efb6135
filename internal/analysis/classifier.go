// Package analysis provides AI plant health classification.
package analysis

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	apperrors "github.com/kimhsiao/fieldmap/backend/internal/errors"
	"github.com/kimhsiao/fieldmap/backend/internal/models"
)

// DefaultEndpoint is the OpenAI chat completions URL. Any OpenAI-compatible
// server (Ollama, vLLM) can be used instead.
const DefaultEndpoint = "https://api.openai.com/v1/chat/completions"

// DefaultModel is a vision-capable chat model.
const DefaultModel = "gpt-4o"

const systemPrompt = `You are an expert agronomist. Analyze the plant image provided.
Return ONLY a valid JSON object (no markdown, no backticks) with this structure:
{
  "plantName": "string (e.g. Tomato, Corn)",
  "healthStatus": "string (strictly one of: 'healthy', 'pest', 'disease', 'water-stress')",
  "confidence": number (0-100),
  "diagnosis": "string (short 1 sentence explanation)"
}
If the image is not a plant, return "healthStatus": "error".`

// Config holds AI service configuration.
type Config struct {
	Endpoint  string        `mapstructure:"endpoint"`
	APIKey    string        `mapstructure:"api_key"`
	Model     string        `mapstructure:"model"`
	MaxTokens int           `mapstructure:"max_tokens"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// Result is the classifier's verdict for one image.
type Result struct {
	PlantName    string  `json:"plantName"`
	HealthStatus string  `json:"healthStatus"`
	Confidence   float64 `json:"confidence"`
	Diagnosis    string  `json:"diagnosis"`
}

// NotAPlant reports whether the model rejected the image.
func (r Result) NotAPlant() bool {
	return strings.EqualFold(r.HealthStatus, "error")
}

// Annotations converts the verdict to record annotations. Unknown health
// states are dropped.
func (r Result) Annotations() models.Annotations {
	if r.NotAPlant() {
		return models.Annotations{}
	}
	health, err := models.ParseHealthState(r.HealthStatus)
	if err != nil {
		health = ""
	}
	return models.Annotations{
		HealthState:  health,
		DetectedCrop: strings.TrimSpace(r.PlantName),
		Diagnosis:    strings.TrimSpace(r.Diagnosis),
		Confidence:   r.Confidence,
	}
}

// Classifier sends images to a vision chat model.
type Classifier struct {
	config     Config
	httpClient *http.Client
}

// NewClassifier creates a Classifier. It fails when no API key is set.
func NewClassifier(cfg Config) (*Classifier, error) {
	if cfg.APIKey == "" {
		return nil, apperrors.New(apperrors.ErrAINotConfigured, "AI API key is missing")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 300
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	return &Classifier{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Classify asks the model to identify the crop and its health.
func (c *Classifier) Classify(ctx context.Context, image []byte) (*Result, error) {
	if len(image) == 0 {
		return nil, apperrors.New(apperrors.ErrInvalid, "image is empty")
	}

	dataURL := fmt.Sprintf("data:%s;base64,%s",
		mimetype.Detect(image).String(), base64.StdEncoding.EncodeToString(image))

	reqBody := chatRequest{
		Model: c.config.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: []contentPart{
				{Type: "text", Text: "Analyze this plant."},
				{Type: "image_url", ImageURL: &imageURL{URL: dataURL, Detail: "low"}},
			}},
		},
		MaxTokens:   c.config.MaxTokens,
		Temperature: 0.1,
	}

	resp, err := c.do(ctx, reqBody)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, apperrors.New(apperrors.ErrAIFailed, "no response from AI")
	}

	result, err := parseResult(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrAIFailed, "failed to parse AI response", err)
	}
	return result, nil
}

func (c *Classifier) do(ctx context.Context, reqBody chatRequest) (*chatResponse, error) {
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrAIFailed, "failed to create request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrAIFailed, "AI request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrAIFailed, "failed to read response", err)
	}

	var out chatResponse
	if err := json.Unmarshal(body, &out); err != nil && resp.StatusCode == http.StatusOK {
		return nil, apperrors.Wrap(apperrors.ErrAIFailed, "failed to parse response", err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("AI service returned status %d", resp.StatusCode)
		if out.Error != nil && out.Error.Message != "" {
			msg += ": " + out.Error.Message
		}
		return nil, apperrors.New(apperrors.ErrAIFailed, msg)
	}
	return &out, nil
}

// parseResult decodes the model output, tolerating markdown code fences.
func parseResult(content string) (*Result, error) {
	clean := strings.ReplaceAll(content, "```json", "")
	clean = strings.ReplaceAll(clean, "```", "")
	clean = strings.TrimSpace(clean)

	var r Result
	if err := json.Unmarshal([]byte(clean), &r); err != nil {
		return nil, err
	}
	if r.Confidence < 0 {
		r.Confidence = 0
	} else if r.Confidence > 100 {
		r.Confidence = 100
	}
	return &r, nil
}
