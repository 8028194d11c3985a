package openrouter

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/thekingoffamily/TSOS/internal/domain/fault"
	"github.com/thekingoffamily/TSOS/internal/infra/metrics"
)

const providerName = "openrouter"

var mimeByExt = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".webp": "image/webp",
	".gif":  "image/gif",
}

// Client issues single-turn multimodal chat requests to the OpenRouter
// endpoint. Transient transport faults are retried with a linear backoff
// plus a fixed cooldown before every attempt after the first.
type Client struct {
	apiKey      string
	baseURL     string
	model       string
	referer     string
	siteTitle   string
	maxAttempts int
	retryDelay  time.Duration
	cooldown    time.Duration
	transport   *Transport
	logger      *zap.Logger
}

type ClientConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Referer     string
	SiteTitle   string
	MaxAttempts int
	RetryDelay  time.Duration
	Cooldown    time.Duration
}

func NewClient(cfg ClientConfig, transport *Transport, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fault.New(fault.KindProviderUnavailable, "OPENROUTER_API_KEY is not configured")
	}

	return &Client{
		apiKey:      cfg.APIKey,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		model:       cfg.Model,
		referer:     cfg.Referer,
		siteTitle:   cfg.SiteTitle,
		maxAttempts: cfg.MaxAttempts,
		retryDelay:  cfg.RetryDelay,
		cooldown:    cfg.Cooldown,
		transport:   transport,
		logger:      logger,
	}, nil
}

func (c *Client) Name() string { return providerName }

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageRef `json:"image_url,omitempty"`
}

type imageRef struct {
	URL string `json:"url"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content json.RawMessage `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Describe sends one (prompt, image) pair and returns the reply text.
func (c *Client) Describe(ctx context.Context, imagePath string, prompt string) (string, error) {
	dataURI, err := encodeImage(imagePath)
	if err != nil {
		return "", err
	}

	payload := chatRequest{
		Model: c.model,
		Messages: []chatMessage{{
			Role: "user",
			Content: []contentPart{
				{Type: "text", Text: prompt},
				{Type: "image_url", ImageURL: &imageRef{URL: dataURI}},
			},
		}},
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			c.logger.Info("cooling down before retry", zap.Duration("cooldown", c.cooldown))
			if err := sleepCtx(ctx, c.cooldown); err != nil {
				return "", err
			}
		}

		c.logger.Info("calling openrouter",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.maxAttempts),
		)

		var resp chatResponse
		err := c.transport.PostJSON(ctx, c.baseURL+"/chat/completions", c.headers(), payload, &resp)
		if err == nil {
			text, extractErr := extractContent(&resp)
			if extractErr != nil {
				// Malformed reply body, not worth another round trip.
				metrics.ProviderCallsTotal.WithLabelValues("malformed").Inc()
				return "", extractErr
			}
			metrics.ProviderCallsTotal.WithLabelValues("ok").Inc()
			return text, nil
		}

		c.logger.Warn("openrouter request failed", zap.Error(err))
		metrics.ProviderCallsTotal.WithLabelValues("error").Inc()
		lastErr = err

		if !fault.IsTransient(err) || attempt >= c.maxAttempts {
			return "", err
		}

		backoff := time.Duration(attempt) * c.retryDelay
		if fault.StatusOf(err) == 429 {
			backoff += c.cooldown
		}
		metrics.ProviderRetriesTotal.Inc()
		if err := sleepCtx(ctx, backoff); err != nil {
			return "", err
		}
	}

	return "", lastErr
}

func (c *Client) headers() map[string]string {
	return map[string]string{
		"Authorization": "Bearer " + c.apiKey,
		"Content-Type":  "application/json",
		"HTTP-Referer":  c.referer,
		"X-Title":       c.siteTitle,
	}
}

func encodeImage(imagePath string) (string, error) {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return "", fault.Wrap(fault.KindProviderUnavailable,
			fmt.Sprintf("image file not found: %s", imagePath), err)
	}

	mime, ok := mimeByExt[strings.ToLower(filepath.Ext(imagePath))]
	if !ok {
		mime = "image/jpeg"
	}

	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

// extractContent returns the first textual content among the choices.
// Multi-segment content is joined with newlines.
func extractContent(resp *chatResponse) (string, error) {
	for _, choice := range resp.Choices {
		raw := choice.Message.Content
		if len(raw) == 0 {
			continue
		}

		var text string
		if err := json.Unmarshal(raw, &text); err == nil {
			return text, nil
		}

		var segments []struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(raw, &segments); err == nil {
			parts := make([]string, 0, len(segments))
			for _, seg := range segments {
				if seg.Text != "" {
					parts = append(parts, seg.Text)
				}
			}
			if combined := strings.Join(parts, "\n"); combined != "" {
				return combined, nil
			}
		}
	}
	return "", fault.New(fault.KindProviderUnavailable, "no content returned from openrouter")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
