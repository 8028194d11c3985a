package openrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/thekingoffamily/TSOS/internal/domain/fault"
)

// Transport performs a single classified HTTP exchange with the provider,
// retrying transient network failures with a fixed delay. The client's own
// retry loop layers on top of the fault kinds surfaced here.
type Transport struct {
	httpClient *http.Client
	maxRetries int
	retryDelay time.Duration
	logger     *zap.Logger
}

type TransportConfig struct {
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

func NewTransport(cfg TransportConfig, logger *zap.Logger) *Transport {
	return &Transport{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		logger:     logger,
	}
}

// PostJSON posts payload to url and decodes the response body into out.
// Timeouts map to KindProviderTimeout; network errors and HTTP >= 400 map
// to KindProviderUnavailable. An unparseable body surfaces immediately
// without a transport-level retry.
func (t *Transport) PostJSON(ctx context.Context, url string, headers map[string]string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fault.Wrap(fault.KindProviderUnavailable, "encode request payload", err)
	}

	attempt := 0
	for {
		attempt++

		err := t.doRequest(ctx, url, headers, body, out)
		if err == nil {
			return nil
		}

		var fe *fault.Error
		if !errors.As(err, &fe) || !fe.Retryable {
			return err
		}
		if attempt > t.maxRetries {
			return err
		}

		t.logger.Warn("provider request failed, retrying",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		select {
		case <-time.After(t.retryDelay):
		case <-ctx.Done():
			return fault.Wrap(fault.KindProviderUnavailable, "request cancelled", ctx.Err())
		}
	}
}

func (t *Transport) doRequest(ctx context.Context, url string, headers map[string]string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fault.Wrap(fault.KindProviderUnavailable, "build request", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			t.logger.Warn("provider request timed out", zap.String("url", url))
			fe := fault.Wrap(fault.KindProviderTimeout, "request timed out", err)
			fe.Retryable = true
			return fe
		}
		t.logger.Warn("provider network error", zap.String("url", url), zap.Error(err))
		fe := fault.Wrap(fault.KindProviderUnavailable, "network error", err)
		fe.Retryable = true
		return fe
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		t.logger.Error("provider HTTP error",
			zap.String("url", url),
			zap.Int("status", resp.StatusCode),
		)
		return fault.WithStatus(fault.KindProviderUnavailable,
			fmt.Sprintf("HTTP %d error", resp.StatusCode), resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.logger.Error("failed to decode provider response", zap.Error(err))
		return fault.Wrap(fault.KindProviderUnavailable, "invalid response payload", err)
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
