package httputil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// MaxResponseBody caps how much of a response body Request reads.
const MaxResponseBody = 1 << 20

// RequestConfig holds configuration for HTTP requests
type RequestConfig struct {
	Logger  *zap.Logger
	Client  *http.Client
	Headers http.Header
	Method  string
	URL     string
	// Timeout applies per attempt when Client is nil
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRequestConfig returns a config that retries 3 times, backing off
// from 100ms up to 10s.
func DefaultRequestConfig(method, url string) RequestConfig {
	return RequestConfig{
		Method:         method,
		URL:            url,
		Timeout:        5 * time.Second,
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
	}
}

// Response is a fully read HTTP response.
type Response struct {
	Headers    http.Header
	Body       []byte
	StatusCode int
}

// StatusError reports a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d, body: %s", e.StatusCode, e.Body)
}

// Temporary reports whether the server may answer differently on retry.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Request performs a body-less HTTP request. Transport errors and temporary
// status codes are retried up to MaxRetries times; other 4xx responses fail
// at once. On a status failure the response is returned with a *StatusError.
func Request(ctx context.Context, config RequestConfig) (*Response, error) {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	client := config.Client
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}

	var (
		response *Response
		attempt  int
	)
	operation := func() error {
		attempt++
		if attempt > 1 {
			logger.Debug("retrying request", zap.String("url", config.URL), zap.Int("attempt", attempt))
		}

		req, err := http.NewRequestWithContext(ctx, config.Method, config.URL, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		for key, values := range config.Headers {
			for _, value := range values {
				req.Header.Add(key, value)
			}
		}

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBody))
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}
		response = &Response{StatusCode: resp.StatusCode, Body: body, Headers: resp.Header}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			statusErr := &StatusError{StatusCode: resp.StatusCode, Body: body}
			if !statusErr.Temporary() {
				return backoff.Permanent(statusErr)
			}
			return statusErr
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = config.InitialBackoff
	b.MaxInterval = config.MaxBackoff
	b.MaxElapsedTime = 0
	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(config.MaxRetries, 0))), ctx))
	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			err = permanent.Err
		}
		logger.Warn("request failed", zap.String("url", config.URL), zap.Int("attempts", attempt), zap.Error(err))
		return response, err
	}
	return response, nil
}
