// Package shortener replaces {{linkN}} slots in template bodies with short
// links obtained from the URL shortening service.
package shortener

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"notification-pipeline/internal/common/circuitbreaker"
	commonhttp "notification-pipeline/internal/common/http"
	"notification-pipeline/internal/common/logger"
	"notification-pipeline/internal/common/metrics"
)

// Shortener turns a long URL into a short one.
type Shortener interface {
	Shorten(ctx context.Context, originalURL string) (string, error)
}

type shortenRequest struct {
	OriginalURL string `json:"original_url"`
}

type shortenResponse struct {
	ShortURL string `json:"short_url"`
}

// Client calls POST {base}/shorten through a circuit breaker.
type Client struct {
	http    *commonhttp.Client
	cb      *gobreaker.CircuitBreaker
	baseURL string
}

var _ Shortener = (*Client)(nil)

func NewClient(baseURL string, timeout time.Duration, log logger.Logger) *Client {
	return &Client{
		http:    commonhttp.NewClient(timeout),
		cb:      circuitbreaker.New("url-shortener", log),
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

func (c *Client) Shorten(ctx context.Context, originalURL string) (string, error) {
	res, err := c.cb.Execute(func() (interface{}, error) {
		var out shortenResponse
		if err := c.http.PostJSON(ctx, c.baseURL+"/shorten", shortenRequest{OriginalURL: originalURL}, &out); err != nil {
			return "", err
		}
		if out.ShortURL == "" {
			return "", fmt.Errorf("shortener returned an empty short_url")
		}
		return out.ShortURL, nil
	})
	if err != nil {
		return "", fmt.Errorf("shorten %s: %w", originalURL, err)
	}
	metrics.ShortenerLookups.WithLabelValues("shortened").Inc()
	return res.(string), nil
}
