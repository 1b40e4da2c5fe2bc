// Package webhook delivers signed JSON payloads over HTTP with retries.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Escrow-Signature"

// errPermanent marks responses that retrying cannot fix.
var errPermanent = errors.New("permanent webhook failure")

// Config holds configuration for the Webhook client.
type Config struct {
	URL            string        `mapstructure:"url"`
	Secret         string        `mapstructure:"secret"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// Client defines the Webhook client
type Client struct {
	cfg        Config
	secret     []byte
	httpClient *http.Client
}

// NewClient initializes a new Webhook client
func NewClient(cfg Config) *Client {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 1 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	return &Client{
		cfg:    cfg,
		secret: []byte(cfg.Secret),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// Payload defines the data structure sent via webhook to consumers.
type Payload struct {
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Sign returns the hex HMAC-SHA256 of body.
func Sign(secret, body []byte) string {
	h := hmac.New(sha256.New, secret)
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature produced by Sign in constant time.
func Verify(secret, body []byte, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	h := hmac.New(sha256.New, secret)
	h.Write(body)
	return hmac.Equal(h.Sum(nil), want)
}

// Send pushes data with retry logic
func (c *Client) Send(ctx context.Context, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	body, err := json.Marshal(Payload{
		Timestamp: time.Now().Unix(),
		Data:      raw,
	})
	if err != nil {
		return err
	}

	var lastErr error
	backoff := c.cfg.InitialBackoff

	for i := 0; i < c.cfg.MaxAttempts; i++ {
		// Check for context cancellation
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if i > 0 {
			// Wait for backoff
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}

			// Exponential backoff
			backoff *= 2
			if backoff > c.cfg.MaxBackoff {
				backoff = c.cfg.MaxBackoff
			}
		}

		err := c.attemptSend(ctx, body)
		if err == nil {
			return nil // Success
		}

		lastErr = err
		if errors.Is(err, errPermanent) {
			break
		}
	}

	return fmt.Errorf("webhook failed after %d attempts: %w", c.cfg.MaxAttempts, lastErr)
}

func (c *Client) attemptSend(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "escrow-indexer/v1")

	if len(c.secret) > 0 {
		req.Header.Set(SignatureHeader, Sign(c.secret, body))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		// Other 4xx responses will not change on retry
		return fmt.Errorf("%w: status %d", errPermanent, resp.StatusCode)
	}
}
