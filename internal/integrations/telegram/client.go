// Package telegram is a minimal Telegram Bot API client: outbound
// sendMessage plus inbound update parsing. The bot token lives in SSM and
// is resolved once per process lifetime.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Update is the inbound webhook payload shape. Only the fields the
// dispatcher needs are decoded.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message"`
}

// Message is one inbound chat message.
type Message struct {
	MessageID int64  `json:"message_id"`
	From      *From  `json:"from"`
	Chat      Chat   `json:"chat"`
	Text      string `json:"text"`
}

// From identifies the sender.
type From struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	IsBot     bool   `json:"is_bot"`
}

// Chat identifies the conversation the message arrived in.
type Chat struct {
	ID int64 `json:"id"`
}

// ErrInvalidUpdate reports an inbound payload that is not a Telegram update.
var ErrInvalidUpdate = errors.New("telegram: invalid update payload")

// ParseUpdate decodes an inbound webhook body. A decodable payload without
// an update id is still invalid; Telegram always assigns one.
func ParseUpdate(body []byte) (Update, error) {
	var u Update
	if err := json.Unmarshal(body, &u); err != nil {
		return Update{}, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	if u.UpdateID == 0 {
		return Update{}, fmt.Errorf("%w: missing update_id", ErrInvalidUpdate)
	}
	return u, nil
}

// sendMessageRequest is the request shape for the sendMessage method.
type sendMessageRequest struct {
	ChatID int64  `json:"chat_id"`
	Text   string `json:"text"`
}

// apiResponse is the envelope every Bot API method returns.
type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	ErrorCode   int    `json:"error_code"`
}

// tokenPayload is the expected JSON shape stored in SSM for the bot token.
type tokenPayload struct {
	Token string `json:"token"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx Bot API responses.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("telegram: unexpected status %d: %s", e.StatusCode, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client sends messages through the Telegram Bot API.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	getter      Getter
	paramPrefix string
	maxRetries  uint64

	tokenOnce sync.Once
	token     string
	tokenErr  error
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a Client backed by the given paramstore Getter for bot
// token retrieval. The token is fetched from SSM on the first send and
// reused for the lifetime of the process.
func NewClient(ps Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("telegram: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("telegram: parameter prefix must not be empty")
	}
	c := &Client{
		baseURL:     "https://api.telegram.org",
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		getter:      ps,
		paramPrefix: paramPrefix,
		maxRetries:  2,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) resolveToken(ctx context.Context) (string, error) {
	c.tokenOnce.Do(func() {
		c.token, c.tokenErr = fetchTokenFromParamStore(ctx, c.getter, c.paramPrefix+"/telegram-token")
	})
	return c.token, c.tokenErr
}

// SendMessage delivers text to a chat. Transport errors and 5xx responses
// are retried with exponential backoff; duplicate deliveries on retry are
// tolerated by design, so no outbound dedup is attempted. 4xx responses are
// permanent and returned immediately.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	if strings.TrimSpace(text) == "" {
		return errors.New("telegram: message text must not be empty")
	}

	token, err := c.resolveToken(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(sendMessageRequest{ChatID: chatID, Text: text})
	if err != nil {
		return fmt.Errorf("telegram: marshal sendMessage request: %w", err)
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(c.baseURL, "/"), token)

	send := func() error {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if reqErr != nil {
			return backoff.Permanent(fmt.Errorf("telegram: create request: %w", reqErr))
		}
		req.Header.Set("Content-Type", "application/json")

		res, doErr := c.httpClient.Do(req)
		if doErr != nil {
			return doErr
		}
		defer func() { _ = res.Body.Close() }()

		raw, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		if res.StatusCode >= 500 {
			return &HTTPStatusError{StatusCode: res.StatusCode, Body: string(raw)}
		}
		if res.StatusCode < 200 || res.StatusCode >= 300 {
			return backoff.Permanent(&HTTPStatusError{StatusCode: res.StatusCode, Body: string(raw)})
		}

		var payload apiResponse
		if decErr := json.Unmarshal(raw, &payload); decErr != nil {
			return backoff.Permanent(fmt.Errorf("telegram: decode response: %w", decErr))
		}
		if !payload.OK {
			return backoff.Permanent(fmt.Errorf("telegram: api error %d: %s", payload.ErrorCode, payload.Description))
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(newSendBackoff(), c.maxRetries), ctx)
	if err := backoff.Retry(send, policy); err != nil {
		return fmt.Errorf("telegram: sendMessage to chat %d: %w", chatID, err)
	}
	return nil
}

func newSendBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	return b
}

func fetchTokenFromParamStore(ctx context.Context, getter Getter, name string) (string, error) {
	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("telegram: fetch token from paramstore: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("telegram: unmarshal paramstore token value as JSON: %w", err)
	}
	if tp.Token == "" {
		return "", errors.New("telegram: bot token is empty")
	}
	return tp.Token, nil
}
