// Package chat is the outbound REST client for the chat platform: posting
// messages to channels and editing previously posted ones.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"shipbot/internal/model"
	"shipbot/internal/redact"
)

type Client struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *log.Logger
}

func NewClient(baseURL string, token string, timeout time.Duration, logger *log.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type message struct {
	Content string `json:"content"`
}

type messageResponse struct {
	ID string `json:"id"`
}

// PostMessage sends a plain message to a channel and returns the platform's
// message id, which a later edit can target.
func (c *Client) PostMessage(ctx context.Context, channelID string, content string) (string, error) {
	path := fmt.Sprintf("/channels/%s/messages", channelID)
	var posted messageResponse
	if err := c.do(ctx, http.MethodPost, path, message{Content: content}, &posted); err != nil {
		return "", fmt.Errorf("post message to channel %s: %w", channelID, err)
	}
	return posted.ID, nil
}

// EditMessage replaces the content of a previously posted message. Used to
// turn a placeholder into the final report.
func (c *Client) EditMessage(ctx context.Context, channelID string, messageID string, content string) error {
	path := fmt.Sprintf("/channels/%s/messages/%s", channelID, messageID)
	if err := c.do(ctx, http.MethodPatch, path, message{Content: content}, nil); err != nil {
		return fmt.Errorf("edit message %s in channel %s: %w", messageID, channelID, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method string, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bot "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return &model.UpstreamError{Op: "chat " + method + " " + path, Transient: true, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if c.logger != nil {
			c.logger.Printf("chat api rejected %s %s status=%d token=%s", method, path, resp.StatusCode, redact.Tail(c.token))
		}
		transient := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return &model.UpstreamError{Op: "chat " + method + " " + path, Status: resp.StatusCode, Transient: transient}
	}
	if out == nil {
		return nil
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
