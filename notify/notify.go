// Package notify posts push messages about terminal task transitions
// through the pushplus service. Sends retry transport failures and
// rate limits on a short backoff and never run on the dispatch path.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	defaultEndpoint = "https://www.pushplus.plus/send"
	requestTimeout  = 15 * time.Second
	maxAttempts     = 3
)

// Client talks to one push endpoint.
type Client struct {
	endpoint string
	http     *http.Client
	log      *logrus.Entry

	// sleep is swapped out by tests to compress the retry schedule.
	sleep func(time.Duration)
}

// NewClient builds a client for the given endpoint; an empty string
// selects the public pushplus service.
func NewClient(endpoint string) *Client {
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	return &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: requestTimeout},
		log:      logrus.WithField("component", "notify"),
		sleep:    time.Sleep,
	}
}

type pushRequest struct {
	Token    string `json:"token"`
	Title    string `json:"title"`
	Content  string `json:"content"`
	Template string `json:"template"`
}

type pushResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Send delivers one message. Transport failures and rate-limit
// responses are retried with 2s then 4s delays, three attempts in
// total; any other rejection is logged and returned without retry.
func (c *Client) Send(token, title, content string) error {
	body, err := json.Marshal(pushRequest{
		Token:    token,
		Title:    title,
		Content:  content,
		Template: "html",
	})
	if err != nil {
		return fmt.Errorf("encode push request: %w", err)
	}

	backoff := 2 * time.Second
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		retryable, err := c.post(body)
		if err == nil {
			if attempt > 1 {
				c.log.WithField("attempts", attempt).Info("notification delivered after retry")
			}
			return nil
		}
		if !retryable {
			c.log.WithError(err).Warn("notification rejected")
			return err
		}
		lastErr = err
		if attempt < maxAttempts {
			c.log.WithError(err).WithField("attempt", attempt).Info("notification failed, retrying")
			c.sleep(backoff)
			backoff *= 2
		}
	}
	c.log.WithError(lastErr).Warn("notification dropped after retries")
	return fmt.Errorf("send notification: %w", lastErr)
}

// post performs one attempt and reports whether a failure is worth
// retrying.
func (c *Client) post(body []byte) (retryable bool, err error) {
	resp, err := c.http.Post(c.endpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		return true, fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return true, fmt.Errorf("rate limited (HTTP %d)", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var pr pushResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return false, fmt.Errorf("decode response: %w", err)
	}
	switch pr.Code {
	case 200:
		return false, nil
	case 429:
		return true, fmt.Errorf("rate limited (code %d: %s)", pr.Code, pr.Msg)
	default:
		return false, fmt.Errorf("push rejected (code %d: %s)", pr.Code, pr.Msg)
	}
}

// Truthy reports whether an env-style flag value means enabled:
// true, 1, yes, or on, case-insensitive.
func Truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}
