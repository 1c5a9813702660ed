package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const userAgent = "reelflow/1.0"

// Formats understood by the webhook notifier
const (
	// FormatJSON posts {"text": message}, accepted by most chat webhooks
	FormatJSON = "json"
	// FormatNtfy posts the message as plain text with a Title header
	FormatNtfy = "ntfy"
)

// Options configures the webhook notifier
type Options struct {
	URL     string
	Format  string
	Title   string
	Timeout time.Duration
}

// Notifier sends human-facing messages
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// New returns a webhook notifier, or a noop notifier when no URL is configured
func New(opts Options) Notifier {
	url := strings.TrimSpace(opts.URL)
	if url == "" {
		return noop{}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	format := opts.Format
	if format == "" {
		format = FormatJSON
	}
	title := opts.Title
	if title == "" {
		title = "reelflow"
	}

	return &webhook{
		endpoint: url,
		format:   format,
		title:    title,
		client:   &http.Client{Timeout: timeout},
	}
}

type webhook struct {
	endpoint string
	format   string
	title    string
	client   *http.Client
}

func (w *webhook) Notify(ctx context.Context, message string) error {
	var (
		body        io.Reader
		contentType string
	)
	switch w.format {
	case FormatNtfy:
		body = strings.NewReader(message)
		contentType = "text/plain; charset=utf-8"
	default:
		data, err := json.Marshal(map[string]string{"text": message})
		if err != nil {
			return fmt.Errorf("encode webhook payload: %w", err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, body)
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", contentType)
	if w.format == FormatNtfy {
		req.Header.Set("Title", w.title)
		req.Header.Set("Tags", "reelflow")
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noop struct{}

func (noop) Notify(context.Context, string) error { return nil }
