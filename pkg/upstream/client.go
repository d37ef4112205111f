// Package upstream is the HTTP client for the election results API. It
// fetches JSON documents with bounded exponential-backoff retries and exposes
// the `_links.related` descriptors used to walk the entity hierarchy.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Fetcher retrieves one upstream document by API path (e.g. "/2025/st/03").
type Fetcher interface {
	Get(ctx context.Context, path string) (*Document, error)
}

// ErrFetch wraps every failure returned by Client.Get.
var ErrFetch = errors.New("upstream fetch failed")

// StatusError is returned for non-2xx responses.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: HTTP %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// Temporary reports whether retrying the request may succeed.
func (e *StatusError) Temporary() bool {
	switch {
	case e.StatusCode >= 500:
		return true
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	}
	return false
}

// Config controls the client.
type Config struct {
	BaseURL        string
	Timeout        time.Duration // per attempt. Default 30s.
	MaxAttempts    int           // including the first attempt. Default 5.
	InitialBackoff time.Duration // doubled after every failed attempt. Default 1s.
	MaxBodySize    int64         // Default 32 MiB.
	UserAgent      string
}

// DefaultConfig returns the reference retry behavior: five attempts waiting
// 1s, 2s, 4s and 8s in between.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:        baseURL,
		Timeout:        30 * time.Second,
		MaxAttempts:    5,
		InitialBackoff: time.Second,
		MaxBodySize:    32 << 20,
		UserAgent:      "valgresultat-downloader",
	}
}

// Client is a Fetcher backed by net/http.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a client. Zero config fields fall back to DefaultConfig.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	def := DefaultConfig(cfg.BaseURL)
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = def.MaxBodySize
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

// BaseURL returns the API base address without trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Get fetches path, retrying transient failures. Permanent failures (4xx
// other than 408/429, undecodable bodies) are returned without retrying.
func (c *Client) Get(ctx context.Context, path string) (*Document, error) {
	url := c.baseURL + path

	attempt := 0
	var doc *Document
	op := func() error {
		attempt++
		d, err := c.getOnce(ctx, url)
		if err != nil {
			return err
		}
		doc = d
		return nil
	}

	notify := func(err error, wait time.Duration) {
		c.logger.Warn("fetch attempt failed, retrying",
			"url", url,
			"attempt", attempt,
			"maxAttempts", c.cfg.MaxAttempts,
			"retryIn", wait.String(),
			"error", err)
	}

	if err := backoff.RetryNotify(op, c.newBackOff(ctx), notify); err != nil {
		c.logger.Error("fetch failed",
			"url", url,
			"attempts", attempt,
			"error", err)
		return nil, fmt.Errorf("%w: %s after %d attempts: %w", ErrFetch, url, attempt, err)
	}
	return doc, nil
}

// maxBackoffDoublings bounds the wait between attempts to InitialBackoff<<10.
const maxBackoffDoublings = 10

func (c *Client) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = c.cfg.InitialBackoff << uint(min(c.cfg.MaxAttempts, maxBackoffDoublings))
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.cfg.MaxAttempts-1)), ctx)
}

func (c *Client) getOnce(ctx context.Context, url string) (*Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return nil, fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		statusErr := &StatusError{URL: url, StatusCode: resp.StatusCode}
		if statusErr.Temporary() {
			return nil, statusErr
		}
		return nil, backoff.Permanent(statusErr)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > c.cfg.MaxBodySize {
		return nil, backoff.Permanent(fmt.Errorf("response exceeds %d bytes", c.cfg.MaxBodySize))
	}

	doc, err := ParseDocument(body)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	return doc, nil
}

// Document is one decoded upstream response.
type Document struct {
	// Raw is the response body as received.
	Raw []byte
	// Data is the body decoded with json.Number for numbers, suitable for
	// structural comparison.
	Data any
	// Related are the child entity descriptors from `_links.related`.
	Related []Link
}

// Link describes a child entity in `_links.related`.
type Link struct {
	Nr             Code   `json:"nr"`
	HrefNavn       string `json:"hrefNavn"`
	Href           string `json:"href"`
	HarUnderordnet bool   `json:"harUnderordnet"`
}

// Code is an entity number. The API sends it as a string; numbers are
// accepted as well.
type Code string

func (c *Code) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*c = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = Code(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("nr: %w", err)
	}
	*c = Code(n.String())
	return nil
}

// ParseDocument decodes a response body.
func ParseDocument(body []byte) (*Document, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var data any
	if err := dec.Decode(&data); err != nil {
		return nil, fmt.Errorf("decode JSON: %w", err)
	}
	if dec.More() {
		return nil, errors.New("decode JSON: trailing data after document")
	}

	doc := &Document{Raw: body, Data: data}

	var envelope struct {
		Links struct {
			Related []json.RawMessage `json:"related"`
		} `json:"_links"`
	}
	if obj, ok := data.(map[string]any); ok {
		if _, has := obj["_links"]; has {
			if err := json.Unmarshal(body, &envelope); err != nil {
				return doc, nil
			}
		}
	}
	for _, raw := range envelope.Links.Related {
		var l Link
		if err := json.Unmarshal(raw, &l); err != nil {
			// Keep a zero link so callers can log and skip it by position.
			doc.Related = append(doc.Related, Link{})
			continue
		}
		doc.Related = append(doc.Related, l)
	}
	return doc, nil
}
