// Package analyze implements the analyze stage collaborators: a client for an
// external analyzer service and a built-in summary of the crawl output.
package analyze

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit/internal/audit"
	"github.com/JakeFAU/site-audit/internal/stages/crawl"
)

// Config selects and tunes the analyzer.
type Config struct {
	// Endpoint is the external analyzer URL. Empty selects the built-in summary.
	Endpoint string
	Token    string
	Timeout  time.Duration
	// MaxResponseBytes caps the analyzer response read into memory.
	MaxResponseBytes int64
}

const (
	defaultTimeout          = 2 * time.Minute
	defaultMaxResponseBytes = 8 << 20
)

// New returns the collaborator cfg selects. client may be nil.
func New(cfg Config, client *http.Client, logger *zap.Logger) audit.Collaborator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return Summarizer{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = defaultMaxResponseBytes
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Client{cfg: cfg, http: client, logger: logger.Named("analyze")}
}

// Client posts the crawl output to an external analyzer.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

type analyzeRequest struct {
	UnitID  string          `json:"unit_id"`
	Attempt int             `json:"attempt"`
	Config  json.RawMessage `json:"config,omitempty"`
	Input   json.RawMessage `json:"input,omitempty"`
}

// Run sends one analyze request. Network errors, timeouts, 429 and 5xx are
// retryable; any other non-2xx answer is fatal.
func (c *Client) Run(ctx context.Context, req audit.StageRequest) audit.StageResult {
	if req.Cancelled() {
		return audit.Cancellation()
	}
	payload, err := json.Marshal(analyzeRequest{
		UnitID:  req.UnitID,
		Attempt: req.Attempt,
		Config:  req.Config,
		Input:   req.Input,
	})
	if err != nil {
		return audit.Failed(false, fmt.Sprintf("encode analyze request: %v", err))
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return audit.Failed(false, fmt.Sprintf("build analyze request: %v", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.cfg.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.logger.Warn("analyzer request failed", zap.String("unit_id", req.UnitID), zap.Error(err))
		if errors.Is(err, context.DeadlineExceeded) {
			return audit.Failed(true, "analyzer timed out")
		}
		return audit.Failed(true, "analyzer unreachable")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxResponseBytes+1))
	if err != nil {
		return audit.Failed(true, fmt.Sprintf("read analyzer response: %v", err))
	}
	if int64(len(body)) > c.cfg.MaxResponseBytes {
		return audit.Failed(false, "analyzer response too large")
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return audit.Failed(true, fmt.Sprintf("analyzer returned %d", resp.StatusCode))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		c.logger.Warn("analyzer rejected request",
			zap.String("unit_id", req.UnitID),
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", truncate(body, 512)))
		return audit.Failed(false, fmt.Sprintf("analyzer rejected request with %d", resp.StatusCode))
	}
	if !json.Valid(body) {
		return audit.Failed(false, "analyzer returned invalid JSON")
	}
	return audit.Succeeded(body)
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}

// Summary is the built-in analyzer output.
type Summary struct {
	Pages       int            `json:"pages"`
	Fetched     int            `json:"fetched"`
	Failed      int            `json:"failed"`
	TotalBytes  int64          `json:"total_bytes"`
	MaxDepth    int            `json:"max_depth"`
	StatusClass map[string]int `json:"status_class"`
	BrokenLinks []string       `json:"broken_links,omitempty"`
	Truncated   bool           `json:"truncated,omitempty"`
}

// Summarizer aggregates the crawl result by HTTP status class.
type Summarizer struct{}

// Run summarizes req.Input, which must be a crawl result.
func (Summarizer) Run(_ context.Context, req audit.StageRequest) audit.StageResult {
	if req.Cancelled() {
		return audit.Cancellation()
	}
	if len(req.Input) == 0 {
		return audit.Failed(false, "analyze input is missing")
	}
	var in crawl.Result
	if err := json.Unmarshal(req.Input, &in); err != nil {
		return audit.Failed(false, fmt.Sprintf("invalid crawl result: %v", err))
	}
	body, err := json.Marshal(Summarize(in))
	if err != nil {
		return audit.Failed(false, fmt.Sprintf("encode summary: %v", err))
	}
	return audit.Succeeded(body)
}

// Summarize builds a Summary from a crawl result.
func Summarize(in crawl.Result) Summary {
	out := Summary{
		Pages:       len(in.Pages),
		Fetched:     in.Fetched,
		Failed:      in.Failed,
		StatusClass: make(map[string]int),
		Truncated:   in.Truncated,
	}
	for _, p := range in.Pages {
		out.TotalBytes += int64(p.Bytes)
		out.MaxDepth = max(out.MaxDepth, p.Depth)
		out.StatusClass[statusClass(p.Status)]++
		if p.Status == http.StatusNotFound || p.Status == http.StatusGone {
			out.BrokenLinks = append(out.BrokenLinks, p.URL)
		}
	}
	return out
}

func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "error"
	}
	return fmt.Sprintf("%dxx", status/100)
}
