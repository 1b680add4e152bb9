// Package crawl implements the crawl stage collaborator on top of colly. It
// walks a unit's seed URLs within its domains and depth limit and records a
// summary per fetched page. It polls the request's cancel flag before every
// request so a stopped audit quits between pages.
package crawl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit/internal/audit"
	"github.com/JakeFAU/site-audit/internal/policy/ratelimit"
)

// Config controls collector behaviour shared by every unit.
type Config struct {
	UserAgent     string
	RespectRobots bool
	// RequestTimeout bounds a single page fetch.
	RequestTimeout time.Duration
	// MaxDepth and MaxPages are used when the unit config omits them and cap
	// what a unit config may ask for.
	MaxDepth int
	MaxPages int
	// RetryAfter is the host pause applied after a 429 or 503 without a
	// Retry-After header.
	RetryAfter time.Duration
	// BlockedHosts are never fetched, seeds included.
	BlockedHosts []string
	// Transport overrides the HTTP transport, mainly for tests.
	Transport http.RoundTripper
}

const (
	defaultUserAgent      = "site-audit/1.0"
	defaultRequestTimeout = 15 * time.Second
	defaultMaxDepth       = 2
	defaultMaxPages       = 50
	defaultRetryAfter     = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = defaultMaxDepth
	}
	if c.MaxPages <= 0 {
		c.MaxPages = defaultMaxPages
	}
	if c.RetryAfter <= 0 {
		c.RetryAfter = defaultRetryAfter
	}
	return c
}

// UnitConfig is the per-unit crawl configuration carried on the task.
type UnitConfig struct {
	URLs           []string `json:"urls"`
	MaxDepth       int      `json:"max_depth,omitempty"`
	MaxPages       int      `json:"max_pages,omitempty"`
	AllowedDomains []string `json:"allowed_domains,omitempty"`
}

// Page summarizes one fetch.
type Page struct {
	URL    string `json:"url"`
	Status int    `json:"status"`
	Bytes  int    `json:"bytes"`
	Depth  int    `json:"depth"`
	Error  string `json:"error,omitempty"`
}

// Result is the crawl stage output handed to the analyze stage.
type Result struct {
	Seeds     []string `json:"seeds"`
	Pages     []Page   `json:"pages"`
	Fetched   int      `json:"fetched"`
	Failed    int      `json:"failed"`
	Truncated bool     `json:"truncated,omitempty"`
}

// Crawler is the crawl stage collaborator.
type Crawler struct {
	cfg     Config
	blocked *hostBlocklist
	limiter *ratelimit.Limiter
	logger  *zap.Logger
}

var _ audit.Collaborator = (*Crawler)(nil)

// New constructs a Crawler. limiter may be nil for unthrottled crawling.
func New(cfg Config, limiter *ratelimit.Limiter, logger *zap.Logger) *Crawler {
	if limiter == nil {
		limiter = ratelimit.New(ratelimit.Config{})
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Crawler{
		cfg:     cfg.withDefaults(),
		blocked: newHostBlocklist(cfg.BlockedHosts),
		limiter: limiter,
		logger:  logger.Named("crawl"),
	}
}

// Run crawls the unit's seeds.
func (c *Crawler) Run(ctx context.Context, req audit.StageRequest) audit.StageResult {
	unitCfg, err := parseUnitConfig(req.Config)
	if err != nil {
		return audit.Failed(false, err.Error())
	}
	seeds := c.unblocked(validSeeds(unitCfg.URLs))
	if len(seeds) == 0 {
		return audit.Failed(false, "no valid seed URL")
	}
	maxDepth := clamp(unitCfg.MaxDepth, c.cfg.MaxDepth)
	maxPages := clamp(unitCfg.MaxPages, c.cfg.MaxPages)
	domains := unitCfg.AllowedDomains
	if len(domains) == 0 {
		domains = seedHosts(seeds)
	}

	log := c.logger.With(zap.String("unit_id", req.UnitID), zap.Int("attempt", req.Attempt))
	run := &crawlRun{ctx: ctx, req: req, blocked: c.blocked, limiter: c.limiter, maxPages: maxPages, retryAfter: c.cfg.RetryAfter, log: log}
	collector := c.newCollector(ctx, maxDepth, domains)
	run.attach(collector)

	for _, seed := range seeds {
		if run.stopped() {
			break
		}
		if err := collector.Visit(seed); err != nil {
			log.Debug("seed visit ended with error", zap.String("url", seed), zap.Error(err))
		}
	}
	collector.Wait()

	return run.result(seeds)
}

func (c *Crawler) newCollector(ctx context.Context, maxDepth int, domains []string) *colly.Collector {
	collector := colly.NewCollector(
		colly.StdlibContext(ctx),
		// colly counts seeds as depth 1.
		colly.MaxDepth(maxDepth+1),
		colly.UserAgent(c.cfg.UserAgent),
		colly.AllowedDomains(domains...),
	)
	collector.IgnoreRobotsTxt = !c.cfg.RespectRobots
	collector.SetRequestTimeout(c.cfg.RequestTimeout)
	switch {
	case c.cfg.RespectRobots:
		collector.WithTransport(newRobotsTransport(c.cfg.Transport, c.logger))
	case c.cfg.Transport != nil:
		collector.WithTransport(c.cfg.Transport)
	}
	return collector
}

// crawlRun holds the mutable state of one Run.
type crawlRun struct {
	ctx        context.Context
	req        audit.StageRequest
	blocked    *hostBlocklist
	limiter    *ratelimit.Limiter
	maxPages   int
	retryAfter time.Duration
	log        *zap.Logger

	mu        sync.Mutex
	requested int
	truncated bool
	pages     []Page
}

func (r *crawlRun) stopped() bool {
	return r.req.Cancelled() || r.ctx.Err() != nil
}

func (r *crawlRun) attach(collector *colly.Collector) {
	collector.OnRequest(func(cr *colly.Request) {
		if r.stopped() || r.blocked.blocked(cr.URL.Hostname()) {
			cr.Abort()
			return
		}
		r.mu.Lock()
		if r.requested >= r.maxPages {
			r.truncated = true
			r.mu.Unlock()
			cr.Abort()
			return
		}
		r.requested++
		r.mu.Unlock()
		if err := r.limiter.Wait(r.ctx, cr.URL.String()); err != nil {
			cr.Abort()
		}
	})

	collector.OnResponse(func(resp *colly.Response) {
		r.record(Page{
			URL:    resp.Request.URL.String(),
			Status: resp.StatusCode,
			Bytes:  len(resp.Body),
			Depth:  resp.Request.Depth - 1,
		})
	})

	collector.OnError(func(resp *colly.Response, err error) {
		if resp == nil || resp.Request == nil {
			return
		}
		target := resp.Request.URL.String()
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
			r.limiter.Penalize(target, retryAfter(resp.Headers, r.retryAfter))
		}
		r.log.Debug("page fetch failed", zap.String("url", target), zap.Int("status", resp.StatusCode), zap.Error(err))
		r.record(Page{
			URL:    target,
			Status: resp.StatusCode,
			Bytes:  len(resp.Body),
			Depth:  resp.Request.Depth - 1,
			Error:  err.Error(),
		})
	})

	collector.OnHTML("a[href]", func(e *colly.HTMLElement) {
		if r.stopped() {
			return
		}
		// Visit errors here are duplicates or off-domain links.
		_ = e.Request.Visit(e.Attr("href"))
	})
}

func (r *crawlRun) record(p Page) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pages = append(r.pages, p)
}

func (r *crawlRun) result(seeds []string) audit.StageResult {
	switch {
	case r.req.Cancelled():
		return audit.Cancellation()
	case r.ctx.Err() != nil:
		return audit.Failed(true, fmt.Sprintf("crawl interrupted: %v", r.ctx.Err()))
	}

	r.mu.Lock()
	out := Result{Seeds: seeds, Pages: r.pages, Truncated: r.truncated}
	r.mu.Unlock()

	retryable := true
	var firstErr string
	for _, p := range out.Pages {
		if p.Error == "" {
			out.Fetched++
			continue
		}
		out.Failed++
		if firstErr == "" {
			firstErr = fmt.Sprintf("%s: %s", p.URL, p.Error)
		}
		if !transientStatus(p.Status) {
			retryable = false
		}
	}

	if out.Fetched == 0 {
		if out.Failed == 0 {
			return audit.Failed(false, "no pages could be fetched")
		}
		return audit.Failed(retryable, "all seeds failed: "+firstErr)
	}

	body, err := json.Marshal(out)
	if err != nil {
		return audit.Failed(false, fmt.Sprintf("encode crawl result: %v", err))
	}
	r.log.Info("crawl finished", zap.Int("fetched", out.Fetched), zap.Int("failed", out.Failed), zap.Bool("truncated", out.Truncated))
	return audit.Succeeded(body)
}

// transientStatus reports whether a failed fetch with this status may succeed
// on a later attempt. Status 0 means the request never got a response.
func transientStatus(status int) bool {
	return status == 0 || status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
}

func retryAfter(h *http.Header, fallback time.Duration) time.Duration {
	if h == nil {
		return fallback
	}
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return fallback
}

func parseUnitConfig(raw json.RawMessage) (UnitConfig, error) {
	var cfg UnitConfig
	if len(raw) == 0 {
		return cfg, errors.New("crawl config is missing")
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("invalid crawl config: %w", err)
	}
	return cfg, nil
}

func validSeeds(raw []string) []string {
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		u, err := url.Parse(strings.TrimSpace(s))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
			continue
		}
		u.Fragment = ""
		normalized := u.String()
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		out = append(out, normalized)
	}
	return out
}

func (c *Crawler) unblocked(seeds []string) []string {
	if c.blocked == nil {
		return seeds
	}
	out := seeds[:0]
	for _, s := range seeds {
		u, err := url.Parse(s)
		if err != nil || c.blocked.blocked(u.Hostname()) {
			continue
		}
		out = append(out, s)
	}
	return out
}

func seedHosts(seeds []string) []string {
	seen := make(map[string]struct{})
	var hosts []string
	for _, s := range seeds {
		u, err := url.Parse(s)
		if err != nil {
			continue
		}
		host := strings.ToLower(u.Hostname())
		if _, ok := seen[host]; ok {
			continue
		}
		seen[host] = struct{}{}
		hosts = append(hosts, host)
		if ip := net.ParseIP(host); ip == nil && !strings.HasPrefix(host, "www.") {
			hosts = append(hosts, "www."+host)
		}
	}
	return hosts
}

// clamp returns requested bounded by ceiling, or ceiling when unset.
func clamp(requested, ceiling int) int {
	if requested <= 0 || requested > ceiling {
		return ceiling
	}
	return requested
}
