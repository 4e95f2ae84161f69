package githost

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/projectpulse/projectpulse/internal/config"
	"github.com/projectpulse/projectpulse/internal/ingest"
	"github.com/projectpulse/projectpulse/pkg/log"
)

// Rate-limit metadata headers reported by the hosting API.
const (
	headerRateRemaining = "X-RateLimit-Remaining"
	headerRateReset     = "X-RateLimit-Reset"
)

// quotaState is the last quota observation inferred from response
// metadata. It is owned by one Client instance and guarded by the
// client's mutex, so concurrent jobs for different sources never share
// or clobber each other's counters.
type quotaState struct {
	known     bool
	remaining int
	resetAt   time.Time
}

// Client fetches paginated repository pages from one hosting API source.
// Requests are paced by a client-side limiter, transient failures are
// retried with exponential backoff, and an exhausted quota causes the
// client to sleep until the advertised reset, capped at cfg.MaxRateWait.
type Client struct {
	cfg        config.GitHostConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	retry      ingest.RetryPolicy

	mu    sync.Mutex
	quota quotaState

	// now and sleep are injectable for tests with a simulated clock.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewClient(cfg config.GitHostConfig) (*Client, error) {
	if cfg.APIURL == "" {
		return nil, ingest.NewError(ingest.KindFatal, "githost API URL is not configured")
	}
	if cfg.PerPage <= 0 {
		cfg.PerPage = 100
	}
	if cfg.MaxRateWait <= 0 {
		cfg.MaxRateWait = time.Hour
	}
	rps := cfg.RequestsPerSec
	if rps <= 0 {
		rps = 5
	}

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		retry:      ingest.DefaultRetryPolicy(),
		now:        time.Now,
		sleep:      sleepContext,
	}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Pager walks a source's repository pages in order. It is restartable:
// Cursor() after any Next() returns an opaque cursor from which a new
// Pager resumes.
type Pager struct {
	client *Client
	source string
	since  time.Time
	page   int
	done   bool
}

// Pages returns a Pager over source starting at cursor (empty = first
// page). When since is non-zero, records not pushed after since are
// filtered out client-side; the API paginates full pages regardless.
func (c *Client) Pages(source string, cursor string, since time.Time) (*Pager, error) {
	page := 1
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 1 {
			return nil, ingest.NewError(ingest.KindFatal, fmt.Sprintf("malformed cursor %q", cursor))
		}
		page = n
	}
	return &Pager{client: c, source: source, since: since, page: page}, nil
}

// Cursor returns the position the next Next() call will fetch from.
func (p *Pager) Cursor() string {
	return strconv.Itoa(p.page)
}

// Next fetches the next page. ok is false once pagination is exhausted.
// Records within a page keep the source's order.
func (p *Pager) Next(ctx context.Context) (records []ingest.RawRecord, ok bool, err error) {
	if p.done {
		return nil, false, nil
	}

	items, hasNext, err := p.client.fetchPage(ctx, p.source, p.page)
	if err != nil {
		return nil, false, err
	}
	p.page++
	if !hasNext {
		p.done = true
	}

	records = make([]ingest.RawRecord, 0, len(items))
	for _, item := range items {
		if !p.since.IsZero() && !item.PushedAt.After(p.since) {
			continue
		}
		records = append(records, item.toRaw(p.source))
	}
	return records, true, nil
}

// fetchPage performs one paced, quota-aware, retried page request.
func (c *Client) fetchPage(ctx context.Context, source string, page int) ([]repoRecord, bool, error) {
	for attempt := 0; ; attempt++ {
		if err := c.waitForQuota(ctx); err != nil {
			return nil, false, err
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, false, ingest.WrapError(err, ingest.KindFatal, "request pacing interrupted")
		}

		var items []repoRecord
		var hasNext bool
		err := c.retry.Do(ctx, func() error {
			var reqErr error
			items, hasNext, reqErr = c.doRequest(ctx, source, page)
			return reqErr
		})
		if err != nil {
			// A 429 just taught us the real reset time; loop once so
			// waitForQuota can pause until it.
			if ingest.IsKind(err, ingest.KindRateLimit) && attempt == 0 {
				continue
			}
			return nil, false, err
		}
		return items, hasNext, nil
	}
}

// waitForQuota blocks until the last observed quota permits a request.
// Waits beyond the configured ceiling fail with a rate-limit error and
// abort the page fetch.
func (c *Client) waitForQuota(ctx context.Context) error {
	c.mu.Lock()
	quota := c.quota
	c.mu.Unlock()

	if !quota.known || quota.remaining > 0 {
		return nil
	}

	wait := quota.resetAt.Sub(c.now())
	if wait <= 0 {
		return nil
	}
	if wait > c.cfg.MaxRateWait {
		return ingest.NewError(ingest.KindRateLimit,
			fmt.Sprintf("quota reset in %s exceeds the %s wait ceiling", wait.Round(time.Second), c.cfg.MaxRateWait))
	}

	log.Warn("githost quota exhausted, pausing %s until reset", wait.Round(time.Second))
	if err := c.sleep(ctx, wait); err != nil {
		return ingest.WrapError(err, ingest.KindFatal, "rate-limit pause interrupted")
	}

	c.mu.Lock()
	c.quota.remaining = 1
	c.mu.Unlock()
	return nil
}

// recordQuota captures quota metadata from a response.
func (c *Client) recordQuota(resp *http.Response) {
	remainingHeader := resp.Header.Get(headerRateRemaining)
	if remainingHeader == "" {
		return
	}
	remaining, err := strconv.Atoi(remainingHeader)
	if err != nil {
		return
	}

	resetAt := time.Time{}
	if resetHeader := resp.Header.Get(headerRateReset); resetHeader != "" {
		if unix, err := strconv.ParseInt(resetHeader, 10, 64); err == nil {
			resetAt = time.Unix(unix, 0)
		}
	}

	c.mu.Lock()
	c.quota = quotaState{known: true, remaining: remaining, resetAt: resetAt}
	c.mu.Unlock()
}

func (c *Client) doRequest(ctx context.Context, source string, page int) ([]repoRecord, bool, error) {
	url := fmt.Sprintf("%s/sources/%s/repos?page=%d&per_page=%d", c.cfg.APIURL, source, page, c.cfg.PerPage)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, ingest.WrapError(err, ingest.KindFatal, "failed to build request")
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, false, ingest.WrapError(err, ingest.KindTransient, "request failed")
	}
	defer resp.Body.Close()

	c.recordQuota(resp)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, ingest.WrapError(err, ingest.KindTransient, "failed to read response body")
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var items []repoRecord
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, false, ingest.WrapError(err, ingest.KindFatal, "malformed page payload")
		}
		return items, len(items) == c.cfg.PerPage, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, false, ingest.NewError(ingest.KindRateLimit, "rate limited by the API")

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, false, ingest.NewError(ingest.KindFatal,
			fmt.Sprintf("authentication rejected with status %d", resp.StatusCode))

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, false, ingest.NewError(ingest.KindFatal,
			fmt.Sprintf("request rejected with status %d: %s", resp.StatusCode, truncate(string(body), 200)))

	default:
		return nil, false, ingest.NewError(ingest.KindTransient,
			fmt.Sprintf("server error %d", resp.StatusCode))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
