package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const USER_AGENT = "omeka-addon-catalogue"

// sent to hosts that are not a provider API, some refuse unknown agents.
const BROWSER_USER_AGENT = "Mozilla/5.0 (X11; Linux x86_64; rv:128.0) Gecko/20100101 Firefox/128.0"

const DEFAULT_MAX_RETRIES = 3

const DEFAULT_MAX_PAGES = 10

const (
	PRIMARY_RATE_LIMIT_WAIT   = 60 * time.Second
	SECONDARY_RATE_LIMIT_WAIT = 120 * time.Second
)

type ResponseWrapper struct {
	*http.Response
	Text string
}

// a resolved fetch: the response body, or a failure.
type fetch_entry struct {
	body string
	ok   bool
	// a raw file the host says doesn't exist, as opposed to one it failed to serve.
	absent bool
	// why the fetch failed, logged once when the result is read with errors reported.
	message  string
	reported bool
}

// the outcome of fetching an unstructured file.
type raw_status int

const (
	RAW_FOUND raw_status = iota
	RAW_ABSENT
	RAW_FAILED
)

// every outbound request goes through a `Fetcher`.
// it retries, waits out rate limits and remembers every outcome for the life of a run.
type Fetcher struct {
	Client     *http.Client
	Providers  Providers
	MaxRetries int
	Limiter    *rate.Limiter
	Sleep      func(time.Duration)

	mu                sync.Mutex
	cache             map[string]fetch_entry
	raw_cache         map[string]fetch_entry
	rate_limit_logged bool
}

func new_fetcher(client *http.Client, providers Providers, max_retries int, requests_per_second float64) *Fetcher {
	limit := rate.Inf
	if requests_per_second > 0 {
		limit = rate.Limit(requests_per_second)
	}
	if max_retries < 1 {
		max_retries = DEFAULT_MAX_RETRIES
	}
	return &Fetcher{
		Client:     client,
		Providers:  providers,
		MaxRetries: max_retries,
		Limiter:    rate.NewLimiter(limit, 1),
		Sleep:      time.Sleep,
		cache:      map[string]fetch_entry{},
		raw_cache:  map[string]fetch_entry{},
	}
}

// client trace to log whether the request's underlying tcp connection was re-used
func trace_context() context.Context {
	client_tracer := &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			slog.Debug("HTTP connection reuse", "reused", info.Reused, "remote", info.Conn.RemoteAddr())
		},
	}
	return httptrace.WithClientTrace(context.Background(), client_tracer)
}

func (f *Fetcher) download(url string, headers map[string]string) (ResponseWrapper, error) {
	slog.Debug("HTTP GET", "url", url)
	empty_response := ResponseWrapper{}

	ctx := trace_context()
	err := f.Limiter.Wait(ctx)
	if err != nil {
		return empty_response, fmt.Errorf("failed waiting for request slot: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return empty_response, fmt.Errorf("failed to create request: %w", err)
	}
	for header, header_val := range headers {
		req.Header.Set(header, header_val)
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return empty_response, fmt.Errorf("failed to fetch '%s': %w", url, err)
	}
	defer resp.Body.Close()

	content_bytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return empty_response, fmt.Errorf("failed to read response body: %w", err)
	}

	return ResponseWrapper{
		Response: resp,
		Text:     string(content_bytes),
	}, nil
}

// the headers a request to `u` is sent with.
// provider APIs get their own agent and auth token, everything else looks like a browser.
func (f *Fetcher) headers_for(u string, extra map[string]string) map[string]string {
	headers := map[string]string{}
	p := f.Providers.for_api_url(u)
	switch {
	case p == nil:
		headers["User-Agent"] = BROWSER_USER_AGENT
	case p.Server == SERVER_GITLAB:
		headers["User-Agent"] = USER_AGENT
		if p.Token != "" {
			headers["PRIVATE-TOKEN"] = p.Token
		}
	default:
		headers["User-Agent"] = USER_AGENT
		headers["Accept"] = "application/vnd.github+json"
		if p.Token != "" {
			headers["Authorization"] = "token " + p.Token
		}
	}
	for header, header_val := range extra {
		headers[header] = header_val
	}
	return headers
}

type rate_limit int

const (
	NOT_THROTTLED rate_limit = iota
	PRIMARY_RATE_LIMIT
	SECONDARY_RATE_LIMIT
)

// inspects http response and determines if it was throttled, and how.
func throttled(resp ResponseWrapper) rate_limit {
	if resp.StatusCode != http.StatusForbidden && resp.StatusCode != http.StatusTooManyRequests {
		return NOT_THROTTLED
	}
	message := strings.ToLower(gjson.Get(resp.Text, "message").String())
	if strings.Contains(message, "secondary rate limit") || strings.Contains(message, "abuse") {
		return SECONDARY_RATE_LIMIT
	}
	if resp.Header.Get("X-RateLimit-Remaining") == "0" || strings.Contains(message, "rate limit") {
		return PRIMARY_RATE_LIMIT
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return PRIMARY_RATE_LIMIT
	}
	return NOT_THROTTLED
}

// inspects the throttled response and waits.
func (f *Fetcher) wait(kind rate_limit, u string) {
	if kind == SECONDARY_RATE_LIMIT {
		slog.Warn("secondary rate limit reached, waiting", "url", u, "wait", SECONDARY_RATE_LIMIT_WAIT)
		f.Sleep(SECONDARY_RATE_LIMIT_WAIT)
		return
	}
	f.mu.Lock()
	first := !f.rate_limit_logged
	f.rate_limit_logged = true
	f.mu.Unlock()
	if first {
		slog.Warn("rate limit reached, waiting", "url", u, "wait", PRIMARY_RATE_LIMIT_WAIT)
	}
	f.Sleep(PRIMARY_RATE_LIMIT_WAIT)
}

// 2^attempt seconds
func backoff(attempt int) time.Duration {
	return time.Duration(math.Pow(2, float64(attempt))) * time.Second
}

func (f *Fetcher) cached(cache map[string]fetch_entry, u string) (fetch_entry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, present := cache[u]
	return entry, present
}

func (f *Fetcher) store(cache map[string]fetch_entry, u string, entry fetch_entry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cache[u] = entry
}

func (f *Fetcher) forget(cache map[string]fetch_entry, u string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(cache, u)
}

// fetches `u` and parses it as a provider API response.
// failures of any kind are an empty (non-existent) result, never an error.
// every outcome is remembered, the same url is fetched at most once per run.
func (f *Fetcher) fetch(u string, headers map[string]string, report_errors bool, max_retries int) gjson.Result {
	entry, present := f.cached(f.cache, u)
	if !present {
		entry = f.fetch_uncached(u, headers, max_retries)
		f.store(f.cache, u, entry)
	}
	if !entry.ok {
		if report_errors && entry.message != "" && !entry.reported {
			slog.Warn("request failed", "url", u, "reason", entry.message)
			entry.reported = true
			f.store(f.cache, u, entry)
		}
		return gjson.Result{}
	}
	return gjson.Parse(entry.body)
}

// an unsuccessful fetch and the reason for it.
func failed_fetch(format string, args ...any) fetch_entry {
	return fetch_entry{message: fmt.Sprintf(format, args...)}
}

func (f *Fetcher) fetch_uncached(u string, headers map[string]string, max_retries int) fetch_entry {
	failure := fetch_entry{}
	num_attempts := max(max_retries, 1)
	all_headers := f.headers_for(u, headers)

	for attempt := 1; attempt <= num_attempts; attempt++ {
		resp, err := f.download(u, all_headers)
		if err != nil {
			slog.Debug("transport error", "url", u, "attempt", attempt, "error", err)
			if attempt < num_attempts {
				f.Sleep(backoff(attempt))
			}
			continue
		}

		kind := throttled(resp)
		if kind != NOT_THROTTLED {
			f.wait(kind, u)
			f.forget(f.cache, u)
			if max_retries-1 < 1 {
				slog.Error("rate limited, giving up", "url", u)
				return failed_fetch("rate limited")
			}
			return f.fetch_uncached(u, headers, max_retries-1)
		}

		if resp.StatusCode >= 500 {
			slog.Debug("server error, waiting and trying again", "url", u, "status", resp.StatusCode, "attempt", attempt)
			if attempt < num_attempts {
				f.Sleep(backoff(attempt))
			}
			continue
		}

		if resp.StatusCode >= 400 {
			return failed_fetch("status %d: %s", resp.StatusCode, gjson.Get(resp.Text, "message").String())
		}

		body := strings.TrimSpace(resp.Text)
		if body == "" || !gjson.Valid(body) {
			slog.Warn("malformed response", "url", u, "body", truncate(body, 200))
			return failure
		}
		parsed := gjson.Parse(body)
		if !parsed.IsObject() && !parsed.IsArray() {
			slog.Warn("malformed response", "url", u, "body", truncate(body, 200))
			return failure
		}
		if parsed.IsObject() && (parsed.Get("message").Exists() || parsed.Get("error").Exists()) {
			return failed_fetch("provider error: %s", quick_json(body))
		}
		return fetch_entry{body: body, ok: true}
	}

	slog.Error("failed to download url after a number of attempts", "url", u, "num-attempts", num_attempts)
	return failure
}

// fetches the unstructured file at `u`.
// a 404 is an immediate 'absent', not retried. both outcomes are remembered.
func (f *Fetcher) fetch_raw(u string, max_retries int) (string, bool) {
	text, status := f.fetch_raw_status(u, max_retries)
	return text, status == RAW_FOUND
}

// like `fetch_raw` but tells a file that doesn't exist from one that couldn't be fetched.
func (f *Fetcher) fetch_raw_status(u string, max_retries int) (string, raw_status) {
	entry, present := f.cached(f.raw_cache, u)
	if !present {
		entry = f.fetch_raw_uncached(u, max_retries)
		f.store(f.raw_cache, u, entry)
	}
	switch {
	case entry.ok:
		return entry.body, RAW_FOUND
	case entry.absent:
		return "", RAW_ABSENT
	default:
		return "", RAW_FAILED
	}
}

func (f *Fetcher) fetch_raw_uncached(u string, max_retries int) fetch_entry {
	failure := fetch_entry{}
	num_attempts := max(max_retries, 1)
	headers := f.headers_for(u, nil)

	for attempt := 1; attempt <= num_attempts; attempt++ {
		resp, err := f.download(u, headers)
		if err != nil {
			slog.Debug("transport error", "url", u, "attempt", attempt, "error", err)
			if attempt < num_attempts {
				f.Sleep(backoff(attempt))
			}
			continue
		}
		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
			return fetch_entry{absent: true}
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			f.wait(PRIMARY_RATE_LIMIT, u)
			if max_retries-1 < 1 {
				return failure
			}
			return f.fetch_raw_uncached(u, max_retries-1)
		}
		if resp.StatusCode >= 500 {
			if attempt < num_attempts {
				f.Sleep(backoff(attempt))
			}
			continue
		}
		if resp.StatusCode >= 400 {
			return failure
		}
		return fetch_entry{body: resp.Text, ok: true}
	}
	slog.Debug("failed to download raw file after a number of attempts", "url", u, "num-attempts", num_attempts)
	return failure
}

// the list of results within a response.
// search responses wrap their results in 'items'.
func result_items(res gjson.Result) []gjson.Result {
	if res.IsArray() {
		return res.Array()
	}
	items := res.Get("items")
	if items.IsArray() {
		return items.Array()
	}
	return nil
}

// the page size requested by `u`, or `default_size` if it doesn't say.
func requested_page_size(u, param string, default_size int) int {
	parsed, err := url.Parse(u)
	if err != nil {
		return default_size
	}
	val := parsed.Query().Get(param)
	if val == "" {
		return default_size
	}
	i, err := strconv.Atoi(val)
	if err != nil || i < 1 {
		return default_size
	}
	return i
}

// fetches every page of a list endpoint and concatenates the results.
// stops at the first short or failed page, or after `max_pages` pages.
// returns false when the first page couldn't be fetched, the list is unknown rather than empty.
func (f *Fetcher) fetch_all_pages(base_url string, max_pages int) ([]gjson.Result, bool) {
	if max_pages < 1 {
		max_pages = DEFAULT_MAX_PAGES
	}
	p := f.Providers.for_api_url(base_url)
	if p == nil {
		p = &Provider{PageParam: "page", PerPageParam: "per_page", PerPage: 100}
	}
	page_size := requested_page_size(base_url, p.PerPageParam, p.PerPage)

	results_acc := []gjson.Result{}
	for page := 1; page <= max_pages; page++ {
		res := f.fetch(p.page_url(base_url, page), nil, true, f.MaxRetries)
		if !res.Exists() {
			if page == 1 {
				return results_acc, false
			}
			break
		}
		item_list := result_items(res)
		results_acc = append(results_acc, item_list...)
		if len(item_list) < page_size {
			break
		}
	}
	return results_acc, true
}

// warms the fetch cache with `url_list`, `batch_size` requests at a time.
// results are read later through `fetch`.
func (f *Fetcher) fetch_batch(url_list []string, batch_size int) {
	if batch_size < 1 {
		batch_size = 1
	}
	todo := []string{}
	for _, u := range unique(url_list) {
		if _, present := f.cached(f.cache, u); !present {
			todo = append(todo, u)
		}
	}
	for start := 0; start < len(todo); start += batch_size {
		group := todo[start:min(start+batch_size, len(todo))]
		g := new(errgroup.Group)
		for _, u := range group {
			u := u
			g.Go(func() error {
				f.fetch(u, nil, false, f.MaxRetries)
				return nil
			})
		}
		g.Wait()
	}
}
