package main

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// providers whose API and raw file hosts all live on the test server `base_url`.
func test_providers(base_url string) Providers {
	return new_providers(&Config{
		GithubAPI:   base_url + "/github",
		GithubRaw:   base_url + "/raw",
		GitlabAPI:   base_url + "/gitlab",
		GitlabRaw:   base_url + "/gl-raw",
		GithubToken: "gh-token",
		GitlabToken: "gl-token",
	})
}

// records the sleeps of a `Fetcher` rather than sleeping.
type sleep_recorder struct {
	mu    sync.Mutex
	slept []time.Duration
}

func (s *sleep_recorder) sleep(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slept = append(s.slept, d)
}

func (s *sleep_recorder) durations() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration{}, s.slept...)
}

func test_fetcher(srv *httptest.Server) (*Fetcher, *sleep_recorder) {
	recorder := &sleep_recorder{}
	f := new_fetcher(srv.Client(), test_providers(srv.URL), DEFAULT_MAX_RETRIES, 0)
	f.Sleep = recorder.sleep
	return f, recorder
}

// a test server whose handler is called with the number of the request to its path, starting at 1.
func counting_server(t *testing.T, handler func(w http.ResponseWriter, r *http.Request, hit int32)) (*httptest.Server, *atomic.Int32) {
	hits := &atomic.Int32{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler(w, r, hits.Add(1))
	}))
	t.Cleanup(srv.Close)
	return srv, hits
}

func Test_backoff(t *testing.T) {
	cases := map[int]time.Duration{
		0: 1 * time.Second,
		1: 2 * time.Second,
		2: 4 * time.Second,
		3: 8 * time.Second,
	}
	for given, expected := range cases {
		assert.Equal(t, expected, backoff(given))
	}
}

func Test_throttled(t *testing.T) {
	response := func(status int, remaining string, body string) ResponseWrapper {
		header := http.Header{}
		if remaining != "" {
			header.Set("X-RateLimit-Remaining", remaining)
		}
		return ResponseWrapper{Response: &http.Response{StatusCode: status, Header: header}, Text: body}
	}
	cases := []struct {
		resp     ResponseWrapper
		expected rate_limit
	}{
		{response(200, "", `{}`), NOT_THROTTLED},
		{response(404, "0", `{}`), NOT_THROTTLED},
		{response(403, "", `{"message": "Resource not accessible"}`), NOT_THROTTLED},
		{response(403, "0", `{"message": "whatever"}`), PRIMARY_RATE_LIMIT},
		{response(403, "", `{"message": "API rate limit exceeded for 1.2.3.4."}`), PRIMARY_RATE_LIMIT},
		{response(429, "", ``), PRIMARY_RATE_LIMIT},
		{response(403, "", `{"message": "You have exceeded a secondary rate limit."}`), SECONDARY_RATE_LIMIT},
		{response(403, "12", `{"message": "triggered an abuse detection mechanism"}`), SECONDARY_RATE_LIMIT},
	}
	for i, c := range cases {
		assert.Equal(t, c.expected, throttled(c.resp), "case %d", i)
	}
}

func Test_fetch__memoised(t *testing.T) {
	srv, hits := counting_server(t, func(w http.ResponseWriter, r *http.Request, hit int32) {
		fmt.Fprintf(w, `{"name": "bar", "hit": %d}`, hit)
	})
	f, _ := test_fetcher(srv)
	u := srv.URL + "/github/repos/foo/bar"

	first := f.fetch(u, nil, true, 3)
	second := f.fetch(u, nil, true, 3)
	require.True(t, first.Exists())
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, first.Raw, second.Raw)
	assert.Equal(t, "bar", second.Get("name").String())
}

func Test_fetch__failure_memoised(t *testing.T) {
	srv, hits := counting_server(t, func(w http.ResponseWriter, r *http.Request, hit int32) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message": "Not Found"}`)
	})
	f, recorder := test_fetcher(srv)
	u := srv.URL + "/github/repos/foo/missing"

	assert.False(t, f.fetch(u, nil, true, 3).Exists())
	assert.False(t, f.fetch(u, nil, true, 3).Exists())
	assert.Equal(t, int32(1), hits.Load()) // 4xx isn't retried
	assert.Empty(t, recorder.durations())
}

// captures the info and above log lines of a test.
func capture_log(t *testing.T) *RunLog {
	run_log := &RunLog{}
	previous := slog.Default()
	slog.SetDefault(slog.New(new_run_log_handler(slog.NewTextHandler(io.Discard, nil), run_log)))
	t.Cleanup(func() { slog.SetDefault(previous) })
	return run_log
}

func Test_fetch__prefetched_failure_reported(t *testing.T) {
	srv, hits := counting_server(t, func(w http.ResponseWriter, r *http.Request, hit int32) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message": "Not Found"}`)
	})
	f, _ := test_fetcher(srv)
	run_log := capture_log(t)
	u := srv.URL + "/github/repos/foo/deleted"

	// the prefetch stays quiet, the first read that reports errors logs the failure once.
	f.fetch_batch([]string{u}, 2)
	assert.Empty(t, run_log.Lines())

	assert.False(t, f.fetch(u, nil, true, 3).Exists())
	assert.False(t, f.fetch(u, nil, true, 3).Exists())
	assert.Equal(t, int32(1), hits.Load())

	line_list := run_log.Lines()
	require.Len(t, line_list, 1)
	assert.Contains(t, line_list[0], "request failed")
	assert.Contains(t, line_list[0], "Not Found")
}

func Test_fetch__server_errors_retried(t *testing.T) {
	srv, hits := counting_server(t, func(w http.ResponseWriter, r *http.Request, hit int32) {
		w.WriteHeader(http.StatusBadGateway)
	})
	f, recorder := test_fetcher(srv)

	res := f.fetch(srv.URL+"/github/repos/foo/bar", nil, true, 3)
	assert.False(t, res.Exists())
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, recorder.durations())
}

func Test_fetch__server_error_recovers(t *testing.T) {
	srv, hits := counting_server(t, func(w http.ResponseWriter, r *http.Request, hit int32) {
		if hit < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `[{"tag_name": "v1.0"}]`)
	})
	f, _ := test_fetcher(srv)

	res := f.fetch(srv.URL+"/github/repos/foo/bar/releases", nil, true, 3)
	require.True(t, res.Exists())
	assert.Equal(t, "v1.0", res.Get("0.tag_name").String())
	assert.Equal(t, int32(3), hits.Load())
}

func Test_fetch__malformed(t *testing.T) {
	cases := map[string]string{
		"empty":          ``,
		"not json":       `<html></html>`,
		"scalar":         `"just a string"`,
		"number":         `42`,
		"github message": `{"message": "Bad credentials"}`,
		"gitlab error":   `{"error": "insufficient_scope"}`,
	}
	for given, body := range cases {
		srv, hits := counting_server(t, func(w http.ResponseWriter, r *http.Request, hit int32) {
			fmt.Fprint(w, body)
		})
		f, _ := test_fetcher(srv)
		assert.False(t, f.fetch(srv.URL+"/github/repos/foo/bar", nil, false, 3).Exists(), given)
		assert.Equal(t, int32(1), hits.Load(), given) // not retried
	}
}

func Test_fetch__primary_rate_limit(t *testing.T) {
	srv, hits := counting_server(t, func(w http.ResponseWriter, r *http.Request, hit int32) {
		if hit == 1 {
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.WriteHeader(http.StatusForbidden)
			fmt.Fprint(w, `{"message": "API rate limit exceeded"}`)
			return
		}
		fmt.Fprint(w, `{"name": "bar"}`)
	})
	f, recorder := test_fetcher(srv)

	res := f.fetch(srv.URL+"/github/repos/foo/bar", nil, true, 3)
	require.True(t, res.Exists())
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, []time.Duration{PRIMARY_RATE_LIMIT_WAIT}, recorder.durations())
}

func Test_fetch__secondary_rate_limit(t *testing.T) {
	srv, hits := counting_server(t, func(w http.ResponseWriter, r *http.Request, hit int32) {
		if hit == 1 {
			w.WriteHeader(http.StatusForbidden)
			fmt.Fprint(w, `{"message": "You have exceeded a secondary rate limit"}`)
			return
		}
		fmt.Fprint(w, `{"name": "bar"}`)
	})
	f, recorder := test_fetcher(srv)

	res := f.fetch(srv.URL+"/github/repos/foo/bar", nil, true, 3)
	require.True(t, res.Exists())
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, []time.Duration{SECONDARY_RATE_LIMIT_WAIT}, recorder.durations())
}

func Test_fetch__rate_limit_budget(t *testing.T) {
	srv, hits := counting_server(t, func(w http.ResponseWriter, r *http.Request, hit int32) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	f, recorder := test_fetcher(srv)

	res := f.fetch(srv.URL+"/github/repos/foo/bar", nil, true, 3)
	assert.False(t, res.Exists())
	// each retry has one less attempt in its budget
	assert.Equal(t, int32(3), hits.Load())
	assert.Len(t, recorder.durations(), 3)
}

func Test_headers_for(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]http.Header{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen[r.URL.Path] = r.Header.Clone()
		mu.Unlock()
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()
	f, _ := test_fetcher(srv)

	f.fetch(srv.URL+"/github/repos/foo/bar", nil, true, 1)
	f.fetch(srv.URL+"/gitlab/projects/1", map[string]string{"X-Extra": "yes"}, true, 1)
	f.fetch_raw(srv.URL+"/raw/foo/bar/master/config/module.ini", 1)

	gh := seen["/github/repos/foo/bar"]
	assert.Equal(t, USER_AGENT, gh.Get("User-Agent"))
	assert.Equal(t, "token gh-token", gh.Get("Authorization"))

	gl := seen["/gitlab/projects/1"]
	assert.Equal(t, USER_AGENT, gl.Get("User-Agent"))
	assert.Equal(t, "gl-token", gl.Get("Private-Token"))
	assert.Equal(t, "", gl.Get("Authorization"))
	assert.Equal(t, "yes", gl.Get("X-Extra"))

	raw := seen["/raw/foo/bar/master/config/module.ini"]
	assert.Equal(t, BROWSER_USER_AGENT, raw.Get("User-Agent"))
	assert.Equal(t, "", raw.Get("Authorization"))
}

func Test_fetch_raw__not_found_not_retried(t *testing.T) {
	srv, hits := counting_server(t, func(w http.ResponseWriter, r *http.Request, hit int32) {
		w.WriteHeader(http.StatusNotFound)
	})
	f, recorder := test_fetcher(srv)
	u := srv.URL + "/raw/foo/bar/master/config/module.ini"

	_, found := f.fetch_raw(u, 3)
	assert.False(t, found)
	_, found = f.fetch_raw(u, 3)
	assert.False(t, found)
	assert.Equal(t, int32(1), hits.Load())
	assert.Empty(t, recorder.durations())
}

func Test_fetch_raw_status(t *testing.T) {
	srv, _ := counting_server(t, func(w http.ResponseWriter, r *http.Request, hit int32) {
		switch r.URL.Path {
		case "/raw/found":
			fmt.Fprint(w, "[info]")
		case "/raw/gone":
			w.WriteHeader(http.StatusNotFound)
		case "/raw/forbidden":
			w.WriteHeader(http.StatusForbidden)
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	})
	f, _ := test_fetcher(srv)

	cases := map[string]raw_status{
		"/raw/found":     RAW_FOUND,
		"/raw/gone":      RAW_ABSENT,
		"/raw/forbidden": RAW_FAILED,
		"/raw/down":      RAW_FAILED,
	}
	for given, expected := range cases {
		_, status := f.fetch_raw_status(srv.URL+given, 2)
		assert.Equal(t, expected, status, given)
	}
	// remembered
	_, status := f.fetch_raw_status(srv.URL+"/raw/down", 2)
	assert.Equal(t, RAW_FAILED, status)
}

func Test_fetch_raw__server_errors_retried(t *testing.T) {
	srv, hits := counting_server(t, func(w http.ResponseWriter, r *http.Request, hit int32) {
		if hit < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, "[info]\nname = \"Foo\"\n")
	})
	f, _ := test_fetcher(srv)

	text, found := f.fetch_raw(srv.URL+"/raw/foo/bar/master/config/module.ini", 3)
	assert.True(t, found)
	assert.Equal(t, "[info]\nname = \"Foo\"\n", text)
	assert.Equal(t, int32(3), hits.Load())
}

// serves `page_size` items on every page, forever.
func endless_pages(page_size int) func(w http.ResponseWriter, r *http.Request, hit int32) {
	return func(w http.ResponseWriter, r *http.Request, hit int32) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		items := ""
		for i := 0; i < page_size; i++ {
			if i > 0 {
				items += ","
			}
			items += fmt.Sprintf(`{"page": %d, "i": %d}`, page, i)
		}
		fmt.Fprintf(w, `{"total_count": 1, "items": [%s]}`, items)
	}
}

func Test_fetch_all_pages__bounded(t *testing.T) {
	srv, hits := counting_server(t, endless_pages(2))
	f, _ := test_fetcher(srv)

	item_list, ok := f.fetch_all_pages(srv.URL+"/github/search/repositories?q=foo&per_page=2", 5)
	assert.True(t, ok)
	assert.Len(t, item_list, 10)
	assert.Equal(t, int32(5), hits.Load())
	assert.Equal(t, int64(5), item_list[9].Get("page").Int())
}

func Test_fetch_all_pages__short_page(t *testing.T) {
	srv, hits := counting_server(t, func(w http.ResponseWriter, r *http.Request, hit int32) {
		switch r.URL.Query().Get("page") {
		case "1":
			fmt.Fprint(w, `[{"tag_name": "v3"}, {"tag_name": "v2"}]`)
		default:
			fmt.Fprint(w, `[{"tag_name": "v1"}]`)
		}
	})
	f, _ := test_fetcher(srv)

	item_list, ok := f.fetch_all_pages(srv.URL+"/github/repos/foo/bar/releases?per_page=2", 10)
	assert.True(t, ok)
	assert.Len(t, item_list, 3)
	assert.Equal(t, int32(2), hits.Load())
}

func Test_fetch_all_pages__failed_page(t *testing.T) {
	srv, hits := counting_server(t, func(w http.ResponseWriter, r *http.Request, hit int32) {
		if r.URL.Query().Get("page") == "2" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, `[{"n": 1}, {"n": 2}]`)
	})
	f, _ := test_fetcher(srv)

	item_list, ok := f.fetch_all_pages(srv.URL+"/github/repos/foo/bar/releases?per_page=2", 10)
	assert.True(t, ok)
	assert.Len(t, item_list, 2)
	assert.Equal(t, int32(2), hits.Load())
}

func Test_fetch_all_pages__failed_first_page(t *testing.T) {
	srv, _ := counting_server(t, func(w http.ResponseWriter, r *http.Request, hit int32) {
		w.WriteHeader(http.StatusBadGateway)
	})
	f, _ := test_fetcher(srv)

	item_list, ok := f.fetch_all_pages(srv.URL+"/github/repos/foo/bar/releases", 10)
	assert.False(t, ok)
	assert.Empty(t, item_list)
}

func Test_fetch_all_pages__empty_list(t *testing.T) {
	srv, _ := counting_server(t, func(w http.ResponseWriter, r *http.Request, hit int32) {
		fmt.Fprint(w, `[]`)
	})
	f, _ := test_fetcher(srv)

	item_list, ok := f.fetch_all_pages(srv.URL+"/github/repos/foo/bar/releases", 10)
	assert.True(t, ok)
	assert.Empty(t, item_list)
}

func Test_fetch_batch__warms_cache(t *testing.T) {
	srv, hits := counting_server(t, func(w http.ResponseWriter, r *http.Request, hit int32) {
		fmt.Fprintf(w, `{"path": %q}`, r.URL.Path)
	})
	f, _ := test_fetcher(srv)

	url_list := []string{}
	for i := 0; i < 7; i++ {
		url_list = append(url_list, fmt.Sprintf("%s/github/repos/foo/bar%d", srv.URL, i))
	}
	url_list = append(url_list, url_list[0]) // duplicate

	f.fetch_batch(url_list, 3)
	assert.Equal(t, int32(7), hits.Load())

	for i, u := range url_list[:7] {
		res := f.fetch(u, nil, true, 3)
		assert.Equal(t, fmt.Sprintf("/github/repos/foo/bar%d", i), res.Get("path").String())
	}
	assert.Equal(t, int32(7), hits.Load())

	// already cached, nothing fetched
	f.fetch_batch(url_list, 3)
	assert.Equal(t, int32(7), hits.Load())
}
