package main

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// how long a url stays known as invalid before its manifest is fetched again.
const INVALID_URL_EXPIRY_DAYS = 30

const INVALID_URL_DATE_FORMAT = "2006-01-02"

type InvalidUrlCacheEntry struct {
	Url  string
	Date time.Time
}

// urls known not to expose a manifest for a catalog type, as of a date.
// persisted as lines of "url<TAB>YYYY-MM-DD".
type InvalidUrlCache struct {
	Path string

	entries       map[string]InvalidUrlCacheEntry
	new_entries   []InvalidUrlCacheEntry
	needs_rewrite bool
	now           func() time.Time
}

func new_invalid_url_cache(path string) *InvalidUrlCache {
	return &InvalidUrlCache{
		Path:    path,
		entries: map[string]InvalidUrlCacheEntry{},
		now:     time.Now,
	}
}

func today(now func() time.Time) time.Time {
	t := now().UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func (c *InvalidUrlCache) expired(entry InvalidUrlCacheEntry) bool {
	expires := entry.Date.AddDate(0, 0, INVALID_URL_EXPIRY_DAYS)
	return !today(c.now).Before(expires)
}

// reads the cache file, if any.
// expired entries and entries without a date are dropped and the file is marked for a full rewrite.
func (c *InvalidUrlCache) load() error {
	c.entries = map[string]InvalidUrlCacheEntry{}
	c.new_entries = nil
	c.needs_rewrite = false

	if c.Path == "" || !path_exists(c.Path) {
		return nil
	}
	fh, err := os.Open(c.Path)
	if err != nil {
		return fmt.Errorf("failed to open invalid url cache: %w", err)
	}
	defer fh.Close()

	num_expired := 0
	scanner := bufio.NewScanner(fh)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		bits := strings.SplitN(line, "\t", 2)
		u := strings.TrimSpace(bits[0])
		if len(bits) != 2 {
			// legacy entry, no date
			num_expired++
			continue
		}
		date, err := time.Parse(INVALID_URL_DATE_FORMAT, strings.TrimSpace(bits[1]))
		if err != nil {
			num_expired++
			continue
		}
		entry := InvalidUrlCacheEntry{Url: u, Date: date}
		if c.expired(entry) {
			num_expired++
			continue
		}
		c.entries[url_key(u)] = entry
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read invalid url cache: %w", err)
	}
	if num_expired > 0 {
		slog.Info("invalid url cache entries expired", "path", c.Path, "num", num_expired)
		c.needs_rewrite = true
	}
	return nil
}

func (c *InvalidUrlCache) is_invalid(u string) bool {
	entry, present := c.entries[url_key(u)]
	if !present {
		return false
	}
	return !c.expired(entry)
}

func (c *InvalidUrlCache) mark_invalid(u string) {
	key := url_key(u)
	if _, present := c.entries[key]; present {
		return
	}
	entry := InvalidUrlCacheEntry{Url: u, Date: today(c.now)}
	c.entries[key] = entry
	c.new_entries = append(c.new_entries, entry)
}

func format_invalid_entry(entry InvalidUrlCacheEntry) string {
	return entry.Url + "\t" + entry.Date.Format(INVALID_URL_DATE_FORMAT) + "\n"
}

// appends new entries to the cache file,
// or rewrites the whole file when expired entries were purged on load.
func (c *InvalidUrlCache) save() error {
	if c.Path == "" {
		return nil
	}
	if !c.needs_rewrite && len(c.new_entries) == 0 {
		return nil
	}
	err := os.MkdirAll(filepath.Dir(c.Path), 0o755)
	if err != nil {
		return fmt.Errorf("failed to create invalid url cache directory: %w", err)
	}

	var fh *os.File
	var entry_list []InvalidUrlCacheEntry
	if c.needs_rewrite {
		fh, err = os.Create(c.Path)
		for _, entry := range c.entries {
			entry_list = append(entry_list, entry)
		}
		sort.Slice(entry_list, func(i, j int) bool {
			return entry_list[i].Url < entry_list[j].Url
		})
	} else {
		fh, err = os.OpenFile(c.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		entry_list = c.new_entries
	}
	if err != nil {
		return fmt.Errorf("failed to open invalid url cache for writing: %w", err)
	}

	wtr := bufio.NewWriter(fh)
	for _, entry := range entry_list {
		_, err = wtr.WriteString(format_invalid_entry(entry))
		if err != nil {
			fh.Close()
			return fmt.Errorf("failed to write invalid url cache: %w", err)
		}
	}
	err = wtr.Flush()
	if err != nil {
		fh.Close()
		return fmt.Errorf("failed to write invalid url cache: %w", err)
	}
	err = fh.Close()
	if err != nil {
		return fmt.Errorf("failed to write invalid url cache: %w", err)
	}
	c.new_entries = nil
	c.needs_rewrite = false
	return nil
}
