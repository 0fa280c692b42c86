package main

import (
	"fmt"
	"log/slog"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"gopkg.in/ini.v1"
)

// branches searched for a manifest, in order.
var MANIFEST_BRANCHES = []string{"master", "main"}

// size of the per-run manifest memo, comfortably more than the repositories of every catalog type.
const MANIFEST_MEMO_SIZE = 32768

type manifest_memo struct {
	text string
	ok   bool
}

type ManifestMemo = lru.Cache[string, manifest_memo]

func new_manifest_memo() *ManifestMemo {
	memo, err := lru.New[string, manifest_memo](MANIFEST_MEMO_SIZE)
	ensure(err == nil, "failed to create manifest memo")
	return memo
}

// finds and fetches the manifest of a repository for one catalog type.
type ManifestResolver struct {
	Fetcher *Fetcher
	Invalid *InvalidUrlCache
	Type    *CatalogType
	Memo    *ManifestMemo
}

func (m *ManifestResolver) memo_key(repo_url string, explicit_path string) string {
	return fmt.Sprintf("%s|%t|%s", url_key(repo_url), explicit_path != "", m.Type.Name)
}

// returns true if `text` is an html document rather than a config file.
// some hosts answer a missing raw file with an html page and a 200.
func looks_like_html(text string) bool {
	head := strings.ToLower(strings.TrimSpace(truncate(text, 1024)))
	return strings.HasPrefix(head, "<!doctype html") ||
		strings.HasPrefix(head, "<html") ||
		strings.Contains(head, "<html") ||
		strings.Contains(head, "<head>")
}

func is_manifest_text(text string) bool {
	return strings.TrimSpace(text) != "" && !looks_like_html(text)
}

// returns the manifest text of the repository at `repo_url`.
// the conventional manifest path is used unless `explicit_path` is given.
// a repository without a manifest is marked invalid, but only when looked for at the conventional path
// and never because the host failed to answer.
func (m *ManifestResolver) resolve(repo_url string, explicit_path string) (string, bool) {
	key := m.memo_key(repo_url, explicit_path)
	if memo, present := m.Memo.Get(key); present {
		return memo.text, memo.ok
	}

	text, ok := m.lookup(repo_url, explicit_path)
	m.Memo.Add(key, manifest_memo{text: text, ok: ok})
	return text, ok
}

func (m *ManifestResolver) lookup(repo_url string, explicit_path string) (string, bool) {
	if explicit_path == "" && m.Invalid != nil && m.Invalid.is_invalid(repo_url) {
		slog.Debug("known invalid url, skipping manifest lookup", "url", repo_url, "type", m.Type.Name)
		return "", false
	}

	server, owner, repo, ok := split_repo_url(repo_url)
	provider := m.Fetcher.Providers[server]
	if !ok || provider == nil {
		return "", false
	}

	path := m.Type.Manifest
	if explicit_path != "" {
		path = explicit_path
	}

	unreachable := false
	for _, branch := range MANIFEST_BRANCHES {
		raw_url := provider.raw_file_url(owner, repo, branch, path)
		text, status := m.Fetcher.fetch_raw_status(raw_url, m.Fetcher.MaxRetries)
		if status == RAW_FAILED {
			unreachable = true
			continue
		}
		if status == RAW_FOUND && is_manifest_text(text) {
			return text, true
		}
	}

	// only a host that answered for every branch can say the manifest doesn't exist.
	if unreachable {
		slog.Warn("manifest unavailable, url not marked invalid", "url", repo_url, "type", m.Type.Name)
		return "", false
	}
	if explicit_path == "" && m.Invalid != nil {
		slog.Debug("no manifest found, marking url invalid", "url", repo_url, "type", m.Type.Name)
		m.Invalid.mark_invalid(repo_url)
	}
	return "", false
}

// parses the ini manifest `text` into a flat map of lowercased key => value.
// keys of every section are merged, the first occurrence of a key wins.
func parse_manifest(text string) (map[string]string, error) {
	empty_response := map[string]string{}
	data := []byte(text)
	if len(data) > 0 {
		var err error
		data, err = elide_bom(data)
		if err != nil {
			return empty_response, fmt.Errorf("failed to read manifest: %w", err)
		}
	}

	opts := ini.LoadOptions{
		Insensitive:             true,
		IgnoreInlineComment:     true,
		SkipUnrecognizableLines: true,
		AllowBooleanKeys:        true,
		Loose:                   true,
	}
	cfg, err := ini.LoadSources(opts, data)
	if err != nil {
		return empty_response, fmt.Errorf("failed to parse manifest: %w", err)
	}

	keyvals := map[string]string{}
	for _, section := range cfg.Sections() {
		for _, key := range section.Keys() {
			name := strings.TrimSpace(key.Name())
			if _, present := keyvals[name]; present {
				continue
			}
			val := strings.TrimSpace(key.String())
			if len(val) >= 2 && strings.HasPrefix(val, "'") && strings.HasSuffix(val, "'") {
				val = val[1 : len(val)-1]
			}
			keyvals[name] = val
		}
	}
	return keyvals, nil
}
