package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/url"

	"github.com/tidwall/gjson"
)

// a repository found by a search, not yet validated.
type Candidate struct {
	Url  string
	Fork bool
}

// finds repositories not yet in a catalog.
type Discovery struct {
	Fetcher    *Fetcher
	Manifests  *ManifestResolver
	Type       *CatalogType
	Exclusions Exclusions
	// url key => name of the catalog type the url already belongs to.
	KnownTypes     map[string]string
	SearchMaxPages int
	MaxPages       int
}

// inspects a search response and determines if there are more pages to fetch.
func more_pages(page, per_page int, jsonstr string) (int, error) {
	val := gjson.Get(jsonstr, "total_count")
	if !val.Exists() {
		return 0, errors.New("expected field 'total_count' not found, cannot paginate")
	}
	total := int(val.Int())
	ptr := page * per_page                              // 300
	pos := total - ptr                                  // 743 - 300 = 443
	remaining_pages := float64(pos) / float64(per_page) // 4.43
	return int(math.Ceil(remaining_pages)), nil         // 5
}

func github_candidate(item gjson.Result) (Candidate, bool) {
	repo, err := json_string_to_struct(item.Raw)
	if err != nil {
		slog.Warn("skipping search result", "error", err)
		return Candidate{}, false
	}
	if repo.HtmlUrl == "" {
		slog.Warn("skipping search result, no url", "repo", repo.FullName)
		return Candidate{}, false
	}
	return Candidate{Url: clean_url(repo.HtmlUrl), Fork: repo.Fork}, true
}

func gitlab_candidate(item gjson.Result) (Candidate, bool) {
	var project GitlabProject
	err := json.Unmarshal([]byte(item.Raw), &project)
	if err != nil || project.WebUrl == "" {
		return Candidate{}, false
	}
	return Candidate{Url: clean_url(project.WebUrl), Fork: project.ForkedFromProject != nil}, true
}

// the repository search queries for the catalog type: each keyword variant, then the topic.
func (d *Discovery) search_queries() []string {
	query_list := unique(flatten(d.Type.Keywords, d.Type.ExtraKeywords))
	if d.Type.Topic != "" {
		query_list = append(query_list, "topic:"+d.Type.Topic)
	}
	return query_list
}

// searches the primary provider's repositories for `query`, most recently updated first.
// pages are fetched until the declared total is covered, a page is empty, or the page limit is reached.
func (d *Discovery) search_github(query string) []Candidate {
	p := d.Fetcher.Providers.github()
	results_acc := []Candidate{}
	per_page := p.PerPage
	max_pages := max(d.SearchMaxPages, 1)

	for page := 1; page <= max_pages; page++ {
		api_url := p.APIURL + fmt.Sprintf("/search/repositories?q=%s&sort=updated&order=desc&per_page=%d&page=%d", url.QueryEscape(query), per_page, page)
		res := d.Fetcher.fetch(api_url, nil, true, d.Fetcher.MaxRetries)
		if !res.Exists() {
			break
		}
		item_list := result_items(res)
		if len(item_list) == 0 {
			// no further progress, whatever the total says.
			break
		}
		for _, item := range item_list {
			candidate, ok := github_candidate(item)
			if ok {
				results_acc = append(results_acc, candidate)
			}
		}

		remaining_pages, err := more_pages(page, per_page, res.Raw)
		if err != nil {
			slog.Error("failed to paginate", "query", query, "page", page, "error", err)
			break
		}
		if remaining_pages < 1 {
			break
		}
		slog.Debug("more search results", "query", query, "remaining-pages", remaining_pages)
	}
	slog.Info("searched", "server", SERVER_GITHUB, "query", query, "num", len(results_acc))
	return results_acc
}

// lists the repositories of a known organisation or group directly.
func (d *Discovery) list_organization(org Organization) []Candidate {
	results_acc := []Candidate{}
	switch org.Provider {
	case "gitlab":
		p := d.Fetcher.Providers.gitlab()
		api_url := fmt.Sprintf("%s/groups/%s/projects?include_subgroups=true", p.APIURL, url.PathEscape(org.Name))
		item_list, _ := d.Fetcher.fetch_all_pages(api_url, d.MaxPages)
		if len(item_list) == 0 {
			// not a group, perhaps a user.
			api_url = fmt.Sprintf("%s/users/%s/projects", p.APIURL, url.PathEscape(org.Name))
			item_list, _ = d.Fetcher.fetch_all_pages(api_url, d.MaxPages)
		}
		for _, item := range item_list {
			candidate, ok := gitlab_candidate(item)
			if ok {
				results_acc = append(results_acc, candidate)
			}
		}
	default:
		p := d.Fetcher.Providers.github()
		api_url := fmt.Sprintf("%s/orgs/%s/repos?type=public", p.APIURL, url.PathEscape(org.Name))
		item_list, _ := d.Fetcher.fetch_all_pages(api_url, d.MaxPages)
		if len(item_list) == 0 {
			api_url = fmt.Sprintf("%s/users/%s/repos?type=owner", p.APIURL, url.PathEscape(org.Name))
			item_list, _ = d.Fetcher.fetch_all_pages(api_url, d.MaxPages)
		}
		for _, item := range item_list {
			candidate, ok := github_candidate(item)
			if ok {
				results_acc = append(results_acc, candidate)
			}
		}
	}
	slog.Info("listed organization", "provider", org.Provider, "name", org.Name, "num", len(results_acc))
	return results_acc
}

// searches the secondary provider's projects for `keyword`.
func (d *Discovery) search_gitlab(keyword string) []Candidate {
	p := d.Fetcher.Providers.gitlab()
	api_url := fmt.Sprintf("%s/projects?search=%s&order_by=last_activity_at", p.APIURL, url.QueryEscape(keyword))
	results_acc := []Candidate{}
	item_list, _ := d.Fetcher.fetch_all_pages(api_url, d.SearchMaxPages)
	for _, item := range item_list {
		candidate, ok := gitlab_candidate(item)
		if ok {
			results_acc = append(results_acc, candidate)
		}
	}
	slog.Info("searched", "server", SERVER_GITLAB, "query", keyword, "num", len(results_acc))
	return results_acc
}

// returns true if `candidate` is a new addon of this catalog type.
func (d *Discovery) is_new_addon(candidate Candidate, existing map[string]bool) bool {
	key := url_key(candidate.Url)
	if existing[key] {
		return false
	}
	if d.Exclusions.is_excluded(candidate.Url) {
		return false
	}
	if candidate.Fork {
		return false
	}
	if type_name, present := d.KnownTypes[key]; present && type_name != d.Type.Name {
		return false
	}
	_, found := d.Manifests.resolve(candidate.Url, "")
	return found
}

// finds addons of this catalog type whose url isn't in `existing` (url keys).
// returns a stub record per new addon, only the url and server are set.
func (d *Discovery) discover(existing map[string]bool) []*AddonRecord {
	candidates := []Candidate{}
	for _, query := range d.search_queries() {
		candidates = append(candidates, d.search_github(query)...)
	}
	for _, org := range d.Type.Organizations {
		candidates = append(candidates, d.list_organization(org)...)
	}
	for _, keyword := range unique(d.Type.Keywords) {
		candidates = append(candidates, d.search_gitlab(keyword)...)
	}

	seen := map[string]bool{}
	stub_list := []*AddonRecord{}
	for _, candidate := range candidates {
		key := url_key(candidate.Url)
		if seen[key] {
			continue
		}
		seen[key] = true
		if !d.is_new_addon(candidate, existing) {
			continue
		}
		slog.Info("new url found", "type", d.Type.Name, "url", candidate.Url)
		stub_list = append(stub_list, &AddonRecord{
			Url:    candidate.Url,
			Server: server_from_url(candidate.Url),
		})
	}
	slog.Info("discovery complete", "type", d.Type.Name, "candidates", len(seen), "new", len(stub_list))
	return stub_list
}
