package main

import (
	"fmt"
	"net/url"
	"strings"
)

const (
	SERVER_GITHUB = "github.com"
	SERVER_GITLAB = "gitlab.com"
)

// a code hosting provider and the urls used to talk to it.
type Provider struct {
	Server       string // "github.com"
	APIURL       string // "https://api.github.com"
	RawURL       string // "https://raw.githubusercontent.com"
	PageParam    string
	PerPageParam string
	PerPage      int
	Token        string
}

// the providers a run talks to, indexed by server.
type Providers map[string]*Provider

func new_providers(cfg *Config) Providers {
	return Providers{
		SERVER_GITHUB: {
			Server:       SERVER_GITHUB,
			APIURL:       strings.TrimRight(cfg.GithubAPI, "/"),
			RawURL:       strings.TrimRight(cfg.GithubRaw, "/"),
			PageParam:    "page",
			PerPageParam: "per_page",
			PerPage:      100,
			Token:        cfg.GithubToken,
		},
		SERVER_GITLAB: {
			Server:       SERVER_GITLAB,
			APIURL:       strings.TrimRight(cfg.GitlabAPI, "/"),
			RawURL:       strings.TrimRight(cfg.GitlabRaw, "/"),
			PageParam:    "page",
			PerPageParam: "per_page",
			PerPage:      100,
			Token:        cfg.GitlabToken,
		},
	}
}

func (ps Providers) github() *Provider {
	return ps[SERVER_GITHUB]
}

func (ps Providers) gitlab() *Provider {
	return ps[SERVER_GITLAB]
}

// returns the provider whose API lives at the host of `u`, if any.
func (ps Providers) for_api_url(u string) *Provider {
	for _, p := range ps {
		if p.APIURL != "" && strings.HasPrefix(u, p.APIURL) {
			return p
		}
	}
	return nil
}

// "https://www.GitHub.com/foo/bar" => "github.com"
func server_from_url(u string) string {
	parsed, err := url.Parse(strings.TrimSpace(u))
	if err != nil || parsed.Host == "" {
		return ""
	}
	host := strings.ToLower(parsed.Hostname())
	return strings.TrimPrefix(host, "www.")
}

// "https://github.com/foo/bar" => "github.com", "foo", "bar"
// "https://gitlab.com/group/sub/project" => "gitlab.com", "group/sub", "project"
func split_repo_url(u string) (server, owner, repo string, ok bool) {
	parsed, err := url.Parse(clean_url(u))
	if err != nil || parsed.Host == "" {
		return "", "", "", false
	}
	server = strings.TrimPrefix(strings.ToLower(parsed.Hostname()), "www.")
	path := strings.Trim(parsed.Path, "/")
	if i := strings.Index(path, "/-/"); i >= 0 {
		path = path[:i]
	}
	bits := strings.Split(path, "/")
	if len(bits) < 2 {
		return server, "", "", false
	}
	if server == SERVER_GITHUB {
		// "https://github.com/foo/bar/tree/master" => "foo", "bar"
		return server, bits[0], bits[1], true
	}
	return server, strings.Join(bits[:len(bits)-1], "/"), bits[len(bits)-1], true
}

// the project name of a repository url: "https://github.com/foo/Omeka-S-module-Bar" => "Omeka-S-module-Bar"
func project_name_from_url(u string) string {
	_, _, repo, ok := split_repo_url(u)
	if !ok {
		return ""
	}
	return repo
}

// the API url describing a repository.
func (p *Provider) repo_api_url(owner, repo string) string {
	if p.Server == SERVER_GITLAB {
		return fmt.Sprintf("%s/projects/%s", p.APIURL, url.PathEscape(owner+"/"+repo))
	}
	return fmt.Sprintf("%s/repos/%s/%s", p.APIURL, owner, repo)
}

// the API url listing a repository's releases, most recent first.
func (p *Provider) releases_api_url(owner, repo string) string {
	return p.repo_api_url(owner, repo) + "/releases"
}

// the url of a raw file on a branch.
func (p *Provider) raw_file_url(owner, repo, branch, path string) string {
	path = strings.TrimLeft(path, "/")
	if p.Server == SERVER_GITLAB {
		return fmt.Sprintf("%s/%s/%s/-/raw/%s/%s", p.RawURL, owner, repo, branch, path)
	}
	return fmt.Sprintf("%s/%s/%s/%s/%s", p.RawURL, owner, repo, branch, path)
}

// appends `key=val` to `u`, respecting an existing query string.
func add_param(u, key, val string) string {
	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	return u + sep + key + "=" + url.QueryEscape(val)
}

// `base_url` with the provider's page size and page number.
func (p *Provider) page_url(base_url string, page int) string {
	u := base_url
	if !strings.Contains(u, p.PerPageParam+"=") {
		u = add_param(u, p.PerPageParam, fmt.Sprintf("%d", p.PerPage))
	}
	return add_param(u, p.PageParam, fmt.Sprintf("%d", page))
}
