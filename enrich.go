package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

type GithubRepoOwner struct {
	Login string `json:"login"`
	Type  string `json:"type"`
}

type GithubLicense struct {
	SPDXID string `json:"spdx_id"`
}

// a Github repository, as a search result or repository metadata.
type GithubRepo struct {
	Name            string          `json:"name"`
	FullName        string          `json:"full_name"`
	Owner           GithubRepoOwner `json:"owner"`
	Description     string          `json:"description"`
	Fork            bool            `json:"fork"`
	Url             string          `json:"url"`
	HtmlUrl         string          `json:"html_url"`
	CreatedAt       string          `json:"created_at"`
	UpdatedAt       string          `json:"updated_at"`
	PushedAt        string          `json:"pushed_at"`
	Homepage        string          `json:"homepage"`
	StargazersCount int             `json:"stargazers_count"`
	Archived        bool            `json:"archived"`
	License         *GithubLicense  `json:"license"`
	Topics          []string        `json:"topics"`
	Parent          *GithubRepo     `json:"parent"`
}

// a Gitlab project, as a search result or project metadata.
type GitlabProject struct {
	Id                int            `json:"id"`
	Name              string         `json:"name"`
	Path              string         `json:"path"`
	PathWithNamespace string         `json:"path_with_namespace"`
	WebUrl            string         `json:"web_url"`
	Description       string         `json:"description"`
	CreatedAt         string         `json:"created_at"`
	LastActivityAt    string         `json:"last_activity_at"`
	ForkedFromProject *GitlabProject `json:"forked_from_project"`
}

// a Release has many Assets
type Asset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
	ContentType        string `json:"content_type"`
	DownloadCount      int    `json:"download_count"`
}

// a repository release
type GithubRelease struct {
	Name      string  `json:"name"`     // "2.2.2"
	TagName   string  `json:"tag_name"` // "v2.2.2"
	Draft     bool    `json:"draft"`
	AssetList []Asset `json:"assets"`
}

type GitlabReleaseLink struct {
	Name string `json:"name"`
	Url  string `json:"url"`
}

type GitlabRelease struct {
	Name    string `json:"name"`
	TagName string `json:"tag_name"`
	Assets  struct {
		Links []GitlabReleaseLink `json:"links"`
	} `json:"assets"`
}

// provider metadata of a repository, whichever provider it came from.
type RepoMeta struct {
	Name      string
	HtmlUrl   string
	CreatedAt string
	UpdatedAt string
	PushedAt  string
	Fork      bool
	// API url of the repository this one was forked from.
	ParentApiUrl string
}

// a release, whichever provider it came from.
type Release struct {
	Version string
	ZipUrl  string
	Assets  []Asset
}

// the deepest a chain of forks is followed.
const MAX_FORK_DEPTH = 20

// --- json helpers

func json_string_to_struct(json_blob string) (GithubRepo, error) {
	// a 'code' search result wraps the repository, many fields are missing.
	repo_field := gjson.Get(json_blob, "repository")
	if repo_field.Exists() {
		json_blob = repo_field.Raw
	}
	var repo GithubRepo
	err := json.Unmarshal([]byte(json_blob), &repo)
	if err != nil {
		return repo, fmt.Errorf("failed to unmarshal json to GithubRepo struct: %w", err)
	}
	return repo, nil
}

func github_repo_meta(repo GithubRepo) RepoMeta {
	meta := RepoMeta{
		Name:      repo.Name,
		HtmlUrl:   repo.HtmlUrl,
		CreatedAt: repo.CreatedAt,
		UpdatedAt: repo.UpdatedAt,
		PushedAt:  repo.PushedAt,
		Fork:      repo.Fork,
	}
	if repo.Parent != nil {
		meta.ParentApiUrl = repo.Parent.Url
	}
	return meta
}

func gitlab_repo_meta(project GitlabProject, api_url string) RepoMeta {
	meta := RepoMeta{
		Name:      project.Path,
		HtmlUrl:   project.WebUrl,
		CreatedAt: project.CreatedAt,
		UpdatedAt: project.LastActivityAt,
		PushedAt:  project.LastActivityAt,
		Fork:      project.ForkedFromProject != nil,
	}
	if project.ForkedFromProject != nil && project.ForkedFromProject.Id != 0 {
		meta.ParentApiUrl = fmt.Sprintf("%s/projects/%d", api_url, project.ForkedFromProject.Id)
	}
	return meta
}

// --- enrichment

// fills in a catalog record from its provider, its manifest and the marketplace.
type Enricher struct {
	Fetcher     *Fetcher
	Manifests   *ManifestResolver
	Type        *CatalogType
	Marketplace *MarketplaceListing
	MaxPages    int
}

// fetches and normalises the metadata at a repository API url.
func (e *Enricher) meta_at(provider *Provider, api_url string) (RepoMeta, bool) {
	res := e.Fetcher.fetch(api_url, nil, true, e.Fetcher.MaxRetries)
	if !res.Exists() || !res.IsObject() {
		return RepoMeta{}, false
	}
	if provider.Server == SERVER_GITLAB {
		var project GitlabProject
		err := json.Unmarshal([]byte(res.Raw), &project)
		if err != nil {
			slog.Warn("failed to parse project metadata", "url", api_url, "error", err)
			return RepoMeta{}, false
		}
		return gitlab_repo_meta(project, provider.APIURL), true
	}
	repo, err := json_string_to_struct(res.Raw)
	if err != nil {
		slog.Warn("failed to parse repository metadata", "url", api_url, "error", err)
		return RepoMeta{}, false
	}
	return github_repo_meta(repo), true
}

// the date of the last update.
// a fork may have been pushed to after its metadata was last updated, the later of the two is used.
func last_update_date(meta RepoMeta) string {
	updated := date_part(meta.UpdatedAt)
	if !meta.Fork {
		return updated
	}
	pushed := date_part(meta.PushedAt)
	if pushed > updated {
		return pushed
	}
	return updated
}

// follows the chain of parents of a fork to the first repository that isn't one.
// returns an empty string when `meta` is not a fork.
func (e *Enricher) fork_source(provider *Provider, meta RepoMeta) string {
	if !meta.Fork {
		return ""
	}
	current := meta
	for depth := 0; depth < MAX_FORK_DEPTH; depth++ {
		if current.ParentApiUrl == "" {
			break
		}
		parent, found := e.meta_at(provider, current.ParentApiUrl)
		if !found {
			break
		}
		current = parent
		if !current.Fork {
			return clean_url(current.HtmlUrl)
		}
	}
	if current.HtmlUrl != meta.HtmlUrl {
		return clean_url(current.HtmlUrl)
	}
	return ""
}

// all releases of a repository, most recent first. drafts are ignored.
// returns false when the releases couldn't be fetched at all.
func (e *Enricher) releases(provider *Provider, owner, repo string) ([]Release, bool) {
	release_list := []Release{}
	item_list, ok := e.Fetcher.fetch_all_pages(provider.releases_api_url(owner, repo), e.MaxPages)
	if !ok {
		return release_list, false
	}
	for _, item := range item_list {
		if provider.Server == SERVER_GITLAB {
			var gl GitlabRelease
			if err := json.Unmarshal([]byte(item.Raw), &gl); err != nil {
				continue
			}
			release := Release{Version: normalise_version(gl.TagName)}
			for _, link := range gl.Assets.Links {
				if release.ZipUrl == "" {
					release.ZipUrl = link.Url
				}
				release.Assets = append(release.Assets, Asset{Name: link.Name, BrowserDownloadURL: link.Url})
			}
			release_list = append(release_list, release)
			continue
		}

		var gh GithubRelease
		if err := json.Unmarshal([]byte(item.Raw), &gh); err != nil {
			continue
		}
		if gh.Draft {
			continue
		}
		release := Release{Version: normalise_version(gh.TagName), Assets: gh.AssetList}
		release.ZipUrl = first_downloadable_asset(gh.AssetList)
		release_list = append(release_list, release)
	}
	return release_list, true
}

// the download url of the first zip asset, or of the first asset when none is a zip.
func first_downloadable_asset(asset_list []Asset) string {
	for _, asset := range asset_list {
		if strings.HasSuffix(strings.ToLower(asset.Name), ".zip") && asset.BrowserDownloadURL != "" {
			return asset.BrowserDownloadURL
		}
	}
	for _, asset := range asset_list {
		if asset.BrowserDownloadURL != "" {
			return asset.BrowserDownloadURL
		}
	}
	return ""
}

// a runtime qualifier sometimes appended to an asset name, "-php8", "-omeka-s-4".
const RUNTIME_QUALIFIER = `(?:php|omeka[-_]?s?|for[-_]omeka[-_]?s?)[-_.]?[0-9][0-9.x]*`

// returns true if the release asset `asset_name` is the addon itself rather than a bundled dependency.
// "Foo.zip", "Foo-1.2.zip", "Foo-v1.2.zip", "Foo-1.2-php8.zip" are the addon "Foo" at version "1.2".
func asset_matches(asset_name, directory_name, version string) bool {
	if directory_name == "" {
		return false
	}
	pattern := `(?i)^` + regexp.QuoteMeta(directory_name)
	if version != "" {
		pattern += `(?:[-_.]v?` + regexp.QuoteMeta(version) + `)?`
	}
	pattern += `(?:[-_.]` + RUNTIME_QUALIFIER + `)?\.zip$`
	matched, err := regexp.MatchString(pattern, asset_name)
	return err == nil && matched
}

// the total number of downloads of the addon's own assets across all releases.
func total_downloads(release_list []Release, directory_name string) int {
	total := 0
	for _, release := range release_list {
		for _, asset := range release.Assets {
			if asset_matches(asset.Name, directory_name, release.Version) {
				total += asset.DownloadCount
			}
		}
	}
	return total
}

// fills in `record` in place.
func (e *Enricher) enrich(record *AddonRecord) {
	before := record.fingerprint()
	record.Url = clean_url(record.Url)

	release_version := ""
	server, owner, repo, ok := split_repo_url(record.Url)
	if ok {
		record.Server = server
	}
	provider := e.Fetcher.Providers[server]
	if ok && provider != nil {
		meta, found := e.meta_at(provider, provider.repo_api_url(owner, repo))
		if found {
			record.CreationDate = date_part(meta.CreatedAt)
			record.LastUpdate = last_update_date(meta)
			record.ForkSource = e.fork_source(provider, meta)
			if meta.Name != "" {
				repo = meta.Name
			}
		}
		if record.DirectoryName == "" {
			record.DirectoryName = directory_name(repo)
		}

		// unknown releases leave the counts the record already has.
		release_list, releases_ok := e.releases(provider, owner, repo)
		if releases_ok {
			record.ReleaseCount = len(release_list)
			if provider.Server == SERVER_GITHUB {
				record.TotalDownloads = total_downloads(release_list, record.DirectoryName)
			}
		}
		if len(release_list) > 0 {
			release_version = release_list[0].Version
			if release_list[0].ZipUrl != "" {
				record.LastReleasedZip = release_list[0].ZipUrl
			}
		}
	}
	if record.DirectoryName == "" {
		record.DirectoryName = directory_name(project_name_from_url(record.Url))
	}

	manifest, found := e.Manifests.resolve(record.Url, "")
	if !found && record.LastReleasedZip != "" {
		manifest, found = e.Fetcher.manifest_from_zip(record.LastReleasedZip, e.Type.Manifest)
	}
	if found {
		keyvals, err := parse_manifest(manifest)
		if err != nil {
			slog.Warn("failed to parse manifest", "url", record.Url, "error", err)
		} else {
			apply_manifest(record, keyvals, manifest_mapping(e.Type.Kind))
		}
	}

	if release_version != "" {
		record.Version = release_version
	}
	if record.Version == "" {
		record.Version = VERSION_PLACEHOLDER
	}
	if record.Name == "" {
		record.Name = record.DirectoryName
	}

	if e.Marketplace != nil {
		e.Marketplace.match(record)
	}

	if record.fingerprint() != before {
		slog.Info("record updated", "name", record.Name, "url", record.Url)
	}
}

// --- directory names

// project names whose directory name can't be derived.
var DIRECTORY_NAME_EXCEPTIONS = map[string]string{
	"omeka-s-module-iiif-server": "IiifServer",
	"omeka-s-module-iiif-search": "IiifSearch",
	"omeka-s-module-csvimport":   "CSVImport",
	"omeka-s-theme-the-daily":    "thedaily",
	"plugin-coins":               "COinS",
}

// platform name affixes stripped from project names, longest first.
var DIRECTORY_NAME_PREFIXES = []string{
	"omeka-s-template-",
	"omeka-s-module-",
	"omeka-s-theme-",
	"omeka-plugin-",
	"omeka-theme-",
	"omekas-",
	"omeka-s-",
	"omeka-",
	"plugin-",
	"module-",
	"theme-",
}

var DIRECTORY_NAME_SUFFIXES = []string{
	"-omeka-s-module",
	"-omeka-s-theme",
	"-omeka-plugin",
	"-omeka-theme",
	"-omeka-s",
	"-omekas",
	"-omeka",
	"-plugin",
	"-module",
	"-theme",
}

func strip_affixes(name string) string {
	// compare on a lowercased, hyphenated copy, the lengths are identical.
	lower := strings.ToLower(strings.ReplaceAll(name, "_", "-"))
	for _, prefix := range DIRECTORY_NAME_PREFIXES {
		if strings.HasPrefix(lower, prefix) && len(lower) > len(prefix) {
			name = name[len(prefix):]
			lower = lower[len(prefix):]
			break
		}
	}
	for _, suffix := range DIRECTORY_NAME_SUFFIXES {
		if strings.HasSuffix(lower, suffix) && len(lower) > len(suffix) {
			name = name[:len(name)-len(suffix)]
			break
		}
	}
	return name
}

// the installation directory of an addon given its project name.
// "UpgradeToOmekaS" => "UpgradeToOmekaS", "omeka-s-theme-omekalia" => "omekalia",
// "Omeka-S-module-bulk-import" => "BulkImport"
func directory_name(project_name string) string {
	name := strings.TrimSpace(project_name)
	if exception, present := DIRECTORY_NAME_EXCEPTIONS[strings.ToLower(name)]; present {
		return exception
	}
	name = strip_affixes(name)
	if !strings.ContainsAny(name, "-_") {
		return name
	}
	segments := strings.FieldsFunc(name, func(r rune) bool {
		return r == '-' || r == '_'
	})
	joined := ""
	for _, segment := range segments {
		joined += capitalise(segment)
	}
	if joined == "" {
		return name
	}
	return joined
}

// --- manifest field mapping

// maps a manifest key to a catalog column.
type FieldMapping struct {
	Key       string
	Column    string
	Transform func(string) string
}

var GENERIC_NAME_SUFFIX = regexp.MustCompile(`(?i)[\s\-_]+(plugin|module|theme|widget)$`)

// "Bulk Import module" => "Bulk Import", "Foo Theme Widget" => "Foo"
func clean_name(s string) string {
	s = strings.TrimSpace(s)
	for {
		stripped := strings.TrimSpace(GENERIC_NAME_SUFFIX.ReplaceAllString(s, ""))
		if stripped == s || stripped == "" {
			return s
		}
		s = stripped
	}
}

func clean_version(s string) string {
	return normalise_version(s)
}

// "a,b , c" => "a, b, c"
func clean_list(s string) string {
	return strings.Join(split_list(s), ", ")
}

func clean_text(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// "2.0" => ">=2.0"
func minimum_constraint(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	return ">=" + s
}

var MODULE_MAPPING = []FieldMapping{
	{"name", COL_NAME, clean_name},
	{"version", COL_VERSION, clean_version},
	{"author", COL_AUTHOR, clean_text},
	{"description", COL_DESCRIPTION, clean_text},
	{"license", COL_LICENSE, clean_text},
	{"tags", COL_TAGS, clean_list},
	{"dependencies", COL_DEPENDENCIES, clean_list},
	{"omeka_version_constraint", COL_CONSTRAINT, clean_text},
}

var THEME_MAPPING = []FieldMapping{
	{"name", COL_NAME, clean_name},
	{"version", COL_VERSION, clean_version},
	{"author", COL_AUTHOR, clean_text},
	{"description", COL_DESCRIPTION, clean_text},
	{"license", COL_LICENSE, clean_text},
	{"tags", COL_TAGS, clean_list},
	{"omeka_version_constraint", COL_CONSTRAINT, clean_text},
}

var TEMPLATE_MAPPING = []FieldMapping{
	{"name", COL_NAME, clean_name},
	{"version", COL_VERSION, clean_version},
	{"author", COL_AUTHOR, clean_text},
	{"description", COL_DESCRIPTION, clean_text},
	{"license", COL_LICENSE, clean_text},
	{"tags", COL_TAGS, clean_list},
	{"dependencies", COL_DEPENDENCIES, clean_list},
	{"omeka_version_constraint", COL_CONSTRAINT, clean_text},
}

var PLUGIN_MAPPING = []FieldMapping{
	{"name", COL_NAME, clean_name},
	{"version", COL_VERSION, clean_version},
	{"author", COL_AUTHOR, clean_text},
	{"description", COL_DESCRIPTION, clean_text},
	{"license", COL_LICENSE, clean_text},
	{"tags", COL_TAGS, clean_list},
	{"required_plugins", COL_DEPENDENCIES, clean_list},
	{"omeka_minimum_version", COL_CONSTRAINT, minimum_constraint},
}

func manifest_mapping(kind string) []FieldMapping {
	switch kind {
	case KIND_THEME:
		return THEME_MAPPING
	case KIND_TEMPLATE:
		return TEMPLATE_MAPPING
	case KIND_PLUGIN:
		return PLUGIN_MAPPING
	default:
		return MODULE_MAPPING
	}
}

// sets the columns of `record` from the manifest `keyvals` per `mapping`.
// absent keys and values empty after transformation leave the column alone.
func apply_manifest(record *AddonRecord, keyvals map[string]string, mapping []FieldMapping) {
	for _, m := range mapping {
		val, present := keyvals[m.Key]
		if !present {
			continue
		}
		if m.Transform != nil {
			val = m.Transform(val)
		}
		if val == "" {
			continue
		}
		record.set(m.Column, val)
	}
}
