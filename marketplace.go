package main

import (
	"log/slog"
	"net/url"
	"path"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// an addon published on the platform's own marketplace.
type MarketplaceEntry struct {
	Name    string
	Version string
	Url     string
	Matched bool
}

// the addons of one marketplace listing page, indexed by normalised name.
type MarketplaceListing struct {
	Url     string
	entries map[string]*MarketplaceEntry
	order   []*MarketplaceEntry
}

// known differences between the marketplace name of an addon and its directory name,
// both sides normalised.
var LISTING_NAME_EXCEPTIONS = map[string]string{
	"omeka2importer":    "omekaclassicimporter",
	"uridereferencer":   "uriresolver",
	"neatlinesimile":    "neatlinetime",
	"simplevocabplus":   "simplevocabularyplus",
	"ziparchive":        "zipdownload",
	"exhibitbuilderext": "exhibitbuilderextras",
}

var LISTING_VOCABULARY = strings.NewReplacer(
	"+", "Plus",
	"&", "and",
)

var NON_ALNUM = regexp.MustCompile(`[^a-z0-9]+`)

// "Simple Vocab +" => "simplevocabplus"
func listing_name(name string) string {
	name = LISTING_VOCABULARY.Replace(strings.TrimSpace(name))
	name = NON_ALNUM.ReplaceAllString(strings.ToLower(name), "")
	if exception, present := LISTING_NAME_EXCEPTIONS[name]; present {
		return exception
	}
	return name
}

// "Mapping-1.10.0.zip" => "Mapping", "1.10.0"
var LISTING_FILENAME = regexp.MustCompile(`^(.+?)-v?(\d[\w.\-]*)\.zip$`)

// the (name, version) encoded in a download link, if any.
func parse_listing_link(href string) (string, string, bool) {
	parsed, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", "", false
	}
	filename, err := url.PathUnescape(path.Base(parsed.Path))
	if err != nil {
		return "", "", false
	}
	matches := LISTING_FILENAME.FindStringSubmatch(filename)
	if len(matches) != 3 {
		return "", "", false
	}
	return matches[1], matches[2], true
}

// every download link in the marketplace listing `html_text`.
func parse_marketplace(html_text string) []*MarketplaceEntry {
	entry_list := []*MarketplaceEntry{}
	doc, err := html.Parse(strings.NewReader(html_text))
	if err != nil {
		slog.Warn("failed to parse marketplace listing", "error", err)
		return entry_list
	}
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, attr := range n.Attr {
				if attr.Key != "href" {
					continue
				}
				name, version, ok := parse_listing_link(attr.Val)
				if ok {
					entry_list = append(entry_list, &MarketplaceEntry{Name: name, Version: version, Url: attr.Val})
				}
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)
	return entry_list
}

func new_marketplace_listing(listing_url string, entry_list []*MarketplaceEntry) *MarketplaceListing {
	listing := &MarketplaceListing{Url: listing_url, entries: map[string]*MarketplaceEntry{}}
	for _, entry := range entry_list {
		key := listing_name(entry.Name)
		existing, present := listing.entries[key]
		if present {
			// the same addon linked twice, keep the latest version.
			if version_greater(entry.Version, existing.Version) {
				existing.Version = entry.Version
				existing.Url = entry.Url
			}
			continue
		}
		listing.entries[key] = entry
		listing.order = append(listing.order, entry)
	}
	return listing
}

// fetches and parses the marketplace listing at `listing_url`.
// returns nil when the listing is unavailable.
func fetch_marketplace(f *Fetcher, listing_url string) *MarketplaceListing {
	if listing_url == "" {
		return nil
	}
	text, ok := f.fetch_raw(listing_url, f.MaxRetries)
	if !ok {
		slog.Warn("marketplace listing unavailable", "url", listing_url)
		return nil
	}
	entry_list := parse_marketplace(text)
	slog.Info("marketplace listing read", "url", listing_url, "num", len(entry_list))
	return new_marketplace_listing(listing_url, entry_list)
}

// sets the listed version of `record` when the marketplace publishes it.
func (l *MarketplaceListing) match(record *AddonRecord) {
	for _, candidate := range []string{record.DirectoryName, record.Name} {
		if candidate == "" {
			continue
		}
		entry, present := l.entries[listing_name(candidate)]
		if present {
			record.ListedVersion = entry.Version
			entry.Matched = true
			return
		}
	}
}

// marketplace addons no catalog record matched.
func (l *MarketplaceListing) unmatched() []*MarketplaceEntry {
	entry_list := []*MarketplaceEntry{}
	for _, entry := range l.order {
		if !entry.Matched {
			entry_list = append(entry_list, entry)
		}
	}
	return entry_list
}

func (l *MarketplaceListing) report_unmatched() {
	for _, entry := range l.unmatched() {
		slog.Info("marketplace addon unreferenced in catalog", "name", entry.Name, "version", entry.Version, "url", entry.Url)
	}
}
