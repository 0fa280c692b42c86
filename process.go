package main

import (
	"fmt"
	"log/slog"
	"time"
)

// what synchronising a catalog type did.
type SyncResult struct {
	Type       string
	NumLoaded  int
	NumNew     int
	NumWritten int
	Elapsed    time.Duration
}

// drops records whose url was already seen, the first occurrence wins.
func unique_records(record_list []*AddonRecord) []*AddonRecord {
	seen := map[string]bool{}
	kept := []*AddonRecord{}
	for _, record := range record_list {
		key := url_key(record.Url)
		if seen[key] {
			slog.Info("duplicate url removed", "url", record.Url)
			continue
		}
		seen[key] = true
		kept = append(kept, record)
	}
	return kept
}

// the repository metadata urls of `record_list`, for prefetching.
func repo_api_urls(providers Providers, record_list []*AddonRecord, exclusions Exclusions) []string {
	url_list := []string{}
	for _, record := range record_list {
		if exclusions.is_excluded(record.Url) {
			continue
		}
		server, owner, repo, ok := split_repo_url(record.Url)
		provider := providers[server]
		if !ok || provider == nil {
			continue
		}
		url_list = append(url_list, provider.repo_api_url(owner, repo))
	}
	return url_list
}

// reads, discovers, enriches, orders, deduplicates and writes the catalog of `ct`.
// fetch failures never fail a catalog type, being unable to read or write its files does.
func synchronize(run *RunContext, ct CatalogType) (SyncResult, error) {
	start := time.Now()
	cfg := run.Config
	result := SyncResult{Type: ct.Name}

	catalog, err := read_catalog(ct.Source)
	if err != nil {
		return result, err
	}
	result.NumLoaded = len(catalog.Records)
	slog.Info("catalog read", "type", ct.Name, "path", ct.Source, "num", result.NumLoaded)

	invalid := new_invalid_url_cache(cfg.invalid_cache_path(ct))
	err = invalid.load()
	if err != nil {
		return result, err
	}

	manifests := &ManifestResolver{
		Fetcher: run.Fetcher,
		Invalid: invalid,
		Type:    &ct,
		Memo:    run.Memo,
	}

	record_list := unique_records(catalog.Records)

	if cfg.Discover {
		existing := map[string]bool{}
		for _, record := range record_list {
			existing[url_key(record.Url)] = true
		}
		discovery := &Discovery{
			Fetcher:        run.Fetcher,
			Manifests:      manifests,
			Type:           &ct,
			Exclusions:     run.Exclusions,
			KnownTypes:     run.url_types,
			SearchMaxPages: cfg.SearchMaxPages,
			MaxPages:       cfg.MaxPages,
		}
		stub_list := discovery.discover(existing)
		result.NumNew = len(stub_list)
		record_list = append(record_list, stub_list...)
	}

	run.Fetcher.fetch_batch(repo_api_urls(run.Fetcher.Providers, record_list, run.Exclusions), cfg.BatchSize)

	enricher := &Enricher{
		Fetcher:     run.Fetcher,
		Manifests:   manifests,
		Type:        &ct,
		Marketplace: fetch_marketplace(run.Fetcher, ct.Marketplace),
		MaxPages:    cfg.MaxPages,
	}
	for _, record := range record_list {
		if run.Exclusions.is_excluded(record.Url) {
			continue
		}
		enricher.enrich(record)
	}
	if enricher.Marketplace != nil {
		enricher.Marketplace.report_unmatched()
	}

	record_list = filter_excluded(record_list, run.Exclusions)
	record_list = order_and_dedup(record_list, parse_sort_keys(cfg.SortKeys), cfg.dedup_options())

	err = write_catalog(ct.Destination, catalog.Header, record_list)
	if err != nil {
		return result, err
	}
	err = write_version_index(ct.VersionIndex, record_list)
	if err != nil {
		return result, err
	}
	err = invalid.save()
	if err != nil {
		return result, err
	}

	run.index_records(ct.Name, record_list)

	result.NumWritten = len(record_list)
	result.Elapsed = time.Since(start)
	return result, nil
}

// synchronises the catalog of `ct`, returning true on success.
func process(run *RunContext, ct CatalogType) bool {
	slog.Info("processing catalog type", "type", ct.Name)
	result, err := synchronize(run, ct)
	if err != nil {
		slog.Error("failed to process catalog type", "type", ct.Name, "error", err)
		return false
	}
	slog.Info("catalog written",
		"type", result.Type,
		"path", ct.Destination,
		"loaded", result.NumLoaded,
		"new", result.NumNew,
		"written", result.NumWritten,
		"elapsed", result.Elapsed.Round(time.Millisecond))
	return true
}

// processes every selected catalog type one after the other.
// a failed catalog type doesn't stop the others.
func run_all(run *RunContext) error {
	failed := []string{}
	for _, ct := range run.Config.selected_types() {
		if !process(run, ct) {
			failed = append(failed, ct.Name)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("failed to process catalog types: %v", failed)
	}
	return nil
}
