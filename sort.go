package main

import (
	"log/slog"
	"slices"
	"strings"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// a column to sort on and its direction.
type SortKey struct {
	Column string
	Desc   bool
}

// "Name" => {Name, asc}, "-Creation Date" => {Creation Date, desc}
func parse_sort_key(s string) SortKey {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "-") {
		return SortKey{Column: strings.TrimSpace(s[1:]), Desc: true}
	}
	return SortKey{Column: strings.TrimPrefix(s, "+")}
}

func parse_sort_keys(string_list []string) []SortKey {
	key_list := []SortKey{}
	for _, s := range string_list {
		if strings.TrimSpace(s) == "" {
			continue
		}
		key_list = append(key_list, parse_sort_key(s))
	}
	return key_list
}

// the order `dedup` depends on: by name, then non-forks before forks, then oldest first.
var DEDUP_SORT_KEYS = []SortKey{
	{Column: COL_NAME},
	{Column: COL_FORK_SOURCE, Desc: true},
	{Column: COL_CREATION_DATE},
}

// the value of `column` an ordering compares. a zero count sorts as no count.
func sort_value(record *AddonRecord, column string) string {
	val := strings.TrimSpace(record.get(column))
	if val == "0" && (strings.EqualFold(column, COL_RELEASE_COUNT) || strings.EqualFold(column, COL_TOTAL_DOWNLOADS)) {
		return ""
	}
	return val
}

// sorts `record_list` in place by each key in `key_list` in priority order.
// a record with a value for a key sorts before one without (after the key's direction is applied).
// the fork source is only compared on presence, never on value.
// records equal on every key keep their relative order.
func order(record_list []*AddonRecord, key_list []SortKey) {
	collator := collate.New(language.Und, collate.IgnoreCase, collate.Numeric)
	slices.SortStableFunc(record_list, func(a, b *AddonRecord) int {
		for _, key := range key_list {
			av := sort_value(a, key.Column)
			bv := sort_value(b, key.Column)
			c := 0
			switch {
			case av != "" && bv == "":
				c = -1
			case av == "" && bv != "":
				c = 1
			case av == "" && bv == "":
				c = 0
			case strings.EqualFold(key.Column, COL_FORK_SOURCE):
				c = 0
			default:
				c = collator.CompareString(av, bv)
			}
			if c == 0 {
				continue
			}
			if key.Desc {
				return -c
			}
			return c
		}
		return 0
	})
}

type DedupOptions struct {
	FilterForks      bool
	KeepUpdatedForks bool
}

// removes duplicate records from an already ordered `record_list` in a single pass.
// each record is compared to the last record kept with the same name:
// - same last update or same version: an identical duplicate, dropped.
// - otherwise, with fork filtering, kept only if it has a greater version and updated forks are kept.
// records without a name are never compared.
func dedup(record_list []*AddonRecord, opts DedupOptions) []*AddonRecord {
	kept := []*AddonRecord{}
	var prev *AddonRecord
	for _, record := range record_list {
		if strings.TrimSpace(record.Name) == "" {
			kept = append(kept, record)
			continue
		}
		if prev == nil || !strings.EqualFold(strings.TrimSpace(prev.Name), strings.TrimSpace(record.Name)) {
			kept = append(kept, record)
			prev = record
			continue
		}

		if record.LastUpdate == prev.LastUpdate || record.Version == prev.Version {
			slog.Info("duplicate removed", "name", record.Name, "url", record.Url, "kept", prev.Url)
			continue
		}

		if opts.FilterForks {
			if opts.KeepUpdatedForks && version_greater(record.Version, prev.Version) {
				slog.Info("differing fork kept", "name", record.Name, "url", record.Url, "version", record.Version, "previous-version", prev.Version)
				kept = append(kept, record)
				prev = record
				continue
			}
			slog.Info("older or unidentified fork removed", "name", record.Name, "url", record.Url, "kept", prev.Url)
			continue
		}

		kept = append(kept, record)
		prev = record
	}
	return kept
}

// the full ordering and deduplication pass over a catalogue:
// sorted for `dedup`, deduplicated, then sorted for output.
func order_and_dedup(record_list []*AddonRecord, output_keys []SortKey, opts DedupOptions) []*AddonRecord {
	order(record_list, DEDUP_SORT_KEYS)
	record_list = dedup(record_list, opts)
	if len(output_keys) == 0 {
		output_keys = DEDUP_SORT_KEYS
	}
	order(record_list, output_keys)
	return record_list
}
