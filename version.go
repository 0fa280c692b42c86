package main

import (
	"strings"

	"github.com/Masterminds/semver/v3"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// placeholder version for addons that declare none.
const VERSION_PLACEHOLDER = "0"

// "v1.2.3" => "1.2.3", " V2 " => "2"
func normalise_version(v string) string {
	v = strings.TrimSpace(v)
	if len(v) > 1 && (v[0] == 'v' || v[0] == 'V') && v[1] >= '0' && v[1] <= '9' {
		return v[1:]
	}
	return v
}

// best-effort comparison of two release versions.
// both parse as (loose) semver: compared as semver.
// otherwise: natural, case-insensitive string comparison, so "3.10" > "3.9".
// an empty version is always lower than a non-empty one.
func compare_versions(a, b string) int {
	a, b = normalise_version(a), normalise_version(b)
	if a == b {
		return 0
	}
	if a == "" {
		return -1
	}
	if b == "" {
		return 1
	}
	va, err_a := semver.NewVersion(a)
	vb, err_b := semver.NewVersion(b)
	if err_a == nil && err_b == nil {
		if c := va.Compare(vb); c != 0 {
			return c
		}
	}
	return natural_compare(a, b)
}

// returns true when `a` is strictly a later version than `b`.
func version_greater(a, b string) bool {
	return compare_versions(a, b) > 0
}

// natural, case-insensitive comparison: "Foo10" sorts after "foo9".
// a fresh collator is used per call, a `collate.Collator` is not safe for concurrent use.
func natural_compare(a, b string) int {
	c := collate.New(language.Und, collate.IgnoreCase, collate.Numeric)
	return c.CompareString(a, b)
}
