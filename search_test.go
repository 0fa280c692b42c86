package main

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_more_pages(t *testing.T) {
	cases := []struct {
		page, per_page int
		json           string
		expected       int
	}{
		{1, 100, `{"total_count": 743}`, 7},
		{3, 100, `{"total_count": 743}`, 5},
		{8, 100, `{"total_count": 743}`, 0},
		{1, 100, `{"total_count": 100}`, 0},
		{1, 100, `{"total_count": 50}`, 0},
		{1, 100, `{"total_count": 0}`, 0},
	}
	for _, c := range cases {
		actual, err := more_pages(c.page, c.per_page, c.json)
		require.Nil(t, err)
		assert.Equal(t, c.expected, actual, c.json)
	}

	_, err := more_pages(1, 100, `{"items": []}`)
	assert.NotNil(t, err)
}

func Test_search_queries(t *testing.T) {
	d := &Discovery{Type: &CatalogType{
		Keywords:      []string{"Omeka S module"},
		ExtraKeywords: []string{"omeka-s-module", "Omeka S module"},
		Topic:         "omeka-s-module",
	}}
	assert.Equal(t, []string{"Omeka S module", "omeka-s-module", "topic:omeka-s-module"}, d.search_queries())
}

func Test_search_github__bounded(t *testing.T) {
	// a total that is never covered by the pages actually returned
	srv, hits := counting_server(t, func(w http.ResponseWriter, r *http.Request, hit int32) {
		fmt.Fprintf(w, `{"total_count": 1000, "items": [{"html_url": "https://github.com/foo/bar%d"}]}`, hit)
	})
	f, _ := test_fetcher(srv)
	d := &Discovery{Fetcher: f, Type: module_type(), SearchMaxPages: 3}

	candidates := d.search_github("Omeka S module")
	assert.Len(t, candidates, 3)
	assert.Equal(t, int32(3), hits.Load())
}

func Test_search_github__no_progress(t *testing.T) {
	srv, hits := counting_server(t, func(w http.ResponseWriter, r *http.Request, hit int32) {
		if hit == 1 {
			fmt.Fprint(w, `{"total_count": 1000, "items": [{"html_url": "https://github.com/foo/bar", "fork": true}]}`)
			return
		}
		fmt.Fprint(w, `{"total_count": 1000, "items": []}`)
	})
	f, _ := test_fetcher(srv)
	d := &Discovery{Fetcher: f, Type: module_type(), SearchMaxPages: 10}

	candidates := d.search_github("Omeka S module")
	assert.Equal(t, []Candidate{{Url: "https://github.com/foo/bar", Fork: true}}, candidates)
	assert.Equal(t, int32(2), hits.Load())
}

func Test_discover(t *testing.T) {
	srv := provider_server(t, map[string]string{
		"/github/search/repositories": `{"total_count": 3, "items": [
			{"html_url": "https://github.com/a/Omeka-S-module-New", "fork": false},
			{"html_url": "https://github.com/a/Omeka-S-module-Known"},
			{"html_url": "https://github.com/b/Omeka-S-module-Fork", "fork": true},
			{"full_name": "no/url"}
		]}`,
		"/github/orgs/omeka-s-modules/repos": `[
			{"html_url": "https://github.com/omeka-s-modules/Mapping"},
			{"html_url": "https://github.com/omeka-s-modules/Excluded"},
			{"html_url": "https://github.com/omeka-s-modules/NoManifest"},
			{"html_url": "https://github.com/omeka-s-modules/ThemeX"},
			{"html_url": "https://github.com/a/Omeka-S-module-New"}
		]`,
		"/gitlab/users/Daniel-KM/projects": `[{"web_url": "https://gitlab.com/Daniel-KM/Omeka-S-module-GL"}]`,
		"/gitlab/projects":                 `[{"web_url": "https://gitlab.com/other/Omeka-S-module-GL2"}]`,

		"/raw/a/Omeka-S-module-New/master/config/module.ini":                 MODULE_INI,
		"/raw/a/Omeka-S-module-Known/master/config/module.ini":               MODULE_INI,
		"/raw/b/Omeka-S-module-Fork/master/config/module.ini":                MODULE_INI,
		"/raw/omeka-s-modules/Mapping/main/config/module.ini":                MODULE_INI,
		"/raw/omeka-s-modules/Excluded/master/config/module.ini":             MODULE_INI,
		"/raw/omeka-s-modules/ThemeX/master/config/module.ini":               MODULE_INI,
		"/gl-raw/Daniel-KM/Omeka-S-module-GL/-/raw/master/config/module.ini": MODULE_INI,
	})
	f, _ := test_fetcher(srv)
	ct := module_type()
	ct.Keywords = []string{"Omeka S module"}
	ct.Topic = "omeka-s-module"
	ct.Organizations = []Organization{
		{Provider: "github", Name: "omeka-s-modules"},
		{Provider: "gitlab", Name: "Daniel-KM"},
	}
	d := &Discovery{
		Fetcher:    f,
		Manifests:  test_resolver(t, f, ct),
		Type:       ct,
		Exclusions: new_exclusions([]string{"https://github.com/omeka-s-modules/Excluded"}),
		KnownTypes: map[string]string{
			url_key("https://github.com/omeka-s-modules/ThemeX"): "omeka_s_themes",
			url_key("https://github.com/a/Omeka-S-module-Known"): "omeka_s_modules",
		},
		SearchMaxPages: 10,
		MaxPages:       10,
	}
	existing := map[string]bool{
		url_key("https://github.com/a/Omeka-S-module-Known"): true,
	}

	stub_list := d.discover(existing)
	require.Len(t, stub_list, 3)
	assert.Equal(t, []string{
		"https://github.com/a/Omeka-S-module-New",
		"https://github.com/omeka-s-modules/Mapping",
		"https://gitlab.com/Daniel-KM/Omeka-S-module-GL",
	}, urls(stub_list))
	assert.Equal(t, SERVER_GITHUB, stub_list[0].Server)
	assert.Equal(t, SERVER_GITLAB, stub_list[2].Server)
	assert.Equal(t, "", stub_list[0].Name)

	assert.True(t, d.Manifests.Invalid.is_invalid("https://github.com/omeka-s-modules/NoManifest"))
	assert.True(t, d.Manifests.Invalid.is_invalid("https://gitlab.com/other/Omeka-S-module-GL2"))
	assert.False(t, d.Manifests.Invalid.is_invalid("https://github.com/omeka-s-modules/ThemeX")) // never looked up
}
