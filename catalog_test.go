package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_is_excluded(t *testing.T) {
	exclusions := new_exclusions([]string{
		"https://github.com/foo/",
		"https://github.com/bar/baz",
		"# https://github.com/commented/out",
		"",
	})
	cases := map[string]bool{
		"":                                   false, // matches nothing
		"https://github.com/foo":             false, // the owner page itself isn't beneath 'foo/'
		"https://github.com/foo/":            true,
		"https://github.com/foo/bar":         true, // matches 'foo/'
		"https://github.com/Foo/BarBaz":      true, // matches 'foo/', case insensitive
		"https://github.com/foobar/baz":      false,
		"https://github.com/bar/baz":         true,
		"https://github.com/bar/baz.git":     true, // same repository
		"https://github.com/bar/bazz":        false,
		"https://github.com/commented/out":   false,
		"https://gitlab.com/foo/bar":         false,
		"http://www.github.com/Bar/Baz/":     true,
		"https://github.com/bar/baz/subpath": false,
	}
	for given, expected := range cases {
		assert.Equal(t, expected, exclusions.is_excluded(given), given)
	}
}

func Test_read_exclusions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exclusions.txt")
	require.Nil(t, os.WriteFile(path, []byte("https://github.com/foo/bar\n\nhttps://github.com/baz/\n"), 0o644))

	exclusions, err := read_exclusions(path)
	require.Nil(t, err)
	assert.True(t, exclusions.is_excluded("https://github.com/foo/bar"))
	assert.True(t, exclusions.is_excluded("https://github.com/baz/qux"))
	assert.False(t, exclusions.is_excluded("https://github.com/foo/qux"))

	// a missing file excludes nothing
	exclusions, err = read_exclusions(filepath.Join(t.TempDir(), "missing.txt"))
	require.Nil(t, err)
	assert.False(t, exclusions.is_excluded("https://github.com/foo/bar"))
}

func Test_url_key(t *testing.T) {
	cases := map[string]string{
		"https://github.com/foo/bar":        "https://github.com/foo/bar",
		"https://GitHub.com/Foo/Bar.git/":   "https://github.com/foo/bar",
		"http://www.github.com/foo/bar":     "https://github.com/foo/bar",
		" https://gitlab.com/a/b/c/ ":       "https://gitlab.com/a/b/c",
		"https://github.com/foo/bar.github": "https://github.com/foo/bar.github",
	}
	for given, expected := range cases {
		assert.Equal(t, expected, url_key(given), given)
	}
}

func Test_clean_url(t *testing.T) {
	cases := map[string]string{
		"https://github.com/Foo/Bar.git/": "https://github.com/Foo/Bar",
		"https://github.com/Foo/Bar":      "https://github.com/Foo/Bar",
		" https://github.com/Foo/Bar/ ":   "https://github.com/Foo/Bar",
	}
	for given, expected := range cases {
		assert.Equal(t, expected, clean_url(given), given)
	}
}

func Test_record_get_set(t *testing.T) {
	r := &AddonRecord{}
	r.set(COL_NAME, "Foo")
	r.set("release count", "12")
	r.set(COL_TOTAL_DOWNLOADS, "not a number")
	r.set("Notes", "something")

	assert.Equal(t, "Foo", r.Name)
	assert.Equal(t, 12, r.ReleaseCount)
	assert.Equal(t, 0, r.TotalDownloads)
	assert.Equal(t, "12", r.get(COL_RELEASE_COUNT))
	assert.Equal(t, "something", r.get("Notes"))
	assert.Equal(t, "", r.get("Unknown"))
}

func Test_read_catalog_bytes(t *testing.T) {
	data := "\ufeffName,Url,Notes,Version\n" +
		"Foo,https://github.com/foo/foo,a note,1.0\n" +
		",,orphan note,\n" +
		"Bar,https://github.com/bar/bar,,2.0\n"
	catalog, err := read_catalog_bytes([]byte(data))
	require.Nil(t, err)

	require.Len(t, catalog.Records, 2) // the row without a url is skipped
	assert.Equal(t, "Foo", catalog.Records[0].Name)
	assert.Equal(t, "1.0", catalog.Records[0].Version)
	assert.Equal(t, "a note", catalog.Records[0].Extra["Notes"])
	assert.Equal(t, "Bar", catalog.Records[1].Name)

	// existing columns keep their position, missing known columns are appended
	assert.Equal(t, []string{"Name", "Url", "Notes", "Version"}, catalog.Header[:4])
	assert.Equal(t, len(COLUMNS)+1, len(catalog.Header))
}

func Test_read_catalog_bytes__no_url_column(t *testing.T) {
	_, err := read_catalog_bytes([]byte("Name,Version\nFoo,1.0\n"))
	assert.NotNil(t, err)
}

func Test_read_catalog_bytes__empty(t *testing.T) {
	catalog, err := read_catalog_bytes([]byte{})
	require.Nil(t, err)
	assert.Equal(t, default_header(), catalog.Header)
	assert.Empty(t, catalog.Records)
}

func Test_read_catalog__missing(t *testing.T) {
	catalog, err := read_catalog(filepath.Join(t.TempDir(), "missing.csv"))
	require.Nil(t, err)
	assert.Equal(t, default_header(), catalog.Header)
	assert.Empty(t, catalog.Records)
}

func Test_write_catalog_to(t *testing.T) {
	record_list := []*AddonRecord{
		{Name: "Foo", Url: "https://github.com/foo/foo", ReleaseCount: 3, Description: "has, a comma"},
	}
	var buf bytes.Buffer
	err := write_catalog_to(&buf, []string{COL_NAME, COL_URL, COL_RELEASE_COUNT, COL_DESCRIPTION}, record_list)
	require.Nil(t, err)
	expected := "Name,Url,Release Count,Description\n" +
		"Foo,https://github.com/foo/foo,3,\"has, a comma\"\n"
	assert.Equal(t, expected, buf.String())
}

func Test_write_catalog__round_trip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "catalog.csv")
	header := []string{"Url", "Notes", "Name"}
	record_list := []*AddonRecord{
		{Name: "Foo", Url: "https://github.com/foo/foo", Extra: map[string]string{"Notes": "kept"}},
	}
	require.Nil(t, write_catalog(path, header, record_list))
	assert.False(t, path_exists(path+".tmp"))

	catalog, err := read_catalog(path)
	require.Nil(t, err)
	assert.Equal(t, header, catalog.Header[:3])
	require.Len(t, catalog.Records, 1)
	assert.Equal(t, "Foo", catalog.Records[0].Name)
	assert.Equal(t, "kept", catalog.Records[0].Extra["Notes"])
}

func Test_filter_excluded(t *testing.T) {
	// an excluded url is dropped however complete its data is
	record_list := []*AddonRecord{
		{Name: "A", Url: "https://github.com/foo/a", Version: "1.0", LastUpdate: "2024-01-01", DirectoryName: "A"},
		{Name: "B", Url: "https://github.com/foo/b"},
	}
	kept := filter_excluded(record_list, new_exclusions([]string{"https://github.com/foo/a"}))
	require.Len(t, kept, 1)
	assert.Equal(t, "B", kept[0].Name)
}
