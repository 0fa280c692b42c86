package main

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// a single row of a catalogue.
type AddonRecord struct {
	Name            string
	Url             string
	Server          string
	Version         string
	LastReleasedZip string
	ReleaseCount    int
	TotalDownloads  int
	CreationDate    string
	LastUpdate      string
	ForkSource      string
	DirectoryName   string
	Dependencies    string
	Author          string
	Description     string
	Tags            string
	License         string
	Constraint      string
	ListedVersion   string

	// columns present in the source file that have no field above.
	Extra map[string]string
}

// binds a catalogue column to a field of `AddonRecord`.
type Column struct {
	Name string
	Get  func(r *AddonRecord) string
	Set  func(r *AddonRecord, v string)
}

const (
	COL_NAME            = "Name"
	COL_URL             = "Url"
	COL_SERVER          = "Server"
	COL_VERSION         = "Version"
	COL_LAST_ZIP        = "Last Released Zip"
	COL_RELEASE_COUNT   = "Release Count"
	COL_TOTAL_DOWNLOADS = "Total Downloads"
	COL_CREATION_DATE   = "Creation Date"
	COL_LAST_UPDATE     = "Last Update"
	COL_FORK_SOURCE     = "Fork Source"
	COL_DIRECTORY_NAME  = "Directory Name"
	COL_DEPENDENCIES    = "Dependencies"
	COL_AUTHOR          = "Author"
	COL_DESCRIPTION     = "Description"
	COL_TAGS            = "Tags"
	COL_LICENSE         = "License"
	COL_CONSTRAINT      = "Constraint"
	COL_LISTED_VERSION  = "Marketplace Version"
)

func int_column(name string, field func(r *AddonRecord) *int) Column {
	return Column{
		Name: name,
		Get: func(r *AddonRecord) string {
			return strconv.Itoa(*field(r))
		},
		Set: func(r *AddonRecord, v string) {
			i, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				i = 0
			}
			*field(r) = i
		},
	}
}

func string_column(name string, field func(r *AddonRecord) *string) Column {
	return Column{
		Name: name,
		Get:  func(r *AddonRecord) string { return *field(r) },
		Set:  func(r *AddonRecord, v string) { *field(r) = v },
	}
}

// the known columns, in default output order.
var COLUMNS = []Column{
	string_column(COL_NAME, func(r *AddonRecord) *string { return &r.Name }),
	string_column(COL_URL, func(r *AddonRecord) *string { return &r.Url }),
	string_column(COL_SERVER, func(r *AddonRecord) *string { return &r.Server }),
	string_column(COL_VERSION, func(r *AddonRecord) *string { return &r.Version }),
	string_column(COL_LAST_ZIP, func(r *AddonRecord) *string { return &r.LastReleasedZip }),
	int_column(COL_RELEASE_COUNT, func(r *AddonRecord) *int { return &r.ReleaseCount }),
	int_column(COL_TOTAL_DOWNLOADS, func(r *AddonRecord) *int { return &r.TotalDownloads }),
	string_column(COL_CREATION_DATE, func(r *AddonRecord) *string { return &r.CreationDate }),
	string_column(COL_LAST_UPDATE, func(r *AddonRecord) *string { return &r.LastUpdate }),
	string_column(COL_FORK_SOURCE, func(r *AddonRecord) *string { return &r.ForkSource }),
	string_column(COL_DIRECTORY_NAME, func(r *AddonRecord) *string { return &r.DirectoryName }),
	string_column(COL_DEPENDENCIES, func(r *AddonRecord) *string { return &r.Dependencies }),
	string_column(COL_AUTHOR, func(r *AddonRecord) *string { return &r.Author }),
	string_column(COL_DESCRIPTION, func(r *AddonRecord) *string { return &r.Description }),
	string_column(COL_TAGS, func(r *AddonRecord) *string { return &r.Tags }),
	string_column(COL_LICENSE, func(r *AddonRecord) *string { return &r.License }),
	string_column(COL_CONSTRAINT, func(r *AddonRecord) *string { return &r.Constraint }),
	string_column(COL_LISTED_VERSION, func(r *AddonRecord) *string { return &r.ListedVersion }),
}

var COLUMN_IDX = func() map[string]Column {
	idx := map[string]Column{}
	for _, col := range COLUMNS {
		idx[strings.ToLower(col.Name)] = col
	}
	return idx
}()

func default_header() []string {
	header := []string{}
	for _, col := range COLUMNS {
		header = append(header, col.Name)
	}
	return header
}

func find_column(name string) (Column, bool) {
	col, present := COLUMN_IDX[strings.ToLower(strings.TrimSpace(name))]
	return col, present
}

// returns the value of column `name` for record `r`.
// unknown columns are looked up in `r.Extra`.
func (r *AddonRecord) get(name string) string {
	col, present := find_column(name)
	if present {
		return col.Get(r)
	}
	return r.Extra[name]
}

func (r *AddonRecord) set(name, value string) {
	col, present := find_column(name)
	if present {
		col.Set(r, value)
		return
	}
	if r.Extra == nil {
		r.Extra = map[string]string{}
	}
	r.Extra[name] = value
}

// all known column values joined, used to detect changes to a record.
func (r *AddonRecord) fingerprint() string {
	bits := []string{}
	for _, col := range COLUMNS {
		bits = append(bits, col.Get(r))
	}
	return strings.Join(bits, "\x1f")
}

// a catalogue file: its header (column order) and its rows.
type Catalog struct {
	Header  []string
	Records []*AddonRecord
}

// ensures every known column is present in the header.
// columns already in the header keep their position, missing known columns are appended.
func (c *Catalog) complete_header() {
	present := map[string]bool{}
	for _, name := range c.Header {
		if col, ok := find_column(name); ok {
			present[col.Name] = true
		}
	}
	for _, col := range COLUMNS {
		if !present[col.Name] {
			c.Header = append(c.Header, col.Name)
		}
	}
}

func read_catalog_bytes(data []byte) (*Catalog, error) {
	if len(data) > 0 {
		var err error
		data, err = elide_bom(data)
		if err != nil {
			return nil, fmt.Errorf("failed to read catalogue: %w", err)
		}
	}
	catalog := &Catalog{}
	rdr := csv.NewReader(bytes.NewReader(data))
	rdr.FieldsPerRecord = -1
	header, err := rdr.Read()
	if err == io.EOF {
		catalog.Header = default_header()
		return catalog, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read catalogue header: %w", err)
	}
	for i, name := range header {
		header[i] = strings.TrimSpace(name)
	}
	_, has_url := find_column_in(header, COL_URL)
	if !has_url {
		return nil, fmt.Errorf("catalogue header has no '%s' column", COL_URL)
	}
	catalog.Header = header

	for {
		row, err := rdr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read catalogue row: %w", err)
		}
		record := &AddonRecord{}
		for i, name := range header {
			if i < len(row) {
				record.set(name, row[i])
			}
		}
		if strings.TrimSpace(record.Url) == "" {
			continue
		}
		catalog.Records = append(catalog.Records, record)
	}
	catalog.complete_header()
	return catalog, nil
}

func find_column_in(header []string, name string) (int, bool) {
	for i, h := range header {
		if strings.EqualFold(h, name) {
			return i, true
		}
	}
	return -1, false
}

// reads the catalogue at `path`.
// a missing file is an empty catalogue with the default header.
func read_catalog(path string) (*Catalog, error) {
	if !path_exists(path) {
		return &Catalog{Header: default_header()}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalogue '%s': %w", path, err)
	}
	return read_catalog_bytes(data)
}

func write_catalog_to(w io.Writer, header []string, record_list []*AddonRecord) error {
	wtr := csv.NewWriter(w)
	err := wtr.Write(header)
	if err != nil {
		return err
	}
	for _, record := range record_list {
		row := make([]string, len(header))
		for i, name := range header {
			row[i] = record.get(name)
		}
		err = wtr.Write(row)
		if err != nil {
			return err
		}
	}
	wtr.Flush()
	return wtr.Error()
}

// overwrites `path` with `header` followed by one row per record.
// rows are written to a temporary file first and moved into place.
func write_catalog(path string, header []string, record_list []*AddonRecord) error {
	err := os.MkdirAll(filepath.Dir(path), 0o755)
	if err != nil {
		return fmt.Errorf("failed to create catalogue directory: %w", err)
	}
	tmp_path := path + ".tmp"
	fh, err := os.Create(tmp_path)
	if err != nil {
		return fmt.Errorf("failed to open catalogue for writing: %w", err)
	}
	err = write_catalog_to(fh, header, record_list)
	close_err := fh.Close()
	if err != nil {
		os.Remove(tmp_path)
		return fmt.Errorf("failed to write catalogue '%s': %w", path, err)
	}
	if close_err != nil {
		os.Remove(tmp_path)
		return fmt.Errorf("failed to write catalogue '%s': %w", path, close_err)
	}
	err = os.Rename(tmp_path, path)
	if err != nil {
		return fmt.Errorf("failed to move catalogue into place: %w", err)
	}
	return nil
}

// --- urls

// "https://GitHub.com/Foo/Bar.git/" => "https://github.com/foo/bar"
// used for comparing urls only, never written out.
func url_key(u string) string {
	u = strings.TrimSpace(u)
	u = strings.TrimRight(u, "/")
	u = strings.TrimSuffix(u, ".git")
	u = strings.Replace(u, "http://", "https://", 1)
	u = strings.Replace(u, "://www.", "://", 1)
	return strings.ToLower(u)
}

// "https://github.com/foo/bar.git/" => "https://github.com/foo/bar"
func clean_url(u string) string {
	u = strings.TrimSpace(u)
	u = strings.TrimRight(u, "/")
	return strings.TrimSuffix(u, ".git")
}

// --- exclusions

// urls that are always skipped.
// an entry ending in '/' excludes everything beneath it, like an owner or group.
type Exclusions struct {
	exact  map[string]bool
	prefix []string
}

func new_exclusions(url_list []string) Exclusions {
	e := Exclusions{exact: map[string]bool{}}
	for _, u := range url_list {
		u = strings.TrimSpace(u)
		if u == "" || strings.HasPrefix(u, "#") {
			continue
		}
		if strings.HasSuffix(u, "/") {
			e.prefix = append(e.prefix, strings.ToLower(u))
			continue
		}
		e.exact[url_key(u)] = true
	}
	return e
}

func (e Exclusions) is_excluded(u string) bool {
	if u == "" {
		return false
	}
	if e.exact[url_key(u)] {
		return true
	}
	lu := strings.ToLower(strings.TrimSpace(u))
	for _, p := range e.prefix {
		if strings.HasPrefix(lu, p) {
			return true
		}
	}
	return false
}

// reads the newline separated exclusion list at `path`.
// a missing file excludes nothing.
func read_exclusions(path string) (Exclusions, error) {
	if path == "" || !path_exists(path) {
		return new_exclusions(nil), nil
	}
	fh, err := os.Open(path)
	if err != nil {
		return Exclusions{}, fmt.Errorf("failed to read exclusions: %w", err)
	}
	defer fh.Close()
	url_list := []string{}
	scanner := bufio.NewScanner(fh)
	for scanner.Scan() {
		url_list = append(url_list, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return Exclusions{}, fmt.Errorf("failed to read exclusions: %w", err)
	}
	return new_exclusions(url_list), nil
}

// drops records whose url is excluded.
func filter_excluded(record_list []*AddonRecord, exclusions Exclusions) []*AddonRecord {
	kept := []*AddonRecord{}
	for _, record := range record_list {
		if exclusions.is_excluded(record.Url) {
			continue
		}
		kept = append(kept, record)
	}
	return kept
}
