package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"
)

// returns true if `s` has both upper and lower case letters.
func has_mixed_case(s string) bool {
	upper, lower := false, false
	for _, r := range s {
		if unicode.IsUpper(r) {
			upper = true
		}
		if unicode.IsLower(r) {
			lower = true
		}
	}
	return upper && lower
}

// the name an addon is known by in the version index.
func version_index_name(record *AddonRecord) string {
	if has_mixed_case(record.DirectoryName) {
		return record.DirectoryName
	}
	name := directory_name(project_name_from_url(record.Url))
	if name == "" {
		return record.DirectoryName
	}
	return name
}

// the highest version seen per addon name.
func build_version_index(record_list []*AddonRecord) map[string]string {
	index := map[string]string{}
	for _, record := range record_list {
		name := version_index_name(record)
		if name == "" {
			continue
		}
		version := strings.TrimSpace(record.Version)
		current, present := index[name]
		if !present || version_greater(version, current) {
			index[name] = version
		}
	}
	return index
}

// writes the "name<TAB>version" index of the latest version of each addon in `record_list`.
func write_version_index(path string, record_list []*AddonRecord) error {
	index := build_version_index(record_list)
	name_list := []string{}
	for name := range index {
		name_list = append(name_list, name)
	}
	sort.Slice(name_list, func(i, j int) bool {
		a, b := strings.ToLower(name_list[i]), strings.ToLower(name_list[j])
		if a == b {
			return name_list[i] < name_list[j]
		}
		return a < b
	})

	err := os.MkdirAll(filepath.Dir(path), 0o755)
	if err != nil {
		return fmt.Errorf("failed to create version index directory: %w", err)
	}
	tmp_path := path + ".tmp"
	fh, err := os.Create(tmp_path)
	if err != nil {
		return fmt.Errorf("failed to open version index for writing: %w", err)
	}
	wtr := bufio.NewWriter(fh)
	for _, name := range name_list {
		_, err = fmt.Fprintf(wtr, "%s\t%s\n", name, index[name])
		if err != nil {
			break
		}
	}
	if err == nil {
		err = wtr.Flush()
	}
	close_err := fh.Close()
	if err == nil {
		err = close_err
	}
	if err != nil {
		os.Remove(tmp_path)
		return fmt.Errorf("failed to write version index '%s': %w", path, err)
	}
	err = os.Rename(tmp_path, path)
	if err != nil {
		return fmt.Errorf("failed to move version index into place: %w", err)
	}
	return nil
}

// reads the version index at `path` into a map of name => version.
func read_version_index(path string) (map[string]string, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open version index: %w", err)
	}
	defer fh.Close()
	index := map[string]string{}
	scanner := bufio.NewScanner(fh)
	for scanner.Scan() {
		bits := strings.SplitN(scanner.Text(), "\t", 2)
		if len(bits) != 2 || strings.TrimSpace(bits[0]) == "" {
			continue
		}
		index[strings.TrimSpace(bits[0])] = strings.TrimSpace(bits[1])
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read version index: %w", err)
	}
	return index, nil
}

// the latest version of the addon installed in directory `name`, per the version index at `path`.
// an exact match is preferred over a case-insensitive one.
func latest_version(path, name string) (string, bool, error) {
	index, err := read_version_index(path)
	if err != nil {
		return "", false, err
	}
	if version, present := index[name]; present {
		return version, true, nil
	}
	for key, version := range index {
		if strings.EqualFold(key, name) {
			return version, true, nil
		}
	}
	return "", false, nil
}
