// general purpose utilities
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// cannot continue, exit immediately without a stacktrace.
// just use `panic` if you do need a stracktrace.
func fatal() {
	fmt.Printf("cannot continue, ") // "cannot continue, exit status 1"
	os.Exit(1)
}

// when `b` is true, log error `msg` and die quietly.
func die(b bool, msg string, args ...any) {
	if b {
		slog.Error(msg, args...)
		fatal()
	}
}

// assert `b` is true, otherwise panic with message `msg`.
func ensure(b bool, msg string) {
	if !b {
		panic(msg)
	}
}

// "bulk" => "Bulk", "iiifServer" => "IiifServer"
// only the first letter is touched, internal mixed case is preserved.
func capitalise(s string) string {
	caser := cases.Title(language.Und, cases.NoLower)
	return caser.String(s)
}

// returns just the unique items in `list`.
// order is preserved.
func unique[T comparable](list []T) []T {
	idx := make(map[T]bool)
	var result []T
	for _, item := range list {
		_, present := idx[item]
		if !present {
			idx[item] = true
			result = append(result, item)
		}
	}
	return result
}

// takes N lists of things `T` and returns a single list of them.
func flatten[T any](tll ...[]T) []T {
	final_tl := []T{}
	for _, tl := range tll {
		final_tl = append(final_tl, tl...)
	}
	return final_tl
}

// pretty-print a json blob, truncated for logging.
func quick_json(blob string) string {
	var foo any
	err := json.Unmarshal([]byte(blob), &foo)
	if err != nil {
		return truncate(blob, 200)
	}
	b, err := json.MarshalIndent(foo, "", "\t")
	if err != nil {
		return truncate(blob, 200)
	}
	return truncate(string(b), 1000)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func path_exists(path string) bool {
	_, err := os.Stat(path)
	return !errors.Is(err, os.ErrNotExist)
}

// detect if a string has a byte-order mark,
// removing it and returning the remaining bytes if so.
// returns an error if bytes cannot be read.
// - https://stackoverflow.com/questions/21371673/reading-files-with-a-bom-in-go#answer-21375405
func elide_bom(b []byte) ([]byte, error) {
	br := bytes.NewReader(b)
	r, _, err := br.ReadRune()
	if err != nil {
		return b, err
	}
	if r != '\uFEFF' {
		br.UnreadRune() // Not a BOM -- put the rune back
	}
	return io.ReadAll(br)
}

// splits a comma separated string, trims each item and drops empties.
// "a, b,,c " => ["a", "b", "c"]
func split_list(s string) []string {
	out := []string{}
	for _, bit := range strings.Split(s, ",") {
		bit = strings.TrimSpace(bit)
		if bit != "" {
			out = append(out, bit)
		}
	}
	return out
}

// "2024-06-01T10:11:12Z" => "2024-06-01"
func date_part(timestamp string) string {
	timestamp = strings.TrimSpace(timestamp)
	if len(timestamp) >= 10 {
		return timestamp[:10]
	}
	return timestamp
}
