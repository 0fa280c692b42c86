package main

import (
	"archive/zip"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/snabb/httpreaderat"

	bufra "github.com/avvmoto/buf-readerat"
)

// returns a map of zipped-filename=>uncompressed-bytes of files within a zipfile at `url` whose filenames match `zipped_file_filter`.
func (f *Fetcher) download_zip(url string, zipped_file_filter func(string) bool) (map[string][]byte, error) {

	empty_response := map[string][]byte{}

	req, err := http.NewRequestWithContext(trace_context(), http.MethodGet, url, nil)
	if err != nil {
		return empty_response, fmt.Errorf("failed to create request: %w", err)
	}

	for header, header_val := range f.headers_for(url, nil) {
		req.Header.Set(header, header_val)
	}

	// a 'readerat' is an implementation of the built-in Go interface `io.ReaderAt`,
	// that provides a means to jump around within the bytes of a remote file using
	// HTTP Range requests.
	http_readerat, err := httpreaderat.New(f.Client, req, nil)
	if err != nil {
		return empty_response, fmt.Errorf("failed to create a HTTPReaderAt: %w", err)
	}

	// a 'buffered readerat' remembers the bytes read of a `io.ReaderAt` implementation,
	// reducing the number of future reads when the bytes have already been read.
	buffer_size := 1024 * 1024 // 1MiB
	buffered_http_readerat := bufra.NewBufReaderAt(http_readerat, buffer_size)
	zip_rdr, err := zip.NewReader(buffered_http_readerat, http_readerat.Size())
	if err != nil {
		return empty_response, fmt.Errorf("failed to create a zip reader: %w", err)
	}

	file_bytes := map[string][]byte{}

	for _, zipped_file_entry := range zip_rdr.File {
		if zipped_file_filter(zipped_file_entry.Name) {
			slog.Debug("found zipped file name match", "filename", zipped_file_entry.Name)

			fh, err := zipped_file_entry.Open()
			if err != nil {
				// this file is probably busted, stop trying to read it altogether.
				return empty_response, fmt.Errorf("failed to open zipped file entry: %w", err)
			}

			bl, err := io.ReadAll(fh)
			fh.Close()
			if err != nil {
				return empty_response, fmt.Errorf("failed to read zipped file entry: %w", err)
			}

			file_bytes[zipped_file_entry.Name] = bl
		}
	}

	return file_bytes, nil
}

// returns true if `filename` is the manifest of the single top-level folder of a release zip.
// "Foo/config/module.ini" is, "config/module.ini" and "Foo/vendor/Bar/config/module.ini" are not.
func is_manifest_file(filename, manifest_path string) bool {
	manifest_path = strings.Trim(manifest_path, "/")
	if manifest_path == "" {
		return false
	}
	bits := strings.SplitN(filename, "/", 2)
	if len(bits) != 2 {
		return false
	}
	prefix, rest := bits[0], bits[1] // "Foo/config/module.ini" => "Foo", "config/module.ini"
	return prefix != "" && strings.EqualFold(rest, manifest_path)
}

// reads the manifest at `manifest_path` from inside the release zip at `zip_url`
// without downloading the whole archive.
func (f *Fetcher) manifest_from_zip(zip_url, manifest_path string) (string, bool) {
	matches, err := f.download_zip(zip_url, func(filename string) bool {
		return is_manifest_file(filename, manifest_path)
	})
	if err != nil {
		slog.Debug("failed to read manifest from release zip", "url", zip_url, "error", err)
		return "", false
	}
	for _, bl := range matches {
		return string(bl), true
	}
	return "", false
}
