// Package fetch retrieves remote data files and keeps a local copy so that
// repeated runs of an analysis do not re-download their inputs.
package fetch

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/carbocation/pfx"
)

// Fetcher downloads URLs through an injected Cache. The zero Client is
// replaced by http.DefaultClient.
type Fetcher struct {
	Cache  Cache
	Client *http.Client
}

// Fetch returns the path to a local copy of the file at url, downloading it
// only if the cache has no entry for it. Any transport failure or non-200
// response is fatal to the caller's run; no partial file is cached.
func (f *Fetcher) Fetch(ctx context.Context, url string) (string, error) {
	if localPath, ok, err := f.Cache.Get(url); err != nil {
		return "", err
	} else if ok {
		return localPath, nil
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", pfx.Err(err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", pfx.Err(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", pfx.Err(fmt.Errorf("Fetching %s: expected status 200, got %d", url, resp.StatusCode))
	}

	return f.Cache.Put(url, resp.Body)
}

// MaybeOpenGzip opens a local file, transparently decompressing it if it
// begins with the gzip magic bytes. Many public count tables are served
// gzipped, and the cache stores them as downloaded.
func MaybeOpenGzip(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, pfx.Err(err)
	}

	magic := make([]byte, 2)
	if _, err := io.ReadFull(f, magic); err != nil {
		f.Close()
		return nil, pfx.Err(err)
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, pfx.Err(err)
	}

	if magic[0] != 0x1f || magic[1] != 0x8b {
		return f, nil
	}

	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, pfx.Err(err)
	}

	return gzipReadCloser{Reader: gz, file: f}, nil
}

// gzipReadCloser closes both the gzip stream and the underlying file.
type gzipReadCloser struct {
	*gzip.Reader
	file *os.File
}

func (g gzipReadCloser) Close() error {
	if err := g.Reader.Close(); err != nil {
		g.file.Close()
		return err
	}

	return g.file.Close()
}
