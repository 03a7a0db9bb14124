package fetch

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

// memCache is an in-memory Cache for tests.
type memCache struct {
	dir     string
	entries map[string]string
}

func newMemCache(dir string) *memCache {
	return &memCache{dir: dir, entries: make(map[string]string)}
}

func (c *memCache) Get(key string) (string, bool, error) {
	p, ok := c.entries[key]
	return p, ok, nil
}

func (c *memCache) Put(key string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}

	p := filepath.Join(c.dir, "entry")
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return "", err
	}
	c.entries[key] = p

	return p, nil
}

func TestFetchUsesCache(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte("gene1\t1\t2\n"))
	}))
	defer srv.Close()

	f := &Fetcher{Cache: newMemCache(t.TempDir())}

	p1, err := f.Fetch(context.Background(), srv.URL+"/counts.txt")
	if err != nil {
		t.Fatal(err)
	}

	p2, err := f.Fetch(context.Background(), srv.URL+"/counts.txt")
	if err != nil {
		t.Fatal(err)
	}

	if p1 != p2 {
		t.Fatalf("Expected the same cached path, got %s and %s", p1, p2)
	}

	if hits != 1 {
		t.Fatalf("Expected 1 server hit, got %d", hits)
	}

	data, err := os.ReadFile(p1)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "gene1\t1\t2\n" {
		t.Fatalf("Unexpected cached contents: %q", data)
	}
}

func TestFetchNon200IsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	f := &Fetcher{Cache: newMemCache(t.TempDir())}

	if _, err := f.Fetch(context.Background(), srv.URL); err == nil {
		t.Fatal("Expected an error for a 404 response")
	}
}

func TestDirCacheRoundTrip(t *testing.T) {
	c := DirCache{Root: filepath.Join(t.TempDir(), "cache")}

	const key = "https://example.com/series/GSE29087_L139_expression_tab.txt.gz"

	if _, ok, err := c.Get(key); err != nil {
		t.Fatal(err)
	} else if ok {
		t.Fatal("Expected a miss on an empty cache")
	}

	p, err := c.Put(key, bytes.NewBufferString("payload"))
	if err != nil {
		t.Fatal(err)
	}

	p2, ok, err := c.Get(key)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || p2 != p {
		t.Fatalf("Expected a hit at %s, got ok=%v path=%s", p, ok, p2)
	}

	data, err := os.ReadFile(p2)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "payload" {
		t.Fatalf("Unexpected contents: %q", data)
	}
}

func TestMaybeOpenGzip(t *testing.T) {
	dir := t.TempDir()

	plainPath := filepath.Join(dir, "plain.txt")
	if err := os.WriteFile(plainPath, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	gz.Write([]byte("hello"))
	gz.Close()

	gzPath := filepath.Join(dir, "compressed.txt.gz")
	if err := os.WriteFile(gzPath, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}

	for _, p := range []string{plainPath, gzPath} {
		r, err := MaybeOpenGzip(p)
		if err != nil {
			t.Fatal(err)
		}

		data, err := io.ReadAll(r)
		if err != nil {
			t.Fatal(err)
		}
		r.Close()

		if string(data) != "hello" {
			t.Fatalf("%s: expected %q, got %q", p, "hello", data)
		}
	}
}
