package fetch

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/carbocation/pfx"
)

// Cache maps a source key (here, a URL) to a local copy of its contents. It is
// an explicit dependency of the Fetcher so that tests can substitute an
// in-memory implementation.
type Cache interface {
	// Get reports whether the key is cached and, if so, the path to the
	// cached file.
	Get(key string) (localPath string, ok bool, err error)

	// Put stores the contents of r under the key and returns the path to
	// the stored file.
	Put(key string, r io.Reader) (localPath string, err error)
}

// DirCache is an on-disk Cache that stores one file per key under Root. Files
// are named by the SHA1 of the key plus the key's original basename, so a
// cache directory remains human-navigable.
type DirCache struct {
	Root string
}

func (c DirCache) Get(key string) (string, bool, error) {
	p := c.pathFor(key)

	if _, err := os.Stat(p); os.IsNotExist(err) {
		return "", false, nil
	} else if err != nil {
		return "", false, pfx.Err(err)
	}

	return p, true, nil
}

func (c DirCache) Put(key string, r io.Reader) (string, error) {
	if err := os.MkdirAll(c.Root, 0o755); err != nil {
		return "", pfx.Err(err)
	}

	p := c.pathFor(key)

	// Write to a temporary file first so a failed download never leaves a
	// truncated entry that a later Get would treat as complete.
	tmp, err := os.CreateTemp(c.Root, "incoming-*")
	if err != nil {
		return "", pfx.Err(err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return "", pfx.Err(err)
	}

	if err := tmp.Close(); err != nil {
		return "", pfx.Err(err)
	}

	if err := os.Rename(tmp.Name(), p); err != nil {
		return "", pfx.Err(err)
	}

	return p, nil
}

func (c DirCache) pathFor(key string) string {
	sum := sha1.Sum([]byte(key))

	base := path.Base(key)
	if i := strings.IndexAny(base, "?#"); i >= 0 {
		base = base[:i]
	}
	if base == "" || base == "." || base == "/" {
		base = "download"
	}

	return filepath.Join(c.Root, fmt.Sprintf("%s-%s", hex.EncodeToString(sum[:8]), base))
}
