package fileserver

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// Cache is the MD5 -> on-disk-path registry of completed uploads, every
// uploaded file named by its MD5 digest under one base directory.
// Backed by concurrent-map/v2 rather than a plain mutex-guarded map,
// since a TcpConnection's message callback can run on any worker loop
// concurrently with another connection's lookup of the same digest.
type Cache struct {
	baseDir string
	files   cmap.ConcurrentMap[string, string]
}

// NewCache constructs a Cache rooted at baseDir, creating the directory
// if it does not already exist. Directory entries already present are
// pre-registered as completed uploads, except ".part" files — those are
// session.go's in-progress upload staging files, and a process restart
// mid-upload must not make a half-written file look downloadable.
func NewCache(baseDir string) (*Cache, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("fileserver: create base dir: %w", err)
	}
	c := &Cache{baseDir: baseDir, files: cmap.New[string]()}
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		return nil, fmt.Errorf("fileserver: scan base dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".part") {
			continue
		}
		c.files.Set(e.Name(), filepath.Join(baseDir, e.Name()))
	}
	return c, nil
}

// Path returns the on-disk path an md5 digest is stored at, regardless
// of whether the upload has completed.
func (c *Cache) Path(md5 string) string {
	return filepath.Join(c.baseDir, md5)
}

// Has reports whether md5 has a completed upload registered.
func (c *Cache) Has(md5 string) bool {
	return c.files.Has(md5)
}

// Register marks md5 as a completed, downloadable upload.
func (c *Cache) Register(md5 string) {
	c.files.Set(md5, c.Path(md5))
}

// Remove evicts md5 from the registry and deletes its backing file.
func (c *Cache) Remove(md5 string) error {
	c.files.Remove(md5)
	if err := os.Remove(c.Path(md5)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Len returns the number of completed, registered uploads.
func (c *Cache) Len() int { return c.files.Count() }
