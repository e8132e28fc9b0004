// Package cache implements ProblemCache: it maps a problem store entry
// reference to a local on-disk working directory, pulling an entry's
// elements in from the store the first time it's needed and pushing
// mutated elements back once a task completes. Pulls and pushes are
// chunked under a fixed ceiling the way a local content cache chunks
// remote content into a local store under a size limit; here the ceiling
// is the bus's per-message file-descriptor limit instead of a byte count.
package cache

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/reportd/reportd/internal/bus"
	"github.com/reportd/reportd/internal/logging"
	"github.com/reportd/reportd/internal/rderr"
)

// BatchSize is the message-bus file-descriptor-per-message ceiling.
const BatchSize = 16

// StorePeer is the well-known bus name owned by the problem store.
const StorePeer = "org.freedesktop.problems"

// EntryPath returns the canonical object path of the Entry for basename.
func EntryPath(basename string) string {
	return "/org/freedesktop/Problems2/Entry/" + basename
}

// ignored is the fixed set of store-owned metadata elements never pushed
// back.
var ignored = map[string]bool{
	"analyzer": true,
	"type":     true,
	"time":     true,
	"count":    true,
}

// MetricsRecorder receives pull/push completion counts. A Cache with no
// Metrics set records nothing.
type MetricsRecorder interface {
	PullCompleted()
	PushCompleted()
}

// Cache owns cache_root and translates entry references to working
// directories.
type Cache struct {
	root string
	conn bus.Conn
	log  *logging.Logger

	// Metrics, if set, is notified after each successful pull/push.
	Metrics MetricsRecorder

	pulls singleflight.Group // collapses concurrent pulls of the same basename
}

// New creates cache_root (mode 0700) if needed and returns a Cache rooted
// there.
func New(conn bus.Conn, root string) (*Cache, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, rderr.Wrap(rderr.CacheIO, err, "create cache root "+root)
	}
	return &Cache{root: root, conn: conn, log: logging.New("cache")}, nil
}

// Root returns cache_root.
func (c *Cache) Root() string { return c.root }

// basenameOf takes the last path segment of ref, the only part used for
// local naming.
func basenameOf(ref string) string {
	return filepath.Base(strings.TrimRight(ref, "/"))
}

// GetWorkingDirectory resolves entryRef to a local working directory,
// pulling it from the store on first use. A second call for the same
// entry with no filesystem intervention never issues a ReadElements
// call: the cache-hit check runs before any bus traffic, and concurrent
// first-callers for the same entry are collapsed by singleflight so only
// one of them actually pulls.
func (c *Cache) GetWorkingDirectory(ctx context.Context, entryRef string) (string, error) {
	basename := basenameOf(entryRef)
	if basename == "" || basename == "." {
		return "", rderr.New(rderr.CacheIO, "empty or '.' entry basename")
	}
	candidate := filepath.Join(c.root, basename)
	if candidate == c.root {
		return "", rderr.New(rderr.CacheIO, "entry basename collides with cache root")
	}
	if isDir(candidate) {
		return candidate, nil
	}

	v, err, _ := c.pulls.Do(basename, func() (interface{}, error) {
		return c.pull(ctx, basename, candidate, entryRef)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func (c *Cache) pull(ctx context.Context, basename, candidate, entryRef string) (string, error) {
	// Re-check: another singleflight caller or an unrelated concurrent
	// process may have completed the pull while we waited to be elected
	// leader.
	if isDir(candidate) {
		return candidate, nil
	}

	obj := c.conn.Peer(StorePeer, entryRef)
	rawElements, err := obj.GetProperty("Elements")
	if err != nil {
		return "", rderr.Wrap(rderr.StoreAccess, err, "read Elements property")
	}
	elements, err := toStringSlice(rawElements)
	if err != nil {
		return "", rderr.Wrap(rderr.StoreAccess, err, "decode Elements property")
	}

	// Partial-directory cleanup on failure is deliberately NOT attempted
	// here: a failed pull leaves `candidate` on disk for human cleanup,
	// same as the source it mirrors.
	if err := os.MkdirAll(candidate, 0o600); err != nil {
		return "", rderr.Wrap(rderr.CacheIO, err, "create working directory "+candidate)
	}

	for _, batch := range chunk(elements, BatchSize) {
		if err := c.pullBatch(ctx, obj, candidate, batch); err != nil {
			return "", err
		}
	}
	if c.Metrics != nil {
		c.Metrics.PullCompleted()
	}
	return candidate, nil
}

func (c *Cache) pullBatch(ctx context.Context, obj bus.RemoteObject, candidate string, names []string) error {
	reply, err := obj.Call(ctx, "ReadElements", names, int32(1))
	if err != nil {
		return rderr.Wrap(rderr.StoreAccess, err, "ReadElements")
	}
	if len(reply) == 0 {
		return rderr.New(rderr.StoreAccess, "ReadElements returned no reply")
	}
	handles, ok := reply[0].(map[string]interface{})
	if !ok {
		return rderr.New(rderr.StoreAccess, "ReadElements reply has unexpected shape")
	}

	var g errgroup.Group
	for name, v := range handles {
		name, v := name, v
		g.Go(func() error {
			fd, ok := v.(bus.FD)
			if !ok {
				return rderr.New(rderr.StoreAccess, "element "+name+" handle index out of range")
			}
			return copyFD(fd, filepath.Join(candidate, name))
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return nil
}

// copyFD duplicates the file behind fd into dst and closes fd — fds
// received over the bus are owned by the core once the call returns.
func copyFD(fd bus.FD, dst string) error {
	src := os.NewFile(uintptr(fd), dst)
	if src == nil {
		return rderr.New(rderr.StoreAccess, "invalid file descriptor for "+dst)
	}
	defer src.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return rderr.Wrap(rderr.CacheIO, err, "create element file "+dst)
	}
	defer out.Close()

	if _, err := io.Copy(out, src); err != nil {
		return rderr.Wrap(rderr.CacheIO, err, "copy element "+dst)
	}
	return nil
}

// PushWorkingDirectory pushes a working directory's elements back to the
// store, best-effort: it skips ignored elements and logs-and-continues
// past per-file or per-batch failures rather than aborting the whole
// push.
func (c *Cache) PushWorkingDirectory(ctx context.Context, path string) error {
	if filepath.Dir(path) != c.root {
		return rderr.New(rderr.CacheIO, "push target outside cache root: "+path)
	}
	basename := filepath.Base(path)
	entries, err := os.ReadDir(path)
	if err != nil {
		return rderr.Wrap(rderr.CacheIO, err, "read working directory "+path)
	}

	// Sort lexically for a deterministic push order rather than relying
	// on directory iteration order.
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || ignored[e.Name()] {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	obj := c.conn.Peer(StorePeer, EntryPath(basename))
	for _, batch := range chunk(names, BatchSize) {
		c.pushBatch(ctx, obj, path, batch)
	}
	if c.Metrics != nil {
		c.Metrics.PushCompleted()
	}
	return nil
}

func (c *Cache) pushBatch(ctx context.Context, obj bus.RemoteObject, dir string, names []string) {
	handles := make(map[string]bus.FD, len(names))
	var openFiles []*os.File
	for _, name := range names {
		f, err := os.Open(filepath.Join(dir, name))
		if err != nil {
			c.log.Warnf("skipping element %s: %v", name, err)
			continue
		}
		openFiles = append(openFiles, f)
		handles[name] = bus.FD(f.Fd())
	}
	defer func() {
		for _, f := range openFiles {
			f.Close()
		}
	}()
	if len(handles) == 0 {
		return
	}
	if _, err := obj.Call(ctx, "SaveElements", handles, int32(0)); err != nil {
		c.log.Warnf("SaveElements batch failed, continuing with next batch: %v", err)
	}
}

func chunk(items []string, size int) [][]string {
	if len(items) == 0 {
		return nil
	}
	var out [][]string
	for i := 0; i < len(items); i += size {
		end := i + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[i:end])
	}
	return out
}

func toStringSlice(v interface{}) ([]string, error) {
	switch t := v.(type) {
	case []string:
		return t, nil
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, e := range t {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("element name %v is not a string", e)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("Elements property has unexpected type %T", v)
	}
}
