package cache_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reportd/reportd/internal/bus"
	"github.com/reportd/reportd/internal/bus/bustest"
	"github.com/reportd/reportd/internal/cache"
)

type countingMetrics struct {
	mu            sync.Mutex
	pulls, pushes int
}

func (m *countingMetrics) PullCompleted() { m.mu.Lock(); m.pulls++; m.mu.Unlock() }
func (m *countingMetrics) PushCompleted() { m.mu.Lock(); m.pushes++; m.mu.Unlock() }

func writeTempFile(t *testing.T, content string) *os.File {
	t.Helper()
	dir := t.TempDir()
	f, err := os.Create(filepath.Join(dir, "backtrace"))
	require.NoError(t, err)
	_, err = f.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	f, err = os.Open(f.Name())
	require.NoError(t, err)
	return f
}

func TestGetWorkingDirectoryPullsOnceAndCaches(t *testing.T) {
	conn := bustest.New()
	c, err := cache.New(conn, filepath.Join(t.TempDir(), "reportd"))
	require.NoError(t, err)

	entry := cache.EntryPath("123")
	conn.SetProperty(cache.StorePeer, entry, "Elements", []string{"backtrace"})

	calls := 0
	conn.On(cache.StorePeer, entry, "ReadElements", func(args []interface{}) ([]interface{}, error) {
		calls++
		f := writeTempFile(t, "oops")
		return []interface{}{map[string]interface{}{"backtrace": bus.FD(f.Fd())}}, nil
	})

	dir1, err := c.GetWorkingDirectory(context.Background(), entry)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(c.Root(), "123"), dir1)
	assert.FileExists(t, filepath.Join(dir1, "backtrace"))

	dir2, err := c.GetWorkingDirectory(context.Background(), entry)
	require.NoError(t, err)
	assert.Equal(t, dir1, dir2)
	assert.Equal(t, 1, calls, "second GetWorkingDirectory call must not re-pull")
}

func TestGetWorkingDirectoryRejectsEmptyBasename(t *testing.T) {
	conn := bustest.New()
	c, err := cache.New(conn, filepath.Join(t.TempDir(), "reportd"))
	require.NoError(t, err)

	_, err = c.GetWorkingDirectory(context.Background(), "/")
	assert.Error(t, err)
}

func TestPushWorkingDirectorySkipsIgnoredAndBatches(t *testing.T) {
	conn := bustest.New()
	c, err := cache.New(conn, filepath.Join(t.TempDir(), "reportd"))
	require.NoError(t, err)

	dir := filepath.Join(c.Root(), "456")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	for _, name := range []string{"backtrace", "analyzer", "cmdline"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o600))
	}

	var pushed []string
	var mu sync.Mutex
	conn.On(cache.StorePeer, cache.EntryPath("456"), "SaveElements", func(args []interface{}) ([]interface{}, error) {
		handles, _ := args[0].(map[string]bus.FD)
		mu.Lock()
		for name := range handles {
			pushed = append(pushed, name)
		}
		mu.Unlock()
		return nil, nil
	})

	require.NoError(t, c.PushWorkingDirectory(context.Background(), dir))
	assert.ElementsMatch(t, []string{"backtrace", "cmdline"}, pushed)
}

func TestPushWorkingDirectoryRejectsOutsideCacheRoot(t *testing.T) {
	conn := bustest.New()
	c, err := cache.New(conn, filepath.Join(t.TempDir(), "reportd"))
	require.NoError(t, err)

	err = c.PushWorkingDirectory(context.Background(), t.TempDir())
	assert.Error(t, err)
}

func TestGetWorkingDirectoryBatchesReadElements(t *testing.T) {
	cases := []struct {
		count         int
		expectBatches []int
	}{
		{count: 16, expectBatches: []int{16}},
		{count: 17, expectBatches: []int{16, 1}},
		{count: 32, expectBatches: []int{16, 16}},
	}

	for _, tc := range cases {
		t.Run(fmt.Sprintf("%d_elements", tc.count), func(t *testing.T) {
			conn := bustest.New()
			c, err := cache.New(conn, filepath.Join(t.TempDir(), "reportd"))
			require.NoError(t, err)

			names := make([]string, tc.count)
			for i := range names {
				names[i] = fmt.Sprintf("elem%d", i)
			}
			entry := cache.EntryPath("batch")
			conn.SetProperty(cache.StorePeer, entry, "Elements", names)

			var mu sync.Mutex
			var batchSizes []int
			conn.On(cache.StorePeer, entry, "ReadElements", func(args []interface{}) ([]interface{}, error) {
				requested, _ := args[0].([]string)
				mu.Lock()
				batchSizes = append(batchSizes, len(requested))
				mu.Unlock()

				handles := make(map[string]interface{}, len(requested))
				for _, name := range requested {
					f := writeTempFile(t, name)
					handles[name] = bus.FD(f.Fd())
				}
				return []interface{}{handles}, nil
			})

			_, err = c.GetWorkingDirectory(context.Background(), entry)
			require.NoError(t, err)

			mu.Lock()
			defer mu.Unlock()
			assert.ElementsMatch(t, tc.expectBatches, batchSizes)
		})
	}
}

func TestPushWorkingDirectoryBatchesSaveElements(t *testing.T) {
	cases := []struct {
		count         int
		expectBatches []int
	}{
		{count: 16, expectBatches: []int{16}},
		{count: 17, expectBatches: []int{16, 1}},
		{count: 32, expectBatches: []int{16, 16}},
	}

	for _, tc := range cases {
		t.Run(fmt.Sprintf("%d_elements", tc.count), func(t *testing.T) {
			conn := bustest.New()
			c, err := cache.New(conn, filepath.Join(t.TempDir(), "reportd"))
			require.NoError(t, err)

			basename := fmt.Sprintf("push%d", tc.count)
			dir := filepath.Join(c.Root(), basename)
			require.NoError(t, os.MkdirAll(dir, 0o700))
			for i := 0; i < tc.count; i++ {
				name := fmt.Sprintf("elem%d", i)
				require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o600))
			}

			var mu sync.Mutex
			var batchSizes []int
			conn.On(cache.StorePeer, cache.EntryPath(basename), "SaveElements", func(args []interface{}) ([]interface{}, error) {
				handles, _ := args[0].(map[string]bus.FD)
				mu.Lock()
				batchSizes = append(batchSizes, len(handles))
				mu.Unlock()
				return nil, nil
			})

			require.NoError(t, c.PushWorkingDirectory(context.Background(), dir))

			mu.Lock()
			defer mu.Unlock()
			assert.ElementsMatch(t, tc.expectBatches, batchSizes)
		})
	}
}

func TestMetricsRecordedOnPullAndPush(t *testing.T) {
	conn := bustest.New()
	c, err := cache.New(conn, filepath.Join(t.TempDir(), "reportd"))
	require.NoError(t, err)
	m := &countingMetrics{}
	c.Metrics = m

	entry := cache.EntryPath("789")
	conn.SetProperty(cache.StorePeer, entry, "Elements", []string{})
	conn.On(cache.StorePeer, entry, "SaveElements", func(args []interface{}) ([]interface{}, error) { return nil, nil })

	dir, err := c.GetWorkingDirectory(context.Background(), entry)
	require.NoError(t, err)
	require.NoError(t, c.PushWorkingDirectory(context.Background(), dir))

	assert.Equal(t, 1, m.pulls)
	assert.Equal(t, 1, m.pushes)
}
