package watch

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/jward/understory/internal/logging"
	"github.com/jward/understory/internal/paths"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type collector struct {
	mu      sync.Mutex
	batches [][]FileEvent
}

func (c *collector) add(b []FileEvent) {
	c.mu.Lock()
	c.batches = append(c.batches, b)
	c.mu.Unlock()
}

func (c *collector) events() []FileEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []FileEvent
	for _, b := range c.batches {
		out = append(out, b...)
	}
	return out
}

func newTestWatcher(t *testing.T, root string, c *collector) *Watcher {
	t.Helper()
	w, err := New(root, c.add, WithDebounce(30*time.Millisecond), WithLogger(logging.Discard()))
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w
}

func TestWatcher_DeliversDebouncedBatch(t *testing.T) {
	root := t.TempDir()
	c := &collector{}
	newTestWatcher(t, root, c)

	a := filepath.Join(root, "a.js")
	require.NoError(t, os.WriteFile(a, []byte("x;"), 0o644))
	require.NoError(t, os.WriteFile(a, []byte("y;"), 0o644))

	require.Eventually(t, func() bool { return len(c.events()) > 0 }, 5*time.Second, 10*time.Millisecond)
	events := c.events()
	assert.Equal(t, paths.Normalize(a), events[0].Path)
	assert.Equal(t, Created, events[0].Kind, "a later write keeps the creation")
}

func TestWatcher_SkipsExcludedDirectories(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "node_modules", "x"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0o755))
	c := &collector{}
	newTestWatcher(t, root, c)

	require.NoError(t, os.WriteFile(filepath.Join(root, "node_modules", "x", "index.js"), []byte("x;"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "src", "b.ts"), []byte("x;"), 0o644))

	require.Eventually(t, func() bool { return len(c.events()) > 0 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	for _, ev := range c.events() {
		assert.NotContains(t, ev.Path, "node_modules")
	}
}

func TestWatcher_Removal(t *testing.T) {
	root := t.TempDir()
	p := filepath.Join(root, "gone.js")
	require.NoError(t, os.WriteFile(p, []byte("x;"), 0o644))
	c := &collector{}
	newTestWatcher(t, root, c)

	require.NoError(t, os.Remove(p))
	require.Eventually(t, func() bool { return len(c.events()) > 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []FileEvent{{Path: paths.Normalize(p), Kind: Removed}}, c.events())
}

func TestNew_MissingRootFails(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "missing"), func([]FileEvent) {}, WithLogger(logging.Discard()))
	assert.Error(t, err)
}

func TestClose_Idempotent(t *testing.T) {
	w, err := New(t.TempDir(), func([]FileEvent) {}, WithLogger(logging.Discard()))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	assert.NoError(t, w.Close())
}
