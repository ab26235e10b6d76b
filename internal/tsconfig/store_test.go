package tsconfig

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	uerrors "github.com/jward/understory/internal/errors"
	"github.com/jward/understory/internal/logging"
	"github.com/jward/understory/internal/paths"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s := NewStore(append([]Option{WithLogger(logging.Discard())}, opts...)...)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "tsconfig.json"), `{}`)
	writeFile(t, filepath.Join(root, "packages", "b", "tsconfig.json"), `{}`)
	writeFile(t, filepath.Join(root, "packages", "a", "tsconfig.json"), `{}`)
	writeFile(t, filepath.Join(root, "node_modules", "dep", "tsconfig.json"), `{}`)
	writeFile(t, filepath.Join(root, "dist", "tsconfig.json"), `{}`)
	return root
}

func TestDiscover_LexicalOrderAndExclusions(t *testing.T) {
	root := newTestRoot(t)
	s := newTestStore(t)

	got, err := s.Discover(context.Background(), root)
	require.NoError(t, err)

	r := paths.Normalize(root)
	assert.Equal(t, []ConfigEntry{
		{Path: r + "/packages/a/tsconfig.json", Origin: OriginLookup},
		{Path: r + "/packages/b/tsconfig.json", Origin: OriginLookup},
		{Path: r + "/tsconfig.json", Origin: OriginLookup},
	}, got)
}

func TestDiscover_MissingRootIsEmpty(t *testing.T) {
	s := newTestStore(t)
	got, err := s.Discover(context.Background(), filepath.Join(t.TempDir(), "does-not-exist"))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDiscover_ExtraExclusions(t *testing.T) {
	root := newTestRoot(t)
	s := newTestStore(t, WithExclusions("packages/a/**"))
	got, err := s.Discover(context.Background(), root)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestResolveOverrides_DropsInvalidKeepsOrder(t *testing.T) {
	root := newTestRoot(t)
	s := newTestStore(t)

	got := s.ResolveOverrides([]string{"packages/b/tsconfig.json", "missing/tsconfig.json", "tsconfig.json", "packages"}, root)
	r := paths.Normalize(root)
	assert.Equal(t, []ConfigEntry{
		{Path: r + "/packages/b/tsconfig.json", Origin: OriginProperty},
		{Path: r + "/tsconfig.json", Origin: OriginProperty},
	}, got)
}

func TestGetConfigs_AllOverridesInvalidFallsBackToDiscovery(t *testing.T) {
	root := newTestRoot(t)
	s := newTestStore(t)

	got, err := s.GetConfigs(context.Background(), root, []string{"nope.json"})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, OriginLookup, got[0].Origin)
}

func TestGetConfigs_CachedUntilClear(t *testing.T) {
	root := newTestRoot(t)
	s := newTestStore(t)

	first, err := s.GetConfigs(context.Background(), root, nil)
	require.NoError(t, err)
	writeFile(t, filepath.Join(root, "packages", "c", "tsconfig.json"), `{}`)

	second, err := s.GetConfigs(context.Background(), root, nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	s.ClearCache()
	third, err := s.GetConfigs(context.Background(), root, nil)
	require.NoError(t, err)
	assert.Len(t, third, 4)
}

func TestConfigForFile_ClosestAncestor(t *testing.T) {
	root := newTestRoot(t)
	s := newTestStore(t)
	_, err := s.GetConfigs(context.Background(), root, nil)
	require.NoError(t, err)

	r := paths.Normalize(root)
	assert.Equal(t, r+"/packages/a/tsconfig.json", s.ConfigForFile(filepath.Join(root, "packages", "a", "src", "x.ts"), root))
	assert.Equal(t, r+"/tsconfig.json", s.ConfigForFile(filepath.Join(root, "scripts", "y.js"), root))
}

func TestDirtyCachesIfNeeded(t *testing.T) {
	root := newTestRoot(t)
	s := newTestStore(t)
	_, err := s.GetConfigs(context.Background(), root, nil)
	require.NoError(t, err)

	assert.False(t, s.DirtyCachesIfNeeded([]string{filepath.Join(root, "README.md")}, nil))
	assert.True(t, s.DirtyCachesIfNeeded(nil, []string{filepath.Join(root, "src", "new.ts")}))

	writeFile(t, filepath.Join(root, "packages", "c", "tsconfig.json"), `{}`)
	assert.True(t, s.DirtyCachesIfNeeded([]string{filepath.Join(root, "packages", "c", "tsconfig.json")}, nil))
	got, err := s.GetConfigs(context.Background(), root, nil)
	require.NoError(t, err)
	assert.Len(t, got, 4)
}

func TestWriteFallback_RemovedOnClose(t *testing.T) {
	s := NewStore(WithLogger(logging.Discard()))

	entry, err := s.WriteFallback([]string{"/p/b.js", "/p/a.js"})
	require.NoError(t, err)
	assert.Equal(t, OriginFallback, entry.Origin)

	data, err := os.ReadFile(filepath.FromSlash(entry.Path))
	require.NoError(t, err)
	var decoded struct {
		CompilerOptions map[string]bool `json:"compilerOptions"`
		Files           []string        `json:"files"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, decoded.CompilerOptions["allowJs"])
	assert.Equal(t, []string{"/p/a.js", "/p/b.js"}, decoded.Files)

	require.NoError(t, s.Close())
	_, err = os.Stat(filepath.FromSlash(entry.Path))
	assert.True(t, os.IsNotExist(err))
}

func TestRemove_DeletesOnlyGeneratedFiles(t *testing.T) {
	s := NewStore(WithLogger(logging.Discard()))
	t.Cleanup(func() { s.Close() })

	first, err := s.WriteFallback([]string{"/p/a.js"})
	require.NoError(t, err)
	second, err := s.WriteConfig(map[string]any{"files": []string{}})
	require.NoError(t, err)
	assert.Equal(t, 2, s.Generated())

	require.NoError(t, s.Remove(first.Path))
	_, err = os.Stat(filepath.FromSlash(first.Path))
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, 1, s.Generated())

	// Unknown paths are ignored.
	own := filepath.Join(t.TempDir(), "tsconfig.json")
	require.NoError(t, os.WriteFile(own, []byte("{}"), 0o644))
	require.NoError(t, s.Remove(own))
	_, err = os.Stat(own)
	assert.NoError(t, err)

	require.NoError(t, s.Remove(first.Path))
	_, err = os.Stat(filepath.FromSlash(second))
	assert.NoError(t, err)
	assert.Equal(t, 1, s.Generated())
}

func TestDecodeConfig_JSONC(t *testing.T) {
	cfg, err := DecodeConfig("tsconfig.json", []byte(`{
  // comment
  "compilerOptions": { "strict": true, /* inline */ "outDir": "dist//x", },
  "include": ["src/**/*",],
}`))
	require.NoError(t, err)
	assert.Contains(t, cfg.CompilerOptions, "strict")
	assert.JSONEq(t, `"dist//x"`, string(cfg.CompilerOptions["outDir"]))
	include, ok, err := StringList(cfg.Include)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"src/**/*"}, include)
}

func TestDecodeConfig_SyntaxError(t *testing.T) {
	_, err := DecodeConfig("/p/tsconfig.json", []byte(`{"compilerOptions": `))
	var se *uerrors.ConfigSyntaxError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "/p/tsconfig.json", se.Path)
}

func TestExtendsList(t *testing.T) {
	one, err := ExtendsList(json.RawMessage(`"./base.json"`))
	require.NoError(t, err)
	assert.Equal(t, []string{"./base.json"}, one)

	many, err := ExtendsList(json.RawMessage(`["./a.json", "./b.json"]`))
	require.NoError(t, err)
	assert.Len(t, many, 2)
}
