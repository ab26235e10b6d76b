package store

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchedStore_FakeIDsAreNegative(t *testing.T) {
	t.Parallel()
	batch := NewBatchedStore()

	id1, err := batch.InsertSymbol(&Symbol{FileID: 1, Name: "Foo", Kind: "function"})
	require.NoError(t, err)
	id2, err := batch.InsertImport(&Import{FileID: 1, Source: "./x"})
	require.NoError(t, err)

	assert.Equal(t, int64(-1), id1)
	assert.Equal(t, int64(-2), id2)
	assert.Equal(t, 2, batch.Len())
}

func TestCommitBatch_RemapsParentIDs(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	f := insertTestFile(t, s, "/p/a.ts", "typescript")

	batch := NewBatchedStore()
	classID, err := batch.InsertSymbol(&Symbol{FileID: f.ID, Name: "Widget", Kind: "class", Exported: true})
	require.NoError(t, err)
	_, err = batch.InsertSymbol(&Symbol{FileID: f.ID, Name: "render", Kind: "method", ParentSymbolID: &classID})
	require.NoError(t, err)
	_, err = batch.InsertImport(&Import{FileID: f.ID, Source: "react", Kind: ImportDefault, LocalAlias: ptr("React")})
	require.NoError(t, err)

	require.NoError(t, s.CommitBatch(batch))

	syms, err := s.SymbolsByFile(f.ID)
	require.NoError(t, err)
	require.Len(t, syms, 2)
	assert.Positive(t, syms[0].ID)
	require.NotNil(t, syms[1].ParentSymbolID)
	assert.Equal(t, syms[0].ID, *syms[1].ParentSymbolID)

	imps, err := s.ImportsByFile(f.ID)
	require.NoError(t, err)
	require.Len(t, imps, 1)
	assert.Equal(t, "react", imps[0].Source)
}

func TestCommitBatch_RollsBackOnError(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	f := insertTestFile(t, s, "/p/a.ts", "typescript")

	batch := NewBatchedStore()
	_, err := batch.InsertSymbol(&Symbol{FileID: f.ID, Name: "ok", Kind: "function"})
	require.NoError(t, err)
	// Unknown file id violates the foreign key.
	_, err = batch.InsertSymbol(&Symbol{FileID: 9999, Name: "orphan", Kind: "function"})
	require.NoError(t, err)

	require.Error(t, s.CommitBatch(batch))
	syms, err := s.SymbolsByFile(f.ID)
	require.NoError(t, err)
	assert.Empty(t, syms)
}

func TestBatchedStore_ConcurrentInserts(t *testing.T) {
	t.Parallel()
	batch := NewBatchedStore()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, _ = batch.InsertSymbol(&Symbol{FileID: 1, Name: "s", Kind: "variable"})
			}
		}()
	}
	wg.Wait()

	seen := map[int64]bool{}
	for _, sym := range batch.Symbols {
		assert.False(t, seen[sym.ID])
		seen[sym.ID] = true
	}
	assert.Len(t, seen, 400)
}
