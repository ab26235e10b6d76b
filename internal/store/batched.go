package store

import "sync"

// BatchedStore buffers index inserts in memory using fake (negative) IDs so
// files can be indexed in parallel and committed serially. It implements
// DataStore.
type BatchedStore struct {
	mu sync.Mutex

	Symbols []Symbol
	Imports []Import

	nextFakeID int64 // starts at -1, decrements
}

var _ DataStore = (*BatchedStore)(nil)

func NewBatchedStore() *BatchedStore {
	return &BatchedStore{nextFakeID: -1}
}

func (b *BatchedStore) allocFakeID() int64 {
	id := b.nextFakeID
	b.nextFakeID--
	return id
}

func (b *BatchedStore) InsertSymbol(sym *Symbol) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fakeID := b.allocFakeID()
	sym.ID = fakeID
	b.Symbols = append(b.Symbols, *sym)
	return fakeID, nil
}

func (b *BatchedStore) InsertImport(imp *Import) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fakeID := b.allocFakeID()
	imp.ID = fakeID
	b.Imports = append(b.Imports, *imp)
	return fakeID, nil
}

// Len reports how many rows are buffered.
func (b *BatchedStore) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.Symbols) + len(b.Imports)
}
