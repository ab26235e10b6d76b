package store

// DataStore is the interface for indexing-phase writes. Both Store (direct
// SQLite) and BatchedStore (in-memory buffering for parallel indexing)
// implement it.
type DataStore interface {
	InsertSymbol(sym *Symbol) (int64, error)
	InsertImport(imp *Import) (int64, error)
}

// Compile-time check: *Store satisfies DataStore.
var _ DataStore = (*Store)(nil)
