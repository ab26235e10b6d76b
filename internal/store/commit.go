package store

import (
	"database/sql"
	"fmt"
)

// CommitBatch inserts all buffered rows of a BatchedStore within a single
// transaction. Fake (negative) IDs are remapped to real ones, including
// parent_symbol_id links inside the batch. Symbols go first so imports may
// later reference them.
func (s *Store) CommitBatch(batch *BatchedStore) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("commit batch: begin: %w", err)
	}
	defer tx.Rollback()

	fakeToReal := make(map[int64]int64, len(batch.Symbols))

	for _, sym := range batch.Symbols {
		if sym.ParentSymbolID != nil && *sym.ParentSymbolID < 0 {
			realID := fakeToReal[*sym.ParentSymbolID]
			sym.ParentSymbolID = &realID
		}
		realID, err := insertSymbolTx(tx, &sym)
		if err != nil {
			return fmt.Errorf("commit batch: symbol %q: %w", sym.Name, err)
		}
		fakeToReal[sym.ID] = realID
	}

	for _, imp := range batch.Imports {
		if _, err := insertImportExec(tx, &imp); err != nil {
			return fmt.Errorf("commit batch: import %q: %w", imp.Source, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: commit: %w", err)
	}
	return nil
}

func insertSymbolTx(tx *sql.Tx, sym *Symbol) (int64, error) {
	res, err := tx.Exec(
		`INSERT INTO symbols (file_id, name, kind, exported, is_default,
			start_line, start_col, end_line, end_col, parent_symbol_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sym.FileID, sym.Name, sym.Kind, sym.Exported, sym.IsDefault,
		sym.StartLine, sym.StartCol, sym.EndLine, sym.EndCol, sym.ParentSymbolID,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}
