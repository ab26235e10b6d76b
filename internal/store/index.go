package store

import (
	"database/sql"
	"fmt"
)

// --- File operations ---

func (s *Store) InsertFile(f *File) (int64, error) {
	res, err := s.db.Exec(
		"INSERT INTO files (path, language, hash, line_count) VALUES (?, ?, ?, ?)",
		f.Path, f.Language, f.Hash, f.LineCount,
	)
	if err != nil {
		return 0, fmt.Errorf("insert file: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	f.ID = id
	return id, nil
}

const fileCols = "id, path, language, hash, line_count"

func scanFile(scanner interface{ Scan(...any) error }) (*File, error) {
	f := &File{}
	var hash sql.NullString
	var lines sql.NullInt64
	if err := scanner.Scan(&f.ID, &f.Path, &f.Language, &hash, &lines); err != nil {
		return nil, err
	}
	f.Hash = hash.String
	f.LineCount = int(lines.Int64)
	return f, nil
}

// UpdateFileStats records content hash and line count once a file has been
// read.
func (s *Store) UpdateFileStats(fileID int64, hash string, lineCount int) error {
	_, err := s.db.Exec("UPDATE files SET hash = ?, line_count = ? WHERE id = ?", hash, lineCount, fileID)
	if err != nil {
		return fmt.Errorf("update file stats: %w", err)
	}
	return nil
}

// FileByPath returns nil, nil when path is not indexed.
func (s *Store) FileByPath(path string) (*File, error) {
	f, err := scanFile(s.db.QueryRow("SELECT "+fileCols+" FROM files WHERE path = ?", path))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("file by path: %w", err)
	}
	return f, nil
}

// Files returns every indexed file ordered by path.
func (s *Store) Files() ([]*File, error) {
	rows, err := s.db.Query("SELECT " + fileCols + " FROM files ORDER BY path")
	if err != nil {
		return nil, fmt.Errorf("files: %w", err)
	}
	defer rows.Close()
	var files []*File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// FileCount returns the number of indexed files.
func (s *Store) FileCount() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM files").Scan(&n); err != nil {
		return 0, fmt.Errorf("file count: %w", err)
	}
	return n, nil
}

// --- Symbol operations ---

func (s *Store) InsertSymbol(sym *Symbol) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO symbols (file_id, name, kind, exported, is_default,
			start_line, start_col, end_line, end_col, parent_symbol_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sym.FileID, sym.Name, sym.Kind, sym.Exported, sym.IsDefault,
		sym.StartLine, sym.StartCol, sym.EndLine, sym.EndCol, sym.ParentSymbolID,
	)
	if err != nil {
		return 0, fmt.Errorf("insert symbol: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	sym.ID = id
	return id, nil
}

const symbolCols = `id, file_id, name, kind, exported, is_default,
	start_line, start_col, end_line, end_col, parent_symbol_id`

func scanSymbol(scanner interface{ Scan(...any) error }) (*Symbol, error) {
	sym := &Symbol{}
	err := scanner.Scan(
		&sym.ID, &sym.FileID, &sym.Name, &sym.Kind, &sym.Exported, &sym.IsDefault,
		&sym.StartLine, &sym.StartCol, &sym.EndLine, &sym.EndCol, &sym.ParentSymbolID,
	)
	if err != nil {
		return nil, err
	}
	return sym, nil
}

func (s *Store) querySymbols(query string, args ...any) ([]*Symbol, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var symbols []*Symbol
	for rows.Next() {
		sym, err := scanSymbol(rows)
		if err != nil {
			return nil, fmt.Errorf("scan symbol: %w", err)
		}
		symbols = append(symbols, sym)
	}
	return symbols, rows.Err()
}

func (s *Store) SymbolsByFile(fileID int64) ([]*Symbol, error) {
	return s.querySymbols("SELECT "+symbolCols+" FROM symbols WHERE file_id = ? ORDER BY id", fileID)
}

func (s *Store) SymbolsByName(name string) ([]*Symbol, error) {
	return s.querySymbols("SELECT "+symbolCols+" FROM symbols WHERE name = ? ORDER BY id", name)
}

// ExportedNames returns the names a module exposes to importers, sorted.
// A default export is reported as "default".
func (s *Store) ExportedNames(fileID int64) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT DISTINCT CASE WHEN is_default THEN 'default' ELSE name END AS n
		 FROM symbols WHERE file_id = ? AND exported ORDER BY n`, fileID,
	)
	if err != nil {
		return nil, fmt.Errorf("exported names: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scan exported name: %w", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// --- Import operations ---

func (s *Store) InsertImport(imp *Import) (int64, error) {
	return insertImportExec(s.db, imp)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func insertImportExec(db execer, imp *Import) (int64, error) {
	kind := imp.Kind
	if kind == "" {
		kind = ImportNamed
	}
	res, err := db.Exec(
		`INSERT INTO imports (file_id, source, imported_name, local_alias, kind, type_only, line)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		imp.FileID, imp.Source, imp.ImportedName, imp.LocalAlias, kind, imp.TypeOnly, imp.Line,
	)
	if err != nil {
		return 0, fmt.Errorf("insert import: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	imp.ID = id
	imp.Kind = kind
	return id, nil
}

const importCols = "id, file_id, source, imported_name, local_alias, kind, type_only, line"

func (s *Store) queryImports(query string, args ...any) ([]*Import, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var imports []*Import
	for rows.Next() {
		imp := &Import{}
		if err := rows.Scan(&imp.ID, &imp.FileID, &imp.Source, &imp.ImportedName,
			&imp.LocalAlias, &imp.Kind, &imp.TypeOnly, &imp.Line); err != nil {
			return nil, fmt.Errorf("scan import: %w", err)
		}
		imports = append(imports, imp)
	}
	return imports, rows.Err()
}

func (s *Store) ImportsByFile(fileID int64) ([]*Import, error) {
	return s.queryImports("SELECT "+importCols+" FROM imports WHERE file_id = ? ORDER BY id", fileID)
}

// ImportsBySources returns every import of any of the given module
// specifiers.
func (s *Store) ImportsBySources(sources []string) ([]*Import, error) {
	if len(sources) == 0 {
		return nil, nil
	}
	args := make([]any, len(sources))
	for i, src := range sources {
		args[i] = src
	}
	return s.queryImports(
		"SELECT "+importCols+" FROM imports WHERE source IN ("+placeholderList(len(sources))+") ORDER BY id",
		args...,
	)
}
