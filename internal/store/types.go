package store

// Index domain types

type File struct {
	ID        int64
	Path      string
	Language  string
	Hash      string
	LineCount int
}

// Symbol is a top-level declaration. Exported symbols are what other files
// of the program can import by name.
type Symbol struct {
	ID             int64
	FileID         int64
	Name           string
	Kind           string
	Exported       bool
	IsDefault      bool
	StartLine      int
	StartCol       int
	EndLine        int
	EndCol         int
	ParentSymbolID *int64
}

// Import kinds.
const (
	ImportNamed      = "named"
	ImportDefault    = "default"
	ImportNamespace  = "namespace"
	ImportSideEffect = "side-effect"
	ImportRequire    = "require"
	ImportReexport   = "reexport"
)

type Import struct {
	ID           int64
	FileID       int64
	Source       string
	ImportedName *string
	LocalAlias   *string
	Kind         string
	TypeOnly     bool
	Line         int
}
