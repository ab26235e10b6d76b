package understory

import (
	uerrors "github.com/jward/understory/internal/errors"
	"github.com/jward/understory/internal/program"
	"github.com/jward/understory/internal/rules"
	"github.com/jward/understory/internal/runtime"
)

// Public aliases for internal types that appear in the Engine API.

type RuleConfig = rules.RuleConfig
type Issue = rules.Issue
type FileKind = rules.FileKind
type Location = runtime.Location
type ParseError = uerrors.ParseError
type SerializedError = uerrors.Serialized
type ProgramHandle = program.Handle

const (
	Main = rules.Main
	Test = rules.Test
)

// FileStatus tells how a file relates to the previous run.
type FileStatus string

const (
	Same    FileStatus = "SAME"
	Changed FileStatus = "CHANGED"
	Added   FileStatus = "ADDED"
)

// FileRecord is one file of a project run. Content is read from disk when
// nil. Language is derived from the extension when empty.
type FileRecord struct {
	Path     string     `json:"path"`
	Content  *string    `json:"content,omitempty"`
	Status   FileStatus `json:"status,omitempty"`
	Kind     FileKind   `json:"fileType,omitempty"`
	Language string     `json:"language,omitempty"`
}

// ProjectInput describes a project run. When Files is empty the files under
// Root are discovered and treated as changed.
type ProjectInput struct {
	Root      string       `json:"baseDir"`
	Files     []FileRecord `json:"files,omitempty"`
	TSConfigs []string     `json:"tsConfigs,omitempty"`
	// SkipTypes analyses every file without a program.
	SkipTypes bool `json:"skipTypes,omitempty"`
}

// FileInput describes a single-file analysis. ProgramID selects a program
// created beforehand; otherwise TSConfigs are searched for one that contains
// the file. Root enables dependency lookups.
type FileInput struct {
	Path      string   `json:"filePath"`
	Content   *string  `json:"fileContent,omitempty"`
	Language  string   `json:"language,omitempty"`
	Kind      FileKind `json:"fileType,omitempty"`
	Root      string   `json:"baseDir,omitempty"`
	TSConfigs []string `json:"tsConfigs,omitempty"`
	ProgramID string   `json:"programId,omitempty"`
}

// FileResult is the outcome for one file. ParsingError and Error are
// mutually exclusive with Issues.
type FileResult struct {
	Path         string           `json:"filePath"`
	Issues       []Issue          `json:"issues"`
	ParsingError *ParseError      `json:"parsingError,omitempty"`
	Error        *SerializedError `json:"error,omitempty"`
	Dependencies []string         `json:"dependencies,omitempty"`
	Strategy     string           `json:"strategy,omitempty"`
	Reused       bool             `json:"reused,omitempty"`
	Typed        bool             `json:"typed,omitempty"`
	Skipped      bool             `json:"skipped,omitempty"`
}

// RunStatus is the terminal state of a project run.
type RunStatus string

const (
	StatusCompleted RunStatus = "completed"
	StatusCanceled  RunStatus = "canceled"
	StatusFailed    RunStatus = "failed"
)

// ConfigError records a tsconfig that could not be turned into a program.
// Files in its scope are analysed without type information.
type ConfigError struct {
	Path  string          `json:"tsconfig"`
	Error SerializedError `json:"error"`
}

// RunStats counts what a run did.
type RunStats struct {
	Parsed   int   `json:"parsed"`
	Reused   int   `json:"reused"`
	Failed   int   `json:"failed"`
	Skipped  int   `json:"skipped"`
	Programs int   `json:"programs"`
	Millis   int64 `json:"durationMs"`
}

// RunResult is the aggregate outcome of a project run.
type RunResult struct {
	Root         string           `json:"baseDir"`
	Status       RunStatus        `json:"status"`
	Files        []FileResult     `json:"files"`
	ConfigErrors []ConfigError    `json:"configErrors,omitempty"`
	Error        *SerializedError `json:"error,omitempty"`
	Stats        RunStats         `json:"stats"`
}

func serialize(err error) *SerializedError {
	s := uerrors.Serialize(err)
	return &s
}
