package main

// CLIResult is the top-level JSON envelope for all commands.
type CLIResult struct {
	Command    string `json:"command"`
	Results    any    `json:"results"`
	TotalCount *int   `json:"total_count,omitempty"`
	Error      string `json:"error,omitempty"`
}

// CLIIssue is a JSON-friendly issue with a root-relative file path.
type CLIIssue struct {
	File    string `json:"file"`
	Rule    string `json:"rule"`
	Line    int    `json:"line"`
	Col     int    `json:"col"`
	EndLine int    `json:"end_line"`
	EndCol  int    `json:"end_col"`
	Message string `json:"message"`
}

// CLIFileError is a file that could not be parsed or checked.
type CLIFileError struct {
	File    string `json:"file"`
	Code    string `json:"code"`
	Line    int    `json:"line,omitempty"`
	Message string `json:"message"`
}

// CLIRuleCount is the number of issues one rule raised.
type CLIRuleCount struct {
	Rule  string `json:"rule"`
	Count int    `json:"count"`
}

// CLIAnalysis is the result of the analyze command.
type CLIAnalysis struct {
	Root         string         `json:"root"`
	Status       string         `json:"status"`
	Files        int            `json:"files"`
	Parsed       int            `json:"parsed"`
	Reused       int            `json:"reused"`
	Skipped      int            `json:"skipped"`
	Programs     int            `json:"programs"`
	DurationMs   int64          `json:"duration_ms"`
	ByRule       []CLIRuleCount `json:"by_rule"`
	Issues       []CLIIssue     `json:"issues"`
	FileErrors   []CLIFileError `json:"file_errors,omitempty"`
	ConfigErrors []CLIFileError `json:"config_errors,omitempty"`
	RunError     string         `json:"run_error,omitempty"`
}

// CLIServe describes a running bridge server.
type CLIServe struct {
	Address string `json:"address"`
	Watch   string `json:"watch,omitempty"`
}

// CLIVersion is the result of the version command.
type CLIVersion struct {
	Version string   `json:"version"`
	Rules   []string `json:"rules"`
}
