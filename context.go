package understory

import (
	"github.com/jward/understory/internal/program"
	"github.com/jward/understory/internal/runtime"
)

// AnalysisContext says whether a file is analysed with type information. It
// is decided once, before the file is parsed.
type AnalysisContext struct {
	program *program.Program
}

// Untyped is the context of files outside every program.
func Untyped() AnalysisContext { return AnalysisContext{} }

// Typed is the context of files belonging to p.
func Typed(p *program.Program) AnalysisContext { return AnalysisContext{program: p} }

func (c AnalysisContext) IsTyped() bool { return c.program != nil }

// Program returns the program of a typed context, nil otherwise.
func (c AnalysisContext) Program() *program.Program { return c.program }

// Handle returns the program handle of a typed context.
func (c AnalysisContext) Handle() (ProgramHandle, bool) {
	if c.program == nil {
		return ProgramHandle{}, false
	}
	return c.program.Handle(), true
}

// Fingerprint distinguishes cached results computed under different
// contexts. Typed results change whenever any file of the program does.
func (c AnalysisContext) Fingerprint() string {
	if c.program == nil {
		return "untyped"
	}
	return "typed:" + c.program.Fingerprint()
}

// view returns the program as rules see it. An untyped context yields a nil
// interface, never a typed nil.
func (c AnalysisContext) view() runtime.ProgramView {
	if c.program == nil {
		return nil
	}
	return c.program
}
