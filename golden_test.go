package understory

import (
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jward/understory/internal/paths"
)

// Golden test format.
type goldenFile struct {
	Rules  []RuleConfig  `json:"rules"`
	Issues []goldenIssue `json:"issues"`
}

type goldenIssue struct {
	File string `json:"file"`
	Rule string `json:"rule"`
	Line int    `json:"line"`
}

// TestGolden runs every testdata/<case>/ directory holding a golden.json
// and a src/ tree, analysing the case as one project.
func TestGolden(t *testing.T) {
	cases, err := os.ReadDir("testdata")
	if err != nil {
		t.Skip("no testdata directory found")
	}

	for _, c := range cases {
		if !c.IsDir() {
			continue
		}
		caseDir := filepath.Join("testdata", c.Name())
		goldenPath := filepath.Join(caseDir, "golden.json")
		if _, err := os.Stat(goldenPath); err != nil {
			continue
		}
		if _, err := os.Stat(filepath.Join(caseDir, "src")); err != nil {
			continue
		}

		t.Run(c.Name(), func(t *testing.T) {
			runGoldenTest(t, caseDir, goldenPath)
		})
	}
}

func runGoldenTest(t *testing.T, caseDir, goldenPath string) {
	t.Helper()

	goldenData, err := os.ReadFile(goldenPath)
	require.NoError(t, err)
	var golden goldenFile
	require.NoError(t, json.Unmarshal(goldenData, &golden))

	root, err := filepath.Abs(caseDir)
	require.NoError(t, err)

	e := newTestEngine(t)
	require.NoError(t, e.Initialize(golden.Rules))

	// List src/ explicitly so discovery never depends on the enclosing
	// repository's git state.
	var files []FileRecord
	err = filepath.WalkDir(filepath.Join(root, "src"), func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		files = append(files, FileRecord{Path: filepath.ToSlash(rel), Status: Added})
		return nil
	})
	require.NoError(t, err)

	res, err := e.AnalyzeProject(context.Background(), ProjectInput{Root: root, Files: files}, nil)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, res.Status)

	var actual []goldenIssue
	for _, f := range res.Files {
		require.Nil(t, f.ParsingError, "parse error in %s", f.Path)
		require.Nil(t, f.Error, "rule error in %s", f.Path)
		rel := paths.Rel(paths.Normalize(root), f.Path)
		for _, is := range f.Issues {
			actual = append(actual, goldenIssue{File: rel, Rule: is.RuleID, Line: is.Line})
		}
	}
	assert.ElementsMatch(t, golden.Issues, actual)
}
