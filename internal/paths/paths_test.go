package paths

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize_CleansAndSlashes(t *testing.T) {
	assert.Equal(t, "/proj/src", Normalize("/proj/./lib/../src/"))
	assert.Equal(t, "", Normalize(""))
}

func TestDir(t *testing.T) {
	assert.Equal(t, "/proj", Dir("/proj/src"))
	assert.Equal(t, "/", Dir("/proj"))
	assert.Equal(t, "c:/", Dir("c:/proj"))
}

func TestIsWithin(t *testing.T) {
	assert.True(t, IsWithin("/proj/src/a.js", "/proj"))
	assert.True(t, IsWithin("/proj", "/proj"))
	assert.False(t, IsWithin("/project/a.js", "/proj"))
	assert.True(t, IsWithin("/anything", "/"))
}

func TestRel(t *testing.T) {
	assert.Equal(t, "src/a.js", Rel("/proj", "/proj/src/a.js"))
	assert.Equal(t, ".", Rel("/proj", "/proj"))
	assert.Equal(t, "/other/a.js", Rel("/proj", "/other/a.js"))
}
