package ignore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBareNameMatchesAnyDepth(t *testing.T) {
	m := New("*.log")

	assert.True(t, m.Match("debug.log", false))
	assert.True(t, m.Match("a/b/debug.log", false))
	assert.False(t, m.Match("debug.logs", false))
	assert.False(t, m.Match("notes.txt", false))
}

func TestDirOnlyPattern(t *testing.T) {
	m := New("build/")

	assert.True(t, m.Match("build", true))
	assert.False(t, m.Match("build", false))
	assert.True(t, m.Match("build/out/a.o", false))
	assert.True(t, m.Match("sub/build/a.o", false))
	assert.False(t, m.Match("builds/a.o", false))
}

func TestAnchoredPatterns(t *testing.T) {
	m := New("/secrets.txt", "docs/drafts")

	assert.True(t, m.Match("secrets.txt", false))
	assert.False(t, m.Match("sub/secrets.txt", false))
	assert.True(t, m.Match("docs/drafts", false))
	assert.False(t, m.Match("x/docs/drafts", false))
}

func TestDotDirectoryPattern(t *testing.T) {
	m := New(".git/")

	assert.True(t, m.Match(".git", true))
	assert.True(t, m.Match(".git/config", false))
	assert.True(t, m.Match(".git/objects/ab/cdef", false))
	assert.False(t, m.Match(".gitignore", false))
}

func TestDoubleStar(t *testing.T) {
	m := New("data/**/*.tmp")

	assert.True(t, m.Match("data/a.tmp", false))
	assert.True(t, m.Match("data/x/y/a.tmp", false))
	assert.False(t, m.Match("other/a.tmp", false))
}

func TestQuestionMark(t *testing.T) {
	m := New("v?.yaml")

	assert.True(t, m.Match("v1.yaml", false))
	assert.False(t, m.Match("v12.yaml", false))
}

func TestBlankAndCommentSkipped(t *testing.T) {
	m := New("", "  ", "# a comment", "*.bak")

	assert.True(t, m.Match("old.bak", false))
	assert.False(t, m.Match("# a comment", false))
}

func TestRootNeverMatches(t *testing.T) {
	m := New("*")
	assert.False(t, m.Match(".", true))
	assert.False(t, m.Match("", true))
}
