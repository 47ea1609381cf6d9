package gitignore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatch_BasenamePatterns(t *testing.T) {
	m := New()
	m.AddPattern("*.min.js")
	m.AddPattern("secret.txt")

	assert.True(t, m.Match("app.min.js", false))
	assert.True(t, m.Match("dist/bundle.min.js", false))
	assert.True(t, m.Match("a/b/secret.txt", false))
	assert.False(t, m.Match("app.js", false))
}

func TestMatch_DirectoryOnly(t *testing.T) {
	m := New()
	m.AddPattern("dist/")
	m.AddPattern("coverage/")

	assert.True(t, m.Match("dist", true))
	assert.True(t, m.Match("dist/app.js", false))
	assert.True(t, m.Match("pkg/coverage/report.html", false))
	// A file named like the directory pattern is not ignored.
	assert.False(t, m.Match("dist", false))
}

func TestMatch_Anchored(t *testing.T) {
	m := New()
	m.AddPattern("/build")
	m.AddPattern("doc/frotz")

	assert.True(t, m.Match("build", false))
	assert.False(t, m.Match("sub/build", false))
	assert.True(t, m.Match("doc/frotz", false))
	assert.False(t, m.Match("other/doc/frotz", false))
}

func TestMatch_Negation(t *testing.T) {
	m := New()
	m.AddPattern("*.log")
	m.AddPattern("!keep.log")

	assert.True(t, m.Match("debug.log", false))
	assert.False(t, m.Match("keep.log", false))
}

func TestMatch_DoubleStar(t *testing.T) {
	m := New()
	m.AddPattern("**/generated")
	m.AddPattern("docs/**/draft.md")

	assert.True(t, m.Match("generated", false))
	assert.True(t, m.Match("a/b/generated", false))
	assert.True(t, m.Match("docs/v1/nested/draft.md", false))
	assert.False(t, m.Match("src/draft.md", false))
}

func TestMatch_QuestionMarkAndClass(t *testing.T) {
	m := New()
	m.AddPattern("file?.txt")
	m.AddPattern("[ab].md")

	assert.True(t, m.Match("file1.txt", false))
	assert.False(t, m.Match("file12.txt", false))
	assert.True(t, m.Match("a.md", false))
	assert.False(t, m.Match("c.md", false))
}

func TestMatch_NestedBase(t *testing.T) {
	m := New()
	m.AddPatternWithBase("*.tmp", "sub")

	assert.True(t, m.Match("sub/x.tmp", false))
	assert.True(t, m.Match("sub/deep/x.tmp", false))
	assert.False(t, m.Match("x.tmp", false))
	assert.False(t, m.Match("other/x.tmp", false))
}

func TestMatch_CommentsAndBlanksSkipped(t *testing.T) {
	m := New()
	m.AddPattern("# comment")
	m.AddPattern("   ")
	m.AddPattern("")
	assert.Equal(t, 0, m.Len())

	m.AddPattern(`\#literal`)
	assert.True(t, m.Match("#literal", false))
}

func TestAddFile(t *testing.T) {
	dir := t.TempDir()
	content := "# build output\ndist/\n*.min.js\n!keep.min.js\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".gitignore"), []byte(content), 0o644))

	m := New()
	require.NoError(t, m.AddFile(filepath.Join(dir, ".gitignore"), ""))
	assert.Equal(t, 3, m.Len())
	assert.True(t, m.Match("dist/app.js", false))
	assert.True(t, m.Match("app.min.js", false))
	assert.False(t, m.Match("keep.min.js", false))
}

func TestAddFile_MissingIsNoError(t *testing.T) {
	m := New()
	require.NoError(t, m.AddFile(filepath.Join(t.TempDir(), ".gitignore"), ""))
	assert.Equal(t, 0, m.Len())
}
