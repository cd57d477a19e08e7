package project_test

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/nixpig/clamworker/internal/project"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addIndexedInput(t *testing.T, p *project.Project, name, tmpl string, seq int) {
	t.Helper()

	writeSentinel(t, p, filepath.Join("input", name), name)
	writeSentinel(t, p, filepath.Join("input", project.MetadataName(name)), "<CLAMMetaData/>")
	require.NoError(t, p.Link(project.KindInput, name, tmpl, seq))
}

func TestProjectIndex(t *testing.T) {
	t.Parallel()

	t.Run("Test index ordered by sequence", func(t *testing.T) {
		t.Parallel()

		p := newTestProject(t)
		addIndexedInput(t, p, "b.txt", "text", 2)
		addIndexedInput(t, p, "a.txt", "text", 1)
		addIndexedInput(t, p, "c.xml", "folia", 1)

		index, err := p.Index(project.KindInput, "text")
		require.NoError(t, err)
		require.Len(t, index, 2)

		assert.Equal(t, "a.txt", index[0].Name)
		assert.Equal(t, 1, index[0].Sequence)
		assert.Equal(t, ".a.txt.INPUTTEMPLATE.text.1", index[0].Link)
		assert.Equal(t, "b.txt", index[1].Name)

		all, err := p.Index(project.KindInput, "")
		require.NoError(t, err)
		assert.Len(t, all, 3)

		next, err := p.NextSequence(project.KindInput, "text")
		require.NoError(t, err)
		assert.Equal(t, 3, next)

		next, err = p.NextSequence(project.KindInput, "unused")
		require.NoError(t, err)
		assert.Equal(t, 1, next)
	})

	t.Run("Test template ids with dots", func(t *testing.T) {
		t.Parallel()

		p := newTestProject(t)
		addIndexedInput(t, p, "doc.v2.txt", "tmpl.x", 7)

		index, err := p.Index(project.KindInput, "tmpl.x")
		require.NoError(t, err)
		require.Len(t, index, 1)
		assert.Equal(t, "doc.v2.txt", index[0].Name)
		assert.Equal(t, 7, index[0].Sequence)
	})

	t.Run("Test output index", func(t *testing.T) {
		t.Parallel()

		p := newTestProject(t)
		writeSentinel(t, p, "output/out.txt", "out")
		require.NoError(t, p.Link(project.KindOutput, "out.txt", "result", 1))

		index, err := p.Index(project.KindOutput, "result")
		require.NoError(t, err)
		require.Len(t, index, 1)

		inputs, err := p.Index(project.KindInput, "")
		require.NoError(t, err)
		assert.Empty(t, inputs)
	})
}

func TestProjectFiles(t *testing.T) {
	t.Parallel()

	t.Run("Test hidden files skipped and bindings attached", func(t *testing.T) {
		t.Parallel()

		p := newTestProject(t)
		addIndexedInput(t, p, "a.txt", "text", 1)
		writeSentinel(t, p, "output/sub/deep.txt", "deep")
		writeSentinel(t, p, "output/error.log", "")
		writeSentinel(t, p, "output/.hidden", "")

		inputs, err := p.Files(project.KindInput)
		require.NoError(t, err)
		require.Len(t, inputs, 1)
		assert.Equal(t, "a.txt", inputs[0].Name)
		assert.Equal(t, "text", inputs[0].Template)
		assert.Equal(t, 1, inputs[0].Sequence)
		assert.Equal(t, int64(5), inputs[0].Size)

		outputs, err := p.Files(project.KindOutput)
		require.NoError(t, err)

		var names []string
		for _, f := range outputs {
			names = append(names, f.Name)
		}

		assert.ElementsMatch(t, []string{"error.log", filepath.Join("sub", "deep.txt")}, names)
	})

	t.Run("Test open rejects escaping and hidden paths", func(t *testing.T) {
		t.Parallel()

		p := newTestProject(t)
		writeSentinel(t, p, "output/out.txt", "out")

		f, err := p.Open(project.KindOutput, "out.txt")
		require.NoError(t, err)
		data, err := io.ReadAll(f)
		f.Close()
		require.NoError(t, err)
		assert.Equal(t, "out", string(data))

		_, err = p.Open(project.KindOutput, "../.pid")
		assert.ErrorIs(t, err, project.ErrInvalidPath)

		_, err = p.Open(project.KindOutput, ".hidden")
		assert.ErrorIs(t, err, project.ErrFileNotFound)

		_, err = p.Open(project.KindOutput, "missing.txt")
		assert.ErrorIs(t, err, project.ErrFileNotFound)
	})

	t.Run("Test delete refuses the directory itself", func(t *testing.T) {
		t.Parallel()

		for _, kind := range []project.Kind{project.KindInput, project.KindOutput} {
			for _, name := range []string{".", "./", "x/.."} {
				p := newTestProject(t)
				writeSentinel(t, p, filepath.Join(kind.String(), "keep.txt"), "keep")

				err := p.DeleteFile(kind, name)
				assert.ErrorIs(t, err, project.ErrInvalidPath, "%s %q", kind, name)

				_, err = os.Stat(filepath.Join(p.Dir(), kind.String(), "keep.txt"))
				assert.NoError(t, err, "%s %q", kind, name)

				_, err = p.FilePath(kind, name)
				assert.ErrorIs(t, err, project.ErrInvalidPath, "%s %q", kind, name)
			}
		}
	})

	t.Run("Test delete removes metadata and index", func(t *testing.T) {
		t.Parallel()

		p := newTestProject(t)
		addIndexedInput(t, p, "a.txt", "text", 1)
		addIndexedInput(t, p, "b.txt", "text", 2)

		require.NoError(t, p.DeleteFile(project.KindInput, "a.txt"))

		assert.NoFileExists(t, filepath.Join(p.InputDir(), "a.txt"))
		assert.NoFileExists(t, filepath.Join(p.InputDir(), ".a.txt.METADATA"))

		index, err := p.Index(project.KindInput, "text")
		require.NoError(t, err)
		require.Len(t, index, 1)
		assert.Equal(t, "b.txt", index[0].Name)

		err = p.DeleteFile(project.KindInput, "a.txt")
		assert.ErrorIs(t, err, project.ErrFileNotFound)
	})

	t.Run("Test delete all", func(t *testing.T) {
		t.Parallel()

		p := newTestProject(t)
		addIndexedInput(t, p, "a.txt", "text", 1)

		require.NoError(t, p.DeleteFile(project.KindInput, ""))

		entries, err := os.ReadDir(p.InputDir())
		require.NoError(t, err)
		assert.Empty(t, entries)
	})
}
