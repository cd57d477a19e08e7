package profile_test

import (
	"testing"

	"github.com/nixpig/clamworker/internal/profile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testProfiles() []profile.Profile {
	return []profile.Profile{
		{
			ID: "tokenise",
			Inputs: []profile.InputTemplate{
				{ID: "text", Format: profile.FormatPlainText, Extension: "txt"},
				{ID: "lexicon", Filename: "lexicon.tsv", Unique: true, Optional: true},
			},
			Outputs: []profile.OutputTemplate{
				{ID: "tokens", Extension: "tok"},
				{
					ID:        "stats",
					Filename:  "stats.json",
					Condition: &profile.Condition{Parameter: "stats", Equals: "true"},
				},
			},
		},
		{
			ID: "align",
			Inputs: []profile.InputTemplate{
				{ID: "source", Filename: "source.txt", Unique: true},
				{ID: "target", Filename: "target.txt", Unique: true},
			},
			Outputs: []profile.OutputTemplate{
				{ID: "alignment", Filename: "alignment.xml"},
			},
		},
		{
			ID: "dup",
			Inputs: []profile.InputTemplate{
				{ID: "text", Format: profile.FormatPlainText},
				{ID: "other", Filename: "source.txt"},
			},
		},
	}
}

func newTestCatalog(t *testing.T) *profile.Catalog {
	t.Helper()

	c, err := profile.NewCatalog(testProfiles())
	require.NoError(t, err)

	return c
}

func TestNewCatalog(t *testing.T) {
	t.Parallel()

	t.Run("Test shared template keeps first definition", func(t *testing.T) {
		t.Parallel()

		c := newTestCatalog(t)

		tmpl, err := c.InputTemplate("text")
		require.NoError(t, err)
		assert.Equal(t, "txt", tmpl.Extension)

		assert.Len(t, c.InputTemplates(), 5)
	})

	t.Run("Test duplicate template in profile", func(t *testing.T) {
		t.Parallel()

		_, err := profile.NewCatalog([]profile.Profile{{
			ID: "p",
			Inputs: []profile.InputTemplate{
				{ID: "a"},
				{ID: "a"},
			},
		}})
		assert.Error(t, err)
	})

	t.Run("Test template without id", func(t *testing.T) {
		t.Parallel()

		_, err := profile.NewCatalog([]profile.Profile{{
			ID:     "p",
			Inputs: []profile.InputTemplate{{Label: "nameless"}},
		}})
		assert.Error(t, err)
	})
}

func TestResolveTemplate(t *testing.T) {
	t.Parallel()

	c := newTestCatalog(t)

	scenarios := map[string]struct {
		filename     string
		explicitID   string
		wantTemplate string
		wantFilename string
		wantErr      error
	}{
		"Test explicit id": {
			filename:     "doc.txt",
			explicitID:   "text",
			wantTemplate: "text",
			wantFilename: "doc.txt",
		},
		"Test explicit unknown id": {
			filename:   "doc.txt",
			explicitID: "nope",
			wantErr:    profile.ErrTemplateNotFound,
		},
		"Test template prefix": {
			filename:     "text/doc.txt",
			wantTemplate: "text",
			wantFilename: "doc.txt",
		},
		"Test unique fixed filename": {
			filename:     "target.txt",
			wantTemplate: "target",
			wantFilename: "target.txt",
		},
		"Test ambiguous fixed filename": {
			filename: "source.txt",
			wantErr:  profile.ErrAmbiguousTemplate,
		},
		"Test no match": {
			filename: "random.bin",
			wantErr:  profile.ErrTemplateNotFound,
		},
	}

	for scenario, config := range scenarios {
		t.Run(scenario, func(t *testing.T) {
			t.Parallel()

			tmpl, filename, err := c.ResolveTemplate(config.filename, config.explicitID)

			if config.wantErr != nil {
				assert.ErrorIs(t, err, config.wantErr)
				assert.True(t, profile.IsNotFound(err))
				return
			}

			require.NoError(t, err)
			assert.Equal(t, config.wantTemplate, tmpl.ID)
			assert.Equal(t, config.wantFilename, filename)
		})
	}
}

func TestMatch(t *testing.T) {
	t.Parallel()

	c := newTestCatalog(t)

	scenarios := map[string]struct {
		counts []string
		want   []string
	}{
		"Test nothing uploaded": {
			counts: nil,
			want:   nil,
		},
		"Test optional template may be absent": {
			counts: []string{"text"},
			want:   []string{"tokenise"},
		},
		"Test unique template over limit": {
			counts: []string{"text", "lexicon", "lexicon"},
			want:   nil,
		},
		"Test multiple profiles match": {
			counts: []string{"text", "source", "target", "other"},
			want:   []string{"tokenise", "align", "dup"},
		},
	}

	for scenario, config := range scenarios {
		t.Run(scenario, func(t *testing.T) {
			t.Parallel()

			counts := make(map[string]int)
			for _, id := range config.counts {
				counts[id]++
			}

			matched, err := c.Match(counts)

			if config.want == nil {
				assert.ErrorIs(t, err, profile.ErrNoMatchingProfile)
				return
			}

			require.NoError(t, err)

			var ids []string
			for _, p := range matched {
				ids = append(ids, p.ID)
			}

			assert.Equal(t, config.want, ids)
		})
	}
}

func TestExpectedOutputs(t *testing.T) {
	t.Parallel()

	profiles := testProfiles()

	t.Run("Test condition not met", func(t *testing.T) {
		t.Parallel()

		outputs := profile.ExpectedOutputs(profiles[:1], map[string]string{})

		require.Len(t, outputs, 1)
		assert.Equal(t, "tokens", outputs[0].ID)
	})

	t.Run("Test condition met", func(t *testing.T) {
		t.Parallel()

		outputs := profile.ExpectedOutputs(
			profiles[:2],
			map[string]string{"stats": "true"},
		)

		var ids []string
		for _, o := range outputs {
			ids = append(ids, o.ID)
		}

		assert.Equal(t, []string{"tokens", "stats", "alignment"}, ids)
	})
}

func TestInputSource(t *testing.T) {
	t.Parallel()

	c, err := profile.NewCatalog([]profile.Profile{{
		ID: "p",
		Inputs: []profile.InputTemplate{{
			ID: "text",
			InputSources: []profile.InputSource{
				{ID: "sample", Path: "/srv/corpora/sample.txt"},
			},
		}},
	}})
	require.NoError(t, err)

	src, tmpl, err := c.InputSource("sample")
	require.NoError(t, err)
	assert.Equal(t, "/srv/corpora/sample.txt", src.Path)
	assert.Equal(t, "text", tmpl.ID)

	_, _, err = c.InputSource("missing")
	assert.Error(t, err)
}
