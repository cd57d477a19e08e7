package profile_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/nixpig/clamworker/internal/profile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	return path
}

func TestBuiltinValidators(t *testing.T) {
	t.Parallel()

	scenarios := map[string]struct {
		format string
		data   []byte
		valid  bool
	}{
		"Test plaintext accepts UTF-8": {
			format: profile.FormatPlainText,
			data:   []byte("On espère que tout ça marche bien.\n"),
			valid:  true,
		},
		"Test plaintext rejects binary": {
			format: profile.FormatPlainText,
			data:   []byte{0x89, 'P', 'N', 'G', 0x00, 0x00, 0x01},
			valid:  false,
		},
		"Test plaintext rejects latin1": {
			format: profile.FormatPlainText,
			data:   []byte("caf\xe9\n"),
			valid:  false,
		},
		"Test xml accepts document": {
			format: profile.FormatXML,
			data:   []byte(`<?xml version="1.0"?><doc><p>hi</p></doc>`),
			valid:  true,
		},
		"Test xml rejects unclosed": {
			format: profile.FormatXML,
			data:   []byte(`<doc><p>hi</doc>`),
			valid:  false,
		},
		"Test xml rejects plain text": {
			format: profile.FormatXML,
			data:   []byte("just text"),
			valid:  false,
		},
		"Test json accepts object": {
			format: profile.FormatJSON,
			data:   []byte(`{"a": [1, 2, 3]}`),
			valid:  true,
		},
		"Test json rejects trailing data": {
			format: profile.FormatJSON,
			data:   []byte(`{"a": 1} {"b": 2}`),
			valid:  false,
		},
		"Test empty format accepts anything": {
			format: "",
			data:   []byte{0x00, 0xff},
			valid:  true,
		},
	}

	registry := profile.NewRegistry()

	for scenario, config := range scenarios {
		t.Run(scenario, func(t *testing.T) {
			t.Parallel()

			v, err := registry.Validator(config.format)
			require.NoError(t, err)

			err = v.Validate(writeFile(t, "input", config.data))
			if config.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestRegistryLookups(t *testing.T) {
	t.Parallel()

	registry := profile.NewRegistry()

	_, err := registry.Validator("folia")
	assert.ErrorIs(t, err, profile.ErrUnknownValidator)

	_, err = registry.Converter("latin1")
	assert.ErrorIs(t, err, profile.ErrUnknownConverter)

	_, err = registry.Viewer("html")
	assert.ErrorIs(t, err, profile.ErrUnknownViewer)

	conv, err := profile.NewCharsetConverter("latin1")
	require.NoError(t, err)
	registry.RegisterConverter("latin1", conv)

	got, err := registry.Converter("latin1")
	require.NoError(t, err)
	assert.Same(t, conv, got)
}

func TestCommandValidator(t *testing.T) {
	t.Parallel()

	t.Run("Test exit status decides validity", func(t *testing.T) {
		t.Parallel()

		accept, err := profile.NewCommandValidator("test -s")
		require.NoError(t, err)

		assert.NoError(t, accept.Validate(writeFile(t, "full", []byte("x"))))
		assert.Error(t, accept.Validate(writeFile(t, "empty", nil)))
	})

	t.Run("Test empty command", func(t *testing.T) {
		t.Parallel()

		_, err := profile.NewCommandValidator("  ")
		assert.Error(t, err)
	})
}

func TestConverters(t *testing.T) {
	t.Parallel()

	t.Run("Test charset converter", func(t *testing.T) {
		t.Parallel()

		path := writeFile(t, "in.txt", []byte("caf\xe9\n"))

		conv, err := profile.NewCharsetConverter("latin1")
		require.NoError(t, err)

		meta := &profile.Metadata{}
		require.NoError(t, conv.Convert(t.Context(), path, meta))

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "café\n", string(data))
		assert.Equal(t, "utf-8", meta.Attributes["encoding"])
		assert.Equal(t, "charset:latin1", meta.Provenance.Converter)
	})

	t.Run("Test unknown charset", func(t *testing.T) {
		t.Parallel()

		_, err := profile.NewCharsetConverter("klingon")
		assert.Error(t, err)
	})

	t.Run("Test command converter with stdout", func(t *testing.T) {
		t.Parallel()

		path := writeFile(t, "in.txt", []byte("hello\n"))

		conv, err := profile.NewCommandConverter(`sh -c "tr a-z A-Z < $INPUTFILE"`)
		require.NoError(t, err)

		require.NoError(t, conv.Convert(t.Context(), path, nil))

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "HELLO\n", string(data))
	})

	t.Run("Test command converter with output file", func(t *testing.T) {
		t.Parallel()

		path := writeFile(t, "in.txt", []byte("hello\n"))

		conv, err := profile.NewCommandConverter("cp $INPUTFILE $OUTPUTFILE")
		require.NoError(t, err)

		meta := &profile.Metadata{}
		require.NoError(t, conv.Convert(t.Context(), path, meta))

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "hello\n", string(data))
		assert.Equal(t, "cp", meta.Provenance.Converter)
	})

	t.Run("Test failing command converter leaves file", func(t *testing.T) {
		t.Parallel()

		path := writeFile(t, "in.txt", []byte("hello\n"))

		conv, err := profile.NewCommandConverter("false")
		require.NoError(t, err)

		err = conv.Convert(t.Context(), path, nil)
		assert.ErrorIs(t, err, profile.ErrConversionFailed)

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "hello\n", string(data))
	})
}

func TestRawViewer(t *testing.T) {
	t.Parallel()

	registry := profile.NewRegistry()

	v, err := registry.Viewer(profile.ViewerRaw)
	require.NoError(t, err)

	path := writeFile(t, "out.json", []byte(`{"a": 1}`))

	var buf bytes.Buffer
	require.NoError(t, v.View(&buf, path))
	assert.Equal(t, `{"a": 1}`, buf.String())
	assert.NotEmpty(t, v.MimeType(path))
}
