package profile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/shlex"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
)

const (
	placeholderInputFile  = "$INPUTFILE"
	placeholderOutputFile = "$OUTPUTFILE"
)

// CommandConverter converts a file with an external command. $INPUTFILE and
// $OUTPUTFILE in the arguments are replaced by the source and a temporary
// target path; without $OUTPUTFILE the command's stdout is the result.
type CommandConverter struct {
	argv []string
}

// NewCommandConverter parses command with shell-like word splitting.
func NewCommandConverter(command string) (*CommandConverter, error) {
	argv, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("split converter command: %w", err)
	}

	if len(argv) == 0 {
		return nil, errors.New("converter command cannot be empty")
	}

	return &CommandConverter{argv: argv}, nil
}

func (c *CommandConverter) Convert(ctx context.Context, path string, meta *Metadata) error {
	out, err := os.CreateTemp(filepath.Dir(path), ".convert-*")
	if err != nil {
		return fmt.Errorf("create conversion target: %w", err)
	}
	defer os.Remove(out.Name())

	var toStdout = true

	args := make([]string, 0, len(c.argv))
	for _, a := range c.argv[1:] {
		if strings.Contains(a, placeholderOutputFile) {
			toStdout = false
		}

		a = strings.ReplaceAll(a, placeholderInputFile, path)
		a = strings.ReplaceAll(a, placeholderOutputFile, out.Name())
		args = append(args, a)
	}

	cmd := exec.CommandContext(ctx, c.argv[0], args...)

	var stderr strings.Builder
	cmd.Stderr = &stderr

	if toStdout {
		cmd.Stdout = out
	}

	runErr := cmd.Run()

	if err := out.Close(); err != nil && runErr == nil {
		runErr = err
	}

	if runErr != nil {
		return fmt.Errorf(
			"%w: %s: %v: %s",
			ErrConversionFailed,
			c.argv[0],
			runErr,
			strings.TrimSpace(stderr.String()),
		)
	}

	if err := os.Rename(out.Name(), path); err != nil {
		return fmt.Errorf("replace converted file: %w", err)
	}

	recordConversion(meta, c.argv[0])

	return nil
}

// CharsetConverter re-encodes a text file from a named character encoding
// to UTF-8.
type CharsetConverter struct {
	from string
}

// NewCharsetConverter returns a converter from the encoding named from, which
// may be any WHATWG encoding label such as "latin1" or "windows-1252".
func NewCharsetConverter(from string) (*CharsetConverter, error) {
	if _, err := htmlindex.Get(from); err != nil {
		return nil, fmt.Errorf("unknown encoding %q: %w", from, err)
	}

	return &CharsetConverter{from: from}, nil
}

func (c *CharsetConverter) Convert(ctx context.Context, path string, meta *Metadata) error {
	enc, err := htmlindex.Get(c.from)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConversionFailed, err)
	}

	in, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open conversion source: %w", err)
	}
	defer in.Close()

	out, err := os.CreateTemp(filepath.Dir(path), ".convert-*")
	if err != nil {
		return fmt.Errorf("create conversion target: %w", err)
	}
	defer os.Remove(out.Name())

	_, copyErr := io.Copy(out, transform.NewReader(in, enc.NewDecoder()))

	if err := out.Close(); err != nil && copyErr == nil {
		copyErr = err
	}

	if copyErr != nil {
		return fmt.Errorf("%w: %v", ErrConversionFailed, copyErr)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.Rename(out.Name(), path); err != nil {
		return fmt.Errorf("replace converted file: %w", err)
	}

	if meta != nil {
		if meta.Attributes == nil {
			meta.Attributes = make(map[string]string)
		}

		meta.Attributes["encoding"] = "utf-8"
	}

	recordConversion(meta, "charset:"+c.from)

	return nil
}

func recordConversion(meta *Metadata, converter string) {
	if meta == nil {
		return
	}

	if meta.Provenance == nil {
		meta.Provenance = &Provenance{}
	}

	meta.Provenance.Converter = converter
}
