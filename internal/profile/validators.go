package profile

import (
	"bufio"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"unicode/utf8"

	"github.com/go-enry/go-enry/v2"
	"github.com/google/shlex"
)

// binarySniffLen matches the prefix enry inspects for NUL bytes.
const binarySniffLen = 8000

type anyValidator struct{}

func (anyValidator) Validate(string) error {
	return nil
}

type plainTextValidator struct{}

func (plainTextValidator) Validate(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, binarySniffLen)

	head, err := r.Peek(binarySniffLen)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return err
	}

	if enry.IsBinary(head) {
		return errors.New("file has binary content")
	}

	for offset := 0; ; {
		ch, size, err := r.ReadRune()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}

			return err
		}

		if ch == utf8.RuneError && size == 1 {
			return fmt.Errorf("invalid UTF-8 at byte %d", offset)
		}

		offset += size
	}
}

type xmlValidator struct{}

func (xmlValidator) Validate(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := xml.NewDecoder(f)

	var root bool

	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}

			return fmt.Errorf("malformed XML: %w", err)
		}

		if _, ok := tok.(xml.StartElement); ok {
			root = true
		}
	}

	if !root {
		return errors.New("no XML root element")
	}

	return nil
}

type jsonValidator struct{}

func (jsonValidator) Validate(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := json.NewDecoder(f)

	var v json.RawMessage
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("malformed JSON: %w", err)
	}

	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("trailing data after JSON value")
	}

	return nil
}

// CommandValidator accepts a file when an external command exits zero. The
// file path is appended to the command's arguments.
type CommandValidator struct {
	argv []string
}

// NewCommandValidator parses command with shell-like word splitting.
func NewCommandValidator(command string) (*CommandValidator, error) {
	argv, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("split validator command: %w", err)
	}

	if len(argv) == 0 {
		return nil, errors.New("validator command cannot be empty")
	}

	return &CommandValidator{argv: argv}, nil
}

func (v *CommandValidator) Validate(path string) error {
	args := append(append([]string{}, v.argv[1:]...), path)

	out, err := exec.CommandContext(context.Background(), v.argv[0], args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("validator %s rejected file: %w: %s", v.argv[0], err, firstLine(out))
	}

	return nil
}

func firstLine(b []byte) string {
	for i, c := range b {
		if c == '\n' {
			return string(b[:i])
		}
	}

	return string(b)
}
