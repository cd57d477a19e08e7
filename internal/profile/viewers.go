package profile

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-enry/go-enry/v2"
)

const sniffLen = 512

// DetectMimeType guesses the content type of a stored file from its name
// and first bytes.
func DetectMimeType(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return "application/octet-stream"
	}
	defer f.Close()

	head, _ := bufio.NewReaderSize(f, sniffLen).Peek(sniffLen)

	language := enry.GetLanguage(filepath.Base(path), head)
	if language != "" {
		if mime := enry.GetMIMEType(path, language); mime != "" {
			return mime
		}
	}

	if len(head) == 0 {
		return "text/plain"
	}

	detected := http.DetectContentType(head)
	if idx := strings.Index(detected, ";"); idx != -1 {
		detected = detected[:idx]
	}

	return strings.TrimSpace(detected)
}

type rawViewer struct{}

func (rawViewer) MimeType(path string) string {
	return DetectMimeType(path)
}

func (rawViewer) View(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("copy file: %w", err)
	}

	return nil
}
