package upload

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
)

const defaultEncoding = "utf-8"

// writeContents writes inline text in the named encoding. Text containing
// characters the encoding cannot represent is rejected.
func writeContents(w io.Writer, contents, encoding string) error {
	if encoding == "" {
		encoding = defaultEncoding
	}

	enc, err := htmlindex.Get(encoding)
	if err != nil {
		return fmt.Errorf("%w: unknown encoding %q", ErrEncoding, encoding)
	}

	r := transform.NewReader(strings.NewReader(contents), enc.NewEncoder())

	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrEncoding, encoding, err)
	}

	return nil
}
