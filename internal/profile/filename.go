package profile

import (
	"crypto/rand"
	"encoding/hex"
	"slices"
	"strconv"
	"strings"
)

// ResolveFilename decides the stored name of an input file.
//
// A template with a fixed filename always wins, with '#' replaced by seq and
// $ID replaced by the value of parameter ID. Otherwise the requested name is
// kept, or a name "<seq>-<random hex>" is generated when none was given. A
// template extension is then enforced: a case-insensitive match is
// normalised to the template's case, a missing extension is appended.
func ResolveFilename(t *InputTemplate, requested string, seq int, params map[string]string) string {
	name := requested

	switch {
	case t.Filename != "":
		name = expandFilename(t.Filename, seq, params)
	case name == "":
		name = strconv.Itoa(seq) + "-" + randomHex()
	}

	return withExtension(name, t.Extension)
}

// IsArchiveName reports whether name has an extension of a supported archive
// format.
func IsArchiveName(name string) bool {
	return ArchiveFormat(name) != ""
}

// ArchiveFormat returns the archive format implied by the extension of name:
// "zip", "tar", "tar.gz" or "tar.bz2". It returns "" for anything else.
func ArchiveFormat(name string) string {
	lower := strings.ToLower(name)

	switch {
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return "tar.gz"
	case strings.HasSuffix(lower, ".tar.bz2"):
		return "tar.bz2"
	case strings.HasSuffix(lower, ".tar"):
		return "tar"
	case strings.HasSuffix(lower, ".zip"):
		return "zip"
	default:
		return ""
	}
}

func expandFilename(pattern string, seq int, params map[string]string) string {
	name := strings.ReplaceAll(pattern, "#", strconv.Itoa(seq))

	if !strings.Contains(name, "$") {
		return name
	}

	return expandParams(name, params)
}

// expandParams replaces $ID with the value of parameter ID. Longer ids are
// replaced first so $LANG does not clobber $LANGUAGE.
func expandParams(s string, params map[string]string) string {
	ids := make([]string, 0, len(params))
	for id := range params {
		ids = append(ids, id)
	}

	slices.SortFunc(ids, func(a, b string) int {
		return len(b) - len(a)
	})

	for _, id := range ids {
		s = strings.ReplaceAll(s, "$"+id, params[id])
	}

	return s
}

func withExtension(name, ext string) string {
	if ext == "" {
		return name
	}

	suffix := "." + ext
	if len(name) >= len(suffix) &&
		strings.EqualFold(name[len(name)-len(suffix):], suffix) {
		return name[:len(name)-len(suffix)] + suffix
	}

	return name + suffix
}

func randomHex() string {
	b := make([]byte, 16)
	rand.Read(b)

	return hex.EncodeToString(b)
}
