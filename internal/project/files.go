package project

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Kind selects the input or the output side of a Project.
type Kind int

const (
	KindInput Kind = iota
	KindOutput
)

func (k Kind) String() string {
	if k == KindOutput {
		return "output"
	}

	return "input"
}

func (k Kind) marker() string {
	if k == KindOutput {
		return "OUTPUTTEMPLATE"
	}

	return "INPUTTEMPLATE"
}

const metadataSuffix = ".METADATA"

// File is a non-hidden file in the input or output directory.
type File struct {
	// Name is the path relative to the input or output directory.
	Name    string
	Path    string
	Size    int64
	ModTime time.Time

	// Template is the id of the template the file is indexed under, if any.
	Template string
	Sequence int
}

// IndexEntry is a parsed template index link. The link
// ".<base>.INPUTTEMPLATE.<template>.<seq>" binds file <base> to a template.
type IndexEntry struct {
	Template string
	Sequence int
	Name     string
	Link     string
}

// IndexLinkName returns the name of the index link binding base to a
// template with the given sequence number.
func IndexLinkName(kind Kind, base, templateID string, seq int) string {
	return "." + base + "." + kind.marker() + "." + templateID + "." + strconv.Itoa(seq)
}

// MetadataName returns the name of the metadata file accompanying name,
// relative to the same directory.
func MetadataName(name string) string {
	dir, base := filepath.Split(name)
	return dir + "." + base + metadataSuffix
}

func parseIndexLinkName(kind Kind, name string) (IndexEntry, bool) {
	if !strings.HasPrefix(name, ".") {
		return IndexEntry{}, false
	}

	sep := "." + kind.marker() + "."

	idx := strings.LastIndex(name, sep)
	if idx <= 1 {
		return IndexEntry{}, false
	}

	base := name[1:idx]
	rest := name[idx+len(sep):]

	dot := strings.LastIndex(rest, ".")
	if dot <= 0 {
		return IndexEntry{}, false
	}

	seq, err := strconv.Atoi(rest[dot+1:])
	if err != nil {
		return IndexEntry{}, false
	}

	return IndexEntry{
		Template: rest[:dot],
		Sequence: seq,
		Name:     base,
		Link:     name,
	}, true
}

// Index returns the template index of kind, ordered by sequence number. An
// empty templateID returns the entries of all templates.
func (p *Project) Index(kind Kind, templateID string) ([]IndexEntry, error) {
	entries, err := os.ReadDir(p.kindDir(kind))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("read %s dir: %w", kind, err)
	}

	var index []IndexEntry

	for _, e := range entries {
		if e.Type()&fs.ModeSymlink == 0 {
			continue
		}

		entry, ok := parseIndexLinkName(kind, e.Name())
		if !ok {
			continue
		}

		if templateID != "" && entry.Template != templateID {
			continue
		}

		index = append(index, entry)
	}

	slices.SortFunc(index, func(a, b IndexEntry) int {
		if a.Sequence != b.Sequence {
			return a.Sequence - b.Sequence
		}

		return strings.Compare(a.Name, b.Name)
	})

	return index, nil
}

// NextSequence returns the sequence number to use for the next file bound to
// templateID: one more than the highest in use, starting at 1.
func (p *Project) NextSequence(kind Kind, templateID string) (int, error) {
	index, err := p.Index(kind, templateID)
	if err != nil {
		return 0, err
	}

	next := 1
	for _, e := range index {
		if e.Sequence >= next {
			next = e.Sequence + 1
		}
	}

	return next, nil
}

// Link binds name to templateID by creating its index link. The link is
// what makes a file count towards profile matching.
func (p *Project) Link(kind Kind, name, templateID string, seq int) error {
	link := filepath.Join(
		p.kindDir(kind),
		IndexLinkName(kind, filepath.Base(name), templateID, seq),
	)

	if err := os.Symlink(filepath.Base(name), link); err != nil {
		return fmt.Errorf("create index link: %w", err)
	}

	return nil
}

// FilePath resolves name inside the input or output directory. It returns
// ErrInvalidPath if name would escape it or names the directory itself.
func (p *Project) FilePath(kind Kind, name string) (string, error) {
	base := p.kindDir(kind)

	path := filepath.Join(base, name)
	if !strings.HasPrefix(path, base+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, name)
	}

	return path, nil
}

// MetadataPath returns the absolute path of the metadata file of name.
func (p *Project) MetadataPath(kind Kind, name string) (string, error) {
	return p.FilePath(kind, MetadataName(name))
}

// Files lists the non-hidden files of kind recursively, annotated with their
// template binding.
func (p *Project) Files(kind Kind) ([]File, error) {
	index, err := p.Index(kind, "")
	if err != nil {
		return nil, err
	}

	bound := make(map[string]IndexEntry, len(index))
	for _, e := range index {
		bound[e.Name] = e
	}

	root := p.kindDir(kind)

	var files []File

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == root {
				return fs.SkipAll
			}

			return err
		}

		if path == root {
			return nil
		}

		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return fs.SkipDir
			}

			return nil
		}

		if d.IsDir() {
			return nil
		}

		// Follows symlinks so files added from input sources report the size
		// of their target.
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		f := File{
			Name:    rel,
			Path:    path,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		}

		if e, ok := bound[rel]; ok {
			f.Template = e.Template
			f.Sequence = e.Sequence
		}

		files = append(files, f)

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s dir: %w", kind, err)
	}

	return files, nil
}

// Open opens a file of kind for reading.
func (p *Project) Open(kind Kind, name string) (*os.File, error) {
	path, err := p.FilePath(kind, name)
	if err != nil {
		return nil, err
	}

	if strings.HasPrefix(filepath.Base(path), ".") {
		return nil, ErrFileNotFound
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrFileNotFound
		}

		return nil, fmt.Errorf("open %s file: %w", kind, err)
	}

	return f, nil
}

// DeleteFile removes a file together with its metadata and index links. An
// empty name empties the whole directory.
func (p *Project) DeleteFile(kind Kind, name string) error {
	if name == "" {
		if err := os.RemoveAll(p.kindDir(kind)); err != nil {
			return fmt.Errorf("remove %s dir: %w", kind, err)
		}

		if err := os.MkdirAll(p.kindDir(kind), 0o755); err != nil {
			return fmt.Errorf("make %s dir: %w", kind, err)
		}

		return nil
	}

	path, err := p.FilePath(kind, name)
	if err != nil {
		return err
	}

	if _, err := os.Lstat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrFileNotFound
		}

		return fmt.Errorf("stat %s file: %w", kind, err)
	}

	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove %s file: %w", kind, err)
	}

	meta, err := p.MetadataPath(kind, name)
	if err != nil {
		return err
	}

	if err := removeIfExists(meta); err != nil {
		return fmt.Errorf("remove metadata: %w", err)
	}

	index, err := p.Index(kind, "")
	if err != nil {
		return err
	}

	for _, e := range index {
		if e.Name != filepath.Base(name) {
			continue
		}

		if err := removeIfExists(filepath.Join(p.kindDir(kind), e.Link)); err != nil {
			return fmt.Errorf("remove index link: %w", err)
		}
	}

	p.logger.Debug().Str("file", name).Stringer("kind", kind).Msg("file deleted")

	return nil
}

func (p *Project) kindDir(kind Kind) string {
	if kind == KindOutput {
		return p.OutputDir()
	}

	return p.InputDir()
}
