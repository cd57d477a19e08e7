package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"maps"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nixpig/clamworker/internal/profile"
	"github.com/nixpig/clamworker/internal/project"
	"github.com/rs/zerolog"
)

// Provenance sources recorded in the metadata of added files.
const (
	SourceUpload      = "upload"
	SourceURL         = "url"
	SourceContents    = "contents"
	SourceInputSource = "inputsource"
	SourceArchive     = "archive"
)

// disallowed are the characters a stored filename may not contain.
const disallowed = "/&|<>;\"'`{}\n\r\b\t\\"

// Request describes one input to add. Exactly one of Body, URL, Contents and
// InputSource must be set.
type Request struct {
	// Filename is the requested name. A "<template>/" prefix selects the
	// template when TemplateID is empty.
	Filename   string
	TemplateID string

	Body        io.Reader
	URL         string
	Contents    string
	InputSource string

	// Converter is the id of one of the template's converters to apply
	// before validation.
	Converter string

	Metadata map[string]string

	// Parameters fill $ID placeholders in fixed template filenames.
	Parameters map[string]string
}

// AddedFile is an input file that passed validation and was indexed.
type AddedFile struct {
	Name     string
	Template string
	Sequence int
	Metadata *profile.Metadata
}

// Uploader runs the input pipeline against a Catalog and Registry.
type Uploader struct {
	catalog  *profile.Catalog
	registry *profile.Registry
	client   *http.Client
	logger   zerolog.Logger

	// mu serialises sequence allocation through index link creation.
	mu sync.Mutex
}

type Option func(*Uploader)

func WithLogger(logger zerolog.Logger) Option {
	return func(u *Uploader) {
		u.logger = logger
	}
}

// WithHTTPClient replaces the client used to fetch URL inputs.
func WithHTTPClient(client *http.Client) Option {
	return func(u *Uploader) {
		u.client = client
	}
}

// NewUploader returns an Uploader. URL inputs are fetched with a retrying
// client unless WithHTTPClient is given.
func NewUploader(catalog *profile.Catalog, registry *profile.Registry, opts ...Option) *Uploader {
	u := &Uploader{
		catalog:  catalog,
		registry: registry,
		logger:   zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(u)
	}

	if u.client == nil {
		u.client = NewHTTPClient(u.logger)
	}

	return u
}

// staged is a file waiting in the staging area to be committed to input/.
type staged struct {
	name string
	path string

	// link is set for input sources, which are symlinked rather than moved.
	link bool
}

// job carries the per-request decisions shared by every staged file.
type job struct {
	template  *profile.InputTemplate
	attrs     map[string]string
	params    map[string]string
	source    string
	converter profile.Converter
	converted string
	validator profile.Validator
}

// Add runs the pipeline for req. An archive accepted by its template yields
// one AddedFile per member that passed validation; members that failed are
// reported in the joined error alongside the files that were added.
func (u *Uploader) Add(ctx context.Context, p *project.Project, req Request) ([]AddedFile, error) {
	if err := checkSources(req); err != nil {
		return nil, err
	}

	if req.InputSource != "" {
		return u.addInputSource(ctx, p, req)
	}

	filename := req.Filename
	if filename == "" && req.URL != "" {
		filename = urlBase(req.URL)
	}

	tmpl, name, err := u.catalog.ResolveTemplate(filename, req.TemplateID)
	if err != nil {
		return nil, err
	}

	if tmpl.OnlyInputSource {
		return nil, fmt.Errorf("%w: %s", ErrOnlyInputSource, tmpl.ID)
	}

	if tmpl.Filename == "" && name != "" {
		if err := checkFilename(name); err != nil {
			return nil, err
		}
	}

	j, err := u.prepare(p, tmpl, req)
	if err != nil {
		return nil, err
	}

	switch {
	case req.URL != "":
		j.source = SourceURL
	case req.Body != nil:
		j.source = SourceUpload
	default:
		j.source = SourceContents
	}

	area, cleanup, err := stagingArea(p)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	stagePath := filepath.Join(area, "upload")

	if err := u.transfer(ctx, req, j.attrs, stagePath); err != nil {
		return nil, err
	}

	if tmpl.AcceptArchive && profile.IsArchiveName(name) {
		return u.addArchive(ctx, p, j, area, stagePath, profile.ArchiveFormat(name))
	}

	f, err := u.commit(ctx, p, j, staged{name: name, path: stagePath})
	if err != nil {
		return nil, err
	}

	return []AddedFile{f}, nil
}

// prepare checks everything that can be decided before any byte is written.
func (u *Uploader) prepare(p *project.Project, tmpl *profile.InputTemplate, req Request) (*job, error) {
	if err := u.checkUnique(p, tmpl); err != nil {
		return nil, err
	}

	j := &job{template: tmpl, params: req.Parameters}

	var err error

	if req.Converter != "" {
		if !tmpl.HasConverter(req.Converter) {
			return nil, fmt.Errorf(
				"%w: %q is not a converter of template %s",
				profile.ErrUnknownConverter,
				req.Converter,
				tmpl.ID,
			)
		}

		if j.converter, err = u.registry.Converter(req.Converter); err != nil {
			return nil, err
		}

		j.converted = req.Converter
	}

	if j.validator, err = u.registry.Validator(tmpl.Format); err != nil {
		return nil, err
	}

	if j.attrs, err = tmpl.Attributes.Validate(req.Metadata); err != nil {
		return nil, err
	}

	return j, nil
}

func (u *Uploader) checkUnique(p *project.Project, tmpl *profile.InputTemplate) error {
	if !tmpl.Unique {
		return nil
	}

	index, err := p.Index(project.KindInput, tmpl.ID)
	if err != nil {
		return err
	}

	if len(index) > 0 {
		return fmt.Errorf("%w: %s already holds %s", ErrUniqueTemplate, tmpl.ID, index[0].Name)
	}

	return nil
}

func (u *Uploader) transfer(ctx context.Context, req Request, attrs map[string]string, dst string) error {
	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create staged file: %w", err)
	}

	switch {
	case req.URL != "":
		err = u.fetch(ctx, req.URL, f)
	case req.Body != nil:
		_, err = io.Copy(f, req.Body)
	default:
		err = writeContents(f, req.Contents, attrs["encoding"])
	}

	if closeErr := f.Close(); closeErr != nil && err == nil {
		err = closeErr
	}

	if err != nil {
		return fmt.Errorf("transfer input: %w", err)
	}

	return nil
}

// commit moves a staged file into input/ under its resolved name, converts
// and validates it, then saves its metadata and creates its index link.
func (u *Uploader) commit(ctx context.Context, p *project.Project, j *job, s staged) (AddedFile, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	tmpl := j.template

	if err := u.checkUnique(p, tmpl); err != nil {
		return AddedFile{}, err
	}

	seq := 0
	if !tmpl.Unique {
		next, err := p.NextSequence(project.KindInput, tmpl.ID)
		if err != nil {
			return AddedFile{}, err
		}

		seq = next
	}

	name := profile.ResolveFilename(tmpl, s.name, seq, j.params)

	if err := checkFilename(name); err != nil {
		return AddedFile{}, err
	}

	dst, err := p.FilePath(project.KindInput, name)
	if err != nil {
		return AddedFile{}, err
	}

	if _, err := os.Lstat(dst); err == nil {
		return AddedFile{}, fmt.Errorf("%w: %s", ErrFileExists, name)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return AddedFile{}, fmt.Errorf("stat input file: %w", err)
	}

	if s.link {
		err = os.Symlink(s.path, dst)
	} else {
		err = os.Rename(s.path, dst)
	}

	if err != nil {
		return AddedFile{}, fmt.Errorf("store input file: %w", err)
	}

	logger := u.logger.With().
		Str("project", p.ID()).
		Str("template", tmpl.ID).
		Str("file", name).
		Logger()

	meta := &profile.Metadata{
		Format:        tmpl.Format,
		InputTemplate: tmpl.ID,
		Attributes:    maps.Clone(j.attrs),
		Provenance: &profile.Provenance{
			Source: j.source,
			Added:  time.Now().UTC(),
		},
	}

	if j.converter != nil {
		if err := j.converter.Convert(ctx, dst, meta); err != nil {
			os.Remove(dst)
			return AddedFile{}, fmt.Errorf("convert %s with %s: %w", name, j.converted, err)
		}
	}

	if err := j.validator.Validate(dst); err != nil {
		os.Remove(dst)
		logger.Info().Err(err).Msg("input rejected by validator")

		return AddedFile{}, &FormatError{Name: name, Template: tmpl.ID, Err: err}
	}

	metaPath, err := p.MetadataPath(project.KindInput, name)
	if err != nil {
		os.Remove(dst)
		return AddedFile{}, err
	}

	if err := meta.Save(metaPath); err != nil {
		os.Remove(dst)
		return AddedFile{}, fmt.Errorf("save metadata: %w", err)
	}

	if err := p.Link(project.KindInput, name, tmpl.ID, seq); err != nil {
		os.Remove(dst)
		os.Remove(metaPath)

		return AddedFile{}, err
	}

	logger.Info().Int("seq", seq).Str("source", j.source).Msg("input added")

	return AddedFile{
		Name:     name,
		Template: tmpl.ID,
		Sequence: seq,
		Metadata: meta,
	}, nil
}

func checkSources(req Request) error {
	n := 0

	for _, set := range []bool{
		req.Body != nil,
		req.URL != "",
		req.Contents != "",
		req.InputSource != "",
	} {
		if set {
			n++
		}
	}

	switch n {
	case 0:
		return ErrNoSource
	case 1:
		return nil
	default:
		return ErrMultipleSources
	}
}

func checkFilename(name string) error {
	if name == "" || name == "." || name == ".." || strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidFilename, name)
	}

	if strings.ContainsAny(name, disallowed) {
		return fmt.Errorf("%w: %q contains a disallowed character", ErrInvalidFilename, name)
	}

	return nil
}

// stagingArea creates a hidden scratch directory inside the project so
// staged files can be renamed into input/ without crossing filesystems.
func stagingArea(p *project.Project) (string, func(), error) {
	dir := filepath.Join(p.Dir(), ".upload-"+uuid.NewString())

	if err := os.Mkdir(dir, 0o755); err != nil {
		return "", nil, fmt.Errorf("create staging area: %w", err)
	}

	return dir, func() { os.RemoveAll(dir) }, nil
}

func urlBase(rawURL string) string {
	trimmed, _, _ := strings.Cut(rawURL, "?")
	trimmed, _, _ = strings.Cut(trimmed, "#")

	base := path.Base(trimmed)
	if base == "." || base == "/" || strings.HasSuffix(trimmed, "//"+base) {
		return ""
	}

	return base
}
