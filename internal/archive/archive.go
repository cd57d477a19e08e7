// Package archive packages the output directory of a project into a single
// zip, tar.gz or tar.bz2 file with the system's compression tools.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	"github.com/nixpig/clamworker/internal/project"
	"github.com/rs/zerolog"
)

var (
	ErrInProgress    = errors.New("another compression is already running")
	ErrInvalidFormat = errors.New("invalid archive format")
)

const (
	FormatZip   = "zip"
	FormatTarGz = "tar.gz"
	FormatTarBz = "tar.bz2"

	DefaultZipPath = "/usr/bin/zip"
	DefaultTarPath = "/bin/tar"
)

var Formats = []string{FormatZip, FormatTarGz, FormatTarBz}

// Archive is a built archive ready to be streamed.
type Archive struct {
	Path            string
	ContentType     string
	ContentEncoding string
}

// Builder runs the external compressors.
type Builder struct {
	zipPath string
	tarPath string
	logger  zerolog.Logger
}

func NewBuilder(zipPath, tarPath string, logger zerolog.Logger) *Builder {
	if zipPath == "" {
		zipPath = DefaultZipPath
	}

	if tarPath == "" {
		tarPath = DefaultTarPath
	}

	return &Builder{zipPath: zipPath, tarPath: tarPath, logger: logger}
}

// Build packages the output directory of p as output/<project>.<format>.
//
// The .download sentinel is created exclusively before anything else; a
// concurrent Build for the same project fails with ErrInProgress instead of
// waiting. Stale archives of the other formats are removed, an existing
// archive of the requested format is reused, and otherwise Build waits for
// the compressor to finish.
func (b *Builder) Build(ctx context.Context, p *project.Project, format string) (*Archive, error) {
	a, args, err := b.plan(p, format)
	if err != nil {
		return nil, err
	}

	lock := filepath.Join(p.Dir(), project.DownloadLockFile)

	if err := claimLock(lock); err != nil {
		return nil, err
	}
	defer os.Remove(lock)

	logger := b.logger.With().Str("project", p.ID()).Str("format", format).Logger()

	for _, other := range Formats {
		if other == format {
			continue
		}

		stale := filepath.Join(p.OutputDir(), p.ID()+"."+other)
		if err := os.Remove(stale); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("remove stale archive: %w", err)
		}
	}

	if _, err := os.Stat(a.Path); err == nil {
		logger.Debug().Msg("reusing archive")
		return a, nil
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = p.OutputDir()

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start compressor: %w", err)
	}

	if err := os.WriteFile(lock, []byte(strconv.Itoa(cmd.Process.Pid)), 0o644); err != nil {
		logger.Warn().Err(err).Msg("failed to record compressor pid")
	}

	logger.Info().Int("pid", cmd.Process.Pid).Msg("building archive")

	if err := cmd.Wait(); err != nil {
		os.Remove(a.Path)
		return nil, fmt.Errorf("compress output: %w", err)
	}

	return a, nil
}

func (b *Builder) plan(p *project.Project, format string) (*Archive, []string, error) {
	name := p.ID() + "." + format

	a := &Archive{Path: filepath.Join(p.OutputDir(), name)}

	var args []string

	switch format {
	case FormatZip:
		a.ContentType = "application/zip"
		args = []string{b.zipPath, "-r", name, "."}
	case FormatTarGz:
		a.ContentType = "application/x-tar"
		a.ContentEncoding = "gzip"
		args = []string{b.tarPath, "-czf", name, "--exclude", name, "."}
	case FormatTarBz:
		a.ContentType = "application/x-bzip2"
		args = []string{b.tarPath, "-cjf", name, "--exclude", name, "."}
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrInvalidFormat, format)
	}

	return a, args, nil
}

// claimLock creates the lock sentinel if it does not exist yet.
func claimLock(path string) error {
	tmp := filepath.Join(filepath.Dir(path), ".tmp-download-"+uuid.NewString())

	if err := os.WriteFile(tmp, nil, 0o644); err != nil {
		return fmt.Errorf("create lock: %w", err)
	}
	defer os.Remove(tmp)

	if err := os.Link(tmp, path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return ErrInProgress
		}

		return fmt.Errorf("create lock: %w", err)
	}

	return nil
}
