package upload

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nixpig/clamworker/internal/project"
)

// addArchive extracts the archive at archivePath and commits each member as
// a separate input of the job's template. Members are processed in archive
// order; a failed member does not stop the others.
func (u *Uploader) addArchive(
	ctx context.Context,
	p *project.Project,
	j *job,
	area string,
	archivePath string,
	format string,
) ([]AddedFile, error) {
	dir := filepath.Join(area, "members")
	if err := os.Mkdir(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create extraction dir: %w", err)
	}

	members, err := extract(archivePath, format, dir)
	if err != nil {
		return nil, err
	}

	u.logger.Debug().
		Str("project", p.ID()).
		Str("format", format).
		Int("members", len(members)).
		Msg("archive extracted")

	j.source = SourceArchive

	var (
		added []AddedFile
		errs  []error
	)

	for _, m := range members {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		f, err := u.commit(ctx, p, j, m)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", m.name, err))
			continue
		}

		added = append(added, f)
	}

	return added, errors.Join(errs...)
}

// extract writes the regular files of an archive into dir under numbered
// names and returns them with their base names. Directory structure is
// flattened; hidden entries and macOS resource forks are skipped.
func extract(archivePath, format, dir string) ([]staged, error) {
	switch format {
	case "zip":
		return extractZip(archivePath, dir)
	case "tar", "tar.gz", "tar.bz2":
		return extractTar(archivePath, format, dir)
	default:
		return nil, fmt.Errorf("%w: unsupported format %q", ErrInvalidArchive, format)
	}
}

func extractZip(archivePath, dir string) ([]staged, error) {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	defer r.Close()

	var members []staged

	for _, f := range r.File {
		if !f.Mode().IsRegular() || skipMember(f.Name) {
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("%w: open %s: %v", ErrInvalidArchive, f.Name, err)
		}

		m, err := writeMember(dir, len(members), f.Name, rc)
		rc.Close()

		if err != nil {
			return nil, err
		}

		members = append(members, m)
	}

	return members, nil
}

func extractTar(archivePath, format, dir string) ([]staged, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	var r io.Reader = f

	switch format {
	case "tar.gz":
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
		}
		defer gz.Close()

		r = gz
	case "tar.bz2":
		r = bzip2.NewReader(f)
	}

	tr := tar.NewReader(r)

	var members []staged

	for {
		hdr, err := tr.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}

			return nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
		}

		if hdr.Typeflag != tar.TypeReg || skipMember(hdr.Name) {
			continue
		}

		m, err := writeMember(dir, len(members), hdr.Name, tr)
		if err != nil {
			return nil, err
		}

		members = append(members, m)
	}

	return members, nil
}

func writeMember(dir string, i int, name string, r io.Reader) (staged, error) {
	dst := filepath.Join(dir, strconv.Itoa(i))

	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return staged{}, fmt.Errorf("create member file: %w", err)
	}

	_, copyErr := io.Copy(f, r)

	if err := f.Close(); err != nil && copyErr == nil {
		copyErr = err
	}

	if copyErr != nil {
		return staged{}, fmt.Errorf("%w: extract %s: %v", ErrInvalidArchive, name, copyErr)
	}

	return staged{name: path.Base(name), path: dst}, nil
}

func skipMember(name string) bool {
	if strings.HasPrefix(name, "__MACOSX/") {
		return true
	}

	return strings.HasPrefix(path.Base(name), ".")
}
