package upload

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"

	"github.com/nixpig/clamworker/internal/project"
)

// AddInputSource adds the pre-installed input source sourceID to p.
func (u *Uploader) AddInputSource(
	ctx context.Context,
	p *project.Project,
	sourceID string,
	metadata map[string]string,
) ([]AddedFile, error) {
	return u.Add(ctx, p, Request{InputSource: sourceID, Metadata: metadata})
}

// addInputSource links a pre-installed file into input/. A directory source
// adds each of its visible regular files, in name order.
func (u *Uploader) addInputSource(ctx context.Context, p *project.Project, req Request) ([]AddedFile, error) {
	src, tmpl, err := u.catalog.InputSource(req.InputSource)
	if err != nil {
		return nil, err
	}

	if req.TemplateID != "" && req.TemplateID != tmpl.ID {
		return nil, fmt.Errorf(
			"input source %s belongs to template %s, not %s",
			src.ID,
			tmpl.ID,
			req.TemplateID,
		)
	}

	if req.Converter != "" {
		return nil, errors.New("input sources cannot be converted")
	}

	metadata := make(map[string]string, len(src.Metadata)+len(req.Metadata))
	maps.Copy(metadata, src.Metadata)
	maps.Copy(metadata, req.Metadata)

	req.Metadata = metadata

	j, err := u.prepare(p, tmpl, req)
	if err != nil {
		return nil, err
	}

	j.source = SourceInputSource

	root, err := filepath.Abs(src.Path)
	if err != nil {
		return nil, fmt.Errorf("input source %s: %w", src.ID, err)
	}

	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("input source %s: %w", src.ID, err)
	}

	if !info.IsDir() {
		name := req.Filename
		if name == "" {
			name = filepath.Base(root)
		}

		f, err := u.commit(ctx, p, j, staged{name: name, path: root, link: true})
		if err != nil {
			return nil, err
		}

		return []AddedFile{f}, nil
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read input source %s: %w", src.ID, err)
	}

	var (
		added []AddedFile
		errs  []error
	)

	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") || !e.Type().IsRegular() {
			continue
		}

		f, err := u.commit(ctx, p, j, staged{
			name: e.Name(),
			path: filepath.Join(root, e.Name()),
			link: true,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.Name(), err))
			continue
		}

		added = append(added, f)
	}

	return added, errors.Join(errs...)
}
