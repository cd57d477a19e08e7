package manager

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/nixpig/clamworker/internal/archive"
	"github.com/nixpig/clamworker/internal/profile"
	"github.com/nixpig/clamworker/internal/project"
	"github.com/nixpig/clamworker/internal/upload"
)

// FileInfo is a project file with the viewers and converters that apply to
// it. These are resolved on every listing and never stored.
type FileInfo struct {
	project.File

	Metadata   *profile.Metadata
	Viewers    []string
	Converters []string
}

// AddInput runs the upload pipeline for a READY project.
func (m *Manager) AddInput(ctx context.Context, user, id string, req upload.Request) ([]upload.AddedFile, error) {
	p, err := m.readyProject(user, id)
	if err != nil {
		return nil, err
	}

	return m.uploader.Add(ctx, p, req)
}

// AddInputSource adds a pre-installed input source to a READY project.
func (m *Manager) AddInputSource(
	ctx context.Context,
	user, id, sourceID string,
	metadata map[string]string,
) ([]upload.AddedFile, error) {
	p, err := m.readyProject(user, id)
	if err != nil {
		return nil, err
	}

	return m.uploader.AddInputSource(ctx, p, sourceID, metadata)
}

// DeleteInput removes an input file. An empty name removes all inputs.
func (m *Manager) DeleteInput(user, id, name string) error {
	p, err := m.readyProject(user, id)
	if err != nil {
		return err
	}

	return p.DeleteFile(project.KindInput, name)
}

// DeleteOutput removes an output file of a finished project. An empty name
// resets the project.
func (m *Manager) DeleteOutput(user, id, name string) error {
	p, err := m.Project(user, id)
	if err != nil {
		return err
	}

	if name == "" {
		return p.Reset()
	}

	status, err := p.Status()
	if err != nil {
		return err
	}

	if status.State == project.StateRunning {
		return project.NewInvalidStateError(status.State, project.StateDone)
	}

	return p.DeleteFile(project.KindOutput, name)
}

// Inputs lists the input files of a project.
func (m *Manager) Inputs(user, id string) ([]FileInfo, error) {
	return m.files(user, id, project.KindInput)
}

// Outputs lists the output files of a project as they are on disk now.
func (m *Manager) Outputs(user, id string) ([]FileInfo, error) {
	return m.files(user, id, project.KindOutput)
}

// OpenInput opens an input file for reading.
func (m *Manager) OpenInput(user, id, name string) (*os.File, error) {
	return m.open(user, id, project.KindInput, name)
}

// OpenOutput opens an output file for reading.
func (m *Manager) OpenOutput(user, id, name string) (*os.File, error) {
	return m.open(user, id, project.KindOutput, name)
}

// Metadata returns the metadata stored with a file, or nil if it has none.
func (m *Manager) Metadata(user, id string, kind project.Kind, name string) (*profile.Metadata, error) {
	p, err := m.Project(user, id)
	if err != nil {
		return nil, err
	}

	return loadMetadata(p, kind, name)
}

// Archive packages the outputs of a finished project.
func (m *Manager) Archive(ctx context.Context, user, id, format string) (*archive.Archive, error) {
	p, err := m.Project(user, id)
	if err != nil {
		return nil, err
	}

	status, err := p.Status()
	if err != nil {
		return nil, err
	}

	if status.State != project.StateDone {
		return nil, ErrNotDone
	}

	return m.archiver.Build(ctx, p, format)
}

func (m *Manager) readyProject(user, id string) (*project.Project, error) {
	p, err := m.Project(user, id)
	if err != nil {
		return nil, err
	}

	status, err := p.Status()
	if err != nil {
		return nil, err
	}

	if status.State != project.StateReady {
		return nil, project.NewInvalidStateError(status.State, project.StateReady)
	}

	return p, nil
}

func (m *Manager) open(user, id string, kind project.Kind, name string) (*os.File, error) {
	p, err := m.Project(user, id)
	if err != nil {
		return nil, err
	}

	return p.Open(kind, name)
}

func (m *Manager) files(user, id string, kind project.Kind) ([]FileInfo, error) {
	p, err := m.Project(user, id)
	if err != nil {
		return nil, err
	}

	files, err := p.Files(kind)
	if err != nil {
		return nil, err
	}

	infos := make([]FileInfo, 0, len(files))

	for _, f := range files {
		info := FileInfo{File: f}

		info.Metadata, err = loadMetadata(p, kind, f.Name)
		if err != nil {
			m.logger.Warn().Err(err).Str("file", f.Name).Msg("unreadable metadata")
		}

		m.annotate(&info, kind)

		infos = append(infos, info)
	}

	return infos, nil
}

// annotate attaches the viewers and converters of the file's template that
// the registry knows about. Unbound files get the raw viewer.
func (m *Manager) annotate(info *FileInfo, kind project.Kind) {
	viewers := []string{profile.ViewerRaw}

	switch {
	case info.Template == "":
	case kind == project.KindInput:
		if t, err := m.catalog.InputTemplate(info.Template); err == nil {
			viewers = append(viewers, t.Viewers...)

			for _, c := range t.Converters {
				if _, err := m.registry.Converter(c); err == nil {
					info.Converters = append(info.Converters, c)
				}
			}
		}
	default:
		if t, ok := m.catalog.OutputTemplate(info.Template); ok {
			viewers = append(viewers, t.Viewers...)
		}
	}

	seen := make(map[string]bool)

	for _, v := range viewers {
		if seen[v] {
			continue
		}

		seen[v] = true

		if _, err := m.registry.Viewer(v); err == nil {
			info.Viewers = append(info.Viewers, v)
		}
	}
}

func loadMetadata(p *project.Project, kind project.Kind, name string) (*profile.Metadata, error) {
	path, err := p.MetadataPath(kind, name)
	if err != nil {
		return nil, err
	}

	meta, err := profile.LoadMetadata(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("load metadata of %s: %w", name, err)
	}

	return meta, nil
}
