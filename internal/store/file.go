package store

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/m-mizutani/goerr/v2"

	"hookdeploy/internal/event"
	"hookdeploy/internal/project"
	"hookdeploy/internal/security"
)

// File reads projects from a YAML file on every list and appends events to a
// JSON Lines journal.
type File struct {
	projectsPath string
	eventsPath   string

	mu sync.Mutex
}

// NewFile creates a File store. eventsPath may be empty, in which case events
// are discarded.
func NewFile(projectsPath, eventsPath string) (*File, error) {
	if projectsPath == "" {
		return nil, goerr.New("projects file path is required")
	}
	return &File{projectsPath: projectsPath, eventsPath: eventsPath}, nil
}

func (f *File) ListProjects(ctx context.Context) ([]*project.Project, error) {
	_, projects, err := project.LoadConfig(f.projectsPath)
	if err != nil {
		return nil, err
	}
	return projects, nil
}

// AddProject appends p to the projects file. A missing file is created.
func (f *File) AddProject(ctx context.Context, p *project.Project) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	cfg := &project.Config{}
	data, err := os.ReadFile(f.projectsPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return goerr.Wrap(err, "failed to read projects file", goerr.V("path", f.projectsPath))
	default:
		if cfg, err = project.ParseConfig(data); err != nil {
			return err
		}
	}

	if err := cfg.Add(p); err != nil {
		return err
	}
	if _, err := cfg.Build(); err != nil {
		return err
	}

	out, err := cfg.Marshal()
	if err != nil {
		return err
	}
	return writeFileAtomic(f.projectsPath, out)
}

func (f *File) RecordEvent(ctx context.Context, p *project.Project, ev *event.NormalizedEvent) error {
	if f.eventsPath == "" {
		return nil
	}

	line, err := json.Marshal(newEventRecord(p, ev))
	if err != nil {
		return goerr.Wrap(err, "failed to encode event")
	}
	line = append(line, '\n')

	f.mu.Lock()
	defer f.mu.Unlock()

	out, err := security.OpenAppendFile(f.eventsPath, security.PermLogFile)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := out.Write(line); err != nil {
		return goerr.Wrap(err, "failed to append event", goerr.V("path", f.eventsPath))
	}
	return nil
}

func (f *File) Close() error {
	return nil
}

// writeFileAtomic replaces path through a temporary file in the same directory.
func writeFileAtomic(path string, data []byte) error {
	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".tmp")

	out, err := security.CreateSecureFile(tmp, security.PermConfigFile)
	if err != nil {
		return err
	}
	if _, err := out.Write(data); err != nil {
		out.Close()
		os.Remove(tmp)
		return goerr.Wrap(err, "failed to write file", goerr.V("path", tmp))
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return goerr.Wrap(err, "failed to close file", goerr.V("path", tmp))
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return goerr.Wrap(err, "failed to replace file", goerr.V("path", path))
	}
	return nil
}
