package project

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"hookdeploy/internal/security"
)

var (
	// ErrRegistryUnavailable means no snapshot has been loaded yet.
	ErrRegistryUnavailable = errors.New("project registry unavailable")

	// ErrDuplicateProject means two projects share a key.
	ErrDuplicateProject = errors.New("duplicate project key")

	// ErrProjectNotFound is returned by lookups by key.
	ErrProjectNotFound = errors.New("project not found")
)

// Lister is the source a Registry loads projects from.
type Lister interface {
	ListProjects(ctx context.Context) ([]*Project, error)
}

// Snapshot is an immutable, ordered set of projects.
type Snapshot struct {
	projects []*Project
	byKey    map[string]*Project
	loadedAt time.Time
}

// NewSnapshot keeps the given order and rejects duplicate keys.
func NewSnapshot(projects []*Project) (*Snapshot, error) {
	s := &Snapshot{
		projects: make([]*Project, 0, len(projects)),
		byKey:    make(map[string]*Project, len(projects)),
		loadedAt: time.Now(),
	}
	for _, p := range projects {
		if p == nil {
			continue
		}
		if _, dup := s.byKey[p.Key]; dup {
			return nil, goerr.Wrap(ErrDuplicateProject, "cannot build snapshot", goerr.V("key", p.Key))
		}
		s.byKey[p.Key] = p
		s.projects = append(s.projects, p)
	}
	return s, nil
}

// Projects returns the projects in load order. The slice must not be modified.
func (s *Snapshot) Projects() []*Project {
	return s.projects
}

// Get looks a project up by key.
func (s *Snapshot) Get(key string) (*Project, bool) {
	p, ok := s.byKey[key]
	return p, ok
}

// Len returns the number of projects.
func (s *Snapshot) Len() int {
	return len(s.projects)
}

// LoadedAt returns when the snapshot was built.
func (s *Snapshot) LoadedAt() time.Time {
	return s.loadedAt
}

// Registry serves the current Snapshot to readers without locking. Reload
// builds a new snapshot and swaps it in; readers holding the old one keep a
// consistent view until they drop it.
type Registry struct {
	source Lister
	logger *slog.Logger

	reloadMu sync.Mutex
	current  atomic.Pointer[Snapshot]
}

// NewRegistry creates an empty registry backed by source. Call Reload before
// serving requests.
func NewRegistry(source Lister, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{source: source, logger: logger}
}

// NewStaticRegistry creates a registry preloaded with projects and no source.
func NewStaticRegistry(projects []*Project) (*Registry, error) {
	snap, err := NewSnapshot(projects)
	if err != nil {
		return nil, err
	}
	r := &Registry{logger: slog.Default()}
	r.current.Store(snap)
	return r, nil
}

// Reload lists projects from the source and publishes a new snapshot. On
// failure the previous snapshot stays in place.
func (r *Registry) Reload(ctx context.Context) (*Snapshot, error) {
	if r.source == nil {
		return r.Snapshot()
	}

	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	projects, err := r.source.ListProjects(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list projects")
	}

	snap, err := NewSnapshot(projects)
	if err != nil {
		return nil, err
	}

	for _, p := range snap.Projects() {
		if p.Secret == "" {
			r.logger.Warn("project has no secret and will never authenticate", "project", p)
		} else if security.IsWeakSecret(p.Secret) {
			r.logger.Warn("project secret is weak", "project", p)
		}
		if !p.CanDeploy() {
			r.logger.Warn("project has no deploy command", "project", p)
		}
	}

	prev := r.current.Swap(snap)
	prevCount := 0
	if prev != nil {
		prevCount = prev.Len()
	}
	r.logger.Info("project registry loaded", "projects", snap.Len(), "previous", prevCount)

	return snap, nil
}

// Snapshot returns the current snapshot.
func (r *Registry) Snapshot() (*Snapshot, error) {
	snap := r.current.Load()
	if snap == nil {
		return nil, ErrRegistryUnavailable
	}
	return snap, nil
}

// Get retrieves a project by key from the current snapshot.
func (r *Registry) Get(key string) (*Project, error) {
	snap, err := r.Snapshot()
	if err != nil {
		return nil, err
	}

	p, ok := snap.Get(key)
	if !ok {
		return nil, goerr.Wrap(ErrProjectNotFound, "lookup failed", goerr.V("key", key))
	}
	return p, nil
}

// Count returns the number of projects, zero before the first load.
func (r *Registry) Count() int {
	snap := r.current.Load()
	if snap == nil {
		return 0
	}
	return snap.Len()
}
