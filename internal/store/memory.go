package store

import (
	"context"
	"slices"
	"sync"

	"github.com/m-mizutani/goerr/v2"

	"hookdeploy/internal/event"
	"hookdeploy/internal/project"
)

// Memory keeps everything in process. It is used by tests and by the
// "memory" driver for throwaway setups.
type Memory struct {
	mu       sync.RWMutex
	projects []*project.Project
	events   []EventRecord
}

// NewMemory returns a Memory preloaded with projects.
func NewMemory(projects ...*project.Project) *Memory {
	return &Memory{projects: slices.Clone(projects)}
}

func (m *Memory) ListProjects(ctx context.Context) ([]*project.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.projects), nil
}

func (m *Memory) AddProject(ctx context.Context, p *project.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.projects {
		if existing.Key == p.Key {
			return goerr.Wrap(project.ErrDuplicateProject, "project already registered", goerr.V("key", p.Key))
		}
	}
	m.projects = append(m.projects, p)
	return nil
}

func (m *Memory) RecordEvent(ctx context.Context, p *project.Project, ev *event.NormalizedEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, newEventRecord(p, ev))
	return nil
}

// Events returns a copy of the recorded events in arrival order.
func (m *Memory) Events() []EventRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.events)
}

func (m *Memory) Close() error {
	return nil
}
