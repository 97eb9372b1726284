// Package store persists projects and received webhook events.
//
// Every backend implements Store. Backends that can register new projects
// also implement ProjectWriter.
package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"hookdeploy/internal/event"
	"hookdeploy/internal/project"
)

// Driver names accepted by Open.
const (
	DriverMemory    = "memory"
	DriverFile      = "file"
	DriverEnv       = "env"
	DriverSQLite    = "sqlite"
	DriverMySQL     = "mysql"
	DriverFirestore = "firestore"
)

var (
	// ErrUnsupportedDriver is returned by Open for an unknown driver name.
	ErrUnsupportedDriver = errors.New("unsupported store driver")

	// ErrReadOnly is returned when a backend cannot register projects.
	ErrReadOnly = errors.New("store is read-only")
)

// Store is the persistence boundary of the service.
type Store interface {
	project.Lister

	// RecordEvent appends one received event for p.
	RecordEvent(ctx context.Context, p *project.Project, ev *event.NormalizedEvent) error

	Close() error
}

// ProjectWriter registers new projects.
type ProjectWriter interface {
	AddProject(ctx context.Context, p *project.Project) error
}

// EventRecord is a stored webhook event.
type EventRecord struct {
	Project    string                `json:"project"`
	Event      event.NormalizedEvent `json:"event"`
	RecordedAt time.Time             `json:"recorded_at"`
}

// Config selects and configures a backend. The mapstructure keys match the
// command-line flags so a bound viper instance can be unmarshalled into it.
type Config struct {
	Driver string `mapstructure:"store"`

	// ProjectsFile and EventsFile are used by the file driver.
	ProjectsFile string `mapstructure:"config"`
	EventsFile   string `mapstructure:"events-file"`

	// DSN is a file path for sqlite and a driver DSN for mysql.
	DSN string `mapstructure:"dsn"`

	// EnvPrefix overrides the "PROJECT_" prefix of the env driver.
	EnvPrefix string `mapstructure:"env-prefix"`

	FirestoreProject  string `mapstructure:"firestore-project"`
	FirestoreDatabase string `mapstructure:"firestore-database"`
}

// Open builds the backend named by cfg.Driver.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Driver {
	case DriverMemory:
		return NewMemory(), nil
	case DriverFile, "":
		return NewFile(cfg.ProjectsFile, cfg.EventsFile)
	case DriverEnv:
		return NewEnv(cfg.EnvPrefix, logger), nil
	case DriverSQLite, DriverMySQL:
		return OpenSQL(ctx, cfg.Driver, cfg.DSN)
	case DriverFirestore:
		return NewFirestore(ctx, cfg.FirestoreProject, cfg.FirestoreDatabase)
	default:
		return nil, goerr.Wrap(ErrUnsupportedDriver, "cannot open store", goerr.V("driver", cfg.Driver))
	}
}

// AddProject registers p if s supports it.
func AddProject(ctx context.Context, s Store, p *project.Project) error {
	w, ok := s.(ProjectWriter)
	if !ok {
		return ErrReadOnly
	}
	return w.AddProject(ctx, p)
}

func newEventRecord(p *project.Project, ev *event.NormalizedEvent) EventRecord {
	return EventRecord{Project: p.Key, Event: *ev, RecordedAt: time.Now().UTC()}
}
