package store

import (
	"context"
	"database/sql"
	"net"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/m-mizutani/goerr/v2"
	_ "modernc.org/sqlite"

	"hookdeploy/internal/event"
	"hookdeploy/internal/project"
)

var schemas = map[string][]string{
	DriverSQLite: {
		`CREATE TABLE IF NOT EXISTS projects (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			deploy_script TEXT NOT NULL,
			slack_webhook TEXT NOT NULL,
			secret TEXT,
			deploy_timeout INTEGER NOT NULL DEFAULT 300
		)`,
		`CREATE TABLE IF NOT EXISTS webhook_events (
			id INTEGER PRIMARY KEY,
			project_name TEXT NOT NULL,
			repository_name TEXT,
			repository_url TEXT,
			clone_url TEXT,
			event_type TEXT,
			branch TEXT,
			commit_message TEXT,
			commit_id TEXT,
			author_name TEXT,
			author_email TEXT,
			timestamp TEXT,
			delivery_id TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	},
	DriverMySQL: {
		`CREATE TABLE IF NOT EXISTS projects (
			id INT AUTO_INCREMENT PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			deploy_script TEXT NOT NULL,
			slack_webhook TEXT NOT NULL,
			secret VARCHAR(255),
			deploy_timeout INT NOT NULL DEFAULT 300
		)`,
		`CREATE TABLE IF NOT EXISTS webhook_events (
			id INT AUTO_INCREMENT PRIMARY KEY,
			project_name VARCHAR(255) NOT NULL,
			repository_name VARCHAR(255),
			repository_url TEXT,
			clone_url TEXT,
			event_type VARCHAR(100),
			branch VARCHAR(255),
			commit_message TEXT,
			commit_id VARCHAR(255),
			author_name VARCHAR(255),
			author_email VARCHAR(255),
			timestamp VARCHAR(255),
			delivery_id VARCHAR(255),
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
	},
}

// SQL stores projects and events in SQLite or MySQL using the same two
// tables.
type SQL struct {
	db     *sql.DB
	driver string
}

// OpenSQL opens dsn with driver ("sqlite" or "mysql") and creates the tables
// if needed.
func OpenSQL(ctx context.Context, driver, dsn string) (*SQL, error) {
	schema, ok := schemas[driver]
	if !ok {
		return nil, goerr.Wrap(ErrUnsupportedDriver, "cannot open SQL store", goerr.V("driver", driver))
	}
	if dsn == "" {
		return nil, goerr.New("database DSN is required", goerr.V("driver", driver))
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open database", goerr.V("driver", driver))
	}

	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetConnMaxLifetime(3 * time.Minute)
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
	}

	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, goerr.Wrap(err, "failed to initialize schema", goerr.V("driver", driver))
		}
	}

	return &SQL{db: db, driver: driver}, nil
}

// MySQLDSN builds a DSN from discrete connection settings.
func MySQLDSN(host, port, database, user, password string) string {
	cfg := mysql.NewConfig()
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(host, port)
	cfg.DBName = database
	cfg.User = user
	cfg.Passwd = password
	cfg.ParseTime = true
	return cfg.FormatDSN()
}

func (s *SQL) ListProjects(ctx context.Context) ([]*project.Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, deploy_script, slack_webhook, secret, deploy_timeout
		FROM projects
		ORDER BY id
	`)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query projects")
	}
	defer rows.Close()

	var projects []*project.Project
	for rows.Next() {
		var (
			name, script, webhook string
			secret                sql.NullString
			timeout               int
		)
		if err := rows.Scan(&name, &script, &webhook, &secret, &timeout); err != nil {
			return nil, goerr.Wrap(err, "failed to scan project")
		}
		projects = append(projects, project.New(name, secret.String, script, webhook, time.Duration(timeout)*time.Second))
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to iterate projects")
	}
	return projects, nil
}

// AddProject inserts p unless a stored name already maps to the same key.
func (s *SQL) AddProject(ctx context.Context, p *project.Project) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return goerr.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT name FROM projects`)
	if err != nil {
		return goerr.Wrap(err, "failed to query project names")
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return goerr.Wrap(err, "failed to scan project name")
		}
		if project.KeyFromName(name) == p.Key {
			rows.Close()
			return goerr.Wrap(project.ErrDuplicateProject, "project already registered", goerr.V("key", p.Key))
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return goerr.Wrap(err, "failed to iterate project names")
	}

	timeout := int(p.DeployTimeout / time.Second)
	if timeout <= 0 {
		timeout = int(project.DefaultDeployTimeout / time.Second)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO projects (name, deploy_script, slack_webhook, secret, deploy_timeout)
		VALUES (?, ?, ?, ?, ?)
	`, p.Name, p.DeployCommand, p.NotifyEndpoint, p.Secret, timeout)
	if err != nil {
		return goerr.Wrap(err, "failed to insert project", goerr.V("key", p.Key))
	}

	if err := tx.Commit(); err != nil {
		return goerr.Wrap(err, "failed to commit project", goerr.V("key", p.Key))
	}
	return nil
}

func (s *SQL) RecordEvent(ctx context.Context, p *project.Project, ev *event.NormalizedEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_events (
			project_name, repository_name, repository_url, clone_url, event_type, branch,
			commit_message, commit_id, author_name, author_email, timestamp, delivery_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.Name, ev.RepositoryName, ev.RepositoryURL, ev.CloneURL, ev.Kind, ev.Branch,
		ev.CommitMessage, ev.CommitID, ev.AuthorName, ev.AuthorEmail, ev.Timestamp, ev.DeliveryID,
	)
	if err != nil {
		return goerr.Wrap(err, "failed to record event", goerr.V("project", p.Key))
	}
	return nil
}

func (s *SQL) Close() error {
	return s.db.Close()
}
