package store

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"hookdeploy/internal/event"
	"hookdeploy/internal/project"
)

const (
	projectsCollection = "projects"
	eventsCollection   = "webhook_events"
)

type firestoreProject struct {
	Name          string    `firestore:"name"`
	DeployScript  string    `firestore:"deploy_script"`
	SlackWebhook  string    `firestore:"slack_webhook"`
	Secret        string    `firestore:"secret"`
	DeployTimeout int       `firestore:"deploy_timeout"`
	CreatedAt     time.Time `firestore:"created_at,serverTimestamp"`
}

type firestoreEvent struct {
	ProjectName    string    `firestore:"project_name"`
	ProjectKey     string    `firestore:"project_key"`
	RepositoryName string    `firestore:"repository_name"`
	RepositoryURL  string    `firestore:"repository_url"`
	CloneURL       string    `firestore:"clone_url"`
	EventType      string    `firestore:"event_type"`
	Branch         string    `firestore:"branch"`
	CommitMessage  string    `firestore:"commit_message"`
	CommitID       string    `firestore:"commit_id"`
	AuthorName     string    `firestore:"author_name"`
	AuthorEmail    string    `firestore:"author_email"`
	Timestamp      string    `firestore:"timestamp"`
	DeliveryID     string    `firestore:"delivery_id"`
	CreatedAt      time.Time `firestore:"created_at,serverTimestamp"`
}

// Firestore keeps projects in the "projects" collection, keyed by project
// key, and appends events to "webhook_events".
type Firestore struct {
	client *firestore.Client
}

// NewFirestore connects to databaseID (the default database when empty) of
// the given Google Cloud project. FIRESTORE_EMULATOR_HOST is honoured by the
// client library.
func NewFirestore(ctx context.Context, projectID, databaseID string) (*Firestore, error) {
	if projectID == "" {
		return nil, goerr.New("firestore project id is required")
	}
	if databaseID == "" {
		databaseID = firestore.DefaultDatabaseID
	}

	client, err := firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create firestore client",
			goerr.V("project", projectID), goerr.V("database", databaseID))
	}
	return &Firestore{client: client}, nil
}

func (f *Firestore) ListProjects(ctx context.Context) ([]*project.Project, error) {
	iter := f.client.Collection(projectsCollection).OrderBy("created_at", firestore.Asc).Documents(ctx)
	defer iter.Stop()

	var projects []*project.Project
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to list projects")
		}

		var fp firestoreProject
		if err := doc.DataTo(&fp); err != nil {
			return nil, goerr.Wrap(err, "failed to decode project", goerr.V("id", doc.Ref.ID))
		}
		projects = append(projects, project.New(fp.Name, fp.Secret, fp.DeployScript, fp.SlackWebhook,
			time.Duration(fp.DeployTimeout)*time.Second))
	}
	return projects, nil
}

func (f *Firestore) AddProject(ctx context.Context, p *project.Project) error {
	_, err := f.client.Collection(projectsCollection).Doc(p.Key).Create(ctx, firestoreProject{
		Name:          p.Name,
		DeployScript:  p.DeployCommand,
		SlackWebhook:  p.NotifyEndpoint,
		Secret:        p.Secret,
		DeployTimeout: int(p.DeployTimeout / time.Second),
	})
	if status.Code(err) == codes.AlreadyExists {
		return goerr.Wrap(project.ErrDuplicateProject, "project already registered", goerr.V("key", p.Key))
	}
	if err != nil {
		return goerr.Wrap(err, "failed to create project", goerr.V("key", p.Key))
	}
	return nil
}

func (f *Firestore) RecordEvent(ctx context.Context, p *project.Project, ev *event.NormalizedEvent) error {
	_, _, err := f.client.Collection(eventsCollection).Add(ctx, firestoreEvent{
		ProjectName:    p.Name,
		ProjectKey:     p.Key,
		RepositoryName: ev.RepositoryName,
		RepositoryURL:  ev.RepositoryURL,
		CloneURL:       ev.CloneURL,
		EventType:      ev.Kind,
		Branch:         ev.Branch,
		CommitMessage:  ev.CommitMessage,
		CommitID:       ev.CommitID,
		AuthorName:     ev.AuthorName,
		AuthorEmail:    ev.AuthorEmail,
		Timestamp:      ev.Timestamp,
		DeliveryID:     ev.DeliveryID,
	})
	if err != nil {
		return goerr.Wrap(err, "failed to record event", goerr.V("project", p.Key))
	}
	return nil
}

func (f *Firestore) Close() error {
	return f.client.Close()
}
