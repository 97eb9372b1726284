// Package event turns raw push payloads into NormalizedEvent values.
package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/m-mizutani/goerr/v2"
)

const (
	// Unknown is the fallback for names and the branch.
	Unknown = "Unknown"
	// NotAvailable is the fallback for every other field.
	NotAvailable = "N/A"

	// BranchRefPrefix marks a ref that names a branch.
	BranchRefPrefix = "refs/heads/"

	// KindPush is the event kind that can trigger a deployment.
	KindPush = "push"

	ShortCommitLength = 7
)

// ErrMalformedPayload means the body is not a JSON object at all.
var ErrMalformedPayload = errors.New("malformed payload")

// NormalizedEvent is the subset of a push payload the service acts on.
// Every field is populated; missing data is replaced by Unknown or
// NotAvailable.
type NormalizedEvent struct {
	Kind           string `json:"event_type"`
	DeliveryID     string `json:"delivery_id,omitempty"`
	RepositoryName string `json:"repository_name"`
	RepositoryURL  string `json:"repository_url"`
	CloneURL       string `json:"clone_url"`
	Ref            string `json:"ref"`
	Branch         string `json:"branch"`
	CommitID       string `json:"commit_id"`
	CommitMessage  string `json:"commit_message"`
	AuthorName     string `json:"author_name"`
	AuthorEmail    string `json:"author_email"`
	Timestamp      string `json:"timestamp"`

	// Partial is set when some fields had unexpected types and fell back.
	Partial bool `json:"-"`
}

// Interpret parses body into a NormalizedEvent. It fails only when body is
// not a JSON object; wrong or missing fields fall back to defaults.
func Interpret(body []byte, headers http.Header) (*NormalizedEvent, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
		return nil, goerr.Wrap(ErrMalformedPayload, "body is not a JSON object",
			goerr.V("length", len(body)))
	}

	var push github.PushEvent
	decodeErr := json.Unmarshal(trimmed, &push)

	ev := fromPushEvent(&push)
	ev.Partial = decodeErr != nil
	ev.Kind = orDefault(strings.TrimSpace(headers.Get(github.EventTypeHeader)), Unknown)
	ev.DeliveryID = strings.TrimSpace(headers.Get(github.DeliveryIDHeader))

	return ev, nil
}

func fromPushEvent(push *github.PushEvent) *NormalizedEvent {
	repo := push.GetRepo()
	commit := push.GetHeadCommit()
	author := commit.GetAuthor()

	commitID := commit.GetID()
	if commitID == "" && !isZeroSHA(push.GetAfter()) {
		commitID = push.GetAfter()
	}

	repoName := repo.GetName()
	if repoName == "" {
		repoName = repo.GetFullName()
	}

	timestamp := NotAvailable
	if ts := commit.GetTimestamp(); !ts.IsZero() {
		timestamp = ts.UTC().Format(time.RFC3339)
	}

	return &NormalizedEvent{
		RepositoryName: orDefault(repoName, Unknown),
		RepositoryURL:  orDefault(repo.GetHTMLURL(), NotAvailable),
		CloneURL:       orDefault(repo.GetCloneURL(), NotAvailable),
		Ref:            push.GetRef(),
		Branch:         BranchFromRef(push.GetRef()),
		CommitID:       orDefault(commitID, NotAvailable),
		CommitMessage:  orDefault(commit.GetMessage(), NotAvailable),
		AuthorName:     orDefault(author.GetName(), Unknown),
		AuthorEmail:    orDefault(author.GetEmail(), NotAvailable),
		Timestamp:      timestamp,
	}
}

// BranchFromRef returns what follows "refs/heads/", or Unknown.
//
//	"refs/heads/release-1" -> "release-1"
//	"refs/tags/v1.0.0"     -> "Unknown"
func BranchFromRef(ref string) string {
	branch, ok := strings.CutPrefix(ref, BranchRefPrefix)
	if !ok || branch == "" {
		return Unknown
	}
	return branch
}

// ShortCommit returns the first seven characters of the commit id.
func (e *NormalizedEvent) ShortCommit() string {
	return ShortCommit(e.CommitID)
}

// ShortCommit truncates id to ShortCommitLength characters.
func ShortCommit(id string) string {
	if len(id) <= ShortCommitLength {
		return id
	}
	return id[:ShortCommitLength]
}

// IsPush reports whether the event kind is a push.
func (e *NormalizedEvent) IsPush() bool {
	return e.Kind == KindPush
}

func orDefault(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

func isZeroSHA(sha string) bool {
	return strings.Trim(sha, "0") == ""
}
