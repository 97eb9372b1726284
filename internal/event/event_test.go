package event

import (
	"net/http"
	"testing"

	"github.com/google/go-github/v57/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pushHeaders() http.Header {
	h := http.Header{}
	h.Set(github.EventTypeHeader, "push")
	h.Set(github.DeliveryIDHeader, "72d3162e-cc78-11e3-81ab-4c9367dc0958")
	return h
}

func TestInterpretFullPayload(t *testing.T) {
	body := []byte(`{
		"ref": "refs/heads/main",
		"after": "abcdef0123456789abcdef0123456789abcdef01",
		"repository": {
			"name": "storefront",
			"full_name": "acme/storefront",
			"html_url": "https://github.com/acme/storefront",
			"clone_url": "https://github.com/acme/storefront.git"
		},
		"head_commit": {
			"id": "abcdef0123456789abcdef0123456789abcdef01",
			"message": "Fix checkout rounding",
			"timestamp": "2024-05-01T10:20:30+02:00",
			"author": {"name": "Dana Lee", "email": "dana@example.com"}
		}
	}`)

	ev, err := Interpret(body, pushHeaders())
	require.NoError(t, err)

	assert.Equal(t, "push", ev.Kind)
	assert.True(t, ev.IsPush())
	assert.Equal(t, "72d3162e-cc78-11e3-81ab-4c9367dc0958", ev.DeliveryID)
	assert.Equal(t, "storefront", ev.RepositoryName)
	assert.Equal(t, "https://github.com/acme/storefront", ev.RepositoryURL)
	assert.Equal(t, "https://github.com/acme/storefront.git", ev.CloneURL)
	assert.Equal(t, "main", ev.Branch)
	assert.Equal(t, "abcdef0", ev.ShortCommit())
	assert.Equal(t, "Fix checkout rounding", ev.CommitMessage)
	assert.Equal(t, "Dana Lee", ev.AuthorName)
	assert.Equal(t, "dana@example.com", ev.AuthorEmail)
	assert.Equal(t, "2024-05-01T08:20:30Z", ev.Timestamp)
	assert.False(t, ev.Partial)
}

func TestInterpretEmptyObjectUsesFallbacks(t *testing.T) {
	ev, err := Interpret([]byte(`{}`), http.Header{})
	require.NoError(t, err)

	assert.Equal(t, Unknown, ev.Kind)
	assert.Equal(t, Unknown, ev.RepositoryName)
	assert.Equal(t, NotAvailable, ev.RepositoryURL)
	assert.Equal(t, NotAvailable, ev.CloneURL)
	assert.Equal(t, Unknown, ev.Branch)
	assert.Equal(t, NotAvailable, ev.CommitID)
	assert.Equal(t, NotAvailable, ev.CommitMessage)
	assert.Equal(t, Unknown, ev.AuthorName)
	assert.Equal(t, NotAvailable, ev.AuthorEmail)
	assert.Equal(t, NotAvailable, ev.Timestamp)
}

func TestInterpretMinimalPayload(t *testing.T) {
	body := []byte(`{"ref":"refs/heads/main","head_commit":{"message":"fix","id":"abcdef0123"}}`)

	ev, err := Interpret(body, pushHeaders())
	require.NoError(t, err)
	assert.Equal(t, "main", ev.Branch)
	assert.Equal(t, "abcdef0", ev.ShortCommit())
	assert.Equal(t, "fix", ev.CommitMessage)
	assert.Equal(t, Unknown, ev.RepositoryName)
}

func TestInterpretToleratesWrongTypes(t *testing.T) {
	body := []byte(`{"ref": 42, "head_commit": {"message": "still here", "id": ["x"]}}`)

	ev, err := Interpret(body, pushHeaders())
	require.NoError(t, err)
	assert.True(t, ev.Partial)
	assert.Equal(t, Unknown, ev.Branch)
	assert.Equal(t, NotAvailable, ev.CommitID)
}

func TestInterpretNullHeadCommit(t *testing.T) {
	body := []byte(`{"ref":"refs/heads/main","after":"0000000000000000000000000000000000000000","head_commit":null}`)

	ev, err := Interpret(body, pushHeaders())
	require.NoError(t, err)
	assert.Equal(t, NotAvailable, ev.CommitID)
	assert.Equal(t, NotAvailable, ev.CommitMessage)
}

func TestInterpretFallsBackToAfter(t *testing.T) {
	body := []byte(`{"ref":"refs/heads/main","after":"1234567890abcdef"}`)

	ev, err := Interpret(body, pushHeaders())
	require.NoError(t, err)
	assert.Equal(t, "1234567", ev.ShortCommit())
}

func TestInterpretMalformed(t *testing.T) {
	for _, body := range []string{
		"",
		"   ",
		"not json",
		`{"ref": "refs/heads/main"`,
		`["refs/heads/main"]`,
		`"just a string"`,
		`null`,
		`42`,
	} {
		t.Run(body, func(t *testing.T) {
			ev, err := Interpret([]byte(body), pushHeaders())
			assert.Nil(t, ev)
			assert.ErrorIs(t, err, ErrMalformedPayload)
		})
	}
}

func TestBranchFromRef(t *testing.T) {
	tests := []struct {
		ref  string
		want string
	}{
		{"refs/heads/main", "main"},
		{"refs/heads/release-1", "release-1"},
		{"refs/heads/feature/login", "feature/login"},
		{"refs/tags/v1.0.0", Unknown},
		{"main", Unknown},
		{"refs/heads/", Unknown},
		{"", Unknown},
	}

	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			assert.Equal(t, tt.want, BranchFromRef(tt.ref))
		})
	}
}

func TestShortCommit(t *testing.T) {
	assert.Equal(t, "abcdef0", ShortCommit("abcdef0123456789"))
	assert.Equal(t, "abc", ShortCommit("abc"))
	assert.Equal(t, "", ShortCommit(""))
}
