package auth

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hookdeploy/internal/project"
)

func testSnapshot(t *testing.T, projects ...*project.Project) *project.Snapshot {
	t.Helper()
	snap, err := project.NewSnapshot(projects)
	require.NoError(t, err)
	return snap
}

func TestAuthenticateRoundTrip(t *testing.T) {
	var projects []*project.Project
	for i := 0; i < 5; i++ {
		projects = append(projects, project.New(fmt.Sprintf("project-%d", i),
			fmt.Sprintf("secret-for-project-%d-which-is-long-enough", i), "", "", 0))
	}
	snap := testSnapshot(t, projects...)
	body := []byte(`{"ref":"refs/heads/main","head_commit":{"id":"abcdef0123"}}`)

	a := NewHMACAuthenticator()
	for _, p := range projects {
		got, err := a.Authenticate(body, Sign(body, p.Secret), snap)
		require.NoError(t, err)
		assert.Equal(t, p.Key, got.Key)
	}
}

func TestAuthenticateRejectsUnknownSecret(t *testing.T) {
	snap := testSnapshot(t,
		project.New("alpha", "alpha-secret-which-is-long-enough-ok", "", "", 0),
		project.New("beta", "beta-secret-which-is-long-enough-ok!", "", "", 0),
	)
	body := []byte(`{}`)

	got, err := NewHMACAuthenticator().Authenticate(body, Sign(body, "some-other-secret-nobody-has-configured"), snap)
	assert.Nil(t, got)
	require.ErrorIs(t, err, ErrAuthenticationFailed)
	for _, p := range snap.Projects() {
		assert.False(t, strings.Contains(err.Error(), p.Key), "error must not name a project")
	}
}

func TestAuthenticateMissingSignature(t *testing.T) {
	snap := testSnapshot(t, project.New("alpha", "alpha-secret-which-is-long-enough-ok", "", "", 0))

	_, err := NewHMACAuthenticator().Authenticate([]byte(`{}`), "", snap)
	assert.True(t, errors.Is(err, ErrAuthenticationFailed))
}

func TestAuthenticateSkipsEmptySecret(t *testing.T) {
	snap := testSnapshot(t,
		project.New("open", "", "", "", 0),
		project.New("closed", "closed-secret-which-is-long-enough-ok", "", "", 0),
	)
	body := []byte(`{}`)

	_, err := NewHMACAuthenticator().Authenticate(body, Sign(body, ""), snap)
	require.ErrorIs(t, err, ErrAuthenticationFailed)

	got, err := NewHMACAuthenticator().Authenticate(body, Sign(body, "closed-secret-which-is-long-enough-ok"), snap)
	require.NoError(t, err)
	assert.Equal(t, "closed", got.Key)
}

func TestAuthenticateFirstMatchWins(t *testing.T) {
	shared := "shared-secret-which-is-long-enough-ok"
	snap := testSnapshot(t,
		project.New("first", shared, "", "", 0),
		project.New("second", shared, "", "", 0),
	)
	body := []byte(`{}`)

	got, err := NewHMACAuthenticator().Authenticate(body, Sign(body, shared), snap)
	require.NoError(t, err)
	assert.Equal(t, "first", got.Key)
}

func TestAuthenticateNilSnapshot(t *testing.T) {
	_, err := NewHMACAuthenticator().Authenticate([]byte(`{}`), "sha256=00", nil)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}
