// Package auth resolves which project sent a webhook by its signature.
package auth

import (
	"errors"

	"hookdeploy/internal/project"
)

// ErrAuthenticationFailed is the only error callers see for a rejected
// request. It never says which part of the check failed.
var ErrAuthenticationFailed = errors.New("authentication failed")

// Authenticator finds the project whose secret produced signature.
type Authenticator interface {
	Authenticate(body []byte, signature string, snap *project.Snapshot) (*project.Project, error)
}

// HMACAuthenticator tries every project secret in snapshot order.
//
// Each candidate costs one HMAC over the body, so the work grows with the
// number of projects. A sender-supplied project hint would turn this into a
// keyed lookup; the interface allows swapping that in.
type HMACAuthenticator struct{}

// NewHMACAuthenticator returns the linear-scan authenticator.
func NewHMACAuthenticator() *HMACAuthenticator {
	return &HMACAuthenticator{}
}

// Authenticate returns the first project whose secret matches. Projects with
// an empty secret never match.
func (a *HMACAuthenticator) Authenticate(body []byte, signature string, snap *project.Snapshot) (*project.Project, error) {
	if signature == "" || snap == nil {
		return nil, ErrAuthenticationFailed
	}

	for _, p := range snap.Projects() {
		if p.Secret == "" {
			continue
		}
		if VerifySignature(body, signature, p.Secret) {
			return p, nil
		}
	}

	return nil, ErrAuthenticationFailed
}
