// Package identity is the thin client-side view of the auth collaborator.
// The core never manages credentials itself; it only reads the current user
// id and token before each data-store call.
package identity

import (
	"github.com/google/uuid"

	"github.com/quizparty/roomsync/internal/errs"
)

// Provider supplies the identity of the local player. Implementations must
// return a SessionExpired error once the backing credential is stale so
// callers can fail closed before attempting a remote write.
type Provider interface {
	CurrentUserID() (uuid.UUID, error)
	CurrentToken() (string, error)
	DisplayName() string
}

// StaticProvider wraps an issued session. It re-verifies the token on every
// read so expiry surfaces as errs.CodeSessionExpired at call time rather
// than as a confusing remote rejection later.
type StaticProvider struct {
	auth        *Authenticator
	userID      uuid.UUID
	token       string
	displayName string
}

// NewStaticProvider issues a fresh session for displayName and returns a
// provider bound to it.
func NewStaticProvider(auth *Authenticator, displayName string) (*StaticProvider, error) {
	userID := uuid.New()
	token, err := auth.CreateToken(userID.String())
	if err != nil {
		return nil, errs.Wrap(errs.CodeSessionExpired, err, "failed to issue session token")
	}
	return &StaticProvider{
		auth:        auth,
		userID:      userID,
		token:       token,
		displayName: displayName,
	}, nil
}

// CurrentUserID returns the stable user id, or SessionExpired if the token
// no longer verifies.
func (p *StaticProvider) CurrentUserID() (uuid.UUID, error) {
	if _, err := p.auth.VerifyToken(p.token); err != nil {
		return uuid.Nil, errs.Wrap(errs.CodeSessionExpired, err, "session token no longer valid")
	}
	return p.userID, nil
}

// CurrentToken returns the auth token for the data store, or SessionExpired.
func (p *StaticProvider) CurrentToken() (string, error) {
	if _, err := p.auth.VerifyToken(p.token); err != nil {
		return "", errs.Wrap(errs.CodeSessionExpired, err, "session token no longer valid")
	}
	return p.token, nil
}

// DisplayName returns the name announced on presence channels.
func (p *StaticProvider) DisplayName() string { return p.displayName }
