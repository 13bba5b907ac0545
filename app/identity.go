package chatsync

import (
	"errors"
	"sync"

	"github.com/golang-jwt/jwt/v5"

	"github.com/bustart/chatsync/chat"
)

var (
	ErrTokenInvalid = errors.New("token invalid")
	ErrNoUserClaim  = errors.New("token carries no user id")
)

// AccessClaims is the claim set of the gateway's access tokens. The uid claim
// names the signed-in user; older tokens use the registered subject instead.
type AccessClaims struct {
	UID string `json:"uid,omitempty"`
	jwt.RegisteredClaims
}

// UserID extracts the user id from an access token. The token is decoded, not
// verified: the client trusts the gateway that issued it, it only needs to
// know who it is acting as.
func UserID(token string) (string, error) {
	claims := &AccessClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", ErrTokenInvalid
	}

	uid := claims.UID
	if uid == "" {
		uid = claims.Subject
	}
	if uid == "" {
		return "", ErrNoUserClaim
	}
	return uid, nil
}

// IdentityStore holds the current access token and resolves the signed-in
// user id from it. Swapping the token (sign in, sign out, refresh) takes
// effect on the next resolution.
type IdentityStore struct {
	mu    sync.RWMutex
	token string
	uid   string
}

func NewIdentityStore(token string) *IdentityStore {
	s := &IdentityStore{}
	s.SetToken(token)
	return s
}

// SetToken replaces the access token. An empty or undecodable token leaves
// the store signed out.
func (s *IdentityStore) SetToken(token string) {
	uid := ""
	if token != "" {
		uid, _ = UserID(token)
	}
	s.mu.Lock()
	s.token = token
	s.uid = uid
	s.mu.Unlock()
}

func (s *IdentityStore) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// UserID returns the signed-in user id, or "" when signed out.
func (s *IdentityStore) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.uid
}

// Identity adapts the store to the resolver the chat core consumes.
func (s *IdentityStore) Identity() chat.Identity {
	return s.UserID
}
