// Package auth verifies session credentials, impersonation rules and
// delegation tokens for the gateway.
package auth

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/crypto/bcrypt"

	"github.com/txn2/query-gateway/pkg/apierr"
)

// Authentication kinds accepted in configuration.
const (
	KindNone     = "none"
	KindPassword = "password"
)

// Authenticator verifies the credentials presented when a session opens.
type Authenticator interface {
	Authenticate(ctx context.Context, user, password string) error
}

// NoneAuthenticator accepts every user without checking credentials.
type NoneAuthenticator struct{}

// Authenticate accepts any non-empty user.
func (NoneAuthenticator) Authenticate(_ context.Context, user, _ string) error {
	if user == "" {
		return apierr.Authf("user is required")
	}
	return nil
}

// PasswordAuthenticator checks passwords against bcrypt hashes.
type PasswordAuthenticator struct {
	hashes map[string][]byte
	// dummy is compared for unknown users so that lookups and mismatches
	// take the same time.
	dummy []byte
}

// NewPasswordAuthenticator builds an authenticator from user -> bcrypt hash.
func NewPasswordAuthenticator(users map[string]string) (*PasswordAuthenticator, error) {
	if len(users) == 0 {
		return nil, fmt.Errorf("password authentication requires at least one user")
	}
	hashes := make(map[string][]byte, len(users))
	for user, hash := range users {
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("user %s: invalid bcrypt hash: %w", user, err)
		}
		hashes[user] = []byte(hash)
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte("unknown-user"), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("generating placeholder hash: %w", err)
	}
	return &PasswordAuthenticator{hashes: hashes, dummy: dummy}, nil
}

// Authenticate verifies the password for user.
func (a *PasswordAuthenticator) Authenticate(_ context.Context, user, password string) error {
	hash, ok := a.hashes[user]
	if !ok {
		_ = bcrypt.CompareHashAndPassword(a.dummy, []byte(password))
		return apierr.Authf("invalid credentials for user %s", user)
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return apierr.Authf("invalid credentials for user %s", user)
	}
	return nil
}

// Users returns the configured user names, sorted.
func (a *PasswordAuthenticator) Users() []string {
	users := make([]string, 0, len(a.hashes))
	for u := range a.hashes {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// NewAuthenticator builds the authenticator for kind. An empty kind means
// none.
func NewAuthenticator(kind string, users map[string]string) (Authenticator, error) {
	switch kind {
	case "", KindNone:
		return NoneAuthenticator{}, nil
	case KindPassword:
		return NewPasswordAuthenticator(users)
	default:
		return nil, fmt.Errorf("unknown authentication kind: %s", kind)
	}
}

// TokenAuthenticator accepts a live delegation token carried in the
// context in place of a password. Requests without a token fall through to
// Next.
type TokenAuthenticator struct {
	Tokens *DelegationTokens
	Next   Authenticator
}

// Authenticate implements Authenticator. The token owner must be the
// connecting user.
func (a TokenAuthenticator) Authenticate(ctx context.Context, user, password string) error {
	token := GetToken(ctx)
	if token == "" {
		return a.Next.Authenticate(ctx, user, password)
	}
	owner, err := a.Tokens.Verify(token)
	if err != nil {
		return err
	}
	if user != owner {
		return apierr.Authf("delegation token belongs to %s, not %s", owner, user)
	}
	return nil
}

// Verify interface compliance.
var (
	_ Authenticator = NoneAuthenticator{}
	_ Authenticator = (*PasswordAuthenticator)(nil)
	_ Authenticator = TokenAuthenticator{}
)
