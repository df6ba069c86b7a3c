package auth

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/txn2/query-gateway/pkg/apierr"
)

const (
	defaultRenewInterval = 24 * time.Hour
	defaultMaxLifetime   = 7 * 24 * time.Hour
	defaultIssuer        = "query-gateway"
	minSigningKeyLen     = 32
)

// DelegationConfig configures delegation tokens.
type DelegationConfig struct {
	SigningKey []byte
	Issuer     string

	// RenewInterval is how long a token lives after issue or renewal.
	RenewInterval time.Duration

	// MaxLifetime bounds the total life of a token across renewals.
	MaxLifetime time.Duration
}

// DelegationClaims are the claims carried by a delegation token.
type DelegationClaims struct {
	Renewer string `json:"renewer,omitempty"`
	MaxDate int64  `json:"max_date"`
	jwt.RegisteredClaims
}

// DelegationTokens issues, renews and cancels HS256 delegation tokens.
// Renewal and cancellation state is kept in memory.
type DelegationTokens struct {
	cfg DelegationConfig
	now func() time.Time

	mu       sync.Mutex
	renewed  map[string]time.Time
	canceled map[string]time.Time
}

// NewDelegationTokens validates cfg and applies defaults.
func NewDelegationTokens(cfg DelegationConfig) (*DelegationTokens, error) {
	if len(cfg.SigningKey) < minSigningKeyLen {
		return nil, fmt.Errorf("delegation signing key must be at least %d bytes", minSigningKeyLen)
	}
	if cfg.Issuer == "" {
		cfg.Issuer = defaultIssuer
	}
	if cfg.RenewInterval <= 0 {
		cfg.RenewInterval = defaultRenewInterval
	}
	if cfg.MaxLifetime <= 0 {
		cfg.MaxLifetime = defaultMaxLifetime
	}
	cfg.RenewInterval = min(cfg.RenewInterval, cfg.MaxLifetime)
	return &DelegationTokens{
		cfg:      cfg,
		now:      time.Now,
		renewed:  make(map[string]time.Time),
		canceled: make(map[string]time.Time),
	}, nil
}

// Get issues a token for owner that renewer may renew.
func (d *DelegationTokens) Get(owner, renewer string) (string, error) {
	if owner == "" {
		return "", apierr.Authf("delegation token owner is required")
	}
	now := d.now()
	d.prune(now)

	claims := DelegationClaims{
		Renewer: renewer,
		MaxDate: now.Add(d.cfg.MaxLifetime).Unix(),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   owner,
			Issuer:    d.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(d.cfg.RenewInterval)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(d.cfg.SigningKey)
	if err != nil {
		return "", fmt.Errorf("signing delegation token: %w", err)
	}
	return signed, nil
}

// Renew extends the token by the renew interval, never past its max date.
// Only the designated renewer, or the owner when none was named, may renew.
func (d *DelegationTokens) Renew(token, caller string) (time.Time, error) {
	claims, err := d.parse(token)
	if err != nil {
		return time.Time{}, err
	}
	allowed := claims.Renewer
	if allowed == "" {
		allowed = claims.Subject
	}
	if caller != allowed {
		return time.Time{}, apierr.Authf("user %s may not renew this delegation token", caller)
	}

	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, gone := d.canceled[claims.ID]; gone {
		return time.Time{}, apierr.Authf("delegation token was canceled")
	}
	if !now.Before(d.expiryLocked(claims)) {
		return time.Time{}, apierr.Authf("delegation token expired")
	}
	expiry := now.Add(d.cfg.RenewInterval)
	if maxDate := time.Unix(claims.MaxDate, 0); expiry.After(maxDate) {
		expiry = maxDate
	}
	d.renewed[claims.ID] = expiry
	return expiry, nil
}

// Cancel revokes the token. The owner or the renewer may cancel it.
func (d *DelegationTokens) Cancel(token, caller string) error {
	claims, err := d.parse(token)
	if err != nil {
		return err
	}
	if caller != claims.Subject && (claims.Renewer == "" || caller != claims.Renewer) {
		return apierr.Authf("user %s may not cancel this delegation token", caller)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.canceled[claims.ID] = time.Unix(claims.MaxDate, 0)
	delete(d.renewed, claims.ID)
	return nil
}

// Verify returns the owner of a live token.
func (d *DelegationTokens) Verify(token string) (string, error) {
	claims, err := d.parse(token)
	if err != nil {
		return "", err
	}
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, gone := d.canceled[claims.ID]; gone {
		return "", apierr.Authf("delegation token was canceled")
	}
	if !now.Before(d.expiryLocked(claims)) {
		return "", apierr.Authf("delegation token expired")
	}
	return claims.Subject, nil
}

// parse checks the signature and issuer. Expiry is checked by callers
// because renewals move it past the embedded exp.
func (d *DelegationTokens) parse(token string) (*DelegationClaims, error) {
	claims := &DelegationClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return d.cfg.SigningKey, nil
	}, jwt.WithoutClaimsValidation())
	if err != nil {
		return nil, apierr.Authf("invalid delegation token").Wrap(err)
	}
	if claims.Issuer != d.cfg.Issuer {
		return nil, apierr.Authf("invalid delegation token issuer %q", claims.Issuer)
	}
	if claims.ID == "" || claims.Subject == "" || claims.ExpiresAt == nil {
		return nil, apierr.Authf("delegation token is missing required claims")
	}
	return claims, nil
}

func (d *DelegationTokens) expiryLocked(claims *DelegationClaims) time.Time {
	if exp, ok := d.renewed[claims.ID]; ok {
		return exp
	}
	return claims.ExpiresAt.Time
}

// prune forgets state for tokens past their max date.
func (d *DelegationTokens) prune(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, maxDate := range d.canceled {
		if now.After(maxDate) {
			delete(d.canceled, id)
		}
	}
	for id, exp := range d.renewed {
		if now.After(exp) {
			delete(d.renewed, id)
		}
	}
}
