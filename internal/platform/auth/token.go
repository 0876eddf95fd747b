package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

// AccessClaims are carried by short-lived access tokens.
type AccessClaims struct {
	jwt.RegisteredClaims
	Role      Role   `json:"role"`
	Username  string `json:"username"`
	SessionID string `json:"sid,omitempty"`
	TokenType string `json:"typ"`
}

// RefreshClaims are carried by refresh tokens. They identify the principal
// only; the session row is found by the hash of the whole token.
type RefreshClaims struct {
	jwt.RegisteredClaims
	TokenType string `json:"typ"`
}

// TokenPair is returned to the client on login and refresh.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// TokenConfig configures a TokenIssuer.
type TokenConfig struct {
	Issuer        string
	AccessSecret  []byte
	RefreshSecret []byte
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

// TokenIssuer mints and verifies HS256 access and refresh tokens. The two
// token kinds are signed with independent secrets.
type TokenIssuer struct {
	issuer        string
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	now           func() time.Time
}

func NewTokenIssuer(cfg TokenConfig) *TokenIssuer {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &TokenIssuer{
		issuer:        cfg.Issuer,
		accessSecret:  cfg.AccessSecret,
		refreshSecret: cfg.RefreshSecret,
		accessTTL:     cfg.AccessTTL,
		refreshTTL:    cfg.RefreshTTL,
		now:           now,
	}
}

func (i *TokenIssuer) AccessTTL() time.Duration  { return i.accessTTL }
func (i *TokenIssuer) RefreshTTL() time.Duration { return i.refreshTTL }

// Issue mints a fresh access/refresh pair for p bound to sessionID.
func (i *TokenIssuer) Issue(p Principal, sessionID uuid.UUID) (TokenPair, error) {
	access, accessExp, err := i.MintAccess(p, sessionID)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, refreshExp, err := i.MintRefresh(p.ID)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		TokenType:        "Bearer",
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// MintAccess signs an access token for p.
func (i *TokenIssuer) MintAccess(p Principal, sessionID uuid.UUID) (string, time.Time, error) {
	now := i.now().Truncate(time.Second)
	exp := now.Add(i.accessTTL)

	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   p.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
		Role:      p.Role,
		Username:  p.Username,
		TokenType: tokenTypeAccess,
	}
	if sessionID != uuid.Nil {
		claims.SessionID = sessionID.String()
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.accessSecret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return signed, exp, nil
}

// MintRefresh signs a refresh token for principalID. Its signature matches
// session.RefreshMinter so it can run inside a rotation transaction.
func (i *TokenIssuer) MintRefresh(principalID uuid.UUID) (string, time.Time, error) {
	now := i.now().Truncate(time.Second)
	exp := now.Add(i.refreshTTL)

	claims := RefreshClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   principalID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
		TokenType: tokenTypeRefresh,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.refreshSecret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign refresh token: %w", err)
	}
	return signed, exp, nil
}

// VerifyAccess validates signature, issuer, expiry and token type.
// It returns ErrTokenExpired or ErrTokenInvalid.
func (i *TokenIssuer) VerifyAccess(token string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := i.parse(token, claims, i.accessSecret); err != nil {
		return nil, err
	}
	if claims.TokenType != tokenTypeAccess {
		return nil, fmt.Errorf("%w: not an access token", ErrTokenInvalid)
	}
	if _, err := uuid.Parse(claims.Subject); err != nil {
		return nil, fmt.Errorf("%w: bad subject", ErrTokenInvalid)
	}
	if !claims.Role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrTokenInvalid, claims.Role)
	}
	return claims, nil
}

// VerifyRefresh validates a refresh token the same way as VerifyAccess.
func (i *TokenIssuer) VerifyRefresh(token string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	if err := i.parse(token, claims, i.refreshSecret); err != nil {
		return nil, err
	}
	if claims.TokenType != tokenTypeRefresh {
		return nil, fmt.Errorf("%w: not a refresh token", ErrTokenInvalid)
	}
	if _, err := uuid.Parse(claims.Subject); err != nil {
		return nil, fmt.Errorf("%w: bad subject", ErrTokenInvalid)
	}
	return claims, nil
}

func (i *TokenIssuer) parse(token string, claims jwt.Claims, secret []byte) error {
	if token == "" {
		return fmt.Errorf("%w: empty token", ErrTokenInvalid)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
	}
	if i.issuer != "" {
		opts = append(opts, jwt.WithIssuer(i.issuer))
	}

	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	}, opts...)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrTokenExpired
	case err != nil:
		return fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	case !parsed.Valid:
		return ErrTokenInvalid
	}
	return nil
}

// PrincipalFromClaims builds the request principal from verified access
// claims. The embedded role is trusted for the token's lifetime.
func PrincipalFromClaims(claims *AccessClaims) (*Principal, uuid.UUID, error) {
	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, uuid.Nil, fmt.Errorf("%w: bad subject", ErrTokenInvalid)
	}
	var sid uuid.UUID
	if claims.SessionID != "" {
		sid, err = uuid.Parse(claims.SessionID)
		if err != nil {
			return nil, uuid.Nil, fmt.Errorf("%w: bad session id", ErrTokenInvalid)
		}
	}
	return &Principal{
		ID:            id,
		Role:          claims.Role,
		Username:      claims.Username,
		Active:        true,
		EmailVerified: true,
	}, sid, nil
}
