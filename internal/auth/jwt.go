package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token types carried in the "typ" claim
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

var (
	ErrEmptySecret      = errors.New("jwt secret is empty")
	ErrInvalidToken     = errors.New("invalid token")
	ErrWrongTokenType   = errors.New("wrong token type")
	ErrInvalidClient    = errors.New("invalid client credentials")
	ErrEmptyClientID    = errors.New("client id is empty")
	ErrTokenNotIssuable = errors.New("token could not be issued")
)

// Claims represents the claims in a proxy token
type Claims struct {
	ClientID  string `json:"client_id"`
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

// TokenPair is the response of a token or refresh call
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Issuer signs and validates HS256 access and refresh tokens
type Issuer struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewIssuer creates an issuer. The secret must not be empty.
func NewIssuer(secret string, accessTTL, refreshTTL time.Duration) (*Issuer, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	if accessTTL <= 0 {
		accessTTL = 15 * time.Minute
	}
	if refreshTTL <= 0 {
		refreshTTL = 7 * 24 * time.Hour
	}
	return &Issuer{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}, nil
}

// Issue creates a new access/refresh pair for clientID
func (i *Issuer) Issue(clientID string) (*TokenPair, error) {
	if clientID == "" {
		return nil, ErrEmptyClientID
	}

	access, err := i.sign(clientID, TokenTypeAccess, i.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := i.sign(clientID, TokenTypeRefresh, i.refreshTTL)
	if err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(i.accessTTL / time.Second),
	}, nil
}

// Refresh exchanges a valid refresh token for a new pair
func (i *Issuer) Refresh(refreshToken string) (*TokenPair, error) {
	claims, err := i.validate(refreshToken, TokenTypeRefresh)
	if err != nil {
		return nil, err
	}
	return i.Issue(claims.ClientID)
}

// ValidateAccess validates an access token and returns its claims
func (i *Issuer) ValidateAccess(token string) (*Claims, error) {
	return i.validate(token, TokenTypeAccess)
}

func (i *Issuer) sign(clientID, tokenType string, ttl time.Duration) (string, error) {
	now := i.now()
	claims := &Claims{
		ClientID:  clientID,
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   clientID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenNotIssuable, err)
	}
	return signed, nil
}

func (i *Issuer) validate(tokenString, tokenType string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return i.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(i.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.TokenType != tokenType {
		return nil, ErrWrongTokenType
	}
	return claims, nil
}

// ClientStore holds the API clients allowed to obtain tokens
type ClientStore map[string]string

// Verify reports whether secret belongs to clientID
func (s ClientStore) Verify(clientID, secret string) error {
	expected, ok := s[clientID]
	if !ok || clientID == "" {
		return ErrInvalidClient
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(secret)) != 1 {
		return ErrInvalidClient
	}
	return nil
}
