package auth

import (
	"context"
	"io"
	"net/http"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// TokenFetcher obtains token pairs for a RefreshingTransport
type TokenFetcher interface {
	// Login obtains a pair from client credentials.
	Login(ctx context.Context) (*TokenPair, error)
	// Refresh exchanges a refresh token for a new pair.
	Refresh(ctx context.Context, refreshToken string) (*TokenPair, error)
}

// RefreshingTransport attaches a bearer token to every request. On a 401 it
// refreshes the token once and retries the request once. Concurrent 401s share
// a single in-flight refresh.
type RefreshingTransport struct {
	base    http.RoundTripper
	fetcher TokenFetcher
	logger  *zap.Logger

	mu           sync.Mutex
	accessToken  string
	refreshToken string

	group singleflight.Group
}

// NewRefreshingTransport wraps base, http.DefaultTransport when nil
func NewRefreshingTransport(base http.RoundTripper, fetcher TokenFetcher, logger *zap.Logger) *RefreshingTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RefreshingTransport{
		base:    base,
		fetcher: fetcher,
		logger:  logger.With(zap.String("component", "token_transport")),
	}
}

// RoundTrip implements http.RoundTripper
func (t *RefreshingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	token := t.current()
	if token == "" {
		var err error
		if token, err = t.renew(ctx, ""); err != nil {
			return nil, err
		}
	}

	resp, err := t.send(req, token)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	// a consumed body without GetBody cannot be replayed
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		return resp, nil
	}

	fresh, err := t.renew(ctx, token)
	if err != nil {
		t.logger.Warn("Token refresh failed", zap.Error(err))
		return resp, nil
	}

	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	return t.send(req, fresh)
}

// Token returns the current access token, logging in when there is none
func (t *RefreshingTransport) Token(ctx context.Context) (string, error) {
	if token := t.current(); token != "" {
		return token, nil
	}
	return t.renew(ctx, "")
}

func (t *RefreshingTransport) current() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.accessToken
}

func (t *RefreshingTransport) send(req *http.Request, token string) (*http.Response, error) {
	clone := req.Clone(req.Context())
	if req.GetBody != nil && req.Body != nil && req.Body != http.NoBody {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		clone.Body = body
	}
	clone.Header.Set("Authorization", "Bearer "+token)
	return t.base.RoundTrip(clone)
}

// renew replaces stale with a new access token. Callers holding an already
// replaced token get the current one without another refresh.
func (t *RefreshingTransport) renew(ctx context.Context, stale string) (string, error) {
	v, err, shared := t.group.Do("token", func() (interface{}, error) {
		t.mu.Lock()
		access, refresh := t.accessToken, t.refreshToken
		t.mu.Unlock()

		if access != "" && access != stale {
			return access, nil
		}

		var pair *TokenPair
		var err error
		if refresh != "" {
			pair, err = t.fetcher.Refresh(ctx, refresh)
			if err != nil {
				t.logger.Info("Refresh token rejected, logging in again", zap.Error(err))
			}
		}
		if pair == nil {
			pair, err = t.fetcher.Login(ctx)
			if err != nil {
				return "", err
			}
		}

		t.mu.Lock()
		t.accessToken = pair.AccessToken
		t.refreshToken = pair.RefreshToken
		t.mu.Unlock()

		t.logger.Debug("Access token renewed")
		return pair.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	if shared {
		t.logger.Debug("Joined in-flight token renewal")
	}
	return v.(string), nil
}
