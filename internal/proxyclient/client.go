// Package proxyclient calls the proxy REST surface on behalf of the CLI.
package proxyclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/crmvoice/domain/entities"
	"github.com/satriahrh/crmvoice/internal/auth"
	"github.com/satriahrh/crmvoice/internal/crm"
)

// PageSizeHeader carries the requested page size on a first-page list call
const PageSizeHeader = "X-Page-Size"

// ErrStopPaging stops ListAll without an error
var ErrStopPaging = errors.New("stop paging")

// Config configures the proxy client
type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
}

// Error is a non-2xx answer from the proxy
type Error struct {
	StatusCode int
	Code       string `json:"error"`
	Message    string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("proxy error %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

// Client talks to the proxy with a self-refreshing bearer token
type Client struct {
	baseURL *url.URL
	http    *http.Client
	logger  *zap.Logger
}

// New creates a client. base is the transport under the token layer and may be nil.
func New(cfg Config, base http.RoundTripper, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	baseURL, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/") + "/")
	if err != nil || baseURL.Host == "" {
		return nil, fmt.Errorf("invalid proxy URL %q", cfg.BaseURL)
	}
	if base == nil {
		base = http.DefaultTransport
	}

	fetcher := &tokenFetcher{
		baseURL:      baseURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		http:         &http.Client{Transport: base, Timeout: cfg.Timeout},
	}

	return &Client{
		baseURL: baseURL,
		http: &http.Client{
			Transport: auth.NewRefreshingTransport(base, fetcher, logger),
			Timeout:   cfg.Timeout,
		},
		logger: logger.With(zap.String("component", "proxy_client")),
	}, nil
}

// resolve joins prefix and the escaped segments onto the base URL. Path holds
// the decoded form and RawPath the escaped one so nothing is escaped twice.
func (c *Client) resolve(prefix string, segments ...string) *url.URL {
	path, rawPath := prefix, prefix
	for _, seg := range segments {
		path += "/" + seg
		rawPath += "/" + url.PathEscape(seg)
	}
	return c.baseURL.ResolveReference(&url.URL{Path: path, RawPath: rawPath})
}

// List fetches the first page of an entity set, sending the page size
func (c *Client) List(ctx context.Context, entitySet, rawQuery string, pageSize int) (*crm.Page, error) {
	target := c.resolve("api/v1/crm", entitySet)
	target.RawQuery = strings.TrimPrefix(rawQuery, "?")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}
	if pageSize > 0 {
		req.Header.Set(PageSizeHeader, strconv.Itoa(pageSize))
	}

	var page crm.Page
	if err := c.do(req, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Next follows a next_link verbatim. The page size is never sent.
func (c *Client) Next(ctx context.Context, nextLink string) (*crm.Page, error) {
	if nextLink == "" {
		return nil, crm.ErrInvalidNextLink
	}
	target := c.resolve("api/v1/crm/next")
	target.RawQuery = url.Values{"link": {nextLink}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}

	var page crm.Page
	if err := c.do(req, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// ListAll walks every page and hands each to fn. fn may return ErrStopPaging.
func (c *Client) ListAll(ctx context.Context, entitySet, rawQuery string, pageSize int, fn func(*crm.Page) error) error {
	page, err := c.List(ctx, entitySet, rawQuery, pageSize)
	for {
		if err != nil {
			return err
		}
		if err := fn(page); err != nil {
			if errors.Is(err, ErrStopPaging) {
				return nil
			}
			return err
		}
		if page.NextLink == "" {
			return nil
		}
		page, err = c.Next(ctx, page.NextLink)
	}
}

// Get fetches a single record
func (c *Client) Get(ctx context.Context, entitySet, id string) (json.RawMessage, error) {
	target := c.resolve("api/v1/crm", entitySet, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}
	var record json.RawMessage
	if err := c.do(req, &record); err != nil {
		return nil, err
	}
	return record, nil
}

// Conversations lists the archived conversations of identity, newest first
func (c *Client) Conversations(ctx context.Context, identity string, limit int) ([]*entities.ConversationArchive, error) {
	target := c.resolve("api/v1/conversations", identity)
	if limit > 0 {
		target.RawQuery = url.Values{"limit": {strconv.Itoa(limit)}}.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}

	var out struct {
		Conversations []*entities.ConversationArchive `json:"conversations"`
	}
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("proxy request failed: %w", err)
	}
	defer resp.Body.Close()

	c.logger.Debug("Proxy request completed",
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
		zap.Int("status", resp.StatusCode))

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode proxy response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	perr := &Error{StatusCode: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if json.Unmarshal(data, perr) != nil || perr.Message == "" {
		perr.Message = http.StatusText(resp.StatusCode)
	}
	return perr
}

// tokenFetcher obtains tokens from the proxy auth endpoints
type tokenFetcher struct {
	baseURL      *url.URL
	clientID     string
	clientSecret string
	http         *http.Client
}

func (f *tokenFetcher) Login(ctx context.Context) (*auth.TokenPair, error) {
	return f.post(ctx, "api/v1/auth/token", map[string]string{
		"client_id":     f.clientID,
		"client_secret": f.clientSecret,
	})
}

func (f *tokenFetcher) Refresh(ctx context.Context, refreshToken string) (*auth.TokenPair, error) {
	return f.post(ctx, "api/v1/auth/refresh", map[string]string{
		"refresh_token": refreshToken,
	})
}

func (f *tokenFetcher) post(ctx context.Context, path string, body map[string]string) (*auth.TokenPair, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	target := f.baseURL.ResolveReference(&url.URL{Path: path})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}
	var pair auth.TokenPair
	if err := json.NewDecoder(resp.Body).Decode(&pair); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	if pair.AccessToken == "" {
		return nil, errors.New("token response without access token")
	}
	return &pair, nil
}
