// Package crm is the upstream client for the Dynamics 365 Web API.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/satriahrh/crmvoice/internal/metrics"
)

const defaultTokenURLFormat = "https://login.microsoftonline.com/%s/oauth2/v2.0/token"

var (
	ErrInvalidEntitySet = errors.New("invalid entity set name")
	ErrInvalidID        = errors.New("invalid record id")

	entitySetPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// Config configures the Web API client
type Config struct {
	OrgURL       string
	APIVersion   string
	TenantID     string
	ClientID     string
	ClientSecret string
	// TokenURL overrides the Azure AD token endpoint derived from TenantID.
	TokenURL  string
	RateLimit float64 // requests per second, 0 disables limiting
	RateBurst int
	Timeout   time.Duration
}

// Page is one page of a list result
type Page struct {
	Items    []json.RawMessage `json:"items"`
	NextLink string            `json:"next_link,omitempty"`
}

// APIError is an error returned by the Web API
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("crm api error %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("crm api error %d: %s", e.StatusCode, e.Message)
}

// Client calls the Web API with OAuth2 client credentials and a rate limit
type Client struct {
	baseURL *url.URL
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
	metrics *metrics.Collector
}

// NewClient creates a new Web API client. A nil httpClient uses the OAuth2
// client-credentials flow configured in cfg.
func NewClient(cfg Config, httpClient *http.Client, logger *zap.Logger, collector *metrics.Collector) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.OrgURL == "" {
		return nil, errors.New("crm org URL is required")
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = "v9.2"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	orgURL := strings.TrimRight(cfg.OrgURL, "/")
	base, err := url.Parse(orgURL + "/api/data/" + cfg.APIVersion + "/")
	if err != nil {
		return nil, fmt.Errorf("invalid crm org URL: %w", err)
	}

	if httpClient == nil {
		tokenURL := cfg.TokenURL
		if tokenURL == "" {
			tokenURL = fmt.Sprintf(defaultTokenURLFormat, cfg.TenantID)
		}
		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     tokenURL,
			Scopes:       []string{orgURL + "/.default"},
		}
		httpClient = cc.Client(context.Background())
		httpClient.Timeout = cfg.Timeout
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst < 1 {
		burst = 1
	}

	return &Client{
		baseURL: base,
		http:    httpClient,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.With(zap.String("component", "crm_client")),
		metrics: collector,
	}, nil
}

// BaseURL returns the Web API root, used as the host context for next links
func (c *Client) BaseURL() *url.URL {
	u := *c.baseURL
	return &u
}

// List fetches the first page of an entity set. rawQuery is forwarded as is.
// A positive pageSize is sent as an odata.maxpagesize preference.
func (c *Client) List(ctx context.Context, entitySet, rawQuery string, pageSize int) (*Page, error) {
	if !entitySetPattern.MatchString(entitySet) {
		return nil, ErrInvalidEntitySet
	}

	target := c.resolve(entitySet)
	target.RawQuery = strings.TrimPrefix(rawQuery, "?")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}
	if pageSize > 0 {
		req.Header.Set("Prefer", "odata.maxpagesize="+strconv.Itoa(pageSize))
	}
	return c.fetchPage(req, "list")
}

// ListByNextLink follows a continuation link. The page size preference is
// never sent on this call.
func (c *Client) ListByNextLink(ctx context.Context, nextLink string) (*Page, error) {
	target, err := ResolveNextLink(c.baseURL, nextLink)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}
	return c.fetchPage(req, "list_next")
}

// Get fetches a single record
func (c *Client) Get(ctx context.Context, entitySet, id, rawQuery string) (json.RawMessage, error) {
	target, err := c.recordURL(entitySet, id)
	if err != nil {
		return nil, err
	}
	target.RawQuery = strings.TrimPrefix(rawQuery, "?")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}

	var body json.RawMessage
	if err := c.do(req, "get", &body); err != nil {
		return nil, err
	}
	return body, nil
}

// Create inserts a record and returns its representation
func (c *Client) Create(ctx context.Context, entitySet string, record json.RawMessage) (json.RawMessage, error) {
	if !entitySetPattern.MatchString(entitySet) {
		return nil, ErrInvalidEntitySet
	}
	target := c.resolve(entitySet)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(record))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=representation")

	var body json.RawMessage
	if err := c.do(req, "create", &body); err != nil {
		return nil, err
	}
	return body, nil
}

// Update patches an existing record. It never creates one.
func (c *Client) Update(ctx context.Context, entitySet, id string, changes json.RawMessage) error {
	target, err := c.recordURL(entitySet, id)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, target.String(), bytes.NewReader(changes))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("If-Match", "*")
	return c.do(req, "update", nil)
}

// Delete removes a record
func (c *Client) Delete(ctx context.Context, entitySet, id string) error {
	target, err := c.recordURL(entitySet, id)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, target.String(), nil)
	if err != nil {
		return err
	}
	return c.do(req, "delete", nil)
}

func (c *Client) recordURL(entitySet, id string) (*url.URL, error) {
	if !entitySetPattern.MatchString(entitySet) {
		return nil, ErrInvalidEntitySet
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	return c.resolve(entitySet + "(" + parsed.String() + ")"), nil
}

// resolve joins an already safe path onto the API root without escaping the
// parentheses of record keys
func (c *Client) resolve(path string) *url.URL {
	return c.baseURL.ResolveReference(&url.URL{Path: path, RawPath: path})
}

type collectionResponse struct {
	Value    []json.RawMessage `json:"value"`
	NextLink string            `json:"@odata.nextLink"`
}

func (c *Client) fetchPage(req *http.Request, op string) (*Page, error) {
	var collection collectionResponse
	if err := c.do(req, op, &collection); err != nil {
		return nil, err
	}
	items := collection.Value
	if items == nil {
		items = []json.RawMessage{}
	}
	return &Page{Items: items, NextLink: collection.NextLink}, nil
}

// do sends req and decodes a successful JSON body into out
func (c *Client) do(req *http.Request, op string, out any) error {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return fmt.Errorf("crm rate limit: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("OData-MaxVersion", "4.0")
	req.Header.Set("OData-Version", "4.0")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.RecordCRMRequest(op, 0)
		return fmt.Errorf("crm %s request failed: %w", op, err)
	}
	defer resp.Body.Close()

	c.metrics.RecordCRMRequest(op, resp.StatusCode)
	c.logger.Debug("CRM request completed",
		zap.String("operation", op),
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)))

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeAPIError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to decode crm %s response: %w", op, err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}

	var payload struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if json.Unmarshal(data, &payload) == nil && payload.Error.Message != "" {
		apiErr.Code = payload.Error.Code
		apiErr.Message = payload.Error.Message
	}
	return apiErr
}
