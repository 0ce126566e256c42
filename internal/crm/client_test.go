package crm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/crmvoice/internal/metrics"
)

type recordedRequest struct {
	Method string
	URI    string
	Header http.Header
	Body   string
}

type fakeWebAPI struct {
	*httptest.Server
	mu       sync.Mutex
	requests []recordedRequest
}

func newFakeWebAPI(t *testing.T, handler http.HandlerFunc) *fakeWebAPI {
	t.Helper()
	f := &fakeWebAPI{}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.requests = append(f.requests, recordedRequest{
			Method: r.Method,
			URI:    r.URL.RequestURI(),
			Header: r.Header.Clone(),
			Body:   string(body),
		})
		f.mu.Unlock()
		handler(w, r)
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeWebAPI) last() recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func newTestClient(t *testing.T, api *fakeWebAPI) *Client {
	t.Helper()
	c, err := NewClient(Config{OrgURL: api.URL, APIVersion: "v9.2"}, api.Client(), zaptest.NewLogger(t), metrics.NewCollector("test", nil))
	require.NoError(t, err)
	return c
}

func TestResolveNextLink_AbsoluteAndRelativeAreEquivalent(t *testing.T) {
	base, err := url.Parse("https://contoso.crm4.dynamics.com/api/data/v9.2/")
	require.NoError(t, err)

	query := "$select=name,telephone1&$skiptoken=%3Ccookie%20pagenumber=%222%22%20pagingcookie=%22%253ccookie%22%20/%3E"
	absolute := "https://contoso.crm4.dynamics.com/api/data/v9.2/accounts?" + query

	tests := []struct {
		name string
		link string
	}{
		{"absolute", absolute},
		{"host relative", "/api/data/v9.2/accounts?" + query},
		{"base relative", "accounts?" + query},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveNextLink(base, tt.link)
			require.NoError(t, err)
			assert.Equal(t, absolute, got.String())
			assert.Equal(t, query, got.RawQuery, "query forwarded verbatim")
		})
	}
}

func TestResolveNextLink_Rejects(t *testing.T) {
	base, _ := url.Parse("https://contoso.crm4.dynamics.com/api/data/v9.2/")

	for _, link := range []string{
		"",
		"https://evil.example.com/api/data/v9.2/accounts",
		"http://contoso.crm4.dynamics.com/api/data/v9.2/accounts",
		"//contoso.crm4.dynamics.com/api/data/v9.2/accounts",
		"https://contoso.crm4.dynamics.com/%zz",
	} {
		_, err := ResolveNextLink(base, link)
		assert.ErrorIs(t, err, ErrInvalidNextLink, link)
	}
}

func TestClient_ListSendsPageSize(t *testing.T) {
	var api *fakeWebAPI
	api = newFakeWebAPI(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"value":           []map[string]string{{"name": "Contoso"}, {"name": "Fabrikam"}},
			"@odata.nextLink": api.URL + "/api/data/v9.2/accounts?$select=name&$skiptoken=abc",
		})
	})
	c := newTestClient(t, api)

	page, err := c.List(context.Background(), "accounts", "$select=name&$filter=statecode%20eq%200", 2)
	require.NoError(t, err)

	assert.Len(t, page.Items, 2)
	assert.Equal(t, api.URL+"/api/data/v9.2/accounts?$select=name&$skiptoken=abc", page.NextLink)

	req := api.last()
	assert.Equal(t, "/api/data/v9.2/accounts?$select=name&$filter=statecode%20eq%200", req.URI)
	assert.Equal(t, "odata.maxpagesize=2", req.Header.Get("Prefer"))
	assert.Equal(t, "4.0", req.Header.Get("OData-Version"))
}

func TestClient_ListByNextLinkOmitsPageSize(t *testing.T) {
	api := newFakeWebAPI(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"value": []any{}})
	})
	c := newTestClient(t, api)

	for _, link := range []string{
		api.URL + "/api/data/v9.2/accounts?$select=name&$skiptoken=abc",
		"/api/data/v9.2/accounts?$select=name&$skiptoken=abc",
	} {
		page, err := c.ListByNextLink(context.Background(), link)
		require.NoError(t, err)
		assert.Empty(t, page.Items)
		assert.Empty(t, page.NextLink)

		req := api.last()
		assert.Equal(t, "/api/data/v9.2/accounts?$select=name&$skiptoken=abc", req.URI)
		assert.Empty(t, req.Header.Get("Prefer"))
	}
}

func TestClient_RecordOperations(t *testing.T) {
	api := newFakeWebAPI(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodPost:
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"accountid":"7d577253-3ef0-4a0a-bb7f-8335c2596e70","name":"Contoso"}`))
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	})
	c := newTestClient(t, api)
	ctx := context.Background()
	id := "7d577253-3ef0-4a0a-bb7f-8335c2596e70"

	record, err := c.Get(ctx, "accounts", id, "$select=name")
	require.NoError(t, err)
	assert.JSONEq(t, `{"accountid":"`+id+`","name":"Contoso"}`, string(record))
	assert.Equal(t, "/api/data/v9.2/accounts("+id+")?$select=name", api.last().URI)

	_, err = c.Create(ctx, "accounts", json.RawMessage(`{"name":"Contoso"}`))
	require.NoError(t, err)
	created := api.last()
	assert.Equal(t, http.MethodPost, created.Method)
	assert.Equal(t, "return=representation", created.Header.Get("Prefer"))
	assert.JSONEq(t, `{"name":"Contoso"}`, created.Body)

	require.NoError(t, c.Update(ctx, "accounts", id, json.RawMessage(`{"name":"Contoso Ltd"}`)))
	updated := api.last()
	assert.Equal(t, http.MethodPatch, updated.Method)
	assert.Equal(t, "*", updated.Header.Get("If-Match"))

	require.NoError(t, c.Delete(ctx, "accounts", id))
	assert.Equal(t, http.MethodDelete, api.last().Method)
}

func TestClient_Validation(t *testing.T) {
	api := newFakeWebAPI(t, func(w http.ResponseWriter, r *http.Request) {})
	c := newTestClient(t, api)
	ctx := context.Background()

	_, err := c.List(ctx, "accounts;drop", "", 0)
	assert.ErrorIs(t, err, ErrInvalidEntitySet)

	_, err = c.Get(ctx, "accounts", "not-a-guid", "")
	assert.ErrorIs(t, err, ErrInvalidID)

	_, err = c.ListByNextLink(ctx, "https://elsewhere.example.com/api/data/v9.2/accounts")
	assert.ErrorIs(t, err, ErrInvalidNextLink)
}

func TestClient_APIError(t *testing.T) {
	api := newFakeWebAPI(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":{"code":"0x80040217","message":"account With Id = 7d577253 Does Not Exist"}}`))
	})
	c := newTestClient(t, api)

	_, err := c.Get(context.Background(), "accounts", "7d577253-3ef0-4a0a-bb7f-8335c2596e70", "")

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "0x80040217", apiErr.Code)
}

func TestClient_ClientCredentials(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.Form.Get("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"crm-token","token_type":"Bearer","expires_in":3600}`))
	}))
	defer tokenServer.Close()

	api := newFakeWebAPI(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"value":[]}`))
	})

	c, err := NewClient(Config{
		OrgURL:       api.URL,
		ClientID:     "app-id",
		ClientSecret: "app-secret",
		TokenURL:     tokenServer.URL,
		RateLimit:    100,
		RateBurst:    1,
	}, nil, zaptest.NewLogger(t), nil)
	require.NoError(t, err)

	_, err = c.List(context.Background(), "contacts", "", 0)
	require.NoError(t, err)
	assert.Equal(t, "Bearer crm-token", api.last().Header.Get("Authorization"))
}
