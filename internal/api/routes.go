package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/crmvoice/domain/repositories"
	"github.com/satriahrh/crmvoice/internal/auth"
	"github.com/satriahrh/crmvoice/internal/crm"
	"github.com/satriahrh/crmvoice/internal/metrics"
	"github.com/satriahrh/crmvoice/internal/websocket"
)

const (
	// PageSizeHeader carries the requested page size of a first-page list call
	PageSizeHeader = "X-Page-Size"

	maxPageSize         = 5000
	maxRecordBodyBytes  = 1 << 20
	defaultArchiveLimit = 20
)

// CRMService is the upstream the proxy forwards to
type CRMService interface {
	List(ctx context.Context, entitySet, rawQuery string, pageSize int) (*crm.Page, error)
	ListByNextLink(ctx context.Context, nextLink string) (*crm.Page, error)
	Get(ctx context.Context, entitySet, id, rawQuery string) (json.RawMessage, error)
	Create(ctx context.Context, entitySet string, record json.RawMessage) (json.RawMessage, error)
	Update(ctx context.Context, entitySet, id string, changes json.RawMessage) error
	Delete(ctx context.Context, entitySet, id string) error
}

// Dependencies are the services the routes are built on. Gateway and
// Archives may be nil.
type Dependencies struct {
	Issuer          *auth.Issuer
	Clients         auth.ClientStore
	CRM             CRMService
	DefaultPageSize int
	Gateway         *websocket.Gateway
	Archives        repositories.ConversationArchiveRepository
	Metrics         *metrics.Collector
	Logger          *zap.Logger
}

type handlers struct {
	Dependencies
}

// InitRoutes initializes all API routes
func InitRoutes(e *echo.Echo, deps Dependencies) {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	h := &handlers{Dependencies: deps}

	e.Use(RecordMetrics(deps.Metrics))

	// Health check
	e.GET("/health", h.health)
	e.GET("/metrics", echo.WrapHandler(deps.Metrics.Handler()))

	// API v1 routes
	v1 := e.Group("/api/v1")

	// Token APIs
	v1.POST("/auth/token", h.issueToken)
	v1.POST("/auth/refresh", h.refreshToken)

	protected := v1.Group("", RequireBearer(deps.Issuer, deps.Logger))

	// CRM proxy APIs
	protected.GET("/crm/next", h.listNext)
	protected.GET("/crm/:entity", h.list)
	protected.POST("/crm/:entity", h.create)
	protected.GET("/crm/:entity/:id", h.get)
	protected.PATCH("/crm/:entity/:id", h.update)
	protected.DELETE("/crm/:entity/:id", h.delete)

	// Conversation History APIs
	protected.GET("/conversations/:identity", h.conversations)

	// Voice socket gateway, identity comes from the URL
	e.GET("/:tenant/:version/ws/:feature/:identity", h.voiceSession)
}

func (h *handlers) health(c echo.Context) error {
	sessions := 0
	if h.Gateway != nil {
		sessions = h.Gateway.ActiveSessions()
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status":   "ok",
		"service":  "crmvoice-proxy",
		"sessions": sessions,
	})
}

func (h *handlers) issueToken(c echo.Context) error {
	var req TokenRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}

	if req.ClientID == "" || req.ClientSecret == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_fields",
			Message: "Client ID and client secret are required",
		})
	}

	if err := h.Clients.Verify(req.ClientID, req.ClientSecret); err != nil {
		h.Logger.Warn("Client authentication failed", zap.String("client_id", req.ClientID))
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "invalid_client",
			Message: "Invalid client credentials",
		})
	}

	pair, err := h.Issuer.Issue(req.ClientID)
	if err != nil {
		h.Logger.Error("Failed to issue token", zap.String("client_id", req.ClientID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "token_generation_failed",
			Message: "Failed to generate authentication token",
		})
	}

	h.Logger.Info("Client authenticated successfully", zap.String("client_id", req.ClientID))
	return c.JSON(http.StatusOK, pair)
}

func (h *handlers) refreshToken(c echo.Context) error {
	var req RefreshRequest
	if err := c.Bind(&req); err != nil || req.RefreshToken == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Refresh token is required",
		})
	}

	pair, err := h.Issuer.Refresh(req.RefreshToken)
	if err != nil {
		h.Logger.Debug("Token refresh rejected", zap.Error(err))
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "invalid_token",
			Message: "Invalid or expired refresh token",
		})
	}
	return c.JSON(http.StatusOK, pair)
}

func (h *handlers) list(c echo.Context) error {
	pageSize, err := h.pageSize(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_page_size",
			Message: err.Error(),
		})
	}

	page, err := h.CRM.List(c.Request().Context(), c.Param("entity"), c.Request().URL.RawQuery, pageSize)
	if err != nil {
		return h.crmError(c, "list", err)
	}
	return c.JSON(http.StatusOK, page)
}

func (h *handlers) listNext(c echo.Context) error {
	link := c.QueryParam("link")
	if link == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_link",
			Message: "The link query parameter is required",
		})
	}

	page, err := h.CRM.ListByNextLink(c.Request().Context(), link)
	if err != nil {
		return h.crmError(c, "list_next", err)
	}
	return c.JSON(http.StatusOK, page)
}

func (h *handlers) get(c echo.Context) error {
	record, err := h.CRM.Get(c.Request().Context(), c.Param("entity"), c.Param("id"), c.Request().URL.RawQuery)
	if err != nil {
		return h.crmError(c, "get", err)
	}
	return c.JSONBlob(http.StatusOK, record)
}

func (h *handlers) create(c echo.Context) error {
	body, err := readRecord(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: err.Error()})
	}

	record, err := h.CRM.Create(c.Request().Context(), c.Param("entity"), body)
	if err != nil {
		return h.crmError(c, "create", err)
	}
	if len(record) == 0 {
		return c.NoContent(http.StatusCreated)
	}
	return c.JSONBlob(http.StatusCreated, record)
}

func (h *handlers) update(c echo.Context) error {
	body, err := readRecord(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: err.Error()})
	}

	if err := h.CRM.Update(c.Request().Context(), c.Param("entity"), c.Param("id"), body); err != nil {
		return h.crmError(c, "update", err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *handlers) delete(c echo.Context) error {
	if err := h.CRM.Delete(c.Request().Context(), c.Param("entity"), c.Param("id")); err != nil {
		return h.crmError(c, "delete", err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *handlers) conversations(c echo.Context) error {
	if h.Archives == nil {
		return c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:   "archive_disabled",
			Message: "Conversation archiving is not configured",
		})
	}

	limit := defaultArchiveLimit
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "invalid_limit",
				Message: "limit must be a positive integer",
			})
		}
		limit = n
	}

	identity := c.Param("identity")
	archives, err := h.Archives.ListByIdentity(c.Request().Context(), identity, limit)
	if err != nil {
		h.Logger.Error("Failed to list conversations", zap.String("identity", identity), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "Failed to list conversations",
		})
	}
	return c.JSON(http.StatusOK, ConversationsResponse{Identity: identity, Conversations: archives})
}

func (h *handlers) voiceSession(c echo.Context) error {
	if h.Gateway == nil {
		return c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:   "gateway_disabled",
			Message: "Voice gateway is not configured",
		})
	}

	err := h.Gateway.HandleSession(c, c.Param("identity"), c.Param("tenant"), c.Param("feature"))
	if err == nil {
		return nil
	}

	var upstreamErr *websocket.UpstreamError
	switch {
	case errors.Is(err, websocket.ErrInvalidIdentity):
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_identity", Message: err.Error()})
	case errors.Is(err, websocket.ErrNoUpstream):
		return c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "gateway_disabled", Message: err.Error()})
	case errors.As(err, &upstreamErr):
		return c.JSON(http.StatusBadGateway, ErrorResponse{Error: "upstream_unavailable", Message: "Voice backend is unavailable"})
	}
	// upgrade failures have already answered the request
	return nil
}

// pageSize reads X-Page-Size, falling back to the configured default
func (h *handlers) pageSize(c echo.Context) (int, error) {
	v := strings.TrimSpace(c.Request().Header.Get(PageSizeHeader))
	if v == "" {
		return h.DefaultPageSize, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 || n > maxPageSize {
		return 0, errors.New("X-Page-Size must be between 1 and 5000")
	}
	return n, nil
}

func (h *handlers) crmError(c echo.Context, op string, err error) error {
	switch {
	case errors.Is(err, crm.ErrInvalidEntitySet), errors.Is(err, crm.ErrInvalidID), errors.Is(err, crm.ErrInvalidNextLink):
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: err.Error()})
	}

	var apiErr *crm.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode < http.StatusInternalServerError {
		return c.JSON(apiErr.StatusCode, ErrorResponse{Error: "crm_error", Message: apiErr.Message})
	}

	h.Logger.Error("CRM request failed", zap.String("operation", op), zap.Error(err))
	return c.JSON(http.StatusBadGateway, ErrorResponse{
		Error:   "upstream_error",
		Message: "CRM request failed",
	})
}

func readRecord(c echo.Context) (json.RawMessage, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxRecordBodyBytes))
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, errors.New("body must be a JSON object")
	}
	return body, nil
}
