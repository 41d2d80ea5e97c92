package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/ticketwell/helpdesk/backend/internal/cache"
	"github.com/ticketwell/helpdesk/backend/internal/identity"
	"github.com/ticketwell/helpdesk/backend/internal/metrics"
	"github.com/ticketwell/helpdesk/backend/internal/reconcile"
	"github.com/ticketwell/helpdesk/backend/internal/store"
	"github.com/ticketwell/helpdesk/backend/internal/syncer"
	"go.uber.org/zap"
)

const identityContextKey = "helpdesk_identity"

var (
	errMissingValidator    = errors.New("session validator dependency required")
	errMissingOrchestrator = errors.New("orchestrator dependency required")
	errMissingCache        = errors.New("cache dependency required")
	errMissingReconciler   = errors.New("reconciliation service dependency required")
)

// SessionVerifier validates an incoming request's session token and yields
// the identity snapshot it carries.
type SessionVerifier interface {
	ValidateRequest(r *http.Request) (identity.Identity, error)
}

// Dependencies wires the HTTP surface to the sync core.
type Dependencies struct {
	Validator    SessionVerifier
	Orchestrator *syncer.Orchestrator
	Cache        *cache.Cache
	Reconciler   *reconcile.Service
	Logger       *zap.Logger
}

// NewHTTPHandler builds the gin router. Reads are served from the local cache
// only; nothing here ever queries the remote store directly.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Validator == nil {
		return nil, errMissingValidator
	}
	if deps.Orchestrator == nil {
		return nil, errMissingOrchestrator
	}
	if deps.Cache == nil {
		return nil, errMissingCache
	}
	if deps.Reconciler == nil {
		return nil, errMissingReconciler
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		validator:    deps.Validator,
		orchestrator: deps.Orchestrator,
		cache:        deps.Cache,
		reconciler:   deps.Reconciler,
		logger:       logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	protected := router.Group("/api")
	protected.Use(handler.authorizeRequest)
	protected.GET("/sync/status", handler.handleSyncStatus)
	protected.GET("/sync/connection", handler.handleConnectionState)
	protected.POST("/session/activate", handler.handleActivate)
	protected.POST("/session/deactivate", handler.handleDeactivate)
	protected.GET("/records/:table", handler.handleRecords)

	return router, nil
}

type httpHandler struct {
	validator    SessionVerifier
	orchestrator *syncer.Orchestrator
	cache        *cache.Cache
	reconciler   *reconcile.Service
	logger       *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	ident, err := h.validator.ValidateRequest(c.Request)
	if err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, identity.ErrNoMembership) {
			status = http.StatusForbidden
		}
		c.AbortWithStatusJSON(status, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(identityContextKey, ident)
	c.Next()
}

func requestIdentity(c *gin.Context) (identity.Identity, bool) {
	value, ok := c.Get(identityContextKey)
	if !ok {
		return identity.Identity{}, false
	}
	ident, ok := value.(identity.Identity)
	return ident, ok
}

type syncStatusPayload struct {
	NeedsSync    bool `json:"needs_sync"`
	TenantExists bool `json:"tenant_exists"`
	UserExists   bool `json:"user_exists"`
}

func (h *httpHandler) handleSyncStatus(c *gin.Context) {
	ident, ok := requestIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	status, err := h.reconciler.CheckSyncStatus(c.Request.Context(), ident.User.ID, ident.Organization.Slug)
	if err != nil {
		h.logger.Warn("sync status check failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "status_check_failed"})
		return
	}
	c.JSON(http.StatusOK, syncStatusPayload{
		NeedsSync:    status.NeedsSync,
		TenantExists: status.TenantExists,
		UserExists:   status.UserExists,
	})
}

type activateResponsePayload struct {
	Success   bool   `json:"success"`
	TenantID  string `json:"tenant_id,omitempty"`
	Subdomain string `json:"subdomain,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Role      string `json:"role,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (h *httpHandler) handleActivate(c *gin.Context) {
	ident, ok := requestIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	result, err := h.orchestrator.Activate(c.Request.Context(), ident)
	if err != nil {
		h.logger.Error("session activation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "activation_failed"})
		return
	}
	payload := activateResponsePayload{Success: result.Success}
	if result.Tenant != nil {
		payload.TenantID = result.Tenant.ID
		payload.Subdomain = result.Tenant.Subdomain
	}
	if result.User != nil {
		payload.UserID = result.User.ID
		payload.Role = string(result.User.Role)
	}
	if result.Err != nil {
		payload.Error = result.Err.Error()
		// Reconciliation failed after retries; the client degrades to
		// read-only mode rather than treating this as a server fault.
		c.JSON(http.StatusOK, payload)
		return
	}
	c.JSON(http.StatusOK, payload)
}

func (h *httpHandler) handleDeactivate(c *gin.Context) {
	h.orchestrator.Deactivate(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"status": "deactivated"})
}

type connectionStatePayload struct {
	Status            string `json:"status"`
	ReconnectAttempts int    `json:"reconnect_attempts"`
	LastError         string `json:"last_error,omitempty"`
}

func (h *httpHandler) handleConnectionState(c *gin.Context) {
	session := h.orchestrator.ActiveSession()
	if session == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	states := make(map[string]connectionStatePayload)
	for table, state := range session.ConnectionStates() {
		payload := connectionStatePayload{
			Status:            string(state.Status),
			ReconnectAttempts: state.ReconnectAttempts,
		}
		if state.LastError != nil {
			payload.LastError = state.LastError.Error()
		}
		states[table] = payload
	}
	c.JSON(http.StatusOK, states)
}

type recordPayload struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenant_id"`
	CreatedAt int64           `json:"created_at_s"`
	UpdatedAt int64           `json:"updated_at_s"`
	Row       json.RawMessage `json:"row"`
}

func (h *httpHandler) handleRecords(c *gin.Context) {
	session := h.orchestrator.ActiveSession()
	if session == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "no_active_session"})
		return
	}
	table := c.Param("table")
	if table != store.TableTickets && table != store.TableResponses {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_table"})
		return
	}
	records, err := h.cache.EntitiesForTenant(c.Request.Context(), session.TenantID(), table)
	if err != nil {
		h.logger.Warn("cache read failed",
			zap.String("table", table),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cache_read_failed"})
		return
	}
	payload := make([]recordPayload, 0, len(records))
	for _, record := range records {
		payload = append(payload, recordPayload{
			ID:        record.ID,
			TenantID:  record.TenantID,
			CreatedAt: record.CreatedAtSeconds,
			UpdatedAt: record.UpdatedAtSeconds,
			Row:       json.RawMessage(record.PayloadJSON),
		})
	}
	c.JSON(http.StatusOK, gin.H{"records": payload})
}
