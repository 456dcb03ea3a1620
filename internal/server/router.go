package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/propfunnel/leadintake/backend/internal/auth"
	"github.com/propfunnel/leadintake/backend/internal/buyers"
	"github.com/propfunnel/leadintake/backend/internal/users"
	"go.uber.org/zap"
)

const identityContextKey = "leadintake_identity"

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingLeadService    = errors.New("lead service dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator resolves a bearer token into a caller identity.
type TokenValidator interface {
	ValidateToken(token string) (auth.Identity, error)
}

// Dependencies wires the HTTP layer to its collaborators.
type Dependencies struct {
	TokenValidator TokenValidator
	LeadService    *buyers.Service
	AccountService *users.Service
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin router for the lead-intake API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenValidator == nil {
		return nil, errMissingTokenValidator
	}
	if deps.LeadService == nil {
		return nil, errMissingLeadService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:   deps.TokenValidator,
		leads:    deps.LeadService,
		accounts: deps.AccountService,
		logger:   logger,
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/leads", handler.handleCreateLead)
	protected.GET("/leads", handler.handleListLeads)
	protected.GET("/leads/:id", handler.handleGetLead)
	protected.PUT("/leads/:id", handler.handleUpdateLead)
	protected.GET("/leads/:id/history", handler.handleLeadHistory)
	protected.POST("/leads/import", handler.handleImportLeads)
	protected.GET("/users/:id", handler.handleGetUser)

	return router, nil
}

type httpHandler struct {
	tokens   TokenValidator
	leads    *buyers.Service
	accounts *users.Service
	logger   *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	identity, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if h.accounts != nil {
		if err := h.accounts.Touch(c.Request.Context(), identity); err != nil {
			h.logger.Warn("account touch failed", zap.String("user_id", identity.UserID), zap.Error(err))
		}
	}
	c.Set(identityContextKey, identity)
	c.Next()
}

func callerIdentity(c *gin.Context) auth.Identity {
	value, exists := c.Get(identityContextKey)
	if !exists {
		return auth.Identity{}
	}
	identity, ok := value.(auth.Identity)
	if !ok {
		return auth.Identity{}
	}
	return identity
}

type leadPayload struct {
	ID           string   `json:"id"`
	FullName     string   `json:"fullName"`
	Email        string   `json:"email,omitempty"`
	Phone        string   `json:"phone"`
	City         string   `json:"city"`
	PropertyType string   `json:"propertyType"`
	BHK          string   `json:"bhk,omitempty"`
	Purpose      string   `json:"purpose"`
	BudgetMin    *int64   `json:"budgetMin"`
	BudgetMax    *int64   `json:"budgetMax"`
	Timeline     string   `json:"timeline"`
	Source       string   `json:"source"`
	Status       string   `json:"status"`
	Notes        string   `json:"notes,omitempty"`
	Tags         []string `json:"tags"`
	OwnerID      string   `json:"ownerId"`
	UpdatedAt    string   `json:"updatedAt"`
}

func leadToPayload(lead buyers.Lead) leadPayload {
	tags := lead.Tags()
	if tags == nil {
		tags = []string{}
	}
	return leadPayload{
		ID:           lead.LeadID,
		FullName:     lead.FullName,
		Email:        lead.Email,
		Phone:        lead.Phone,
		City:         lead.City,
		PropertyType: lead.PropertyType,
		BHK:          lead.BHK,
		Purpose:      lead.Purpose,
		BudgetMin:    lead.BudgetMin,
		BudgetMax:    lead.BudgetMax,
		Timeline:     lead.Timeline,
		Source:       lead.Source,
		Status:       lead.Status,
		Notes:        lead.Notes,
		Tags:         tags,
		OwnerID:      lead.OwnerID,
		UpdatedAt:    lead.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func (h *httpHandler) handleCreateLead(c *gin.Context) {
	var input buyers.LeadInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	lead, err := h.leads.Create(c.Request.Context(), callerIdentity(c), input)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"lead": leadToPayload(lead)})
}

func (h *httpHandler) handleUpdateLead(c *gin.Context) {
	var input buyers.LeadInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	lead, err := h.leads.Update(c.Request.Context(), callerIdentity(c), c.Param("id"), input)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"lead": leadToPayload(lead)})
}

func (h *httpHandler) handleGetLead(c *gin.Context) {
	lead, err := h.leads.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"lead": leadToPayload(lead)})
}

func (h *httpHandler) handleListLeads(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	query := buyers.ListQuery{
		NameContains: c.Query("q"),
		City:         c.Query("city"),
		PropertyType: c.Query("propertyType"),
		Status:       c.Query("status"),
		Timeline:     c.Query("timeline"),
		Page:         page,
	}

	result, err := h.leads.List(c.Request.Context(), query)
	if err != nil {
		h.respondError(c, err)
		return
	}

	items := make([]leadPayload, 0, len(result.Items))
	for _, lead := range result.Items {
		items = append(items, leadToPayload(lead))
	}
	c.JSON(http.StatusOK, gin.H{
		"items":      items,
		"total":      result.Total,
		"page":       result.Page,
		"totalPages": result.TotalPages,
	})
}

type historyEntryPayload struct {
	ID        string          `json:"id"`
	LeadID    string          `json:"leadId"`
	ChangedBy string          `json:"changedBy"`
	ChangedAt string          `json:"changedAt"`
	Diff      json.RawMessage `json:"diff"`
}

func (h *httpHandler) handleLeadHistory(c *gin.Context) {
	entries, err := h.leads.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	payload := make([]historyEntryPayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, historyEntryPayload{
			ID:        entry.EntryID,
			LeadID:    entry.LeadID,
			ChangedBy: entry.ChangedBy,
			ChangedAt: entry.ChangedAt.UTC().Format(time.RFC3339),
			Diff:      json.RawMessage(entry.DiffJSON),
		})
	}
	c.JSON(http.StatusOK, gin.H{"entries": payload})
}

type importRequestPayload struct {
	Leads []buyers.LeadInput `json:"leads"`
}

func (h *httpHandler) handleImportLeads(c *gin.Context) {
	var request importRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Leads) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	leads, err := h.leads.Import(c.Request.Context(), callerIdentity(c), request.Leads)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"imported": len(leads)})
}

func (h *httpHandler) handleGetUser(c *gin.Context) {
	if h.accounts == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "account_not_found"})
		return
	}
	account, err := h.accounts.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, users.ErrAccountNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "account_not_found"})
		return
	}
	if err != nil {
		h.logger.Error("account lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":          account.UserID,
		"email":       account.Email,
		"displayName": account.DisplayName,
		"role":        account.Role,
	})
}

// respondError maps the pipeline failure taxonomy onto HTTP statuses.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	var validation *buyers.ValidationError
	switch {
	case errors.Is(err, buyers.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	case errors.Is(err, buyers.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, buyers.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "lead_not_found"})
	case errors.Is(err, buyers.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict"})
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"error": validation.Violations.ByField()})
	default:
		h.logger.Error("lead operation failed", zap.Error(err))
		var serviceErr *buyers.ServiceError
		if errors.As(err, &serviceErr) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "code": serviceErr.Code()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
