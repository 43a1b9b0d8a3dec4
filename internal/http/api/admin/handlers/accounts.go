package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/ethgate/ethgate/internal/issuer"
	"github.com/ethgate/ethgate/internal/models"
	"github.com/ethgate/ethgate/internal/plan"
	"github.com/ethgate/ethgate/internal/resetter"
	"github.com/ethgate/ethgate/internal/store"
)

// AccountHandler manages account and credential endpoints.
type AccountHandler struct {
	issuer   *issuer.Issuer
	accounts *store.AccountStore
	resetter *resetter.Resetter
}

// NewAccountHandler constructs an AccountHandler.
func NewAccountHandler(iss *issuer.Issuer, accounts *store.AccountStore, reset *resetter.Resetter) *AccountHandler {
	return &AccountHandler{issuer: iss, accounts: accounts, resetter: reset}
}

// Create issues a credential for a named account. Issuing for an existing
// account is a no-op that returns 200 without a key.
func (h *AccountHandler) Create(c *gin.Context) {
	// body holds the create request payload.
	var body struct {
		Name string `json:"name"`
		Plan string `json:"plan"`
	}
	if errBindJSON := c.ShouldBindJSON(&body); errBindJSON != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	secret, created, errIssue := h.issuer.Issue(c.Request.Context(), body.Name, body.Plan)
	if errIssue != nil {
		switch {
		case errors.Is(errIssue, issuer.ErrInvalidName):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid account name"})
		case errors.Is(errIssue, issuer.ErrUnknownPlan):
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown plan"})
		case errors.Is(errIssue, store.ErrUnavailable):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "issue key failed"})
		}
		return
	}
	if !created {
		c.JSON(http.StatusOK, gin.H{
			"name":    strings.TrimSpace(body.Name),
			"created": false,
		})
		return
	}
	// The plaintext key is returned exactly once, at issuance.
	c.JSON(http.StatusCreated, gin.H{
		"name":    strings.TrimSpace(body.Name),
		"created": true,
		"api_key": secret,
	})
}

// List returns all accounts with plan and usage, never credentials.
func (h *AccountHandler) List(c *gin.Context) {
	rows, errList := h.accounts.List(c.Request.Context())
	if errList != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
		return
	}
	out := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		out = append(out, accountView(row))
	}
	c.JSON(http.StatusOK, gin.H{"accounts": out})
}

// Get returns a single account by name.
func (h *AccountHandler) Get(c *gin.Context) {
	name := strings.TrimSpace(c.Param("name"))
	row, errGet := h.accounts.GetByName(c.Request.Context(), name)
	if errGet != nil {
		if errors.Is(errGet, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
		return
	}
	c.JSON(http.StatusOK, accountView(*row))
}

// ChangePlan moves an account to a different plan. The current usage counter
// carries over unchanged.
func (h *AccountHandler) ChangePlan(c *gin.Context) {
	name := strings.TrimSpace(c.Param("name"))

	var body struct {
		Plan string `json:"plan"`
	}
	if errBindJSON := c.ShouldBindJSON(&body); errBindJSON != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	errChange := h.issuer.ChangePlan(c.Request.Context(), name, body.Plan)
	if errChange != nil {
		switch {
		case errors.Is(errChange, issuer.ErrUnknownPlan):
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown plan"})
		case errors.Is(errChange, store.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		case errors.Is(errChange, store.ErrUnavailable):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "change plan failed"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": name, "plan": strings.ToLower(strings.TrimSpace(body.Plan))})
}

// Rotate replaces an account's credential and returns the new key once.
func (h *AccountHandler) Rotate(c *gin.Context) {
	name := strings.TrimSpace(c.Param("name"))

	secret, errRotate := h.issuer.Rotate(c.Request.Context(), name)
	if errRotate != nil {
		switch {
		case errors.Is(errRotate, store.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		case errors.Is(errRotate, store.ErrUnavailable):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "rotate key failed"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": name, "api_key": secret})
}

// ResetUsage zeroes every account's usage counter immediately, outside the
// scheduled reset.
func (h *AccountHandler) ResetUsage(c *gin.Context) {
	count, errReset := h.resetter.ResetAll(c.Request.Context())
	if errReset != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reset": count})
}

// accountView shapes an account row for API responses. Credential digests
// never leave the server.
func accountView(row models.Account) gin.H {
	quota := plan.QuotaFor(row.Plan)
	view := gin.H{
		"name":          row.Name,
		"plan":          row.Plan,
		"request_count": row.RequestCount,
		"period_start":  row.PeriodStart,
		"created_at":    row.CreatedAt,
	}
	if quota.Unlimited {
		view["quota"] = nil
	} else {
		view["quota"] = quota.Limit
	}
	return view
}
