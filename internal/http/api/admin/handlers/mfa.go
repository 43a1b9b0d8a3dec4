package handlers

import (
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/pquerna/otp/totp"
	"gorm.io/gorm"

	"github.com/ethgate/ethgate/internal/models"
)

// totpIssuer is the issuer label shown in authenticator apps.
const totpIssuer = "ethgate"

// MFAHandler manages TOTP enrollment for operator accounts.
type MFAHandler struct {
	db *gorm.DB

	// pending holds generated secrets awaiting confirmation, keyed by admin
	// ID. A secret only reaches the database once a valid code proves the
	// operator captured it.
	mu      sync.Mutex
	pending map[uint64]string
}

// NewMFAHandler constructs an MFAHandler.
func NewMFAHandler(db *gorm.DB) *MFAHandler {
	return &MFAHandler{db: db, pending: make(map[uint64]string)}
}

// Status reports whether TOTP is enrolled for the calling admin.
func (h *MFAHandler) Status(c *gin.Context) {
	admin, ok := currentAdmin(c, h.db)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"totp": admin.TOTPSecret != ""})
}

// PrepareTOTP generates a new TOTP secret and provisioning URL. The secret
// stays pending until ConfirmTOTP sees a valid code.
func (h *MFAHandler) PrepareTOTP(c *gin.Context) {
	admin, ok := currentAdmin(c, h.db)
	if !ok {
		return
	}
	if admin.TOTPSecret != "" {
		c.JSON(http.StatusConflict, gin.H{"error": "totp already enrolled"})
		return
	}

	key, errGenerate := totp.Generate(totp.GenerateOpts{
		Issuer:      totpIssuer,
		AccountName: admin.Username,
	})
	if errGenerate != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "generate totp secret failed"})
		return
	}

	h.mu.Lock()
	h.pending[admin.ID] = key.Secret()
	h.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{
		"secret": key.Secret(),
		"url":    key.URL(),
	})
}

// ConfirmTOTP verifies a code against the pending secret and enrolls it.
func (h *MFAHandler) ConfirmTOTP(c *gin.Context) {
	admin, ok := currentAdmin(c, h.db)
	if !ok {
		return
	}

	var body struct {
		Code string `json:"code"`
	}
	if errBindJSON := c.ShouldBindJSON(&body); errBindJSON != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	code := strings.TrimSpace(body.Code)
	if code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing code"})
		return
	}

	h.mu.Lock()
	secret := h.pending[admin.ID]
	h.mu.Unlock()
	if secret == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no pending totp enrollment"})
		return
	}
	if !totp.Validate(code, secret) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid totp code"})
		return
	}

	errUpdate := h.db.WithContext(c.Request.Context()).
		Model(&models.Admin{}).
		Where("id = ?", admin.ID).
		Update("totp_secret", secret).Error
	if errUpdate != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "enroll totp failed"})
		return
	}

	h.mu.Lock()
	delete(h.pending, admin.ID)
	h.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{"totp": true})
}

// DisableTOTP removes TOTP enrollment after verifying a current code.
func (h *MFAHandler) DisableTOTP(c *gin.Context) {
	admin, ok := currentAdmin(c, h.db)
	if !ok {
		return
	}
	if admin.TOTPSecret == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "totp not enrolled"})
		return
	}

	var body struct {
		Code string `json:"code"`
	}
	if errBindJSON := c.ShouldBindJSON(&body); errBindJSON != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if !totp.Validate(strings.TrimSpace(body.Code), admin.TOTPSecret) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid totp code"})
		return
	}

	errUpdate := h.db.WithContext(c.Request.Context()).
		Model(&models.Admin{}).
		Where("id = ?", admin.ID).
		Update("totp_secret", "").Error
	if errUpdate != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "disable totp failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"totp": false})
}

// currentAdmin loads the authenticated admin row from the request context.
// On failure it writes the error response and returns ok=false.
func currentAdmin(c *gin.Context, db *gorm.DB) (models.Admin, bool) {
	id, exists := c.Get("adminID")
	adminID, okCast := id.(uint64)
	if !exists || !okCast {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing admin context"})
		return models.Admin{}, false
	}
	var admin models.Admin
	if errFind := db.WithContext(c.Request.Context()).First(&admin, adminID).Error; errFind != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "admin not found"})
		return models.Admin{}, false
	}
	return admin, true
}
