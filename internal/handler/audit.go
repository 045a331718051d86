package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"bikely/server/internal/model"
)

// AuditHandler records and lists operator activity. With a nil db the
// recorders are no-ops and the list endpoints answer 404.
type AuditHandler struct {
	db *gorm.DB
}

// NewAuditHandler creates a new audit handler
func NewAuditHandler(db *gorm.DB) *AuditHandler {
	return &AuditHandler{db: db}
}

// RegisterRoutes registers the audit routes on a protected group
func (h *AuditHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/audit/logins", h.ListLoginLogs)
	r.GET("/audit/operations", h.ListOperationLogs)
	r.GET("/audit/stats", h.GetStats)
}

// ListLoginLogs returns login attempts, newest first
// @Summary Login audit log
// @Tags Audit
// @Produce json
// @Security BearerAuth
// @Param username query string false "Filter by username"
// @Param page query int false "Page (1-based)"
// @Success 200 {object} map[string]interface{}
// @Router /audit/logins [get]
func (h *AuditHandler) ListLoginLogs(c *gin.Context) {
	if h.db == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "audit log unavailable"})
		return
	}

	query := h.db.Order("created_at DESC")
	if username := c.Query("username"); username != "" {
		query = query.Where("username = ?", username)
	}

	page := 1
	if p, err := strconv.Atoi(c.Query("page")); err == nil && p > 0 {
		page = p
	}
	pageSize := 20

	var total int64
	query.Model(&model.LoginLog{}).Count(&total)

	var logs []model.LoginLog
	query.Offset((page - 1) * pageSize).Limit(pageSize).Find(&logs)

	c.JSON(http.StatusOK, gin.H{
		"list":      logs,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// ListOperationLogs returns recorded operator actions, newest first
// @Summary Operation audit log
// @Tags Audit
// @Produce json
// @Security BearerAuth
// @Param module query string false "Filter by module (geofence, billing)"
// @Success 200 {object} map[string]interface{}
// @Router /audit/operations [get]
func (h *AuditHandler) ListOperationLogs(c *gin.Context) {
	if h.db == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "audit log unavailable"})
		return
	}

	query := h.db.Order("created_at DESC")
	if module := c.Query("module"); module != "" {
		query = query.Where("module = ?", module)
	}

	var logs []model.OperationLog
	query.Limit(100).Find(&logs)

	c.JSON(http.StatusOK, gin.H{"list": logs})
}

// GetStats returns today's audit counters
// @Summary Audit stats
// @Tags Audit
// @Produce json
// @Security BearerAuth
// @Success 200 {object} map[string]interface{}
// @Router /audit/stats [get]
func (h *AuditHandler) GetStats(c *gin.Context) {
	if h.db == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "audit log unavailable"})
		return
	}

	var todayLogins int64
	h.db.Model(&model.LoginLog{}).Where("DATE(created_at) = CURRENT_DATE").Count(&todayLogins)

	var failedLogins int64
	h.db.Model(&model.LoginLog{}).Where("success = ? AND DATE(created_at) = CURRENT_DATE", false).Count(&failedLogins)

	var operations int64
	h.db.Model(&model.OperationLog{}).Where("DATE(created_at) = CURRENT_DATE").Count(&operations)

	c.JSON(http.StatusOK, gin.H{
		"today_logins":     todayLogins,
		"failed_logins":    failedLogins,
		"today_operations": operations,
	})
}

// RecordLogin writes one login attempt. Safe to call with a nil db.
func (h *AuditHandler) RecordLogin(userID int, username, ip, userAgent string, success bool, errorMsg string) {
	if h.db == nil {
		return
	}
	entry := model.LoginLog{
		UserID:    userID,
		Username:  username,
		IP:        ip,
		UserAgent: userAgent,
		Success:   success,
		ErrorMsg:  errorMsg,
		CreatedAt: time.Now(),
	}
	h.db.Create(&entry)
}

// RecordOperation writes one mutating operator action. Safe to call with a
// nil db.
func (h *AuditHandler) RecordOperation(username, module, action, resourceID, detail, ip string) {
	if h.db == nil {
		return
	}
	entry := model.OperationLog{
		Username:   username,
		Module:     module,
		Action:     action,
		ResourceID: resourceID,
		Detail:     detail,
		IP:         ip,
		CreatedAt:  time.Now(),
	}
	h.db.Create(&entry)
}
