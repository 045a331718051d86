package handler

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xuri/excelize/v2"

	"bikely/server/internal/service"
)

// BillingHandler exposes the billing snapshots, invoice generation and the
// operator reports
type BillingHandler struct {
	billing *service.BillingService
	reports *service.ReportService
	audit   *AuditHandler
}

// NewBillingHandler creates a new billing handler
func NewBillingHandler(billing *service.BillingService, reports *service.ReportService, audit *AuditHandler) *BillingHandler {
	return &BillingHandler{billing: billing, reports: reports, audit: audit}
}

// GetSnapshot returns the billing figures for one rider
// @Summary Billing snapshot
// @Description Current {username, penaltyCount, usageSeconds} for one rider
// @Tags Billing
// @Produce json
// @Security BearerAuth
// @Param username path string true "Username"
// @Success 200 {object} model.BillingSnapshot
// @Router /billing/{username} [get]
func (h *BillingHandler) GetSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, h.billing.Snapshot(c.Param("username")))
}

// ListSnapshots returns billing figures for every known session
// @Summary Billing snapshots
// @Tags Billing
// @Produce json
// @Security BearerAuth
// @Success 200 {object} map[string]interface{}
// @Router /billing [get]
func (h *BillingHandler) ListSnapshots(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": h.billing.Snapshots()})
}

// GenerateInvoice creates and delivers an invoice, then resets the rider's
// violation counters
// @Summary Generate invoice
// @Tags Billing
// @Produce json
// @Security BearerAuth
// @Param username path string true "Username"
// @Success 200 {object} model.Invoice
// @Failure 502 {object} map[string]string
// @Router /billing/{username}/invoice [post]
func (h *BillingHandler) GenerateInvoice(c *gin.Context) {
	username := c.Param("username")
	invoice, err := h.billing.GenerateInvoice(c.Request.Context(), username)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	h.audit.RecordOperation(operatorName(c), "billing", "invoice", username, "", c.ClientIP())
	c.JSON(http.StatusOK, invoice)
}

// ExportUsageReport streams an xlsx report of usage and penalties per rider
// @Summary Export usage report
// @Tags Billing
// @Produce application/vnd.openxmlformats-officedocument.spreadsheetml.sheet
// @Security BearerAuth
// @Success 200 {file} binary
// @Failure 500 {object} map[string]string
// @Router /reports/usage/export [get]
func (h *BillingHandler) ExportUsageReport(c *gin.Context) {
	f := excelize.NewFile()
	defer f.Close()

	sheetName := "Usage"
	f.SetSheetName("Sheet1", sheetName)

	headers := []string{"Username", "Usage (s)", "Usage (min)", "Penalties", "Estimated amount"}
	for i, header := range headers {
		cell := fmt.Sprintf("%c1", 'A'+i)
		f.SetCellValue(sheetName, cell, header)
	}

	for row, snapshot := range h.billing.Snapshots() {
		r := row + 2
		f.SetCellValue(sheetName, fmt.Sprintf("A%d", r), snapshot.Username)
		f.SetCellValue(sheetName, fmt.Sprintf("B%d", r), snapshot.UsageSeconds)
		f.SetCellValue(sheetName, fmt.Sprintf("C%d", r), float64(snapshot.UsageSeconds)/60)
		f.SetCellValue(sheetName, fmt.Sprintf("D%d", r), snapshot.PenaltyCount)
		f.SetCellValue(sheetName, fmt.Sprintf("E%d", r), h.billing.EstimateAmount(snapshot))
	}

	for i := range headers {
		col := string(rune('A' + i))
		f.SetColWidth(sheetName, col, col, 18)
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	filename := fmt.Sprintf("usage-report-%s.xlsx", time.Now().Format("20060102"))
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))
	c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", buf.Bytes())
}

// ListPenaltyHistory returns persisted penalties for review
// @Summary Penalty history
// @Tags Reports
// @Produce json
// @Security BearerAuth
// @Param username query string false "Filter by username"
// @Param limit query int false "Max rows (default 100)"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} map[string]string
// @Router /reports/penalties [get]
func (h *BillingHandler) ListPenaltyHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	records, err := h.reports.PenaltyHistory(c.Request.Context(),
		c.Query("username"), time.Time{}, time.Time{}, limit)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": records})
}

// ExportPenaltyReport streams an xlsx of the persisted penalty history
// @Summary Export penalty report
// @Tags Reports
// @Produce application/vnd.openxmlformats-officedocument.spreadsheetml.sheet
// @Security BearerAuth
// @Param username query string false "Filter by username"
// @Success 200 {file} binary
// @Failure 404 {object} map[string]string
// @Router /reports/penalties/export [get]
func (h *BillingHandler) ExportPenaltyReport(c *gin.Context) {
	data, err := h.reports.ExportPenaltyHistory(c.Request.Context(),
		c.Query("username"), time.Time{}, time.Time{})
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}

	filename := fmt.Sprintf("penalty-report-%s.xlsx", time.Now().Format("20060102"))
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))
	c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", data)
}

// GetDashboardStats returns the counters the operator dashboard polls
// @Summary Dashboard stats
// @Tags Reports
// @Produce json
// @Security BearerAuth
// @Success 200 {object} map[string]interface{}
// @Router /reports/dashboard [get]
func (h *BillingHandler) GetDashboardStats(c *gin.Context) {
	stats, err := h.reports.DashboardStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// operatorName pulls the authenticated username set by the auth middleware
func operatorName(c *gin.Context) string {
	return c.GetString("username")
}
