package service

import (
	"context"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"
	"gorm.io/gorm"

	"bikely/server/internal/model"
)

// ReportService builds operator-facing reports from the persisted penalty and
// invoice history. All queries require the database; with a nil db every
// method returns ErrNotFound so handlers answer 404 instead of 500.
type ReportService struct {
	db       *gorm.DB
	registry *SessionRegistry
	store    *GeofenceStore
}

// NewReportService creates a new report service
func NewReportService(db *gorm.DB, registry *SessionRegistry, store *GeofenceStore) *ReportService {
	return &ReportService{db: db, registry: registry, store: store}
}

// PenaltyHistory returns persisted penalties, newest first, optionally
// filtered by username and time range
func (s *ReportService) PenaltyHistory(ctx context.Context, username string, since, until time.Time, limit int) ([]model.PenaltyRecord, error) {
	if s.db == nil {
		return nil, fmt.Errorf("penalty history: %w", ErrNotFound)
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := s.db.WithContext(ctx).Order("issued_at DESC").Limit(limit)
	if username != "" {
		query = query.Where("username = ?", username)
	}
	if !since.IsZero() {
		query = query.Where("issued_at >= ?", since)
	}
	if !until.IsZero() {
		query = query.Where("issued_at <= ?", until)
	}

	var records []model.PenaltyRecord
	err := query.Find(&records).Error
	return records, err
}

// DashboardStats returns the counters the operator dashboard polls
func (s *ReportService) DashboardStats(ctx context.Context) (map[string]interface{}, error) {
	connected := 0
	total := 0
	for _, sess := range s.registry.Sessions() {
		total++
		if sess.Connected {
			connected++
		}
	}

	stats := map[string]interface{}{
		"connected_riders": connected,
		"known_riders":     total,
		"geofences":        len(s.store.List()),
	}

	if s.db != nil {
		today := time.Now().Format("2006-01-02")

		var todayPenalties int64
		s.db.WithContext(ctx).Model(&model.PenaltyRecord{}).
			Where("DATE(issued_at) = ?", today).Count(&todayPenalties)

		var totalPenalties int64
		s.db.WithContext(ctx).Model(&model.PenaltyRecord{}).Count(&totalPenalties)

		var invoices int64
		s.db.WithContext(ctx).Model(&model.Invoice{}).
			Where("DATE(created_at) = ?", today).Count(&invoices)

		stats["today_penalties"] = todayPenalties
		stats["total_penalties"] = totalPenalties
		stats["today_invoices"] = invoices
	}

	return stats, nil
}

// ExportPenaltyHistory builds an xlsx workbook of the persisted penalties
func (s *ReportService) ExportPenaltyHistory(ctx context.Context, username string, since, until time.Time) ([]byte, error) {
	records, err := s.PenaltyHistory(ctx, username, since, until, 1000)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	defer f.Close()

	sheetName := "Penalties"
	f.SetSheetName("Sheet1", sheetName)

	headers := []string{"Username", "Geofence", "Reason", "Violation #", "Session duration (min)", "Issued at"}
	for i, header := range headers {
		cell := fmt.Sprintf("%c1", 'A'+i)
		f.SetCellValue(sheetName, cell, header)
	}

	for row, rec := range records {
		r := row + 2
		f.SetCellValue(sheetName, fmt.Sprintf("A%d", r), rec.Username)
		f.SetCellValue(sheetName, fmt.Sprintf("B%d", r), rec.GeofenceID)
		f.SetCellValue(sheetName, fmt.Sprintf("C%d", r), rec.Reason)
		f.SetCellValue(sheetName, fmt.Sprintf("D%d", r), rec.Violations)
		f.SetCellValue(sheetName, fmt.Sprintf("E%d", r), float64(rec.Duration)/60000)
		f.SetCellValue(sheetName, fmt.Sprintf("F%d", r), rec.IssuedAt.Format(time.RFC3339))
	}

	for i := range headers {
		col := string(rune('A' + i))
		f.SetColWidth(sheetName, col, col, 22)
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
