package service

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"gorm.io/gorm"

	"bikely/server/internal/config"
	"bikely/server/internal/model"
)

const (
	// InvoiceSignatureHeader carries the HMAC-SHA256 payload signature
	InvoiceSignatureHeader = "X-Bikely-Signature"
	// InvoiceTimestampHeader carries the unix timestamp the signature covers
	InvoiceTimestampHeader = "X-Bikely-Timestamp"
	// InvoiceEventHeader identifies the event kind
	InvoiceEventHeader = "X-Bikely-Event"
)

// BillingService assembles {username, penaltyCount, usageSeconds} snapshots
// for the invoicing collaborator and pushes generated invoices to its webhook.
// Billing itself (tax, currency, ledger) stays on the collaborator's side.
type BillingService struct {
	registry *SessionRegistry
	tracker  *ViolationTracker
	db       *gorm.DB

	httpClient *http.Client
	webhookURL string
	secret     string

	penaltyRate float64
	usageRate   float64 // per minute of usage
}

// NewBillingService creates a billing service. db may be nil.
func NewBillingService(cfg *config.Config, registry *SessionRegistry, tracker *ViolationTracker, db *gorm.DB) *BillingService {
	return &BillingService{
		registry: registry,
		tracker:  tracker,
		db:       db,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		webhookURL:  cfg.InvoiceWebhookURL,
		secret:      cfg.InvoiceWebhookSecret,
		penaltyRate: cfg.PenaltyRate,
		usageRate:   cfg.UsageRate,
	}
}

// Snapshot returns the current billing figures for a username
func (s *BillingService) Snapshot(username string) model.BillingSnapshot {
	return model.BillingSnapshot{
		Username:     username,
		PenaltyCount: s.tracker.PenaltyCount(username),
		UsageSeconds: s.registry.UsageSeconds(username),
	}
}

// Snapshots returns billing figures for every known session
func (s *BillingService) Snapshots() []model.BillingSnapshot {
	sessions := s.registry.Sessions()
	out := make([]model.BillingSnapshot, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, s.Snapshot(sess.Username))
	}
	return out
}

// EstimateAmount prices a snapshot without generating an invoice
func (s *BillingService) EstimateAmount(snapshot model.BillingSnapshot) float64 {
	return float64(snapshot.PenaltyCount)*s.penaltyRate + float64(snapshot.UsageSeconds)/60*s.usageRate
}

// GenerateInvoice builds an invoice from the current snapshot, delivers it to
// the invoicing webhook, persists it, and then explicitly resets the rider's
// violation counters. Delivery failure aborts the reset so no penalty is lost.
func (s *BillingService) GenerateInvoice(ctx context.Context, username string) (*model.Invoice, error) {
	snapshot := s.Snapshot(username)

	invoice := &model.Invoice{
		Username:     username,
		PenaltyCount: snapshot.PenaltyCount,
		UsageSeconds: snapshot.UsageSeconds,
		Amount:       s.EstimateAmount(snapshot),
	}

	if err := s.deliver(ctx, invoice); err != nil {
		return nil, err
	}

	if s.db != nil {
		if err := s.db.WithContext(ctx).Create(invoice).Error; err != nil {
			log.Printf("[Billing] Failed to persist invoice for %s: %v", username, err)
		}
	}

	s.tracker.ResetOnInvoice(username)
	log.Printf("[Billing] Invoice generated: user=%s penalties=%d usage=%ds amount=%.2f",
		username, invoice.PenaltyCount, invoice.UsageSeconds, invoice.Amount)
	return invoice, nil
}

// deliver POSTs the invoice to the configured webhook with an HMAC signature.
// A missing webhook URL means invoicing is local-only.
func (s *BillingService) deliver(ctx context.Context, invoice *model.Invoice) error {
	if s.webhookURL == "" {
		return nil
	}

	payload, err := json.Marshal(invoice)
	if err != nil {
		return fmt.Errorf("marshal invoice: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Bikely-Webhook/1.0")
	req.Header.Set(InvoiceEventHeader, "invoice.generated")

	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set(InvoiceTimestampHeader, timestamp)
	if s.secret != "" {
		req.Header.Set(InvoiceSignatureHeader, GenerateSignature(payload, timestamp, s.secret))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send invoice webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("invoice webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// GenerateSignature computes hex(hmac-sha256(timestamp + "." + payload))
func GenerateSignature(payload []byte, timestamp, secret string) string {
	message := timestamp + "." + string(payload)
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(message))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks a signature produced by GenerateSignature
func VerifySignature(payload []byte, timestamp, signature, secret string) bool {
	expected := GenerateSignature(payload, timestamp, secret)
	return hmac.Equal([]byte(signature), []byte(expected))
}
