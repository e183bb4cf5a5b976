package processor

import (
	"context"
	"encoding/json"

	"github.com/stripe/stripe-go/v74"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/agileware/com.drastikbydesign.stripe/internal/models"
)

// RefundManager issues refunds for prior charges.
type RefundManager struct {
	db     *gorm.DB
	api    API
	logger *zap.Logger
}

// NewRefundManager creates a new refund manager
func NewRefundManager(db *gorm.DB, api API, logger *zap.Logger) *RefundManager {
	return &RefundManager{db: db, api: api, logger: logger}
}

// refundStatusMap is the fixed mapping from processor refund status to the
// local status.
var refundStatusMap = map[stripe.RefundStatus]string{
	stripe.RefundStatusPending:   models.RefundStatusPending,
	stripe.RefundStatusSucceeded: models.RefundStatusCompleted,
	stripe.RefundStatusFailed:    models.RefundStatusFailed,
	stripe.RefundStatusCanceled:  models.RefundStatusCancelled,
}

// Refund issues a refund for a prior charge. Charge reference and amount
// are both required before any remote call; a remote failure aborts with no
// partial record persisted. The record, once written, is immutable.
func (m *RefundManager) Refund(ctx context.Context, chargeRef string, amountMinor int64) (*models.RefundRecord, error) {
	if chargeRef == "" {
		m.logger.Error("refund missing mandatory parameter", zap.String("parameter", "charge_ref"))
		return nil, &ConfigurationError{Field: "charge_ref"}
	}
	if amountMinor <= 0 {
		m.logger.Error("refund missing mandatory parameter", zap.String("parameter", "amount"))
		return nil, &ConfigurationError{Field: "amount"}
	}

	refund, err := m.api.RefundCreate(ctx, &stripe.RefundParams{
		Params: stripe.Params{Context: ctx},
		Charge: stripe.String(chargeRef),
		Amount: stripe.Int64(amountMinor),
	})
	if err != nil {
		return nil, err
	}

	status, ok := refundStatusMap[refund.Status]
	if !ok {
		status = models.RefundStatusPending
	}

	raw, err := json.Marshal(refund)
	if err != nil {
		raw = nil
	}

	rec := models.RefundRecord{
		RefundRef:         refund.ID,
		ChargeRef:         chargeRef,
		AmountMinor:       amountMinor,
		Status:            status,
		ProcessorResponse: datatypes.JSON(raw),
	}
	if err := m.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return nil, err
	}

	m.logger.Info("refund issued",
		zap.String("refund_ref", refund.ID),
		zap.String("charge_ref", chargeRef),
		zap.String("status", status))
	return &rec, nil
}
