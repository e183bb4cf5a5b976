package processor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v74"
	"go.uber.org/zap"

	"github.com/agileware/com.drastikbydesign.stripe/internal/models"
)

func TestRefundRequiresChargeRef(t *testing.T) {
	db := newTestDB(t)
	api := &fakeAPI{}
	m := NewRefundManager(db, api, zap.NewNop())

	_, err := m.Refund(context.Background(), "", 500)

	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "charge_ref", cfgErr.Field)
	// Validation fails before any remote call.
	assert.Equal(t, 0, api.totalCalls())
}

func TestRefundRequiresAmount(t *testing.T) {
	db := newTestDB(t)
	api := &fakeAPI{}
	m := NewRefundManager(db, api, zap.NewNop())

	_, err := m.Refund(context.Background(), "ch_1", 0)

	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "amount", cfgErr.Field)
	assert.Equal(t, 0, api.totalCalls())
}

func TestRefundPersistsRecord(t *testing.T) {
	db := newTestDB(t)
	api := &fakeAPI{
		refundCreate: func(params *stripe.RefundParams) (*stripe.Refund, error) {
			assert.Equal(t, "ch_1", *params.Charge)
			assert.Equal(t, int64(500), *params.Amount)
			return &stripe.Refund{ID: "re_1", Amount: 500, Status: stripe.RefundStatusSucceeded}, nil
		},
	}
	m := NewRefundManager(db, api, zap.NewNop())

	rec, err := m.Refund(context.Background(), "ch_1", 500)
	require.NoError(t, err)
	assert.Equal(t, "re_1", rec.RefundRef)
	assert.Equal(t, models.RefundStatusCompleted, rec.Status)
	assert.NotEmpty(t, rec.ProcessorResponse)

	var stored models.RefundRecord
	require.NoError(t, db.Where("refund_ref = ?", "re_1").First(&stored).Error)
	assert.Equal(t, "ch_1", stored.ChargeRef)
	assert.Equal(t, int64(500), stored.AmountMinor)
}

func TestRefundStatusMapping(t *testing.T) {
	tests := []struct {
		remote stripe.RefundStatus
		local  string
	}{
		{stripe.RefundStatusPending, models.RefundStatusPending},
		{stripe.RefundStatusSucceeded, models.RefundStatusCompleted},
		{stripe.RefundStatusFailed, models.RefundStatusFailed},
		{stripe.RefundStatusCanceled, models.RefundStatusCancelled},
		{stripe.RefundStatus("requires_action"), models.RefundStatusPending},
	}
	for i, tt := range tests {
		db := newTestDB(t)
		remote := tt.remote
		api := &fakeAPI{
			refundCreate: func(params *stripe.RefundParams) (*stripe.Refund, error) {
				return &stripe.Refund{ID: "re_map", Amount: 100, Status: remote}, nil
			},
		}
		m := NewRefundManager(db, api, zap.NewNop())

		rec, err := m.Refund(context.Background(), "ch_1", 100)
		require.NoError(t, err, "case %d", i)
		assert.Equal(t, tt.local, rec.Status, "case %d", i)
	}
}

func TestRefundAbortsOnRemoteFailure(t *testing.T) {
	db := newTestDB(t)
	api := &fakeAPI{
		refundCreate: func(params *stripe.RefundParams) (*stripe.Refund, error) {
			return nil, &ProcessorCommunicationError{Op: "create_refund", Code: UnknownErrorCode, Message: "timeout"}
		},
	}
	m := NewRefundManager(db, api, zap.NewNop())

	_, err := m.Refund(context.Background(), "ch_1", 500)
	var comm *ProcessorCommunicationError
	require.ErrorAs(t, err, &comm)

	var count int64
	require.NoError(t, db.Model(&models.RefundRecord{}).Count(&count).Error)
	assert.Zero(t, count)
}
