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

func TestChargeOneOffCreatesManualCaptureIntent(t *testing.T) {
	db := newTestDB(t)
	api := &fakeAPI{
		intentCreate: func(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
			assert.Equal(t, "cus_1", *params.Customer)
			assert.Equal(t, int64(2000), *params.Amount)
			assert.Equal(t, string(stripe.PaymentIntentCaptureMethodManual), *params.CaptureMethod)
			assert.Equal(t, string(stripe.PaymentIntentSetupFutureUsageOffSession), *params.SetupFutureUsage)
			assert.Equal(t, "pm_1", *params.PaymentMethod)
			assert.True(t, *params.Confirm)
			return &stripe.PaymentIntent{ID: "pi_1", Status: stripe.PaymentIntentStatusRequiresCapture}, nil
		},
	}
	o := NewIntentOrchestrator(db, api, false, zap.NewNop())

	intent, err := o.ChargeOneOff(context.Background(), ChargeParams{
		CustomerRef:      "cus_1",
		AmountMinor:      2000,
		Currency:         "usd",
		PaymentMethodRef: "pm_1",
		PreAuthorize:     true,
	})
	require.NoError(t, err)
	assert.Equal(t, "pi_1", intent.ID)
}

func TestChargeOneOffUpdatesExistingIntent(t *testing.T) {
	db := newTestDB(t)
	api := &fakeAPI{
		intentGet: func(id string) (*stripe.PaymentIntent, error) {
			return &stripe.PaymentIntent{ID: id, Amount: 1500, Status: stripe.PaymentIntentStatusRequiresConfirmation}, nil
		},
		intentUpdate: func(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
			assert.Equal(t, "pi_existing", id)
			// Amount changed since the browser established the intent.
			require.NotNil(t, params.Amount)
			assert.Equal(t, int64(2000), *params.Amount)
			return &stripe.PaymentIntent{ID: id, Amount: 2000, Status: stripe.PaymentIntentStatusRequiresConfirmation}, nil
		},
	}
	o := NewIntentOrchestrator(db, api, false, zap.NewNop())

	intent, err := o.ChargeOneOff(context.Background(), ChargeParams{
		CustomerRef: "cus_1",
		AmountMinor: 2000,
		Currency:    "usd",
		IntentRef:   "pi_existing",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2000), intent.Amount)
	assert.Equal(t, 0, api.callCount("intent_create"))
}

func capturedIntent(id string, amount int64, currency string) *stripe.PaymentIntent {
	return &stripe.PaymentIntent{
		ID:     id,
		Status: stripe.PaymentIntentStatusSucceeded,
		Amount: amount,
		LatestCharge: &stripe.Charge{
			ID:                 "ch_1",
			Amount:             amount,
			Currency:           stripe.Currency(currency),
			BalanceTransaction: &stripe.BalanceTransaction{ID: "txn_1"},
		},
	}
}

func TestAdvanceConfirmsCapturesAndSettles(t *testing.T) {
	db := newTestDB(t)
	api := &fakeAPI{
		intentConfirm: func(id string) (*stripe.PaymentIntent, error) {
			return &stripe.PaymentIntent{ID: id, Status: stripe.PaymentIntentStatusRequiresCapture}, nil
		},
		intentCapture: func(id string) (*stripe.PaymentIntent, error) {
			return capturedIntent(id, 2000, "usd"), nil
		},
		balanceTransactionGet: func(id string) (*stripe.BalanceTransaction, error) {
			assert.Equal(t, "txn_1", id)
			return &stripe.BalanceTransaction{ID: id, Fee: 59, Currency: stripe.Currency("usd")}, nil
		},
	}
	o := NewIntentOrchestrator(db, api, false, zap.NewNop())

	result, err := o.Advance(context.Background(),
		&stripe.PaymentIntent{ID: "pi_1", Status: stripe.PaymentIntentStatusRequiresConfirmation},
		ChargeParams{ContactID: "42", Description: "Donation", Identifier: "req-1"})
	require.NoError(t, err)

	assert.Equal(t, string(stripe.PaymentIntentStatusSucceeded), result.Status)
	assert.Equal(t, "ch_1", result.ChargeRef)
	// The charge id is the definitive order reference once settled.
	assert.Equal(t, "ch_1", result.OrderRef)
	assert.Equal(t, 0.59, result.FeeAmount)
	assert.Equal(t, 19.41, result.NetAmount)

	var rec models.PaymentIntentRecord
	require.NoError(t, db.Where("intent_ref = ?", "pi_1").First(&rec).Error)
	assert.Equal(t, models.IntentStatusSucceeded, rec.Status)
	assert.Equal(t, "ch_1", rec.OrderRef)
	assert.Equal(t, 0.59, rec.FeeAmount)
	assert.Equal(t, 19.41, rec.NetAmount)
	assert.Equal(t, "42", rec.ContactID)
}

func TestAdvanceConvertsFeeAcrossSettlementCurrency(t *testing.T) {
	db := newTestDB(t)
	api := &fakeAPI{
		intentCapture: func(id string) (*stripe.PaymentIntent, error) {
			return capturedIntent(id, 2000, "usd"), nil
		},
		balanceTransactionGet: func(id string) (*stripe.BalanceTransaction, error) {
			// Settlement in AUD; fee comes back through the exchange rate.
			return &stripe.BalanceTransaction{
				ID: id, Fee: 185, Currency: stripe.Currency("aud"), ExchangeRate: 1.387695,
			}, nil
		},
	}
	o := NewIntentOrchestrator(db, api, false, zap.NewNop())

	result, err := o.Advance(context.Background(),
		&stripe.PaymentIntent{ID: "pi_1", Status: stripe.PaymentIntentStatusRequiresCapture},
		ChargeParams{})
	require.NoError(t, err)
	assert.Equal(t, 1.33, result.FeeAmount)
	assert.Equal(t, 18.67, result.NetAmount)
}

func TestAdvanceLeavesRequiresActionForClient(t *testing.T) {
	db := newTestDB(t)
	api := &fakeAPI{
		intentConfirm: func(id string) (*stripe.PaymentIntent, error) {
			return &stripe.PaymentIntent{
				ID:           id,
				Status:       stripe.PaymentIntentStatusRequiresAction,
				ClientSecret: "pi_1_secret_abc",
			}, nil
		},
		intentUpdate: func(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
			assert.Equal(t, "donor@example.org", *params.ReceiptEmail)
			return &stripe.PaymentIntent{
				ID:           id,
				Status:       stripe.PaymentIntentStatusRequiresAction,
				ClientSecret: "pi_1_secret_abc",
			}, nil
		},
	}
	o := NewIntentOrchestrator(db, api, true, zap.NewNop())

	result, err := o.Advance(context.Background(),
		&stripe.PaymentIntent{ID: "pi_1", Status: stripe.PaymentIntentStatusRequiresConfirmation},
		ChargeParams{Email: "donor@example.org"})
	require.NoError(t, err)

	assert.True(t, result.RequiresAction)
	assert.Equal(t, "pi_1_secret_abc", result.ClientSecret)
	assert.Equal(t, 0, api.callCount("intent_capture"))

	var rec models.PaymentIntentRecord
	require.NoError(t, db.Where("intent_ref = ?", "pi_1").First(&rec).Error)
	assert.Equal(t, models.IntentStatusRequiresAction, rec.Status)
}

func TestAdvanceSkipsReceiptEmailWhenDisabled(t *testing.T) {
	db := newTestDB(t)
	api := &fakeAPI{
		intentCapture: func(id string) (*stripe.PaymentIntent, error) {
			return capturedIntent(id, 2000, "usd"), nil
		},
		balanceTransactionGet: func(id string) (*stripe.BalanceTransaction, error) {
			return &stripe.BalanceTransaction{ID: id, Fee: 59, Currency: stripe.Currency("usd")}, nil
		},
	}
	o := NewIntentOrchestrator(db, api, false, zap.NewNop())

	_, err := o.Advance(context.Background(),
		&stripe.PaymentIntent{ID: "pi_1", Status: stripe.PaymentIntentStatusRequiresCapture},
		ChargeParams{Email: "donor@example.org"})
	require.NoError(t, err)
	assert.Equal(t, 0, api.callCount("intent_update"))
}

func TestAdvancePersistsDecline(t *testing.T) {
	db := newTestDB(t)
	api := &fakeAPI{
		intentConfirm: func(id string) (*stripe.PaymentIntent, error) {
			return nil, &PaymentDeclinedError{
				Op: "confirm_intent", Code: "card_declined", DeclineCode: "insufficient_funds",
				Message: "Your card has insufficient funds.",
			}
		},
	}
	o := NewIntentOrchestrator(db, api, false, zap.NewNop())

	_, err := o.Advance(context.Background(),
		&stripe.PaymentIntent{ID: "pi_1", Status: stripe.PaymentIntentStatusRequiresConfirmation},
		ChargeParams{ContactID: "42"})

	var declined *PaymentDeclinedError
	require.ErrorAs(t, err, &declined)

	// The failed attempt is still on record.
	var rec models.PaymentIntentRecord
	require.NoError(t, db.Where("intent_ref = ?", "pi_1").First(&rec).Error)
	assert.Equal(t, "42", rec.ContactID)
}

func TestUpsertIntentRecordOrderRefRules(t *testing.T) {
	db := newTestDB(t)

	// First write establishes the provisional invoice reference.
	first := models.PaymentIntentRecord{IntentRef: "pi_1", Status: models.IntentStatusProcessing, OrderRef: "in_1"}
	require.NoError(t, UpsertIntentRecord(db, &first, false))

	// A later provisional write never clobbers it.
	provisional := models.PaymentIntentRecord{IntentRef: "pi_1", Status: models.IntentStatusProcessing, OrderRef: "in_other"}
	require.NoError(t, UpsertIntentRecord(db, &provisional, false))
	assert.Equal(t, "in_1", provisional.OrderRef)

	// The definitive charge reference replaces it.
	definitive := models.PaymentIntentRecord{IntentRef: "pi_1", Status: models.IntentStatusSucceeded, OrderRef: "ch_1"}
	require.NoError(t, UpsertIntentRecord(db, &definitive, true))
	assert.Equal(t, "ch_1", definitive.OrderRef)

	// An empty reference never erases an established one.
	empty := models.PaymentIntentRecord{IntentRef: "pi_1", Status: models.IntentStatusSucceeded}
	require.NoError(t, UpsertIntentRecord(db, &empty, true))
	assert.Equal(t, "ch_1", empty.OrderRef)
}

func TestUpsertIntentRecordSucceededIsTerminal(t *testing.T) {
	db := newTestDB(t)

	success := models.PaymentIntentRecord{
		IntentRef: "pi_1", Status: models.IntentStatusSucceeded, OrderRef: "ch_1",
	}
	require.NoError(t, UpsertIntentRecord(db, &success, true))

	// A failure observed after success is stale out-of-order delivery and
	// never downgrades the record.
	stale := models.PaymentIntentRecord{
		IntentRef: "pi_1", Status: models.IntentStatusRequiresPaymentMethod,
	}
	require.NoError(t, UpsertIntentRecord(db, &stale, false))
	assert.Equal(t, models.IntentStatusSucceeded, stale.Status)
	assert.Equal(t, "ch_1", stale.OrderRef)
}

func TestUpsertIntentRecordWritesFeeOnce(t *testing.T) {
	db := newTestDB(t)

	first := models.PaymentIntentRecord{
		IntentRef: "pi_1", Status: models.IntentStatusSucceeded, FeeAmount: 0.59, NetAmount: 19.41,
	}
	require.NoError(t, UpsertIntentRecord(db, &first, false))

	// A redelivered settlement never double-books the fee.
	again := models.PaymentIntentRecord{
		IntentRef: "pi_1", Status: models.IntentStatusSucceeded, FeeAmount: 0.62, NetAmount: 19.38,
	}
	require.NoError(t, UpsertIntentRecord(db, &again, false))
	assert.Equal(t, 0.59, again.FeeAmount)
	assert.Equal(t, 19.41, again.NetAmount)
}
