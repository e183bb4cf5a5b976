package processor

import (
	"context"
	"errors"

	"github.com/stripe/stripe-go/v74"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/agileware/com.drastikbydesign.stripe/internal/models"
)

// IntentOrchestrator drives a single payment intent through its state
// machine: create/update, confirm, capture. Every observed transition is
// persisted to the intent record before returning, so a resumed or
// duplicate call converges to the same stored state.
type IntentOrchestrator struct {
	db          *gorm.DB
	api         API
	logger      *zap.Logger
	sendReceipt bool
}

// NewIntentOrchestrator creates a new intent orchestrator. sendReceipt
// controls whether a processor-side receipt email is attached to one-off
// payments once they capture.
func NewIntentOrchestrator(db *gorm.DB, api API, sendReceipt bool, logger *zap.Logger) *IntentOrchestrator {
	return &IntentOrchestrator{db: db, api: api, sendReceipt: sendReceipt, logger: logger}
}

// ChargeParams describes one charge attempt.
type ChargeParams struct {
	CustomerRef string
	AmountMinor int64
	Currency    string
	Description string
	// Stripe truncates statement descriptors; derived by the API layer.
	StatementDescriptor       string
	StatementDescriptorSuffix string
	// IntentRef is set when the browser flow already established an
	// intent for this checkout; the orchestrator reuses it.
	IntentRef string
	// PaymentMethodRef is used when creating a fresh intent from a saved
	// payment method (deferred-amount flows).
	PaymentMethodRef string
	// PreAuthorize requests manual capture semantics.
	PreAuthorize bool

	ContactID string
	// OrderRef is the local order/contribution reference, possibly empty
	// ("not yet linked") or provisional (an invoice id).
	OrderRef string
	// Identifier is the caller's idempotency/request identifier.
	Identifier string
	Email      string
}

// IntentResult is the outbound contract for a driven intent.
type IntentResult struct {
	IntentRef      string  `json:"intent_ref"`
	Status         string  `json:"status"`
	OrderRef       string  `json:"order_ref"`
	ChargeRef      string  `json:"charge_ref,omitempty"`
	FeeAmount      float64 `json:"fee_amount"`
	NetAmount      float64 `json:"net_amount"`
	RequiresAction bool    `json:"requires_action"`
	ClientSecret   string  `json:"client_secret,omitempty"`
}

// ChargeOneOff establishes the intent for a one-off charge. When an intent
// id already exists for this checkout it is retrieved and its amount and
// description updated if they changed; otherwise a new intent is created
// with manual capture when pre-authorization is required.
func (o *IntentOrchestrator) ChargeOneOff(ctx context.Context, p ChargeParams) (*stripe.PaymentIntent, error) {
	if p.IntentRef != "" {
		intent, err := o.api.IntentGet(ctx, p.IntentRef)
		if err != nil {
			return nil, err
		}

		params := &stripe.PaymentIntentParams{
			Params:      stripe.Params{Context: ctx},
			Customer:    stripe.String(p.CustomerRef),
			Description: stripe.String(p.Description),
		}
		if p.StatementDescriptor != "" {
			params.StatementDescriptor = stripe.String(p.StatementDescriptor)
		}
		if p.StatementDescriptorSuffix != "" {
			params.StatementDescriptorSuffix = stripe.String(p.StatementDescriptorSuffix)
		}
		if intent.Amount != p.AmountMinor {
			params.Amount = stripe.Int64(p.AmountMinor)
		}
		return o.api.IntentUpdate(ctx, intent.ID, params)
	}

	params := &stripe.PaymentIntentParams{
		Params:      stripe.Params{Context: ctx},
		Customer:    stripe.String(p.CustomerRef),
		Amount:      stripe.Int64(p.AmountMinor),
		Currency:    stripe.String(p.Currency),
		Description: stripe.String(p.Description),
	}
	if p.PaymentMethodRef != "" {
		params.PaymentMethod = stripe.String(p.PaymentMethodRef)
		params.Confirm = stripe.Bool(true)
	}
	if p.PreAuthorize {
		// Authorize now, take from the card on capture. The payment
		// method is kept for off-session use.
		params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
		params.SetupFutureUsage = stripe.String(string(stripe.PaymentIntentSetupFutureUsageOffSession))
	} else {
		params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodAutomatic))
	}
	return o.api.IntentCreate(ctx, params)
}

// Advance drives the intent's state machine forward exactly once: confirm
// when confirmation is required, capture (and compute settlement figures)
// when capture is required, and leave a requires_action intent untouched
// for the client to complete. The intent record is upserted before
// returning on every path, including declines.
func (o *IntentOrchestrator) Advance(ctx context.Context, intent *stripe.PaymentIntent, p ChargeParams) (*IntentResult, error) {
	result := &IntentResult{IntentRef: intent.ID, OrderRef: p.OrderRef}

	if intent.Status == stripe.PaymentIntentStatusRequiresConfirmation {
		confirmed, err := o.api.IntentConfirm(ctx, intent.ID)
		if err != nil {
			o.persistFailure(ctx, intent, p, err)
			return nil, err
		}
		intent = confirmed
	}

	captured := false
	if intent.Status == stripe.PaymentIntentStatusRequiresCapture {
		capturedIntent, err := o.api.IntentCapture(ctx, intent.ID)
		if err != nil {
			o.persistFailure(ctx, intent, p, err)
			return nil, err
		}
		intent = capturedIntent
		captured = true

		if err := o.settle(ctx, intent, result); err != nil {
			o.persist(ctx, intent, p, result, false)
			return nil, err
		}
		result.OrderRef = result.ChargeRef
	}

	// Receipt email is attached only once capture or the action branch is
	// reached: the customer is mailed the moment receipt_email is set, so
	// setting it earlier would produce a duplicate receipt after capture.
	if (captured || intent.Status == stripe.PaymentIntentStatusRequiresAction) && o.sendReceipt && p.Email != "" {
		updated, err := o.api.IntentUpdate(ctx, intent.ID, &stripe.PaymentIntentParams{
			Params:       stripe.Params{Context: ctx},
			ReceiptEmail: stripe.String(p.Email),
		})
		if err != nil {
			o.logger.Warn("failed to set receipt email",
				zap.String("intent_ref", intent.ID), zap.Error(err))
		} else if !captured {
			intent = updated
		}
	}

	if intent.Status == stripe.PaymentIntentStatusRequiresAction {
		result.RequiresAction = true
		result.ClientSecret = intent.ClientSecret
	}

	result.Status = string(intent.Status)
	if err := o.persist(ctx, intent, p, result, captured); err != nil {
		return nil, err
	}
	return result, nil
}

// settle computes processor fee and net amount for a captured charge from
// its balance transaction. Fee and net are expressed in the charge's
// currency: when the settlement currency differs the fee is converted back
// through the exchange rate, and both figures are rounded to the charge
// currency's precision.
func (o *IntentOrchestrator) settle(ctx context.Context, intent *stripe.PaymentIntent, result *IntentResult) error {
	if intent.LatestCharge == nil {
		return &ProcessorCommunicationError{
			Op:      "settle",
			Code:    UnknownErrorCode,
			Message: "captured intent carries no charge",
		}
	}
	charge := intent.LatestCharge
	result.ChargeRef = charge.ID

	if charge.BalanceTransaction == nil {
		return &ProcessorCommunicationError{
			Op:      "settle",
			Code:    UnknownErrorCode,
			Message: "captured charge carries no balance transaction",
		}
	}
	txn, err := o.api.BalanceTransactionGet(ctx, charge.BalanceTransaction.ID)
	if err != nil {
		return err
	}

	chargeCurrency := string(charge.Currency)
	if string(txn.Currency) != chargeCurrency && txn.ExchangeRate > 0 {
		result.FeeAmount = ConvertedFee(txn.Fee, txn.ExchangeRate, chargeCurrency)
	} else {
		result.FeeAmount = MinorToMajor(txn.Fee, chargeCurrency)
	}
	result.NetAmount = roundTo(MinorToMajor(charge.Amount, chargeCurrency)-result.FeeAmount,
		CurrencyPrecision(chargeCurrency))
	return nil
}

func (o *IntentOrchestrator) persist(ctx context.Context, intent *stripe.PaymentIntent, p ChargeParams, result *IntentResult, definitiveOrder bool) error {
	rec := models.PaymentIntentRecord{
		IntentRef:   intent.ID,
		Status:      string(intent.Status),
		OrderRef:    result.OrderRef,
		ContactID:   p.ContactID,
		Description: p.Description,
		Identifier:  p.Identifier,
		FeeAmount:   result.FeeAmount,
		NetAmount:   result.NetAmount,
	}
	return UpsertIntentRecord(o.db.WithContext(ctx), &rec, definitiveOrder)
}

// persistFailure records the declined/failed state before the error is
// surfaced. The intent ref remains the source of truth: the caller must
// re-query rather than retry blindly.
func (o *IntentOrchestrator) persistFailure(ctx context.Context, intent *stripe.PaymentIntent, p ChargeParams, cause error) {
	status := string(intent.Status)
	var declined *PaymentDeclinedError
	if errors.As(cause, &declined) {
		var sErr *stripe.Error
		if errors.As(cause, &sErr) && sErr.PaymentIntent != nil {
			status = string(sErr.PaymentIntent.Status)
		}
	}

	rec := models.PaymentIntentRecord{
		IntentRef:   intent.ID,
		Status:      status,
		OrderRef:    p.OrderRef,
		ContactID:   p.ContactID,
		Description: p.Description,
		Identifier:  p.Identifier,
	}
	if err := UpsertIntentRecord(o.db.WithContext(ctx), &rec, false); err != nil {
		o.logger.Error("failed to persist intent failure",
			zap.String("intent_ref", intent.ID), zap.Error(err))
	}
}

// UpsertIntentRecord applies an idempotent upsert keyed by the remote
// intent ref. The order reference is only overwritten when the incoming
// value is definitive (a charge id observed on terminal success); a
// provisional or empty reference never clobbers an established one. A
// succeeded status is terminal: a stale failure observed after success
// (out-of-order delivery) never downgrades the record.
// The synchronous path and the notification reconciler both write through
// here, which is what makes the two paths converge regardless of order.
func UpsertIntentRecord(db *gorm.DB, rec *models.PaymentIntentRecord, definitiveOrder bool) error {
	return db.Transaction(func(tx *gorm.DB) error {
		var existing models.PaymentIntentRecord
		err := tx.Where("intent_ref = ?", rec.IntentRef).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(rec).Error
		}
		if err != nil {
			return err
		}

		status := rec.Status
		if existing.Status == models.IntentStatusSucceeded && status != models.IntentStatusSucceeded {
			status = existing.Status
		}
		updates := map[string]interface{}{
			"status": status,
		}
		if rec.ContactID != "" {
			updates["contact_id"] = rec.ContactID
		}
		if rec.Description != "" {
			updates["description"] = rec.Description
		}
		if rec.Identifier != "" {
			updates["identifier"] = rec.Identifier
		}
		if rec.FeeAmount != 0 && existing.FeeAmount == 0 {
			updates["fee_amount"] = rec.FeeAmount
			updates["net_amount"] = rec.NetAmount
		}
		if rec.OrderRef != "" && (definitiveOrder || existing.OrderRef == "") {
			updates["order_ref"] = rec.OrderRef
		}
		if err := tx.Model(&models.PaymentIntentRecord{}).
			Where("intent_ref = ?", rec.IntentRef).
			Updates(updates).Error; err != nil {
			return err
		}
		return tx.Where("intent_ref = ?", rec.IntentRef).First(rec).Error
	})
}
