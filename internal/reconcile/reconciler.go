// Package reconcile applies asynchronous processor notifications to the
// local payment state. It shares the status mapping and idempotent upsert
// with the synchronous path, so the two converge no matter which observes a
// transition first.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v74"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/agileware/com.drastikbydesign.stripe/internal/models"
	"github.com/agileware/com.drastikbydesign.stripe/internal/processor"
)

// DedupTTL is how long a processed notification id stays claimed.
const DedupTTL = 24 * time.Hour

// Reconciler consumes inbound processor events and redirect-completion
// callbacks.
type Reconciler struct {
	db     *gorm.DB
	api    processor.API
	cache  DedupCache
	logger *zap.Logger

	now func() time.Time
}

// NewReconciler creates a new notification reconciler
func NewReconciler(db *gorm.DB, api processor.API, cache DedupCache, logger *zap.Logger) *Reconciler {
	return &Reconciler{db: db, api: api, cache: cache, logger: logger, now: time.Now}
}

// Claim reserves an event id for processing. False means the event was
// already handled and the caller should acknowledge without reprocessing.
func (r *Reconciler) Claim(ctx context.Context, eventID string) (bool, error) {
	return r.cache.Claim(ctx, "processor:event:"+eventID, DedupTTL)
}

// Unclaim releases the event id after a processing failure so the source's
// redelivery is accepted.
func (r *Reconciler) Unclaim(ctx context.Context, eventID string) {
	if err := r.cache.Release(ctx, "processor:event:"+eventID); err != nil {
		r.logger.Warn("failed to release event claim",
			zap.String("event_ref", eventID), zap.Error(err))
	}
}

// HandleEvent applies one inbound event. A nil return means the event was
// fully persisted (or is unresolvable by redelivery) and may be
// acknowledged; an error means the sender should redeliver.
func (r *Reconciler) HandleEvent(ctx context.Context, event *stripe.Event) error {
	outcome := models.NotificationOutcomeProcessed

	var err error
	switch event.Type {
	case "payment_intent.succeeded", "payment_intent.payment_failed", "payment_intent.canceled":
		err = r.applyIntentEvent(ctx, event)
	case "charge.succeeded":
		err = r.applyChargeSucceeded(ctx, event)
	case "charge.refunded":
		err = r.applyChargeRefunded(ctx, event)
	case "invoice.payment_succeeded":
		err = r.applyInvoicePaid(ctx, event)
	case "invoice.payment_failed":
		err = r.applyInvoiceFailed(ctx, event)
	case "customer.subscription.deleted":
		err = r.applySubscriptionDeleted(ctx, event)
	default:
		r.logger.Debug("unhandled event type", zap.String("event_type", string(event.Type)))
		outcome = models.NotificationOutcomeIgnored
	}

	if conflict, ok := err.(*processor.ReconciliationConflictError); ok {
		// Reprocessing cannot resolve a conflict: log it, record it,
		// acknowledge it.
		r.logger.Error("reconciliation conflict",
			zap.String("event_ref", event.ID),
			zap.String("event_type", string(event.Type)),
			zap.Error(conflict))
		outcome = models.NotificationOutcomeConflict
		err = nil
	}
	if err != nil {
		return err
	}

	return r.recordEvent(ctx, event, outcome)
}

// CompleteRedirect handles the browser bounce-back from a step-up
// authentication page: the redirect carries the intent id, the reconciler
// re-queries the intent and applies the same mapping as a push
// notification would.
func (r *Reconciler) CompleteRedirect(ctx context.Context, intentRef string) (*models.PaymentIntentRecord, error) {
	if intentRef == "" {
		return nil, &processor.ConfigurationError{Field: "payment_intent"}
	}
	intent, err := r.api.IntentGet(ctx, intentRef)
	if err != nil {
		return nil, err
	}
	rec, err := r.upsertFromIntent(ctx, intent)
	if err != nil {
		return nil, err
	}
	r.logger.Info("redirect completion reconciled",
		zap.String("intent_ref", intentRef),
		zap.String("status", rec.Status))
	return rec, nil
}

func (r *Reconciler) applyIntentEvent(ctx context.Context, event *stripe.Event) error {
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return fmt.Errorf("failed to unmarshal payment intent: %w", err)
	}
	_, err := r.upsertFromIntent(ctx, &intent)
	return err
}

// upsertFromIntent maps an observed intent to the local record. On terminal
// success the charge id becomes the definitive order reference, replacing
// any provisional invoice id.
func (r *Reconciler) upsertFromIntent(ctx context.Context, intent *stripe.PaymentIntent) (*models.PaymentIntentRecord, error) {
	rec := models.PaymentIntentRecord{
		IntentRef: intent.ID,
		Status:    string(intent.Status),
	}
	definitive := false
	if intent.Status == stripe.PaymentIntentStatusSucceeded &&
		intent.LatestCharge != nil && intent.LatestCharge.ID != "" {
		rec.OrderRef = intent.LatestCharge.ID
		definitive = true
	}
	if err := processor.UpsertIntentRecord(r.db.WithContext(ctx), &rec, definitive); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *Reconciler) applyChargeSucceeded(ctx context.Context, event *stripe.Event) error {
	var charge stripe.Charge
	if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
		return fmt.Errorf("failed to unmarshal charge: %w", err)
	}
	if charge.PaymentIntent == nil {
		r.logger.Debug("charge without intent ignored", zap.String("charge_ref", charge.ID))
		return nil
	}
	rec := models.PaymentIntentRecord{
		IntentRef: charge.PaymentIntent.ID,
		Status:    models.IntentStatusSucceeded,
		OrderRef:  charge.ID,
	}
	return processor.UpsertIntentRecord(r.db.WithContext(ctx), &rec, true)
}

func (r *Reconciler) applyChargeRefunded(ctx context.Context, event *stripe.Event) error {
	var charge stripe.Charge
	if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
		return fmt.Errorf("failed to unmarshal charge: %w", err)
	}
	if charge.Refunds == nil || len(charge.Refunds.Data) == 0 {
		return nil
	}
	// Refund records are immutable: a refund first observed here is
	// created, one already written by the synchronous path is left alone.
	for _, refund := range charge.Refunds.Data {
		status, ok := map[stripe.RefundStatus]string{
			stripe.RefundStatusPending:   models.RefundStatusPending,
			stripe.RefundStatusSucceeded: models.RefundStatusCompleted,
			stripe.RefundStatusFailed:    models.RefundStatusFailed,
			stripe.RefundStatusCanceled:  models.RefundStatusCancelled,
		}[refund.Status]
		if !ok {
			status = models.RefundStatusPending
		}
		raw, _ := json.Marshal(refund)
		rec := models.RefundRecord{
			RefundRef:         refund.ID,
			ChargeRef:         charge.ID,
			AmountMinor:       refund.Amount,
			Status:            status,
			ProcessorResponse: raw,
		}
		if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "refund_ref"}},
			DoNothing: true,
		}).Create(&rec).Error; err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) applyInvoicePaid(ctx context.Context, event *stripe.Event) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return fmt.Errorf("failed to unmarshal invoice: %w", err)
	}

	// Settle the invoice's intent; the charge id is the definitive order
	// reference replacing the provisional invoice id.
	if invoice.PaymentIntent != nil {
		rec := models.PaymentIntentRecord{
			IntentRef: invoice.PaymentIntent.ID,
			Status:    models.IntentStatusSucceeded,
		}
		definitive := false
		if invoice.Charge != nil {
			rec.OrderRef = invoice.Charge.ID
			definitive = true
		}
		if err := processor.UpsertIntentRecord(r.db.WithContext(ctx), &rec, definitive); err != nil {
			return err
		}
	}

	// A paid renewal invoice advances the schedule.
	if invoice.Subscription == nil {
		return nil
	}
	var schedule models.RecurringSchedule
	err := r.db.WithContext(ctx).
		Where("subscription_ref = ?", invoice.Subscription.ID).
		First(&schedule).Error
	if err == gorm.ErrRecordNotFound {
		r.logger.Warn("paid invoice for unknown subscription",
			zap.String("subscription_ref", invoice.Subscription.ID))
		return nil
	}
	if err != nil {
		return err
	}

	// Each invoice advances the schedule at most once, so a redelivery
	// that outlives the dedup claim is still harmless.
	if schedule.LastInvoiceRef == invoice.ID {
		return nil
	}

	next, err := processor.NextScheduledDate(r.now(), nil, &schedule.NextScheduledDate,
		schedule.FrequencyInterval, schedule.FrequencyUnit)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Model(&models.RecurringSchedule{}).
		Where("agreement_id = ?", schedule.AgreementID).
		Updates(map[string]interface{}{
			"next_scheduled_date": next,
			"last_invoice_ref":    invoice.ID,
		}).Error
}

func (r *Reconciler) applyInvoiceFailed(ctx context.Context, event *stripe.Event) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return fmt.Errorf("failed to unmarshal invoice: %w", err)
	}
	if invoice.PaymentIntent == nil {
		return nil
	}
	rec := models.PaymentIntentRecord{
		IntentRef: invoice.PaymentIntent.ID,
		Status:    models.IntentStatusRequiresPaymentMethod,
	}
	return processor.UpsertIntentRecord(r.db.WithContext(ctx), &rec, false)
}

func (r *Reconciler) applySubscriptionDeleted(ctx context.Context, event *stripe.Event) error {
	var subscription stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &subscription); err != nil {
		return fmt.Errorf("failed to unmarshal subscription: %w", err)
	}

	var schedule models.RecurringSchedule
	err := r.db.WithContext(ctx).
		Where("subscription_ref = ?", subscription.ID).
		First(&schedule).Error
	if err == gorm.ErrRecordNotFound {
		return &processor.ReconciliationConflictError{
			EventType: string(event.Type),
			Reference: subscription.ID,
			Message:   "cancellation event for a subscription with no local schedule",
		}
	}
	if err != nil {
		return err
	}

	return r.db.WithContext(ctx).Model(&models.RecurringSchedule{}).
		Where("agreement_id = ?", schedule.AgreementID).
		Update("auto_renew", false).Error
}

func (r *Reconciler) recordEvent(ctx context.Context, event *stripe.Event, outcome string) error {
	rec := models.NotificationEvent{
		EventRef:   event.ID,
		EventType:  string(event.Type),
		Outcome:    outcome,
		ReceivedAt: r.now(),
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_ref"}},
		DoUpdates: clause.AssignmentColumns([]string{"outcome"}),
	}).Create(&rec).Error
}
