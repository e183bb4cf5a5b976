package processor

import (
	"context"
	"time"

	"github.com/stripe/stripe-go/v74"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/agileware/com.drastikbydesign.stripe/internal/models"
)

// RecurringManager sets up and cancels recurring agreements: plan reuse,
// payment-method attachment, subscription creation and schedule math.
type RecurringManager struct {
	db       *gorm.DB
	api      API
	plans    *PlanResolver
	intents  *IntentOrchestrator
	logger   *zap.Logger
	livemode bool

	now func() time.Time
}

// NewRecurringManager creates a new recurring manager
func NewRecurringManager(db *gorm.DB, api API, plans *PlanResolver, intents *IntentOrchestrator, livemode bool, logger *zap.Logger) *RecurringManager {
	return &RecurringManager{
		db:       db,
		api:      api,
		plans:    plans,
		intents:  intents,
		logger:   logger,
		livemode: livemode,
		now:      time.Now,
	}
}

// RecurringParams describes one recurring agreement setup.
type RecurringParams struct {
	// AgreementID is the local recurring-agreement identifier. Required.
	AgreementID string
	CustomerRef string
	// PaymentMethodRef is the tokenized payment method saved by the
	// browser widget. It is attached to the customer before the
	// subscription is created.
	PaymentMethodRef string
	AmountMinor      int64
	Currency         string
	// FrequencyUnit is required; FrequencyInterval defaults to 1.
	FrequencyUnit     string
	FrequencyInterval int
	// Installments caps the agreement; zero means open-ended.
	Installments       int
	StartDate          *time.Time
	PriorScheduledDate *time.Time
	Description        string
	Descriptor         string
	ContactID          string
	Identifier         string
	Email              string
}

// RecurringResult is the outbound contract for a recurring setup.
type RecurringResult struct {
	SubscriptionRef   string        `json:"subscription_ref"`
	PlanRef           string        `json:"plan_ref"`
	NextScheduledDate time.Time     `json:"next_scheduled_date"`
	EndDate           *time.Time    `json:"end_date,omitempty"`
	Intent            *IntentResult `json:"intent,omitempty"`
}

// SetupRecurring creates (or reuses) the plan, attaches the payment method,
// creates the subscription with the first invoice's intent expanded, then
// persists the schedule and drives the first charge through the intent
// orchestrator. The first invoice's id serves as the provisional order
// reference until a notification replaces it with the charge id.
func (m *RecurringManager) SetupRecurring(ctx context.Context, p RecurringParams) (*RecurringResult, error) {
	if p.AgreementID == "" {
		return nil, &ConfigurationError{Field: "agreement_id"}
	}
	if p.FrequencyUnit == "" {
		return nil, &ConfigurationError{Field: "frequency_unit"}
	}
	if p.FrequencyInterval <= 0 {
		p.FrequencyInterval = 1
	}

	planRef, err := m.plans.EnsurePlan(ctx, PlanSpec{
		IntervalUnit:  p.FrequencyUnit,
		IntervalCount: p.FrequencyInterval,
		AmountMinor:   p.AmountMinor,
		Currency:      p.Currency,
		IsTest:        !m.livemode,
		Descriptor:    p.Descriptor,
	})
	if err != nil {
		return nil, err
	}

	if _, err := m.api.PaymentMethodAttach(ctx, p.PaymentMethodRef, p.CustomerRef); err != nil {
		return nil, err
	}

	subParams := &stripe.SubscriptionParams{
		Params:               stripe.Params{Context: ctx},
		Customer:             stripe.String(p.CustomerRef),
		DefaultPaymentMethod: stripe.String(p.PaymentMethodRef),
		ProrationBehavior:    stripe.String("none"),
		Items: []*stripe.SubscriptionItemsParams{
			{Plan: stripe.String(planRef)},
		},
	}
	subParams.AddMetadata("description", p.Description)
	// Expand the first invoice's intent so the first charge can be driven
	// without an extra round trip.
	subParams.AddExpand("latest_invoice.payment_intent")

	sub, err := m.api.SubscriptionCreate(ctx, subParams)
	if err != nil {
		return nil, err
	}

	now := m.now()
	next, err := NextScheduledDate(now, p.StartDate, p.PriorScheduledDate, p.FrequencyInterval, p.FrequencyUnit)
	if err != nil {
		return nil, err
	}

	var endDate *time.Time
	if p.Installments > 0 {
		start := now
		if p.StartDate != nil {
			start = *p.StartDate
		}
		end, err := EndDate(start, p.Installments, p.FrequencyInterval, p.FrequencyUnit)
		if err != nil {
			return nil, err
		}
		endDate = &end
	}

	schedule := models.RecurringSchedule{
		AgreementID:       p.AgreementID,
		SubscriptionRef:   sub.ID,
		PlanRef:           planRef,
		FrequencyUnit:     p.FrequencyUnit,
		FrequencyInterval: p.FrequencyInterval,
		CycleDay:          now.Day(),
		NextScheduledDate: next,
		AutoRenew:         true,
		Installments:      p.Installments,
		EndDate:           endDate,
	}
	if err := m.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "agreement_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"subscription_ref", "plan_ref", "frequency_unit", "frequency_interval",
			"cycle_day", "next_scheduled_date", "auto_renew", "installments",
			"end_date", "updated_at",
		}),
	}).Create(&schedule).Error; err != nil {
		return nil, err
	}

	m.logger.Info("subscription created",
		zap.String("agreement_id", p.AgreementID),
		zap.String("subscription_ref", sub.ID),
		zap.String("plan_ref", planRef),
		zap.Time("next_scheduled_date", next))

	result := &RecurringResult{
		SubscriptionRef:   sub.ID,
		PlanRef:           planRef,
		NextScheduledDate: next,
		EndDate:           endDate,
	}

	if sub.LatestInvoice != nil && sub.LatestInvoice.PaymentIntent != nil {
		chargeParams := ChargeParams{
			CustomerRef: p.CustomerRef,
			AmountMinor: p.AmountMinor,
			Currency:    p.Currency,
			Description: p.Description,
			ContactID:   p.ContactID,
			Identifier:  p.Identifier,
			Email:       p.Email,
			// Provisional order reference: the reconciler swaps it
			// for the charge id once the charge is known.
			OrderRef: sub.LatestInvoice.ID,
		}
		intentResult, err := m.intents.Advance(ctx, sub.LatestInvoice.PaymentIntent, chargeParams)
		if err != nil {
			return nil, err
		}
		result.Intent = intentResult
	}

	return result, nil
}

// Cancel cancels the recurring agreement with the processor. It never
// raises on the expected failure modes: a schedule without a stored remote
// reference (may predate integration, or already cancelled) and remote
// errors both report false with the cause logged for operators. Remote
// notification is not optional, there is no local-only cancel mode.
func (m *RecurringManager) Cancel(ctx context.Context, agreementID string) bool {
	var schedule models.RecurringSchedule
	err := m.db.WithContext(ctx).Where("agreement_id = ?", agreementID).First(&schedule).Error
	if err != nil {
		m.logger.Error("cannot cancel recurring agreement: schedule lookup failed",
			zap.String("agreement_id", agreementID), zap.Error(err))
		return false
	}
	if schedule.SubscriptionRef == "" {
		m.logger.Warn("cannot cancel recurring agreement: no subscription reference stored",
			zap.String("agreement_id", agreementID))
		return false
	}

	sub, err := m.api.SubscriptionGet(ctx, schedule.SubscriptionRef)
	if err != nil {
		m.logger.Error("could not retrieve subscription for cancellation",
			zap.String("subscription_ref", schedule.SubscriptionRef), zap.Error(err))
		return false
	}
	if sub.Status != stripe.SubscriptionStatusCanceled {
		if _, err := m.api.SubscriptionCancel(ctx, schedule.SubscriptionRef); err != nil {
			m.logger.Error("could not cancel subscription",
				zap.String("subscription_ref", schedule.SubscriptionRef), zap.Error(err))
			return false
		}
	}

	if err := m.db.WithContext(ctx).Model(&models.RecurringSchedule{}).
		Where("agreement_id = ?", agreementID).
		Update("auto_renew", false).Error; err != nil {
		m.logger.Error("subscription cancelled remotely but local schedule update failed",
			zap.String("agreement_id", agreementID), zap.Error(err))
		return false
	}
	return true
}
