package models

import (
	"time"

	"gorm.io/datatypes"
)

// CustomerLink binds a local contact to a remote processor customer. At most
// one active link exists per (contact, processor) pair; a racing create may
// overwrite it (last write wins) because remote customers are interchangeable
// for the same contact.
type CustomerLink struct {
	ID          uint   `json:"id" gorm:"primaryKey"`
	ContactID   string `json:"contact_id" gorm:"not null;uniqueIndex:idx_customer_links_contact_processor"`
	ProcessorID string `json:"processor_id" gorm:"not null;uniqueIndex:idx_customer_links_contact_processor"`
	CustomerRef string `json:"customer_ref" gorm:"not null;index"`
	Email       string `json:"email"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Payment intent statuses as reported by the processor.
const (
	IntentStatusRequiresPaymentMethod = "requires_payment_method"
	IntentStatusRequiresConfirmation  = "requires_confirmation"
	IntentStatusRequiresAction        = "requires_action"
	IntentStatusRequiresCapture       = "requires_capture"
	IntentStatusProcessing            = "processing"
	IntentStatusSucceeded             = "succeeded"
	IntentStatusCanceled              = "canceled"
)

// PaymentIntentRecord tracks a remote payment intent. Exactly one record
// exists per intent ref; every observed transition is an upsert keyed by
// that ref. Records are never deleted, they are the audit trail.
//
// OrderRef starts empty ("not yet linked"), is set to a provisional value
// (invoice id) for recurring first charges and replaced with the definitive
// charge id once the intent reaches a terminal success state.
type PaymentIntentRecord struct {
	ID          uint   `json:"id" gorm:"primaryKey"`
	IntentRef   string `json:"intent_ref" gorm:"not null;uniqueIndex"`
	Status      string `json:"status" gorm:"not null"`
	OrderRef    string `json:"order_ref" gorm:"index"`
	ContactID   string `json:"contact_id" gorm:"index"`
	Description string `json:"description"`
	// Identifier is the idempotency/request identifier supplied by the
	// calling application for this checkout.
	Identifier string  `json:"identifier"`
	FeeAmount  float64 `json:"fee_amount"`
	NetAmount  float64 `json:"net_amount"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RecurringSchedule is the local recurring agreement extended with the
// remote subscription reference and schedule fields.
type RecurringSchedule struct {
	ID                uint       `json:"id" gorm:"primaryKey"`
	AgreementID       string     `json:"agreement_id" gorm:"not null;uniqueIndex"`
	SubscriptionRef   string     `json:"subscription_ref" gorm:"index"`
	PlanRef           string     `json:"plan_ref"`
	FrequencyUnit     string     `json:"frequency_unit"`
	FrequencyInterval int        `json:"frequency_interval" gorm:"default:1"`
	CycleDay          int        `json:"cycle_day"`
	NextScheduledDate time.Time  `json:"next_scheduled_date"`
	// LastInvoiceRef is the renewal invoice that last advanced the
	// schedule; a redelivered invoice event never advances it twice.
	LastInvoiceRef string     `json:"last_invoice_ref"`
	AutoRenew      bool       `json:"auto_renew"`
	Installments   int        `json:"installments"`
	EndDate        *time.Time `json:"end_date,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Local refund statuses mapped from the processor's refund status.
const (
	RefundStatusPending   = "pending"
	RefundStatusCompleted = "completed"
	RefundStatusFailed    = "failed"
	RefundStatusCancelled = "cancelled"
)

// RefundRecord is written once per refund call and is immutable afterwards.
// The serialized processor response is retained for audit.
type RefundRecord struct {
	ID                uint           `json:"id" gorm:"primaryKey"`
	RefundRef         string         `json:"refund_ref" gorm:"not null;uniqueIndex"`
	ChargeRef         string         `json:"charge_ref" gorm:"index"`
	AmountMinor       int64          `json:"amount_minor"`
	Status            string         `json:"status"`
	ProcessorResponse datatypes.JSON `json:"processor_response"`

	CreatedAt time.Time `json:"created_at"`
}

// Notification outcomes recorded in the audit trail.
const (
	NotificationOutcomeProcessed = "processed"
	NotificationOutcomeIgnored   = "ignored"
	NotificationOutcomeConflict  = "conflict"
)

// NotificationEvent is the audit trail of inbound processor notifications.
type NotificationEvent struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	EventRef   string    `json:"event_ref" gorm:"not null;uniqueIndex"`
	EventType  string    `json:"event_type" gorm:"not null"`
	Outcome    string    `json:"outcome"`
	ReceivedAt time.Time `json:"received_at"`

	CreatedAt time.Time `json:"created_at"`
}

func (c *CustomerLink) TableName() string        { return "customer_links" }
func (p *PaymentIntentRecord) TableName() string { return "payment_intent_records" }
func (r *RecurringSchedule) TableName() string   { return "recurring_schedules" }
func (r *RefundRecord) TableName() string        { return "refund_records" }
func (n *NotificationEvent) TableName() string   { return "notification_events" }
