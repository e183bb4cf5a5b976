package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v74/webhook"
	"go.uber.org/zap"

	"github.com/agileware/com.drastikbydesign.stripe/internal/config"
	"github.com/agileware/com.drastikbydesign.stripe/internal/processor"
	"github.com/agileware/com.drastikbydesign.stripe/internal/reconcile"
)

// Handlers exposes the orchestrator to the calling application.
type Handlers struct {
	customers  *processor.CustomerResolver
	intents    *processor.IntentOrchestrator
	recurring  *processor.RecurringManager
	refunds    *processor.RefundManager
	reconciler *reconcile.Reconciler
	cfg        *config.Config
	logger     *zap.Logger
}

// NewHandlers creates the API handlers
func NewHandlers(
	customers *processor.CustomerResolver,
	intents *processor.IntentOrchestrator,
	recurring *processor.RecurringManager,
	refunds *processor.RefundManager,
	reconciler *reconcile.Reconciler,
	cfg *config.Config,
	logger *zap.Logger,
) *Handlers {
	return &Handlers{
		customers:  customers,
		intents:    intents,
		recurring:  recurring,
		refunds:    refunds,
		reconciler: reconciler,
		cfg:        cfg,
		logger:     logger,
	}
}

// Register wires the handler routes into the router group.
func Register(group *gin.RouterGroup, h *Handlers) {
	payments := group.Group("/payments")
	{
		payments.POST("", h.CreatePayment)
		payments.POST("/recurring", h.CreateRecurringPayment)
		payments.GET("/complete", h.CompletePayment)
		payments.GET("/config", h.GetClientConfig)
	}
	group.POST("/refunds", h.CreateRefund)
	group.DELETE("/recurring/:agreement_id", h.CancelRecurring)
	group.POST("/webhooks/stripe", h.HandleWebhook)
}

// PaymentRequest is a one-off charge request from the calling application.
// The payment intent id (browser checkout flow) or payment method id
// (deferred-amount flow) comes from the client-side card widget; raw card
// data never reaches this service.
type PaymentRequest struct {
	ContactID       string  `json:"contact_id" binding:"required"`
	Email           string  `json:"email"`
	Amount          float64 `json:"amount"`
	Currency        string  `json:"currency" binding:"required"`
	Description     string  `json:"description"`
	OrderRef        string  `json:"order_ref"`
	Identifier      string  `json:"identifier"`
	PaymentIntentID string  `json:"payment_intent_id"`
	PaymentMethodID string  `json:"payment_method_id"`
	PreAuthorize    bool    `json:"pre_authorize"`
}

// RecurringRequest sets up a recurring agreement.
type RecurringRequest struct {
	AgreementID       string  `json:"agreement_id" binding:"required"`
	ContactID         string  `json:"contact_id" binding:"required"`
	Email             string  `json:"email"`
	Amount            float64 `json:"amount"`
	Currency          string  `json:"currency" binding:"required"`
	Description       string  `json:"description"`
	Descriptor        string  `json:"descriptor"`
	Identifier        string  `json:"identifier"`
	PaymentMethodID   string  `json:"payment_method_id" binding:"required"`
	FrequencyUnit     string  `json:"frequency_unit"`
	FrequencyInterval int     `json:"frequency_interval"`
	Installments      int     `json:"installments"`
	StartDate         string  `json:"start_date"`
}

// RefundRequest refunds a prior charge.
type RefundRequest struct {
	ChargeRef string  `json:"charge_ref"`
	Amount    float64 `json:"amount"`
	Currency  string  `json:"currency" binding:"required"`
}

// CreatePayment drives a one-off charge through the intent state machine.
func (h *Handlers) CreatePayment(c *gin.Context) {
	var req PaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "invalid_request"})
		return
	}
	ctx := c.Request.Context()

	amountMinor := processor.AmountMinorUnits(req.Amount, req.Currency)
	if amountMinor == 0 {
		// A zero amount is valid: nothing to charge.
		c.JSON(http.StatusOK, gin.H{
			"order_ref":  req.OrderRef,
			"status":     "completed",
			"fee_amount": 0,
			"net_amount": 0,
		})
		return
	}

	cust, err := h.customers.Resolve(ctx, processor.ResolveParams{
		ContactID:   req.ContactID,
		ProcessorID: "stripe",
		Email:       req.Email,
	})
	if err != nil {
		h.renderError(c, err)
		return
	}

	identifier := req.Identifier
	if identifier == "" {
		identifier = uuid.New().String()
	}

	params := processor.ChargeParams{
		CustomerRef:               cust.ID,
		AmountMinor:               amountMinor,
		Currency:                  req.Currency,
		Description:               h.description(req.ContactID, req.OrderRef, req.Description),
		StatementDescriptor:       statementDescriptor(req.ContactID, req.OrderRef, req.Description),
		StatementDescriptorSuffix: statementDescriptorSuffix(req.ContactID, req.OrderRef, req.Description),
		IntentRef:                 req.PaymentIntentID,
		PaymentMethodRef:          req.PaymentMethodID,
		PreAuthorize:              req.PreAuthorize,
		ContactID:                 req.ContactID,
		OrderRef:                  req.OrderRef,
		Identifier:                identifier,
		Email:                     req.Email,
	}

	intent, err := h.intents.ChargeOneOff(ctx, params)
	if err != nil {
		h.renderError(c, err)
		return
	}
	result, err := h.intents.Advance(ctx, intent, params)
	if err != nil {
		h.renderError(c, err)
		return
	}

	// For a single charge there is no invoice: the charge id is the
	// order reference.
	if result.OrderRef == "" {
		result.OrderRef = result.ChargeRef
	}
	c.JSON(http.StatusOK, result)
}

// CreateRecurringPayment sets up a subscription and takes the first charge.
func (h *Handlers) CreateRecurringPayment(c *gin.Context) {
	var req RecurringRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "invalid_request"})
		return
	}
	ctx := c.Request.Context()

	cust, err := h.customers.Resolve(ctx, processor.ResolveParams{
		ContactID:   req.ContactID,
		ProcessorID: "stripe",
		Email:       req.Email,
	})
	if err != nil {
		h.renderError(c, err)
		return
	}

	var startDate *time.Time
	if req.StartDate != "" {
		parsed, err := time.Parse("2006-01-02", req.StartDate)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid start_date", "code": "invalid_request"})
			return
		}
		startDate = &parsed
	}

	identifier := req.Identifier
	if identifier == "" {
		identifier = uuid.New().String()
	}

	result, err := h.recurring.SetupRecurring(ctx, processor.RecurringParams{
		AgreementID:       req.AgreementID,
		CustomerRef:       cust.ID,
		PaymentMethodRef:  req.PaymentMethodID,
		AmountMinor:       processor.AmountMinorUnits(req.Amount, req.Currency),
		Currency:          req.Currency,
		FrequencyUnit:     req.FrequencyUnit,
		FrequencyInterval: req.FrequencyInterval,
		Installments:      req.Installments,
		StartDate:         startDate,
		Description:       h.description(req.ContactID, req.AgreementID, req.Description),
		Descriptor:        req.Descriptor,
		ContactID:         req.ContactID,
		Identifier:        identifier,
		Email:             req.Email,
	})
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// CreateRefund refunds a prior charge.
func (h *Handlers) CreateRefund(c *gin.Context) {
	var req RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "invalid_request"})
		return
	}

	rec, err := h.refunds.Refund(c.Request.Context(), req.ChargeRef,
		processor.AmountMinorUnits(req.Amount, req.Currency))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"refund_ref": rec.RefundRef,
		"status":     rec.Status,
	})
}

// CancelRecurring requests remote cancellation of a recurring agreement.
// Failure is reported in the body, not as an error status: the condition is
// expected and non-fatal.
func (h *Handlers) CancelRecurring(c *gin.Context) {
	agreementID := c.Param("agreement_id")
	cancelled := h.recurring.Cancel(c.Request.Context(), agreementID)
	if !cancelled {
		c.JSON(http.StatusOK, gin.H{
			"cancelled": false,
			"message":   "the recurring agreement could not be cancelled (no reference found or the processor refused)",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

// HandleWebhook consumes a pushed processor event. It acknowledges with 200
// only after local persistence; any other status tells the sender to
// redeliver.
func (h *Handlers) HandleWebhook(c *gin.Context) {
	ctx := c.Request.Context()
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read_failed"})
		return
	}

	// Endpoints can run at an older pinned API version than the SDK;
	// signature verification must not reject those deliveries.
	event, err := webhook.ConstructEventWithOptions(body, c.GetHeader("Stripe-Signature"),
		h.cfg.Stripe.WebhookSecret, webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature"})
		return
	}

	claimed, err := h.reconciler.Claim(ctx, event.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "dedup_unavailable"})
		return
	}
	if !claimed {
		c.JSON(http.StatusOK, gin.H{"status": "duplicate_ignored", "id": event.ID})
		return
	}

	if err := h.reconciler.HandleEvent(ctx, &event); err != nil {
		// Release the claim so the redelivery is processed.
		h.reconciler.Unclaim(ctx, event.ID)
		h.logger.Error("webhook processing failed",
			zap.String("event_ref", event.ID),
			zap.String("event_type", string(event.Type)),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "processing_failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "success", "id": event.ID})
}

// CompletePayment handles the browser redirect after step-up
// authentication; the intent id arrives as a query parameter.
func (h *Handlers) CompletePayment(c *gin.Context) {
	intentRef := c.Query("payment_intent")
	if intentRef == "" {
		intentRef = c.Query("paymentIntentID")
	}
	rec, err := h.reconciler.CompleteRedirect(c.Request.Context(), intentRef)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"intent_ref": rec.IntentRef,
		"status":     rec.Status,
		"order_ref":  rec.OrderRef,
	})
}

// GetClientConfig exposes what the browser-side card widget needs; the
// secret key never leaves the server.
func (h *Handlers) GetClientConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"publishable_key":                 h.cfg.Stripe.PublishableKey,
		"api_version":                     h.cfg.Stripe.APIVersion,
		"collect_minimal_billing_address": h.cfg.Payments.CollectMinimalBillingAddress,
		"livemode":                        h.cfg.Stripe.Livemode,
	})
}

// description composes the processor-side charge description from the
// contact and order references.
func (h *Handlers) description(contactID, orderRef, description string) string {
	return fmt.Sprintf("%s %s #%s", description, contactOrder(contactID, orderRef), orderRef)
}

const statementDescriptorLimit = 22

func statementDescriptor(contactID, orderRef, description string) string {
	s := contactOrder(contactID, orderRef) + " " + description
	// Truncate on runes: a byte slice could split a multi-byte character.
	if r := []rune(s); len(r) > statementDescriptorLimit {
		s = string(r[:statementDescriptorLimit])
	}
	return s
}

func statementDescriptorSuffix(contactID, orderRef, description string) string {
	if len(description) > 7 {
		description = description[:7]
	}
	return contactOrder(contactID, orderRef) + " " + description
}

func contactOrder(contactID, orderRef string) string {
	if orderRef == "" {
		orderRef = "XX"
	}
	return contactID + "-" + orderRef
}

// renderError maps the error taxonomy to a response: a short message and an
// internal code for the caller, the detailed cause in the log only.
func (h *Handlers) renderError(c *gin.Context, err error) {
	var (
		confErr     *processor.ConfigurationError
		declinedErr *processor.PaymentDeclinedError
		notFoundErr *processor.NotFoundError
		commErr     *processor.ProcessorCommunicationError
	)
	switch {
	case errors.As(err, &confErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": confErr.Error(), "code": "configuration_error"})
	case errors.As(err, &declinedErr):
		h.logger.Warn("payment declined", zap.Error(err))
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error": "the payment was declined",
			"code":  declinedErr.Code,
		})
	case errors.As(err, &notFoundErr):
		h.logger.Error("remote entity missing", zap.Error(err))
		c.JSON(http.StatusNotFound, gin.H{"error": "a referenced record was not found", "code": "resource_missing"})
	case errors.As(err, &commErr):
		h.logger.Error("processor communication failure", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{
			"error": "the payment processor could not be reached; the payment state is unknown",
			"code":  commErr.Code,
		})
	default:
		h.logger.Error("internal error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error", "code": "internal_error"})
	}
}
