// Package stripeclient is the typed adapter in front of the remote charge
// processor. It owns SDK setup (key, pinned API version advertisement,
// bounded timeouts, client-side rate limiting) and normalizes every error
// through the processor taxonomy. SDK-level network retries are disabled:
// retries are caller-driven and must reuse the same idempotency context.
package stripeclient

import (
	"context"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/balancetransaction"
	"github.com/stripe/stripe-go/v74/customer"
	"github.com/stripe/stripe-go/v74/paymentintent"
	"github.com/stripe/stripe-go/v74/paymentmethod"
	"github.com/stripe/stripe-go/v74/plan"
	"github.com/stripe/stripe-go/v74/product"
	"github.com/stripe/stripe-go/v74/refund"
	"github.com/stripe/stripe-go/v74/subscription"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/agileware/com.drastikbydesign.stripe/internal/processor"
)

// Config holds the processor account credentials and client behaviour.
type Config struct {
	SecretKey string
	// Timeout bounds every remote call; on expiry the outcome of the
	// attempted operation is unknown and surfaces as a communication
	// error.
	Timeout        time.Duration
	RequestsPerSec float64
}

// Client implements processor.API against the Stripe API.
type Client struct {
	limiter *rate.Limiter
	logger  *zap.Logger
}

// appVersion identifies this service in outbound request attribution.
const appVersion = "1.0.0"

// New configures the SDK and returns the adapter. The secret key is account
// scoped. The API version is pinned by the SDK itself (stripe.APIVersion);
// the configured version is surfaced to the browser widget, not sent here.
func New(cfg Config, logger *zap.Logger) *Client {
	stripe.SetAppInfo(&stripe.AppInfo{
		Name:    "payment-orchestrator",
		Version: appVersion,
	})

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	stripe.SetBackend(stripe.APIBackend, stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: timeout},
		MaxNetworkRetries: stripe.Int64(0),
	}))
	stripe.Key = cfg.SecretKey

	rps := cfg.RequestsPerSec
	if rps <= 0 {
		rps = 25
	}

	return &Client{
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)),
		logger:  logger,
	}
}

func (c *Client) wait(ctx context.Context, op string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return processor.Classify(op, err)
	}
	return nil
}

func (c *Client) CustomerCreate(ctx context.Context, params *stripe.CustomerParams) (*stripe.Customer, error) {
	const op = "customer_create"
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}
	params.Context = ctx
	cust, err := customer.New(params)
	if err != nil {
		return nil, processor.Classify(op, err)
	}
	return cust, nil
}

func (c *Client) CustomerGet(ctx context.Context, id string) (*stripe.Customer, error) {
	const op = "customer_retrieve"
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}
	cust, err := customer.Get(id, &stripe.CustomerParams{Params: stripe.Params{Context: ctx}})
	if err != nil {
		return nil, processor.Classify(op, err)
	}
	return cust, nil
}

func (c *Client) CustomerUpdate(ctx context.Context, id string, params *stripe.CustomerParams) (*stripe.Customer, error) {
	const op = "customer_update"
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}
	params.Context = ctx
	cust, err := customer.Update(id, params)
	if err != nil {
		return nil, processor.Classify(op, err)
	}
	return cust, nil
}

func (c *Client) PaymentMethodAttach(ctx context.Context, id, customerRef string) (*stripe.PaymentMethod, error) {
	const op = "payment_method_attach"
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}
	pm, err := paymentmethod.Attach(id, &stripe.PaymentMethodAttachParams{
		Params:   stripe.Params{Context: ctx},
		Customer: stripe.String(customerRef),
	})
	if err != nil {
		return nil, processor.Classify(op, err)
	}
	return pm, nil
}

func (c *Client) IntentCreate(ctx context.Context, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	const op = "intent_create"
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}
	params.Context = ctx
	intent, err := paymentintent.New(params)
	if err != nil {
		return nil, processor.Classify(op, err)
	}
	return intent, nil
}

func (c *Client) IntentGet(ctx context.Context, id string) (*stripe.PaymentIntent, error) {
	const op = "intent_retrieve"
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}
	// The latest charge is an id-only reference unless expanded; the
	// settlement and redirect paths need the full charge.
	params := &stripe.PaymentIntentParams{Params: stripe.Params{Context: ctx}}
	params.AddExpand("latest_charge")
	intent, err := paymentintent.Get(id, params)
	if err != nil {
		return nil, processor.Classify(op, err)
	}
	return intent, nil
}

func (c *Client) IntentUpdate(ctx context.Context, id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	const op = "intent_update"
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}
	params.Context = ctx
	intent, err := paymentintent.Update(id, params)
	if err != nil {
		return nil, processor.Classify(op, err)
	}
	return intent, nil
}

func (c *Client) IntentConfirm(ctx context.Context, id string) (*stripe.PaymentIntent, error) {
	const op = "intent_confirm"
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}
	intent, err := paymentintent.Confirm(id, &stripe.PaymentIntentConfirmParams{Params: stripe.Params{Context: ctx}})
	if err != nil {
		return nil, processor.Classify(op, err)
	}
	return intent, nil
}

func (c *Client) IntentCapture(ctx context.Context, id string) (*stripe.PaymentIntent, error) {
	const op = "intent_capture"
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}
	params := &stripe.PaymentIntentCaptureParams{Params: stripe.Params{Context: ctx}}
	params.AddExpand("latest_charge")
	intent, err := paymentintent.Capture(id, params)
	if err != nil {
		return nil, processor.Classify(op, err)
	}
	return intent, nil
}

func (c *Client) SubscriptionCreate(ctx context.Context, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
	const op = "subscription_create"
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}
	params.Context = ctx
	s, err := subscription.New(params)
	if err != nil {
		return nil, processor.Classify(op, err)
	}
	return s, nil
}

func (c *Client) SubscriptionGet(ctx context.Context, id string) (*stripe.Subscription, error) {
	const op = "subscription_retrieve"
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}
	s, err := subscription.Get(id, &stripe.SubscriptionParams{Params: stripe.Params{Context: ctx}})
	if err != nil {
		return nil, processor.Classify(op, err)
	}
	return s, nil
}

func (c *Client) SubscriptionCancel(ctx context.Context, id string) (*stripe.Subscription, error) {
	const op = "subscription_cancel"
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}
	s, err := subscription.Cancel(id, &stripe.SubscriptionCancelParams{Params: stripe.Params{Context: ctx}})
	if err != nil {
		return nil, processor.Classify(op, err)
	}
	return s, nil
}

func (c *Client) PlanGet(ctx context.Context, id string) (*stripe.Plan, error) {
	const op = "plan_retrieve"
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}
	p, err := plan.Get(id, &stripe.PlanParams{Params: stripe.Params{Context: ctx}})
	if err != nil {
		return nil, processor.Classify(op, err)
	}
	return p, nil
}

func (c *Client) PlanCreate(ctx context.Context, params *stripe.PlanParams) (*stripe.Plan, error) {
	const op = "plan_create"
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}
	params.Context = ctx
	p, err := plan.New(params)
	if err != nil {
		return nil, processor.Classify(op, err)
	}
	return p, nil
}

func (c *Client) ProductCreate(ctx context.Context, params *stripe.ProductParams) (*stripe.Product, error) {
	const op = "product_create"
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}
	params.Context = ctx
	p, err := product.New(params)
	if err != nil {
		return nil, processor.Classify(op, err)
	}
	return p, nil
}

func (c *Client) RefundCreate(ctx context.Context, params *stripe.RefundParams) (*stripe.Refund, error) {
	const op = "refund_create"
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}
	params.Context = ctx
	r, err := refund.New(params)
	if err != nil {
		return nil, processor.Classify(op, err)
	}
	return r, nil
}

func (c *Client) BalanceTransactionGet(ctx context.Context, id string) (*stripe.BalanceTransaction, error) {
	const op = "balance_transaction_retrieve"
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}
	txn, err := balancetransaction.Get(id, &stripe.BalanceTransactionParams{Params: stripe.Params{Context: ctx}})
	if err != nil {
		return nil, processor.Classify(op, err)
	}
	return txn, nil
}
