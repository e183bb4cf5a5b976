package processor

import (
	"context"

	"github.com/stripe/stripe-go/v74"
)

// API is the narrow surface of the remote charge-processing API the
// orchestrator needs. The production implementation lives in
// internal/stripeclient; tests substitute fakes. Implementations return
// errors already passed through Classify.
type API interface {
	CustomerCreate(ctx context.Context, params *stripe.CustomerParams) (*stripe.Customer, error)
	CustomerGet(ctx context.Context, id string) (*stripe.Customer, error)
	CustomerUpdate(ctx context.Context, id string, params *stripe.CustomerParams) (*stripe.Customer, error)

	PaymentMethodAttach(ctx context.Context, id, customerRef string) (*stripe.PaymentMethod, error)

	IntentCreate(ctx context.Context, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	IntentGet(ctx context.Context, id string) (*stripe.PaymentIntent, error)
	IntentUpdate(ctx context.Context, id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	IntentConfirm(ctx context.Context, id string) (*stripe.PaymentIntent, error)
	IntentCapture(ctx context.Context, id string) (*stripe.PaymentIntent, error)

	SubscriptionCreate(ctx context.Context, params *stripe.SubscriptionParams) (*stripe.Subscription, error)
	SubscriptionGet(ctx context.Context, id string) (*stripe.Subscription, error)
	SubscriptionCancel(ctx context.Context, id string) (*stripe.Subscription, error)

	PlanGet(ctx context.Context, id string) (*stripe.Plan, error)
	PlanCreate(ctx context.Context, params *stripe.PlanParams) (*stripe.Plan, error)
	ProductCreate(ctx context.Context, params *stripe.ProductParams) (*stripe.Product, error)

	RefundCreate(ctx context.Context, params *stripe.RefundParams) (*stripe.Refund, error)
	BalanceTransactionGet(ctx context.Context, id string) (*stripe.BalanceTransaction, error)
}
