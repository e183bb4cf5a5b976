package processor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v74"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/agileware/com.drastikbydesign.stripe/internal/models"
)

// fakeAPI is a hand-written test double for the processor API. Each call is
// recorded; unset behaviours fail loudly so tests only exercise the calls
// they declare.
type fakeAPI struct {
	mu    sync.Mutex
	calls []string

	customerCreate func(params *stripe.CustomerParams) (*stripe.Customer, error)
	customerGet    func(id string) (*stripe.Customer, error)
	customerUpdate func(id string, params *stripe.CustomerParams) (*stripe.Customer, error)

	paymentMethodAttach func(id, customerRef string) (*stripe.PaymentMethod, error)

	intentCreate  func(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	intentGet     func(id string) (*stripe.PaymentIntent, error)
	intentUpdate  func(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	intentConfirm func(id string) (*stripe.PaymentIntent, error)
	intentCapture func(id string) (*stripe.PaymentIntent, error)

	subscriptionCreate func(params *stripe.SubscriptionParams) (*stripe.Subscription, error)
	subscriptionGet    func(id string) (*stripe.Subscription, error)
	subscriptionCancel func(id string) (*stripe.Subscription, error)

	planGet       func(id string) (*stripe.Plan, error)
	planCreate    func(params *stripe.PlanParams) (*stripe.Plan, error)
	productCreate func(params *stripe.ProductParams) (*stripe.Product, error)

	refundCreate          func(params *stripe.RefundParams) (*stripe.Refund, error)
	balanceTransactionGet func(id string) (*stripe.BalanceTransaction, error)
}

func (f *fakeAPI) record(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op)
}

func (f *fakeAPI) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == op {
			n++
		}
	}
	return n
}

func (f *fakeAPI) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeAPI) unexpected(op string) error {
	return fmt.Errorf("unexpected %s call", op)
}

func (f *fakeAPI) CustomerCreate(_ context.Context, params *stripe.CustomerParams) (*stripe.Customer, error) {
	f.record("customer_create")
	if f.customerCreate == nil {
		return nil, f.unexpected("customer_create")
	}
	return f.customerCreate(params)
}

func (f *fakeAPI) CustomerGet(_ context.Context, id string) (*stripe.Customer, error) {
	f.record("customer_retrieve")
	if f.customerGet == nil {
		return nil, f.unexpected("customer_retrieve")
	}
	return f.customerGet(id)
}

func (f *fakeAPI) CustomerUpdate(_ context.Context, id string, params *stripe.CustomerParams) (*stripe.Customer, error) {
	f.record("customer_update")
	if f.customerUpdate == nil {
		return nil, f.unexpected("customer_update")
	}
	return f.customerUpdate(id, params)
}

func (f *fakeAPI) PaymentMethodAttach(_ context.Context, id, customerRef string) (*stripe.PaymentMethod, error) {
	f.record("payment_method_attach")
	if f.paymentMethodAttach == nil {
		return nil, f.unexpected("payment_method_attach")
	}
	return f.paymentMethodAttach(id, customerRef)
}

func (f *fakeAPI) IntentCreate(_ context.Context, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	f.record("intent_create")
	if f.intentCreate == nil {
		return nil, f.unexpected("intent_create")
	}
	return f.intentCreate(params)
}

func (f *fakeAPI) IntentGet(_ context.Context, id string) (*stripe.PaymentIntent, error) {
	f.record("intent_retrieve")
	if f.intentGet == nil {
		return nil, f.unexpected("intent_retrieve")
	}
	return f.intentGet(id)
}

func (f *fakeAPI) IntentUpdate(_ context.Context, id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	f.record("intent_update")
	if f.intentUpdate == nil {
		return nil, f.unexpected("intent_update")
	}
	return f.intentUpdate(id, params)
}

func (f *fakeAPI) IntentConfirm(_ context.Context, id string) (*stripe.PaymentIntent, error) {
	f.record("intent_confirm")
	if f.intentConfirm == nil {
		return nil, f.unexpected("intent_confirm")
	}
	return f.intentConfirm(id)
}

func (f *fakeAPI) IntentCapture(_ context.Context, id string) (*stripe.PaymentIntent, error) {
	f.record("intent_capture")
	if f.intentCapture == nil {
		return nil, f.unexpected("intent_capture")
	}
	return f.intentCapture(id)
}

func (f *fakeAPI) SubscriptionCreate(_ context.Context, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
	f.record("subscription_create")
	if f.subscriptionCreate == nil {
		return nil, f.unexpected("subscription_create")
	}
	return f.subscriptionCreate(params)
}

func (f *fakeAPI) SubscriptionGet(_ context.Context, id string) (*stripe.Subscription, error) {
	f.record("subscription_retrieve")
	if f.subscriptionGet == nil {
		return nil, f.unexpected("subscription_retrieve")
	}
	return f.subscriptionGet(id)
}

func (f *fakeAPI) SubscriptionCancel(_ context.Context, id string) (*stripe.Subscription, error) {
	f.record("subscription_cancel")
	if f.subscriptionCancel == nil {
		return nil, f.unexpected("subscription_cancel")
	}
	return f.subscriptionCancel(id)
}

func (f *fakeAPI) PlanGet(_ context.Context, id string) (*stripe.Plan, error) {
	f.record("plan_retrieve")
	if f.planGet == nil {
		return nil, f.unexpected("plan_retrieve")
	}
	return f.planGet(id)
}

func (f *fakeAPI) PlanCreate(_ context.Context, params *stripe.PlanParams) (*stripe.Plan, error) {
	f.record("plan_create")
	if f.planCreate == nil {
		return nil, f.unexpected("plan_create")
	}
	return f.planCreate(params)
}

func (f *fakeAPI) ProductCreate(_ context.Context, params *stripe.ProductParams) (*stripe.Product, error) {
	f.record("product_create")
	if f.productCreate == nil {
		return nil, f.unexpected("product_create")
	}
	return f.productCreate(params)
}

func (f *fakeAPI) RefundCreate(_ context.Context, params *stripe.RefundParams) (*stripe.Refund, error) {
	f.record("refund_create")
	if f.refundCreate == nil {
		return nil, f.unexpected("refund_create")
	}
	return f.refundCreate(params)
}

func (f *fakeAPI) BalanceTransactionGet(_ context.Context, id string) (*stripe.BalanceTransaction, error) {
	f.record("balance_transaction_retrieve")
	if f.balanceTransactionGet == nil {
		return nil, f.unexpected("balance_transaction_retrieve")
	}
	return f.balanceTransactionGet(id)
}

// newTestDB opens a dedicated in-memory database with the full schema.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:testdb_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.CustomerLink{},
		&models.PaymentIntentRecord{},
		&models.RecurringSchedule{},
		&models.RefundRecord{},
		&models.NotificationEvent{},
	))
	return db
}
