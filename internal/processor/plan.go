package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v74"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// PlanResolver reuses one remote plan per distinct set of recurring terms.
// Plan ids are deterministic, so identical terms always resolve to the same
// remote plan instead of creating duplicates.
type PlanResolver struct {
	api    API
	logger *zap.Logger
	// flights collapses concurrent lookup-then-create sequences for the
	// same plan key into one, closing the create-on-race window.
	flights singleflight.Group
}

// NewPlanResolver creates a new plan resolver
func NewPlanResolver(api API, logger *zap.Logger) *PlanResolver {
	return &PlanResolver{api: api, logger: logger}
}

// PlanSpec is one distinct set of recurring terms.
type PlanSpec struct {
	IntervalUnit  string
	IntervalCount int
	AmountMinor   int64
	Currency      string
	IsTest        bool
	// Descriptor feeds the remote product name, e.g. a membership name.
	Descriptor string
}

// PlanKey derives the deterministic plan identifier for a set of terms.
// Test-mode plans carry a -test suffix so they never collide with live ones.
func PlanKey(s PlanSpec) string {
	key := fmt.Sprintf("every-%d-%s-%d-%s",
		s.IntervalCount, s.IntervalUnit, s.AmountMinor, strings.ToLower(s.Currency))
	if s.IsTest {
		key += "-test"
	}
	return key
}

// EnsurePlan retrieves the remote plan for the given terms, creating the
// product and plan when the lookup reports the plan missing. Only the
// not-found condition triggers creation; any other remote error propagates
// unchanged.
func (r *PlanResolver) EnsurePlan(ctx context.Context, s PlanSpec) (string, error) {
	if s.IntervalCount <= 0 {
		s.IntervalCount = 1
	}
	key := PlanKey(s)

	_, err, _ := r.flights.Do(key, func() (interface{}, error) {
		if _, err := r.api.PlanGet(ctx, key); err == nil {
			return nil, nil
		} else {
			var notFound *NotFoundError
			if !errors.As(err, &notFound) {
				return nil, err
			}
		}
		return nil, r.createPlan(ctx, s, key)
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

func (r *PlanResolver) createPlan(ctx context.Context, s PlanSpec, key string) error {
	productName := r.productName(s)

	product, err := r.api.ProductCreate(ctx, &stripe.ProductParams{
		Params: stripe.Params{Context: ctx},
		Name:   stripe.String(productName),
		Type:   stripe.String("service"),
	})
	if err != nil {
		return err
	}

	_, err = r.api.PlanCreate(ctx, &stripe.PlanParams{
		Params:        stripe.Params{Context: ctx},
		ID:            stripe.String(key),
		Amount:        stripe.Int64(s.AmountMinor),
		Currency:      stripe.String(strings.ToLower(s.Currency)),
		Interval:      stripe.String(s.IntervalUnit),
		IntervalCount: stripe.Int64(int64(s.IntervalCount)),
		Product:       &stripe.PlanProductParams{ID: stripe.String(product.ID)},
	})
	if err != nil {
		return err
	}

	r.logger.Info("remote plan created",
		zap.String("plan_ref", key),
		zap.String("product_ref", product.ID))
	return nil
}

func (r *PlanResolver) productName(s PlanSpec) string {
	currency := strings.ToUpper(s.Currency)
	amount := MinorToMajor(s.AmountMinor, currency)
	name := fmt.Sprintf("every %d %s(s) %s%.*f",
		s.IntervalCount, s.IntervalUnit, currency, CurrencyPrecision(currency), amount)
	if s.Descriptor != "" {
		name = s.Descriptor + " " + name
	}
	if s.IsTest {
		name += "-test"
	}
	return name
}
