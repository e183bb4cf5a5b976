package processor

import (
	"context"
	"errors"

	"github.com/stripe/stripe-go/v74"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/agileware/com.drastikbydesign.stripe/internal/models"
)

// CustomerResolver maps a local contact identity to a remote customer
// record, creating, refreshing or recreating it as needed.
type CustomerResolver struct {
	db     *gorm.DB
	api    API
	logger *zap.Logger
}

// NewCustomerResolver creates a new customer resolver
func NewCustomerResolver(db *gorm.DB, api API, logger *zap.Logger) *CustomerResolver {
	return &CustomerResolver{db: db, api: api, logger: logger}
}

// ResolveParams identifies the contact whose remote customer is wanted.
type ResolveParams struct {
	ContactID   string
	ProcessorID string
	Email       string
}

// Find looks up the stored customer link for a (contact, processor) pair.
// Local lookup only, no remote call.
func (r *CustomerResolver) Find(ctx context.Context, contactID, processorID string) (string, bool, error) {
	var link models.CustomerLink
	err := r.db.WithContext(ctx).
		Where("contact_id = ? AND processor_id = ?", contactID, processorID).
		First(&link).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return link.CustomerRef, true, nil
}

// Resolve returns the remote customer for a contact:
//  1. No stored link: create a remote customer and persist the link.
//  2. Stored link but the remote customer reports itself deleted: drop the
//     link and recreate. A deleted remote customer is never reused.
//  3. Stored link and live remote customer: refresh the remote metadata so
//     it tracks local contact data.
//
// Any remote failure aborts resolution with no partial local state.
func (r *CustomerResolver) Resolve(ctx context.Context, p ResolveParams) (*stripe.Customer, error) {
	customerRef, found, err := r.Find(ctx, p.ContactID, p.ProcessorID)
	if err != nil {
		return nil, err
	}

	if !found {
		return r.create(ctx, p)
	}

	cust, err := r.api.CustomerGet(ctx, customerRef)
	if err != nil {
		return nil, err
	}

	if cust.Deleted {
		r.logger.Info("remote customer deleted, recreating",
			zap.String("contact_id", p.ContactID),
			zap.String("customer_ref", customerRef))
		if err := r.db.WithContext(ctx).
			Where("contact_id = ? AND processor_id = ?", p.ContactID, p.ProcessorID).
			Delete(&models.CustomerLink{}).Error; err != nil {
			return nil, err
		}
		return r.create(ctx, p)
	}

	updated, err := r.api.CustomerUpdate(ctx, cust.ID, r.customerParams(ctx, p))
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *CustomerResolver) create(ctx context.Context, p ResolveParams) (*stripe.Customer, error) {
	cust, err := r.api.CustomerCreate(ctx, r.customerParams(ctx, p))
	if err != nil {
		return nil, err
	}

	link := models.CustomerLink{
		ContactID:   p.ContactID,
		ProcessorID: p.ProcessorID,
		CustomerRef: cust.ID,
		Email:       p.Email,
	}
	// Two racing requests may both create a remote customer; last write
	// wins and downstream reads pick up whichever link survived.
	err = r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "contact_id"}, {Name: "processor_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"customer_ref", "email", "updated_at"}),
	}).Create(&link).Error
	if err != nil {
		return nil, err
	}

	r.logger.Info("remote customer created",
		zap.String("contact_id", p.ContactID),
		zap.String("customer_ref", cust.ID))
	return cust, nil
}

func (r *CustomerResolver) customerParams(ctx context.Context, p ResolveParams) *stripe.CustomerParams {
	params := &stripe.CustomerParams{
		Params: stripe.Params{Context: ctx},
		Email:  stripe.String(p.Email),
	}
	params.AddMetadata("contact_id", p.ContactID)
	params.AddMetadata("email", p.Email)
	return params
}
