package postgres

import (
	"context"
	"database/sql"
	"errors"

	masterdata "powermeter-cloud/internal/masterdata/domain"
)

// SubscriptionRepository reads customer subscriptions from Postgres.
type SubscriptionRepository struct {
	db DBTX
}

// NewSubscriptionRepository constructs a repository.
func NewSubscriptionRepository(db DBTX) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

// Subscription returns the subscription of a customer, nil when unknown.
func (r *SubscriptionRepository) Subscription(ctx context.Context, customerID string) (*masterdata.Subscription, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("subscription repo: nil db")
	}
	if customerID == "" {
		return nil, nil
	}
	var sub masterdata.Subscription
	err := r.db.QueryRowContext(ctx, `
SELECT customer_id, packs, active
FROM subscriptions
WHERE customer_id = $1`, customerID).Scan(&sub.CustomerID, &sub.Packs, &sub.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &sub, nil
}
