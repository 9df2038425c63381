package db

import (
	"context"
	"time"

	"github.com/go-errors/errors"
	"github.com/kaytu-io/billing-scheduler/services/billing/db/model"
	"gorm.io/gorm"
)

// FindExpiringAutoRenewSubscriptions lists auto-renewing subscriptions whose
// expiry falls in [start, end) and that were not processed since start. The
// owning user's balances and the tier are loaded with each subscription.
func (db Database) FindExpiringAutoRenewSubscriptions(ctx context.Context, start, end time.Time) ([]model.Subscription, error) {
	var subscriptions []model.Subscription
	tx := db.Orm.WithContext(ctx).
		Preload("User.Balances").
		Preload("Tier").
		Where("expires >= ? AND expires < ?", start, end).
		Where("should_continue = ?", true).
		Where("last_processed IS NULL OR last_processed < ?", start).
		Find(&subscriptions)
	if tx.Error != nil {
		return nil, tx.Error
	}

	return subscriptions, nil
}

func (db Database) FindPaymentOptions(ctx context.Context, projectID string) ([]model.ProjectPayment, error) {
	var payments []model.ProjectPayment
	tx := db.Orm.WithContext(ctx).
		Where("project_id = ?", projectID).
		Find(&payments)
	if tx.Error != nil {
		return nil, tx.Error
	}

	return payments, nil
}

// MarkSubscriptionProcessed records that the subscription was classified at
// the given time so later scans in the same window skip it.
func (db Database) MarkSubscriptionProcessed(ctx context.Context, id string, at time.Time) error {
	return db.Orm.WithContext(ctx).
		Model(&model.Subscription{}).
		Where("id = ?", id).
		Update("last_processed", at).Error
}

// DeleteSubscription removes the subscription. Deleting a subscription that
// does not exist is not an error.
func (db Database) DeleteSubscription(ctx context.Context, id string) error {
	tx := db.Orm.WithContext(ctx).
		Where("id = ?", id).
		Delete(&model.Subscription{})
	if tx.Error != nil {
		if errors.Is(tx.Error, gorm.ErrRecordNotFound) {
			return nil
		}
		return tx.Error
	}

	return nil
}
