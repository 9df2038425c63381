// Package decision classifies an expiring subscription against the balance a
// user holds in one payment token and builds the envelope to publish. It does
// no I/O.
package decision

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kaytu-io/billing-scheduler/services/billing/api/entities"
	"github.com/kaytu-io/billing-scheduler/services/billing/db/model"
	"github.com/shopspring/decimal"
)

type Input struct {
	Subscription model.Subscription
	Price        decimal.Decimal
	Balance      decimal.Decimal
	Option       model.ProjectPayment
}

// Classify returns pay when balance covers price, burn otherwise. A balance
// exactly equal to the price pays.
func Classify(price, balance decimal.Decimal) entities.EventType {
	if balance.GreaterThanOrEqual(price) {
		return entities.EventPay
	}
	return entities.EventBurn
}

// TierPrice parses the price stored on a tier.
func TierPrice(tier model.Tier) (decimal.Decimal, error) {
	price, err := decimal.NewFromString(tier.Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("tier %s has invalid price %q: %w", tier.ID, tier.Price, err)
	}
	if price.IsNegative() {
		return decimal.Zero, fmt.Errorf("tier %s has negative price %s", tier.ID, tier.Price)
	}
	return price, nil
}

// BalanceFor returns the user's balance in token, zero when the user holds none.
func BalanceFor(balances []model.Balance, token string) decimal.Decimal {
	for _, b := range balances {
		if b.Token == token {
			return b.Balance
		}
	}
	return decimal.Zero
}

// Decide classifies in and wraps the resulting payload in an envelope.
func Decide(in Input, submittedAt time.Time) (entities.Envelope, error) {
	sub := in.Subscription

	var payload entities.Payload
	switch Classify(in.Price, in.Balance) {
	case entities.EventPay:
		payload = entities.PayData{
			SubscriptionID: sub.ID,
			PaymentOption: entities.PaymentOption{
				Token:  in.Option.Token,
				Name:   in.Option.Name,
				Symbol: in.Option.Symbol,
				IsEth:  in.Option.IsEth,
			},
			TierID: sub.TierID,
			Expiry: sub.Expires,
			Amount: json.Number(in.Price.String()),
		}
	default:
		// termination always restates the current expiry, never an advanced one
		payload = entities.BurnData{
			SubscriptionID: sub.ID,
			TierID:         sub.TierID,
			Expiry:         sub.Expires,
		}
	}

	return entities.NewEnvelope(payload, sub.UserID, sub.ProjectID, submittedAt)
}
