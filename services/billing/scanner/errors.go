package scanner

import "fmt"

const (
	StagePaymentOptions = "payment_options"
	StagePrice          = "price"
	StageDecide         = "decide"
	StagePublish        = "publish"
	StageMark           = "mark"
	StageCanceled       = "canceled"
)

// SubscriptionError is a failure isolated to one subscription. The scan
// records it and moves on to the next subscription.
type SubscriptionError struct {
	SubscriptionID string
	Stage          string
	Token          string
	Err            error
}

func (e *SubscriptionError) Error() string {
	if e.Token != "" {
		return fmt.Sprintf("subscription %s: %s (token %s): %v", e.SubscriptionID, e.Stage, e.Token, e.Err)
	}
	return fmt.Sprintf("subscription %s: %s: %v", e.SubscriptionID, e.Stage, e.Err)
}

func (e *SubscriptionError) Unwrap() error {
	return e.Err
}
