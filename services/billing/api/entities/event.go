package entities

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/go-playground/validator.v9"
)

type EventType string

const (
	EventBurn EventType = "burn"
	EventPay  EventType = "pay"
	EventMint EventType = "mint"
)

func ListAllEventTypes() []EventType {
	return []EventType{EventBurn, EventPay, EventMint}
}

func (t EventType) IsValid() bool {
	switch t {
	case EventBurn, EventPay, EventMint:
		return true
	}
	return false
}

type PaymentOption struct {
	Token  string `json:"token" validate:"required"`
	Name   string `json:"name"`
	Symbol string `json:"symbol"`
	IsEth  bool   `json:"is_eth"`
}

// BurnData terminates a subscription as of Expiry.
type BurnData struct {
	SubscriptionID string    `json:"subscription_id" validate:"required"`
	TierID         string    `json:"tier_id" validate:"required"`
	Expiry         time.Time `json:"expiry" validate:"required"`
}

// PayData debits Amount of PaymentOption.Token to renew a subscription.
type PayData struct {
	SubscriptionID string        `json:"subscription_id" validate:"required"`
	PaymentOption  PaymentOption `json:"payment_option"`
	TierID         string        `json:"tier_id" validate:"required"`
	Expiry         time.Time     `json:"expiry" validate:"required"`
	Amount         json.Number   `json:"amount" validate:"required"`
}

// MintData provisions a new entitlement. It carries no subscription id since
// the subscription does not exist yet.
type MintData struct {
	TierID string    `json:"tier_id" validate:"required"`
	Expiry time.Time `json:"expiry" validate:"required"`
}

// Payload is implemented by the data shapes an Envelope can carry.
type Payload interface {
	EventType() EventType
}

func (BurnData) EventType() EventType { return EventBurn }
func (PayData) EventType() EventType  { return EventPay }
func (MintData) EventType() EventType { return EventMint }

// Envelope is the unit published on the subscription queue. Data holds the
// payload matching EventType.
type Envelope struct {
	EventType   EventType       `json:"event_type" validate:"required"`
	Data        json.RawMessage `json:"data" validate:"required"`
	SubmittedAt time.Time       `json:"submitted_at" validate:"required"`
	UserID      string          `json:"user_id" validate:"required"`
	ProjectID   string          `json:"project_id" validate:"required"`
}

var validate = validator.New()

func NewEnvelope(payload Payload, userID, projectID string, submittedAt time.Time) (Envelope, error) {
	if payload == nil {
		return Envelope{}, fmt.Errorf("nil payload")
	}
	if err := validate.Struct(payload); err != nil {
		return Envelope{}, fmt.Errorf("invalid %s payload: %w", payload.EventType(), err)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", payload.EventType(), err)
	}

	env := Envelope{
		EventType:   payload.EventType(),
		Data:        data,
		SubmittedAt: submittedAt.UTC(),
		UserID:      userID,
		ProjectID:   projectID,
	}
	if err := validate.Struct(env); err != nil {
		return Envelope{}, fmt.Errorf("invalid envelope: %w", err)
	}
	return env, nil
}

// DecodeError reports a message body that is not a well formed envelope or
// whose data does not match its event type.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return "decode envelope: " + e.Reason
	}
	return fmt.Sprintf("decode envelope: %s: %v", e.Reason, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// DecodeEnvelope parses body and its typed payload. Every failure is a
// *DecodeError.
func DecodeEnvelope(body []byte) (Envelope, Payload, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, nil, &DecodeError{Reason: "malformed json", Err: err}
	}
	if err := validate.Struct(env); err != nil {
		return env, nil, &DecodeError{Reason: "missing envelope field", Err: err}
	}

	payload, err := env.Payload()
	if err != nil {
		return env, nil, err
	}
	return env, payload, nil
}

// Payload strictly decodes Data into the shape implied by EventType. Unknown
// fields are rejected, so a pay body is never mistaken for a burn body.
func (e Envelope) Payload() (Payload, error) {
	var payload Payload
	switch e.EventType {
	case EventBurn:
		var data BurnData
		if err := decodeStrict(e.Data, &data); err != nil {
			return nil, err
		}
		payload = data
	case EventPay:
		var data PayData
		if err := decodeStrict(e.Data, &data); err != nil {
			return nil, err
		}
		if err := checkNumericAmount(e.Data); err != nil {
			return nil, err
		}
		payload = data
	case EventMint:
		var data MintData
		if err := decodeStrict(e.Data, &data); err != nil {
			return nil, err
		}
		payload = data
	default:
		return nil, &DecodeError{Reason: fmt.Sprintf("unknown event type %q", e.EventType)}
	}

	if err := validate.Struct(payload); err != nil {
		return nil, &DecodeError{Reason: fmt.Sprintf("invalid %s data", e.EventType), Err: err}
	}
	return payload, nil
}

// checkNumericAmount rejects a quoted amount, which json.Number would
// otherwise accept.
func checkNumericAmount(data []byte) error {
	var raw struct {
		Amount json.RawMessage `json:"amount"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return &DecodeError{Reason: "data does not match event type", Err: err}
	}
	if len(raw.Amount) > 0 && raw.Amount[0] == '"' {
		return &DecodeError{Reason: "pay amount must be a json number"}
	}
	return nil
}

func decodeStrict(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &DecodeError{Reason: "data does not match event type", Err: err}
	}
	return nil
}
