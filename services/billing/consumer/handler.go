package consumer

import (
	"context"
	"fmt"
	"sync"

	"github.com/kaytu-io/billing-scheduler/services/billing/api/entities"
	"go.uber.org/zap"
)

// Message is a decoded delivery handed to a Handler.
type Message struct {
	ID       string
	Envelope entities.Envelope
	Payload  entities.Payload
}

// Handler applies the effect of one event kind. A nil error acknowledges the
// message; any error sends it through the retry policy.
type Handler interface {
	Handle(ctx context.Context, msg Message) error
}

type HandlerFunc func(ctx context.Context, msg Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// HandlerError wraps a failure returned by a registered handler.
type HandlerError struct {
	EventType entities.EventType
	Err       error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handle %s event: %v", e.EventType, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// Registry maps event kinds to their handlers. Kinds without a handler are
// rejected by the consumer.
type Registry struct {
	mu       sync.RWMutex
	handlers map[entities.EventType]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[entities.EventType]Handler{}}
}

func (r *Registry) Register(kind entities.EventType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

func (r *Registry) Lookup(kind entities.EventType) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

type Deleter interface {
	DeleteSubscription(ctx context.Context, id string) error
}

// BurnHandler terminates the subscription named by a burn event. Deleting a
// subscription that is already gone succeeds, so redeliveries are harmless.
type BurnHandler struct {
	logger *zap.Logger
	store  Deleter
}

func NewBurnHandler(logger *zap.Logger, store Deleter) BurnHandler {
	return BurnHandler{
		logger: logger.Named("burn"),
		store:  store,
	}
}

func (h BurnHandler) Handle(ctx context.Context, msg Message) error {
	data, ok := msg.Payload.(entities.BurnData)
	if !ok {
		return fmt.Errorf("unexpected payload %T for burn", msg.Payload)
	}

	if err := h.store.DeleteSubscription(ctx, data.SubscriptionID); err != nil {
		return fmt.Errorf("delete subscription %s: %w", data.SubscriptionID, err)
	}

	h.logger.Info("subscription terminated",
		zap.String("subscriptionID", data.SubscriptionID),
		zap.String("tierID", data.TierID),
		zap.String("userID", msg.Envelope.UserID),
		zap.String("projectID", msg.Envelope.ProjectID),
	)
	return nil
}
