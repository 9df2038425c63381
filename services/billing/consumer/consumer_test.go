package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kaytu-io/billing-scheduler/pkg/queue"
	"github.com/kaytu-io/billing-scheduler/services/billing/api/entities"
	"github.com/kaytu-io/billing-scheduler/services/billing/db/model"
	"github.com/kaytu-io/billing-scheduler/services/billing/decision"
	"github.com/shopspring/decimal"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type outcome string

const (
	acked    outcome = "ack"
	rejected outcome = "reject"
	requeued outcome = "requeue"
)

type fakeAcknowledger struct {
	mu       sync.Mutex
	outcomes map[uint64][]outcome
}

func newFakeAcknowledger() *fakeAcknowledger {
	return &fakeAcknowledger{outcomes: map[uint64][]outcome{}}
}

func (f *fakeAcknowledger) record(tag uint64, o outcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes[tag] = append(f.outcomes[tag], o)
	return nil
}

func (f *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	return f.record(tag, acked)
}

func (f *fakeAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	if requeue {
		return f.record(tag, requeued)
	}
	return f.record(tag, rejected)
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return f.Nack(tag, false, requeue)
}

func (f *fakeAcknowledger) of(tag uint64) []outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outcomes[tag]
}

type fakeSource struct {
	mu sync.Mutex

	deliveries chan amqp.Delivery
	ack        *fakeAcknowledger
	nextTag    uint64
	cancelOnce sync.Once

	publishErr error
	published  []queue.Message
	consumeErr error
	cancelErr  error
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		deliveries: make(chan amqp.Delivery, 16),
		ack:        newFakeAcknowledger(),
	}
}

func (f *fakeSource) deliver(body []byte, headers amqp.Table) uint64 {
	f.mu.Lock()
	f.nextTag++
	tag := f.nextTag
	f.mu.Unlock()

	f.deliveries <- amqp.Delivery{
		Acknowledger: f.ack,
		DeliveryTag:  tag,
		MessageId:    "msg-1",
		Headers:      headers,
		Body:         body,
	}
	return tag
}

func (f *fakeSource) Consume(string, string) (<-chan amqp.Delivery, error) {
	if f.consumeErr != nil {
		return nil, f.consumeErr
	}
	return f.deliveries, nil
}

func (f *fakeSource) Cancel(string) error {
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelOnce.Do(func() { close(f.deliveries) })
	return nil
}

func (f *fakeSource) Publish(_ string, msg queue.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, msg)
	return nil
}

type memoryStore struct {
	mu            sync.Mutex
	subscriptions map[string]bool
	err           error
	calls         int
}

func (m *memoryStore) DeleteSubscription(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return m.err
	}
	delete(m.subscriptions, id)
	return nil
}

var submittedAt = time.Date(2024, 5, 17, 9, 30, 0, 0, time.UTC)

func burnBody(t *testing.T, subscriptionID string) []byte {
	t.Helper()
	env, err := entities.NewEnvelope(entities.BurnData{
		SubscriptionID: subscriptionID,
		TierID:         "tier-basic",
		Expiry:         time.Date(2024, 5, 17, 18, 0, 0, 0, time.UTC),
	}, "user-1", "project-1", submittedAt)
	require.NoError(t, err)
	body, err := json.Marshal(env)
	require.NoError(t, err)
	return body
}

func payBody(t *testing.T) []byte {
	t.Helper()
	env, err := entities.NewEnvelope(entities.PayData{
		SubscriptionID: "S1",
		PaymentOption:  entities.PaymentOption{Token: "USDC", Name: "USD Coin", Symbol: "USDC"},
		TierID:         "tier-basic",
		Expiry:         time.Date(2024, 5, 17, 18, 0, 0, 0, time.UTC),
		Amount:         "100",
	}, "user-1", "project-1", submittedAt)
	require.NoError(t, err)
	body, err := json.Marshal(env)
	require.NoError(t, err)
	return body
}

func newBurnConsumer(source Source, store *memoryStore, maxRetries int) *Consumer {
	registry := NewRegistry()
	registry.Register(entities.EventBurn, NewBurnHandler(zap.NewNop(), store))
	return New(zap.NewNop(), source, registry, Config{MaxRetries: maxRetries})
}

// drain runs the consumer over everything already delivered and shuts it down.
func drain(t *testing.T, c *Consumer) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, c.Start(ctx))
}

func TestBurnDeletesSubscription(t *testing.T) {
	source := newFakeSource()
	store := &memoryStore{subscriptions: map[string]bool{"S1": true, "S2": true}}
	tag := source.deliver(burnBody(t, "S1"), nil)

	drain(t, newBurnConsumer(source, store, 5))

	assert.Equal(t, []outcome{acked}, source.ack.of(tag))
	assert.Equal(t, map[string]bool{"S2": true}, store.subscriptions)
}

func TestBurnRedeliveryIsIdempotent(t *testing.T) {
	source := newFakeSource()
	store := &memoryStore{subscriptions: map[string]bool{"S1": true}}
	first := source.deliver(burnBody(t, "S1"), nil)
	second := source.deliver(burnBody(t, "S1"), nil)

	drain(t, newBurnConsumer(source, store, 5))

	assert.Equal(t, []outcome{acked}, source.ack.of(first))
	assert.Equal(t, []outcome{acked}, source.ack.of(second))
	assert.Empty(t, store.subscriptions)
	assert.Equal(t, 2, store.calls)
	assert.Empty(t, source.published)
}

func TestDecodeFailureIsAckedOnce(t *testing.T) {
	source := newFakeSource()
	store := &memoryStore{subscriptions: map[string]bool{"S1": true}}
	malformed := source.deliver([]byte(`{"event_type": "burn", "data": `), nil)
	unknown := source.deliver([]byte(`{"event_type":"refund","data":{},"submitted_at":"2024-05-17T09:30:00Z","user_id":"u","project_id":"p"}`), nil)
	valid := source.deliver(burnBody(t, "S1"), nil)

	drain(t, newBurnConsumer(source, store, 5))

	assert.Equal(t, []outcome{acked}, source.ack.of(malformed))
	assert.Equal(t, []outcome{acked}, source.ack.of(unknown))
	// the loop kept going after the bad messages
	assert.Equal(t, []outcome{acked}, source.ack.of(valid))
	assert.Empty(t, store.subscriptions)
	assert.Empty(t, source.published)
}

func TestUnregisteredKindIsDeadLettered(t *testing.T) {
	source := newFakeSource()
	tag := source.deliver(payBody(t), nil)

	drain(t, newBurnConsumer(source, &memoryStore{}, 5))

	assert.Equal(t, []outcome{rejected}, source.ack.of(tag))
	assert.Empty(t, source.published)
}

func TestRegisteredPayHandlerReceivesPayload(t *testing.T) {
	source := newFakeSource()
	tag := source.deliver(payBody(t), nil)

	var got Message
	registry := NewRegistry()
	registry.Register(entities.EventPay, HandlerFunc(func(_ context.Context, msg Message) error {
		got = msg
		return nil
	}))
	drain(t, New(zap.NewNop(), source, registry, Config{}))

	assert.Equal(t, []outcome{acked}, source.ack.of(tag))
	pay, ok := got.Payload.(entities.PayData)
	require.True(t, ok)
	assert.Equal(t, json.Number("100"), pay.Amount)
	assert.Equal(t, "USDC", pay.PaymentOption.Token)
	assert.Equal(t, "msg-1", got.ID)
	assert.Equal(t, "project-1", got.Envelope.ProjectID)
}

func TestHandlerFailureIsRetried(t *testing.T) {
	source := newFakeSource()
	store := &memoryStore{subscriptions: map[string]bool{"S1": true}, err: errors.New("deadlock detected")}
	body := burnBody(t, "S1")
	tag := source.deliver(body, amqp.Table{"trace": "abc"})

	drain(t, newBurnConsumer(source, store, 5))

	assert.Equal(t, []outcome{acked}, source.ack.of(tag))
	require.Len(t, source.published, 1)
	republished := source.published[0]
	assert.Equal(t, body, republished.Body)
	assert.Equal(t, "msg-1", republished.ID)
	assert.Equal(t, 1, queue.RetryCount(republished.Headers))
	assert.Equal(t, "abc", republished.Headers["trace"])
	assert.Contains(t, store.subscriptions, "S1")
}

func TestHandlerFailureDeadLettersAfterMaxRetries(t *testing.T) {
	source := newFakeSource()
	store := &memoryStore{subscriptions: map[string]bool{"S1": true}, err: errors.New("deadlock detected")}
	retried := source.deliver(burnBody(t, "S1"), amqp.Table{queue.RetryCountHeader: int32(2)})
	exhausted := source.deliver(burnBody(t, "S1"), amqp.Table{queue.RetryCountHeader: int32(3)})

	drain(t, newBurnConsumer(source, store, 3))

	assert.Equal(t, []outcome{acked}, source.ack.of(retried))
	assert.Equal(t, []outcome{rejected}, source.ack.of(exhausted))
	require.Len(t, source.published, 1)
	assert.Equal(t, 3, queue.RetryCount(source.published[0].Headers))
}

func TestHandlerPanicIsRetried(t *testing.T) {
	source := newFakeSource()
	panicking := source.deliver(payBody(t), nil)
	exhausted := source.deliver(payBody(t), amqp.Table{queue.RetryCountHeader: int32(3)})
	store := &memoryStore{subscriptions: map[string]bool{"S1": true}}
	valid := source.deliver(burnBody(t, "S1"), nil)

	registry := NewRegistry()
	registry.Register(entities.EventPay, HandlerFunc(func(context.Context, Message) error {
		panic("boom")
	}))
	registry.Register(entities.EventBurn, NewBurnHandler(zap.NewNop(), store))
	drain(t, New(zap.NewNop(), source, registry, Config{MaxRetries: 3}))

	assert.Equal(t, []outcome{acked}, source.ack.of(panicking))
	require.Len(t, source.published, 1)
	assert.Equal(t, 1, queue.RetryCount(source.published[0].Headers))
	assert.Equal(t, []outcome{rejected}, source.ack.of(exhausted))

	// the worker survived and handled the next message
	assert.Equal(t, []outcome{acked}, source.ack.of(valid))
	assert.Empty(t, store.subscriptions)
}

func TestHandlerFailureRequeuesWhenRepublishFails(t *testing.T) {
	source := newFakeSource()
	source.publishErr = &queue.TransportError{Op: "publish", Queue: queue.SubscriptionQueue, Err: amqp.ErrClosed}
	store := &memoryStore{subscriptions: map[string]bool{"S1": true}, err: errors.New("deadlock detected")}
	tag := source.deliver(burnBody(t, "S1"), nil)

	drain(t, newBurnConsumer(source, store, 5))

	assert.Equal(t, []outcome{requeued}, source.ack.of(tag))
}

func TestStartFailsWhenConsumeFails(t *testing.T) {
	source := newFakeSource()
	source.consumeErr = &queue.TransportError{Op: "consume", Queue: queue.SubscriptionQueue, Err: amqp.ErrClosed}

	err := newBurnConsumer(source, &memoryStore{}, 5).Start(context.Background())
	var transportErr *queue.TransportError
	require.ErrorAs(t, err, &transportErr)
}

func TestStartReturnsWhenBrokerClosesDeliveries(t *testing.T) {
	source := newFakeSource()
	close(source.deliveries)

	err := newBurnConsumer(source, &memoryStore{}, 5).Start(context.Background())
	require.ErrorIs(t, err, ErrDeliveriesClosed)
}

func TestShutdownWaitsForInFlightHandlers(t *testing.T) {
	source := newFakeSource()
	started := make(chan struct{})
	release := make(chan struct{})
	var handlerCtxErr error

	registry := NewRegistry()
	registry.Register(entities.EventBurn, HandlerFunc(func(ctx context.Context, _ Message) error {
		close(started)
		<-release
		handlerCtxErr = ctx.Err()
		return nil
	}))
	c := New(zap.NewNop(), source, registry, Config{Workers: 2})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- c.Start(ctx) }()

	tag := source.deliver(burnBody(t, "S1"), nil)
	<-started
	cancel()

	select {
	case <-done:
		t.Fatal("consumer stopped before the in-flight handler finished")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
	}
	assert.NoError(t, handlerCtxErr)
	assert.Equal(t, []outcome{acked}, source.ack.of(tag))
}

func TestCancelFailureWaitsForWorkers(t *testing.T) {
	source := newFakeSource()
	source.cancelErr = &queue.TransportError{Op: "cancel", Err: amqp.ErrClosed}
	started := make(chan struct{})
	release := make(chan struct{})

	registry := NewRegistry()
	registry.Register(entities.EventBurn, HandlerFunc(func(context.Context, Message) error {
		close(started)
		<-release
		return nil
	}))
	c := New(zap.NewNop(), source, registry, Config{DrainTimeout: 5 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- c.Start(ctx) }()

	tag := source.deliver(burnBody(t, "S1"), nil)
	<-started
	cancel()

	select {
	case <-done:
		t.Fatal("consumer returned while a handler was still running")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	close(source.deliveries)
	select {
	case err := <-done:
		require.ErrorIs(t, err, amqp.ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
	}
	assert.Equal(t, []outcome{acked}, source.ack.of(tag))
}

func TestCancelFailureDrainIsBounded(t *testing.T) {
	source := newFakeSource()
	source.cancelErr = &queue.TransportError{Op: "cancel", Err: amqp.ErrClosed}
	t.Cleanup(func() { close(source.deliveries) })
	c := New(zap.NewNop(), source, NewRegistry(), Config{DrainTimeout: 50 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Start(ctx)
	var transportErr *queue.TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, "cancel", transportErr.Op)
}

func TestBurnHandlerRejectsOtherPayloads(t *testing.T) {
	h := NewBurnHandler(zap.NewNop(), &memoryStore{})
	err := h.Handle(context.Background(), Message{Payload: entities.MintData{TierID: "tier-basic"}})
	require.Error(t, err)
}

func TestScanDecisionToTermination(t *testing.T) {
	sub := model.Subscription{
		ID:        "S1",
		UserID:    "user-1",
		ProjectID: "project-1",
		TierID:    "tier-basic",
		Expires:   time.Date(2024, 5, 17, 18, 0, 0, 0, time.UTC),
	}
	env, err := decision.Decide(decision.Input{
		Subscription: sub,
		Price:        decimal.NewFromInt(100),
		Balance:      decimal.NewFromInt(40),
		Option:       model.ProjectPayment{Token: "USDC"},
	}, submittedAt)
	require.NoError(t, err)
	body, err := json.Marshal(env)
	require.NoError(t, err)

	source := newFakeSource()
	store := &memoryStore{subscriptions: map[string]bool{"S1": true}}
	first := source.deliver(body, nil)
	redelivered := source.deliver(body, nil)

	drain(t, newBurnConsumer(source, store, 5))

	assert.Equal(t, []outcome{acked}, source.ack.of(first))
	assert.Equal(t, []outcome{acked}, source.ack.of(redelivered))
	assert.Empty(t, store.subscriptions)
}
