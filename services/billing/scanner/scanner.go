// Package scanner finds the subscriptions expiring today and publishes one
// pay or burn event per accepted payment token.
package scanner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kaytu-io/billing-scheduler/pkg/concurrency"
	"github.com/kaytu-io/billing-scheduler/pkg/lock"
	"github.com/kaytu-io/billing-scheduler/pkg/queue"
	"github.com/kaytu-io/billing-scheduler/services/billing/api/entities"
	"github.com/kaytu-io/billing-scheduler/services/billing/db/model"
	"github.com/kaytu-io/billing-scheduler/services/billing/decision"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const scanKey = "expiry-scan"

// eventNamespace seeds the message ids of published events.
var eventNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://kaytu.io/billing/expiry-events"))

var tracer = otel.Tracer("github.com/kaytu-io/billing-scheduler/services/billing/scanner")

type Store interface {
	FindExpiringAutoRenewSubscriptions(ctx context.Context, start, end time.Time) ([]model.Subscription, error)
	FindPaymentOptions(ctx context.Context, projectID string) ([]model.ProjectPayment, error)
	MarkSubscriptionProcessed(ctx context.Context, id string, at time.Time) error
}

// Publisher is the broker handle owned by a single scan. It must be safe for
// concurrent use when the scan fans out.
type Publisher interface {
	Publish(queueName string, msg queue.Message) error
	Close() error
}

type DialFunc func() (Publisher, error)

type Locker interface {
	Acquire(ctx context.Context, name string) (func(context.Context) error, error)
}

type ScanResult struct {
	Published int
	Errors    []error
	// Skipped is set when another replica holds the scan lock.
	Skipped bool
}

type Config struct {
	Queue       string
	Location    *time.Location
	Concurrency int
	// Timeout bounds a scan independently of the callers waiting on it.
	Timeout time.Duration
}

type Scanner struct {
	logger *zap.Logger
	store  Store
	dial   DialFunc
	locker Locker
	cnf    Config

	group singleflight.Group
}

// New builds a scanner. locker may be nil, in which case only scans within
// this process are kept from overlapping.
func New(logger *zap.Logger, store Store, dial DialFunc, locker Locker, cnf Config) *Scanner {
	if cnf.Queue == "" {
		cnf.Queue = queue.SubscriptionQueue
	}
	if cnf.Location == nil {
		cnf.Location = time.Local
	}
	if cnf.Concurrency < 1 {
		cnf.Concurrency = 1
	}

	return &Scanner{
		logger: logger.Named("scanner"),
		store:  store,
		dial:   dial,
		locker: locker,
		cnf:    cnf,
	}
}

// Window returns the calendar day containing now in loc as [start, end).
func Window(now time.Time, loc *time.Location) (time.Time, time.Time) {
	now = now.In(loc)
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}

// RunScan classifies every auto-renewing subscription expiring on the day of
// now. A returned error means nothing could be published. Failures limited to
// one subscription are collected in ScanResult.Errors. Calls for the same day
// made while its scan is running share that scan's result. The scan itself
// does not stop when a caller gives up waiting.
func (s *Scanner) RunScan(ctx context.Context, now time.Time) (ScanResult, error) {
	if err := ctx.Err(); err != nil {
		return ScanResult{}, err
	}
	windowStart, _ := Window(now, s.cnf.Location)
	key := windowKey(windowStart)

	ch := s.group.DoChan(key, func() (interface{}, error) {
		runCtx := context.WithoutCancel(ctx)
		if s.cnf.Timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(runCtx, s.cnf.Timeout)
			defer cancel()
		}
		return s.guardedScan(runCtx, key, now)
	})

	select {
	case <-ctx.Done():
		return ScanResult{}, ctx.Err()
	case res := <-ch:
		if res.Shared {
			s.logger.Info("joined running scan", zap.String("key", key))
		}
		if res.Err != nil {
			return ScanResult{}, res.Err
		}
		return res.Val.(ScanResult), nil
	}
}

func windowKey(windowStart time.Time) string {
	return scanKey + ":" + windowStart.Format(time.RFC3339)
}

// eventID is stable for a subscription, token, event kind and day, so a
// republished event carries the id of the first one.
func eventID(subscriptionID, token string, kind entities.EventType, windowStart time.Time) string {
	name := fmt.Sprintf("%s/%s/%s/%s", subscriptionID, token, kind, windowStart.Format(time.RFC3339))
	return uuid.NewSHA1(eventNamespace, []byte(name)).String()
}

func (s *Scanner) guardedScan(ctx context.Context, key string, now time.Time) (ScanResult, error) {
	ctx, span := tracer.Start(ctx, scanKey,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(attribute.String("billing.scan.key", key)),
	)
	defer span.End()

	if s.locker != nil {
		release, err := s.locker.Acquire(ctx, key)
		if errors.Is(err, lock.ErrNotAcquired) {
			span.SetAttributes(attribute.Bool("billing.scan.skipped", true))
			s.logger.Info("scan lock held elsewhere, skipping", zap.String("key", key))
			ScanRunsCount.WithLabelValues("skipped").Inc()
			return ScanResult{Skipped: true}, nil
		}
		if err != nil {
			ScanRunsCount.WithLabelValues("failed").Inc()
			err = fmt.Errorf("acquire scan lock: %w", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, "lock")
			return ScanResult{}, err
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn("failed to release scan lock", zap.Error(err))
			}
		}()
	}

	start := time.Now()
	result, err := s.scan(ctx, now)
	ScanDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		ScanRunsCount.WithLabelValues("failed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "scan failed")
		return ScanResult{}, err
	}
	span.SetAttributes(
		attribute.Int("billing.scan.published", result.Published),
		attribute.Int("billing.scan.errors", len(result.Errors)),
	)
	if len(result.Errors) > 0 {
		ScanRunsCount.WithLabelValues("partial").Inc()
	} else {
		ScanRunsCount.WithLabelValues("successful").Inc()
	}
	return result, nil
}

type paymentOptions struct {
	options []model.ProjectPayment
	err     error
}

func (s *Scanner) scan(ctx context.Context, now time.Time) (ScanResult, error) {
	windowStart, windowEnd := Window(now, s.cnf.Location)

	subscriptions, err := s.store.FindExpiringAutoRenewSubscriptions(ctx, windowStart, windowEnd)
	if err != nil {
		return ScanResult{}, fmt.Errorf("find expiring subscriptions: %w", err)
	}
	s.logger.Info("expiring subscriptions found",
		zap.Int("count", len(subscriptions)),
		zap.Time("windowStart", windowStart),
		zap.Time("windowEnd", windowEnd),
	)
	if len(subscriptions) == 0 {
		return ScanResult{}, nil
	}

	publisher, err := s.dial()
	if err != nil {
		return ScanResult{}, fmt.Errorf("open publisher: %w", err)
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			s.logger.Warn("failed to close publisher", zap.Error(err))
		}
	}()

	// one lookup per project instead of per subscription
	options := make(map[string]paymentOptions)
	for _, sub := range subscriptions {
		if _, ok := options[sub.ProjectID]; ok {
			continue
		}
		o, err := s.store.FindPaymentOptions(ctx, sub.ProjectID)
		options[sub.ProjectID] = paymentOptions{options: o, err: err}
	}

	pool := concurrency.NewWorkPool[ScanResult](s.cnf.Concurrency)
	for _, sub := range subscriptions {
		sub := sub
		pool.AddJob(func() (ScanResult, error) {
			return s.processSubscription(ctx, publisher, sub, options[sub.ProjectID], now, windowStart), nil
		})
	}

	var result ScanResult
	for _, r := range pool.Run() {
		if r.Error != nil {
			result.Errors = append(result.Errors, r.Error)
			ScanErrorsCount.WithLabelValues("panic").Inc()
			continue
		}
		result.Published += r.Value.Published
		result.Errors = append(result.Errors, r.Value.Errors...)
	}

	s.logger.Info("scan finished",
		zap.Int("subscriptions", len(subscriptions)),
		zap.Int("published", result.Published),
		zap.Int("errors", len(result.Errors)),
	)
	return result, nil
}

func (s *Scanner) processSubscription(ctx context.Context, publisher Publisher, sub model.Subscription, options paymentOptions, now, windowStart time.Time) ScanResult {
	var result ScanResult
	fail := func(stage, token string, err error) {
		ScanErrorsCount.WithLabelValues(stage).Inc()
		s.logger.Error("failed to process subscription",
			zap.String("subscriptionID", sub.ID),
			zap.String("stage", stage),
			zap.String("token", token),
			zap.Error(err),
		)
		result.Errors = append(result.Errors, &SubscriptionError{
			SubscriptionID: sub.ID,
			Stage:          stage,
			Token:          token,
			Err:            err,
		})
	}

	if err := ctx.Err(); err != nil {
		fail(StageCanceled, "", err)
		return result
	}
	if options.err != nil {
		fail(StagePaymentOptions, "", options.err)
		return result
	}
	price, err := decision.TierPrice(sub.Tier)
	if err != nil {
		fail(StagePrice, "", err)
		return result
	}

	for _, option := range options.options {
		envelope, err := decision.Decide(decision.Input{
			Subscription: sub,
			Price:        price,
			Balance:      decision.BalanceFor(sub.User.Balances, option.Token),
			Option:       option,
		}, now)
		if err != nil {
			fail(StageDecide, option.Token, err)
			continue
		}

		body, err := json.Marshal(envelope)
		if err != nil {
			fail(StageDecide, option.Token, err)
			continue
		}
		err = publisher.Publish(s.cnf.Queue, queue.Message{
			ID:   eventID(sub.ID, option.Token, envelope.EventType, windowStart),
			Body: body,
		})
		if err != nil {
			fail(StagePublish, option.Token, err)
			continue
		}
		result.Published++
		ScanPublishedCount.WithLabelValues(string(envelope.EventType)).Inc()
		s.logger.Info("event published",
			zap.String("subscriptionID", sub.ID),
			zap.String("eventType", string(envelope.EventType)),
			zap.String("token", option.Token),
		)
	}

	if len(result.Errors) > 0 || result.Published == 0 {
		return result
	}
	if err := s.store.MarkSubscriptionProcessed(ctx, sub.ID, now); err != nil {
		fail(StageMark, "", err)
	}
	return result
}
