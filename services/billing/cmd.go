package billing

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kaytu-io/billing-scheduler/pkg/httpserver"
	"github.com/kaytu-io/billing-scheduler/pkg/lock"
	"github.com/kaytu-io/billing-scheduler/pkg/queue"
	"github.com/kaytu-io/billing-scheduler/pkg/utils"
	"github.com/kaytu-io/billing-scheduler/services/billing/api"
	"github.com/kaytu-io/billing-scheduler/services/billing/api/entities"
	"github.com/kaytu-io/billing-scheduler/services/billing/config"
	"github.com/kaytu-io/billing-scheduler/services/billing/consumer"
	"github.com/kaytu-io/billing-scheduler/services/billing/db"
	"github.com/kaytu-io/billing-scheduler/services/billing/scanner"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	schedulerAppID = "billing-scheduler"
	setupAppID     = "billing-setup"
	lockPrefix     = "billing:"
)

func SchedulerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "billing-scheduler",
		Short: "Publish pay and burn events for subscriptions expiring today",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return runScheduler(cmd.Context())
		},
	}
}

func WorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "billing-worker",
		Short: "Consume subscription events and apply their effects",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return runWorker(cmd.Context())
		},
	}
}

func SetupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "billing-setup",
		Short: "Migrate the billing schema and declare the broker topology",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return runSetup(cmd.Context())
		},
	}
}

func setup(ctx context.Context, name string) (context.Context, context.CancelFunc, config.BillingConfig, *zap.Logger, error) {
	cnf, err := config.Read()
	if err != nil {
		return nil, nil, config.BillingConfig{}, nil, fmt.Errorf("read config: %w", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return nil, nil, config.BillingConfig{}, nil, err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	return ctx, cancel, cnf, logger.Named(name), nil
}

func runScheduler(ctx context.Context) error {
	ctx, cancel, cnf, logger, err := setup(ctx, "scheduler")
	if err != nil {
		return err
	}
	defer cancel()
	defer logger.Sync()

	loc, err := cnf.Scan.Location()
	if err != nil {
		return err
	}

	database, err := db.NewDatabase(cnf.Postgres, schedulerAppID, logger)
	if err != nil {
		return err
	}
	defer database.Close()

	checks := map[string]api.Check{
		"postgres": database.Ping,
	}

	var locker scanner.Locker
	if cnf.Redis.Address != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cnf.Redis.Address,
			Password: cnf.Redis.Password,
			DB:       cnf.Redis.DB,
		})
		defer client.Close()

		locker = lock.NewRedisLocker(client, lockPrefix, cnf.Scan.LockTTL)
		checks["redis"] = func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}
	} else {
		logger.Warn("redis address not configured, scans are only guarded within this process")
	}

	scan := scanner.New(
		logger,
		database,
		scanner.QueueDialer(cnf.RabbitMQ.DSN(), schedulerAppID, queue.DefaultTopology()),
		locker,
		scanner.Config{
			Queue:       queue.SubscriptionQueue,
			Location:    loc,
			Concurrency: cnf.Scan.Concurrency,
			Timeout:     cnf.Scan.Timeout,
		},
	)

	runner, err := scanner.NewRunner(logger, scan, cnf.Scan.Schedule, cnf.Scan.Timeout, loc)
	if err != nil {
		return err
	}

	runnerDone := make(chan struct{})
	utils.EnsureRunGoroutine(logger, "scan-runner", func() {
		runner.Run(ctx)
		close(runnerDone)
	})

	err = httpserver.RegisterAndStart(ctx, logger, cnf.Http.Address, cnf.Tracing, api.InitializeHttpServer(logger, checks, scan))
	cancel()
	<-runnerDone
	return err
}

func runWorker(ctx context.Context) error {
	ctx, cancel, cnf, logger, err := setup(ctx, "worker")
	if err != nil {
		return err
	}
	defer cancel()
	defer logger.Sync()

	database, err := db.NewDatabase(cnf.Postgres, cnf.Consumer.ID, logger)
	if err != nil {
		return err
	}
	defer database.Close()

	session, err := queue.Open(cnf.RabbitMQ.DSN(), cnf.Consumer.ID)
	if err != nil {
		return err
	}
	defer session.Close()

	if err := session.DeclareTopology(queue.DefaultTopology()); err != nil {
		return err
	}
	if err := session.Qos(cnf.Consumer.Prefetch); err != nil {
		return err
	}

	registry := consumer.NewRegistry()
	registry.Register(entities.EventBurn, consumer.NewBurnHandler(logger, database))

	c := consumer.New(logger, session, registry, consumer.Config{
		Queue:      queue.SubscriptionQueue,
		ConsumerID: cnf.Consumer.ID,
		Workers:    cnf.Consumer.Workers,
		MaxRetries: cnf.Consumer.MaxRetries,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.Start(gctx)
	})
	g.Go(func() error {
		checks := map[string]api.Check{"postgres": database.Ping}
		return httpserver.RegisterAndStart(gctx, logger, cnf.Http.Address, cnf.Tracing, api.InitializeHttpServer(logger, checks, nil))
	})

	err = g.Wait()
	if errors.Is(err, consumer.ErrDeliveriesClosed) {
		logger.Error("broker closed the subscription, exiting", zap.Error(err))
	}
	return err
}

func runSetup(ctx context.Context) error {
	_, cancel, cnf, logger, err := setup(ctx, "setup")
	if err != nil {
		return err
	}
	defer cancel()
	defer logger.Sync()

	database, err := db.NewDatabase(cnf.Postgres, setupAppID, logger)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := database.Initialize(); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	logger.Info("schema migrated")

	session, err := queue.Open(cnf.RabbitMQ.DSN(), setupAppID)
	if err != nil {
		return err
	}
	defer session.Close()

	topology := queue.DefaultTopology()
	if err := session.DeclareTopology(topology); err != nil {
		return err
	}
	logger.Info("topology declared",
		zap.String("queue", topology.Queue),
		zap.String("deadLetterExchange", topology.DeadLetterExchange),
		zap.String("deadLetterQueue", topology.DeadLetterQueue),
	)
	return nil
}
