package db

import (
	"context"
	"fmt"

	"github.com/kaytu-io/billing-scheduler/pkg/config"
	"github.com/kaytu-io/billing-scheduler/pkg/postgres"
	"github.com/kaytu-io/billing-scheduler/services/billing/db/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Database struct {
	Orm *gorm.DB
}

func NewDatabase(config config.Postgres, appName string, logger *zap.Logger) (Database, error) {
	cfg := postgres.Config{
		Host:    config.Host,
		Port:    config.Port,
		User:    config.Username,
		Passwd:  config.Password,
		DB:      config.DB,
		SSLMode: config.SSLMode,
		AppName: appName,
	}
	orm, err := postgres.NewClient(&cfg, logger)
	if err != nil {
		return Database{}, fmt.Errorf("new postgres client: %w", err)
	}

	return Database{
		Orm: orm,
	}, nil
}

func (db Database) Initialize() error {
	err := db.Orm.AutoMigrate(
		&model.User{},
		&model.Tier{},
		&model.Balance{},
		&model.Subscription{},
		&model.ProjectPayment{},
	)
	if err != nil {
		return err
	}

	return nil
}

func (db Database) Close() error {
	sqlDB, err := db.Orm.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (db Database) Ping(ctx context.Context) error {
	sqlDB, err := db.Orm.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
