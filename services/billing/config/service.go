package config

import (
	"fmt"
	"time"

	"github.com/kaytu-io/billing-scheduler/pkg/config"
)

type Scan struct {
	// Schedule is a cron expression with a leading seconds field.
	Schedule    string        `koanf:"schedule"`
	Timeout     time.Duration `koanf:"timeout"`
	Timezone    string        `koanf:"timezone"`
	Concurrency int           `koanf:"concurrency"`
	LockTTL     time.Duration `koanf:"lockttl"`
}

// Location resolves the timezone the expiry day is computed in. Empty means
// the process local zone.
func (s Scan) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid scan timezone %q: %w", s.Timezone, err)
	}
	return loc, nil
}

type Consumer struct {
	ID         string `koanf:"id"`
	Prefetch   int    `koanf:"prefetch"`
	Workers    int    `koanf:"workers"`
	MaxRetries int    `koanf:"maxretries"`
}

type BillingConfig struct {
	Postgres config.Postgres   `koanf:"postgres"`
	RabbitMQ config.RabbitMQ   `koanf:"rabbitmq"`
	Redis    config.Redis      `koanf:"redis"`
	Http     config.HttpServer `koanf:"http"`
	Tracing  config.Tracing    `koanf:"tracing"`

	Scan     Scan     `koanf:"scan"`
	Consumer Consumer `koanf:"consumer"`
}

func Defaults() BillingConfig {
	return BillingConfig{
		Postgres: config.Postgres{
			Port:    "5432",
			SSLMode: "disable",
		},
		RabbitMQ: config.RabbitMQ{
			Port: 5672,
		},
		Http: config.HttpServer{
			Address: "0.0.0.0:8080",
		},
		Scan: Scan{
			Schedule:    "*/30 * * * * *",
			Timeout:     5 * time.Minute,
			Concurrency: 1,
			LockTTL:     10 * time.Minute,
		},
		Consumer: Consumer{
			ID:         "billing-worker",
			Prefetch:   10,
			Workers:    1,
			MaxRetries: 5,
		},
	}
}

func Read() (BillingConfig, error) {
	var cnf BillingConfig
	if err := config.ReadFromEnv(&cnf, Defaults()); err != nil {
		return BillingConfig{}, err
	}
	return cnf, nil
}
