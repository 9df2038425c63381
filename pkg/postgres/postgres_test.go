package postgres

import (
	"testing"
	"time"

	"github.com/kaytu-io/billing-scheduler/pkg/dockertest"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestValidateConfig(t *testing.T) {
	cfg := &Config{Host: "localhost", Port: "5432"}
	require.EqualError(t, validateConfig(cfg), "postgres config is missing user, password, db")

	cfg.User, cfg.Passwd, cfg.DB = "postgres", "secret", "billing"
	cfg.AppName = "billing-worker"
	require.NoError(t, validateConfig(cfg))
	require.Equal(t, "disable", cfg.SSLMode)
	require.Equal(t, defaultMaxOpenConns, cfg.Connection.MaxOpen)
	require.Equal(t, defaultMaxIdleConns, cfg.Connection.MaxIdle)
	require.Equal(t, 5*time.Minute, cfg.Connection.MaxLifetime)
	require.Equal(t, "host=localhost port=5432 user=postgres password=secret dbname=billing sslmode=disable TimeZone=UTC application_name=billing-worker", cfg.dsn())
}

func TestNewClientRejectsNil(t *testing.T) {
	_, err := NewClient(nil, zap.NewNop())
	require.Error(t, err)

	_, err = NewClient(&Config{}, nil)
	require.Error(t, err)
}

func TestNewClient(t *testing.T) {
	server := dockertest.StartupPostgreSQL(t)

	cfg := &Config{
		Host:   server.Host,
		Port:   server.Port,
		User:   server.User,
		Passwd: server.Password,
		DB:     server.DB,
	}

	client, err := NewClient(cfg, zap.NewNop())
	require.NoError(t, err, "new client")

	type probe struct {
		ID   uint
		Name string
	}
	require.NoError(t, client.AutoMigrate(&probe{}), "auto migrate")
}
