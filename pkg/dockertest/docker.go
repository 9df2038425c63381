package dockertest

import (
	"fmt"
	"os"
	"testing"

	"github.com/ory/dockertest/v3"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func getEnv(key, fallback string) string {
	value, exists := os.LookupEnv(key)
	if !exists {
		value = fallback
	}
	return value
}

func GetDockerHost() string {
	return getEnv("DOCKERTEST_HOST", "localhost")
}

// newPool skips the calling test when it runs with -short or when no docker
// daemon answers.
func newPool(t *testing.T) *dockertest.Pool {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping container backed test in short mode")
	}

	pool, err := dockertest.NewPool("")
	if err != nil {
		t.Skipf("docker unavailable: %v", err)
	}
	if err := pool.Client.Ping(); err != nil {
		t.Skipf("docker unavailable: %v", err)
	}
	return pool
}

type PostgresServer struct {
	Host     string
	Port     string
	User     string
	Password string
	DB       string
	Orm      *gorm.DB
}

func StartupPostgreSQL(t *testing.T) PostgresServer {
	t.Helper()

	require := require.New(t)
	pool := newPool(t)

	resource, err := pool.Run("postgres", "14", []string{"POSTGRES_PASSWORD=postgres"})
	require.NoError(err, "status postgres")

	t.Cleanup(func() {
		err := pool.Purge(resource)
		require.NoError(err, "purge resource %s", resource)
	})

	server := PostgresServer{
		Host:     GetDockerHost(),
		Port:     resource.GetPort("5432/tcp"),
		User:     "postgres",
		Password: "postgres",
		DB:       "postgres",
	}

	// exponential backoff-retry, because the application in the container might not be ready to accept connections yet
	err = pool.Retry(func() error {
		dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", server.User, server.Password, server.Host, server.Port, server.DB)
		server.Orm, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
		if err != nil {
			return err
		}

		d, err := server.Orm.DB()
		if err != nil {
			return err
		}

		return d.Ping()
	})
	require.NoError(err, "wait for postgres connection")

	return server
}

type RabbitMQServer struct {
	Host     string
	Port     string
	Username string
	Password string
}

func (s RabbitMQServer) URL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%s/", s.Username, s.Password, s.Host, s.Port)
}

func StartupRabbitMQ(t *testing.T) RabbitMQServer {
	t.Helper()

	require := require.New(t)
	pool := newPool(t)

	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "rabbitmq",
		Tag:        "3.12-alpine",
		Env: []string{
			"RABBITMQ_DEFAULT_USER=user",
			"RABBITMQ_DEFAULT_PASS=password",
		},
	})
	require.NoError(err, "status rabbitmq")

	t.Cleanup(func() {
		err := pool.Purge(resource)
		require.NoError(err, "purge resource %s", resource)
	})

	server := RabbitMQServer{
		Host:     GetDockerHost(),
		Port:     resource.GetPort("5672/tcp"),
		Username: "user",
		Password: "password",
	}

	// exponential backoff-retry, because the application in the container might not be ready to accept connections yet
	err = pool.Retry(func() error {
		conn, err := amqp.Dial(server.URL())
		if err != nil {
			return err
		}
		defer conn.Close()

		ch, err := conn.Channel()
		if err != nil {
			return err
		}
		return ch.Close()
	})
	require.NoError(err, "wait for rabbitmq connection")

	return server
}
