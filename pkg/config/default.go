package config

import (
	"fmt"
	"net/url"
)

type Redis struct {
	Address  string `koanf:"address"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

type Postgres struct {
	Host     string `koanf:"host"`
	Port     string `koanf:"port"`
	DB       string `koanf:"db"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	SSLMode  string `koanf:"sslmode"`
}

type HttpServer struct {
	Address string `koanf:"address"`
}

type RabbitMQ struct {
	// URL takes precedence over the discrete fields when set.
	URL      string `koanf:"url"`
	Service  string `koanf:"service"`
	Port     int    `koanf:"port"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	VHost    string `koanf:"vhost"`
}

// DSN returns the amqp url of the broker.
func (r RabbitMQ) DSN() string {
	if r.URL != "" {
		return r.URL
	}

	port := r.Port
	if port == 0 {
		port = 5672
	}
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(r.Username, r.Password),
		Host:   fmt.Sprintf("%s:%d", r.Service, port),
		Path:   "/" + r.VHost,
	}
	return u.String()
}

type Tracing struct {
	AgentHost   string `koanf:"agenthost"`
	ServiceName string `koanf:"servicename"`
}
