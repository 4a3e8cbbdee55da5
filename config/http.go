package config

import "time"

// HTTPConfig contains the HTTP status server configuration.
type HTTPConfig struct {
	// Addr is the address to bind the status server to.
	Addr string `env:"HTTP_ADDR" envDefault:":8080"`

	// ReadTimeout bounds how long the server waits reading a request.
	ReadTimeout time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"10s"`

	// WriteTimeout bounds how long the server spends writing a response.
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"10s"`
}

// Sanitize applies guardrails to HTTP configuration values.
func (h *HTTPConfig) Sanitize() {
	if h.ReadTimeout <= 0 {
		h.ReadTimeout = 10 * time.Second
	}
	if h.WriteTimeout <= 0 {
		h.WriteTimeout = 10 * time.Second
	}
}
