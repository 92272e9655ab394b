package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the process configuration shared by providers, consumers and the
// directory server.
type Config struct {
	Listen    ListenConfig    `json:"listen" yaml:"listen"`
	Directory DirectoryConfig `json:"directory" yaml:"directory"`
	Security  SecurityConfig  `json:"security,omitempty" yaml:"security,omitempty"`
	Transport TransportConfig `json:"transport,omitempty" yaml:"transport,omitempty"`
	Logging   LoggingConfig   `json:"logging,omitempty" yaml:"logging,omitempty"`
	Store     StoreConfig     `json:"store,omitempty" yaml:"store,omitempty"`
	Metrics   *bool           `json:"metrics,omitempty" yaml:"metrics,omitempty"`
}

type ListenConfig struct {
	Address string    `json:"address,omitempty" yaml:"address,omitempty"`
	Port    int       `json:"port" yaml:"port"`
	TLS     TLSConfig `json:"tls,omitempty" yaml:"tls,omitempty"`
}

// TLSConfig points at PEM files. Missing cert/key files are generated on
// first start; ClientCA, when set, turns on client certificate verification.
type TLSConfig struct {
	Cert     string `json:"cert,omitempty" yaml:"cert,omitempty"`
	Key      string `json:"key,omitempty" yaml:"key,omitempty"`
	ClientCA string `json:"client_ca,omitempty" yaml:"client_ca,omitempty"`
}

type DirectoryConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
	// CA is the PEM file holding the directory's certificate.
	CA         string        `json:"ca,omitempty" yaml:"ca,omitempty"`
	RetryDelay time.Duration `json:"retry_delay,omitempty" yaml:"retry_delay,omitempty"`
	// RateLimit caps requests per client host per minute on the directory
	// server. Zero disables it.
	RateLimit int `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
}

// SecurityConfig names the dependencies that back the basic scheme.
type SecurityConfig struct {
	Authentication *RemoteOperation `json:"authentication,omitempty" yaml:"authentication,omitempty"`
	Authorization  *RemoteOperation `json:"authorization,omitempty" yaml:"authorization,omitempty"`
}

// RemoteOperation identifies an operation on a declared dependency.
type RemoteOperation struct {
	Service   string `json:"service" yaml:"service"`
	Operation string `json:"operation" yaml:"operation"`
}

type TransportConfig struct {
	// CredentialWait bounds how long a send waits for process credentials.
	// Zero waits until the caller's context ends.
	CredentialWait time.Duration `json:"credential_wait,omitempty" yaml:"credential_wait,omitempty"`
	// BreakerThreshold is the number of consecutive failed calls that opens a
	// dependency's circuit. Zero disables the breaker.
	BreakerThreshold int           `json:"breaker_threshold,omitempty" yaml:"breaker_threshold,omitempty"`
	BreakerCooldown  time.Duration `json:"breaker_cooldown,omitempty" yaml:"breaker_cooldown,omitempty"`
}

type LoggingConfig struct {
	Format string `json:"format,omitempty" yaml:"format,omitempty"`
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`
}

type StoreConfig struct {
	Backend string `json:"backend,omitempty" yaml:"backend,omitempty"` // memory, sqlite
	Path    string `json:"path,omitempty" yaml:"path,omitempty"`
}

const (
	DefaultDirectoryPort   = 8443
	DefaultRetryDelay      = time.Second
	DefaultBreakerCooldown = 30 * time.Second
)

func (c *Config) ApplyDefaults() {
	if c.Directory.Host == "" {
		c.Directory.Host = "localhost"
	}
	if c.Directory.Port == 0 {
		c.Directory.Port = DefaultDirectoryPort
	}
	if c.Directory.RetryDelay == 0 {
		c.Directory.RetryDelay = DefaultRetryDelay
	}
	if c.Transport.BreakerThreshold > 0 && c.Transport.BreakerCooldown == 0 {
		c.Transport.BreakerCooldown = DefaultBreakerCooldown
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "auto"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "memory"
	}
	if c.Metrics == nil {
		enabled := true
		c.Metrics = &enabled
	}
}

// MetricsEnabled returns whether /metrics is served (default: true)
func (c *Config) MetricsEnabled() bool {
	if c.Metrics == nil {
		return true
	}
	return *c.Metrics
}

func (c *Config) Validate() error {
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port must be between 0 and 65535")
	}
	if (c.Listen.TLS.Cert == "") != (c.Listen.TLS.Key == "") {
		return fmt.Errorf("listen.tls.cert and listen.tls.key must be set together")
	}
	if c.Directory.Port <= 0 || c.Directory.Port > 65535 {
		return fmt.Errorf("directory.port must be between 1 and 65535")
	}
	if strings.Contains(c.Directory.Host, "/") {
		return fmt.Errorf("directory.host must be a bare host name")
	}
	if c.Directory.RetryDelay < 0 {
		return fmt.Errorf("directory.retry_delay must be >= 0")
	}
	if c.Directory.RateLimit < 0 {
		return fmt.Errorf("directory.rate_limit must be >= 0")
	}
	if c.Transport.CredentialWait < 0 {
		return fmt.Errorf("transport.credential_wait must be >= 0")
	}
	if c.Transport.BreakerThreshold < 0 || c.Transport.BreakerCooldown < 0 {
		return fmt.Errorf("transport.breaker_threshold and transport.breaker_cooldown must be >= 0")
	}
	if (c.Security.Authentication == nil) != (c.Security.Authorization == nil) {
		return fmt.Errorf("security.authentication and security.authorization must be set together")
	}
	for name, op := range map[string]*RemoteOperation{
		"authentication": c.Security.Authentication,
		"authorization":  c.Security.Authorization,
	} {
		if op == nil {
			continue
		}
		if op.Service == "" || op.Operation == "" {
			return fmt.Errorf("security.%s: service and operation are required", name)
		}
	}
	switch strings.ToLower(c.Store.Backend) {
	case "", "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for sqlite")
		}
	default:
		return fmt.Errorf("unsupported store.backend %q", c.Store.Backend)
	}
	return nil
}

// ListenAddr returns the host:port the provider or directory binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Listen.Address, c.Listen.Port)
}
