package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/l0p7/escrowcache/internal/escrow"
	"github.com/l0p7/escrowcache/internal/expr"
)

// Config holds every option the service reads at startup.
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Escrow       EscrowConfig       `koanf:"escrow"`
	Platform     PlatformConfig     `koanf:"platform"`
	TrustService TrustServiceConfig `koanf:"trustService"`
	TrustState   TrustStateConfig   `koanf:"trustState"`
}

// ServerConfig collects the bootstrap knobs for the HTTP lifecycle.
type ServerConfig struct {
	Listen    ListenConfig      `koanf:"listen"`
	Logging   LoggingConfig     `koanf:"logging"`
	Templates TemplatesConfig   `koanf:"templates"`
	Cache     ServerCacheConfig `koanf:"cache"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TemplatesConfig points the diagnostics report at an optional template file
// resolved inside TemplatesFolder.
type TemplatesConfig struct {
	TemplatesFolder string `koanf:"templatesFolder"`
	ReportTemplate  string `koanf:"reportTemplate"`
}

type ServerCacheConfig struct {
	Backend   string                 `koanf:"backend"`
	Namespace string                 `koanf:"namespace"`
	Redis     ServerRedisCacheConfig `koanf:"redis"`
}

type ServerRedisCacheConfig struct {
	Address  string               `koanf:"address"`
	Username string               `koanf:"username"`
	Password string               `koanf:"password"`
	DB       int                  `koanf:"db"`
	TLS      ServerRedisTLSConfig `koanf:"tls"`
}

type ServerRedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// EscrowConfig tunes the viability cache.
type EscrowConfig struct {
	CacheTimeoutSeconds int      `koanf:"cacheTimeoutSeconds"`
	CoverageExpression  string   `koanf:"coverageExpression"`
	PreloadAccounts     []string `koanf:"preloadAccounts"`
}

// CacheTimeout converts CacheTimeoutSeconds into a duration.
func (c EscrowConfig) CacheTimeout() time.Duration {
	return time.Duration(c.CacheTimeoutSeconds) * time.Second
}

// Accounts parses PreloadAccounts entries of the form container:context:account.
func (c EscrowConfig) Accounts() ([]escrow.AccountContext, error) {
	out := make([]escrow.AccountContext, 0, len(c.PreloadAccounts))
	for i, raw := range c.PreloadAccounts {
		acct, err := ParseAccount(raw)
		if err != nil {
			return nil, fmt.Errorf("config: escrow.preloadAccounts[%d]: %w", i, err)
		}
		out = append(out, acct)
	}
	return out, nil
}

// PlatformConfig declares the escrow capabilities of the device class.
type PlatformConfig struct {
	SupportsEscrowRecords  bool     `koanf:"supportsEscrowRecords"`
	SupportsLegacyProtocol bool     `koanf:"supportsLegacyProtocol"`
	Views                  []string `koanf:"views"`
}

// TrustServiceConfig locates the remote escrow record service.
type TrustServiceConfig struct {
	URL                  string `koanf:"url"`
	TimeoutSeconds       int    `koanf:"timeoutSeconds"`
	MaxAttempts          int    `koanf:"maxAttempts"`
	InitialBackoffMillis int    `koanf:"initialBackoffMillis"`
	MaxBackoffMillis     int    `koanf:"maxBackoffMillis"`
	MaxPages             int    `koanf:"maxPages"`
}

// TrustStateConfig seeds the local trust-state evaluator.
type TrustStateConfig struct {
	Accounts []TrustAccountConfig `koanf:"accounts"`
}

type TrustAccountConfig struct {
	Account      string   `koanf:"account"`
	PeerID       string   `koanf:"peerID"`
	TrustedPeers []string `koanf:"trustedPeers"`
}

// ParseAccount splits "container:context:account" into an AccountContext.
// The account component may itself contain colons.
func ParseAccount(raw string) (escrow.AccountContext, error) {
	parts := strings.SplitN(strings.TrimSpace(raw), ":", 3)
	if len(parts) != 3 {
		return escrow.AccountContext{}, fmt.Errorf("account %q must be container:context:account", raw)
	}
	acct := escrow.AccountContext{Container: parts[0], Context: parts[1], Account: parts[2]}
	if err := acct.Validate(); err != nil {
		return escrow.AccountContext{}, err
	}
	return acct, nil
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	backend := strings.TrimSpace(strings.ToLower(c.Server.Cache.Backend))
	switch backend {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.Server.Cache.Redis.Address) == "" {
			return errors.New("config: server.cache.redis.address required for redis backend")
		}
	default:
		return fmt.Errorf("config: server.cache.backend unsupported: %s", c.Server.Cache.Backend)
	}
	if strings.TrimSpace(c.Server.Templates.ReportTemplate) != "" && strings.TrimSpace(c.Server.Templates.TemplatesFolder) == "" {
		return errors.New("config: server.templates.reportTemplate requires templatesFolder")
	}
	if c.Escrow.CacheTimeoutSeconds < 1 {
		return fmt.Errorf("config: escrow.cacheTimeoutSeconds invalid: %d", c.Escrow.CacheTimeoutSeconds)
	}
	if _, err := expr.CoverageFunc(c.Escrow.CoverageExpression); err != nil {
		return fmt.Errorf("config: escrow.coverageExpression: %w", err)
	}
	if _, err := c.Escrow.Accounts(); err != nil {
		return err
	}
	if err := c.TrustService.validate(); err != nil {
		return err
	}
	for i, seed := range c.TrustState.Accounts {
		if _, err := ParseAccount(seed.Account); err != nil {
			return fmt.Errorf("config: trustState.accounts[%d]: %w", i, err)
		}
	}
	return nil
}

func (c TrustServiceConfig) validate() error {
	raw := strings.TrimSpace(c.URL)
	if raw == "" {
		return errors.New("config: trustService.url required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("config: trustService.url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("config: trustService.url scheme unsupported: %q", u.Scheme)
	}
	if c.TimeoutSeconds < 0 {
		return fmt.Errorf("config: trustService.timeoutSeconds invalid: %d", c.TimeoutSeconds)
	}
	if c.MaxAttempts < 0 {
		return fmt.Errorf("config: trustService.maxAttempts invalid: %d", c.MaxAttempts)
	}
	if c.InitialBackoffMillis < 0 || c.MaxBackoffMillis < 0 {
		return errors.New("config: trustService backoff must not be negative")
	}
	if c.MaxPages < 0 {
		return fmt.Errorf("config: trustService.maxPages invalid: %d", c.MaxPages)
	}
	return nil
}

// DefaultConfig returns the baseline values.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
			},
			Cache: ServerCacheConfig{
				Backend:   "memory",
				Namespace: "escrowcache:v1",
			},
		},
		Escrow: EscrowConfig{
			CacheTimeoutSeconds: 86400,
		},
		Platform: PlatformConfig{
			SupportsEscrowRecords:  true,
			SupportsLegacyProtocol: true,
		},
		TrustService: TrustServiceConfig{
			URL:                  "http://127.0.0.1:8443",
			TimeoutSeconds:       10,
			MaxAttempts:          3,
			InitialBackoffMillis: 200,
			MaxBackoffMillis:     5000,
			MaxPages:             16,
		},
	}
}
