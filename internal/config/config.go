// Package config loads calgate settings from a YAML file.
//
// The processing-relevant parts (classification rules, staff map, auth
// secrets) are re-read through a Provider on every gateway request and worker
// invocation, so operators can change them without a restart.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

type Config struct {
	Service    ServiceConfig    `yaml:"service"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	Calendly   CalendlyConfig   `yaml:"calendly"`
	CRM        CRMConfig        `yaml:"crm"`
	Processing ProcessingConfig `yaml:"processing"`
}

type ServiceConfig struct {
	Listen       string        `yaml:"listen"`
	DBPath       string        `yaml:"db_path"`
	LogLevel     string        `yaml:"log_level"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type WebhookConfig struct {
	// Path is the URL path the gateway listens on.
	Path string `yaml:"path"`

	// SharedToken authenticates requests via the ?token= query parameter.
	SharedToken string `yaml:"shared_token"`

	// SigningKey verifies the Calendly-Webhook-Signature header. When blank,
	// the calendly section's signing_key is used instead.
	SigningKey string `yaml:"signing_key"`

	MaxBodySize int64 `yaml:"max_body_size"`
}

type CalendlyConfig struct {
	// PersonalAccessToken enables best-effort enrichment fetches.
	PersonalAccessToken string `yaml:"personal_access_token"`

	// SigningKey is the shared fallback for webhook.signing_key.
	SigningKey string `yaml:"signing_key"`
}

type CRMConfig struct {
	APIURL  string        `yaml:"api_url"`
	APIKey  string        `yaml:"api_key"`
	SiteKey string        `yaml:"site_key"`
	Timeout time.Duration `yaml:"timeout"`
}

type ProcessingConfig struct {
	// RulesYAML holds the classification rules as an embedded YAML document,
	// parsed tolerantly on every delivery.
	RulesYAML           string `yaml:"rules_yaml"`
	DefaultActivityType string `yaml:"default_activity_type"`

	// PreferConfigMap makes the staff email map win over a CRM lookup when
	// resolving the organizer.
	PreferConfigMap   bool   `yaml:"prefer_config_map"`
	StaffEmailMapYAML string `yaml:"staff_email_map_yaml"`
}

// Default values
const (
	DefaultListen       = "127.0.0.1:8080"
	DefaultWebhookPath  = "/webhook/calendly"
	DefaultDBPath       = "calgate.db"
	DefaultMaxBodySize  = 1 << 20 // 1 MB
	DefaultPollInterval = time.Second
	DefaultCRMTimeout   = 10 * time.Second
)

// SigningKey returns the effective webhook signing key: the webhook
// section's key, falling back to the shared calendly key.
func (c *Config) SigningKey() string {
	if key := strings.TrimSpace(c.Webhook.SigningKey); key != "" {
		return key
	}
	return strings.TrimSpace(c.Calendly.SigningKey)
}

// EnrichmentToken returns the Calendly access token with any pasted
// "Bearer " prefix stripped.
func (c *Config) EnrichmentToken() string {
	token := strings.TrimSpace(c.Calendly.PersonalAccessToken)
	if strings.HasPrefix(strings.ToLower(token), "bearer ") {
		token = strings.TrimSpace(token[len("bearer "):])
	}
	return token
}

func applyDefaults(cfg *Config) {
	if cfg.Service.Listen == "" {
		cfg.Service.Listen = DefaultListen
	}
	if cfg.Service.DBPath == "" {
		cfg.Service.DBPath = DefaultDBPath
	}
	if cfg.Service.PollInterval <= 0 {
		cfg.Service.PollInterval = DefaultPollInterval
	}
	if cfg.Webhook.Path == "" {
		cfg.Webhook.Path = DefaultWebhookPath
	}
	if cfg.Webhook.MaxBodySize <= 0 {
		cfg.Webhook.MaxBodySize = DefaultMaxBodySize
	}
	if cfg.CRM.Timeout <= 0 {
		cfg.CRM.Timeout = DefaultCRMTimeout
	}
}

// interpolateEnv substitutes ${VAR} references with environment values.
// Unset variables resolve to the empty string.
func interpolateEnv(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})
}

// DiscoverPath finds the config file: explicit path, $CALGATE_CONFIG, then
// ./calgate.yaml.
func DiscoverPath(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if p := os.Getenv("CALGATE_CONFIG"); p != "" {
		return p, nil
	}
	if _, err := os.Stat("./calgate.yaml"); err == nil {
		return "./calgate.yaml", nil
	}
	return "", fmt.Errorf("no config found (checked --config flag, $CALGATE_CONFIG, ./calgate.yaml)")
}
