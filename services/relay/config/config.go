// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the relay service configuration.
//
// Settings are layered: built-in defaults, then an optional YAML file, then
// environment variables. The merged result is validated once. The routing
// section can be reloaded at runtime with a Watcher.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianRelay/services/llm"
	"github.com/AleutianAI/AleutianRelay/services/relay/attachments"
	"github.com/AleutianAI/AleutianRelay/services/relay/chat"
	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/observability"
	"github.com/AleutianAI/AleutianRelay/services/relay/routing"
	"github.com/AleutianAI/AleutianRelay/services/relay/streaming"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendBadger   = "badger"
	BackendWeaviate = "weaviate"
)

// Environment variables read by Load.
const (
	EnvPort           = "RELAY_PORT"
	EnvAPIKey         = "AZURE_API_KEY"
	EnvUpstreamURL    = "RELAY_UPSTREAM_URL"
	EnvStoreBackend   = "RELAY_STORE_BACKEND"
	EnvBadgerPath     = "RELAY_BADGER_PATH"
	EnvWeaviateURL    = "WEAVIATE_SERVICE_URL"
	EnvGCSBucket      = "RELAY_GCS_BUCKET"
	EnvGCSCredentials = "GOOGLE_APPLICATION_CREDENTIALS"
	EnvOTLPEndpoint   = "OTEL_EXPORTER_OTLP_ENDPOINT"
	EnvAuthTokens     = "RELAY_AUTH_TOKENS"
	EnvRateLimitRPS   = "RELAY_RATE_LIMIT_RPS"
	EnvLogLevel       = "RELAY_LOG_LEVEL"
)

// =============================================================================
// Types
// =============================================================================

// Config is the full relay service configuration.
type Config struct {
	Server      ServerConfig                  `yaml:"server"`
	Upstream    UpstreamConfig                `yaml:"upstream"`
	Store       StoreConfig                   `yaml:"store"`
	Attachments AttachmentsConfig             `yaml:"attachments"`
	Auth        AuthConfig                    `yaml:"auth"`
	RateLimit   RateLimitConfig               `yaml:"rate_limit"`
	Relay       RelayConfig                   `yaml:"relay"`
	Logging     LoggingConfig                 `yaml:"logging"`
	Routing     routing.Rules                 `yaml:"routing"`
	Telemetry   observability.TelemetryConfig `yaml:"telemetry"`

	// Path is the file Load read, empty when none was given.
	Path string `yaml:"-"`
}

type ServerConfig struct {
	Port              int           `yaml:"port" validate:"min=1,max=65535"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes" validate:"gte=0"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

type UpstreamConfig struct {
	URL          string        `yaml:"url" validate:"required,url"`
	APIKey       string        `yaml:"api_key"`
	ProviderName string        `yaml:"provider_name"`
	Timeout      time.Duration `yaml:"timeout" validate:"gte=0"`
	SystemPrompt string        `yaml:"system_prompt"`
	Temperature  *float32      `yaml:"temperature" validate:"omitempty,gte=0,lte=2"`
	MaxTokens    *int          `yaml:"max_tokens" validate:"omitempty,gt=0"`
	TopP         *float32      `yaml:"top_p" validate:"omitempty,gte=0,lte=1"`
}

type StoreConfig struct {
	Backend          string        `yaml:"backend" validate:"oneof=memory badger weaviate"`
	BadgerPath       string        `yaml:"badger_path" validate:"required_if=Backend badger"`
	BadgerGCInterval time.Duration `yaml:"badger_gc_interval" validate:"gte=0"`
	WeaviateURL      string        `yaml:"weaviate_url" validate:"required_if=Backend weaviate,omitempty,url"`
	WeaviateAPIKey   string        `yaml:"weaviate_api_key"`
	WeaviateClass    string        `yaml:"weaviate_class"`
}

// AttachmentsConfig enables GCS-backed attachment resolution when Bucket
// is set.
type AttachmentsConfig struct {
	Bucket          string        `yaml:"bucket"`
	CredentialsFile string        `yaml:"credentials_file"`
	SignedURLTTL    time.Duration `yaml:"signed_url_ttl" validate:"gte=0"`
}

// AuthConfig holds the static token table, "token:user,token:user".
// Empty disables authentication.
type AuthConfig struct {
	Tokens string `yaml:"tokens"`
}

// RateLimitConfig bounds requests per caller. RPS 0 disables limiting.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps" validate:"gte=0"`
	Burst int     `yaml:"burst" validate:"gte=0"`
}

type RelayConfig struct {
	MaxResponseBytes int           `yaml:"max_response_bytes" validate:"gte=0"`
	MemoryMode       string        `yaml:"memory_mode" validate:"oneof=auto required off"`
	PersistTimeout   time.Duration `yaml:"persist_timeout" validate:"gte=0"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn warning error"`
	JSON  bool   `yaml:"json"`
	Dir   string `yaml:"dir"`
}

// =============================================================================
// Defaults
// =============================================================================

// Default returns a configuration that runs locally with an in-memory
// store against the public Azure inference endpoint.
func Default() *Config {
	temp := datatypes.DefaultTemperature
	maxTokens := datatypes.DefaultMaxTokens
	topP := datatypes.DefaultTopP

	return &Config{
		Server: ServerConfig{
			Port:              12210,
			ShutdownTimeout:   30 * time.Second,
			MaxBodyBytes:      1 << 20,
			HeartbeatInterval: 15 * time.Second,
		},
		Upstream: UpstreamConfig{
			URL:          llm.DefaultUpstreamURL,
			ProviderName: llm.DefaultProviderName,
			Timeout:      llm.DefaultUpstreamTimeout,
			SystemPrompt: datatypes.DefaultSystemPrompt,
			Temperature:  &temp,
			MaxTokens:    &maxTokens,
			TopP:         &topP,
		},
		Store: StoreConfig{
			Backend:          BackendMemory,
			BadgerPath:       "./data/badger",
			BadgerGCInterval: 10 * time.Minute,
		},
		Attachments: AttachmentsConfig{
			SignedURLTTL: attachments.DefaultSignedURLTTL,
		},
		Relay: RelayConfig{
			MaxResponseBytes: streaming.DefaultMaxResponseBytes,
			MemoryMode:       string(streaming.MemoryAuto),
			PersistTimeout:   chat.DefaultPersistTimeout,
		},
		Logging:   LoggingConfig{Level: "info"},
		Routing:   routing.DefaultRules(),
		Telemetry: observability.DefaultTelemetryConfig(),
	}
}

// =============================================================================
// Loading
// =============================================================================

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load builds the configuration.
//
// # Description
//
// Starts from Default, overlays the YAML file at path, then the
// environment variables named by the Env constants. A missing file is not
// an error when path is empty; a named file that does not exist is.
//
// # Inputs
//
//   - path: YAML file. Empty skips the file layer.
//
// # Outputs
//
//   - *Config: Validated configuration.
//   - error: Unreadable file, malformed YAML, bad environment value, or a
//     failed validation.
//
// # Examples
//
//	cfg, err := config.Load("/etc/aleutian/relay.yaml")
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
		cfg.Path = path
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read the config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse the config file %s: %w", path, err)
	}
	return nil
}

// applyEnv overlays environment values. lookup is os.LookupEnv outside
// tests.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	if v, ok := lookup(EnvPort); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: invalid port %q", EnvPort, v)
		}
		c.Server.Port = port
	}
	str(EnvAPIKey, &c.Upstream.APIKey)
	str(EnvUpstreamURL, &c.Upstream.URL)
	str(EnvStoreBackend, &c.Store.Backend)
	str(EnvBadgerPath, &c.Store.BadgerPath)
	str(EnvWeaviateURL, &c.Store.WeaviateURL)
	str(EnvGCSBucket, &c.Attachments.Bucket)
	str(EnvGCSCredentials, &c.Attachments.CredentialsFile)
	str(EnvAuthTokens, &c.Auth.Tokens)
	str(EnvLogLevel, &c.Logging.Level)

	if v, ok := lookup(EnvOTLPEndpoint); ok && v != "" {
		c.Telemetry.OTLPEndpoint = v
		if c.Telemetry.TraceExporter == "" || c.Telemetry.TraceExporter == "none" {
			c.Telemetry.TraceExporter = "otlp"
		}
	}
	if v, ok := lookup(EnvRateLimitRPS); ok && v != "" {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s: invalid rate %q", EnvRateLimitRPS, v)
		}
		c.RateLimit.RPS = rps
	}

	c.Store.Backend = strings.ToLower(c.Store.Backend)
	c.Logging.Level = strings.ToLower(c.Logging.Level)
	return nil
}

// Validate checks every section, including the routing rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(fields, ", "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// =============================================================================
// Derived Settings
// =============================================================================

// GenerationDefaults returns the upstream sampling defaults.
func (c *Config) GenerationDefaults() datatypes.GenerationParams {
	return datatypes.GenerationParams{
		Temperature: c.Upstream.Temperature,
		MaxTokens:   c.Upstream.MaxTokens,
		TopP:        c.Upstream.TopP,
	}
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

// RelayLimits converts the relay section for chat.NewRelay.
func (c *Config) RelayLimits() chat.Config {
	return chat.Config{
		MaxResponseBytes: c.Relay.MaxResponseBytes,
		MemoryMode:       streaming.MemoryMode(c.Relay.MemoryMode),
		PersistTimeout:   c.Relay.PersistTimeout,
	}
}
