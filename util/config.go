package util

import (
	_ "embed"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const Name = "linkfed"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host         string
		HttpPort     int    `yaml:"httpPort"`
		SslDomain    string `yaml:"sslDomain"`
		Scheme       string
		DatabasePath string `yaml:"databasePath"`
		LogLevel     string `yaml:"logLevel"`
		Dev          bool
		RedisAddr    string `yaml:"redisAddr"`
		OtelEndpoint string `yaml:"otelEndpoint"`
	}
	Federation struct {
		Enabled             bool
		HttpTimeoutSeconds  int      `yaml:"httpTimeoutSeconds"`
		MaxRequestsPerChain int      `yaml:"maxRequestsPerChain"`
		ActorRefetchHours   int      `yaml:"actorRefetchHours"`
		AllowedInstances    []string `yaml:"allowedInstances"`
		BlockedInstances    []string `yaml:"blockedInstances"`
		PolicyCacheSeconds  int      `yaml:"policyCacheSeconds"`
		EnableDownvotes     bool     `yaml:"enableDownvotes"`
		Admins              []string
		CrawlOutboxOnFollow bool `yaml:"crawlOutboxOnFollow"`
		Delivery            struct {
			BaseRetrySeconds     int `yaml:"baseRetrySeconds"`
			MaxRetrySeconds      int `yaml:"maxRetrySeconds"`
			MaxAttempts          int `yaml:"maxAttempts"`
			DegradedAfter        int `yaml:"degradedAfter"`
			IdleTimeoutSeconds   int `yaml:"idleTimeoutSeconds"`
			BatchSize            int `yaml:"batchSize"`
			StatsIntervalSeconds int `yaml:"statsIntervalSeconds"`
		}
	}
}

func ReadConf() (*AppConfig, error) {

	c := &AppConfig{}

	// Try to resolve config file path (local first, then user dir)
	configPath := ResolveFilePath(ConfigFileName)

	buf, err := os.ReadFile(configPath)
	if err != nil {
		// If file doesn't exist, use embedded config and create user config file
		log.Printf("Config file not found at %s, using embedded defaults", configPath)
		buf = embeddedConfig

		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := configDir + "/" + ConfigFileName
			writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644)
			if writeErr != nil {
				log.Printf("Warning: could not write default config to %s: %v", userConfigPath, writeErr)
			} else {
				log.Printf("Created default config file at %s", userConfigPath)
			}
		}
	}

	// defaults first so a partial file keeps sane values
	if err := yaml.Unmarshal(embeddedConfig, c); err != nil {
		return nil, fmt.Errorf("in embedded config: %w", err)
	}
	if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	applyEnv(c)

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func applyEnv(c *AppConfig) {
	if v := os.Getenv("LINKFED_HOST"); v != "" {
		c.Conf.Host = v
	}

	if v := os.Getenv("LINKFED_HTTPPORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			log.Printf("Ignoring LINKFED_HTTPPORT: %v", err)
		} else {
			c.Conf.HttpPort = port
		}
	}

	if v := os.Getenv("LINKFED_SSLDOMAIN"); v != "" {
		c.Conf.SslDomain = v
	}

	if v := os.Getenv("LINKFED_DB"); v != "" {
		c.Conf.DatabasePath = v
	}

	if v := os.Getenv("LINKFED_REDIS_ADDR"); v != "" {
		c.Conf.RedisAddr = v
	}

	if v := os.Getenv("LINKFED_OTEL_ENDPOINT"); v != "" {
		c.Conf.OtelEndpoint = v
	}

	if v := os.Getenv("LINKFED_LOG_LEVEL"); v != "" {
		c.Conf.LogLevel = v
	}

	switch os.Getenv("LINKFED_FEDERATION") {
	case "true":
		c.Federation.Enabled = true
	case "false":
		c.Federation.Enabled = false
	}

	if v := os.Getenv("LINKFED_MAX_REQUESTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			log.Printf("Ignoring LINKFED_MAX_REQUESTS: %v", err)
		} else {
			c.Federation.MaxRequestsPerChain = n
		}
	}

	if v := os.Getenv("LINKFED_BLOCKED_INSTANCES"); v != "" {
		c.Federation.BlockedInstances = splitList(v)
	}

	if v := os.Getenv("LINKFED_ALLOWED_INSTANCES"); v != "" {
		c.Federation.AllowedInstances = splitList(v)
	}
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate rejects configurations that cannot be served.
func (c *AppConfig) Validate() error {
	if c.Conf.SslDomain == "" {
		return errors.New("sslDomain must be set")
	}
	if c.Conf.Scheme != "http" && c.Conf.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", c.Conf.Scheme)
	}
	if len(c.Federation.AllowedInstances) > 0 && len(c.Federation.BlockedInstances) > 0 {
		return errors.New("allowedInstances and blockedInstances are mutually exclusive")
	}
	if c.Federation.MaxRequestsPerChain < 1 {
		return errors.New("maxRequestsPerChain must be positive")
	}
	return nil
}

func (c *AppConfig) HttpTimeout() time.Duration {
	return time.Duration(c.Federation.HttpTimeoutSeconds) * time.Second
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func (c *AppConfig) BaseRetryDelay() time.Duration {
	return seconds(c.Federation.Delivery.BaseRetrySeconds)
}

func (c *AppConfig) MaxRetryDelay() time.Duration {
	return seconds(c.Federation.Delivery.MaxRetrySeconds)
}

func (c *AppConfig) IdleTimeout() time.Duration {
	return seconds(c.Federation.Delivery.IdleTimeoutSeconds)
}

func (c *AppConfig) StatsInterval() time.Duration {
	return seconds(c.Federation.Delivery.StatsIntervalSeconds)
}

func (c *AppConfig) PolicyCacheTTL() time.Duration {
	return seconds(c.Federation.PolicyCacheSeconds)
}

func (c *AppConfig) ActorRefetchInterval() time.Duration {
	return time.Duration(c.Federation.ActorRefetchHours) * time.Hour
}
