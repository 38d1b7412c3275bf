package util

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const Name = "fedgraph"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host string
		// HttpPort is the port the HTTP server listens on.
		HttpPort int `yaml:"httpPort"`
		// Domain is the public host[:port] local URIs are built from.
		Domain string `yaml:"domain"`
		// UseHttp builds local URIs with http:// instead of https://.
		UseHttp             bool          `yaml:"useHttp"`
		Database            string        `yaml:"database"`
		WithAp              bool          `yaml:"withAp"`
		FetchTimeout        time.Duration `yaml:"fetchTimeout"`
		DeliveryInterval    time.Duration `yaml:"deliveryInterval"`
		DeliveryConcurrency int           `yaml:"deliveryConcurrency"`
		CacheMaxItems       int64         `yaml:"cacheMaxItems"`
		HintsNormalizeCron  string        `yaml:"hintsNormalizeCron"`
		RedisAddr           string        `yaml:"redisAddr"`
		RedisPassword       string        `yaml:"redisPassword"`
		LogLevel            string        `yaml:"logLevel"`
		LogFormat           string        `yaml:"logFormat"`
	}
}

// ReadConf loads .env, then the yaml config (local dir first, then the user
// config dir, then embedded defaults), then applies FEDGRAPH_* overrides.
func ReadConf() (*AppConfig, error) {
	_ = godotenv.Load(".env")

	c := &AppConfig{}
	if err := yaml.Unmarshal(embeddedConfig, c); err != nil {
		return nil, fmt.Errorf("in embedded config: %w", err)
	}

	configPath := ResolveFilePath(ConfigFileName)
	buf, err := os.ReadFile(configPath)
	if err != nil {
		logrus.Infof("Config file not found at %s, using embedded defaults", configPath)
		if configDir, dirErr := GetConfigDir(); dirErr == nil {
			userConfigPath := configDir + "/" + ConfigFileName
			if writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644); writeErr != nil {
				logrus.Warnf("Could not write default config to %s: %v", userConfigPath, writeErr)
			} else {
				logrus.Infof("Created default config file at %s", userConfigPath)
			}
		}
	} else if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	applyEnv(c)
	return c, nil
}

func applyEnv(c *AppConfig) {
	if v := os.Getenv("FEDGRAPH_HOST"); v != "" {
		c.Conf.Host = v
	}
	envInt("FEDGRAPH_HTTPPORT", &c.Conf.HttpPort)
	if v := os.Getenv("FEDGRAPH_DOMAIN"); v != "" {
		c.Conf.Domain = v
	}
	envBool("FEDGRAPH_USE_HTTP", &c.Conf.UseHttp)
	if v := os.Getenv("FEDGRAPH_DATABASE"); v != "" {
		c.Conf.Database = v
	}
	envBool("FEDGRAPH_WITH_AP", &c.Conf.WithAp)
	envDuration("FEDGRAPH_FETCH_TIMEOUT", &c.Conf.FetchTimeout)
	envDuration("FEDGRAPH_DELIVERY_INTERVAL", &c.Conf.DeliveryInterval)
	envInt("FEDGRAPH_DELIVERY_CONCURRENCY", &c.Conf.DeliveryConcurrency)
	if v := os.Getenv("FEDGRAPH_CACHE_MAX_ITEMS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Conf.CacheMaxItems = n
		} else {
			logrus.Warnf("Ignoring FEDGRAPH_CACHE_MAX_ITEMS=%q: %v", v, err)
		}
	}
	if v := os.Getenv("FEDGRAPH_HINTS_CRON"); v != "" {
		c.Conf.HintsNormalizeCron = v
	}
	if v := os.Getenv("FEDGRAPH_REDIS_ADDR"); v != "" {
		c.Conf.RedisAddr = v
	}
	if v := os.Getenv("FEDGRAPH_REDIS_PASSWORD"); v != "" {
		c.Conf.RedisPassword = v
	}
	if v := os.Getenv("FEDGRAPH_LOG_LEVEL"); v != "" {
		c.Conf.LogLevel = v
	}
	if v := os.Getenv("FEDGRAPH_LOG_FORMAT"); v != "" {
		c.Conf.LogFormat = v
	}
}

func envInt(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logrus.Warnf("Ignoring %s=%q: %v", key, v, err)
		return
	}
	*dst = n
}

func envBool(key string, dst *bool) {
	switch os.Getenv(key) {
	case "true", "1":
		*dst = true
	case "false", "0":
		*dst = false
	}
}

func envDuration(key string, dst *time.Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		logrus.Warnf("Ignoring %s=%q: %v", key, v, err)
		return
	}
	*dst = d
}

// BaseURL is the scheme and domain local URIs start with.
func (c *AppConfig) BaseURL() string {
	scheme := "https"
	if c.Conf.UseHttp {
		scheme = "http"
	}
	return scheme + "://" + c.Conf.Domain
}
