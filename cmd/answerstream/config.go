package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"goa.design/answerstream/runtime/session"
	"goa.design/answerstream/runtime/stream"
)

type (
	// config is the service configuration. Values are read from an optional
	// YAML file and then overridden by environment variables.
	config struct {
		HTTP    httpConfig    `yaml:"http"`
		Redis   redisConfig   `yaml:"redis"`
		Mongo   mongoConfig   `yaml:"mongo"`
		Agent   agentConfig   `yaml:"agent"`
		Session sessionConfig `yaml:"session"`
		Pulse   pulseConfig   `yaml:"pulse"`
	}

	httpConfig struct {
		Addr        string        `yaml:"addr"`
		Buffer      int           `yaml:"buffer"`
		SendTimeout time.Duration `yaml:"sendTimeout"`
		Heartbeat   time.Duration `yaml:"heartbeat"`
		TailBlock   time.Duration `yaml:"tailBlock"`
	}

	redisConfig struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Prefix   string `yaml:"prefix"`
	}

	// mongoConfig is optional: an empty URI disables conversation updates.
	mongoConfig struct {
		URI        string        `yaml:"uri"`
		Database   string        `yaml:"database"`
		Collection string        `yaml:"collection"`
		Timeout    time.Duration `yaml:"timeout"`
	}

	agentConfig struct {
		URL        string `yaml:"url"`
		HealthPath string `yaml:"healthPath"`
		AnswerPath string `yaml:"answerPath"`
		SkipProbe  bool   `yaml:"skipProbe"`
	}

	sessionConfig struct {
		TTL              time.Duration `yaml:"ttl"`
		SweepInterval    time.Duration `yaml:"sweepInterval"`
		Abandon          time.Duration `yaml:"abandon"`
		DeletesPerSecond float64       `yaml:"deletesPerSecond"`
	}

	pulseConfig struct {
		Enabled      bool `yaml:"enabled"`
		StreamMaxLen int  `yaml:"streamMaxLen"`
	}
)

func defaultConfig() config {
	return config{
		HTTP: httpConfig{
			Addr:        ":8080",
			Buffer:      256,
			SendTimeout: 10 * time.Second,
			Heartbeat:   15 * time.Second,
			TailBlock:   stream.DefaultTailBlock,
		},
		Redis: redisConfig{Addr: "localhost:6379", Prefix: "answerstream:"},
		Mongo: mongoConfig{Database: "answerstream", Collection: "messages", Timeout: 5 * time.Second},
		Agent: agentConfig{URL: "http://localhost:8000"},
		Session: sessionConfig{
			TTL:           session.DefaultTTL,
			SweepInterval: 10 * time.Minute,
		},
		Pulse: pulseConfig{Enabled: true, StreamMaxLen: 1000},
	}
}

// loadConfig reads path when not empty and applies environment overrides.
//
// Environment variables:
//
//	ANSWERSTREAM_ADDR  - HTTP listen address
//	REDIS_URL          - Redis address
//	REDIS_PASSWORD     - Redis password
//	REDIS_DB           - Redis database number
//	MONGO_URI          - MongoDB connection URI (empty disables MongoDB)
//	MONGO_DATABASE     - MongoDB database name
//	AGENT_URL          - upstream agent base URL
//	SESSION_TTL        - session retention
//	SWEEP_INTERVAL     - session sweep interval
//	PULSE_ENABLED      - publish lifecycle notifications
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.HTTP.Addr = envOr("ANSWERSTREAM_ADDR", cfg.HTTP.Addr)
	cfg.Redis.Addr = envOr("REDIS_URL", cfg.Redis.Addr)
	cfg.Redis.Password = envOr("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = envIntOr("REDIS_DB", cfg.Redis.DB)
	cfg.Mongo.URI = envOr("MONGO_URI", cfg.Mongo.URI)
	cfg.Mongo.Database = envOr("MONGO_DATABASE", cfg.Mongo.Database)
	cfg.Agent.URL = envOr("AGENT_URL", cfg.Agent.URL)
	cfg.Session.TTL = envDurationOr("SESSION_TTL", cfg.Session.TTL)
	cfg.Session.SweepInterval = envDurationOr("SWEEP_INTERVAL", cfg.Session.SweepInterval)
	cfg.Pulse.Enabled = envBoolOr("PULSE_ENABLED", cfg.Pulse.Enabled)
	return cfg, cfg.validate()
}

func (c config) validate() error {
	var errs []error
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required"))
	}
	if c.Agent.URL == "" {
		errs = append(errs, errors.New("agent.url is required"))
	}
	if c.Session.TTL <= 0 {
		errs = append(errs, errors.New("session.ttl must be positive"))
	}
	if c.Session.SweepInterval <= 0 {
		errs = append(errs, errors.New("session.sweepInterval must be positive"))
	}
	if c.Mongo.URI != "" && c.Mongo.Database == "" {
		errs = append(errs, errors.New("mongo.database is required with mongo.uri"))
	}
	return errors.Join(errs...)
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envIntOr returns the environment variable as int or a default.
func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

// envDurationOr returns the environment variable as duration or a default.
func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func envBoolOr(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}
